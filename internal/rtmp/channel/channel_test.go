package channel

import (
	"testing"

	"github.com/alxayo/go-rtmp/internal/logger"
	"github.com/alxayo/go-rtmp/internal/rtmp/amf"
	"github.com/alxayo/go-rtmp/internal/rtmp/chunk"
	"github.com/alxayo/go-rtmp/internal/rtmp/media"
)

type fakePlayer struct {
	received []*chunk.Message
	accept   bool
}

func (f *fakePlayer) TrySendMessage(msg *chunk.Message) bool {
	if !f.accept {
		return false
	}
	f.received = append(f.received, msg)
	return true
}

func videoMsg(keyframe bool, payload ...byte) *chunk.Message {
	b0 := byte(2) << 4 // inter frame, codec AVC in low nibble set separately
	if keyframe {
		b0 = (byte(1) << 4)
	}
	b0 |= 7 // AVC codec id
	data := append([]byte{b0, 1, 0, 0, 0}, payload...) // avc packet type = NALU (1)
	return &chunk.Message{TypeID: 9, Payload: data, MessageLength: uint32(len(data))}
}

func TestPublishIsExclusive(t *testing.T) {
	c := newChannel("live", 16)
	if err := c.Publish("sess-1"); err != nil {
		t.Fatalf("first Publish: %v", err)
	}
	if err := c.Publish("sess-2"); err != ErrPublisherExists {
		t.Fatalf("second Publish: got %v, want ErrPublisherExists", err)
	}
	c.Unpublish("sess-1")
	if err := c.Publish("sess-2"); err != nil {
		t.Fatalf("Publish after Unpublish: %v", err)
	}
}

func TestUnpublishIgnoresStaleSession(t *testing.T) {
	c := newChannel("live", 16)
	_ = c.Publish("sess-1")
	c.Unpublish("sess-stale")
	if !c.IsPublishing() {
		t.Fatal("stale Unpublish must not clear the active publisher")
	}
}

func TestBroadcastDropsOnSlowPlayer(t *testing.T) {
	c := newChannel("live", 16)
	slow := &fakePlayer{accept: false}
	c.AddPlayer(slow)
	c.Broadcast(videoMsg(false), logger.Logger())
	if len(slow.received) != 0 {
		t.Fatal("slow player should not have received the message")
	}
}

func TestGOPCacheResetsOnKeyframe(t *testing.T) {
	c := newChannel("live", 16)
	c.Broadcast(videoMsg(true), logger.Logger())
	c.Broadcast(videoMsg(false), logger.Logger())
	c.Broadcast(videoMsg(false), logger.Logger())
	if len(c.gop) != 3 {
		t.Fatalf("expected keyframe + 2 buffered inter frames, got %d", len(c.gop))
	}
	c.Broadcast(videoMsg(true), logger.Logger())
	if len(c.gop) != 1 {
		t.Fatalf("expected GOP cache reset to 1 entry on keyframe, got %d", len(c.gop))
	}
}

func TestAddPlayerReceivesCurrentGOP(t *testing.T) {
	c := newChannel("live", 16)
	c.Broadcast(videoMsg(true), logger.Logger())
	c.Broadcast(videoMsg(false), logger.Logger())

	_, _, _, gop := c.AddPlayer(&fakePlayer{accept: true})
	if len(gop) != 2 {
		t.Fatalf("expected new player to receive 2 cached GOP entries, got %d", len(gop))
	}
}

func setDataFrameMsg(t *testing.T) *chunk.Message {
	t.Helper()
	payload, err := amf.EncodeAll("@setDataFrame", "onMetaData", map[string]interface{}{"width": float64(1280)})
	if err != nil {
		t.Fatalf("encode setDataFrame: %v", err)
	}
	return &chunk.Message{TypeID: media.TypeIDDataAMF0, Payload: payload, MessageLength: uint32(len(payload))}
}

func TestAddPlayerReceivesMetadata(t *testing.T) {
	c := newChannel("live", 16)
	c.Broadcast(setDataFrameMsg(t), logger.Logger())

	metadata, _, _, _ := c.AddPlayer(&fakePlayer{accept: true})
	if metadata == nil {
		t.Fatal("expected cached @setDataFrame metadata to be handed to new player")
	}
}

func TestGOPCacheDisabledWhenZero(t *testing.T) {
	c := newChannel("live", 0)
	c.Broadcast(videoMsg(true), logger.Logger())
	if len(c.gop) != 0 {
		t.Fatal("expected GOP cache to stay empty when GOP_CACHE_SIZE_MB is 0")
	}
}

func TestHubGetOrCreateIsIdempotent(t *testing.T) {
	h := NewHub(16)
	a := h.GetOrCreate("live")
	b := h.GetOrCreate("live")
	if a != b {
		t.Fatal("expected GetOrCreate to return the same channel instance")
	}
}

func TestHubRemoveNoopWhilePublishing(t *testing.T) {
	h := NewHub(16)
	c := h.GetOrCreate("live")
	_ = c.Publish("sess-1")
	h.Remove("live")
	if h.Get("live") == nil {
		t.Fatal("Remove must not delete a channel with an active publisher")
	}
}

func TestHubKillChannelClosesAllSessionsAndRemoves(t *testing.T) {
	h := NewHub(16)
	c := h.GetOrCreate("live")
	_ = c.Publish("pub-1")
	var pubClosed, playerClosed bool
	c.SetCloser("pub-1", func() { pubClosed = true })
	c.SetCloser("player-1", func() { playerClosed = true })

	h.KillChannel("live")

	if !pubClosed || !playerClosed {
		t.Fatalf("expected KillChannel to invoke all closers, got pub=%v player=%v", pubClosed, playerClosed)
	}
	if h.Get("live") != nil {
		t.Fatal("expected KillChannel to remove the channel from the hub")
	}
}

func TestHubCloseStreamClosesOnlyMatchingSession(t *testing.T) {
	h := NewHub(16)
	c := h.GetOrCreate("live")
	var aClosed, bClosed bool
	c.SetCloser("stream-a", func() { aClosed = true })
	c.SetCloser("stream-b", func() { bClosed = true })

	h.CloseStream("live", "stream-a")

	if !aClosed {
		t.Fatal("expected matching session closer to run")
	}
	if bClosed {
		t.Fatal("expected non-matching session closer to stay untouched")
	}
	if h.Get("live") == nil {
		t.Fatal("CloseStream must not remove the channel itself")
	}
}

func TestHubKillChannelNoopForUnknownChannel(t *testing.T) {
	h := NewHub(16)
	h.KillChannel("nope")
}

func TestHubCloseStreamNoopForUnknownChannel(t *testing.T) {
	h := NewHub(16)
	h.CloseStream("nope", "stream-1")
}

func TestAddPlayerAndPrimeDeliversPrimingBeforeLaterBroadcast(t *testing.T) {
	c := newChannel("live", 16)
	c.Broadcast(setDataFrameMsg(t), logger.Logger())
	c.Broadcast(videoMsg(true), logger.Logger())

	player := &fakePlayer{accept: true}
	var primed []*chunk.Message
	done := make(chan struct{})
	go func() {
		// Priming frames go through the prime callback; the Broadcast below
		// runs only after AddPlayerAndPrime has returned, so the player's
		// own queue holds just that later live frame.
		c.AddPlayerAndPrime(player, func(metadata, audioSeqHeader, videoSeqHeader *chunk.Message, gop []*chunk.Message) {
			if metadata != nil {
				primed = append(primed, metadata)
			}
			primed = append(primed, gop...)
		})
		close(done)
	}()
	<-done
	c.Broadcast(videoMsg(false), logger.Logger())

	if len(primed) != 2 {
		t.Fatalf("expected metadata + 1 keyframe primed, got %d", len(primed))
	}
	if len(player.received) != 1 {
		t.Fatalf("expected exactly one post-priming live broadcast received, got %d", len(player.received))
	}
}

func TestUnpublishDelegatesToReleasePublisherWithoutNotify(t *testing.T) {
	c := newChannel("live", 16)
	_ = c.Publish("sess-1")
	player := &fakePlayer{accept: true}
	c.AddPlayer(player)

	c.Unpublish("sess-1")

	if c.IsPublishing() {
		t.Fatal("expected publisher to be cleared")
	}
	if len(player.received) != 0 {
		t.Fatal("Unpublish must not send any notify message")
	}
}

func TestReleasePublisherBroadcastsNotifyToAllPlayers(t *testing.T) {
	c := newChannel("live", 16)
	_ = c.Publish("sess-1")
	a := &fakePlayer{accept: true}
	b := &fakePlayer{accept: true}
	c.AddPlayer(a)
	c.AddPlayer(b)

	notify := &chunk.Message{TypeID: 20, Payload: []byte("unpublish-notify")}
	c.ReleasePublisher("sess-1", notify)

	if c.IsPublishing() {
		t.Fatal("expected publisher to be cleared")
	}
	if len(a.received) != 1 || len(b.received) != 1 {
		t.Fatalf("expected both players to receive the notify, got a=%d b=%d", len(a.received), len(b.received))
	}
}

func aacAudioMsg() *chunk.Message {
	data := []byte{0xAF, 0x01, 0x21, 0x10} // AAC (0xA), raw packet (type=1)
	return &chunk.Message{TypeID: 8, Payload: data, MessageLength: uint32(len(data))}
}

func TestBroadcastDetectsCodecsFromFirstFrames(t *testing.T) {
	c := newChannel("live", 16)
	if c.AudioCodec() != "" || c.VideoCodec() != "" {
		t.Fatal("expected no codec detected before any media arrives")
	}

	c.Broadcast(videoMsg(true), logger.Logger())
	c.Broadcast(aacAudioMsg(), logger.Logger())

	if c.VideoCodec() != media.VideoCodecAVC {
		t.Fatalf("expected video codec %q, got %q", media.VideoCodecAVC, c.VideoCodec())
	}
	if c.AudioCodec() != media.AudioCodecAAC {
		t.Fatalf("expected audio codec %q, got %q", media.AudioCodecAAC, c.AudioCodec())
	}
}

func TestReleasePublisherIgnoresStaleSession(t *testing.T) {
	c := newChannel("live", 16)
	_ = c.Publish("sess-1")
	player := &fakePlayer{accept: true}
	c.AddPlayer(player)

	c.ReleasePublisher("sess-stale", &chunk.Message{TypeID: 20, Payload: []byte("x")})

	if !c.IsPublishing() {
		t.Fatal("stale ReleasePublisher must not clear the active publisher")
	}
	if len(player.received) != 0 {
		t.Fatal("stale ReleasePublisher must not notify players")
	}
}
