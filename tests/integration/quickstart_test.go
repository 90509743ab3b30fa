package integration

import (
	"testing"
	"time"

	"github.com/alxayo/go-rtmp/internal/rtmp/channel"
	"github.com/alxayo/go-rtmp/internal/rtmp/chunk"
	"github.com/alxayo/go-rtmp/internal/rtmp/media"
)

func avcKeyframeMsg(streamID uint32) *chunk.Message {
	data := []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0xDE, 0xAD, 0xBE, 0xEF}
	return &chunk.Message{CSID: 6, TypeID: media.TypeIDVideo, MessageStreamID: streamID, Payload: data, MessageLength: uint32(len(data))}
}

func aacRawMsg(streamID uint32) *chunk.Message {
	data := []byte{0xAF, 0x01, 0x21, 0x10}
	return &chunk.Message{CSID: 4, TypeID: media.TypeIDAudio, MessageStreamID: streamID, Payload: data, MessageLength: uint32(len(data))}
}

// TestQuickstartScenario exercises the full publish/play path described by
// the project's quickstart: a publisher connects, authenticates, publishes
// audio/video, and a player joins mid-stream and receives the primed GOP
// plus the following live frames, with codecs classified along the way.
func TestQuickstartScenario(t *testing.T) {
	_, addr, hub := startTestListener(t)

	pub := dialAndHandshake(t, addr)
	defer pub.conn.Close()
	streamID := connectCreateStream(t, pub, "live")
	pub.sendCommand(uint32(streamID), "publish", 0.0, nil, "quickstart/stream1", "live")
	status := pub.readCommand()
	if status[3].(map[string]interface{})["code"] != "NetStream.Publish.Start" {
		t.Fatalf("expected Publish.Start, got %v", status[3])
	}

	msid := uint32(streamID)
	if err := pub.w.WriteMessage(avcKeyframeMsg(msid)); err != nil {
		t.Fatalf("write video frame: %v", err)
	}
	if err := pub.w.WriteMessage(aacRawMsg(msid)); err != nil {
		t.Fatalf("write audio frame: %v", err)
	}

	ch := waitForChannel(t, hub, "quickstart")
	waitFor(t, func() bool { return ch.VideoCodec() == media.VideoCodecAVC && ch.AudioCodec() == media.AudioCodecAAC })

	player := dialAndHandshake(t, addr)
	defer player.conn.Close()
	playerStreamID := connectCreateStream(t, player, "live")
	player.sendCommand(uint32(playerStreamID), "play", 0.0, nil, "quickstart/stream1")

	reset := player.readCommand()
	if reset[3].(map[string]interface{})["code"] != "NetStream.Play.Reset" {
		t.Fatalf("expected Play.Reset, got %v", reset[3])
	}
	start := player.readCommand()
	if start[3].(map[string]interface{})["code"] != "NetStream.Play.Start" {
		t.Fatalf("expected Play.Start, got %v", start[3])
	}

	waitFor(t, func() bool { return ch.PlayerCount() == 1 })

	if err := pub.w.WriteMessage(avcKeyframeMsg(msid)); err != nil {
		t.Fatalf("write second video frame: %v", err)
	}

	_ = player.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	msg, err := player.r.ReadMessage()
	if err != nil {
		t.Fatalf("expected a relayed media or priming message, got error: %v", err)
	}
	if msg.TypeID != media.TypeIDVideo && msg.TypeID != media.TypeIDAudio {
		t.Fatalf("expected media message type, got %d", msg.TypeID)
	}
}

func connectCreateStream(t *testing.T, wc *wireClient, app string) float64 {
	t.Helper()
	wc.sendCommand(0, "connect", 1.0, map[string]interface{}{"app": app, "tcUrl": "rtmp://x/" + app, "objectEncoding": 0.0})
	result := wc.readCommand()
	if result[0] != "_result" {
		t.Fatalf("expected _result for connect, got %v", result[0])
	}
	wc.sendCommand(0, "createStream", 2.0, nil)
	csResult := wc.readCommand()
	if csResult[0] != "_result" {
		t.Fatalf("expected _result for createStream, got %v", csResult[0])
	}
	return csResult[3].(float64)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func waitForChannel(t *testing.T, hub *channel.Hub, name string) *channel.Channel {
	t.Helper()
	var ch *channel.Channel
	waitFor(t, func() bool {
		ch = hub.Get(name)
		return ch != nil
	})
	return ch
}
