// Package session implements the Session State Machine: the per-connection
// glue between the chunk/handshake layers (internal/rtmp/conn), the Channel
// Hub, the Admission Controller, and the Authorizer. One Session exists per
// accepted TCP/TLS connection, from Connecting through Closed.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	rtmperrors "github.com/alxayo/go-rtmp/internal/errors"
	"github.com/alxayo/go-rtmp/internal/rtmp/admission"
	"github.com/alxayo/go-rtmp/internal/rtmp/amf"
	"github.com/alxayo/go-rtmp/internal/rtmp/auth"
	"github.com/alxayo/go-rtmp/internal/rtmp/channel"
	"github.com/alxayo/go-rtmp/internal/rtmp/chunk"
	"github.com/alxayo/go-rtmp/internal/rtmp/conn"
	"github.com/alxayo/go-rtmp/internal/rtmp/control"
	"github.com/alxayo/go-rtmp/internal/rtmp/media"
	"github.com/alxayo/go-rtmp/internal/rtmp/rpc"
)

// authTimeout bounds how long a publish waits on the Authorizer before the
// attempt is treated as a transport failure (fail-closed per the error
// handling design).
const authTimeout = 5 * time.Second

// State mirrors the Session State Machine table: Handshaking is owned by
// conn.AcceptWithOptions (the handshake already completed by the time a
// Session exists), so a Session's own lifecycle starts at Connecting.
type State uint8

const (
	StateConnecting State = iota
	StateIdle
	StatePublishing
	StatePlaying
	StateClosed
)

type role uint8

const (
	roleNone role = iota
	rolePublisher
	rolePlayer
)

// Deps bundles the collaborators every Session shares with every other
// Session on the same Listener.
type Deps struct {
	Hub         *channel.Hub
	Admission   *admission.Controller
	Authorizer  auth.Authorizer
	IDMaxLength int
	Log         *slog.Logger
}

// Session is the per-connection state machine. It owns one *conn.Connection
// and, once publish/play succeeds, one *channel.Channel membership.
type Session struct {
	id   string
	conn *conn.Connection
	deps Deps
	log  *slog.Logger

	dispatcher *rpc.Dispatcher
	allocator  *rpc.StreamIDAllocator

	mu          sync.Mutex
	state       State
	app         string
	channelName string
	key         string
	role        role
	authStream  string
	ch          *channel.Channel

	closeOnce sync.Once
	teardown  func()
}

// SetTeardownHook installs a callback run once, after Hub/Authorizer
// teardown completes, whatever the reason the connection closed. The
// Listener uses this to release the Admission Controller's per-IP count,
// which must happen regardless of which session state the connection ever
// reached.
func (s *Session) SetTeardownHook(fn func()) { s.teardown = fn }

// New builds a Session bound to c. Call Start to begin processing.
func New(c *conn.Connection, deps Deps) *Session {
	return &Session{
		id:        c.ID(),
		conn:      c,
		deps:      deps,
		log:       deps.Log,
		allocator: rpc.NewStreamIDAllocator(),
		state:     StateConnecting,
	}
}

// ID returns the underlying connection's identity.
func (s *Session) ID() string { return s.id }

// Start wires the dispatcher and message/close handlers, then begins the
// connection's read loop. Must be called exactly once.
func (s *Session) Start() {
	d := rpc.NewDispatcher(s.getApp)
	d.OnConnect = s.onConnect
	d.OnCreateStream = s.onCreateStream
	d.OnPublish = s.onPublish
	d.OnPlay = s.onPlay
	d.OnDeleteStream = s.onDeleteStream
	s.dispatcher = d

	s.conn.SetCloseHandler(s.onConnClosed)
	s.conn.SetMessageHandler(s.handleMessage)
	s.conn.Start()
}

func (s *Session) getApp() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.app
}

func (s *Session) setApp(app string) {
	s.mu.Lock()
	s.app = app
	if s.state == StateConnecting {
		s.state = StateIdle
	}
	s.mu.Unlock()
}

// handleMessage routes one reassembled RTMP message. The chunk reader
// applies Set Chunk Size (type 1) itself; the other protocol control
// messages (types 2-6) are ignored here.
func (s *Session) handleMessage(m *chunk.Message) {
	if m == nil {
		return
	}
	switch m.TypeID {
	case media.TypeIDAudio, media.TypeIDVideo, media.TypeIDDataAMF0:
		s.mu.Lock()
		ch := s.ch
		r := s.role
		s.mu.Unlock()
		if ch != nil && r == rolePublisher {
			ch.Broadcast(m, s.log)
		}
		return
	}
	if m.TypeID != rpc.CommandMessageAMF0TypeIDForTest() {
		return
	}
	if err := s.dispatcher.Dispatch(m); err != nil {
		s.log.Warn("dispatch error", "session", s.id, "error", err)
	}
}

func (s *Session) onConnect(cc *rpc.ConnectCommand, msg *chunk.Message) error {
	s.setApp(cc.App)
	resp, err := rpc.BuildConnectResponse(cc.TransactionID, "Connection succeeded.")
	if err != nil {
		s.log.Error("connect response build failed", "session", s.id, "error", err)
		return nil
	}
	if err := s.conn.SendMessage(resp); err != nil {
		s.log.Error("connect response send failed", "session", s.id, "error", err)
	}
	return nil
}

func (s *Session) onCreateStream(cs *rpc.CreateStreamCommand, msg *chunk.Message) error {
	resp, streamID, err := rpc.BuildCreateStreamResponse(cs.TransactionID, s.allocator)
	if err != nil {
		s.log.Error("createStream response build failed", "session", s.id, "error", err)
		return nil
	}
	if err := s.conn.SendMessage(resp); err != nil {
		s.log.Error("createStream response send failed", "session", s.id, "error", err)
		return nil
	}
	_ = s.conn.SendMessage(control.EncodeUserControlStreamBegin(streamID))
	return nil
}

func (s *Session) onPublish(pc *rpc.PublishCommand, msg *chunk.Message) error {
	chName, key, err := parseChannelKey(s.getApp(), pc.PublishingName, s.deps.IDMaxLength)
	if err != nil {
		s.log.Warn("publish rejected: invalid channel/key", "session", s.id, "error", err)
		s.closeAsync()
		return nil
	}

	ch := s.deps.Hub.GetOrCreate(chName)
	if err := ch.Publish(s.id); err != nil {
		s.log.Info("publish rejected: channel already has a publisher", "session", s.id, "channel", chName)
		s.rejectPublish(msg.MessageStreamID, chName, key, "Already publishing.")
		return nil
	}

	decision, err := s.authorizePublish(chName, key)
	if err != nil || !decision.Allowed {
		ch.Unpublish(s.id)
		s.deps.Hub.Remove(chName)
		s.log.Info("publish rejected by authorizer", "session", s.id, "channel", chName, "error", err)
		s.rejectPublish(msg.MessageStreamID, chName, key, "Not authorized.")
		return nil
	}

	s.mu.Lock()
	s.channelName = chName
	s.key = key
	s.role = rolePublisher
	s.authStream = decision.StreamID
	s.ch = ch
	s.state = StatePublishing
	s.mu.Unlock()

	ch.SetCloser(s.id, func() { _ = s.conn.Close() })

	info := onStatusMsg(msg.MessageStreamID, "NetStream.Publish.Start",
		fmt.Sprintf("Publishing %s/%s.", chName, key), chName+"/"+key)
	if info != nil {
		if err := s.conn.SendMessage(info); err != nil {
			s.log.Warn("publish onStatus send failed", "session", s.id, "error", err)
		}
	}
	return nil
}

func (s *Session) authorizePublish(chName, key string) (auth.Decision, error) {
	if s.deps.Authorizer == nil {
		return auth.Decision{}, rtmperrors.NewUnauthorizedError("session.publish", "no authorizer configured", nil)
	}
	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()
	return s.deps.Authorizer.Authorize(ctx, auth.Request{
		Event:    auth.EventPublishStart,
		Channel:  chName,
		Key:      key,
		ClientIP: s.conn.RemoteIP(),
	})
}

// rejectPublish sends onStatus NetStream.Publish.BadName then closes the
// session, used both for a duplicate publisher and an authorizer reject
// (the error handling design treats them identically from the client's
// point of view). The close is deferred briefly and runs on a dedicated
// goroutine so the onStatus message has a chance to reach the writeLoop
// before the socket goes away.
func (s *Session) rejectPublish(streamID uint32, chName, key, reason string) {
	bad := onStatusMsg(streamID, "NetStream.Publish.BadName", reason, chName+"/"+key)
	if bad != nil {
		_ = s.conn.SendMessage(bad)
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = s.conn.Close()
	}()
}

func (s *Session) onPlay(pl *rpc.PlayCommand, msg *chunk.Message) error {
	ip := s.conn.RemoteIP()
	if s.deps.Admission != nil && !s.deps.Admission.AllowPlay(ip) {
		s.log.Warn("play rejected by admission whitelist", "session", s.id, "ip", ip)
		s.closeAsync()
		return nil
	}

	chName, key, err := parseChannelKey(s.getApp(), pl.StreamName, s.deps.IDMaxLength)
	if err != nil {
		s.log.Warn("play rejected: invalid channel/key", "session", s.id, "error", err)
		s.closeAsync()
		return nil
	}

	ch := s.deps.Hub.GetOrCreate(chName)

	s.mu.Lock()
	s.channelName = chName
	s.key = key
	s.role = rolePlayer
	s.ch = ch
	s.state = StatePlaying
	s.mu.Unlock()

	ch.SetCloser(s.id, func() { _ = s.conn.Close() })

	streamID := msg.MessageStreamID
	_ = s.conn.SendMessage(control.EncodeUserControlStreamBegin(streamID))

	if reset := onStatusMsg(streamID, "NetStream.Play.Reset",
		fmt.Sprintf("Resetting %s/%s.", chName, key), chName+"/"+key); reset != nil {
		_ = s.conn.SendMessage(reset)
	}
	if started := onStatusMsg(streamID, "NetStream.Play.Start",
		fmt.Sprintf("Started playing %s/%s.", chName, key), chName+"/"+key); started != nil {
		_ = s.conn.SendMessage(started)
	}

	// AddPlayerAndPrime holds the channel lock across registration and these
	// sends so no concurrently broadcasting publisher frame can arrive at
	// this player ahead of its metadata/sequence-header/GOP priming.
	ch.AddPlayerAndPrime(s.conn, func(metadata, audioSeqHeader, videoSeqHeader *chunk.Message, gop []*chunk.Message) {
		if metadata != nil {
			s.conn.TrySendMessage(retarget(metadata, streamID, false))
		}
		if audioSeqHeader != nil {
			s.conn.TrySendMessage(retarget(audioSeqHeader, streamID, true))
		}
		if videoSeqHeader != nil {
			s.conn.TrySendMessage(retarget(videoSeqHeader, streamID, true))
		}
		for _, m := range gop {
			s.conn.TrySendMessage(retarget(m, streamID, false))
		}
	})
	return nil
}

func (s *Session) onDeleteStream(vals []interface{}, msg *chunk.Message) error {
	s.closeAsync()
	return nil
}

// closeAsync closes the connection from a goroutine distinct from the
// readLoop that is invoking this handler, avoiding the self-deadlock a
// direct blocking Close() would cause from within the message handler.
func (s *Session) closeAsync() {
	go func() { _ = s.conn.Close() }()
}

// onConnClosed runs exactly once, on the readLoop goroutine, whenever the
// connection terminates for any reason (peer disconnect, socket error, or
// an explicit Close() from another goroutine such as the Command
// Subscriber's kill-session path). It unwinds Channel Hub membership and
// notifies the Authorizer of the matching Stop event.
func (s *Session) onConnClosed() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		chName := s.channelName
		key := s.key
		r := s.role
		authStream := s.authStream
		s.mu.Unlock()

		if chName == "" {
			return
		}
		ch := s.deps.Hub.Get(chName)
		if ch == nil {
			return
		}
		ch.RemoveCloser(s.id)

		switch r {
		case rolePublisher:
			notify := onStatusMsg(0, "NetStream.Play.UnpublishNotify",
				fmt.Sprintf("%s/%s is now unpublished.", chName, key), chName+"/"+key)
			ch.ReleasePublisher(s.id, notify)
			if s.deps.Authorizer != nil {
				s.deps.Authorizer.Notify(context.Background(), auth.Request{
					Event:    auth.EventPublishStop,
					Channel:  chName,
					Key:      key,
					ClientIP: s.conn.RemoteIP(),
					StreamID: authStream,
				})
			}
		case rolePlayer:
			ch.RemovePlayer(s.conn)
		}
		s.deps.Hub.Remove(chName)
	})
	if s.teardown != nil {
		s.teardown()
	}
	s.conn.CloseAsync()
}

var idPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// parseChannelKey resolves the (channel, key) pair a publish/play name
// names. name is tried first as a bare key with the channel supplied by
// connect's app; if name contains a "/" the leading component overrides
// the channel instead.
func parseChannelKey(app, name string, maxLen int) (channelName, key string, err error) {
	if maxLen <= 0 {
		maxLen = 128
	}
	channelName, key = app, name
	if idx := strings.IndexByte(name, '/'); idx >= 0 {
		channelName, key = name[:idx], name[idx+1:]
	}
	if !validID(channelName, maxLen) {
		return "", "", fmt.Errorf("invalid channel %q", channelName)
	}
	if !validID(key, maxLen) {
		return "", "", fmt.Errorf("invalid key %q", key)
	}
	return channelName, key, nil
}

func validID(s string, maxLen int) bool {
	return len(s) >= 1 && len(s) <= maxLen && idPattern.MatchString(s)
}

func onStatusMsg(streamID uint32, code, description, details string) *chunk.Message {
	info := map[string]interface{}{
		"level":       "status",
		"code":        code,
		"description": description,
		"details":     details,
	}
	payload, err := amf.EncodeAll("onStatus", float64(0), nil, info)
	if err != nil {
		return nil
	}
	return &chunk.Message{
		CSID:            5,
		TypeID:          rpc.CommandMessageAMF0TypeIDForTest(),
		MessageStreamID: streamID,
		MessageLength:   uint32(len(payload)),
		Payload:         payload,
	}
}

// retarget clones msg onto streamID, optionally zeroing the timestamp (the
// convention for sequence headers, which must reset a new player's chunk
// stream state rather than carry the publisher's original timing).
func retarget(msg *chunk.Message, streamID uint32, zeroTimestamp bool) *chunk.Message {
	cp := &chunk.Message{
		CSID:            msg.CSID,
		TypeID:          msg.TypeID,
		MessageStreamID: streamID,
		MessageLength:   msg.MessageLength,
		Payload:         make([]byte, len(msg.Payload)),
	}
	copy(cp.Payload, msg.Payload)
	if !zeroTimestamp {
		cp.Timestamp = msg.Timestamp
	}
	return cp
}
