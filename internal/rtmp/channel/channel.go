// Package channel implements the Channel Hub: a registry of named
// broadcast channels, each with at most one publisher and any number of
// players, fanning out media messages and retaining a GOP cache so late
// joiners start at the last keyframe instead of a black screen.
package channel

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alxayo/go-rtmp/internal/rtmp/amf"
	"github.com/alxayo/go-rtmp/internal/rtmp/chunk"
	"github.com/alxayo/go-rtmp/internal/rtmp/media"
)

// Player is anything that can receive relayed media messages without
// blocking the channel's broadcast path. conn.Connection.TrySendMessage
// implements it.
type Player interface {
	TrySendMessage(msg *chunk.Message) bool
}

// gopEntry is one cached media message plus the absolute timestamp it
// carried when it was cached.
type gopEntry struct {
	msg *chunk.Message
	ts  uint32
}

// Channel is one named broadcast channel: a single publisher slot, the set
// of current players, and a byte-bounded GOP cache rooted at the most
// recent keyframe.
type Channel struct {
	Name string

	mu          sync.Mutex
	publisherID string // empty when unpublished
	players     map[Player]struct{}

	audioSeqHeader *chunk.Message
	videoSeqHeader *chunk.Message
	metadata       *chunk.Message // most recent @setDataFrame("onMetaData", ...) payload

	audioCodec string
	videoCodec string
	detector   media.CodecDetector

	gop       []gopEntry
	gopBytes  int
	gopMaxMB  int
	createdAt time.Time

	// closers lets the Command Subscriber terminate a specific session (by
	// id) or every session on the channel without the channel package
	// needing to know anything about net.Conn or the session state
	// machine; each session registers its own close func on admission.
	closers map[string]func()
}

func newChannel(name string, gopMaxMB int) *Channel {
	return &Channel{
		Name:      name,
		players:   make(map[Player]struct{}),
		closers:   make(map[string]func()),
		gopMaxMB:  gopMaxMB,
		createdAt: time.Now(),
	}
}

// SetCloser registers a callback that forcibly terminates the session
// identified by id (publisher or player). The session/listener layer
// registers this when the session joins the channel so the Command
// Subscriber can later reach it through nothing more than its id.
func (c *Channel) SetCloser(id string, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers[id] = fn
}

// RemoveCloser unregisters a session's close callback, normally called as
// part of its own teardown.
func (c *Channel) RemoveCloser(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.closers, id)
}

// CloseSession invokes and unregisters the close callback for id, if any
// is registered. Reports whether a callback was found.
func (c *Channel) CloseSession(id string) bool {
	c.mu.Lock()
	fn, ok := c.closers[id]
	if ok {
		delete(c.closers, id)
	}
	c.mu.Unlock()
	if ok && fn != nil {
		fn()
	}
	return ok
}

// KillAll invokes every registered close callback on the channel, used to
// force-close both the publisher and every player (the kill-session
// command operates on the whole channel, not a single stream).
func (c *Channel) KillAll() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.closers))
	for id, fn := range c.closers {
		if fn != nil {
			fns = append(fns, fn)
		}
		delete(c.closers, id)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// ErrPublisherExists is returned by Publish when a channel already has an
// active publisher; callers must reject the RTMP publish as a duplicate.
var ErrPublisherExists = errPublisherExists{}

type errPublisherExists struct{}

func (errPublisherExists) Error() string { return "publisher already active for channel" }

// Publish claims the channel's publisher slot for sessionID. At most one
// publisher may be active per channel (spec invariant).
func (c *Channel) Publish(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publisherID != "" {
		return ErrPublisherExists
	}
	c.publisherID = sessionID
	return nil
}

// Unpublish clears the publisher slot and the GOP cache, if sessionID
// matches the current publisher (a stale disconnect of a superseded
// publisher must not clobber a new one).
func (c *Channel) Unpublish(sessionID string) {
	c.ReleasePublisher(sessionID, nil)
}

// ReleasePublisher is Unpublish plus end-of-stream notification: every
// player currently on the channel receives notify (typically an
// onStatus NetStream.Play.UnpublishNotify) so it learns the stream ended
// without being disconnected itself — a subsequent publisher reusing the
// same channel name picks the players back up.
func (c *Channel) ReleasePublisher(sessionID string, notify *chunk.Message) {
	c.mu.Lock()
	if c.publisherID != sessionID {
		c.mu.Unlock()
		return
	}
	c.publisherID = ""
	c.gop = nil
	c.gopBytes = 0
	c.audioSeqHeader = nil
	c.videoSeqHeader = nil
	c.metadata = nil
	players := make([]Player, 0, len(c.players))
	for p := range c.players {
		players = append(players, p)
	}
	c.mu.Unlock()

	if notify == nil {
		return
	}
	for _, p := range players {
		p.TrySendMessage(cloneMessage(notify))
	}
}

// IsPublishing reports whether a publisher currently holds the channel.
func (c *Channel) IsPublishing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publisherID != ""
}

// AddPlayer registers p as a player and returns the currently cached
// metadata, sequence headers, and GOP so the caller can immediately prime
// the new player before further live messages arrive. Order matters: a
// player must see metadata and sequence headers before any media packet
// (spec invariant).
func (c *Channel) AddPlayer(p Player) (metadata, audioSeqHeader, videoSeqHeader *chunk.Message, gop []*chunk.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.players[p] = struct{}{}
	gop = make([]*chunk.Message, len(c.gop))
	for i, e := range c.gop {
		gop[i] = e.msg
	}
	return c.metadata, c.audioSeqHeader, c.videoSeqHeader, gop
}

// AddPlayerAndPrime registers p and invokes prime with the channel's current
// metadata/sequence-headers/GOP while still holding the channel lock, so no
// concurrent Broadcast can interleave a live frame ahead of the priming
// frames in p's outbound queue (spec invariant: priming precedes live
// media for every newly joined player).
func (c *Channel) AddPlayerAndPrime(p Player, prime func(metadata, audioSeqHeader, videoSeqHeader *chunk.Message, gop []*chunk.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.players[p] = struct{}{}
	gop := make([]*chunk.Message, len(c.gop))
	for i, e := range c.gop {
		gop[i] = e.msg
	}
	if prime != nil {
		prime(c.metadata, c.audioSeqHeader, c.videoSeqHeader, gop)
	}
}

// RemovePlayer unregisters p. Safe to call even if p was never added.
func (c *Channel) RemovePlayer(p Player) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.players, p)
}

// PlayerCount returns a snapshot count of current players.
func (c *Channel) PlayerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.players)
}

// Publish cache limit of zero disables the GOP cache outright (spec:
// GOP_CACHE_SIZE_MB of 0 disables caching).
func (c *Channel) cacheDisabled() bool { return c.gopMaxMB <= 0 }

// AudioCodec returns the codec name detected from the publisher's first
// audio message (e.g. "AAC"), or "" if none has arrived yet.
func (c *Channel) AudioCodec() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioCodec
}

// VideoCodec returns the codec name detected from the publisher's first
// video message (e.g. "AVC"), or "" if none has arrived yet.
func (c *Channel) VideoCodec() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoCodec
}

// codecView lets media.CodecDetector read/write a Channel's detected
// codecs without knowing about chunk.Message or the GOP cache. It is only
// ever constructed while c.mu is already held by the caller.
type codecView struct{ c *Channel }

func (v codecView) SetAudioCodec(codec string) { v.c.audioCodec = codec }
func (v codecView) SetVideoCodec(codec string) { v.c.videoCodec = codec }
func (v codecView) GetAudioCodec() string      { return v.c.audioCodec }
func (v codecView) GetVideoCodec() string      { return v.c.videoCodec }
func (v codecView) StreamKey() string          { return v.c.Name }

// Broadcast relays msg to every current player and maintains the GOP
// cache / sequence-header retention described by the Channel Hub spec.
func (c *Channel) Broadcast(msg *chunk.Message, log *slog.Logger) {
	if msg == nil {
		return
	}

	c.mu.Lock()
	c.updateCacheLocked(msg, log)
	players := make([]Player, 0, len(c.players))
	for p := range c.players {
		players = append(players, p)
	}
	c.mu.Unlock()

	for _, p := range players {
		if !p.TrySendMessage(cloneMessage(msg)) {
			if log != nil {
				log.Debug("dropped media message, slow player", "channel", c.Name)
			}
		}
	}
}

// updateCacheLocked must be called with c.mu held. It tracks sequence
// headers permanently and appends to the GOP slice, resetting it whenever
// a new video keyframe arrives (the GOP boundary). Other media messages are
// appended only once the cache holds a keyframe; if a message would push
// the cache over its byte budget, the current GOP is dropped.
func (c *Channel) updateCacheLocked(msg *chunk.Message, log *slog.Logger) {
	if msg.TypeID == media.TypeIDDataAMF0 {
		if isSetDataFrame(msg.Payload) {
			c.metadata = cloneMessage(msg)
		}
		return
	}

	if msg.TypeID == media.TypeIDAudio || msg.TypeID == media.TypeIDVideo {
		c.detector.Process(msg.TypeID, msg.Payload, codecView{c: c}, log)
	}

	isVideoSeqHeader := msg.TypeID == media.TypeIDVideo && len(msg.Payload) >= 2 && msg.Payload[1] == 0
	isAudioSeqHeader := msg.TypeID == media.TypeIDAudio && len(msg.Payload) >= 2 &&
		(msg.Payload[0]>>4) == 0x0A && msg.Payload[1] == 0
	isVideoKeyframe := msg.TypeID == media.TypeIDVideo && len(msg.Payload) >= 1 && (msg.Payload[0]>>4)&0x0F == 1

	if isVideoSeqHeader {
		c.videoSeqHeader = cloneMessage(msg)
		return
	}
	if isAudioSeqHeader {
		c.audioSeqHeader = cloneMessage(msg)
		return
	}

	if c.cacheDisabled() {
		return
	}

	if isVideoKeyframe {
		c.gop = c.gop[:0]
		c.gopBytes = 0
	}

	if msg.TypeID != media.TypeIDVideo && msg.TypeID != media.TypeIDAudio {
		return
	}
	if !isVideoKeyframe && len(c.gop) == 0 {
		return
	}

	entrySize := len(msg.Payload)
	maxBytes := c.gopMaxMB * 1024 * 1024
	if c.gopBytes+entrySize > maxBytes {
		if log != nil {
			log.Debug("GOP cache budget exceeded, dropping current GOP", "channel", c.Name)
		}
		c.gop = nil
		c.gopBytes = 0
		return
	}
	c.gop = append(c.gop, gopEntry{msg: cloneMessage(msg), ts: msg.Timestamp})
	c.gopBytes += entrySize
}

// isSetDataFrame reports whether payload is an AMF0 data message beginning
// with the "@setDataFrame" marker clients use to carry onMetaData.
func isSetDataFrame(payload []byte) bool {
	vals, err := amf.DecodeAll(payload)
	if err != nil || len(vals) == 0 {
		return false
	}
	name, ok := vals[0].(string)
	return ok && name == "@setDataFrame"
}

func cloneMessage(msg *chunk.Message) *chunk.Message {
	cp := &chunk.Message{
		CSID:            msg.CSID,
		TypeID:          msg.TypeID,
		Timestamp:       msg.Timestamp,
		MessageStreamID: msg.MessageStreamID,
		MessageLength:   msg.MessageLength,
		Payload:         make([]byte, len(msg.Payload)),
	}
	copy(cp.Payload, msg.Payload)
	return cp
}

// Hub is the registry of all active channels, keyed by channel name.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	gopMaxMB int
}

// NewHub creates an empty Hub. gopMaxMB is applied to every channel it
// creates (GOP_CACHE_SIZE_MB is a server-wide setting, not per-channel).
func NewHub(gopMaxMB int) *Hub {
	return &Hub{channels: make(map[string]*Channel), gopMaxMB: gopMaxMB}
}

// GetOrCreate returns the named channel, creating it if it does not yet
// exist.
func (h *Hub) GetOrCreate(name string) *Channel {
	h.mu.RLock()
	if c, ok := h.channels[name]; ok {
		h.mu.RUnlock()
		return c
	}
	h.mu.RUnlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.channels[name]; ok {
		return c
	}
	c := newChannel(name, h.gopMaxMB)
	h.channels[name] = c
	return c
}

// Get returns the named channel, or nil if it has never been created.
func (h *Hub) Get(name string) *Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channels[name]
}

// Remove deletes a channel from the registry once it is empty (no
// publisher, no players), so idle channel names do not leak memory
// forever. It is a no-op if the channel still has a publisher or players.
func (h *Hub) Remove(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.channels[name]
	if !ok {
		return
	}
	if c.IsPublishing() || c.PlayerCount() > 0 {
		return
	}
	delete(h.channels, name)
}

// KillChannel force-closes every session (publisher and players) on the
// named channel and drops it from the registry. No-op if the channel does
// not exist. Satisfies command.Hub for the kill-session>CHANNEL command.
func (h *Hub) KillChannel(name string) {
	h.mu.Lock()
	c, ok := h.channels[name]
	if ok {
		delete(h.channels, name)
	}
	h.mu.Unlock()
	if ok {
		c.KillAll()
	}
}

// CloseStream force-closes a single session identified by streamID within
// the named channel, leaving the rest of the channel (and any other
// sessions on it) untouched. Satisfies command.Hub for the
// close-stream>CHANNEL|STREAM_ID command.
func (h *Hub) CloseStream(channel, streamID string) {
	c := h.Get(channel)
	if c == nil {
		return
	}
	c.CloseSession(streamID)
}
