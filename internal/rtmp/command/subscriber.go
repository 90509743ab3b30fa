// Package command implements the Command Subscriber: an outbound Redis
// pub/sub listener that turns a small line grammar into Hub operations
// (kill-session, close-stream), reconnecting with exponential back-off.
package command

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	rpcmsg "github.com/AgustinSRG/go-simple-rpc-message"
)

// Hub is the subset of channel.Hub operations the command grammar can
// invoke. A narrow interface keeps this package independent of the
// channel package's full surface and easy to fake in tests.
type Hub interface {
	KillChannel(name string)
	CloseStream(channel, streamID string)
}

// Subscriber maintains a Redis subscription on REDIS_CHANNEL and dispatches
// recognized commands to Hub. Unknown commands are logged and ignored.
type Subscriber struct {
	client  *redis.Client
	channel string
	hub     Hub
	log     *slog.Logger
}

// New builds a Subscriber. opts is passed straight through to
// redis.NewClient so TLS (REDIS_TLS) and auth (REDIS_PASSWORD) are
// configured by the caller at construction time.
func New(opts *redis.Options, channel string, hub Hub, log *slog.Logger) *Subscriber {
	return &Subscriber{client: redis.NewClient(opts), channel: channel, hub: hub, log: log}
}

// Run subscribes and dispatches messages until ctx is cancelled,
// reconnecting with a capped exponential back-off on any subscription
// error (including the initial connect).
func (s *Subscriber) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.runOnce(ctx); err != nil {
			if s.log != nil {
				s.log.Warn("command subscriber disconnected, retrying", "error", err, "backoff", backoff)
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff *= 2; backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = time.Second
	}
}

func (s *Subscriber) runOnce(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	if s.log != nil {
		s.log.Info("command subscriber connected", "channel", s.channel)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.dispatch(msg.Payload)
		}
	}
}

func (s *Subscriber) dispatch(line string) {
	msg, err := rpcmsg.Parse(strings.TrimSpace(line))
	if err != nil {
		if s.log != nil {
			s.log.Warn("command subscriber received malformed message", "line", line, "error", err)
		}
		return
	}
	switch msg.Method {
	case "kill-session":
		if len(msg.Args) < 1 {
			s.log.Warn("kill-session missing CHANNEL arg", "line", line)
			return
		}
		s.hub.KillChannel(msg.Args[0])
	case "close-stream":
		if len(msg.Args) < 2 {
			s.log.Warn("close-stream missing CHANNEL|STREAM_ID args", "line", line)
			return
		}
		s.hub.CloseStream(msg.Args[0], msg.Args[1])
	default:
		if s.log != nil {
			s.log.Warn("unrecognized command", "method", msg.Method, "line", line)
		}
	}
}

// Close releases the underlying Redis client.
func (s *Subscriber) Close() error { return s.client.Close() }
