package command

import (
	"testing"

	"github.com/alxayo/go-rtmp/internal/logger"
)

type fakeHub struct {
	killed       []string
	closedChan   string
	closedStream string
}

func (f *fakeHub) KillChannel(name string)              { f.killed = append(f.killed, name) }
func (f *fakeHub) CloseStream(channel, streamID string) { f.closedChan, f.closedStream = channel, streamID }

func TestDispatchKillSession(t *testing.T) {
	hub := &fakeHub{}
	s := &Subscriber{hub: hub, log: logger.Logger()}
	s.dispatch("kill-session>chan1")
	if len(hub.killed) != 1 || hub.killed[0] != "chan1" {
		t.Fatalf("expected kill-session chan1, got %+v", hub.killed)
	}
}

func TestDispatchCloseStream(t *testing.T) {
	hub := &fakeHub{}
	s := &Subscriber{hub: hub, log: logger.Logger()}
	s.dispatch("close-stream>chan1|stream-42")
	if hub.closedChan != "chan1" || hub.closedStream != "stream-42" {
		t.Fatalf("unexpected close-stream dispatch: %q %q", hub.closedChan, hub.closedStream)
	}
}

func TestDispatchUnknownCommandIgnored(t *testing.T) {
	hub := &fakeHub{}
	s := &Subscriber{hub: hub, log: logger.Logger()}
	s.dispatch("bogus>arg")
	if len(hub.killed) != 0 || hub.closedChan != "" {
		t.Fatal("expected unknown command to have no effect")
	}
}

func TestDispatchMalformedLineIgnored(t *testing.T) {
	hub := &fakeHub{}
	s := &Subscriber{hub: hub, log: logger.Logger()}
	s.dispatch("not a valid command line")
	if len(hub.killed) != 0 {
		t.Fatal("expected malformed line to be ignored, not dispatched")
	}
}
