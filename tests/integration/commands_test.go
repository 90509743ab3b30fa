package integration

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alxayo/go-rtmp/internal/logger"
	"github.com/alxayo/go-rtmp/internal/rtmp/admission"
	"github.com/alxayo/go-rtmp/internal/rtmp/amf"
	"github.com/alxayo/go-rtmp/internal/rtmp/auth"
	"github.com/alxayo/go-rtmp/internal/rtmp/channel"
	"github.com/alxayo/go-rtmp/internal/rtmp/chunk"
	"github.com/alxayo/go-rtmp/internal/rtmp/handshake"
	"github.com/alxayo/go-rtmp/internal/rtmp/listener"
	"github.com/alxayo/go-rtmp/internal/rtmp/rpc"
)

// allowAllAuthorizer accepts every publish, mirroring an operator with no
// external authorization backend configured but wanting local testing.
type allowAllAuthorizer struct{}

func (allowAllAuthorizer) Authorize(ctx context.Context, req auth.Request) (auth.Decision, error) {
	return auth.Decision{Allowed: true, StreamID: req.Key}, nil
}
func (allowAllAuthorizer) Notify(ctx context.Context, req auth.Request) {}
func (allowAllAuthorizer) Close() error                                 { return nil }

type wireClient struct {
	t    *testing.T
	conn net.Conn
	w    *chunk.Writer
	r    *chunk.Reader
}

func dialAndHandshake(t *testing.T, addr string) *wireClient {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := handshake.ClientHandshake(c); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	return &wireClient{t: t, conn: c, w: chunk.NewWriter(c, 4096), r: chunk.NewReader(c, 128)}
}

func (wc *wireClient) sendCommand(streamID uint32, vals ...interface{}) {
	wc.t.Helper()
	payload, err := amf.EncodeAll(vals...)
	if err != nil {
		wc.t.Fatalf("encode command: %v", err)
	}
	msg := &chunk.Message{CSID: 3, TypeID: rpc.CommandMessageAMF0TypeIDForTest(), MessageStreamID: streamID, MessageLength: uint32(len(payload)), Payload: payload}
	if err := wc.w.WriteMessage(msg); err != nil {
		wc.t.Fatalf("write command: %v", err)
	}
}

func (wc *wireClient) readCommand() []interface{} {
	wc.t.Helper()
	_ = wc.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		msg, err := wc.r.ReadMessage()
		if err != nil {
			wc.t.Fatalf("read command: %v", err)
		}
		if msg.TypeID != rpc.CommandMessageAMF0TypeIDForTest() {
			continue
		}
		vals, err := amf.DecodeAll(msg.Payload)
		if err != nil {
			wc.t.Fatalf("decode command: %v", err)
		}
		return vals
	}
}

func startTestListener(t *testing.T) (*listener.Listener, string, *channel.Hub) {
	t.Helper()
	hub := channel.NewHub(16)
	adm := admission.New(0, nil, nil, true, true)
	ln := listener.New(listener.Config{
		BindAddress: "127.0.0.1",
		RTMPPort:    0,
		ChunkSize:   4096,
		BufferSize:  8,
		IDMaxLength: 128,
	}, hub, adm, allowAllAuthorizer{}, logger.Logger())
	if err := ln.Start(); err != nil {
		t.Fatalf("start listener: %v", err)
	}
	t.Cleanup(func() { _ = ln.Stop() })
	return ln, ln.Addr().String(), hub
}

// TestCommandsFlow drives connect -> createStream -> publish -> play over a
// real TCP connection through the full listener + session stack and checks
// the exact command sequence the RTMP client side expects back.
func TestCommandsFlow(t *testing.T) {
	_, addr, hub := startTestListener(t)

	t.Run("connect_createStream_publish", func(t *testing.T) {
		wc := dialAndHandshake(t, addr)
		defer wc.conn.Close()

		wc.sendCommand(0, "connect", 1.0, map[string]interface{}{
			"app": "live", "tcUrl": "rtmp://x/live", "objectEncoding": 0.0,
		})
		connectResult := wc.readCommand()
		if connectResult[0] != "_result" {
			t.Fatalf("expected _result for connect, got %v", connectResult[0])
		}

		wc.sendCommand(0, "createStream", 2.0, nil)
		csResult := wc.readCommand()
		if csResult[0] != "_result" {
			t.Fatalf("expected _result for createStream, got %v", csResult[0])
		}
		streamID, ok := csResult[3].(float64)
		if !ok || streamID < 1 {
			t.Fatalf("expected a numeric stream id >= 1, got %v", csResult[3])
		}

		wc.sendCommand(uint32(streamID), "publish", 0.0, nil, "cmdflow/key1", "live")
		status := wc.readCommand()
		if status[0] != "onStatus" {
			t.Fatalf("expected onStatus, got %v", status[0])
		}
		info, ok := status[3].(map[string]interface{})
		if !ok || info["code"] != "NetStream.Publish.Start" {
			t.Fatalf("expected NetStream.Publish.Start, got %v", status[3])
		}

		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if c := hub.Get("cmdflow"); c != nil && c.IsPublishing() {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatal("expected channel cmdflow to be publishing")
	})

	t.Run("play", func(t *testing.T) {
		wc := dialAndHandshake(t, addr)
		defer wc.conn.Close()

		wc.sendCommand(0, "connect", 1.0, map[string]interface{}{
			"app": "live", "tcUrl": "rtmp://x/live", "objectEncoding": 0.0,
		})
		wc.readCommand()
		wc.sendCommand(0, "createStream", 2.0, nil)
		csResult := wc.readCommand()
		streamID := csResult[3].(float64)

		wc.sendCommand(uint32(streamID), "play", 0.0, nil, "cmdflow2/key2", -2.0, -1.0, true)

		reset := wc.readCommand()
		if reset[3].(map[string]interface{})["code"] != "NetStream.Play.Reset" {
			t.Fatalf("expected NetStream.Play.Reset, got %v", reset[3])
		}
		start := wc.readCommand()
		if start[3].(map[string]interface{})["code"] != "NetStream.Play.Start" {
			t.Fatalf("expected NetStream.Play.Start, got %v", start[3])
		}
	})
}
