package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	rpcmsg "github.com/AgustinSRG/go-simple-rpc-message"

	rtmperrors "github.com/alxayo/go-rtmp/internal/errors"
)

// coordinatorDialer abstracts websocket.Dialer.Dial so tests can substitute
// an in-process pipe instead of a real network dial.
type coordinatorDialer interface {
	Dial(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error)
}

// ControlAuthorizer implements the control-channel back-end: a persistent
// websocket duplex to CONTROL_BASE_URL, authenticated with CONTROL_SECRET,
// over which start/stop events are registered and decisions are awaited.
// Disabled whenever the callback back-end is configured (mutual exclusion
// is enforced at config load, not here).
type ControlAuthorizer struct {
	baseURL      string
	secret       string
	externalIP   string
	externalPort int
	externalSSL  bool
	dialer       coordinatorDialer
	log          *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan rpcmsg.Message

	closeOnce sync.Once
	closed    chan struct{}
}

// NewControlAuthorizer builds the control-channel back-end and starts its
// background connect/read loop, which dials and redials with capped
// exponential back-off. Authorize calls made while no connection is up fail
// immediately with an UnauthorizedError; they do not wait for one.
func NewControlAuthorizer(baseURL, secret, externalIP string, externalPort int, externalSSL bool, dialer coordinatorDialer, log *slog.Logger) *ControlAuthorizer {
	c := &ControlAuthorizer{
		baseURL:      baseURL,
		secret:       secret,
		externalIP:   externalIP,
		externalPort: externalPort,
		externalSSL:  externalSSL,
		dialer:       dialer,
		log:          log,
		pending:      make(map[string]chan rpcmsg.Message),
		closed:       make(chan struct{}),
	}
	go c.connectLoop()
	return c
}

func (c *ControlAuthorizer) connectLoop() {
	backoff := time.Second
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		header := http.Header{}
		header.Set("Authorization", "Bearer "+c.secret)

		var conn *websocket.Conn
		u, dialErr := url.Parse(c.baseURL)
		if dialErr == nil {
			var resp *http.Response
			conn, resp, dialErr = c.dialer.Dial(u.String(), header)
			if resp != nil {
				_ = resp.Body.Close()
			}
		}
		if dialErr != nil {
			if c.log != nil {
				c.log.Warn("control channel dial failed, retrying", "error", dialErr, "backoff", backoff)
			}
			select {
			case <-time.After(backoff):
			case <-c.closed:
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		if c.log != nil {
			c.log.Info("control channel connected", "url", c.baseURL)
		}
		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}
}

func (c *ControlAuthorizer) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.log != nil {
				c.log.Warn("control channel read error, reconnecting", "error", err)
			}
			return
		}
		msg, err := rpcmsg.Parse(string(data))
		if err != nil {
			if c.log != nil {
				c.log.Warn("control channel malformed message", "error", err)
			}
			continue
		}
		if len(msg.Args) == 0 {
			continue
		}
		reqID := msg.Args[0]
		c.mu.Lock()
		ch, ok := c.pending[reqID]
		if ok {
			delete(c.pending, reqID)
		}
		c.mu.Unlock()
		if ok {
			ch <- *msg
		}
	}
}

// Authorize registers req with the coordinator and waits for its decision,
// bounded by ctx. Used only for Start events.
func (c *ControlAuthorizer) Authorize(ctx context.Context, req Request) (Decision, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return Decision{}, rtmperrors.NewUnauthorizedError("auth.control.disconnected", "control channel not connected", nil)
	}

	reqID := newRequestID()
	replyCh := make(chan rpcmsg.Message, 1)
	c.mu.Lock()
	c.pending[reqID] = replyCh
	c.mu.Unlock()

	line := rpcmsg.Encode(string(req.Event), []string{reqID, req.Channel, req.Key, req.ClientIP, c.externalIP, fmt.Sprint(c.externalPort)})
	if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return Decision{}, rtmperrors.NewUnauthorizedError("auth.control.write", "", err)
	}

	select {
	case reply := <-replyCh:
		if reply.Method != "allow" {
			return Decision{}, rtmperrors.NewUnauthorizedError("auth.control.reject", reply.Method, nil)
		}
		streamID := ""
		if len(reply.Args) > 1 {
			streamID = reply.Args[1]
		}
		return Decision{Allowed: true, StreamID: streamID}, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return Decision{}, rtmperrors.NewUnauthorizedError("auth.control.timeout", "", ctx.Err())
	}
}

// Notify sends a Stop event without waiting for a reply.
func (c *ControlAuthorizer) Notify(ctx context.Context, req Request) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	line := rpcmsg.Encode(string(req.Event), []string{newRequestID(), req.Channel, req.Key, req.StreamID})
	if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil && c.log != nil {
		c.log.Debug("control channel stop notify failed", "error", err)
	}
}

// Close stops the reconnect loop and closes any live connection.
func (c *ControlAuthorizer) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func newRequestID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
