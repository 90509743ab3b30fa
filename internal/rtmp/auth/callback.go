package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	rtmperrors "github.com/alxayo/go-rtmp/internal/errors"
)

// httpDoer is the minimal surface of *http.Client this package needs. An
// interface lets tests substitute a fake transport without an actual
// network round trip.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CallbackAuthorizer implements the JWT callback back-end: sign a compact
// HS256 token describing the event, POST it to CALLBACK_URL in the
// `rtmp-event` header, and accept only a bare HTTP 200.
type CallbackAuthorizer struct {
	url      string
	secret   []byte
	subject  string
	rtmpHost string
	client   httpDoer
	log      *slog.Logger
}

// NewCallbackAuthorizer builds the callback back-end. subject defaults to
// "rtmp_event" when empty, matching CUSTOM_JWT_SUBJECT's documented
// default.
func NewCallbackAuthorizer(url, secret, subject, rtmpHost string, client httpDoer, log *slog.Logger) *CallbackAuthorizer {
	if subject == "" {
		subject = "rtmp_event"
	}
	return &CallbackAuthorizer{url: url, secret: []byte(secret), subject: subject, rtmpHost: rtmpHost, client: client, log: log}
}

type callbackClaims struct {
	jwt.RegisteredClaims
	Event    string `json:"event"`
	Channel  string `json:"channel"`
	Key      string `json:"key"`
	StreamID string `json:"stream_id,omitempty"`
	ClientIP string `json:"client_ip"`
	RTMPHost string `json:"rtmp_host,omitempty"`
}

func (c *CallbackAuthorizer) sign(req Request) (string, error) {
	claims := callbackClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: c.subject},
		Event:            string(req.Event),
		Channel:          req.Channel,
		Key:              req.Key,
		StreamID:         req.StreamID,
		ClientIP:         req.ClientIP,
		RTMPHost:         c.rtmpHost,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// Authorize signs and POSTs the event, returning Allowed=true only on a
// bare HTTP 200 response. Any transport failure or non-200 status is a
// Reject (fail-closed), per the error handling design.
func (c *CallbackAuthorizer) Authorize(ctx context.Context, req Request) (Decision, error) {
	tok, err := c.sign(req)
	if err != nil {
		return Decision{}, rtmperrors.NewUnauthorizedError("auth.callback.sign", "", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, nil)
	if err != nil {
		return Decision{}, rtmperrors.NewUnauthorizedError("auth.callback.request", "", err)
	}
	httpReq.Header.Set("rtmp-event", tok)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Decision{}, rtmperrors.NewUnauthorizedError("auth.callback.post", "", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return Decision{}, rtmperrors.NewUnauthorizedError("auth.callback.status", resp.Status, nil)
	}

	return Decision{Allowed: true, StreamID: resp.Header.Get("stream-id")}, nil
}

// Notify sends the paired Stop event. It is fire-and-forget: failures are
// logged, never propagated, per "Stop event is fire-and-forget".
func (c *CallbackAuthorizer) Notify(ctx context.Context, req Request) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := c.Authorize(ctx, req); err != nil && c.log != nil {
		c.log.Debug("callback stop notification failed", "event", req.Event, "channel", req.Channel, "error", err)
	}
}

// Close is a no-op for the callback back-end; there is no persistent
// connection to tear down.
func (c *CallbackAuthorizer) Close() error { return nil }

// DefaultHTTPClient builds the *http.Client used by cmd/rtmp-server to
// satisfy httpDoer; kept here so callers only import net/http once.
func DefaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// IsCallbackConfigured reports whether CALLBACK_URL looks usable (non-empty
// and http(s)).
func IsCallbackConfigured(url string) bool {
	u := strings.TrimSpace(url)
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}
