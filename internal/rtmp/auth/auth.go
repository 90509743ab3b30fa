// Package auth implements the Authorizer component: exactly one of two
// mutually exclusive back-ends (HTTP callback or a persistent
// control-channel) decides whether a publish or play attempt proceeds.
package auth

import "context"

// Event names the four lifecycle transitions the Authorizer is consulted
// on or notified of. Stop events are fire-and-forget notifications, not
// decisions: Authorize is only ever called for the Start events.
type Event string

const (
	EventPublishStart Event = "publish"
	EventPublishStop  Event = "publish-stop"
	EventPlayStart    Event = "play"
	EventPlayStop     Event = "play-stop"
)

// Request describes one authorization attempt.
type Request struct {
	Event    Event
	Channel  string
	Key      string
	ClientIP string
	// StreamID is set only for *Stop events, identifying which previously
	// authorized session is ending.
	StreamID string
}

// Decision is the Authorizer's verdict. StreamID is populated by the
// back-end on a successful Start decision and threaded back through the
// session for the matching Stop notification.
type Decision struct {
	Allowed  bool
	StreamID string
}

// Authorizer is implemented by both back-ends. Authorize blocks until a
// decision is available (or ctx is done); Notify is best-effort and never
// blocks the caller on a slow or unreachable back-end for long.
type Authorizer interface {
	Authorize(ctx context.Context, req Request) (Decision, error)
	Notify(ctx context.Context, req Request)
	Close() error
}
