package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	rtmperrors "github.com/alxayo/go-rtmp/internal/errors"
)

type fakeDoer struct {
	status     int
	streamID   string
	lastHeader string
	secret     []byte
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.lastHeader = req.Header.Get("rtmp-event")
	rec := httptest.NewRecorder()
	rec.Header().Set("stream-id", f.streamID)
	rec.WriteHeader(f.status)
	return rec.Result(), nil
}

func TestCallbackAuthorizeAccept(t *testing.T) {
	doer := &fakeDoer{status: http.StatusOK, streamID: "abcdef"}
	a := NewCallbackAuthorizer("https://example.com/cb", "s3cr3t", "", "", doer, nil)

	dec, err := a.Authorize(context.Background(), Request{Event: EventPublishStart, Channel: "chan1", Key: "k1", ClientIP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !dec.Allowed || dec.StreamID != "abcdef" {
		t.Fatalf("unexpected decision: %+v", dec)
	}

	tok, err := jwt.Parse(doer.lastHeader, func(*jwt.Token) (interface{}, error) {
		return []byte("s3cr3t"), nil
	})
	if err != nil || !tok.Valid {
		t.Fatalf("expected a verifiable JWT in rtmp-event header, err=%v", err)
	}
	claims := tok.Claims.(jwt.MapClaims)
	if claims["channel"] != "chan1" || claims["key"] != "k1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestCallbackAuthorizeRejectsNon200(t *testing.T) {
	doer := &fakeDoer{status: http.StatusForbidden}
	a := NewCallbackAuthorizer("https://example.com/cb", "s3cr3t", "", "", doer, nil)

	_, err := a.Authorize(context.Background(), Request{Event: EventPublishStart, Channel: "chan1", Key: "k1"})
	if !rtmperrors.IsUnauthorized(err) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
}

func TestCallbackDefaultSubject(t *testing.T) {
	a := NewCallbackAuthorizer("https://example.com/cb", "s3cr3t", "", "", &fakeDoer{status: http.StatusOK}, nil)
	if a.subject != "rtmp_event" {
		t.Fatalf("expected default subject rtmp_event, got %q", a.subject)
	}
}
