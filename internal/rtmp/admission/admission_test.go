package admission

import (
	"net"
	"testing"

	rtmperrors "github.com/alxayo/go-rtmp/internal/errors"
)

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		t.Fatalf("ParseCIDR(%q): %v", s, err)
	}
	return n
}

func TestAdmitEnforcesPerIPLimit(t *testing.T) {
	c := New(2, nil, nil, false, false)

	if err := c.Admit("1.2.3.4"); err != nil {
		t.Fatalf("Admit 1: %v", err)
	}
	if err := c.Admit("1.2.3.4"); err != nil {
		t.Fatalf("Admit 2: %v", err)
	}
	if err := c.Admit("1.2.3.4"); !rtmperrors.IsAdmissionError(err) {
		t.Fatalf("Admit 3: expected admission error, got %v", err)
	}

	c.Release("1.2.3.4")
	if err := c.Admit("1.2.3.4"); err != nil {
		t.Fatalf("Admit after release: %v", err)
	}
}

func TestAdmitWhitelistBypassesLimit(t *testing.T) {
	c := New(1, []*net.IPNet{mustCIDR(t, "10.0.0.0/8")}, nil, false, false)

	for i := 0; i < 5; i++ {
		if err := c.Admit("10.1.2.3"); err != nil {
			t.Fatalf("Admit %d: expected whitelisted IP to bypass limit, got %v", i, err)
		}
	}
}

func TestAllowPlayDefaultsOpenWithoutWhitelist(t *testing.T) {
	c := New(0, nil, nil, false, false)
	if !c.AllowPlay("203.0.113.1") {
		t.Fatal("expected play to be allowed when RTMP_PLAY_WHITELIST is unset")
	}
}

func TestAllowPlayRestrictsWhenConfigured(t *testing.T) {
	c := New(0, nil, []*net.IPNet{mustCIDR(t, "192.168.0.0/16")}, false, false)
	if !c.AllowPlay("192.168.1.1") {
		t.Fatal("expected whitelisted IP to be allowed")
	}
	if c.AllowPlay("8.8.8.8") {
		t.Fatal("expected non-whitelisted IP to be denied")
	}
}
