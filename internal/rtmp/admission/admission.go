// Package admission implements the per-IP connection cap and CIDR
// whitelists that gate both new TCP connections and play commands before
// they reach the session state machine.
package admission

import (
	"net"
	"sync"

	rtmperrors "github.com/alxayo/go-rtmp/internal/errors"
)

// Controller tracks concurrent connections per remote IP and enforces the
// two whitelists named in the external interface table: one for bypassing
// the concurrency limit entirely, one for gating play commands.
type Controller struct {
	maxPerIP int

	concurrencyWhitelist    []*net.IPNet
	concurrencyAllowAll     bool
	playWhitelist           []*net.IPNet
	playAllowAll            bool

	mu     sync.Mutex
	counts map[string]int
}

// New builds a Controller. maxPerIP <= 0 disables the per-IP cap entirely
// (every connection is admitted regardless of whitelist membership).
func New(maxPerIP int, concurrencyWhitelist, playWhitelist []*net.IPNet, concurrencyAllowAll, playAllowAll bool) *Controller {
	return &Controller{
		maxPerIP:             maxPerIP,
		concurrencyWhitelist: concurrencyWhitelist,
		concurrencyAllowAll:  concurrencyAllowAll,
		playWhitelist:        playWhitelist,
		playAllowAll:         playAllowAll,
		counts:               make(map[string]int),
	}
}

// Admit increments the connection counter for ip and returns an error if
// the per-IP limit is exceeded and ip is not whitelisted. Callers that
// receive an error must not call Release for this attempt.
func (c *Controller) Admit(ip string) error {
	if c.maxPerIP <= 0 || c.concurrencyAllowAll || inWhitelist(ip, c.concurrencyWhitelist) {
		c.mu.Lock()
		c.counts[ip]++
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[ip] >= c.maxPerIP {
		return rtmperrors.NewAdmissionError("admission.connect", "MAX_IP_CONCURRENT_CONNECTIONS exceeded")
	}
	c.counts[ip]++
	return nil
}

// Release decrements the connection counter for ip. Safe to call even if
// the count is already zero (clamped at zero).
func (c *Controller) Release(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[ip] > 0 {
		c.counts[ip]--
		if c.counts[ip] == 0 {
			delete(c.counts, ip)
		}
	}
}

// AllowPlay reports whether ip may issue a play command, per
// RTMP_PLAY_WHITELIST. An unset RTMP_PLAY_WHITELIST (no entries at all) is
// treated as "feature disabled" rather than "deny everyone" — the
// whitelist only starts restricting play once at least one entry, or the
// "*" wildcard, is configured.
func (c *Controller) AllowPlay(ip string) bool {
	if len(c.playWhitelist) == 0 && !c.playAllowAll {
		return true
	}
	return c.playAllowAll || inWhitelist(ip, c.playWhitelist)
}

func inWhitelist(ip string, nets []*net.IPNet) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}
