package security

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/SkynetNext/sockdispatch/internal/config"
	"github.com/SkynetNext/sockdispatch/internal/middleware"
	"github.com/SkynetNext/sockdispatch/pkg/xlog"
	"golang.org/x/time/rate"
)

var (
	ErrBlockedSource     = errors.New("source is blocked")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// Manager decides whether the frontend admits a new connection before it
// is dispatched.
type Manager struct {
	stateMu        sync.RWMutex
	blockedSources []netip.Prefix
	limiter        *rate.Limiter

	// Limits log lines about refused connections.
	logLimiter *rate.Limiter
}

// NewManager creates a manager from the static configuration. Invalid
// blocked sources are skipped with a warning.
func NewManager(cfg config.SecurityConfig) *Manager {
	m := &Manager{
		logLimiter: rate.NewLimiter(rate.Every(time.Second), 10),
	}

	if cfg.RateLimit.Enabled && cfg.RateLimit.ConnectionsPerSecond > 0 {
		m.UpdateRateLimit(cfg.RateLimit.ConnectionsPerSecond, cfg.RateLimit.Burst)
	}
	if len(cfg.BlockedSources) > 0 {
		if err := m.UpdateBlockedSources(cfg.BlockedSources); err != nil {
			xlog.Warnf("Ignoring blocked sources: %v", err)
		}
	}
	return m
}

// CheckConnection performs per-connection checks before accepting traffic.
func (m *Manager) CheckConnection(source netip.AddrPort) error {
	addr := source.Addr().Unmap()

	if m.isBlocked(addr) {
		middleware.RecordSecurityBlock("blocked_source")
		m.logRefused(source, ErrBlockedSource)
		return fmt.Errorf("%s: %w", addr, ErrBlockedSource)
	}

	limiter := m.getLimiter()
	if limiter != nil && !limiter.Allow() {
		middleware.RecordSecurityBlock("rate_limit")
		m.logRefused(source, ErrRateLimitExceeded)
		return ErrRateLimitExceeded
	}

	return nil
}

func (m *Manager) logRefused(source netip.AddrPort, reason error) {
	if m.logLimiter.Allow() {
		xlog.Warnf("Refused connection from %s: %v", source, reason)
	}
}

func (m *Manager) getLimiter() *rate.Limiter {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.limiter
}

func (m *Manager) isBlocked(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}

	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	for _, prefix := range m.blockedSources {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// UpdateRateLimit updates rate limiter configuration at runtime
func (m *Manager) UpdateRateLimit(cps float64, burst int) {
	if cps <= 0 || burst <= 0 {
		m.DisableRateLimit()
		return
	}
	m.stateMu.Lock()
	m.limiter = rate.NewLimiter(rate.Limit(cps), burst)
	m.stateMu.Unlock()
	xlog.Infof("Rate limiter updated: cps=%.2f, burst=%d", cps, burst)
}

// DisableRateLimit disables rate limiting
func (m *Manager) DisableRateLimit() {
	m.stateMu.Lock()
	m.limiter = nil
	m.stateMu.Unlock()
	xlog.Infof("Rate limiting disabled")
}

// UpdateBlockedSources replaces the blocked source list. Entries are CIDRs
// or bare addresses. On error the list is left unchanged.
func (m *Manager) UpdateBlockedSources(sources []string) error {
	prefixes := make([]netip.Prefix, 0, len(sources))
	for _, src := range sources {
		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}
		prefix, err := parseSource(src)
		if err != nil {
			return err
		}
		prefixes = append(prefixes, prefix)
	}

	m.stateMu.Lock()
	m.blockedSources = prefixes
	m.stateMu.Unlock()
	xlog.Infof("Blocked sources updated: count=%d", len(prefixes))
	return nil
}

// BlockedSources returns the blocked prefixes.
func (m *Manager) BlockedSources() []netip.Prefix {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return append([]netip.Prefix(nil), m.blockedSources...)
}

func parseSource(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("blocked source %q: %w", s, err)
		}
		return prefix.Masked(), nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("blocked source %q: %w", s, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
