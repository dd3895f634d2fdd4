// Package netguard is the inline pipeline every external request traverses:
// block evaluation, sliding-window rate limiting, tunnel-pattern detection
// and the bounded asynchronous audit capture behind them.
package netguard

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/cipher-x-sudo/cybernexus/internal/errors"
	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

// Blocklist holds the three deny-rule kinds. IP lookups are O(1); endpoint
// and pattern rules are evaluated in insertion order, first match wins.
type Blocklist struct {
	mu        sync.RWMutex
	ips       map[string]models.IPBlock
	endpoints []models.EndpointBlock
	patterns  []models.PatternBlock
}

// NewBlocklist returns an empty registry.
func NewBlocklist() *Blocklist {
	return &Blocklist{ips: make(map[string]models.IPBlock)}
}

// BlockIP denies a source address. Re-blocking an address updates its reason.
func (b *Blocklist) BlockIP(ip, reason, actor string) error {
	ip = strings.TrimSpace(ip)
	if net.ParseIP(ip) == nil {
		return errors.Validationf("invalid IP address %q", ip)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ips[ip] = models.IPBlock{IP: ip, Reason: reason, CreatedBy: actor, CreatedAt: time.Now().UTC()}
	return nil
}

// UnblockIP removes an address, reporting whether it was blocked.
func (b *Blocklist) UnblockIP(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.ips[ip]; !ok {
		return false
	}
	delete(b.ips, ip)
	return true
}

// IsIPBlocked reports whether the address is denied.
func (b *Blocklist) IsIPBlocked(ip string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.ips[ip]
	return ok
}

// BlockEndpoint denies paths matching glob for the given method (ALL matches
// every verb). A rule with the same glob and method is updated in place.
func (b *Blocklist) BlockEndpoint(glob, method, reason, actor string) error {
	glob = strings.TrimSpace(glob)
	if glob == "" {
		return errors.Validationf("path glob is required")
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = models.MethodAll
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, rule := range b.endpoints {
		if rule.PathGlob == glob && rule.Method == method {
			b.endpoints[i].Reason = reason
			b.endpoints[i].CreatedBy = actor
			return nil
		}
	}
	b.endpoints = append(b.endpoints, models.EndpointBlock{
		PathGlob: glob, Method: method, Reason: reason,
		CreatedBy: actor, CreatedAt: time.Now().UTC(),
	})
	return nil
}

// UnblockEndpoint removes a rule by glob and method.
func (b *Blocklist) UnblockEndpoint(glob, method string) bool {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = models.MethodAll
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, rule := range b.endpoints {
		if rule.PathGlob == glob && rule.Method == method {
			b.endpoints = append(b.endpoints[:i], b.endpoints[i+1:]...)
			return true
		}
	}
	return false
}

// MatchEndpoint returns the first rule denying path+method.
func (b *Blocklist) MatchEndpoint(path, method string) (models.EndpointBlock, bool) {
	method = strings.ToUpper(method)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, rule := range b.endpoints {
		if rule.Method != models.MethodAll && rule.Method != method {
			continue
		}
		if wildcard.Match(rule.PathGlob, path) {
			return rule, true
		}
	}
	return models.EndpointBlock{}, false
}

// BlockPattern denies requests whose selected attribute matches glob.
func (b *Blocklist) BlockPattern(t models.PatternType, glob, reason, actor string) error {
	if !models.ValidPatternType(t) {
		return errors.Validationf("unknown pattern type %q", t)
	}
	glob = strings.TrimSpace(glob)
	if glob == "" {
		return errors.Validationf("pattern glob is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, rule := range b.patterns {
		if rule.Type == t && rule.Glob == glob {
			b.patterns[i].Reason = reason
			b.patterns[i].CreatedBy = actor
			return nil
		}
	}
	b.patterns = append(b.patterns, models.PatternBlock{
		Type: t, Glob: glob, Reason: reason,
		CreatedBy: actor, CreatedAt: time.Now().UTC(),
	})
	return nil
}

// UnblockPattern removes a rule by type and glob.
func (b *Blocklist) UnblockPattern(t models.PatternType, glob string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, rule := range b.patterns {
		if rule.Type == t && rule.Glob == glob {
			b.patterns = append(b.patterns[:i], b.patterns[i+1:]...)
			return true
		}
	}
	return false
}

// MatchPattern returns the first pattern rule the request trips. A header
// rule matches when any header value matches its glob.
func (b *Blocklist) MatchPattern(r *http.Request) (models.PatternBlock, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, rule := range b.patterns {
		if patternMatches(rule, r) {
			return rule, true
		}
	}
	return models.PatternBlock{}, false
}

func patternMatches(rule models.PatternBlock, r *http.Request) bool {
	switch rule.Type {
	case models.PatternUserAgent:
		return wildcard.Match(rule.Glob, r.UserAgent())
	case models.PatternPath:
		return wildcard.Match(rule.Glob, r.URL.Path)
	case models.PatternQuery:
		return wildcard.Match(rule.Glob, r.URL.RawQuery)
	case models.PatternHeader:
		for _, values := range r.Header {
			for _, v := range values {
				if wildcard.Match(rule.Glob, v) {
					return true
				}
			}
		}
	}
	return false
}

// Snapshot returns a consistent copy of all three rule sets.
func (b *Blocklist) Snapshot() models.BlockSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := models.BlockSnapshot{
		IPs:       make([]models.IPBlock, 0, len(b.ips)),
		Endpoints: append([]models.EndpointBlock(nil), b.endpoints...),
		Patterns:  append([]models.PatternBlock(nil), b.patterns...),
	}
	for _, rule := range b.ips {
		snap.IPs = append(snap.IPs, rule)
	}
	return snap
}
