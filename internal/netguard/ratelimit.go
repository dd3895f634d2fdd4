package netguard

import (
	"sync"
	"time"

	"github.com/cipher-x-sudo/cybernexus/internal/config"
)

const (
	rateWindow      = 60 * time.Second
	rateGCInterval  = time.Minute
	rateIdleEvictAt = 10 * time.Minute
)

// Decision is the rate limiter's answer for one request.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	Current    int    `json:"current"`
	Limit      int    `json:"limit"`
	RetryAfter int    `json:"retryAfter,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// RateLimiter applies two sliding 60-second windows: one per source IP and
// one per (IP, endpoint) pair. Samples are appended to both windows only when
// the request is allowed, so denied requests do not extend a ban.
type RateLimiter struct {
	mu        sync.Mutex
	ipWindows map[string][]time.Time
	epWindows map[string][]time.Time
	lastSeen  map[string]time.Time

	limitIP int
	limitEP int
	window  time.Duration
	stop    chan struct{}
	stopped sync.Once
}

// NewRateLimiter builds a limiter from config and starts its idle-key GC.
func NewRateLimiter(cfg *config.Config) *RateLimiter {
	limitIP, limitEP := config.DefaultRateLimitIP, config.DefaultRateLimitEndpoint
	if cfg != nil {
		if cfg.RateLimitIP > 0 {
			limitIP = cfg.RateLimitIP
		}
		if cfg.RateLimitEndpoint > 0 {
			limitEP = cfg.RateLimitEndpoint
		}
	}

	rl := &RateLimiter{
		ipWindows: make(map[string][]time.Time),
		epWindows: make(map[string][]time.Time),
		lastSeen:  make(map[string]time.Time),
		limitIP:   limitIP,
		limitEP:   limitEP,
		window:    rateWindow,
		stop:      make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(rateGCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.gc(time.Now())
			case <-rl.stop:
				return
			}
		}
	}()

	return rl
}

// Stop halts the GC goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopped.Do(func() { close(rl.stop) })
}

// SetLimits replaces both limits; used by config hot reload.
func (rl *RateLimiter) SetLimits(limitIP, limitEP int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limitIP > 0 {
		rl.limitIP = limitIP
	}
	if limitEP > 0 {
		rl.limitEP = limitEP
	}
}

// Check evaluates the IP window, then the endpoint window, and records the
// request in both when it passes.
func (rl *RateLimiter) Check(ip, endpoint string) Decision {
	now := time.Now()
	retry := int(rl.window / time.Second)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-rl.window)
	ipSamples := evictBefore(rl.ipWindows[ip], cutoff)
	if len(ipSamples) >= rl.limitIP {
		rl.ipWindows[ip] = ipSamples
		rl.lastSeen[ip] = now
		return Decision{
			Allowed: false, Current: len(ipSamples), Limit: rl.limitIP,
			RetryAfter: retry, Reason: "IP rate limit exceeded",
		}
	}

	epKey := ip + "|" + endpoint
	epSamples := evictBefore(rl.epWindows[epKey], cutoff)
	if len(epSamples) >= rl.limitEP {
		rl.ipWindows[ip] = ipSamples
		rl.epWindows[epKey] = epSamples
		rl.lastSeen[ip] = now
		return Decision{
			Allowed: false, Current: len(epSamples), Limit: rl.limitEP,
			RetryAfter: retry, Reason: "endpoint rate limit exceeded",
		}
	}

	rl.ipWindows[ip] = append(ipSamples, now)
	rl.epWindows[epKey] = append(epSamples, now)
	rl.lastSeen[ip] = now
	return Decision{Allowed: true, Current: len(ipSamples) + 1, Limit: rl.limitIP}
}

// Status reports an IP's current windows for the admin rate-status endpoint.
func (rl *RateLimiter) Status(ip string) (int, map[string]int) {
	now := time.Now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	ipSamples := evictBefore(rl.ipWindows[ip], cutoff)
	rl.ipWindows[ip] = ipSamples

	perEndpoint := make(map[string]int)
	prefix := ip + "|"
	for key, samples := range rl.epWindows {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		live := evictBefore(samples, cutoff)
		rl.epWindows[key] = live
		if len(live) > 0 {
			perEndpoint[key[len(prefix):]] = len(live)
		}
	}
	return len(ipSamples), perEndpoint
}

// Limits returns the active limits.
func (rl *RateLimiter) Limits() (int, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.limitIP, rl.limitEP
}

// gc drops windows for keys idle long enough that they cannot matter.
func (rl *RateLimiter) gc(now time.Time) {
	cutoff := now.Add(-rl.window)
	idleCutoff := now.Add(-rateIdleEvictAt)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for ip, seen := range rl.lastSeen {
		if seen.Before(idleCutoff) {
			delete(rl.lastSeen, ip)
		}
	}
	for key, samples := range rl.ipWindows {
		if live := evictBefore(samples, cutoff); len(live) == 0 {
			delete(rl.ipWindows, key)
		} else {
			rl.ipWindows[key] = live
		}
	}
	for key, samples := range rl.epWindows {
		if live := evictBefore(samples, cutoff); len(live) == 0 {
			delete(rl.epWindows, key)
		} else {
			rl.epWindows[key] = live
		}
	}
}

func evictBefore(samples []time.Time, cutoff time.Time) []time.Time {
	if len(samples) == 0 {
		return nil
	}
	keep := 0
	for keep < len(samples) && !samples[keep].After(cutoff) {
		keep++
	}
	if keep == 0 {
		return samples
	}
	return append([]time.Time(nil), samples[keep:]...)
}
