package netguard

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

const (
	ringCapacity       = 10000
	minBeaconSamples   = 8
	tightBeaconSamples = 12
	maxBeaconInterval  = 60 * time.Second
	entropyMinBody     = 512
	entropyThreshold   = 5.5
	largeHeaderBytes   = 4096
	rotatingUACount    = 5
	verdictCooldown    = 5 * time.Minute
)

type sample struct {
	ip          string
	ts          time.Time
	userAgent   string
	highEntropy bool
	largeHeader bool
	oddMethod   bool
}

// ipState aggregates the live samples for one source IP. Counters mirror the
// samples still in the ring and are decremented on eviction.
type ipState struct {
	times       []time.Time
	userAgents  map[string]int
	highEntropy int
	largeHeader int
	oddMethod   int
	lastVerdict time.Time
}

// Detector watches request traffic for covert-tunnel behaviour: timing
// regularity (beaconing), near-uniform payload bytes (exfiltration), and
// protocol oddities. It keeps a bounded ring of recent samples; analysis is
// per source IP over whatever of its traffic is still in the ring.
type Detector struct {
	mu   sync.Mutex
	ring []sample
	next int
	size int
	byIP map[string]*ipState
}

func NewDetector() *Detector {
	return &Detector{
		ring: make([]sample, ringCapacity),
		byIP: make(map[string]*ipState),
	}
}

// Analyze ingests one captured request and returns a verdict when the IP's
// accumulated behaviour crosses the detection ladder. Repeat verdicts for the
// same IP are suppressed for a cooldown so a steady beacon does not alert on
// every heartbeat.
func (d *Detector) Analyze(entry *models.NetworkLog) *models.TunnelDetectionVerdict {
	if entry == nil || entry.IP == "" {
		return nil
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	s := sample{
		ip:          entry.IP,
		ts:          ts,
		userAgent:   headerValue(entry.RequestHeaders, "User-Agent"),
		highEntropy: len(entry.RequestBody) >= entropyMinBody && shannonEntropy(entry.RequestBody) > entropyThreshold,
		largeHeader: headerBytes(entry.RequestHeaders) > largeHeaderBytes,
		oddMethod:   !usualMethod(entry.Method),
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.ingest(s)
	return d.evaluate(entry.IP, st, ts)
}

// ingest appends a sample, evicting the oldest when the ring is full.
// Samples arrive in chronological order, so the globally oldest sample is
// also its IP's oldest.
func (d *Detector) ingest(s sample) *ipState {
	if d.size == ringCapacity {
		d.evict(d.ring[d.next])
	} else {
		d.size++
	}
	d.ring[d.next] = s
	d.next = (d.next + 1) % ringCapacity

	st := d.byIP[s.ip]
	if st == nil {
		st = &ipState{userAgents: make(map[string]int)}
		d.byIP[s.ip] = st
	}
	st.times = append(st.times, s.ts)
	if s.userAgent != "" {
		st.userAgents[s.userAgent]++
	}
	if s.highEntropy {
		st.highEntropy++
	}
	if s.largeHeader {
		st.largeHeader++
	}
	if s.oddMethod {
		st.oddMethod++
	}
	return st
}

func (d *Detector) evict(old sample) {
	st := d.byIP[old.ip]
	if st == nil {
		return
	}
	if len(st.times) > 0 {
		st.times = st.times[1:]
	}
	if old.userAgent != "" {
		if st.userAgents[old.userAgent] <= 1 {
			delete(st.userAgents, old.userAgent)
		} else {
			st.userAgents[old.userAgent]--
		}
	}
	if old.highEntropy && st.highEntropy > 0 {
		st.highEntropy--
	}
	if old.largeHeader && st.largeHeader > 0 {
		st.largeHeader--
	}
	if old.oddMethod && st.oddMethod > 0 {
		st.oddMethod--
	}
	if len(st.times) == 0 {
		delete(d.byIP, old.ip)
	}
}

// evaluate scores one IP's aggregates. Strong signals (beaconing, entropy)
// score 3; a tight beacon over a longer run adds 2; weak signals score 1
// each. 1 maps to low, 2 to medium, 3-4 to high, 5+ to confirmed.
func (d *Detector) evaluate(ip string, st *ipState, now time.Time) *models.TunnelDetectionVerdict {
	score := 0
	var indicators []string
	tunnelType := ""

	if n := len(st.times); n >= minBeaconSamples {
		mean, std := intervalStats(st.times)
		if mean > 0 && mean <= maxBeaconInterval && float64(std) < 0.15*float64(mean) {
			score += 3
			tunnelType = "beaconing"
			indicators = append(indicators, fmt.Sprintf(
				"beaconing: %d requests at ~%.1fs intervals (jitter %.1f%%)",
				n, mean.Seconds(), 100*float64(std)/float64(mean)))
			if float64(std) < 0.05*float64(mean) && n >= tightBeaconSamples {
				score += 2
				indicators = append(indicators, "machine-regular timing over a sustained run")
			}
		}
	}

	if st.highEntropy > 0 {
		score += 3
		if tunnelType == "" {
			tunnelType = "data_exfiltration"
		}
		indicators = append(indicators, fmt.Sprintf(
			"high-entropy payloads: %d request bodies above %.1f bits/byte", st.highEntropy, entropyThreshold))
	}

	if st.largeHeader > 0 {
		score++
		indicators = append(indicators, fmt.Sprintf("oversized request headers on %d requests", st.largeHeader))
	}
	if len(st.userAgents) >= rotatingUACount {
		score++
		indicators = append(indicators, fmt.Sprintf("rotating user agents: %d distinct values", len(st.userAgents)))
	}
	if st.oddMethod > 0 {
		score++
		indicators = append(indicators, fmt.Sprintf("unusual HTTP methods on %d requests", st.oddMethod))
	}

	if score == 0 {
		return nil
	}
	if !st.lastVerdict.IsZero() && now.Sub(st.lastVerdict) < verdictCooldown {
		return nil
	}
	st.lastVerdict = now

	if tunnelType == "" {
		tunnelType = "protocol_anomaly"
	}
	confidence := models.ConfidenceLow
	switch {
	case score >= 5:
		confidence = models.ConfidenceConfirmed
	case score >= 3:
		confidence = models.ConfidenceHigh
	case score == 2:
		confidence = models.ConfidenceMedium
	}
	risk := float64(score) * 20
	if risk > 100 {
		risk = 100
	}

	return &models.TunnelDetectionVerdict{
		DetectionID:  uuid.NewString(),
		TunnelType:   tunnelType,
		Confidence:   confidence,
		RiskScore:    risk,
		Indicators:   indicators,
		SourceIP:     ip,
		FirstSeen:    st.times[0],
		LastSeen:     st.times[len(st.times)-1],
		RequestCount: len(st.times),
	}
}

// intervalStats returns the mean and standard deviation of the gaps between
// consecutive timestamps.
func intervalStats(times []time.Time) (time.Duration, time.Duration) {
	if len(times) < 2 {
		return 0, 0
	}
	gaps := make([]float64, 0, len(times)-1)
	var sum float64
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1]).Seconds()
		gaps = append(gaps, gap)
		sum += gap
	}
	mean := sum / float64(len(gaps))
	var variance float64
	for _, g := range gaps {
		variance += (g - mean) * (g - mean)
	}
	variance /= float64(len(gaps))
	std := math.Sqrt(variance)
	return time.Duration(mean * float64(time.Second)), time.Duration(std * float64(time.Second))
}

// shannonEntropy measures bits per byte of s; random or encrypted data sits
// near 8, text well below 5.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	var counts [256]int
	for i := 0; i < len(s); i++ {
		counts[s[i]]++
	}
	total := float64(len(s))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		h -= p * math.Log2(p)
	}
	return h
}

func headerBytes(headers map[string]string) int {
	total := 0
	for k, v := range headers {
		total += len(k) + len(v)
	}
	return total
}

func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func usualMethod(method string) bool {
	switch method {
	case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS":
		return true
	}
	return false
}
