package models

import "time"

// PatternType selects which request attribute a pattern block inspects.
type PatternType string

const (
	PatternUserAgent PatternType = "user_agent"
	PatternHeader    PatternType = "header"
	PatternPath      PatternType = "path"
	PatternQuery     PatternType = "query"
)

// ValidPatternType reports whether t is a recognised pattern type.
func ValidPatternType(t PatternType) bool {
	switch t {
	case PatternUserAgent, PatternHeader, PatternPath, PatternQuery:
		return true
	}
	return false
}

// MethodAll matches any HTTP verb in an endpoint block.
const MethodAll = "ALL"

// IPBlock denies a single source address.
type IPBlock struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// EndpointBlock denies paths matching a glob, optionally method-filtered.
type EndpointBlock struct {
	PathGlob  string    `json:"pathGlob"`
	Method    string    `json:"method"`
	Reason    string    `json:"reason"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// PatternBlock denies requests whose selected attribute matches a glob.
type PatternBlock struct {
	Type      PatternType `json:"type"`
	Glob      string      `json:"glob"`
	Reason    string      `json:"reason"`
	CreatedBy string      `json:"createdBy"`
	CreatedAt time.Time   `json:"createdAt"`
}

// BlockSnapshot bundles the three rule kinds for admin listing.
type BlockSnapshot struct {
	IPs       []IPBlock       `json:"ips"`
	Endpoints []EndpointBlock `json:"endpoints"`
	Patterns  []PatternBlock  `json:"patterns"`
}

// TunnelConfidence grades how certain a tunnel verdict is.
type TunnelConfidence string

const (
	ConfidenceLow       TunnelConfidence = "low"
	ConfidenceMedium    TunnelConfidence = "medium"
	ConfidenceHigh      TunnelConfidence = "high"
	ConfidenceConfirmed TunnelConfidence = "confirmed"
)

// Rank orders confidences so thresholds can compare them.
func (c TunnelConfidence) Rank() int {
	switch c {
	case ConfidenceLow:
		return 1
	case ConfidenceMedium:
		return 2
	case ConfidenceHigh:
		return 3
	case ConfidenceConfirmed:
		return 4
	}
	return 0
}

// ParseTunnelConfidence maps a string onto a confidence grade.
func ParseTunnelConfidence(s string) (TunnelConfidence, bool) {
	switch TunnelConfidence(s) {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh, ConfidenceConfirmed:
		return TunnelConfidence(s), true
	}
	return "", false
}

// TunnelDetectionVerdict is the tunnel analyser's output for a source IP.
type TunnelDetectionVerdict struct {
	DetectionID  string           `json:"detectionId"`
	TunnelType   string           `json:"tunnelType"`
	Confidence   TunnelConfidence `json:"confidence"`
	RiskScore    float64          `json:"riskScore"`
	Indicators   []string         `json:"indicators"`
	SourceIP     string           `json:"sourceIp"`
	FirstSeen    time.Time        `json:"firstSeen"`
	LastSeen     time.Time        `json:"lastSeen"`
	RequestCount int              `json:"requestCount"`
}

// NetworkLog is one captured request/response pair.
type NetworkLog struct {
	ID              int64                   `json:"id"`
	RequestID       string                  `json:"requestId"`
	TenantID        string                  `json:"tenantId,omitempty"`
	Timestamp       time.Time               `json:"timestamp"`
	IP              string                  `json:"ip"`
	Method          string                  `json:"method"`
	Path            string                  `json:"path"`
	Query           string                  `json:"query,omitempty"`
	Status          int                     `json:"status"`
	ResponseTimeMs  float64                 `json:"responseTimeMs"`
	RequestHeaders  map[string]string       `json:"requestHeaders,omitempty"`
	ResponseHeaders map[string]string       `json:"responseHeaders,omitempty"`
	RequestBody     string                  `json:"requestBody,omitempty"`
	ResponseBody    string                  `json:"responseBody,omitempty"`
	BodyTruncated   bool                    `json:"bodyTruncated,omitempty"`
	TunnelDetection *TunnelDetectionVerdict `json:"tunnelDetection,omitempty"`
}

// ActivityEntry is one row of a tenant user's append-only action trail.
type ActivityEntry struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenantId"`
	UserID    string    `json:"userId"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
