package models

import (
	"fmt"
	"strings"
	"time"
)

// Capability identifies a class of security assessment. The set is closed;
// executors are registered against these tags.
type Capability string

const (
	CapabilityExposureDiscovery     Capability = "exposure_discovery"
	CapabilityDarkwebIntelligence   Capability = "darkweb_intelligence"
	CapabilityEmailAudit            Capability = "email_audit"
	CapabilityInfrastructureTesting Capability = "infrastructure_testing"
	CapabilityInvestigation         Capability = "investigation"
	CapabilityNetworkSecurity       Capability = "network_security"
)

// AllCapabilities returns the closed capability set in a stable order.
func AllCapabilities() []Capability {
	return []Capability{
		CapabilityExposureDiscovery,
		CapabilityDarkwebIntelligence,
		CapabilityEmailAudit,
		CapabilityInfrastructureTesting,
		CapabilityInvestigation,
		CapabilityNetworkSecurity,
	}
}

// ParseCapability validates a capability tag.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.TrimSpace(strings.ToLower(s)))
	for _, known := range AllCapabilities() {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// JobStatus tracks a job through its lifecycle. Transitions are monotonic:
// once terminal, a job never changes status again.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is one of the three terminal states.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal lifecycle edge.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case JobStatusPending:
		return next == JobStatusQueued || next == JobStatusCancelled
	case JobStatusQueued:
		return next == JobStatusRunning || next == JobStatusCancelled
	case JobStatusRunning:
		return next == JobStatusSucceeded || next == JobStatusFailed || next == JobStatusCancelled
	default:
		return false
	}
}

// JobPriority orders jobs within a capability queue. Higher runs first.
type JobPriority int

const (
	PriorityBackground JobPriority = 0
	PriorityLow        JobPriority = 1
	PriorityNormal     JobPriority = 2
	PriorityHigh       JobPriority = 3
	PriorityCritical   JobPriority = 4
)

var priorityNames = map[JobPriority]string{
	PriorityBackground: "background",
	PriorityLow:        "low",
	PriorityNormal:     "normal",
	PriorityHigh:       "high",
	PriorityCritical:   "critical",
}

func (p JobPriority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority accepts either the symbolic name or the numeric value.
func ParsePriority(s string) (JobPriority, error) {
	normalized := strings.TrimSpace(strings.ToLower(s))
	for p, name := range priorityNames {
		if normalized == name {
			return p, nil
		}
	}
	switch normalized {
	case "0", "1", "2", "3", "4":
		return JobPriority(normalized[0] - '0'), nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// MaxTargetLength bounds the freeform job target.
const MaxTargetLength = 500

// ExecutionLogEntry is one line of a job's execution trail.
type ExecutionLogEntry struct {
	TS      time.Time `json:"ts"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Job is a single execution of a capability against a target.
type Job struct {
	ID            string              `json:"id"`
	TenantID      string              `json:"tenantId"`
	Capability    Capability          `json:"capability"`
	Target        string              `json:"target"`
	Status        JobStatus           `json:"status"`
	Priority      JobPriority         `json:"priority"`
	Progress      int                 `json:"progress"`
	Config        JSONMap             `json:"config,omitempty"`
	Metadata      JSONMap             `json:"metadata,omitempty"`
	Error         string              `json:"error,omitempty"`
	ExecutionLogs []ExecutionLogEntry `json:"executionLogs,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	StartedAt     *time.Time          `json:"startedAt,omitempty"`
	CompletedAt   *time.Time          `json:"completedAt,omitempty"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		clone.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		clone.CompletedAt = &t
	}
	clone.Config = j.Config.Clone()
	clone.Metadata = j.Metadata.Clone()
	if len(j.ExecutionLogs) > 0 {
		clone.ExecutionLogs = append([]ExecutionLogEntry(nil), j.ExecutionLogs...)
	}
	return &clone
}

// Role separates ordinary tenants from operators who may read across tenants.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Actor identifies who is performing an operation.
type Actor struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId,omitempty"`
	Role     Role   `json:"role"`
}

// IsAdmin reports whether the actor bypasses tenant scoping on reads.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }
