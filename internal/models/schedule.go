package models

import "time"

// ScheduledSearch is a cron-triggered definition that the scheduler
// materialises into one job per selected capability.
type ScheduledSearch struct {
	ID             string       `json:"id"`
	TenantID       string       `json:"tenantId"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	Capabilities   []Capability `json:"capabilities"`
	Target         string       `json:"target"`
	Config         JSONMap      `json:"config,omitempty"`
	CronExpression string       `json:"cronExpression"`
	Timezone       string       `json:"timezone"`
	Enabled        bool         `json:"enabled"`
	LastRunAt      *time.Time   `json:"lastRunAt,omitempty"`
	NextRunAt      *time.Time   `json:"nextRunAt,omitempty"`
	RunCount       int64        `json:"runCount"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// HasCapability reports whether c is in the search's capability set.
func (s *ScheduledSearch) HasCapability(c Capability) bool {
	for _, have := range s.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the search.
func (s *ScheduledSearch) Clone() *ScheduledSearch {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Capabilities = append([]Capability(nil), s.Capabilities...)
	clone.Config = s.Config.Clone()
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		clone.LastRunAt = &t
	}
	if s.NextRunAt != nil {
		t := *s.NextRunAt
		clone.NextRunAt = &t
	}
	return &clone
}

// AutomationSchedule is the cron portion of a tenant's automation config.
type AutomationSchedule struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone"`
}

// AutomationCapability configures one capability inside AutomationConfig.
type AutomationCapability struct {
	Enabled  bool     `json:"enabled"`
	Targets  []string `json:"targets,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Config   JSONMap  `json:"config,omitempty"`
}

// AutomationConfig encodes the recurring assessments a tenant wants.
type AutomationConfig struct {
	Enabled      bool                                `json:"enabled"`
	Schedule     AutomationSchedule                  `json:"schedule"`
	Capabilities map[Capability]AutomationCapability `json:"capabilities,omitempty"`
}

// CompanyProfile is a tenant's company record; at most one per tenant.
type CompanyProfile struct {
	TenantID      string           `json:"tenantId"`
	CompanyName   string           `json:"companyName"`
	PrimaryDomain string           `json:"primaryDomain"`
	Industry      string           `json:"industry,omitempty"`
	Automation    AutomationConfig `json:"automation"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}
