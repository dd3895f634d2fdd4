package scheduler

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/cipher-x-sudo/cybernexus/internal/errors"
	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

// automationPrefix names the searches owned by automation sync. One search
// per capability, so per-capability toggles map to enable/disable.
const automationPrefix = "auto-"

const automationDescription = "Managed by automation sync"

// SyncAutomation reconciles a tenant's automation config into managed
// scheduled searches: one `auto-<capability>` search per enabled capability,
// disabled (never deleted) when the capability is switched off. Replaying
// the same profile is a no-op.
func (s *Scheduler) SyncAutomation(ctx context.Context, profile *models.CompanyProfile) error {
	if profile == nil || profile.TenantID == "" {
		return errors.Validationf("company profile with tenant id is required")
	}
	auto := profile.Automation
	tz := auto.Schedule.Timezone
	if tz == "" {
		tz = "UTC"
	}

	for _, c := range models.AllCapabilities() {
		name := automationPrefix + string(c)

		existing, err := s.store.GetByName(ctx, profile.TenantID, name)
		if err != nil {
			if errors.KindOf(err) != errors.KindNotFound {
				return err
			}
			existing = nil
		}

		capCfg, configured := auto.Capabilities[c]
		enabled := auto.Enabled && configured && capCfg.Enabled

		if !enabled {
			if existing != nil && existing.Enabled {
				if err := s.SetEnabled(ctx, profile.TenantID, existing.ID, false); err != nil {
					return err
				}
				log.Info().
					Str("tenantId", profile.TenantID).
					Str("name", name).
					Msg("Automation search disabled")
			}
			continue
		}

		if strings.TrimSpace(auto.Schedule.Cron) == "" {
			return errors.Validationf("automation schedule cron is required when automation is enabled").
				WithTenant(profile.TenantID)
		}

		target := strings.TrimSpace(profile.PrimaryDomain)
		if len(capCfg.Targets) > 0 && strings.TrimSpace(capCfg.Targets[0]) != "" {
			target = strings.TrimSpace(capCfg.Targets[0])
		}
		if target == "" {
			log.Warn().
				Str("tenantId", profile.TenantID).
				Str("capability", string(c)).
				Msg("Automation capability has no target and the profile has no primary domain; skipping")
			continue
		}

		cfg := capCfg.Config.Clone()
		if cfg == nil {
			cfg = models.JSONMap{}
		}
		cfg["managed_by"] = "automation_sync"
		if len(capCfg.Keywords) > 0 {
			cfg["keywords"] = append([]string(nil), capCfg.Keywords...)
		}

		if existing == nil {
			search := &models.ScheduledSearch{
				TenantID:       profile.TenantID,
				Name:           name,
				Description:    automationDescription,
				Capabilities:   []models.Capability{c},
				Target:         target,
				Config:         cfg,
				CronExpression: auto.Schedule.Cron,
				Timezone:       tz,
				Enabled:        true,
			}
			if err := s.Add(ctx, search); err != nil {
				return err
			}
			log.Info().
				Str("tenantId", profile.TenantID).
				Str("name", name).
				Str("target", target).
				Msg("Automation search created")
			continue
		}

		existing.Description = automationDescription
		existing.Capabilities = []models.Capability{c}
		existing.Target = target
		existing.Config = cfg
		existing.CronExpression = auto.Schedule.Cron
		existing.Timezone = tz
		existing.Enabled = true
		if err := s.Update(ctx, existing); err != nil {
			return err
		}
	}
	return nil
}
