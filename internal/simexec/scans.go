package simexec

import (
	"context"
	"fmt"

	"github.com/cipher-x-sudo/cybernexus/internal/capability"
	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

// ExposureDiscovery simulates external attack-surface enumeration.
func ExposureDiscovery(ctx context.Context, req capability.Request) (*capability.Result, error) {
	h := targetHash(req.Target)
	delay := stepDelay(req.Config)

	if err := phase(ctx, req, 10, "Enumerating subdomains", delay); err != nil {
		return nil, err
	}
	subdomains := 3 + int(h%12)
	if err := phase(ctx, req, 40, fmt.Sprintf("Found %d subdomains, probing services", subdomains), delay); err != nil {
		return nil, err
	}
	if err := phase(ctx, req, 75, "Checking for exposed assets", delay); err != nil {
		return nil, err
	}

	result := &capability.Result{
		ScanResults: models.JSONMap{
			"subdomains_found": subdomains,
			"cdn_detected":     h%2 == 0,
		},
	}

	if h%3 == 0 {
		result.Findings = append(result.Findings, capability.RawFinding{
			Severity:    models.SeverityHigh,
			Title:       "Publicly accessible storage bucket",
			Description: fmt.Sprintf("A storage bucket referenced by assets of %s allows unauthenticated listing.", req.Target),
			Evidence: models.JSONMap{
				"bucket": fmt.Sprintf("assets-%s", req.Target),
				"acl":    "public-read",
			},
			AffectedAssets:  []string{fmt.Sprintf("assets-%s", req.Target)},
			Recommendations: []string{"Restrict the bucket ACL to authenticated principals", "Enable bucket access logging"},
			RiskScore:       72,
		})
	}
	if h%4 == 0 {
		result.Findings = append(result.Findings, capability.RawFinding{
			Severity:    models.SeverityMedium,
			Title:       "Dangling DNS record",
			Description: fmt.Sprintf("A CNAME under %s points at a deprovisioned host and could be claimed.", req.Target),
			Evidence: models.JSONMap{
				"record": fmt.Sprintf("old.%s", req.Target),
				"type":   "CNAME",
			},
			Recommendations: []string{"Remove the stale DNS record"},
			RiskScore:       48,
		})
	}

	if err := phase(ctx, req, 95, "Compiling exposure report", delay); err != nil {
		return nil, err
	}
	return result, nil
}

// DarkwebIntelligence simulates marketplace and paste-site monitoring.
// Keyword hits are driven by the keywords config key when present.
func DarkwebIntelligence(ctx context.Context, req capability.Request) (*capability.Result, error) {
	h := targetHash(req.Target)
	delay := stepDelay(req.Config)

	keywords := 1
	if req.Config != nil {
		if raw, ok := req.Config["keywords"].([]any); ok && len(raw) > 0 {
			keywords = len(raw)
		}
	}

	if err := phase(ctx, req, 15, "Querying breach corpora", delay); err != nil {
		return nil, err
	}
	if err := phase(ctx, req, 50, fmt.Sprintf("Matching %d keywords against recent dumps", keywords), delay); err != nil {
		return nil, err
	}

	mentions := int(h % 4)
	result := &capability.Result{
		ScanResults: models.JSONMap{
			"sources_queried": 6,
			"mentions":        mentions,
		},
	}

	if mentions > 0 {
		result.Findings = append(result.Findings, capability.RawFinding{
			Severity:    models.SeverityCritical,
			Title:       "Credentials exposed in breach dump",
			Description: fmt.Sprintf("%d account credentials associated with %s appear in a recently indexed dump.", mentions, req.Target),
			Evidence: models.JSONMap{
				"mention_count": mentions,
				"source":        "paste-site",
			},
			Recommendations: []string{"Force a password reset for the affected accounts", "Enable MFA tenant-wide"},
			RiskScore:       90,
		})
	}

	if err := phase(ctx, req, 90, "Correlating mentions", delay); err != nil {
		return nil, err
	}
	return result, nil
}

// EmailAudit simulates SPF/DKIM/DMARC posture checks. The three mechanisms
// pass or fail deterministically per target; a fully passing target carries
// the scan results the scorer's strong-email rule looks for.
func EmailAudit(ctx context.Context, req capability.Request) (*capability.Result, error) {
	h := targetHash(req.Target)
	delay := stepDelay(req.Config)

	if err := phase(ctx, req, 20, "Resolving DNS policy records", delay); err != nil {
		return nil, err
	}

	spfPass := h%2 == 0
	dkimPass := (h>>1)%2 == 0
	dmarcPass := (h>>2)%2 == 0

	result := &capability.Result{
		ScanResults: models.JSONMap{
			"spf":   mechanismResult(spfPass, "v=spf1 include:_spf."+req.Target+" -all"),
			"dkim":  mechanismResult(dkimPass, "k=rsa; p=MIGfMA0GCSqGSIb3"),
			"dmarc": mechanismResult(dmarcPass, "v=DMARC1; p=reject"),
		},
	}

	if err := phase(ctx, req, 60, "Evaluating SPF, DKIM and DMARC", delay); err != nil {
		return nil, err
	}

	if !spfPass {
		result.Findings = append(result.Findings, capability.RawFinding{
			Severity:        models.SeverityMedium,
			Title:           "SPF record missing or too permissive",
			Description:     fmt.Sprintf("The SPF policy for %s does not restrict sending hosts.", req.Target),
			Evidence:        models.JSONMap{"mechanism": "spf"},
			Recommendations: []string{"Publish an SPF record ending in -all"},
			RiskScore:       45,
		})
	}
	if !dkimPass {
		result.Findings = append(result.Findings, capability.RawFinding{
			Severity:        models.SeverityMedium,
			Title:           "DKIM signing not configured",
			Description:     fmt.Sprintf("Outbound mail from %s is not DKIM signed.", req.Target),
			Evidence:        models.JSONMap{"mechanism": "dkim"},
			Recommendations: []string{"Configure DKIM signing on the outbound mail path"},
			RiskScore:       40,
		})
	}
	if !dmarcPass {
		result.Findings = append(result.Findings, capability.RawFinding{
			Severity:        models.SeverityHigh,
			Title:           "DMARC policy absent or not enforcing",
			Description:     fmt.Sprintf("No enforcing DMARC policy protects %s against spoofing.", req.Target),
			Evidence:        models.JSONMap{"mechanism": "dmarc"},
			Recommendations: []string{"Publish a DMARC record with p=quarantine or p=reject"},
			RiskScore:       65,
		})
	}

	if err := phase(ctx, req, 90, "Writing email posture summary", delay); err != nil {
		return nil, err
	}
	return result, nil
}

func mechanismResult(pass bool, record string) map[string]any {
	status := "fail"
	if pass {
		status = "pass"
	}
	out := map[string]any{"status": status}
	if pass {
		out["record"] = record
	}
	return out
}

// InfrastructureTesting simulates port and service scanning.
func InfrastructureTesting(ctx context.Context, req capability.Request) (*capability.Result, error) {
	h := targetHash(req.Target)
	delay := stepDelay(req.Config)

	if err := phase(ctx, req, 10, "Scanning common ports", delay); err != nil {
		return nil, err
	}
	openPorts := []int{443}
	if h%2 == 0 {
		openPorts = append(openPorts, 80)
	}
	if h%5 == 0 {
		openPorts = append(openPorts, 22)
	}
	if h%7 == 0 {
		openPorts = append(openPorts, 8080)
	}
	if err := phase(ctx, req, 45, fmt.Sprintf("Fingerprinting %d open services", len(openPorts)), delay); err != nil {
		return nil, err
	}
	if err := phase(ctx, req, 80, "Checking TLS configuration", delay); err != nil {
		return nil, err
	}

	result := &capability.Result{
		ScanResults: models.JSONMap{
			"ports_scanned": 1000,
			"open_ports":    openPorts,
		},
	}

	if h%5 == 0 {
		result.Findings = append(result.Findings, capability.RawFinding{
			Severity:    models.SeverityHigh,
			Title:       "SSH exposed to the internet",
			Description: fmt.Sprintf("Port 22 on %s accepts connections from any source.", req.Target),
			Evidence: models.JSONMap{
				"port":    22,
				"service": "ssh",
			},
			Recommendations: []string{"Restrict SSH to a management network or VPN"},
			RiskScore:       70,
		})
	}
	if h%7 == 0 {
		result.Findings = append(result.Findings, capability.RawFinding{
			Severity:    models.SeverityMedium,
			Title:       "TLS certificate expires soon",
			Description: fmt.Sprintf("The certificate served on %s:443 expires within 14 days.", req.Target),
			Evidence: models.JSONMap{
				"port":      443,
				"days_left": int(h % 14),
			},
			Recommendations: []string{"Renew the certificate and enable automated rotation"},
			RiskScore:       35,
		})
	}

	if err := phase(ctx, req, 95, "Assembling infrastructure report", delay); err != nil {
		return nil, err
	}
	return result, nil
}

// Investigation simulates an OSINT profile build. Output is informational;
// investigations rarely carry severities above low.
func Investigation(ctx context.Context, req capability.Request) (*capability.Result, error) {
	h := targetHash(req.Target)
	delay := stepDelay(req.Config)

	if err := phase(ctx, req, 20, "Collecting registration data", delay); err != nil {
		return nil, err
	}
	if err := phase(ctx, req, 55, "Mapping related infrastructure", delay); err != nil {
		return nil, err
	}

	related := 1 + int(h%5)
	result := &capability.Result{
		ScanResults: models.JSONMap{
			"related_domains": related,
			"asn":             fmt.Sprintf("AS%d", 13000+int(h%2000)),
		},
	}

	if h%2 == 0 {
		result.Findings = append(result.Findings, capability.RawFinding{
			Severity:    models.SeverityLow,
			Title:       "Registrant details publicly visible",
			Description: fmt.Sprintf("WHOIS for %s exposes a personal contact address.", req.Target),
			Evidence: models.JSONMap{
				"field": "registrant_email",
			},
			Recommendations: []string{"Enable registrar privacy protection"},
			RiskScore:       15,
		})
	}

	if err := phase(ctx, req, 90, "Summarising profile", delay); err != nil {
		return nil, err
	}
	return result, nil
}

// NetworkSecurity simulates perimeter configuration review.
func NetworkSecurity(ctx context.Context, req capability.Request) (*capability.Result, error) {
	h := targetHash(req.Target)
	delay := stepDelay(req.Config)

	if err := phase(ctx, req, 15, "Probing perimeter hosts", delay); err != nil {
		return nil, err
	}
	hosts := 2 + int(h%6)
	if err := phase(ctx, req, 50, fmt.Sprintf("Reviewing %d perimeter hosts", hosts), delay); err != nil {
		return nil, err
	}

	result := &capability.Result{
		ScanResults: models.JSONMap{
			"hosts_reviewed": hosts,
		},
	}

	if h%3 == 1 {
		result.Findings = append(result.Findings, capability.RawFinding{
			Severity:    models.SeverityHigh,
			Title:       "Legacy TLS versions accepted",
			Description: fmt.Sprintf("A perimeter host of %s still negotiates TLS 1.0.", req.Target),
			Evidence: models.JSONMap{
				"protocols": []string{"TLSv1.0", "TLSv1.2", "TLSv1.3"},
			},
			Recommendations: []string{"Disable TLS versions below 1.2"},
			RiskScore:       60,
		})
	}
	if h%6 == 2 {
		result.Findings = append(result.Findings, capability.RawFinding{
			Severity:    models.SeverityMedium,
			Title:       "Management interface reachable externally",
			Description: fmt.Sprintf("A device management UI under %s responds to external requests.", req.Target),
			Evidence: models.JSONMap{
				"path": "/manage",
			},
			Recommendations: []string{"Bind management interfaces to internal networks only"},
			RiskScore:       50,
		})
	}

	if err := phase(ctx, req, 92, "Finalising perimeter review", delay); err != nil {
		return nil, err
	}
	return result, nil
}
