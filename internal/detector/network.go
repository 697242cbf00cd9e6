package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// NetworkConfig tunes the network detector.
type NetworkConfig struct {
	SuspiciousIPs       []string
	TrustedIPs          []string
	SuspiciousCountries []string
	TrustedCountries    []string
	MaxUsersPerIP       int
	VelocityWindow      time.Duration
	ProxyDetection      bool
	VPNDetection        bool
	TorDetection        bool
	ASNAnalysis         bool
}

// DefaultNetworkConfig returns the community defaults.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		TrustedCountries: []string{"US", "CA", "GB", "DE", "FR"},
		MaxUsersPerIP:    10,
		VelocityWindow:   time.Minute,
		ProxyDetection:   true,
		VPNDetection:     true,
		TorDetection:     true,
		ASNAnalysis:      true,
	}
}

type ipProfile struct {
	users  map[string]struct{}
	recent []time.Time
}

// NetworkDetector scores the transaction's source IP: reputation lists,
// anonymization (proxy/VPN/Tor), IP-vs-location country mismatch, and
// per-IP user spread and burst rate. Reputation comes from the injected
// resolver, called before the profile critical section.
type NetworkDetector struct {
	base
	cfg      NetworkConfig
	resolver domain.IPResolver
	ips      *profileStore[ipProfile]
}

func NewNetworkDetector(cfg NetworkConfig, resolver domain.IPResolver) *NetworkDetector {
	return &NetworkDetector{
		base:     newBase(domain.DetectorNetwork, 0.8),
		cfg:      cfg,
		resolver: resolver,
		ips: newProfileStore(func() *ipProfile {
			return &ipProfile{users: make(map[string]struct{})}
		}),
	}
}

func (d *NetworkDetector) Score(ctx context.Context, tx *domain.Transaction, rule *domain.DetectionRule) (float64, error) {
	if !d.Enabled() {
		return 0, nil
	}
	if tx.IPAddress == "" {
		return 0, nil
	}

	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()

	intel, err := d.resolver.Lookup(ctx, tx.IPAddress)
	if err != nil {
		return 0, fmt.Errorf("network: resolve %s: %w", tx.IPAddress, err)
	}

	score := ipListRisk(cfg, tx.IPAddress)
	score += ipCountryRisk(cfg, intel.Country)
	if tx.Location != nil && tx.Location.Country != "" &&
		intel.Country != "" && intel.Country != tx.Location.Country {
		score += 0.6
	}
	if cfg.ProxyDetection && intel.Proxy {
		score += 0.5
	}
	if cfg.VPNDetection && intel.VPN {
		score += 0.3
	}
	if cfg.TorDetection && intel.Tor {
		score += 0.8
	}
	if cfg.ASNAnalysis && intel.SuspiciousASN {
		score += 0.4
	}

	d.ips.visit(tx.IPAddress, tx.Timestamp, func(p *ipProfile) {
		if len(p.users) > cfg.MaxUsersPerIP {
			score += 0.3
		}
		score += ipVelocityRisk(cfg, p, tx.Timestamp)

		p.users[tx.UserID] = struct{}{}
		cutoff := tx.Timestamp.Add(-cfg.VelocityWindow)
		kept := p.recent[:0]
		for _, at := range p.recent {
			if at.After(cutoff) {
				kept = append(kept, at)
			}
		}
		p.recent = append(kept, tx.Timestamp)
	})

	if score < 0 {
		return 0, nil
	}
	return clamp(score), nil
}

func ipListRisk(cfg NetworkConfig, ip string) float64 {
	for _, s := range cfg.SuspiciousIPs {
		if s == ip {
			return 0.8
		}
	}
	for _, t := range cfg.TrustedIPs {
		if t == ip {
			return -0.3
		}
	}
	return 0
}

func ipCountryRisk(cfg NetworkConfig, country string) float64 {
	if country == "" {
		return 0
	}
	for _, c := range cfg.SuspiciousCountries {
		if c == country {
			return 0.4
		}
	}
	for _, c := range cfg.TrustedCountries {
		if c == country {
			return -0.2
		}
	}
	return 0
}

// ipVelocityRisk rates transactions-per-minute from one IP, including
// the current transaction.
func ipVelocityRisk(cfg NetworkConfig, p *ipProfile, now time.Time) float64 {
	cutoff := now.Add(-cfg.VelocityWindow)
	count := 1
	for _, at := range p.recent {
		if at.After(cutoff) {
			count++
		}
	}
	perMinute := float64(count) / cfg.VelocityWindow.Minutes()
	switch {
	case perMinute > 10:
		return 0.7
	case perMinute > 5:
		return 0.4
	}
	return 0
}

func (d *NetworkDetector) Configure(params domain.Params) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range params {
		switch key {
		case "suspiciousIPs", "trustedIPs", "suspiciousCountries", "trustedCountries",
			"maxUsersPerIP", "velocityWindowSeconds", "proxyDetection",
			"vpnDetection", "torDetection", "asnAnalysis":
		default:
			return unknownKey(domain.DetectorNetwork, key)
		}
	}
	if v, ok := params.Strings("suspiciousIPs"); ok {
		d.cfg.SuspiciousIPs = v
	}
	if v, ok := params.Strings("trustedIPs"); ok {
		d.cfg.TrustedIPs = v
	}
	if v, ok := params.Strings("suspiciousCountries"); ok {
		d.cfg.SuspiciousCountries = v
	}
	if v, ok := params.Strings("trustedCountries"); ok {
		d.cfg.TrustedCountries = v
	}
	if v, ok := params.Int("maxUsersPerIP"); ok {
		if v < 1 {
			return fmt.Errorf("network: maxUsersPerIP must be at least 1, got %d", v)
		}
		d.cfg.MaxUsersPerIP = v
	}
	if v, ok := params.Int("velocityWindowSeconds"); ok {
		if v < 1 {
			return fmt.Errorf("network: velocityWindowSeconds must be at least 1, got %d", v)
		}
		d.cfg.VelocityWindow = time.Duration(v) * time.Second
	}
	if v, ok := params.Bool("proxyDetection"); ok {
		d.cfg.ProxyDetection = v
	}
	if v, ok := params.Bool("vpnDetection"); ok {
		d.cfg.VPNDetection = v
	}
	if v, ok := params.Bool("torDetection"); ok {
		d.cfg.TorDetection = v
	}
	if v, ok := params.Bool("asnAnalysis"); ok {
		d.cfg.ASNAnalysis = v
	}
	return nil
}

func (d *NetworkDetector) Reset() error {
	d.ips.reset()
	return nil
}

func (d *NetworkDetector) Sweep(cutoff time.Time) int {
	return d.ips.sweep(cutoff)
}

func (d *NetworkDetector) Stats() map[string]any {
	s := d.baseStats()
	s["ips"] = d.ips.len()
	return s
}
