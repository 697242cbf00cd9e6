package detector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/stats"
)

// MerchantConfig tunes the merchant detector.
type MerchantConfig struct {
	HighRiskCategories []string
	SuspiciousList     []string
	TrustedList        []string
	CategoryScores     map[string]float64
	VelocityWindow     time.Duration
	MaxTxPerWindow     int
	CategoryAnalysis   bool
	Reputation         bool
}

// DefaultMerchantConfig returns the community defaults.
func DefaultMerchantConfig() MerchantConfig {
	return MerchantConfig{
		HighRiskCategories: []string{"gambling", "adult", "cash_advance", "cryptocurrency"},
		CategoryScores: map[string]float64{
			"electronics":  0.3,
			"grocery":      0.1,
			"gas":          0.2,
			"restaurant":   0.2,
			"travel":       0.6,
			"gambling":     0.8,
			"adult":        0.9,
			"pharmacy":     0.4,
			"jewelry":      0.7,
			"cash_advance": 0.9,
		},
		VelocityWindow:   time.Hour,
		MaxTxPerWindow:   20,
		CategoryAnalysis: true,
		Reputation:       true,
	}
}

type merchantProfile struct {
	category string
	amounts  stats.Welford
	users    map[string]struct{}
	recent   []time.Time
}

// MerchantDetector scores merchant reputation, risky categories,
// merchant-level transaction bursts, and first-time user-merchant
// pairings. Merchants are the locked entity.
type MerchantDetector struct {
	base
	cfg       MerchantConfig
	merchants *profileStore[merchantProfile]

	pairMu sync.RWMutex
	pairs  map[string]struct{} // userID|merchantID
}

func NewMerchantDetector(cfg MerchantConfig) *MerchantDetector {
	return &MerchantDetector{
		base: newBase(domain.DetectorMerchant, 0.7),
		cfg:  cfg,
		merchants: newProfileStore(func() *merchantProfile {
			return &merchantProfile{users: make(map[string]struct{})}
		}),
		pairs: make(map[string]struct{}),
	}
}

func (d *MerchantDetector) Score(ctx context.Context, tx *domain.Transaction, rule *domain.DetectionRule) (float64, error) {
	if !d.Enabled() {
		return 0, nil
	}
	if tx.MerchantID == "" {
		return 0, nil
	}

	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()

	score := listRisk(cfg, tx.MerchantID)
	if cfg.CategoryAnalysis {
		score += categoryRisk(cfg, tx.MerchantCategory)
	}
	score += d.pairRisk(tx.UserID, tx.MerchantID)

	d.merchants.visit(tx.MerchantID, tx.Timestamp, func(p *merchantProfile) {
		score += merchantVelocityRisk(cfg, p, tx.Timestamp)
		if cfg.Reputation {
			score += reputationRisk(p)
		}

		p.category = tx.MerchantCategory
		p.amounts.Add(tx.Amount)
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

func listRisk(cfg MerchantConfig, merchantID string) float64 {
	for _, m := range cfg.SuspiciousList {
		if m == merchantID {
			return 0.8
		}
	}
	for _, m := range cfg.TrustedList {
		if m == merchantID {
			return -0.3
		}
	}
	return 0
}

func categoryRisk(cfg MerchantConfig, category string) float64 {
	if category == "" {
		return 0
	}
	for _, c := range cfg.HighRiskCategories {
		if c == category {
			return 0.6
		}
	}
	return cfg.CategoryScores[category]
}

// pairRisk adds the first-interaction penalty and records the pair.
func (d *MerchantDetector) pairRisk(userID, merchantID string) float64 {
	key := userID + "|" + merchantID
	d.pairMu.Lock()
	defer d.pairMu.Unlock()
	if _, seen := d.pairs[key]; seen {
		return 0
	}
	d.pairs[key] = struct{}{}
	return 0.2
}

// merchantVelocityRisk flags merchants processing close to or past
// their per-window transaction limit.
func merchantVelocityRisk(cfg MerchantConfig, p *merchantProfile, now time.Time) float64 {
	cutoff := now.Add(-cfg.VelocityWindow)
	count := 0
	for _, at := range p.recent {
		if at.After(cutoff) {
			count++
		}
	}
	limit := float64(cfg.MaxTxPerWindow)
	switch {
	case float64(count) >= limit:
		return 0.5
	case float64(count) >= 0.7*limit:
		return 0.2
	}
	return 0
}

// reputationRisk penalizes thin or erratic merchant histories.
func reputationRisk(p *merchantProfile) float64 {
	risk := 0.0
	if p.amounts.N < 5 {
		risk += 0.2
	}
	if len(p.users) < 3 {
		risk += 0.1
	}
	if stats.CoefficientOfVariation(&p.amounts) > 0.8 {
		risk += 0.2
	}
	return risk
}

func (d *MerchantDetector) Configure(params domain.Params) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range params {
		switch key {
		case "highRiskCategories", "suspiciousMerchants", "trustedMerchants",
			"categoryScores", "velocityWindowMinutes", "maxTxPerWindow",
			"categoryAnalysis", "reputation":
		default:
			return unknownKey(domain.DetectorMerchant, key)
		}
	}
	if v, ok := params.Strings("highRiskCategories"); ok {
		d.cfg.HighRiskCategories = v
	}
	if v, ok := params.Strings("suspiciousMerchants"); ok {
		d.cfg.SuspiciousList = v
	}
	if v, ok := params.Strings("trustedMerchants"); ok {
		d.cfg.TrustedList = v
	}
	if v, ok := params.FloatMap("categoryScores"); ok {
		for cat, s := range v {
			if s < 0 || s > 1 {
				return fmt.Errorf("merchant: category score for %s must be in [0,1], got %v", cat, s)
			}
		}
		d.cfg.CategoryScores = v
	}
	if v, ok := params.Int("velocityWindowMinutes"); ok {
		if v < 1 {
			return fmt.Errorf("merchant: velocityWindowMinutes must be at least 1, got %d", v)
		}
		d.cfg.VelocityWindow = time.Duration(v) * time.Minute
	}
	if v, ok := params.Int("maxTxPerWindow"); ok {
		if v < 1 {
			return fmt.Errorf("merchant: maxTxPerWindow must be at least 1, got %d", v)
		}
		d.cfg.MaxTxPerWindow = v
	}
	if v, ok := params.Bool("categoryAnalysis"); ok {
		d.cfg.CategoryAnalysis = v
	}
	if v, ok := params.Bool("reputation"); ok {
		d.cfg.Reputation = v
	}
	return nil
}

func (d *MerchantDetector) Reset() error {
	d.merchants.reset()
	d.pairMu.Lock()
	d.pairs = make(map[string]struct{})
	d.pairMu.Unlock()
	return nil
}

func (d *MerchantDetector) Sweep(cutoff time.Time) int {
	gone := make(map[string]struct{})
	removed := d.merchants.sweepWith(cutoff, func(id string) {
		gone[id] = struct{}{}
	})
	if len(gone) == 0 {
		return removed
	}

	// Drop the first-interaction pairs of evicted merchants so the
	// pair set shrinks with the profile store.
	d.pairMu.Lock()
	for key := range d.pairs {
		if i := strings.LastIndexByte(key, '|'); i >= 0 {
			if _, stale := gone[key[i+1:]]; stale {
				delete(d.pairs, key)
			}
		}
	}
	d.pairMu.Unlock()
	return removed
}

func (d *MerchantDetector) Stats() map[string]any {
	s := d.baseStats()
	s["merchants"] = d.merchants.len()
	d.pairMu.RLock()
	s["userMerchantPairs"] = len(d.pairs)
	d.pairMu.RUnlock()
	return s
}
