package detector

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/stats"
)

// AmountConfig tunes the amount detector. Thresholds apply to the
// currency-normalized amount.
type AmountConfig struct {
	SuspiciousThreshold float64
	HighRiskThreshold   float64
	CurrencyMultipliers map[string]float64
	UserSpecific        bool
	Statistical         bool
	MaxHistory          int
}

// DefaultAmountConfig returns the community defaults.
func DefaultAmountConfig() AmountConfig {
	return AmountConfig{
		SuspiciousThreshold: 1000,
		HighRiskThreshold:   5000,
		CurrencyMultipliers: map[string]float64{
			"USD": 1.0,
			"EUR": 1.1,
			"GBP": 1.3,
			"JPY": 0.007,
		},
		UserSpecific: true,
		Statistical:  true,
		MaxHistory:   500,
	}
}

type amountProfile struct {
	welford stats.Welford
	min     float64
	max     float64
	history []float64
}

// AmountDetector flags transactions whose currency-normalized amount is
// unusual globally or relative to the user's own spending distribution.
type AmountDetector struct {
	base
	cfg      AmountConfig
	profiles *profileStore[amountProfile]
}

func NewAmountDetector(cfg AmountConfig) *AmountDetector {
	return &AmountDetector{
		base:     newBase(domain.DetectorAmount, 0.9),
		cfg:      cfg,
		profiles: newProfileStore(func() *amountProfile { return &amountProfile{} }),
	}
}

func (d *AmountDetector) Score(ctx context.Context, tx *domain.Transaction, rule *domain.DetectionRule) (float64, error) {
	if !d.Enabled() {
		return 0, nil
	}
	if tx.Amount <= 0 {
		return 0, fmt.Errorf("amount: non-positive amount %v", tx.Amount)
	}

	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()

	amount := tx.Amount * currencyMultiplier(cfg.CurrencyMultipliers, tx.Currency)

	var score float64
	d.profiles.visit(tx.UserID, tx.Timestamp, func(p *amountProfile) {
		score = d.riskFor(cfg, amount, p)

		p.welford.Add(amount)
		if amount > p.max {
			p.max = amount
		}
		if p.min == 0 || amount < p.min {
			p.min = amount
		}
		p.history = append(p.history, amount)
		if cfg.MaxHistory > 0 && len(p.history) > cfg.MaxHistory {
			p.history = p.history[len(p.history)-cfg.MaxHistory:]
		}
	})
	return score, nil
}

// riskFor scores against the profile as it stood before this transaction.
func (d *AmountDetector) riskFor(cfg AmountConfig, amount float64, p *amountProfile) float64 {
	if p.welford.N == 0 || !cfg.UserSpecific {
		return globalAmountRisk(cfg, amount)
	}

	z := p.welford.ZScore(amount)
	score := zBandRisk(z)

	if cfg.Statistical && len(p.history) > 0 {
		pct := stats.Percentile(p.history, amount)
		var floor float64
		switch {
		case pct >= 95:
			floor = 0.8
		case pct >= 90:
			floor = 0.6
		case pct >= 80:
			floor = 0.5
		}
		score = math.Max(score, floor)
	}
	return clamp(score)
}

// globalAmountRisk maps a normalized amount onto [0,1]: 0 to 0.5 below
// the suspicious threshold, 0.5 to 1.0 between suspicious and high-risk,
// 1.0 at or above high-risk.
func globalAmountRisk(cfg AmountConfig, amount float64) float64 {
	switch {
	case amount >= cfg.HighRiskThreshold:
		return 1.0
	case amount >= cfg.SuspiciousThreshold:
		span := cfg.HighRiskThreshold - cfg.SuspiciousThreshold
		return 0.5 + (amount-cfg.SuspiciousThreshold)/span*0.5
	default:
		return amount / cfg.SuspiciousThreshold * 0.5
	}
}

// zBandRisk maps |z| onto fixed risk bands.
func zBandRisk(z float64) float64 {
	az := math.Abs(z)
	switch {
	case az >= 3:
		return 0.9 + (az-3)*0.1
	case az >= 2:
		return 0.7 + (az-2)*0.2
	case az >= 1:
		return 0.4 + (az-1)*0.3
	default:
		return az * 0.4
	}
}

func currencyMultiplier(multipliers map[string]float64, currency string) float64 {
	if m, ok := multipliers[currency]; ok {
		return m
	}
	return 1.0
}

func (d *AmountDetector) Configure(params domain.Params) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range params {
		switch key {
		case "suspiciousThreshold", "highRiskThreshold", "currencyMultipliers",
			"userSpecific", "statistical", "maxHistory":
		default:
			return unknownKey(domain.DetectorAmount, key)
		}
	}
	if v, ok := params.Float("suspiciousThreshold"); ok {
		if v <= 0 {
			return fmt.Errorf("amount: suspiciousThreshold must be positive, got %v", v)
		}
		d.cfg.SuspiciousThreshold = v
	}
	if v, ok := params.Float("highRiskThreshold"); ok {
		if v <= 0 {
			return fmt.Errorf("amount: highRiskThreshold must be positive, got %v", v)
		}
		d.cfg.HighRiskThreshold = v
	}
	if d.cfg.HighRiskThreshold <= d.cfg.SuspiciousThreshold {
		return fmt.Errorf("amount: highRiskThreshold %v must exceed suspiciousThreshold %v",
			d.cfg.HighRiskThreshold, d.cfg.SuspiciousThreshold)
	}
	if v, ok := params.FloatMap("currencyMultipliers"); ok {
		for cur, m := range v {
			if m <= 0 {
				return fmt.Errorf("amount: multiplier for %s must be positive, got %v", cur, m)
			}
		}
		d.cfg.CurrencyMultipliers = v
	}
	if v, ok := params.Bool("userSpecific"); ok {
		d.cfg.UserSpecific = v
	}
	if v, ok := params.Bool("statistical"); ok {
		d.cfg.Statistical = v
	}
	if v, ok := params.Int("maxHistory"); ok {
		if v < 1 {
			return fmt.Errorf("amount: maxHistory must be at least 1, got %d", v)
		}
		d.cfg.MaxHistory = v
	}
	return nil
}

func (d *AmountDetector) Reset() error {
	d.profiles.reset()
	return nil
}

func (d *AmountDetector) Sweep(cutoff time.Time) int {
	return d.profiles.sweep(cutoff)
}

func (d *AmountDetector) Stats() map[string]any {
	s := d.baseStats()
	s["profiles"] = d.profiles.len()
	return s
}
