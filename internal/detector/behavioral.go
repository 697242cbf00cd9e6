package detector

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/geo"
	"github.com/opensource-finance/kestrel/internal/stats"
)

// Fixed dimension weights, summing to 1.
const (
	weightSpending = 0.30
	weightTiming   = 0.20
	weightLocation = 0.20
	weightDevice   = 0.15
	weightMerchant = 0.10
	weightPayment  = 0.05
)

// BehavioralConfig tunes the behavioral detector.
type BehavioralConfig struct {
	SpendingPatterns bool
	TimingPatterns   bool
	LocationPatterns bool
	DevicePatterns   bool
	Adaptive         bool
	AnomalyBoost     float64
}

// DefaultBehavioralConfig returns the community defaults.
func DefaultBehavioralConfig() BehavioralConfig {
	return BehavioralConfig{
		SpendingPatterns: true,
		TimingPatterns:   true,
		LocationPatterns: true,
		DevicePatterns:   true,
		Adaptive:         true,
		AnomalyBoost:     0.3,
	}
}

type behaviorProfile struct {
	amounts  stats.Welford
	hours    [24]int
	cells    map[string]int
	devices  map[string]struct{}
	merchant map[string]int
	payment  map[string]int
	total    int
}

// BehavioralDetector keeps its own copy of each pattern dimension and
// blends them with fixed weights, so it stays independent of the
// single-dimension detectors in the same pass.
type BehavioralDetector struct {
	base
	cfg      BehavioralConfig
	profiles *profileStore[behaviorProfile]
}

func NewBehavioralDetector(cfg BehavioralConfig) *BehavioralDetector {
	return &BehavioralDetector{
		base: newBase(domain.DetectorBehavioral, 0.6),
		cfg:  cfg,
		profiles: newProfileStore(func() *behaviorProfile {
			return &behaviorProfile{
				cells:    make(map[string]int),
				devices:  make(map[string]struct{}),
				merchant: make(map[string]int),
				payment:  make(map[string]int),
			}
		}),
	}
}

func (d *BehavioralDetector) Score(ctx context.Context, tx *domain.Transaction, rule *domain.DetectionRule) (float64, error) {
	if !d.Enabled() {
		return 0, nil
	}

	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()

	var score float64
	d.profiles.visit(tx.UserID, tx.Timestamp, func(p *behaviorProfile) {
		score = d.riskFor(cfg, tx, p)
		updateBehavior(p, tx)
	})
	return score, nil
}

func (d *BehavioralDetector) riskFor(cfg BehavioralConfig, tx *domain.Transaction, p *behaviorProfile) float64 {
	if p.total == 0 {
		return 0
	}

	var spending, timing, location, device, merchant, payment float64
	var z float64
	newLocation, newDevice := false, false

	if cfg.SpendingPatterns {
		z = p.amounts.ZScore(tx.Amount)
		spending = clamp(zBandRisk(z))
	}
	if cfg.TimingPatterns {
		timing = frequencyRarity(p.hours[tx.Timestamp.Hour()], p.total)
	}
	if cfg.LocationPatterns && tx.Location != nil {
		key := geo.CellKey(tx.Location.Lat, tx.Location.Lng)
		if p.cells[key] == 0 {
			newLocation = true
			location = 0.7
		} else {
			location = frequencyRarity(p.cells[key], p.total)
		}
	}
	if cfg.DevicePatterns && tx.DeviceID != "" {
		if _, seen := p.devices[tx.DeviceID]; !seen {
			newDevice = true
			device = 0.8
		}
	}
	if tx.MerchantID != "" {
		if p.merchant[tx.MerchantID] == 0 {
			merchant = 0.5
		} else {
			merchant = frequencyRarity(p.merchant[tx.MerchantID], p.total) * 0.5
		}
	}
	if tx.PaymentMethod != "" {
		if p.payment[tx.PaymentMethod] == 0 {
			payment = 0.5
		} else {
			payment = frequencyRarity(p.payment[tx.PaymentMethod], p.total) * 0.5
		}
	}

	score := weightSpending*spending + weightTiming*timing +
		weightLocation*location + weightDevice*device +
		weightMerchant*merchant + weightPayment*payment

	// Hard-outlier pass: one dimension far outside its pattern adds
	// risk beyond its diluted weight.
	if math.Abs(z) > 3 {
		score += cfg.AnomalyBoost * spending
	}
	if newLocation {
		score += cfg.AnomalyBoost * location
	}
	if newDevice {
		score += cfg.AnomalyBoost * device
	}

	if cfg.Adaptive && p.amounts.N > 1 {
		consistency := 1 - stats.CoefficientOfVariation(&p.amounts)
		switch {
		case consistency >= 0.7:
			score *= 0.8
		case consistency <= 0.3:
			score *= 1.2
		}
	}
	return clamp(score)
}

// frequencyRarity rates how rarely this bucket appears in the profile.
func frequencyRarity(count, total int) float64 {
	if total == 0 {
		return 0
	}
	freq := float64(count) / float64(total)
	switch {
	case freq < 0.1:
		return 0.8
	case freq < 0.3:
		return 0.4
	}
	return 0
}

func updateBehavior(p *behaviorProfile, tx *domain.Transaction) {
	p.amounts.Add(tx.Amount)
	p.hours[tx.Timestamp.Hour()]++
	if tx.Location != nil {
		p.cells[geo.CellKey(tx.Location.Lat, tx.Location.Lng)]++
	}
	if tx.DeviceID != "" {
		p.devices[tx.DeviceID] = struct{}{}
	}
	if tx.MerchantID != "" {
		p.merchant[tx.MerchantID]++
	}
	if tx.PaymentMethod != "" {
		p.payment[tx.PaymentMethod]++
	}
	p.total++
}

func (d *BehavioralDetector) Configure(params domain.Params) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range params {
		switch key {
		case "spendingPatterns", "timingPatterns", "locationPatterns",
			"devicePatterns", "adaptive", "anomalyBoost":
		default:
			return unknownKey(domain.DetectorBehavioral, key)
		}
	}
	if v, ok := params.Bool("spendingPatterns"); ok {
		d.cfg.SpendingPatterns = v
	}
	if v, ok := params.Bool("timingPatterns"); ok {
		d.cfg.TimingPatterns = v
	}
	if v, ok := params.Bool("locationPatterns"); ok {
		d.cfg.LocationPatterns = v
	}
	if v, ok := params.Bool("devicePatterns"); ok {
		d.cfg.DevicePatterns = v
	}
	if v, ok := params.Bool("adaptive"); ok {
		d.cfg.Adaptive = v
	}
	if v, ok := params.Float("anomalyBoost"); ok {
		if v < 0 || v > 1 {
			return fmt.Errorf("behavioral: anomalyBoost must be in [0,1], got %v", v)
		}
		d.cfg.AnomalyBoost = v
	}
	return nil
}

func (d *BehavioralDetector) Reset() error {
	d.profiles.reset()
	return nil
}

func (d *BehavioralDetector) Sweep(cutoff time.Time) int {
	return d.profiles.sweep(cutoff)
}

func (d *BehavioralDetector) Stats() map[string]any {
	s := d.baseStats()
	s["profiles"] = d.profiles.len()
	return s
}
