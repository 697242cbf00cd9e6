package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// VelocityConfig tunes the velocity detector. Limits are per sliding
// window ending at the transaction timestamp.
type VelocityConfig struct {
	Window    time.Duration
	MaxCount  int
	MaxAmount float64
}

// DefaultVelocityConfig returns the community defaults.
func DefaultVelocityConfig() VelocityConfig {
	return VelocityConfig{
		Window:    time.Hour,
		MaxCount:  10,
		MaxAmount: 5000,
	}
}

type velocityEvent struct {
	at     time.Time
	amount float64
}

// maxVelocityEvents bounds one profile's history so a burst inside a
// single window cannot grow memory without limit. Well past MaxCount,
// so trimming never changes a non-saturated score.
const maxVelocityEvents = 1000

type velocityProfile struct {
	events []velocityEvent
}

// VelocityDetector scores transaction frequency and volume against
// per-window limits. The current transaction counts toward its own
// window, so a burst is caught on the burst's own transactions.
type VelocityDetector struct {
	base
	cfg      VelocityConfig
	profiles *profileStore[velocityProfile]
}

func NewVelocityDetector(cfg VelocityConfig) *VelocityDetector {
	return &VelocityDetector{
		base:     newBase(domain.DetectorVelocity, 0.8),
		cfg:      cfg,
		profiles: newProfileStore(func() *velocityProfile { return &velocityProfile{} }),
	}
}

func (d *VelocityDetector) Score(ctx context.Context, tx *domain.Transaction, rule *domain.DetectionRule) (float64, error) {
	if !d.Enabled() {
		return 0, nil
	}

	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()

	now := tx.Timestamp
	cutoff := now.Add(-cfg.Window)

	var score float64
	d.profiles.visit(tx.UserID, now, func(p *velocityProfile) {
		// Compact on every write: drop events outside the window.
		kept := p.events[:0]
		for _, e := range p.events {
			if e.at.After(cutoff) {
				kept = append(kept, e)
			}
		}
		p.events = append(kept, velocityEvent{at: now, amount: tx.Amount})
		if n := len(p.events); n > maxVelocityEvents {
			p.events = p.events[n-maxVelocityEvents:]
		}

		count := 0
		sum := 0.0
		for _, e := range p.events {
			if !e.at.After(now) {
				count++
				sum += e.amount
			}
		}

		countRisk := min(float64(count)/float64(cfg.MaxCount), 1)
		amountRisk := min(sum/cfg.MaxAmount, 1)
		score = (countRisk + amountRisk) / 2
	})
	return score, nil
}

func (d *VelocityDetector) Configure(params domain.Params) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range params {
		switch key {
		case "windowMinutes", "maxCount", "maxAmount":
		default:
			return unknownKey(domain.DetectorVelocity, key)
		}
	}
	if v, ok := params.Int("windowMinutes"); ok {
		if v < 1 {
			return fmt.Errorf("velocity: windowMinutes must be at least 1, got %d", v)
		}
		d.cfg.Window = time.Duration(v) * time.Minute
	}
	if v, ok := params.Int("maxCount"); ok {
		if v < 1 {
			return fmt.Errorf("velocity: maxCount must be at least 1, got %d", v)
		}
		d.cfg.MaxCount = v
	}
	if v, ok := params.Float("maxAmount"); ok {
		if v <= 0 {
			return fmt.Errorf("velocity: maxAmount must be positive, got %v", v)
		}
		d.cfg.MaxAmount = v
	}
	return nil
}

func (d *VelocityDetector) Reset() error {
	d.profiles.reset()
	return nil
}

func (d *VelocityDetector) Sweep(cutoff time.Time) int {
	return d.profiles.sweep(cutoff)
}

func (d *VelocityDetector) Stats() map[string]any {
	s := d.baseStats()
	s["profiles"] = d.profiles.len()
	return s
}
