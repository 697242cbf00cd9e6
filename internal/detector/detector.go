// Package detector implements the per-entity statistical anomaly
// detectors behind the scoring engine. Every detector owns its own
// profile store; no detector reads another detector's state, so a
// scoring pass can run them in any order or in parallel.
package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Detector is the common scoring contract. Score follows one shape:
// fetch-or-create the entity profile, compare the transaction against
// the pre-update profile, fold the transaction in, return the score in
// [0,1]. Read-score-update is a single critical section per entity.
type Detector interface {
	// Name returns the detector's registry name.
	Name() string

	// Score rates one transaction against the entity's profile.
	Score(ctx context.Context, tx *domain.Transaction, rule *domain.DetectionRule) (float64, error)

	// Configure applies detector parameters. Unknown keys and
	// out-of-range values are rejected here, never at scoring time.
	// Configuring twice with identical parameters is idempotent.
	Configure(params domain.Params) error

	// Enable and Disable take effect on the next Score call.
	Enable()
	Disable()
	Enabled() bool

	// Threshold is the score at which this detector contributes a reason.
	Threshold() float64
	SetThreshold(t float64) error

	// Reset clears all profile state.
	Reset() error

	// Stats returns detector statistics for observability endpoints.
	Stats() map[string]any

	// Sweep evicts profiles idle since before the cutoff. Returns the
	// number of entries removed. Safe to run concurrently with Score.
	Sweep(cutoff time.Time) int
}

// base carries the state every detector shares.
type base struct {
	name string

	mu        sync.RWMutex
	enabled   bool
	threshold float64
}

func newBase(name string, threshold float64) base {
	return base{name: name, enabled: true, threshold: threshold}
}

func (b *base) Name() string { return b.name }

func (b *base) Enable() {
	b.mu.Lock()
	b.enabled = true
	b.mu.Unlock()
}

func (b *base) Disable() {
	b.mu.Lock()
	b.enabled = false
	b.mu.Unlock()
}

func (b *base) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

func (b *base) Threshold() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.threshold
}

func (b *base) SetThreshold(t float64) error {
	if t < 0 || t > 1 {
		return fmt.Errorf("%s: threshold must be in [0,1], got %v", b.name, t)
	}
	b.mu.Lock()
	b.threshold = t
	b.mu.Unlock()
	return nil
}

func (b *base) baseStats() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return map[string]any{
		"name":      b.name,
		"enabled":   b.enabled,
		"threshold": b.threshold,
	}
}

// clamp bounds a score to [0,1].
func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// unknownKey is the shared configure-time error for unrecognized options.
func unknownKey(detector, key string) error {
	return fmt.Errorf("%s: unknown config key %q", detector, key)
}
