// Package engine wires the detectors together: registration, rule
// configuration, concurrent dispatch, and score aggregation.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Registry holds the name→detector mapping. Enable and disable flip
// the detector's own flag, so changes take effect on the next scoring
// call without coordination.
type Registry struct {
	mu        sync.RWMutex
	detectors map[string]detector.Detector
}

func NewRegistry() *Registry {
	return &Registry{detectors: make(map[string]detector.Detector)}
}

// Register adds a detector under its own name. Re-registering a name
// replaces the previous detector.
func (r *Registry) Register(d detector.Detector) {
	r.mu.Lock()
	r.detectors[d.Name()] = d
	r.mu.Unlock()
}

// Get returns the detector registered under name.
func (r *Registry) Get(name string) (detector.Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[name]
	return d, ok
}

// Enabled reports whether the named detector exists and is enabled.
func (r *Registry) Enabled(name string) bool {
	d, ok := r.Get(name)
	return ok && d.Enabled()
}

func (r *Registry) Enable(name string) error {
	d, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("registry: unknown detector %q", name)
	}
	d.Enable()
	return nil
}

func (r *Registry) Disable(name string) error {
	d, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("registry: unknown detector %q", name)
	}
	d.Disable()
	return nil
}

// All returns a snapshot of every registered detector.
func (r *Registry) All() []detector.Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]detector.Detector, 0, len(r.detectors))
	for _, d := range r.detectors {
		out = append(out, d)
	}
	return out
}

// EnabledDetectors returns a snapshot of the detectors that will run
// on the next scoring call.
func (r *Registry) EnabledDetectors() []detector.Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]detector.Detector, 0, len(r.detectors))
	for _, d := range r.detectors {
		if d.Enabled() {
			out = append(out, d)
		}
	}
	return out
}

// Apply configures one detector from a validated rule: parameters,
// threshold, and the enabled flag, in that order. Parameter errors
// leave the enabled state untouched.
func (r *Registry) Apply(rule *domain.DetectionRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	d, ok := r.Get(rule.Name)
	if !ok {
		return fmt.Errorf("registry: unknown detector %q", rule.Name)
	}
	if len(rule.Params) > 0 {
		if err := d.Configure(rule.Params); err != nil {
			return err
		}
	}
	if err := d.SetThreshold(rule.Threshold); err != nil {
		return err
	}
	if rule.Enabled {
		d.Enable()
	} else {
		d.Disable()
	}
	return nil
}

// Sweep evicts idle profiles from every detector store and returns the
// total number of entries removed.
func (r *Registry) Sweep(cutoff time.Time) int {
	total := 0
	for _, d := range r.All() {
		total += d.Sweep(cutoff)
	}
	return total
}

// Reset clears every detector's profile state.
func (r *Registry) Reset() error {
	for _, d := range r.All() {
		if err := d.Reset(); err != nil {
			return fmt.Errorf("reset %s: %w", d.Name(), err)
		}
	}
	return nil
}
