package domain

import (
	"fmt"
)

// Canonical detector names. The engine rejects rule configuration for
// any name outside this set plus registered custom slots.
const (
	DetectorAmount     = "amount"
	DetectorVelocity   = "velocity"
	DetectorTime       = "time"
	DetectorLocation   = "location"
	DetectorDevice     = "device"
	DetectorMerchant   = "merchant"
	DetectorBehavioral = "behavioral"
	DetectorNetwork    = "network"
	DetectorCustom     = "custom"
)

// DetectionRule configures one detector: its aggregation weight, the
// threshold at which it contributes a reason, whether it runs at all,
// and detector-specific parameters. Validated at configuration time;
// immutable while in use except via an explicit reconfigure.
type DetectionRule struct {
	Name      string  `json:"name"`
	Weight    float64 `json:"weight"`
	Threshold float64 `json:"threshold"`
	Enabled   bool    `json:"enabled"`
	Params    Params  `json:"params,omitempty"`
}

// Validate rejects out-of-range weights and thresholds. Unknown names
// are rejected by the engine, which knows the registered detectors.
func (r *DetectionRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Weight < 0 || r.Weight > 1 {
		return fmt.Errorf("rule %s: weight must be in [0,1], got %v", r.Name, r.Weight)
	}
	if r.Threshold < 0 || r.Threshold > 1 {
		return fmt.Errorf("rule %s: threshold must be in [0,1], got %v", r.Name, r.Threshold)
	}
	return nil
}

// Params is a typed key-value set of detector options. Each detector
// enumerates the keys it recognizes in its Configure method and rejects
// the rest, so configuration mistakes surface at configure time rather
// than during scoring.
type Params map[string]any

// Float reads a numeric parameter, accepting int for convenience.
func (p Params) Float(key string) (float64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Int reads an integer parameter, accepting whole floats (JSON numbers).
func (p Params) Int(key string) (int, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

// Bool reads a boolean parameter.
func (p Params) Bool(key string) (bool, bool) {
	v, ok := p[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// String reads a string parameter.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Strings reads a string-list parameter, accepting []any from JSON.
func (p Params) Strings(key string) ([]string, bool) {
	v, ok := p[key]
	if !ok {
		return nil, false
	}
	switch l := v.(type) {
	case []string:
		return l, true
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// Ints reads an integer-list parameter, accepting []any from JSON.
func (p Params) Ints(key string) ([]int, bool) {
	v, ok := p[key]
	if !ok {
		return nil, false
	}
	switch l := v.(type) {
	case []int:
		return l, true
	case []any:
		out := make([]int, 0, len(l))
		for _, e := range l {
			switch n := e.(type) {
			case int:
				out = append(out, n)
			case float64:
				if n != float64(int(n)) {
					return nil, false
				}
				out = append(out, int(n))
			default:
				return nil, false
			}
		}
		return out, true
	}
	return nil, false
}

// FloatMap reads a string→number map parameter.
func (p Params) FloatMap(key string) (map[string]float64, bool) {
	v, ok := p[key]
	if !ok {
		return nil, false
	}
	switch m := v.(type) {
	case map[string]float64:
		return m, true
	case map[string]any:
		out := make(map[string]float64, len(m))
		for k, e := range m {
			switch n := e.(type) {
			case float64:
				out[k] = n
			case int:
				out[k] = float64(n)
			default:
				return nil, false
			}
		}
		return out, true
	}
	return nil, false
}
