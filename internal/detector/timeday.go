package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/geo"
)

// TimeConfig tunes the time-of-day detector. Hours are 0-23 in the
// transaction's own clock; holidays are month/day pairs.
type TimeConfig struct {
	SuspiciousHours   []int
	WeekendMultiplier float64
	HolidayMultiplier float64
	TimezoneThreshold float64 // hours of declared-vs-location offset difference
	HolidayDetection  bool
	CustomHolidays    []string // "MM-DD"
}

// DefaultTimeConfig returns the community defaults.
func DefaultTimeConfig() TimeConfig {
	return TimeConfig{
		SuspiciousHours:   []int{0, 1, 2, 3, 4, 5, 22, 23},
		WeekendMultiplier: 1.2,
		HolidayMultiplier: 1.5,
		TimezoneThreshold: 8,
		HolidayDetection:  true,
	}
}

// builtinHolidays are the month/day pairs flagged every year.
var builtinHolidays = map[string]struct{}{
	"01-01": {},
	"12-25": {},
	"12-31": {},
}

type hourDay struct {
	hour int
	day  time.Weekday
}

type timeProfile struct {
	pairs map[hourDay]int
	total int
}

// TimeDetector flags transactions at hours or weekday patterns unusual
// globally or for the specific user, plus declared-timezone mismatches.
type TimeDetector struct {
	base
	cfg      TimeConfig
	profiles *profileStore[timeProfile]
}

func NewTimeDetector(cfg TimeConfig) *TimeDetector {
	return &TimeDetector{
		base: newBase(domain.DetectorTime, 0.6),
		cfg:  cfg,
		profiles: newProfileStore(func() *timeProfile {
			return &timeProfile{pairs: make(map[hourDay]int)}
		}),
	}
}

func (d *TimeDetector) Score(ctx context.Context, tx *domain.Transaction, rule *domain.DetectionRule) (float64, error) {
	if !d.Enabled() {
		return 0, nil
	}

	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()

	ts := tx.Timestamp
	pair := hourDay{hour: ts.Hour(), day: ts.Weekday()}

	score := 0.0
	for _, h := range cfg.SuspiciousHours {
		if h == pair.hour {
			score += 0.4
			break
		}
	}
	if pair.day == time.Saturday || pair.day == time.Sunday {
		score += 0.2 * cfg.WeekendMultiplier
	}
	if cfg.HolidayDetection && isHoliday(ts, cfg.CustomHolidays) {
		score += 0.3 * cfg.HolidayMultiplier
	}
	score += timezoneMismatch(tx, cfg.TimezoneThreshold)

	d.profiles.visit(tx.UserID, ts, func(p *timeProfile) {
		score += pairRarity(p, pair)
		p.pairs[pair]++
		p.total++
	})
	return clamp(score), nil
}

// pairRarity scores how unusual this (hour, weekday) pair is for the
// user, against the profile before this transaction is folded in.
func pairRarity(p *timeProfile, pair hourDay) float64 {
	if p.total == 0 {
		return 0.1
	}
	freq := float64(p.pairs[pair]) / float64(p.total)
	switch {
	case freq < 0.1:
		return 0.3
	case freq < 0.3:
		return 0.1
	}
	return 0
}

// timezoneMismatch compares the declared timezone against the offset
// implied by the transaction's location country.
func timezoneMismatch(tx *domain.Transaction, thresholdHours float64) float64 {
	if tx.Location == nil || tx.Location.Country == "" {
		return 0
	}
	declared, ok := tx.Metadata[domain.MetaTimezone]
	if !ok {
		return 0
	}
	declaredMin, ok := geo.ZoneOffsetMinutes(declared)
	if !ok {
		return 0
	}
	expectedMin, ok := geo.CountryOffsetMinutes(tx.Location.Country)
	if !ok {
		return 0
	}
	diff := geo.OffsetDiffHours(declaredMin, expectedMin)
	if diff > thresholdHours {
		return 0.4
	}
	return 0
}

func isHoliday(ts time.Time, custom []string) bool {
	md := ts.Format("01-02")
	if _, ok := builtinHolidays[md]; ok {
		return true
	}
	for _, h := range custom {
		if h == md {
			return true
		}
	}
	return false
}

func (d *TimeDetector) Configure(params domain.Params) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range params {
		switch key {
		case "suspiciousHours", "weekendMultiplier", "holidayMultiplier",
			"timezoneThreshold", "holidayDetection", "customHolidays":
		default:
			return unknownKey(domain.DetectorTime, key)
		}
	}
	if v, ok := params.Ints("suspiciousHours"); ok {
		for _, h := range v {
			if h < 0 || h > 23 {
				return fmt.Errorf("time: suspicious hour %d out of range", h)
			}
		}
		d.cfg.SuspiciousHours = v
	}
	if v, ok := params.Float("weekendMultiplier"); ok {
		if v < 0 {
			return fmt.Errorf("time: weekendMultiplier must be non-negative, got %v", v)
		}
		d.cfg.WeekendMultiplier = v
	}
	if v, ok := params.Float("holidayMultiplier"); ok {
		if v < 0 {
			return fmt.Errorf("time: holidayMultiplier must be non-negative, got %v", v)
		}
		d.cfg.HolidayMultiplier = v
	}
	if v, ok := params.Float("timezoneThreshold"); ok {
		if v <= 0 {
			return fmt.Errorf("time: timezoneThreshold must be positive, got %v", v)
		}
		d.cfg.TimezoneThreshold = v
	}
	if v, ok := params.Bool("holidayDetection"); ok {
		d.cfg.HolidayDetection = v
	}
	if v, ok := params.Strings("customHolidays"); ok {
		for _, h := range v {
			if _, err := time.Parse("01-02", h); err != nil {
				return fmt.Errorf("time: custom holiday %q is not MM-DD", h)
			}
		}
		d.cfg.CustomHolidays = v
	}
	return nil
}

func (d *TimeDetector) Reset() error {
	d.profiles.reset()
	return nil
}

func (d *TimeDetector) Sweep(cutoff time.Time) int {
	return d.profiles.sweep(cutoff)
}

func (d *TimeDetector) Stats() map[string]any {
	s := d.baseStats()
	s["profiles"] = d.profiles.len()
	return s
}
