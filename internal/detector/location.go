package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/geo"
)

// LocationConfig tunes the location detector. Distances are km, speed
// is km/h.
type LocationConfig struct {
	SuspiciousKm     float64
	MaxKm            float64
	MaxSpeedKmh      float64
	Geofencing       bool
	TrustedLocations []domain.Location
	MaxHistory       int
}

// DefaultLocationConfig returns the community defaults. The max speed
// is roughly commercial-flight cruise speed.
func DefaultLocationConfig() LocationConfig {
	return LocationConfig{
		SuspiciousKm: 100,
		MaxKm:        1000,
		MaxSpeedKmh:  900,
		Geofencing:   false,
		MaxHistory:   200,
	}
}

type locationVisit struct {
	lat, lng float64
	country  string
	at       time.Time
}

type locationProfile struct {
	visits    []locationVisit
	cells     map[string]int
	countries map[string]int
}

// LocationDetector flags geographically implausible or unusual
// transaction locations for the user.
type LocationDetector struct {
	base
	cfg      LocationConfig
	profiles *profileStore[locationProfile]
}

func NewLocationDetector(cfg LocationConfig) *LocationDetector {
	return &LocationDetector{
		base: newBase(domain.DetectorLocation, 0.7),
		cfg:  cfg,
		profiles: newProfileStore(func() *locationProfile {
			return &locationProfile{
				cells:     make(map[string]int),
				countries: make(map[string]int),
			}
		}),
	}
}

func (d *LocationDetector) Score(ctx context.Context, tx *domain.Transaction, rule *domain.DetectionRule) (float64, error) {
	if !d.Enabled() {
		return 0, nil
	}
	if tx.Location == nil {
		return 0, nil
	}

	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()

	loc := tx.Location
	var score float64
	d.profiles.visit(tx.UserID, tx.Timestamp, func(p *locationProfile) {
		score = d.riskFor(cfg, tx, p)

		p.visits = append(p.visits, locationVisit{
			lat: loc.Lat, lng: loc.Lng, country: loc.Country, at: tx.Timestamp,
		})
		if cfg.MaxHistory > 0 && len(p.visits) > cfg.MaxHistory {
			drop := p.visits[0]
			p.cells[geo.CellKey(drop.lat, drop.lng)]--
			if drop.country != "" {
				p.countries[drop.country]--
			}
			p.visits = p.visits[1:]
		}
		p.cells[geo.CellKey(loc.Lat, loc.Lng)]++
		if loc.Country != "" {
			p.countries[loc.Country]++
		}
	})
	return score, nil
}

func (d *LocationDetector) riskFor(cfg LocationConfig, tx *domain.Transaction, p *locationProfile) float64 {
	loc := tx.Location
	score := 0.0

	if len(p.visits) > 0 {
		last := p.visits[len(p.visits)-1]
		score += travelRisk(cfg, last, loc, tx.Timestamp)
		score += distanceRisk(cfg, nearestKm(p.visits, loc))
		score += countryRarity(p, loc.Country)
		score += clusterRisk(p, loc)
	}

	if cfg.Geofencing {
		for _, t := range cfg.TrustedLocations {
			if geo.Haversine(loc.Lat, loc.Lng, t.Lat, t.Lng) <= 1 {
				score -= 0.2
				break
			}
		}
	}
	if score < 0 {
		return 0
	}
	return clamp(score)
}

// travelRisk compares the implied speed from the previous visit
// against the maximum plausible speed.
func travelRisk(cfg LocationConfig, last locationVisit, loc *domain.Location, at time.Time) float64 {
	hours := at.Sub(last.at).Hours()
	if hours <= 0 {
		return 0
	}
	speed := geo.Haversine(last.lat, last.lng, loc.Lat, loc.Lng) / hours
	switch {
	case speed > cfg.MaxSpeedKmh:
		return 1.0
	case speed >= 0.8*cfg.MaxSpeedKmh:
		return 0.7
	case speed >= 0.5*cfg.MaxSpeedKmh:
		return 0.4
	}
	return 0
}

// distanceRisk maps the distance to the nearest recent location onto
// [0,1]: 0 to 0.5 below suspiciousKm, 0.5 to 1.0 up to maxKm, 1.0 beyond.
func distanceRisk(cfg LocationConfig, km float64) float64 {
	switch {
	case km >= cfg.MaxKm:
		return 1.0
	case km >= cfg.SuspiciousKm:
		span := cfg.MaxKm - cfg.SuspiciousKm
		return 0.5 + (km-cfg.SuspiciousKm)/span*0.5
	default:
		return km / cfg.SuspiciousKm * 0.5
	}
}

func nearestKm(visits []locationVisit, loc *domain.Location) float64 {
	nearest := -1.0
	for _, v := range visits {
		km := geo.Haversine(v.lat, v.lng, loc.Lat, loc.Lng)
		if nearest < 0 || km < nearest {
			nearest = km
		}
	}
	return nearest
}

func countryRarity(p *locationProfile, country string) float64 {
	if country == "" || len(p.visits) == 0 {
		return 0
	}
	freq := float64(p.countries[country]) / float64(len(p.visits))
	switch {
	case freq < 0.05:
		return 0.6
	case freq < 0.1:
		return 0.3
	}
	return 0
}

// clusterRisk measures the distance to the user's nearest frequent
// location cell.
func clusterRisk(p *locationProfile, loc *domain.Location) float64 {
	nearest := -1.0
	for key, count := range p.cells {
		if count <= 0 {
			continue
		}
		lat, lng, ok := geo.ParseCellKey(key)
		if !ok {
			continue
		}
		km := geo.Haversine(lat, lng, loc.Lat, loc.Lng)
		if nearest < 0 || km < nearest {
			nearest = km
		}
	}
	switch {
	case nearest < 0:
		return 0
	case nearest > 100:
		return 0.5
	case nearest > 50:
		return 0.2
	}
	return 0
}

func (d *LocationDetector) Configure(params domain.Params) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range params {
		switch key {
		case "suspiciousKm", "maxKm", "maxSpeedKmh", "geofencing",
			"trustedLocations", "maxHistory":
		default:
			return unknownKey(domain.DetectorLocation, key)
		}
	}
	if v, ok := params.Float("suspiciousKm"); ok {
		if v <= 0 {
			return fmt.Errorf("location: suspiciousKm must be positive, got %v", v)
		}
		d.cfg.SuspiciousKm = v
	}
	if v, ok := params.Float("maxKm"); ok {
		if v <= 0 {
			return fmt.Errorf("location: maxKm must be positive, got %v", v)
		}
		d.cfg.MaxKm = v
	}
	if d.cfg.MaxKm <= d.cfg.SuspiciousKm {
		return fmt.Errorf("location: maxKm %v must exceed suspiciousKm %v",
			d.cfg.MaxKm, d.cfg.SuspiciousKm)
	}
	if v, ok := params.Float("maxSpeedKmh"); ok {
		if v <= 0 {
			return fmt.Errorf("location: maxSpeedKmh must be positive, got %v", v)
		}
		d.cfg.MaxSpeedKmh = v
	}
	if v, ok := params.Bool("geofencing"); ok {
		d.cfg.Geofencing = v
	}
	if raw, ok := params["trustedLocations"]; ok {
		locs, err := parseLocations(raw)
		if err != nil {
			return fmt.Errorf("location: %w", err)
		}
		d.cfg.TrustedLocations = locs
	}
	if v, ok := params.Int("maxHistory"); ok {
		if v < 1 {
			return fmt.Errorf("location: maxHistory must be at least 1, got %d", v)
		}
		d.cfg.MaxHistory = v
	}
	return nil
}

func parseLocations(raw any) ([]domain.Location, error) {
	switch v := raw.(type) {
	case []domain.Location:
		return v, nil
	case []any:
		out := make([]domain.Location, 0, len(v))
		for _, e := range v {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("trustedLocations entries must be objects")
			}
			lat, latOK := m["lat"].(float64)
			lng, lngOK := m["lng"].(float64)
			if !latOK || !lngOK {
				return nil, fmt.Errorf("trustedLocations entries need numeric lat/lng")
			}
			out = append(out, domain.Location{Lat: lat, Lng: lng})
		}
		return out, nil
	}
	return nil, fmt.Errorf("trustedLocations must be a list")
}

func (d *LocationDetector) Reset() error {
	d.profiles.reset()
	return nil
}

func (d *LocationDetector) Sweep(cutoff time.Time) int {
	return d.profiles.sweep(cutoff)
}

func (d *LocationDetector) Stats() map[string]any {
	s := d.baseStats()
	s["profiles"] = d.profiles.len()
	return s
}
