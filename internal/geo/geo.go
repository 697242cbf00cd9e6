// Package geo provides the geospatial primitives used by the location,
// time, and behavioral detectors: great-circle distance, location
// cells, and a static country timezone-offset table.
package geo

import (
	"fmt"
	"math"
)

// EarthRadiusKm is the mean Earth radius used for haversine distance.
const EarthRadiusKm = 6371.0

// Haversine returns the great-circle distance in kilometers between
// two points. Symmetric; zero for identical points.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := deg2rad(lat2 - lat1)
	dLng := deg2rad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(deg2rad(lat1))*math.Cos(deg2rad(lat2))*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

func deg2rad(deg float64) float64 {
	return deg * (math.Pi / 180)
}

// CellKey buckets a coordinate into a ~1 km cell by rounding to 0.01°.
// Profiles count frequent cells by this key.
func CellKey(lat, lng float64) string {
	return fmt.Sprintf("%.2f:%.2f", lat, lng)
}

// ParseCellKey recovers the cell coordinate from a CellKey. Returns
// false for keys not produced by CellKey.
func ParseCellKey(key string) (lat, lng float64, ok bool) {
	if _, err := fmt.Sscanf(key, "%f:%f", &lat, &lng); err != nil {
		return 0, 0, false
	}
	return lat, lng, true
}

// countryOffsets maps ISO country codes to a representative UTC offset
// in minutes. Stored in minutes so half-hour zones survive. Countries
// spanning many zones get their most populous zone; this table drives a
// coarse mismatch heuristic, not clock arithmetic.
var countryOffsets = map[string]int{
	"US": -5 * 60,
	"CA": -5 * 60,
	"BR": -3 * 60,
	"GB": 0,
	"IE": 0,
	"PT": 0,
	"FR": 60,
	"DE": 60,
	"ES": 60,
	"IT": 60,
	"NL": 60,
	"PL": 60,
	"ZA": 2 * 60,
	"EG": 2 * 60,
	"RU": 3 * 60,
	"TR": 3 * 60,
	"AE": 4 * 60,
	"IN": 5*60 + 30,
	"BD": 6 * 60,
	"TH": 7 * 60,
	"ID": 7 * 60,
	"CN": 8 * 60,
	"SG": 8 * 60,
	"HK": 8 * 60,
	"JP": 9 * 60,
	"KR": 9 * 60,
	"AU": 10 * 60,
	"NZ": 12 * 60,
	"MX": -6 * 60,
	"AR": -3 * 60,
	"CL": -4 * 60,
	"CO": -5 * 60,
	"NG": 60,
	"KE": 3 * 60,
}

// zoneOffsets maps common zone names to UTC offsets in minutes, for
// transactions that declare a named timezone.
var zoneOffsets = map[string]int{
	"UTC":                 0,
	"America/New_York":    -5 * 60,
	"America/Chicago":     -6 * 60,
	"America/Denver":      -7 * 60,
	"America/Los_Angeles": -8 * 60,
	"America/Toronto":     -5 * 60,
	"America/Sao_Paulo":   -3 * 60,
	"Europe/London":       0,
	"Europe/Paris":        60,
	"Europe/Berlin":       60,
	"Europe/Madrid":       60,
	"Europe/Moscow":       3 * 60,
	"Asia/Dubai":          4 * 60,
	"Asia/Kolkata":        5*60 + 30,
	"Asia/Bangkok":        7 * 60,
	"Asia/Shanghai":       8 * 60,
	"Asia/Singapore":      8 * 60,
	"Asia/Tokyo":          9 * 60,
	"Asia/Seoul":          9 * 60,
	"Australia/Sydney":    10 * 60,
	"Pacific/Auckland":    12 * 60,
}

// CountryOffsetMinutes returns the representative UTC offset for a
// country code, and whether the country is known.
func CountryOffsetMinutes(country string) (int, bool) {
	off, ok := countryOffsets[country]
	return off, ok
}

// ZoneOffsetMinutes returns the UTC offset for a named timezone, and
// whether the zone is known.
func ZoneOffsetMinutes(zone string) (int, bool) {
	off, ok := zoneOffsets[zone]
	return off, ok
}

// OffsetDiffHours returns the absolute difference between two UTC
// offsets, in hours.
func OffsetDiffHours(a, b int) float64 {
	d := a - b
	if d < 0 {
		d = -d
	}
	return float64(d) / 60
}
