package domain

import (
	"context"
)

// IPIntel is the intelligence a resolver returns for one IP address.
// The engine resolves it synchronously before scoring begins; detectors
// never await a lookup mid-pass.
type IPIntel struct {
	IP      string `json:"ip"`
	Country string `json:"country,omitempty"`
	ASN     int    `json:"asn,omitempty"`
	ISP     string `json:"isp,omitempty"`

	Proxy bool `json:"proxy"`
	VPN   bool `json:"vpn"`
	Tor   bool `json:"tor"`

	// SuspiciousASN marks networks with poor reputation.
	SuspiciousASN bool `json:"suspiciousAsn"`
}

// IPResolver looks up intelligence for an IP address. Implementations
// wrap a GeoIP/reputation provider; the static resolver in
// internal/geoip serves development and tests.
type IPResolver interface {
	Lookup(ctx context.Context, ip string) (IPIntel, error)
}
