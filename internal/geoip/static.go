// Package geoip resolves IP reputation for the network detector. The
// Static resolver answers out of configured tables; production
// deployments substitute a real intelligence feed behind the same
// interface.
package geoip

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// StaticConfig seeds the static resolver.
type StaticConfig struct {
	// Countries maps CIDR prefixes to ISO country codes.
	Countries map[string]string

	// ProxyRanges, VPNRanges, and TorRanges are CIDR prefixes flagged
	// as anonymization infrastructure.
	ProxyRanges []string
	VPNRanges   []string
	TorRanges   []string

	// ASNs maps CIDR prefixes to ASN numbers, and SuspiciousASNs marks
	// the ones with bad reputation.
	ASNs           map[string]int
	SuspiciousASNs []int
}

type prefixEntry[V any] struct {
	prefix netip.Prefix
	value  V
}

// Static resolves IP intelligence from in-memory prefix tables.
// Lookups never fail for a parseable address; unknown addresses
// resolve to an empty intel record.
type Static struct {
	mu        sync.RWMutex
	countries []prefixEntry[string]
	proxies   []netip.Prefix
	vpns      []netip.Prefix
	tors      []netip.Prefix
	asns      []prefixEntry[int]
	badASNs   map[int]struct{}
}

func NewStatic(cfg StaticConfig) (*Static, error) {
	s := &Static{badASNs: make(map[int]struct{})}

	for cidr, country := range cfg.Countries {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("geoip: country prefix %q: %w", cidr, err)
		}
		s.countries = append(s.countries, prefixEntry[string]{prefix: p, value: country})
	}
	var err error
	if s.proxies, err = parsePrefixes(cfg.ProxyRanges); err != nil {
		return nil, fmt.Errorf("geoip: proxy ranges: %w", err)
	}
	if s.vpns, err = parsePrefixes(cfg.VPNRanges); err != nil {
		return nil, fmt.Errorf("geoip: vpn ranges: %w", err)
	}
	if s.tors, err = parsePrefixes(cfg.TorRanges); err != nil {
		return nil, fmt.Errorf("geoip: tor ranges: %w", err)
	}
	for cidr, asn := range cfg.ASNs {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("geoip: asn prefix %q: %w", cidr, err)
		}
		s.asns = append(s.asns, prefixEntry[int]{prefix: p, value: asn})
	}
	for _, asn := range cfg.SuspiciousASNs {
		s.badASNs[asn] = struct{}{}
	}
	return s, nil
}

func parsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("prefix %q: %w", cidr, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Lookup resolves one address. Malformed addresses fail; unknown but
// valid addresses return empty intel.
func (s *Static) Lookup(ctx context.Context, ip string) (domain.IPIntel, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return domain.IPIntel{}, fmt.Errorf("geoip: parse address %q: %w", ip, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	intel := domain.IPIntel{IP: ip}
	for _, e := range s.countries {
		if e.prefix.Contains(addr) {
			intel.Country = e.value
			break
		}
	}
	intel.Proxy = containsAddr(s.proxies, addr)
	intel.VPN = containsAddr(s.vpns, addr)
	intel.Tor = containsAddr(s.tors, addr)
	for _, e := range s.asns {
		if e.prefix.Contains(addr) {
			intel.ASN = e.value
			_, intel.SuspiciousASN = s.badASNs[e.value]
			break
		}
	}
	return intel, nil
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
