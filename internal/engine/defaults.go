package engine

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultRegistry builds a registry with every stock detector on its
// default configuration. The resolver backs the network detector;
// passing nil leaves the network detector out.
func DefaultRegistry(resolver domain.IPResolver) (*Registry, error) {
	r := NewRegistry()
	r.Register(detector.NewAmountDetector(detector.DefaultAmountConfig()))
	r.Register(detector.NewVelocityDetector(detector.DefaultVelocityConfig()))
	r.Register(detector.NewTimeDetector(detector.DefaultTimeConfig()))
	r.Register(detector.NewLocationDetector(detector.DefaultLocationConfig()))
	r.Register(detector.NewDeviceDetector(detector.DefaultDeviceConfig()))
	r.Register(detector.NewMerchantDetector(detector.DefaultMerchantConfig()))
	r.Register(detector.NewBehavioralDetector(detector.DefaultBehavioralConfig()))
	if resolver != nil {
		r.Register(detector.NewNetworkDetector(detector.DefaultNetworkConfig(), resolver))
	}
	custom, err := detector.NewCustomDetector()
	if err != nil {
		return nil, fmt.Errorf("build custom detector: %w", err)
	}
	// The custom slot stays registered but inert until an expression
	// is configured.
	r.Register(custom)
	return r, nil
}
