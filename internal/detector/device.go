package detector

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DeviceConfig tunes the device detector.
type DeviceConfig struct {
	Fingerprinting    bool
	NewDeviceBaseRisk float64
	NewDeviceMult     float64
	MaxDevicesRisk    float64
	MaxDevicesPerUser int
	SharingUserLimit  int
	VelocityWindow    time.Duration
	VelocityThreshold float64 // transactions per minute
}

// DefaultDeviceConfig returns the community defaults.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Fingerprinting:    true,
		NewDeviceBaseRisk: 0.3,
		NewDeviceMult:     1.5,
		MaxDevicesRisk:    0.6,
		MaxDevicesPerUser: 5,
		SharingUserLimit:  2,
		VelocityWindow:    time.Hour,
		VelocityThreshold: 5,
	}
}

type deviceFingerprint struct {
	userAgent  string
	ip         string
	resolution string
	timezone   string
	firstSeen  time.Time
	lastSeen   time.Time
	txCount    int
}

// DeviceDetector flags unknown devices, fingerprint drift, device
// sharing, and per-device transaction bursts. Devices are the locked
// entity; the user-device index has its own lock and tolerates being
// a step behind the fingerprint store.
type DeviceDetector struct {
	base
	cfg     DeviceConfig
	devices *profileStore[deviceFingerprint]

	idxMu       sync.RWMutex
	userDevices map[string]map[string]struct{}
	deviceUsers map[string]map[string]struct{}
}

func NewDeviceDetector(cfg DeviceConfig) *DeviceDetector {
	return &DeviceDetector{
		base:        newBase(domain.DetectorDevice, 0.8),
		cfg:         cfg,
		devices:     newProfileStore(func() *deviceFingerprint { return &deviceFingerprint{} }),
		userDevices: make(map[string]map[string]struct{}),
		deviceUsers: make(map[string]map[string]struct{}),
	}
}

func (d *DeviceDetector) Score(ctx context.Context, tx *domain.Transaction, rule *domain.DetectionRule) (float64, error) {
	if !d.Enabled() {
		return 0, nil
	}

	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()

	deviceID := tx.DeviceID
	if deviceID == "" {
		if !cfg.Fingerprinting || (tx.UserAgent == "" && tx.IPAddress == "") {
			return 0, nil
		}
		deviceID = deriveDeviceID(tx)
	}

	current := deviceFingerprint{
		userAgent:  tx.UserAgent,
		ip:         tx.IPAddress,
		resolution: tx.Metadata[domain.MetaScreenResolution],
		timezone:   tx.Metadata[domain.MetaTimezone],
	}

	knownDevices, sharingUsers := d.indexCounts(tx.UserID, deviceID)

	score := 0.0
	d.devices.visit(deviceID, tx.Timestamp, func(fp *deviceFingerprint) {
		if fp.txCount == 0 {
			if knownDevices >= cfg.MaxDevicesPerUser {
				score += cfg.MaxDevicesRisk
			} else {
				score += cfg.NewDeviceBaseRisk * cfg.NewDeviceMult
			}
			fp.firstSeen = tx.Timestamp
		} else {
			score += fingerprintDrift(fp, &current, tx.Timestamp)
		}

		score += deviceVelocityRisk(cfg, fp, tx.Timestamp)

		fp.userAgent = current.userAgent
		fp.ip = current.ip
		fp.resolution = current.resolution
		fp.timezone = current.timezone
		fp.lastSeen = tx.Timestamp
		fp.txCount++
	})

	score += sharingRisk(cfg, sharingUsers)
	d.indexAdd(tx.UserID, deviceID)

	return clamp(score), nil
}

// deriveDeviceID hashes the stable request attributes into a synthetic
// device id when the client did not send one.
func deriveDeviceID(tx *domain.Transaction) string {
	h := fnv.New64a()
	h.Write([]byte(tx.UserAgent))
	h.Write([]byte{'|'})
	h.Write([]byte(tx.IPAddress))
	h.Write([]byte{'|'})
	h.Write([]byte(tx.Metadata[domain.MetaScreenResolution]))
	return fmt.Sprintf("fp-%016x", h.Sum64())
}

// fingerprintDrift compares the stored fingerprint with the incoming
// one, plus a rapid-reuse penalty. Capped at 0.8.
func fingerprintDrift(stored, current *deviceFingerprint, at time.Time) float64 {
	risk := 0.0
	if stored.userAgent != "" && current.userAgent != "" && stored.userAgent != current.userAgent {
		risk += 0.3
	}
	if stored.ip != "" && current.ip != "" && stored.ip != current.ip {
		risk += 0.2
	}
	if stored.resolution != "" && current.resolution != "" && stored.resolution != current.resolution {
		risk += 0.1
	}
	if stored.timezone != "" && current.timezone != "" && stored.timezone != current.timezone {
		risk += 0.1
	}
	if !stored.lastSeen.IsZero() && at.Sub(stored.lastSeen) < time.Minute {
		risk += 0.2
	}
	if risk > 0.8 {
		return 0.8
	}
	return risk
}

// deviceVelocityRisk flags a device transacting faster than the
// configured per-minute rate within the window.
func deviceVelocityRisk(cfg DeviceConfig, fp *deviceFingerprint, at time.Time) float64 {
	if fp.txCount == 0 || fp.firstSeen.IsZero() {
		return 0
	}
	age := at.Sub(fp.firstSeen)
	if age <= 0 || age >= cfg.VelocityWindow {
		return 0
	}
	perMinute := float64(fp.txCount) / age.Minutes()
	if perMinute > cfg.VelocityThreshold {
		return 0.4
	}
	return 0
}

// sharingRisk penalizes devices shared across too many users, with a
// higher tier when the user count doubles the limit.
func sharingRisk(cfg DeviceConfig, users int) float64 {
	if users <= cfg.SharingUserLimit {
		return 0
	}
	if users >= 2*cfg.SharingUserLimit {
		return 0.5
	}
	return 0.3
}

func (d *DeviceDetector) indexCounts(userID, deviceID string) (devices, users int) {
	d.idxMu.RLock()
	defer d.idxMu.RUnlock()
	return len(d.userDevices[userID]), len(d.deviceUsers[deviceID])
}

func (d *DeviceDetector) indexAdd(userID, deviceID string) {
	d.idxMu.Lock()
	defer d.idxMu.Unlock()
	if d.userDevices[userID] == nil {
		d.userDevices[userID] = make(map[string]struct{})
	}
	d.userDevices[userID][deviceID] = struct{}{}
	if d.deviceUsers[deviceID] == nil {
		d.deviceUsers[deviceID] = make(map[string]struct{})
	}
	d.deviceUsers[deviceID][userID] = struct{}{}
}

func (d *DeviceDetector) Configure(params domain.Params) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range params {
		switch key {
		case "fingerprinting", "newDeviceBaseRisk", "newDeviceMultiplier",
			"maxDevicesRisk", "maxDevicesPerUser", "sharingUserLimit",
			"velocityWindowMinutes", "velocityThreshold":
		default:
			return unknownKey(domain.DetectorDevice, key)
		}
	}
	if v, ok := params.Bool("fingerprinting"); ok {
		d.cfg.Fingerprinting = v
	}
	if v, ok := params.Float("newDeviceBaseRisk"); ok {
		if v < 0 || v > 1 {
			return fmt.Errorf("device: newDeviceBaseRisk must be in [0,1], got %v", v)
		}
		d.cfg.NewDeviceBaseRisk = v
	}
	if v, ok := params.Float("newDeviceMultiplier"); ok {
		if v < 0 {
			return fmt.Errorf("device: newDeviceMultiplier must be non-negative, got %v", v)
		}
		d.cfg.NewDeviceMult = v
	}
	if v, ok := params.Float("maxDevicesRisk"); ok {
		if v < 0 || v > 1 {
			return fmt.Errorf("device: maxDevicesRisk must be in [0,1], got %v", v)
		}
		d.cfg.MaxDevicesRisk = v
	}
	if v, ok := params.Int("maxDevicesPerUser"); ok {
		if v < 1 {
			return fmt.Errorf("device: maxDevicesPerUser must be at least 1, got %d", v)
		}
		d.cfg.MaxDevicesPerUser = v
	}
	if v, ok := params.Int("sharingUserLimit"); ok {
		if v < 1 {
			return fmt.Errorf("device: sharingUserLimit must be at least 1, got %d", v)
		}
		d.cfg.SharingUserLimit = v
	}
	if v, ok := params.Int("velocityWindowMinutes"); ok {
		if v < 1 {
			return fmt.Errorf("device: velocityWindowMinutes must be at least 1, got %d", v)
		}
		d.cfg.VelocityWindow = time.Duration(v) * time.Minute
	}
	if v, ok := params.Float("velocityThreshold"); ok {
		if v <= 0 {
			return fmt.Errorf("device: velocityThreshold must be positive, got %v", v)
		}
		d.cfg.VelocityThreshold = v
	}
	return nil
}

func (d *DeviceDetector) Reset() error {
	d.devices.reset()
	d.idxMu.Lock()
	d.userDevices = make(map[string]map[string]struct{})
	d.deviceUsers = make(map[string]map[string]struct{})
	d.idxMu.Unlock()
	return nil
}

func (d *DeviceDetector) Sweep(cutoff time.Time) int {
	var gone []string
	removed := d.devices.sweepWith(cutoff, func(id string) {
		gone = append(gone, id)
	})
	if len(gone) == 0 {
		return removed
	}

	// Evicted devices leave the user-device index too, so the
	// sharing counts do not drift upward forever.
	d.idxMu.Lock()
	for _, dev := range gone {
		for user := range d.deviceUsers[dev] {
			delete(d.userDevices[user], dev)
			if len(d.userDevices[user]) == 0 {
				delete(d.userDevices, user)
			}
		}
		delete(d.deviceUsers, dev)
	}
	d.idxMu.Unlock()
	return removed
}

func (d *DeviceDetector) Stats() map[string]any {
	s := d.baseStats()
	s["devices"] = d.devices.len()
	d.idxMu.RLock()
	s["users"] = len(d.userDevices)
	d.idxMu.RUnlock()
	return s
}
