package detector

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func deviceTx(userID, deviceID string, at time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:        "tx",
		UserID:    userID,
		Amount:    50,
		Currency:  "USD",
		Timestamp: at,
		DeviceID:  deviceID,
		UserAgent: "Mozilla/5.0",
		IPAddress: "203.0.113.10",
	}
}

func TestDeviceNewDevice(t *testing.T) {
	d := NewDeviceDetector(DefaultDeviceConfig())
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	score, err := d.Score(context.Background(), deviceTx("u1", "dev-1", at), nil)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	// 0.3 base * 1.5 multiplier.
	if math.Abs(score-0.45) > 1e-9 {
		t.Errorf("expected 0.45 for new device, got %v", score)
	}
}

func TestDeviceKnownDeviceIsQuiet(t *testing.T) {
	d := NewDeviceDetector(DefaultDeviceConfig())
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	d.Score(ctx, deviceTx("u1", "dev-1", at), nil)
	score, _ := d.Score(ctx, deviceTx("u1", "dev-1", at.Add(time.Hour)), nil)
	if score != 0 {
		t.Errorf("expected 0 for stable known device, got %v", score)
	}
}

func TestDeviceTooManyDevices(t *testing.T) {
	d := NewDeviceDetector(DefaultDeviceConfig())
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		d.Score(ctx, deviceTx("u1", fmt.Sprintf("dev-%d", i), at.Add(time.Duration(i)*time.Hour)), nil)
	}
	score, _ := d.Score(ctx, deviceTx("u1", "dev-5", at.Add(6*time.Hour)), nil)
	if math.Abs(score-0.6) > 1e-9 {
		t.Errorf("expected escalated 0.6 past max devices, got %v", score)
	}
}

func TestDeviceFingerprintDrift(t *testing.T) {
	d := NewDeviceDetector(DefaultDeviceConfig())
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	d.Score(ctx, deviceTx("u1", "dev-1", at), nil)

	drifted := deviceTx("u1", "dev-1", at.Add(time.Hour))
	drifted.UserAgent = "curl/8.0"
	drifted.IPAddress = "198.51.100.7"
	score, _ := d.Score(ctx, drifted, nil)
	// User agent 0.3 + IP 0.2.
	if math.Abs(score-0.5) > 1e-9 {
		t.Errorf("expected 0.5 drift score, got %v", score)
	}
}

func TestDeviceRapidReuse(t *testing.T) {
	d := NewDeviceDetector(DefaultDeviceConfig())
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	d.Score(ctx, deviceTx("u1", "dev-1", at), nil)
	score, _ := d.Score(ctx, deviceTx("u1", "dev-1", at.Add(30*time.Second)), nil)
	if math.Abs(score-0.2) > 1e-9 {
		t.Errorf("expected 0.2 rapid-reuse score, got %v", score)
	}
}

func TestDeviceSharingTiers(t *testing.T) {
	d := NewDeviceDetector(DefaultDeviceConfig())
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// Users pile onto one device an hour apart, avoiding the
	// rapid-reuse and velocity penalties.
	for i := 0; i < 3; i++ {
		d.Score(ctx, deviceTx(fmt.Sprintf("u%d", i), "shared", at.Add(time.Duration(i)*time.Hour)), nil)
	}
	// Fourth user: three existing users exceed the limit of two.
	score, _ := d.Score(ctx, deviceTx("u3", "shared", at.Add(3*time.Hour)), nil)
	if math.Abs(score-0.3) > 1e-9 {
		t.Errorf("expected moderate sharing tier 0.3, got %v", score)
	}
	// Sixth user: five existing users, at least double the limit.
	d.Score(ctx, deviceTx("u4", "shared", at.Add(4*time.Hour)), nil)
	score, _ = d.Score(ctx, deviceTx("u5", "shared", at.Add(5*time.Hour)), nil)
	if math.Abs(score-0.5) > 1e-9 {
		t.Errorf("expected high sharing tier 0.5, got %v", score)
	}
}

func TestDeviceDerivedIDStable(t *testing.T) {
	tx1 := deviceTx("u1", "", time.Now())
	tx1.Metadata = map[string]string{domain.MetaScreenResolution: "1920x1080"}
	tx2 := deviceTx("u2", "", time.Now())
	tx2.Metadata = map[string]string{domain.MetaScreenResolution: "1920x1080"}

	if deriveDeviceID(tx1) != deriveDeviceID(tx2) {
		t.Error("identical attributes should derive the same device id")
	}

	tx2.UserAgent = "curl/8.0"
	if deriveDeviceID(tx1) == deriveDeviceID(tx2) {
		t.Error("different user agents should derive different device ids")
	}
}

func TestDeviceNoDataScoresZero(t *testing.T) {
	d := NewDeviceDetector(DefaultDeviceConfig())
	tx := &domain.Transaction{ID: "tx", UserID: "u1", Amount: 50, Timestamp: time.Now()}

	score, err := d.Score(context.Background(), tx, nil)
	if err != nil || score != 0 {
		t.Errorf("expected 0 without device data, got %v err %v", score, err)
	}
}

func TestDeviceVelocityBurst(t *testing.T) {
	d := NewDeviceDetector(DefaultDeviceConfig())
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// Many transactions in the first minutes of the device's life push
	// its per-minute rate over the threshold.
	var score float64
	for i := 0; i < 30; i++ {
		score, _ = d.Score(ctx, deviceTx("u1", "hot", at.Add(time.Duration(i)*2*time.Second)), nil)
	}
	// Last call: 29 prior transactions in under a minute, plus the
	// rapid-reuse penalty.
	if score < 0.4 {
		t.Errorf("expected velocity penalty in score, got %v", score)
	}
}

func TestDeviceConfigureValidation(t *testing.T) {
	d := NewDeviceDetector(DefaultDeviceConfig())

	if err := d.Configure(domain.Params{"maxDevicesPerUser": 0}); err == nil {
		t.Error("expected error for maxDevicesPerUser 0")
	}
	if err := d.Configure(domain.Params{"fingerprint": true}); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestDeviceSweepClearsIndexes(t *testing.T) {
	d := NewDeviceDetector(DefaultDeviceConfig())
	ctx := context.Background()
	old := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	d.Score(ctx, deviceTx("u1", "dev-old", old), nil)
	d.Score(ctx, deviceTx("u2", "dev-old", old.Add(time.Minute)), nil)
	d.Score(ctx, deviceTx("u1", "dev-new", old.Add(48*time.Hour)), nil)

	removed := d.Sweep(old.Add(24 * time.Hour))
	if removed != 1 {
		t.Fatalf("expected 1 device swept, got %d", removed)
	}

	s := d.Stats()
	if s["devices"] != 1 {
		t.Errorf("expected 1 device after sweep, got %v", s["devices"])
	}
	// u2 only ever used the evicted device; only u1 remains indexed.
	if s["users"] != 1 {
		t.Errorf("expected 1 indexed user after sweep, got %v", s["users"])
	}
}
