package detector

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func behaviorTx(userID string, amount float64, at time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:            "tx",
		UserID:        userID,
		Amount:        amount,
		Currency:      "USD",
		Timestamp:     at,
		Location:      &domain.Location{Lat: 40.71, Lng: -74.00, Country: "US"},
		DeviceID:      "dev-1",
		MerchantID:    "m-1",
		PaymentMethod: "card",
	}
}

func TestBehavioralFirstTransaction(t *testing.T) {
	d := NewBehavioralDetector(DefaultBehavioralConfig())
	at := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	score, err := d.Score(context.Background(), behaviorTx("u1", 100, at), nil)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score != 0 {
		t.Errorf("expected 0 with no history, got %v", score)
	}
}

func TestBehavioralRoutineTransaction(t *testing.T) {
	d := NewBehavioralDetector(DefaultBehavioralConfig())
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	amounts := []float64{95, 100, 105, 98, 102, 97, 103, 100, 99, 101}
	for i, a := range amounts {
		d.Score(ctx, behaviorTx("u1", a, at.Add(time.Duration(i)*24*time.Hour)), nil)
	}
	// Same amount range, hour, location, device, merchant, and payment
	// method as always.
	score, _ := d.Score(ctx, behaviorTx("u1", 100, at.Add(10*24*time.Hour)), nil)
	if score > 0.2 {
		t.Errorf("expected low score for routine transaction, got %v", score)
	}
}

func TestBehavioralEverythingChanges(t *testing.T) {
	d := NewBehavioralDetector(DefaultBehavioralConfig())
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		d.Score(ctx, behaviorTx("u1", 100, at.Add(time.Duration(i)*24*time.Hour)), nil)
	}

	odd := behaviorTx("u1", 5000, at.Add(10*24*time.Hour).Add(13*time.Hour))
	odd.Location = &domain.Location{Lat: 55.75, Lng: 37.61, Country: "RU"}
	odd.DeviceID = "dev-99"
	odd.MerchantID = "m-99"
	odd.PaymentMethod = "crypto"
	score, _ := d.Score(ctx, odd, nil)
	if score < 0.6 {
		t.Errorf("expected high score when every dimension shifts, got %v", score)
	}
}

func TestBehavioralConsistencyDampensRoutine(t *testing.T) {
	cfg := DefaultBehavioralConfig()
	cfg.Adaptive = false
	plain := NewBehavioralDetector(cfg)
	adaptive := NewBehavioralDetector(DefaultBehavioralConfig())
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	// Very steady spender: consistency above 0.7 shrinks the adaptive
	// score relative to the plain one.
	for i := 0; i < 10; i++ {
		tx := behaviorTx("u1", 100+float64(i%3), at.Add(time.Duration(i)*24*time.Hour))
		plain.Score(ctx, tx, nil)
		adaptive.Score(ctx, tx, nil)
	}
	shift := behaviorTx("u1", 140, at.Add(10*24*time.Hour))
	shift.MerchantID = "m-2"
	plainScore, _ := plain.Score(ctx, shift, nil)
	shift2 := behaviorTx("u1", 140, at.Add(10*24*time.Hour))
	shift2.MerchantID = "m-2"
	adaptiveScore, _ := adaptive.Score(ctx, shift2, nil)

	if adaptiveScore >= plainScore {
		t.Errorf("expected adaptive score %v below plain score %v for steady spender",
			adaptiveScore, plainScore)
	}
}

func TestBehavioralUsersIndependent(t *testing.T) {
	d := NewBehavioralDetector(DefaultBehavioralConfig())
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		d.Score(ctx, behaviorTx("u1", 100, at.Add(time.Duration(i)*24*time.Hour)), nil)
	}
	score, _ := d.Score(ctx, behaviorTx("u2", 5000, at), nil)
	if score != 0 {
		t.Errorf("expected 0 for another user's first transaction, got %v", score)
	}
}

func TestBehavioralConfigureUnknownKey(t *testing.T) {
	d := NewBehavioralDetector(DefaultBehavioralConfig())

	if err := d.Configure(domain.Params{"patternWindowDays": 30}); err == nil {
		t.Error("expected error for unknown key")
	}
}
