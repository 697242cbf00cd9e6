package detector

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func timeTx(userID string, at time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:        "tx",
		UserID:    userID,
		Amount:    50,
		Currency:  "USD",
		Timestamp: at,
	}
}

func TestTimeQuietWeekdayAfternoon(t *testing.T) {
	d := NewTimeDetector(DefaultTimeConfig())

	// Wednesday 14:00, no history: only the first-transaction nudge.
	at := time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC)
	score, err := d.Score(context.Background(), timeTx("u1", at), nil)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if math.Abs(score-0.1) > 1e-9 {
		t.Errorf("expected 0.1, got %v", score)
	}
}

func TestTimeSuspiciousHour(t *testing.T) {
	d := NewTimeDetector(DefaultTimeConfig())

	// Wednesday 03:00: suspicious hour plus first-transaction nudge.
	at := time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC)
	score, _ := d.Score(context.Background(), timeTx("u1", at), nil)
	if math.Abs(score-0.5) > 1e-9 {
		t.Errorf("expected 0.5, got %v", score)
	}
}

func TestTimeWeekend(t *testing.T) {
	d := NewTimeDetector(DefaultTimeConfig())

	// Saturday 14:00: 0.2 * 1.2 weekend plus 0.1 first transaction.
	at := time.Date(2026, 3, 14, 14, 0, 0, 0, time.UTC)
	score, _ := d.Score(context.Background(), timeTx("u1", at), nil)
	if math.Abs(score-0.34) > 1e-9 {
		t.Errorf("expected 0.34, got %v", score)
	}
}

func TestTimeHoliday(t *testing.T) {
	d := NewTimeDetector(DefaultTimeConfig())

	// New Year's Day 2026 falls on a Thursday.
	at := time.Date(2026, 1, 1, 14, 0, 0, 0, time.UTC)
	score, _ := d.Score(context.Background(), timeTx("u1", at), nil)
	// 0.3*1.5 holiday + 0.1 first transaction.
	if math.Abs(score-0.55) > 1e-9 {
		t.Errorf("expected 0.55, got %v", score)
	}
}

func TestTimeCustomHoliday(t *testing.T) {
	d := NewTimeDetector(DefaultTimeConfig())
	if err := d.Configure(domain.Params{"customHolidays": []string{"03-11"}}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	at := time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC)
	score, _ := d.Score(context.Background(), timeTx("u1", at), nil)
	if math.Abs(score-0.55) > 1e-9 {
		t.Errorf("expected 0.55 for custom holiday, got %v", score)
	}
}

func TestTimeFamiliarPattern(t *testing.T) {
	d := NewTimeDetector(DefaultTimeConfig())
	ctx := context.Background()

	// Same weekday and hour, week after week: the pair becomes the
	// user's dominant pattern and rarity drops to zero.
	at := time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		d.Score(ctx, timeTx("u1", at.Add(time.Duration(i)*7*24*time.Hour)), nil)
	}
	score, _ := d.Score(ctx, timeTx("u1", at.Add(10*7*24*time.Hour)), nil)
	if score != 0 {
		t.Errorf("expected 0 for established pattern, got %v", score)
	}
}

func TestTimeUnusualHourForUser(t *testing.T) {
	d := NewTimeDetector(DefaultTimeConfig())
	ctx := context.Background()

	at := time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		d.Score(ctx, timeTx("u1", at.Add(time.Duration(i)*7*24*time.Hour)), nil)
	}
	// Same weekday at 18:00 has zero historical frequency.
	unusual := time.Date(2026, 3, 11, 18, 0, 0, 0, time.UTC)
	score, _ := d.Score(ctx, timeTx("u1", unusual), nil)
	if math.Abs(score-0.3) > 1e-9 {
		t.Errorf("expected 0.3 rare-pair score, got %v", score)
	}
}

func TestTimeTimezoneMismatch(t *testing.T) {
	d := NewTimeDetector(DefaultTimeConfig())

	tx := timeTx("u1", time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC))
	tx.Location = &domain.Location{Lat: 40.7, Lng: -74.0, Country: "US"}
	tx.Metadata = map[string]string{domain.MetaTimezone: "Asia/Tokyo"}

	score, _ := d.Score(context.Background(), tx, nil)
	// Tokyo vs US eastern is a 14-hour spread: mismatch 0.4 plus the
	// first-transaction nudge.
	if math.Abs(score-0.5) > 1e-9 {
		t.Errorf("expected 0.5 with timezone mismatch, got %v", score)
	}
}

func TestTimeConfigureValidation(t *testing.T) {
	d := NewTimeDetector(DefaultTimeConfig())

	if err := d.Configure(domain.Params{"suspiciousHours": []int{25}}); err == nil {
		t.Error("expected error for hour out of range")
	}
	if err := d.Configure(domain.Params{"customHolidays": []string{"13-40"}}); err == nil {
		t.Error("expected error for malformed holiday")
	}
	if err := d.Configure(domain.Params{"weekendBoost": 2.0}); err == nil {
		t.Error("expected error for unknown key")
	}
}
