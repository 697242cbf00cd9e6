package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestSQLiteRepository(t *testing.T) {
	// Create temp database file
	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetTransaction", func(t *testing.T) {
		tx := &domain.Transaction{
			ID:               "tx-001",
			UserID:           "user-001",
			Amount:           1000.00,
			Currency:         "USD",
			Timestamp:        time.Now().UTC(),
			MerchantID:       "merchant-001",
			MerchantCategory: "electronics",
			PaymentMethod:    "card",
			DeviceID:         "device-001",
			IPAddress:        "203.0.113.5",
			Location:         &domain.Location{Lat: 40.71, Lng: -74.0, Country: "US", City: "New York"},
			Metadata:         map[string]string{"source": "api"},
		}

		if err := repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}

		retrieved, err := repo.GetTransaction(ctx, tx.ID)
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}

		if retrieved.ID != tx.ID {
			t.Errorf("expected ID %s, got %s", tx.ID, retrieved.ID)
		}
		if retrieved.Amount != tx.Amount {
			t.Errorf("expected Amount %.2f, got %.2f", tx.Amount, retrieved.Amount)
		}
		if retrieved.Location == nil || retrieved.Location.Country != "US" {
			t.Errorf("expected location country US, got %+v", retrieved.Location)
		}
		if retrieved.Metadata["source"] != "api" {
			t.Errorf("expected metadata source=api, got %v", retrieved.Metadata)
		}
	})

	t.Run("SaveTransactionRequiresID", func(t *testing.T) {
		if err := repo.SaveTransaction(ctx, &domain.Transaction{UserID: "user-001"}); err == nil {
			t.Error("expected error for empty transaction id")
		}
	})

	t.Run("GetTransactionsByUser", func(t *testing.T) {
		tx2 := &domain.Transaction{
			ID:        "tx-002",
			UserID:    "user-001",
			Amount:    500.00,
			Currency:  "USD",
			Timestamp: time.Now().UTC(),
		}

		if err := repo.SaveTransaction(ctx, tx2); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}

		since := time.Now().Add(-1 * time.Hour)
		transactions, err := repo.GetTransactionsByUser(ctx, "user-001", since)
		if err != nil {
			t.Fatalf("GetTransactionsByUser failed: %v", err)
		}

		if len(transactions) != 2 {
			t.Errorf("expected 2 transactions, got %d", len(transactions))
		}

		// Cutoff excludes everything
		transactions, err = repo.GetTransactionsByUser(ctx, "user-001", time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("GetTransactionsByUser failed: %v", err)
		}
		if len(transactions) != 0 {
			t.Errorf("expected 0 transactions after cutoff, got %d", len(transactions))
		}
	})

	t.Run("SaveAndGetResult", func(t *testing.T) {
		result := &domain.FraudResult{
			TransactionID: "tx-001",
			RiskScore:     0.85,
			IsFraud:       true,
			Confidence:    0.75,
			DetectorScores: map[string]float64{
				"amount":   0.9,
				"velocity": 0.8,
			},
			TriggeredRules: []string{"amount", "velocity"},
			Reasons:        []string{"amount score 0.90 at or above threshold 0.90"},
			ProcessedAt:    time.Now().UTC(),
			ProcessingMs:   3,
		}

		if err := repo.SaveResult(ctx, result); err != nil {
			t.Fatalf("SaveResult failed: %v", err)
		}

		retrieved, err := repo.GetResult(ctx, "tx-001")
		if err != nil {
			t.Fatalf("GetResult failed: %v", err)
		}

		if retrieved.RiskScore != 0.85 {
			t.Errorf("expected RiskScore 0.85, got %.2f", retrieved.RiskScore)
		}
		if !retrieved.IsFraud {
			t.Error("expected IsFraud true")
		}
		if retrieved.DetectorScores["velocity"] != 0.8 {
			t.Errorf("expected velocity score 0.8, got %v", retrieved.DetectorScores["velocity"])
		}
		if len(retrieved.TriggeredRules) != 2 {
			t.Errorf("expected 2 triggered rules, got %d", len(retrieved.TriggeredRules))
		}
	})

	t.Run("SaveResultUpsert", func(t *testing.T) {
		result := &domain.FraudResult{
			TransactionID:  "tx-001",
			RiskScore:      0.40,
			IsFraud:        false,
			Confidence:     0.2,
			DetectorScores: map[string]float64{"amount": 0.4},
			ProcessedAt:    time.Now().UTC(),
		}

		if err := repo.SaveResult(ctx, result); err != nil {
			t.Fatalf("SaveResult upsert failed: %v", err)
		}

		retrieved, err := repo.GetResult(ctx, "tx-001")
		if err != nil {
			t.Fatalf("GetResult failed: %v", err)
		}
		if retrieved.RiskScore != 0.40 || retrieved.IsFraud {
			t.Errorf("expected updated result 0.40/false, got %.2f/%v", retrieved.RiskScore, retrieved.IsFraud)
		}
	})

	t.Run("ListFlagged", func(t *testing.T) {
		flagged := &domain.FraudResult{
			TransactionID:  "tx-flagged",
			RiskScore:      0.92,
			IsFraud:        true,
			Confidence:     1.0,
			DetectorScores: map[string]float64{"amount": 0.92},
			ProcessedAt:    time.Now().UTC(),
		}
		if err := repo.SaveResult(ctx, flagged); err != nil {
			t.Fatalf("SaveResult failed: %v", err)
		}

		results, err := repo.ListFlagged(ctx, time.Now().Add(-time.Hour), 10)
		if err != nil {
			t.Fatalf("ListFlagged failed: %v", err)
		}

		if len(results) != 1 {
			t.Fatalf("expected 1 flagged result, got %d", len(results))
		}
		if results[0].TransactionID != "tx-flagged" {
			t.Errorf("expected tx-flagged, got %s", results[0].TransactionID)
		}
	})

	t.Run("SaveAndGetRule", func(t *testing.T) {
		rule := &domain.DetectionRule{
			Name:      "amount",
			Weight:    1.0,
			Threshold: 0.9,
			Enabled:   true,
			Params: domain.Params{
				"suspiciousThreshold": 2000.0,
			},
		}

		if err := repo.SaveRule(ctx, rule); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		retrieved, err := repo.GetRule(ctx, "amount")
		if err != nil {
			t.Fatalf("GetRule failed: %v", err)
		}

		if retrieved.Threshold != 0.9 {
			t.Errorf("expected threshold 0.9, got %v", retrieved.Threshold)
		}
		if !retrieved.Enabled {
			t.Error("expected rule enabled")
		}
		if v, ok := retrieved.Params.Float("suspiciousThreshold"); !ok || v != 2000.0 {
			t.Errorf("expected suspiciousThreshold 2000, got %v (%v)", v, ok)
		}
	})

	t.Run("RuleUpsert", func(t *testing.T) {
		rule := &domain.DetectionRule{
			Name:      "amount",
			Weight:    1.0,
			Threshold: 0.8,
			Enabled:   false,
		}

		if err := repo.SaveRule(ctx, rule); err != nil {
			t.Fatalf("SaveRule upsert failed: %v", err)
		}

		retrieved, err := repo.GetRule(ctx, "amount")
		if err != nil {
			t.Fatalf("GetRule failed: %v", err)
		}
		if retrieved.Threshold != 0.8 || retrieved.Enabled {
			t.Errorf("expected updated rule 0.8/disabled, got %v/%v", retrieved.Threshold, retrieved.Enabled)
		}
	})

	t.Run("ListRules", func(t *testing.T) {
		velocity := &domain.DetectionRule{
			Name:      "velocity",
			Weight:    1.0,
			Threshold: 0.8,
			Enabled:   true,
		}
		if err := repo.SaveRule(ctx, velocity); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		rules, err := repo.ListRules(ctx)
		if err != nil {
			t.Fatalf("ListRules failed: %v", err)
		}
		if len(rules) != 2 {
			t.Errorf("expected 2 rules, got %d", len(rules))
		}
		// Ordered by name
		if rules[0].Name != "amount" || rules[1].Name != "velocity" {
			t.Errorf("unexpected order: %s, %s", rules[0].Name, rules[1].Name)
		}
	})

	t.Run("InvalidRuleRejected", func(t *testing.T) {
		bad := &domain.DetectionRule{Name: "amount", Weight: 1.0, Threshold: 1.5}
		if err := repo.SaveRule(ctx, bad); err == nil {
			t.Error("expected error for out-of-range threshold")
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetTransaction(ctx, "nonexistent"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if _, err := repo.GetResult(ctx, "nonexistent"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if _, err := repo.GetRule(ctx, "nonexistent"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
