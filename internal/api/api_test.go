package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// createTestServer creates a server with an in-memory engine, channel
// bus, and result cache. No repository.
func createTestServer(t *testing.T, apiKey string) *Server {
	t.Helper()

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	registry, err := engine.DefaultRegistry(nil)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	eng, err := engine.NewEngine(domain.EngineConfig{
		GlobalThreshold: 0.7,
		MaxWorkers:      4,
	}, registry, eventBus, nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	results := cache.NewResultCache(cache.NewLRUCache(100), time.Minute)

	return NewServer(cfg, nil, results, eventBus, eng, "test-v1", apiKey)
}

func scoreBody(txID string) []byte {
	tx := domain.Transaction{
		ID:        txID,
		UserID:    "user-001",
		Amount:    42.50,
		Currency:  "USD",
		Timestamp: time.Date(2025, 6, 11, 14, 0, 0, 0, time.UTC),
	}
	body, _ := json.Marshal(tx)
	return body
}

func TestScoreEndpoint(t *testing.T) {
	server := createTestServer(t, "")

	t.Run("SuccessfulScore", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/score", bytes.NewBuffer(scoreBody("tx-score-001")))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp ScoreResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if resp.TransactionID != "tx-score-001" {
			t.Errorf("expected transactionId tx-score-001, got %s", resp.TransactionID)
		}
		if resp.IsFraud {
			t.Error("small first transaction should not be flagged")
		}
		if resp.Version != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp.Version)
		}
		if resp.RiskBand == "" {
			t.Error("expected riskBand in response")
		}
		if len(resp.DetectorScores) == 0 {
			t.Error("expected detector scores in response")
		}
	})

	t.Run("CachedOnResubmit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/score", bytes.NewBuffer(scoreBody("tx-score-001")))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp ScoreResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if !resp.Cached {
			t.Error("expected cached result on resubmission")
		}
	})

	t.Run("GeneratesID", func(t *testing.T) {
		body, _ := json.Marshal(domain.Transaction{
			UserID: "user-002",
			Amount: 10.00,
		})
		req := httptest.NewRequest(http.MethodPost, "/score", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp ScoreResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.TransactionID == "" {
			t.Error("expected generated transaction id")
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/score", bytes.NewBufferString("not-json"))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("RejectsNonPositiveAmount", func(t *testing.T) {
		body, _ := json.Marshal(domain.Transaction{
			ID:     "tx-bad",
			UserID: "user-001",
			Amount: -5,
		})
		req := httptest.NewRequest(http.MethodPost, "/score", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})
}

func TestScoreAsyncEndpoint(t *testing.T) {
	server := createTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/score/async", bytes.NewBuffer(scoreBody("tx-async-001")))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp map[string]string
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["transactionId"] != "tx-async-001" {
		t.Errorf("expected transactionId tx-async-001, got %s", resp["transactionId"])
	}
	if resp["status"] != "queued" {
		t.Errorf("expected status queued, got %s", resp["status"])
	}
}

func TestGetResultEndpoint(t *testing.T) {
	server := createTestServer(t, "")

	// Score first so the result is cached
	req := httptest.NewRequest(http.MethodPost, "/score", bytes.NewBuffer(scoreBody("tx-result-001")))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("score failed: %d", rr.Code)
	}

	t.Run("Found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/results/tx-result-001", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var result domain.FraudResult
		if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if result.TransactionID != "tx-result-001" {
			t.Errorf("expected tx-result-001, got %s", result.TransactionID)
		}
	})

	t.Run("NotFoundWithoutRepository", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/results/nonexistent", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		// No repository configured: cache miss falls through to 503
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	server := createTestServer(t, "")

	t.Run("ListRules", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/rules", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Rules           []detectorState `json:"rules"`
			Count           int             `json:"count"`
			GlobalThreshold float64         `json:"globalThreshold"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count < 8 {
			t.Errorf("expected at least 8 detectors, got %d", resp.Count)
		}
		if resp.GlobalThreshold != 0.7 {
			t.Errorf("expected global threshold 0.7, got %v", resp.GlobalThreshold)
		}
	})

	t.Run("ApplyRule", func(t *testing.T) {
		rule := domain.DetectionRule{
			Name:      "amount",
			Weight:    1.0,
			Threshold: 0.85,
			Enabled:   true,
		}
		body, _ := json.Marshal(rule)

		req := httptest.NewRequest(http.MethodPost, "/rules", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("ApplyRuleUnknownDetector", func(t *testing.T) {
		rule := domain.DetectionRule{
			Name:      "nonexistent",
			Weight:    1.0,
			Threshold: 0.5,
			Enabled:   true,
		}
		body, _ := json.Marshal(rule)

		req := httptest.NewRequest(http.MethodPost, "/rules", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("DisableAndEnable", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/rules/velocity/disable", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("disable: expected status 200, got %d", rr.Code)
		}

		req = httptest.NewRequest(http.MethodPost, "/rules/velocity/enable", nil)
		rr = httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("enable: expected status 200, got %d", rr.Code)
		}
	})

	t.Run("ToggleUnknownDetector", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/rules/nonexistent/disable", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("SetRuleThreshold", func(t *testing.T) {
		body := bytes.NewBufferString(`{"threshold":0.65}`)
		req := httptest.NewRequest(http.MethodPut, "/rules/amount/threshold", body)
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("SetRuleThresholdOutOfRange", func(t *testing.T) {
		body := bytes.NewBufferString(`{"threshold":1.5}`)
		req := httptest.NewRequest(http.MethodPut, "/rules/amount/threshold", body)
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("SetGlobalThreshold", func(t *testing.T) {
		body := bytes.NewBufferString(`{"threshold":0.8}`)
		req := httptest.NewRequest(http.MethodPut, "/threshold", body)
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})
}

func TestFeedbackEndpoint(t *testing.T) {
	server := createTestServer(t, "")

	t.Run("FalsePositive", func(t *testing.T) {
		body := bytes.NewBufferString(`{"transactionId":"tx-001","verdict":"false_positive"}`)
		req := httptest.NewRequest(http.MethodPost, "/feedback", body)
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("UnknownVerdict", func(t *testing.T) {
		body := bytes.NewBufferString(`{"transactionId":"tx-001","verdict":"maybe"}`)
		req := httptest.NewRequest(http.MethodPost, "/feedback", body)
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestStatsEndpoints(t *testing.T) {
	server := createTestServer(t, "")

	// Score one transaction so stats are non-empty
	req := httptest.NewRequest(http.MethodPost, "/score", bytes.NewBuffer(scoreBody("tx-stats-001")))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("score failed: %d", rr.Code)
	}

	t.Run("Stats", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/stats", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var stats map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if stats["processed"].(float64) != 1 {
			t.Errorf("expected processed 1, got %v", stats["processed"])
		}
	})

	t.Run("UserStats", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/stats/users/user-001", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("UnknownUser", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/stats/users/nobody", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestMaintenanceEndpoints(t *testing.T) {
	server := createTestServer(t, "")

	t.Run("Cleanup", func(t *testing.T) {
		body := bytes.NewBufferString(`{"horizonHours":720}`)
		req := httptest.NewRequest(http.MethodPost, "/cleanup", body)
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Reset", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/reset", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	server := createTestServer(t, "")

	t.Run("Health", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["status"] != "healthy" {
			t.Errorf("expected healthy, got %s", resp["status"])
		}
	})

	t.Run("Ready", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestAuthMiddleware(t *testing.T) {
	server := createTestServer(t, "secret-key")

	t.Run("MissingKey", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/stats", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", rr.Code)
		}
	})

	t.Run("WrongKey", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/stats", nil)
		req.Header.Set(APIKeyHeader, "wrong")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", rr.Code)
		}
	})

	t.Run("CorrectKey", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/stats", nil)
		req.Header.Set(APIKeyHeader, "secret-key")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("HealthBypassesAuth", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}
