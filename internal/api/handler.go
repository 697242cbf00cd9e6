package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	results *cache.ResultCache
	bus     domain.EventBus
	engine  *engine.Engine
	version string
}

// NewHandler creates a new API handler. repo, results, and bus may be
// nil; the corresponding features degrade gracefully.
func NewHandler(repo domain.Repository, results *cache.ResultCache, bus domain.EventBus, eng *engine.Engine, version string) *Handler {
	return &Handler{
		repo:    repo,
		results: results,
		bus:     bus,
		engine:  eng,
		version: version,
	}
}

// ScoreResponse is the response for POST /score.
type ScoreResponse struct {
	*domain.FraudResult
	Cached   bool   `json:"cached,omitempty"`
	TraceID  string `json:"traceId,omitempty"`
	Version  string `json:"version"`
	RiskBand string `json:"riskBand"`
}

// Score handles POST /score requests: synchronous scoring of one
// transaction.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := GetTraceID(ctx)

	var tx domain.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}

	// Repeated submissions of an already-scored transaction are served
	// from the result cache without touching detector state.
	if h.results != nil {
		if cached, err := h.results.GetResult(ctx, tx.ID); err == nil && cached != nil {
			writeJSON(w, http.StatusOK, ScoreResponse{
				FraudResult: cached,
				Cached:      true,
				TraceID:     traceID,
				Version:     h.version,
				RiskBand:    string(cached.Level()),
			})
			return
		}
	}

	result, err := h.engine.Score(ctx, &tx)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveTransaction(ctx, &tx); err != nil {
			slog.Error("failed to save transaction", "tx_id", tx.ID, "error", err)
		}
		if err := h.repo.SaveResult(ctx, result); err != nil {
			slog.Error("failed to save result", "tx_id", tx.ID, "error", err)
		}
	}

	if h.results != nil {
		if err := h.results.SetResult(ctx, result); err != nil {
			slog.Warn("failed to cache result", "tx_id", tx.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, ScoreResponse{
		FraudResult: result,
		TraceID:     traceID,
		Version:     h.version,
		RiskBand:    string(result.Level()),
	})
}

// ScoreAsync handles POST /score/async: the transaction is published to
// the ingestion topic and scored by the background worker.
func (h *Handler) ScoreAsync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	var tx domain.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if err := tx.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	payload, err := json.Marshal(&tx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to encode transaction",
		})
		return
	}

	if err := h.bus.Publish(ctx, domain.TopicTransactionIngested, payload); err != nil {
		slog.Error("failed to publish transaction", "tx_id", tx.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to enqueue transaction",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"transactionId": tx.ID,
		"status":        "queued",
	})
}

// GetResult retrieves a scoring result by transaction ID.
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	if txID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction id is required",
		})
		return
	}

	if h.results != nil {
		if cached, err := h.results.GetResult(ctx, txID); err == nil && cached != nil {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	result, err := h.repo.GetResult(ctx, txID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "result not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ListFlagged retrieves recent fraud-flagged results.
func (h *Handler) ListFlagged(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	if s := r.URL.Query().Get("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "since must be RFC3339",
			})
			return
		}
		since = parsed
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	results, err := h.repo.ListFlagged(ctx, since, limit)
	if err != nil {
		slog.Error("failed to list flagged results", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list flagged results",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	if txID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	tx, err := h.repo.GetTransaction(ctx, txID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "transaction not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// detectorState describes one registered detector for GET /rules.
type detectorState struct {
	Name      string         `json:"name"`
	Enabled   bool           `json:"enabled"`
	Threshold float64        `json:"threshold"`
	Stats     map[string]any `json:"stats,omitempty"`
}

// ListRules returns all registered detectors and their configuration.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	detectors := h.engine.Registry().All()

	states := make([]detectorState, 0, len(detectors))
	for _, d := range detectors {
		states = append(states, detectorState{
			Name:      d.Name(),
			Enabled:   d.Enabled(),
			Threshold: d.Threshold(),
			Stats:     d.Stats(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":           states,
		"count":           len(states),
		"globalThreshold": h.engine.GlobalThreshold(),
	})
}

// ApplyRule handles POST /rules: configure one detector from a rule.
func (h *Handler) ApplyRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rule domain.DetectionRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.engine.Registry().Apply(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveRule(ctx, &rule); err != nil {
			slog.Error("failed to persist rule", "rule", rule.Name, "error", err)
		}
	}

	slog.Info("rule applied", "rule", rule.Name, "enabled", rule.Enabled, "threshold", rule.Threshold)
	writeJSON(w, http.StatusOK, map[string]any{
		"rule":    rule.Name,
		"applied": true,
	})
}

// EnableRule handles POST /rules/{name}/enable.
func (h *Handler) EnableRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(w, r, true)
}

// DisableRule handles POST /rules/{name}/disable.
func (h *Handler) DisableRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(w, r, false)
}

func (h *Handler) setRuleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := chi.URLParam(r, "name")

	var err error
	if enabled {
		err = h.engine.Registry().Enable(name)
	} else {
		err = h.engine.Registry().Disable(name)
	}
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": err.Error(),
		})
		return
	}

	slog.Info("detector toggled", "detector", name, "enabled", enabled)
	writeJSON(w, http.StatusOK, map[string]any{
		"rule":    name,
		"enabled": enabled,
	})
}

// SetRuleThreshold handles PUT /rules/{name}/threshold.
func (h *Handler) SetRuleThreshold(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req struct {
		Threshold float64 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.engine.UpdateThresholds(map[string]float64{name: req.Threshold}); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rule":      name,
		"threshold": req.Threshold,
	})
}

// SetGlobalThreshold handles PUT /threshold.
func (h *Handler) SetGlobalThreshold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Threshold float64 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.engine.SetGlobalThreshold(req.Threshold); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"globalThreshold": req.Threshold,
	})
}

// Feedback handles POST /feedback: an analyst verdict on a scored
// transaction, used to track precision.
func (h *Handler) Feedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionID string `json:"transactionId"`
		Verdict       string `json:"verdict"` // "false_positive" or "false_negative"
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	switch req.Verdict {
	case "false_positive":
		h.engine.MarkFalsePositive()
	case "false_negative":
		h.engine.MarkFalseNegative()
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "verdict must be false_positive or false_negative",
		})
		return
	}

	slog.Info("feedback recorded", "tx_id", req.TransactionID, "verdict", req.Verdict)
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "recorded",
	})
}

// Stats returns engine-wide counters and per-detector statistics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

// UserStats returns the running ledger for one user.
func (h *Handler) UserStats(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	stats, ok := h.engine.UserStats(userID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "user not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// Reset clears all detector profiles and engine counters.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ResetAll(); err != nil {
		slog.Error("reset failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "reset failed",
		})
		return
	}

	slog.Info("engine reset")
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "reset",
	})
}

// Cleanup evicts profiles idle beyond the requested horizon.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HorizonHours int `json:"horizonHours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.HorizonHours <= 0 {
		req.HorizonHours = 24 * 30
	}

	evicted := h.engine.Cleanup(time.Duration(req.HorizonHours) * time.Hour)

	slog.Info("cleanup completed", "horizon_hours", req.HorizonHours, "evicted", evicted)
	writeJSON(w, http.StatusOK, map[string]any{
		"evicted": evicted,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
