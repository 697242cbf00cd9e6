// Package worker provides async transaction processing and background
// profile maintenance.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// Worker consumes ingested transactions from the EventBus and scores
// them through the engine.
type Worker struct {
	bus    domain.EventBus
	repo   domain.Repository
	engine *engine.Engine

	subscriptions []domain.Subscription
	processed     atomic.Int64
	failed        atomic.Int64
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker. repo may be nil.
func NewWorker(bus domain.EventBus, repo domain.Repository, eng *engine.Engine) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		engine: eng,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the ingestion topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started", "topic", domain.TopicTransactionIngested)
	return nil
}

// handleMessage scores one ingested transaction.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var tx domain.Transaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	result, err := w.engine.Score(ctx, &tx)
	if err != nil {
		w.failed.Add(1)
		slog.Error("scoring failed",
			"tx_id", tx.ID,
			"error", err,
		)
		return err
	}

	if w.repo != nil {
		if err := w.repo.SaveTransaction(ctx, &tx); err != nil {
			slog.Error("failed to save transaction",
				"tx_id", tx.ID,
				"error", err,
			)
		}
		if err := w.repo.SaveResult(ctx, result); err != nil {
			slog.Error("failed to save result",
				"tx_id", tx.ID,
				"error", err,
			)
		}
	}

	w.processed.Add(1)

	slog.Info("transaction processed",
		"tx_id", tx.ID,
		"user_id", tx.UserID,
		"risk_score", result.RiskScore,
		"is_fraud", result.IsFraud,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker counters.
func (w *Worker) Stats() map[string]any {
	return map[string]any{
		"processed":     w.processed.Load(),
		"failed":        w.failed.Load(),
		"subscriptions": len(w.subscriptions),
	}
}

// Janitor periodically evicts idle entity profiles from the engine.
type Janitor struct {
	engine    *engine.Engine
	retention time.Duration
	interval  time.Duration

	sweeps  atomic.Int64
	evicted atomic.Int64
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewJanitor creates a janitor sweeping at the given interval, evicting
// profiles idle longer than retention.
func NewJanitor(eng *engine.Engine, retention, interval time.Duration) *Janitor {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		engine:    eng,
		retention: retention,
		interval:  interval,
		done:      make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (j *Janitor) Start() {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-j.done:
				return
			case <-ticker.C:
				j.sweep()
			}
		}
	}()

	slog.Info("janitor started",
		"retention", j.retention.String(),
		"interval", j.interval.String(),
	)
}

func (j *Janitor) sweep() {
	start := time.Now()
	n := j.engine.Cleanup(j.retention)
	j.sweeps.Add(1)
	j.evicted.Add(int64(n))

	slog.Info("profile sweep completed",
		"evicted", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop halts the sweep loop and waits for an in-flight sweep.
func (j *Janitor) Stop() {
	close(j.done)
	j.wg.Wait()
	slog.Info("janitor stopped")
}

// Stats returns janitor counters.
func (j *Janitor) Stats() map[string]any {
	return map[string]any{
		"sweeps":  j.sweeps.Load(),
		"evicted": j.evicted.Load(),
	}
}
