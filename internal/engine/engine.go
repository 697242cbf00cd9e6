package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var tracer = otel.Tracer("kestrel-engine")

// userProfile is the engine's own per-user ledger, independent of
// detector state: volume counters and the fraud flag history backing
// the stats endpoint.
type userProfile struct {
	mu          sync.Mutex
	txCount     int64
	totalAmount float64
	fraudCount  int64
	lastSeen    time.Time
}

// Engine is the scoring facade: it validates transactions, fans out to
// the enabled detectors, and folds the scores into one decision.
type Engine struct {
	registry *Registry
	bus      domain.EventBus
	log      *slog.Logger

	maxWorkers int

	thresholdMu     sync.RWMutex
	globalThreshold float64

	usersMu sync.RWMutex
	users   map[string]*userProfile

	processed      atomic.Int64
	fraudFlagged   atomic.Int64
	totalLatencyUs atomic.Int64
	falsePositives atomic.Int64
	falseNegatives atomic.Int64
}

// NewEngine builds an engine from validated configuration. Rules in
// cfg.Rules are applied to the registry up front; a bad rule fails
// construction rather than surfacing at scoring time. The bus may be
// nil to disable event publishing.
func NewEngine(cfg domain.EngineConfig, registry *Registry, bus domain.EventBus, log *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	for i := range cfg.Rules {
		if err := registry.Apply(&cfg.Rules[i]); err != nil {
			return nil, fmt.Errorf("apply rule %s: %w", cfg.Rules[i].Name, err)
		}
	}
	return &Engine{
		registry:        registry,
		bus:             bus,
		log:             log,
		maxWorkers:      maxWorkers,
		globalThreshold: cfg.GlobalThreshold,
		users:           make(map[string]*userProfile),
	}, nil
}

// Registry exposes the detector registry for rule management.
func (e *Engine) Registry() *Registry { return e.registry }

type detectorOutcome struct {
	name      string
	score     float64
	threshold float64
	err       error
	elapsed   time.Duration
}

// Score runs every enabled detector against the transaction and
// aggregates the scores into a FraudResult. A detector error drops
// that detector from the aggregate; scoring proceeds with the rest.
func (e *Engine) Score(ctx context.Context, tx *domain.Transaction) (*domain.FraudResult, error) {
	start := time.Now()

	if err := tx.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}

	ctx, span := tracer.Start(ctx, "engine.score")
	span.SetAttributes(
		attribute.String("tx.id", tx.ID),
		attribute.Float64("tx.amount", tx.Amount),
	)
	defer span.End()

	detectors := e.registry.EnabledDetectors()
	outcomes := make([]detectorOutcome, len(detectors))

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)
	for i, d := range detectors {
		wg.Add(1)
		go func(idx int, d detector.Detector) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			dStart := time.Now()
			score, err := d.Score(ctx, tx, nil)
			outcomes[idx] = detectorOutcome{
				name:      d.Name(),
				score:     score,
				threshold: d.Threshold(),
				err:       err,
				elapsed:   time.Since(dStart),
			}
		}(i, d)
	}
	wg.Wait()

	result := &domain.FraudResult{
		TransactionID:  tx.ID,
		DetectorScores: make(map[string]float64, len(outcomes)),
		ProcessedAt:    time.Now().UTC(),
	}

	collected := 0
	sum := 0.0
	for _, o := range outcomes {
		if o.err != nil {
			e.log.Warn("detector failed, skipping",
				"detector", o.name,
				"tx_id", tx.ID,
				"error", o.err)
			continue
		}
		result.SetDetectorScore(o.name, o.score)
		sum += o.score
		collected++

		if o.score >= o.threshold {
			result.TriggeredRules = append(result.TriggeredRules, o.name)
			result.AddReason(fmt.Sprintf("%s score %.2f at or above threshold %.2f",
				o.name, o.score, o.threshold))
			result.Anomalies = append(result.Anomalies, domain.ScoreAnomaly{
				Type:     o.name,
				Severity: severity(o.score),
				Score:    o.score,
			})
		}
		e.publishDetectorExecuted(ctx, tx.ID, o)
	}

	if collected > 0 {
		result.RiskScore = sum / float64(collected)
	}
	threshold := e.GlobalThreshold()
	result.IsFraud = result.RiskScore >= threshold
	if len(detectors) > 0 {
		result.Confidence = min(float64(len(result.TriggeredRules))/float64(len(detectors)), 1)
	}
	e.recommend(result)

	result.ProcessingMs = time.Since(start).Milliseconds()

	e.trackUser(tx, result)
	e.processed.Add(1)
	if result.IsFraud {
		e.fraudFlagged.Add(1)
	}
	e.totalLatencyUs.Add(time.Since(start).Microseconds())

	span.SetAttributes(
		attribute.Float64("result.risk_score", result.RiskScore),
		attribute.Bool("result.is_fraud", result.IsFraud),
	)
	e.publishScored(ctx, tx, result)

	return result, nil
}

func severity(score float64) string {
	switch {
	case score >= 0.8:
		return "high"
	case score >= 0.5:
		return "medium"
	default:
		return "low"
	}
}

// recommend attaches follow-up guidance based on what triggered.
func (e *Engine) recommend(result *domain.FraudResult) {
	for _, name := range result.TriggeredRules {
		switch name {
		case domain.DetectorVelocity:
			result.AddRecommendation("Consider velocity-based transaction limits for this user")
		case domain.DetectorAmount:
			result.AddRecommendation("Review amount thresholds against the user's spending pattern")
		case domain.DetectorLocation:
			result.AddRecommendation("Verify the transaction location and recent travel")
		case domain.DetectorDevice:
			result.AddRecommendation("Challenge the device with step-up authentication")
		case domain.DetectorNetwork:
			result.AddRecommendation("Check the source IP against anonymization services")
		}
	}
	if result.RiskScore > 0.8 {
		result.AddRecommendation("High risk: route to manual review or additional verification")
	}
	if result.Confidence < 0.5 && result.IsFraud {
		result.AddRecommendation("Low confidence: gather additional transaction data before acting")
	}
}

func (e *Engine) trackUser(tx *domain.Transaction, result *domain.FraudResult) {
	e.usersMu.RLock()
	p, ok := e.users[tx.UserID]
	e.usersMu.RUnlock()
	if !ok {
		e.usersMu.Lock()
		p, ok = e.users[tx.UserID]
		if !ok {
			p = &userProfile{}
			e.users[tx.UserID] = p
		}
		e.usersMu.Unlock()
	}
	p.mu.Lock()
	p.txCount++
	p.totalAmount += tx.Amount
	if result.IsFraud {
		p.fraudCount++
	}
	if tx.Timestamp.After(p.lastSeen) {
		p.lastSeen = tx.Timestamp
	}
	p.mu.Unlock()
}

// UserStats returns the engine-level profile for one user.
func (e *Engine) UserStats(userID string) (map[string]any, bool) {
	e.usersMu.RLock()
	p, ok := e.users[userID]
	e.usersMu.RUnlock()
	if !ok {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"txCount":     p.txCount,
		"totalAmount": p.totalAmount,
		"fraudCount":  p.fraudCount,
		"lastSeen":    p.lastSeen,
	}, true
}

func (e *Engine) publishScored(ctx context.Context, tx *domain.Transaction, result *domain.FraudResult) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.ScoredEvent{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		RiskScore:     result.RiskScore,
		IsFraud:       result.IsFraud,
		ProcessingMs:  result.ProcessingMs,
	})
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, domain.TopicTransactionScored, payload); err != nil {
		e.log.Warn("publish scored event", "tx_id", tx.ID, "error", err)
	}
	if result.IsFraud {
		if err := e.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
			e.log.Warn("publish alert event", "tx_id", tx.ID, "error", err)
		}
	}
	for _, name := range result.TriggeredRules {
		rp, err := json.Marshal(domain.RuleTriggeredEvent{
			TransactionID: tx.ID,
			Rule:          name,
			Score:         result.DetectorScores[name],
		})
		if err != nil {
			continue
		}
		if err := e.bus.Publish(ctx, domain.TopicRuleTriggered, rp); err != nil {
			e.log.Warn("publish rule event", "tx_id", tx.ID, "rule", name, "error", err)
		}
	}
}

func (e *Engine) publishDetectorExecuted(ctx context.Context, txID string, o detectorOutcome) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.DetectorExecutedEvent{
		TransactionID: txID,
		Detector:      o.name,
		Score:         o.score,
		DurationUs:    o.elapsed.Microseconds(),
	})
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, domain.TopicDetectorExecuted, payload); err != nil {
		e.log.Warn("publish detector event", "tx_id", txID, "detector", o.name, "error", err)
	}
}

// GlobalThreshold returns the current fraud decision threshold.
func (e *Engine) GlobalThreshold() float64 {
	e.thresholdMu.RLock()
	defer e.thresholdMu.RUnlock()
	return e.globalThreshold
}

// SetGlobalThreshold updates the fraud decision threshold at runtime.
func (e *Engine) SetGlobalThreshold(t float64) error {
	if t < 0 || t > 1 {
		return fmt.Errorf("global threshold must be in [0,1], got %v", t)
	}
	e.thresholdMu.Lock()
	e.globalThreshold = t
	e.thresholdMu.Unlock()
	return nil
}

// UpdateThresholds sets per-detector thresholds. All names are checked
// before any threshold changes, so a bad name leaves state untouched.
func (e *Engine) UpdateThresholds(thresholds map[string]float64) error {
	for name := range thresholds {
		if _, ok := e.registry.Get(name); !ok {
			return fmt.Errorf("unknown detector %q", name)
		}
	}
	for name, t := range thresholds {
		d, _ := e.registry.Get(name)
		if err := d.SetThreshold(t); err != nil {
			return err
		}
	}
	return nil
}

// MarkFalsePositive records operator feedback for a flagged
// transaction that turned out legitimate.
func (e *Engine) MarkFalsePositive() { e.falsePositives.Add(1) }

// MarkFalseNegative records operator feedback for a missed fraud.
func (e *Engine) MarkFalseNegative() { e.falseNegatives.Add(1) }

// Cleanup evicts profiles idle since before the horizon from every
// detector store and the engine's user ledger. Returns entries removed.
func (e *Engine) Cleanup(horizon time.Duration) int {
	cutoff := time.Now().Add(-horizon)
	removed := e.registry.Sweep(cutoff)

	e.usersMu.Lock()
	for id, p := range e.users {
		p.mu.Lock()
		stale := p.lastSeen.Before(cutoff)
		p.mu.Unlock()
		if stale {
			delete(e.users, id)
			removed++
		}
	}
	e.usersMu.Unlock()
	return removed
}

// ResetAll clears all detector profiles, the user ledger, and counters.
func (e *Engine) ResetAll() error {
	if err := e.registry.Reset(); err != nil {
		return err
	}
	e.usersMu.Lock()
	e.users = make(map[string]*userProfile)
	e.usersMu.Unlock()
	e.processed.Store(0)
	e.fraudFlagged.Store(0)
	e.totalLatencyUs.Store(0)
	e.falsePositives.Store(0)
	e.falseNegatives.Store(0)
	return nil
}

// Stats reports engine counters and per-detector statistics.
func (e *Engine) Stats() map[string]any {
	processed := e.processed.Load()
	stats := map[string]any{
		"processed":       processed,
		"fraudFlagged":    e.fraudFlagged.Load(),
		"falsePositives":  e.falsePositives.Load(),
		"falseNegatives":  e.falseNegatives.Load(),
		"globalThreshold": e.GlobalThreshold(),
	}
	if processed > 0 {
		stats["avgLatencyUs"] = e.totalLatencyUs.Load() / processed
	}
	detectors := make(map[string]any)
	for _, d := range e.registry.All() {
		detectors[d.Name()] = d.Stats()
	}
	stats["detectors"] = detectors

	e.usersMu.RLock()
	stats["users"] = len(e.users)
	e.usersMu.RUnlock()
	return stats
}
