// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite", "":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores a transaction.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	var location []byte
	if tx.Location != nil {
		location, _ = json.Marshal(tx.Location)
	}
	metadata, _ := json.Marshal(tx.Metadata)

	query := `
		INSERT INTO transactions (
			id, user_id, amount, currency, timestamp,
			merchant_id, merchant_category, payment_method,
			device_id, ip_address, user_agent,
			location, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.UserID, tx.Amount, tx.Currency, tx.Timestamp,
		tx.MerchantID, tx.MerchantCategory, tx.PaymentMethod,
		tx.DeviceID, tx.IPAddress, tx.UserAgent,
		string(location), string(metadata), time.Now().UTC(),
	)
	return err
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `
		SELECT id, user_id, amount, currency, timestamp,
			   merchant_id, merchant_category, payment_method,
			   device_id, ip_address, user_agent,
			   location, metadata
		FROM transactions
		WHERE id = ?
	`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

// GetTransactionsByUser retrieves a user's transactions since a cutoff,
// newest first.
func (r *SQLRepository) GetTransactionsByUser(ctx context.Context, userID string, since time.Time) ([]*domain.Transaction, error) {
	query := `
		SELECT id, user_id, amount, currency, timestamp,
			   merchant_id, merchant_category, payment_method,
			   device_id, ip_address, user_agent,
			   location, metadata
		FROM transactions
		WHERE user_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var location, metadata string

	err := row.Scan(
		&tx.ID, &tx.UserID, &tx.Amount, &tx.Currency, &tx.Timestamp,
		&tx.MerchantID, &tx.MerchantCategory, &tx.PaymentMethod,
		&tx.DeviceID, &tx.IPAddress, &tx.UserAgent,
		&location, &metadata,
	)
	if err != nil {
		return nil, err
	}

	if location != "" {
		var loc domain.Location
		if err := json.Unmarshal([]byte(location), &loc); err == nil {
			tx.Location = &loc
		}
	}
	if metadata != "" && metadata != "null" {
		json.Unmarshal([]byte(metadata), &tx.Metadata)
	}

	return &tx, nil
}

// SaveResult stores a scoring result.
func (r *SQLRepository) SaveResult(ctx context.Context, result *domain.FraudResult) error {
	if result.TransactionID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	detectorScores, _ := json.Marshal(result.DetectorScores)
	triggered, _ := json.Marshal(result.TriggeredRules)
	reasons, _ := json.Marshal(result.Reasons)
	recommendations, _ := json.Marshal(result.Recommendations)
	anomalies, _ := json.Marshal(result.Anomalies)

	isFraud := 0
	if result.IsFraud {
		isFraud = 1
	}

	query := `
		INSERT INTO results (
			tx_id, risk_score, is_fraud, confidence,
			detector_scores, triggered_rules, reasons, recommendations, anomalies,
			processed_at, processing_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_id) DO UPDATE SET
			risk_score = excluded.risk_score,
			is_fraud = excluded.is_fraud,
			confidence = excluded.confidence,
			detector_scores = excluded.detector_scores,
			triggered_rules = excluded.triggered_rules,
			reasons = excluded.reasons,
			recommendations = excluded.recommendations,
			anomalies = excluded.anomalies,
			processed_at = excluded.processed_at,
			processing_ms = excluded.processing_ms
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		result.TransactionID, result.RiskScore, isFraud, result.Confidence,
		string(detectorScores), string(triggered), string(reasons),
		string(recommendations), string(anomalies),
		result.ProcessedAt, result.ProcessingMs,
	)
	return err
}

// GetResult retrieves the scoring result for a transaction.
func (r *SQLRepository) GetResult(ctx context.Context, txID string) (*domain.FraudResult, error) {
	query := `
		SELECT tx_id, risk_score, is_fraud, confidence,
			   detector_scores, triggered_rules, reasons, recommendations, anomalies,
			   processed_at, processing_ms
		FROM results
		WHERE tx_id = ?
	`

	result, err := scanResult(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return result, err
}

// ListFlagged retrieves fraud-flagged results since a cutoff, newest first.
func (r *SQLRepository) ListFlagged(ctx context.Context, since time.Time, limit int) ([]*domain.FraudResult, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT tx_id, risk_score, is_fraud, confidence,
			   detector_scores, triggered_rules, reasons, recommendations, anomalies,
			   processed_at, processing_ms
		FROM results
		WHERE is_fraud = 1 AND processed_at >= ?
		ORDER BY processed_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*domain.FraudResult
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}

	return results, rows.Err()
}

func scanResult(row rowScanner) (*domain.FraudResult, error) {
	var result domain.FraudResult
	var isFraud int
	var detectorScores, triggered, reasons, recommendations, anomalies string

	err := row.Scan(
		&result.TransactionID, &result.RiskScore, &isFraud, &result.Confidence,
		&detectorScores, &triggered, &reasons, &recommendations, &anomalies,
		&result.ProcessedAt, &result.ProcessingMs,
	)
	if err != nil {
		return nil, err
	}

	result.IsFraud = isFraud == 1
	json.Unmarshal([]byte(detectorScores), &result.DetectorScores)
	json.Unmarshal([]byte(triggered), &result.TriggeredRules)
	json.Unmarshal([]byte(reasons), &result.Reasons)
	json.Unmarshal([]byte(recommendations), &result.Recommendations)
	json.Unmarshal([]byte(anomalies), &result.Anomalies)

	return &result, nil
}

// SaveRule stores or updates a detection rule.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.DetectionRule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	params, _ := json.Marshal(rule.Params)

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rules (
			name, weight, threshold, enabled, params, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			weight = excluded.weight,
			threshold = excluded.threshold,
			enabled = excluded.enabled,
			params = excluded.params,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.Name, rule.Weight, rule.Threshold, enabled, string(params),
		now, now,
	)
	return err
}

// GetRule retrieves a detection rule by name.
func (r *SQLRepository) GetRule(ctx context.Context, name string) (*domain.DetectionRule, error) {
	query := `
		SELECT name, weight, threshold, enabled, params
		FROM rules
		WHERE name = ?
	`

	var rule domain.DetectionRule
	var enabled int
	var params string

	err := r.db.QueryRowContext(ctx, r.rebind(query), name).Scan(
		&rule.Name, &rule.Weight, &rule.Threshold, &enabled, &params,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rule.Enabled = enabled == 1
	if params != "" && params != "null" {
		json.Unmarshal([]byte(params), &rule.Params)
	}

	return &rule, nil
}

// ListRules retrieves all stored detection rules.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.DetectionRule, error) {
	query := `
		SELECT name, weight, threshold, enabled, params
		FROM rules
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.DetectionRule
	for rows.Next() {
		var rule domain.DetectionRule
		var enabled int
		var params string

		if err := rows.Scan(
			&rule.Name, &rule.Weight, &rule.Threshold, &enabled, &params,
		); err != nil {
			return nil, err
		}

		rule.Enabled = enabled == 1
		if params != "" && params != "null" {
			json.Unmarshal([]byte(params), &rule.Params)
		}
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
