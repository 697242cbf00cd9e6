// Package domain defines the core types and collaborator interfaces for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository persists transactions, scored results, and rule
// configuration for audit and review. It is a caller-side concern:
// detector profiles live only in engine memory and are never
// reconstructed from stored transactions.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetTransactionsByUser(ctx context.Context, userID string, since time.Time) ([]*Transaction, error)

	// Scored results
	SaveResult(ctx context.Context, result *FraudResult) error
	GetResult(ctx context.Context, txID string) (*FraudResult, error)
	ListFlagged(ctx context.Context, since time.Time, limit int) ([]*FraudResult, error)

	// Rule configuration
	SaveRule(ctx context.Context, rule *DetectionRule) error
	GetRule(ctx context.Context, name string) (*DetectionRule, error)
	ListRules(ctx context.Context) ([]*DetectionRule, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
