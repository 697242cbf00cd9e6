package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    amount REAL NOT NULL,
    currency TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    merchant_id TEXT,
    merchant_category TEXT,
    payment_method TEXT,
    device_id TEXT,
    ip_address TEXT,
    user_agent TEXT,
    location TEXT,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id);
CREATE INDEX IF NOT EXISTS idx_transactions_user_ts ON transactions(user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(timestamp);
`

const schemaResults = `
CREATE TABLE IF NOT EXISTS results (
    tx_id TEXT PRIMARY KEY,
    risk_score REAL NOT NULL,
    is_fraud INTEGER NOT NULL,
    confidence REAL NOT NULL,
    detector_scores TEXT NOT NULL,
    triggered_rules TEXT,
    reasons TEXT,
    recommendations TEXT,
    anomalies TEXT,
    processed_at TIMESTAMP NOT NULL,
    processing_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_results_fraud ON results(is_fraud, processed_at);
CREATE INDEX IF NOT EXISTS idx_results_processed ON results(processed_at);
`

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    name TEXT PRIMARY KEY,
    weight REAL NOT NULL DEFAULT 1.0,
    threshold REAL NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    params TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaResults,
		schemaRules,
	}
}
