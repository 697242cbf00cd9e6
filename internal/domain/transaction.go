package domain

import (
	"fmt"
	"time"
)

// Transaction represents an incoming payment transaction to be scored.
type Transaction struct {
	// Core identifiers
	ID     string `json:"id"`
	UserID string `json:"userId"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`

	// Optional context
	Location         *Location         `json:"location,omitempty"`
	MerchantID       string            `json:"merchantId,omitempty"`
	MerchantCategory string            `json:"merchantCategory,omitempty"`
	PaymentMethod    string            `json:"paymentMethod,omitempty"`
	DeviceID         string            `json:"deviceId,omitempty"`
	IPAddress        string            `json:"ipAddress,omitempty"`
	UserAgent        string            `json:"userAgent,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Location is a geographical point attached to a transaction.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Country string  `json:"country,omitempty"`
	City    string  `json:"city,omitempty"`
	State   string  `json:"state,omitempty"`
}

// Recognized metadata keys. Detectors read only these; everything else
// in the metadata map is carried through untouched.
const (
	MetaScreenResolution = "screen_resolution"
	MetaTimezone         = "timezone"
	MetaLanguage         = "language"
	MetaPlatform         = "platform"
)

// Meta returns the metadata value for key, or "" when absent.
func (t *Transaction) Meta(key string) string {
	if t.Metadata == nil {
		return ""
	}
	return t.Metadata[key]
}

// Validate checks required fields and applies the two silent defaults
// (currency and timestamp). Every other validation failure rejects the
// transaction before any detector runs.
func (t *Transaction) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("transaction id is required")
	}
	if t.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if t.Amount <= 0 {
		return fmt.Errorf("amount must be positive, got %v", t.Amount)
	}
	if t.Currency == "" {
		t.Currency = "USD"
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	return nil
}
