package domain

import (
	"time"
)

// FraudResult is the complete scoring output for one transaction.
type FraudResult struct {
	TransactionID   string             `json:"transactionId"`
	RiskScore       float64            `json:"riskScore"`
	IsFraud         bool               `json:"isFraud"`
	Confidence      float64            `json:"confidence"`
	DetectorScores  map[string]float64 `json:"detectorScores"`
	TriggeredRules  []string           `json:"triggeredRules,omitempty"`
	Reasons         []string           `json:"reasons,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
	Anomalies       []ScoreAnomaly     `json:"anomalies,omitempty"`
	ProcessedAt     time.Time          `json:"processedAt"`
	ProcessingMs    int64              `json:"processingMs"`
}

// ScoreAnomaly describes a single anomalous dimension for explainability.
type ScoreAnomaly struct {
	Type     string  `json:"type"`     // "spending", "timing", "location", "device", ...
	Severity string  `json:"severity"` // "low", "medium", "high"
	Score    float64 `json:"score"`
	Expected string  `json:"expected,omitempty"`
	Actual   string  `json:"actual,omitempty"`
}

// RiskLevel buckets a risk score into a coarse band.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Level returns the coarse risk band for the result's score.
func (r *FraudResult) Level() RiskLevel {
	switch {
	case r.RiskScore >= 0.8:
		return RiskHigh
	case r.RiskScore >= 0.5:
		return RiskMedium
	default:
		return RiskLow
	}
}

// AddReason appends a human-readable reason.
func (r *FraudResult) AddReason(reason string) {
	r.Reasons = append(r.Reasons, reason)
}

// AddRecommendation appends a follow-up recommendation.
func (r *FraudResult) AddRecommendation(rec string) {
	r.Recommendations = append(r.Recommendations, rec)
}

// SetDetectorScore records the score produced by one detector.
func (r *FraudResult) SetDetectorScore(name string, score float64) {
	if r.DetectorScores == nil {
		r.DetectorScores = make(map[string]float64)
	}
	r.DetectorScores[name] = score
}
