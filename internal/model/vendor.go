package model

import "time"

// Trend classifies score movement against the N-days-ago snapshot.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// ComponentScores are the six component scores of a vendor profile, each in
// [0,1], derived from a trailing window of correlation and match events.
type ComponentScores struct {
	Completeness     float64 `json:"completeness"`
	LeadTime         float64 `json:"lead_time"`
	InvoiceAccuracy  float64 `json:"invoice_accuracy"`
	ResponseLatency  float64 `json:"response_latency"`
	Threading        float64 `json:"threading"`
	FollowupResponse float64 `json:"followup_response"`
}

// VendorConfidenceProfile is the rolling trust score for a vendor.
// ConfidenceScore is a deterministic weighted function of the component
// scores under a versioned weight table; it is never hand-edited.
type VendorConfidenceProfile struct {
	VendorID           string          `json:"vendor_id"`
	Components         ComponentScores `json:"components"`
	ConfidenceScore    float64         `json:"confidence_score"`
	WeightsVersion     string          `json:"weights_version"`
	Trend              Trend           `json:"trend"`
	InteractionsCount  int             `json:"interactions_count"`
	ScoreNDaysAgo      float64         `json:"score_n_days_ago"`
	SnapshotAt         *time.Time      `json:"snapshot_at,omitempty"`
	LastRecalculatedAt time.Time       `json:"last_recalculated_at"`
}
