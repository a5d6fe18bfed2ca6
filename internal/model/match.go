package model

import "time"

// MatchStatus is the outcome of a three-way match.
type MatchStatus string

const (
	MatchStatusUnmatched  MatchStatus = "unmatched"
	MatchStatusPartial    MatchStatus = "partial"
	MatchStatusMatched    MatchStatus = "matched"
	MatchStatusDiscrepant MatchStatus = "discrepant"
)

// LineDiscrepancy records a per-line delta beyond configured tolerance.
type LineDiscrepancy struct {
	LineNo          int     `json:"line_no"`
	SKU             string  `json:"sku"`
	OrderedQty      float64 `json:"ordered_qty"`
	ReceivedQty     float64 `json:"received_qty"`
	InvoicedQty     float64 `json:"invoiced_qty"`
	OrderedPrice    float64 `json:"ordered_price"`
	InvoicedPrice   float64 `json:"invoiced_price"`
	QtyDelta        float64 `json:"qty_delta"`
	PriceDelta      float64 `json:"price_delta"`
	QtyDiscrepant   bool    `json:"qty_discrepant"`
	PriceDiscrepant bool    `json:"price_discrepant"`
}

// ThreeWayMatchResult reconciles a PO against its correlated receipts and
// invoices. One row per PO; recomputation is an idempotent replace.
type ThreeWayMatchResult struct {
	PurchaseOrderID   string            `json:"purchase_order_id"`
	VendorID          string            `json:"vendor_id"`
	MatchStatus       MatchStatus       `json:"match_status"`
	LineDiscrepancies []LineDiscrepancy `json:"line_discrepancies,omitempty"`
	TotalsDiscrepancy float64           `json:"totals_discrepancy"`
	OverallScore      float64           `json:"overall_score"`
	CanAutoApprove    bool              `json:"can_auto_approve"`
	ResolutionAction  string            `json:"resolution_action,omitempty"`
	ResolvedBy        string            `json:"resolved_by,omitempty"`
	ComputedAt        time.Time         `json:"computed_at"`
}
