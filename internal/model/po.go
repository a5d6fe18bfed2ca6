package model

import "time"

// POStatus represents the lifecycle state of a purchase order.
type POStatus string

const (
	POStatusOpen   POStatus = "open"
	POStatusClosed POStatus = "closed"
)

// PurchaseOrder is the internal record the reconciliation core keeps
// consistent with external signals.
type PurchaseOrder struct {
	ID               string    `json:"id"`
	Number           string    `json:"number"`
	VendorID         string    `json:"vendor_id"`
	Status           POStatus  `json:"status"`
	Lines            []POLine  `json:"lines"`
	Total            float64   `json:"total"`
	Currency         string    `json:"currency"`
	OrderedAt        time.Time `json:"ordered_at"`
	ExpectedAt       time.Time `json:"expected_at"`
	NextFollowUpDue  time.Time `json:"next_follow_up_due"`
	PromisedLeadDays int       `json:"promised_lead_days"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// POLine is a single ordered line item.
type POLine struct {
	LineNo      int     `json:"line_no"`
	SKU         string  `json:"sku"`
	Description string  `json:"description,omitempty"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

// LineTotal returns quantity * unit price for the line.
func (l POLine) LineTotal() float64 {
	return l.Quantity * l.UnitPrice
}

// Open reports whether the PO can still receive correlated documents.
func (p *PurchaseOrder) Open() bool {
	return p.Status == POStatusOpen
}
