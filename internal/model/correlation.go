package model

import "time"

// ExternalKeyType identifies what kind of external signal a key came from.
type ExternalKeyType string

const (
	KeyTypeTracking ExternalKeyType = "tracking"
	KeyTypeEmail    ExternalKeyType = "email_thread"
	KeyTypeInvoice  ExternalKeyType = "invoice"
	KeyTypeReceipt  ExternalKeyType = "receipt"
)

// Valid reports whether t is a known key type.
func (t ExternalKeyType) Valid() bool {
	switch t {
	case KeyTypeTracking, KeyTypeEmail, KeyTypeInvoice, KeyTypeReceipt:
		return true
	}
	return false
}

// CorrelationMethod records which matching strategy produced a link.
type CorrelationMethod string

const (
	MethodExactIdentifier CorrelationMethod = "exact_identifier"
	MethodVendorAmount    CorrelationMethod = "vendor_amount_date"
	MethodEmailDomain     CorrelationMethod = "email_domain"
	MethodManual          CorrelationMethod = "manual"
)

// CorrelationLink attaches an external key to a purchase order with a
// confidence score. For a given (key type, key) at most one link is active;
// superseded links are retained for audit and never deleted.
type CorrelationLink struct {
	ID              string            `json:"id"`
	ExternalKey     string            `json:"external_key"`
	ExternalKeyType ExternalKeyType   `json:"external_key_type"`
	PurchaseOrderID string            `json:"purchase_order_id"`
	VendorID        string            `json:"vendor_id"`
	DocumentID      string            `json:"document_id,omitempty"`
	Confidence      float64           `json:"confidence"`
	Method          CorrelationMethod `json:"method"`
	Superseded      bool              `json:"superseded"`
	SupersededByID  string            `json:"superseded_by_id,omitempty"`
	Sightings       int               `json:"sightings"`
	CreatedAt       time.Time         `json:"created_at"`
}

// ExternalEvent is the ingestion envelope handed to the correlation engine
// by document/event ingestion. Hints are best-effort; only the key and key
// type are required.
type ExternalEvent struct {
	ExternalKey     string          `json:"external_key"`
	ExternalKeyType ExternalKeyType `json:"external_key_type"`
	VendorHint      string          `json:"vendor_hint,omitempty"`
	SenderDomain    string          `json:"sender_domain,omitempty"`
	DeclaredPORef   string          `json:"declared_po_ref,omitempty"`
	AmountHint      float64         `json:"amount_hint,omitempty"`
	DateHint        time.Time       `json:"date_hint,omitempty"`
	DocumentID      string          `json:"document_id,omitempty"`
	RawPayloadRef   string          `json:"raw_payload_ref,omitempty"`
}

// UnresolvedEvent is a correlation attempt that matched nothing and awaits a
// human decision. Leaving it unresolved is the cancellation model; nothing
// times out.
type UnresolvedEvent struct {
	ID              string          `json:"id"`
	ExternalKey     string          `json:"external_key"`
	ExternalKeyType ExternalKeyType `json:"external_key_type"`
	VendorHint      string          `json:"vendor_hint,omitempty"`
	RawPayloadRef   string          `json:"raw_payload_ref,omitempty"`
	Resolved        bool            `json:"resolved"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
