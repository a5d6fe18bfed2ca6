package model

import "time"

// DocumentLine is a line item on a receipt or invoice. The declared values
// come from document ingestion and may disagree with the PO.
type DocumentLine struct {
	SKU       string  `json:"sku"`
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// ShipmentReceipt is a normalized goods-receipt record produced by document
// ingestion. DeclaredPONumber may be absent or wrong; the authoritative link
// to a PO is the CorrelationLink.
type ShipmentReceipt struct {
	ID               string         `json:"id"`
	DeclaredPONumber string         `json:"declared_po_number,omitempty"`
	VendorID         string         `json:"vendor_id"`
	Lines            []DocumentLine `json:"lines"`
	Total            float64        `json:"total"`
	DocumentedAt     time.Time      `json:"documented_at"`
	ReceivedAt       time.Time      `json:"received_at"`
}

// InvoiceDocument is a normalized vendor invoice produced by document
// ingestion.
type InvoiceDocument struct {
	ID               string         `json:"id"`
	InvoiceNumber    string         `json:"invoice_number"`
	DeclaredPONumber string         `json:"declared_po_number,omitempty"`
	VendorID         string         `json:"vendor_id"`
	Lines            []DocumentLine `json:"lines"`
	Total            float64        `json:"total"`
	DocumentedAt     time.Time      `json:"documented_at"`
	ReceivedAt       time.Time      `json:"received_at"`
}
