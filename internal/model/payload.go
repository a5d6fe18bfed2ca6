package model

import "github.com/rotisserie/eris"

// TaskPayload is the typed context a retry task needs to redo its work.
// Exactly one variant must be populated, and it must agree with Operation.
// This replaces loosely-typed JSON context blobs: the coordinator validates
// the payload at enqueue time so workers never pattern-match on nested maps.
type TaskPayload struct {
	Operation TaskOperation `json:"operation"`

	VerifyCorrelation *VerifyCorrelationPayload `json:"verify_correlation,omitempty"`
	CarrierVerify     *CarrierVerifyPayload     `json:"carrier_verify,omitempty"`
	RecomputeMatch    *RecomputeMatchPayload    `json:"recompute_match,omitempty"`
	RecalculateScore  *RecalculateScorePayload  `json:"recalculate_score,omitempty"`
}

// VerifyCorrelationPayload re-runs correlation for an external event after a
// transient verification failure.
type VerifyCorrelationPayload struct {
	Event ExternalEvent `json:"event"`
}

// CarrierVerifyPayload asks the ingestion layer's carrier client to confirm
// a tracking number against a PO.
type CarrierVerifyPayload struct {
	TrackingNumber  string `json:"tracking_number"`
	Carrier         string `json:"carrier"`
	PurchaseOrderID string `json:"purchase_order_id"`
}

// RecomputeMatchPayload triggers a three-way match recomputation.
type RecomputeMatchPayload struct {
	PurchaseOrderID string `json:"purchase_order_id"`
}

// RecalculateScorePayload triggers a vendor confidence recalculation.
type RecalculateScorePayload struct {
	VendorID string `json:"vendor_id"`
	Trigger  string `json:"trigger,omitempty"`
}

// Validate checks that exactly one variant is set and matches Operation.
func (p TaskPayload) Validate() error {
	var populated int
	for _, set := range []bool{
		p.VerifyCorrelation != nil,
		p.CarrierVerify != nil,
		p.RecomputeMatch != nil,
		p.RecalculateScore != nil,
	} {
		if set {
			populated++
		}
	}
	if populated != 1 {
		return eris.Errorf("payload: expected exactly one variant, got %d", populated)
	}

	switch p.Operation {
	case OpVerifyCorrelation:
		if p.VerifyCorrelation == nil {
			return eris.Errorf("payload: operation %s without matching variant", p.Operation)
		}
	case OpCarrierVerify:
		if p.CarrierVerify == nil {
			return eris.Errorf("payload: operation %s without matching variant", p.Operation)
		}
	case OpRecomputeMatch:
		if p.RecomputeMatch == nil {
			return eris.Errorf("payload: operation %s without matching variant", p.Operation)
		}
	case OpRecalculateScore:
		if p.RecalculateScore == nil {
			return eris.Errorf("payload: operation %s without matching variant", p.Operation)
		}
	default:
		return eris.Errorf("payload: unknown operation %q", string(p.Operation))
	}
	return nil
}
