package model

import "time"

// EventKind identifies a domain event in the reconciliation history.
type EventKind string

const (
	EventCorrelationCreated    EventKind = "correlation.created"
	EventCorrelationSuperseded EventKind = "correlation.superseded"
	EventCorrelationUnresolved EventKind = "correlation.unresolved"
	EventCorrelationManual     EventKind = "correlation.manual"
	EventMatchRecomputed       EventKind = "match.recomputed"
	EventMatchOverridden       EventKind = "match.overridden"
	EventRetryDeadLettered     EventKind = "retry.deadlettered"
	EventDeadLetterResolved    EventKind = "retry.deadletter_resolved"
	EventInquirySent           EventKind = "inquiry.sent"
	EventReplyReceived         EventKind = "reply.received"
	EventFollowupSent          EventKind = "followup.sent"
	EventFollowupAnswered      EventKind = "followup.answered"
)

// DomainEvent is an append-only record of a reconciliation outcome. The
// vendor confidence scorer derives every component score from this history;
// scores are recomputed over a window, never incremented in place, so a
// replay of the log reproduces them exactly.
type DomainEvent struct {
	ID              string    `json:"id"`
	Kind            EventKind `json:"kind"`
	VendorID        string    `json:"vendor_id,omitempty"`
	PurchaseOrderID string    `json:"purchase_order_id,omitempty"`
	ExternalKey     string    `json:"external_key,omitempty"`
	ThreadKey       string    `json:"thread_key,omitempty"`
	InReplyTo       string    `json:"in_reply_to,omitempty"`
	Actor           string    `json:"actor,omitempty"`
	Score           float64   `json:"score,omitempty"`
	Detail          string    `json:"detail,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}
