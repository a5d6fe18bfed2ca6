package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/procureflow/po-recon/internal/model"
)

// ErrNotFound is returned by lookups of entities that must exist.
var ErrNotFound = eris.New("not found")

// ErrLeaseMismatch is returned when a conditional task update loses the
// compare-and-swap on (status, lease token): the lease was reclaimed or
// completed by someone else.
var ErrLeaseMismatch = eris.New("lease mismatch")

// Store defines the persistence contract for the reconciliation core. Any
// backend with atomic conditional writes satisfies it; correlation links are
// append-only (superseded, never deleted) while match results and vendor
// profiles are idempotent replaces.
type Store interface {
	// Purchase orders
	UpsertPurchaseOrder(ctx context.Context, po *model.PurchaseOrder) error
	GetPurchaseOrder(ctx context.Context, id string) (*model.PurchaseOrder, error)
	GetPurchaseOrderByNumber(ctx context.Context, number string) (*model.PurchaseOrder, error)
	ListOpenPurchaseOrders(ctx context.Context, vendorID string) ([]model.PurchaseOrder, error)
	ListVendorPurchaseOrders(ctx context.Context, vendorID string) ([]model.PurchaseOrder, error)
	ClosePurchaseOrder(ctx context.Context, id string) error

	// Receipts and invoices (owned by document ingestion, read for matching)
	PutReceipt(ctx context.Context, r *model.ShipmentReceipt) error
	GetReceipt(ctx context.Context, id string) (*model.ShipmentReceipt, error)
	PutInvoice(ctx context.Context, inv *model.InvoiceDocument) error
	GetInvoice(ctx context.Context, id string) (*model.InvoiceDocument, error)

	// Retry tasks
	InsertTask(ctx context.Context, t *model.RetryTask) error
	GetTask(ctx context.Context, id string) (*model.RetryTask, error)
	GetLiveTaskByKey(ctx context.Context, key string) (*model.RetryTask, error)
	LeaseNextTask(ctx context.Context, now time.Time, token string, leaseUntil time.Time) (*model.RetryTask, error)
	MarkTaskSucceeded(ctx context.Context, id, token string) error
	RescheduleTask(ctx context.Context, id, token string, retryCount int, nextRetryAt time.Time, lastErr string) error
	DeadLetterTask(ctx context.Context, id, token, lastErr string) error
	ReapExpiredLeases(ctx context.Context, now time.Time) (int, error)
	ListDeadTasks(ctx context.Context, limit int) ([]model.RetryTask, error)
	RequeueDeadTask(ctx context.Context, id string, nextRetryAt time.Time) error
	PurgeTerminalTasks(ctx context.Context, olderThan time.Time) (int, error)

	// Correlation links
	GetActiveLink(ctx context.Context, keyType model.ExternalKeyType, key string) (*model.CorrelationLink, error)
	InsertLink(ctx context.Context, l *model.CorrelationLink) error
	SupersedeLink(ctx context.Context, oldID string, newLink *model.CorrelationLink) error
	IncrementSighting(ctx context.Context, linkID string) error
	ListLinksByPO(ctx context.Context, poID string, includeSuperseded bool) ([]model.CorrelationLink, error)

	// Unresolved correlation queue
	AddUnresolved(ctx context.Context, u *model.UnresolvedEvent) error
	ListUnresolved(ctx context.Context, limit int) ([]model.UnresolvedEvent, error)
	ResolveUnresolved(ctx context.Context, id, actor string) error

	// Three-way match results (idempotent replace keyed by PO)
	UpsertMatchResult(ctx context.Context, r *model.ThreeWayMatchResult) error
	GetMatchResult(ctx context.Context, poID string) (*model.ThreeWayMatchResult, error)

	// Vendor confidence profiles
	UpsertVendorProfile(ctx context.Context, p *model.VendorConfidenceProfile) error
	GetVendorProfile(ctx context.Context, vendorID string) (*model.VendorConfidenceProfile, error)
	ListStaleVendors(ctx context.Context, olderThan time.Time) ([]string, error)

	// Domain event log (append-only)
	AppendEvent(ctx context.Context, e *model.DomainEvent) error
	ListVendorEventsSince(ctx context.Context, vendorID string, since time.Time) ([]model.DomainEvent, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
