package correlate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procureflow/po-recon/internal/model"
	"github.com/procureflow/po-recon/internal/retry"
	"github.com/procureflow/po-recon/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	coord := retry.New(st, retry.DefaultConfig())
	return New(st, coord, DefaultConfig()), st
}

func seedPO(t *testing.T, st store.Store, number, vendorID string, total float64, orderedDaysAgo int) *model.PurchaseOrder {
	t.Helper()
	now := time.Now().UTC()
	po := &model.PurchaseOrder{
		ID:              "po-" + number,
		Number:          number,
		VendorID:        vendorID,
		Status:          model.POStatusOpen,
		Lines:           []model.POLine{{LineNo: 1, SKU: "SKU-1", Quantity: total / 10, UnitPrice: 10}},
		Total:           total,
		Currency:        "USD",
		OrderedAt:       now.AddDate(0, 0, -orderedDaysAgo),
		ExpectedAt:      now.AddDate(0, 0, 30-orderedDaysAgo),
		NextFollowUpDue: now.AddDate(0, 0, 7),
	}
	require.NoError(t, st.UpsertPurchaseOrder(context.Background(), po))
	return po
}

func TestCorrelate_ExactIdentifier(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	po := seedPO(t, e.store, "PO-1001", "vendor-a", 1000, 5)

	// Declared PO reference on the document.
	link, err := e.Correlate(ctx, model.ExternalEvent{
		ExternalKey:     "INV-77",
		ExternalKeyType: model.KeyTypeInvoice,
		DeclaredPORef:   "PO-1001",
		DocumentID:      "doc-77",
	})
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, po.ID, link.PurchaseOrderID)
	assert.Equal(t, model.MethodExactIdentifier, link.Method)
	assert.Equal(t, 1.0, link.Confidence)

	// The external key itself matching a PO number also counts.
	link2, err := e.Correlate(ctx, model.ExternalEvent{
		ExternalKey:     "PO-1001",
		ExternalKeyType: model.KeyTypeEmail,
	})
	require.NoError(t, err)
	require.NotNil(t, link2)
	assert.Equal(t, po.ID, link2.PurchaseOrderID)
	assert.Equal(t, 1.0, link2.Confidence)
}

func TestCorrelate_ExactIdentifierSkipsClosedPO(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	po := seedPO(t, st, "PO-1001", "vendor-a", 1000, 5)
	require.NoError(t, st.ClosePurchaseOrder(ctx, po.ID))

	link, err := e.Correlate(ctx, model.ExternalEvent{
		ExternalKey:     "INV-77",
		ExternalKeyType: model.KeyTypeInvoice,
		DeclaredPORef:   "PO-1001",
	})
	require.NoError(t, err)
	assert.Nil(t, link, "closed PO cannot receive new correlations")
}

func TestCorrelate_VendorAmountDate(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	po := seedPO(t, e.store, "PO-2001", "vendor-a", 1000, 5)
	seedPO(t, e.store, "PO-2002", "vendor-a", 5000, 5)

	link, err := e.Correlate(ctx, model.ExternalEvent{
		ExternalKey:     "INV-88",
		ExternalKeyType: model.KeyTypeInvoice,
		VendorHint:      "vendor-a",
		AmountHint:      1000,
		DateHint:        po.OrderedAt,
	})
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, po.ID, link.PurchaseOrderID)
	assert.Equal(t, model.MethodVendorAmount, link.Method)

	// Exact amount and date earn the strategy's top confidence, below 1.0.
	assert.Equal(t, 0.95, link.Confidence)
	assert.Greater(t, link.Confidence, e.cfg.DomainConfidenceCap)
}

func TestCorrelate_VendorAmountOutsideToleranceFallsThrough(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	seedPO(t, st, "PO-2001", "vendor-a", 1000, 5)

	// 20% off with a 5% tolerance, and no sender domain to fall back on.
	link, err := e.Correlate(ctx, model.ExternalEvent{
		ExternalKey:     "INV-99",
		ExternalKeyType: model.KeyTypeInvoice,
		VendorHint:      "vendor-a",
		AmountHint:      1200,
	})
	require.NoError(t, err)
	assert.Nil(t, link)

	unresolved, err := st.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, "INV-99", unresolved[0].ExternalKey)
}

func TestCorrelate_TieBreakPrefersEarlierFollowUp(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	later := seedPO(t, st, "PO-3001", "vendor-a", 1000, 5)
	later.NextFollowUpDue = now.AddDate(0, 0, 14)
	require.NoError(t, st.UpsertPurchaseOrder(ctx, later))

	due := seedPO(t, st, "PO-3002", "vendor-a", 1000, 5)
	due.NextFollowUpDue = now.AddDate(0, 0, 2)
	require.NoError(t, st.UpsertPurchaseOrder(ctx, due))

	link, err := e.Correlate(ctx, model.ExternalEvent{
		ExternalKey:     "INV-55",
		ExternalKeyType: model.KeyTypeInvoice,
		VendorHint:      "vendor-a",
		AmountHint:      1000,
		DateHint:        due.OrderedAt,
	})
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, due.ID, link.PurchaseOrderID, "equal confidence breaks toward the PO more likely due")
}

func TestCorrelate_EmailDomainHeuristic(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	seedPO(t, e.store, "PO-4001", "vendor-a", 1000, 20)
	recent := seedPO(t, e.store, "PO-4002", "vendor-a", 2000, 2)

	link, err := e.Correlate(ctx, model.ExternalEvent{
		ExternalKey:     "thread-123",
		ExternalKeyType: model.KeyTypeEmail,
		SenderDomain:    "acme.example",
		VendorHint:      "vendor-a",
	})
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, recent.ID, link.PurchaseOrderID, "attaches to the most recently ordered open PO")
	assert.Equal(t, model.MethodEmailDomain, link.Method)
	assert.Equal(t, e.cfg.DomainConfidenceCap, link.Confidence)
}

func TestCorrelate_ScenarioStrongerSignalSupersedes(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	po := seedPO(t, st, "PO-5001", "vendor-a", 1000, 5)

	// First sighting: no PO reference, only a vendor domain match.
	weak, err := e.Correlate(ctx, model.ExternalEvent{
		ExternalKey:     "1Z999AA10123456784",
		ExternalKeyType: model.KeyTypeTracking,
		SenderDomain:    "acme.example",
		VendorHint:      "vendor-a",
	})
	require.NoError(t, err)
	require.NotNil(t, weak)
	assert.Equal(t, model.MethodEmailDomain, weak.Method)
	assert.Less(t, weak.Confidence, 1.0)

	// Later sighting of the same key carries the exact PO number.
	strong, err := e.Correlate(ctx, model.ExternalEvent{
		ExternalKey:     "1Z999AA10123456784",
		ExternalKeyType: model.KeyTypeTracking,
		DeclaredPORef:   "PO-5001",
	})
	require.NoError(t, err)
	require.NotNil(t, strong)
	assert.Equal(t, model.MethodExactIdentifier, strong.Method)
	assert.Equal(t, 1.0, strong.Confidence)
	assert.NotEqual(t, weak.ID, strong.ID)

	// Old link retained for audit, marked superseded.
	history, err := st.ListLinksByPO(ctx, po.ID, true)
	require.NoError(t, err)
	require.Len(t, history, 2)

	active, err := st.GetActiveLink(ctx, model.KeyTypeTracking, "1Z999AA10123456784")
	require.NoError(t, err)
	assert.Equal(t, strong.ID, active.ID)
}

func TestCorrelate_NonDowngrade(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	seedPO(t, st, "PO-6001", "vendor-a", 1000, 5)

	strong, err := e.Correlate(ctx, model.ExternalEvent{
		ExternalKey:     "INV-1",
		ExternalKeyType: model.KeyTypeInvoice,
		DeclaredPORef:   "PO-6001",
	})
	require.NoError(t, err)
	require.Equal(t, 1.0, strong.Confidence)

	// Weaker evidence for the same key must not displace the active link.
	weak, err := e.Correlate(ctx, model.ExternalEvent{
		ExternalKey:     "INV-1",
		ExternalKeyType: model.KeyTypeInvoice,
		SenderDomain:    "acme.example",
		VendorHint:      "vendor-a",
	})
	require.NoError(t, err)
	require.NotNil(t, weak)
	assert.Equal(t, strong.ID, weak.ID, "existing link returned unchanged")

	active, err := st.GetActiveLink(ctx, model.KeyTypeInvoice, "INV-1")
	require.NoError(t, err)
	assert.Equal(t, strong.ID, active.ID)
	assert.Equal(t, 2, active.Sightings, "weaker evidence recorded as a sighting")
}

func TestCorrelate_UnknownKeyTypeRejected(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Correlate(context.Background(), model.ExternalEvent{
		ExternalKey:     "x",
		ExternalKeyType: model.ExternalKeyType("carrier_pigeon"),
	})
	require.Error(t, err)
	var vErr *retry.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestCorrelate_InvoiceLinkEnqueuesMatchRecompute(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	po := seedPO(t, st, "PO-7001", "vendor-a", 1000, 5)

	_, err := e.Correlate(ctx, model.ExternalEvent{
		ExternalKey:     "INV-1",
		ExternalKeyType: model.KeyTypeInvoice,
		DeclaredPORef:   "PO-7001",
		DocumentID:      "doc-1",
	})
	require.NoError(t, err)

	task, err := st.GetLiveTaskByKey(ctx, "po:"+po.ID+":match")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, model.OpRecomputeMatch, task.Operation)
	assert.Equal(t, po.ID, task.Payload.RecomputeMatch.PurchaseOrderID)
}

func TestManualCorrelate_OverridesAutomaticLink(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	seedPO(t, st, "PO-8001", "vendor-a", 1000, 5)
	right := seedPO(t, st, "PO-8002", "vendor-a", 2000, 2)

	// Automatic heuristic picks the most recent PO.
	auto, err := e.Correlate(ctx, model.ExternalEvent{
		ExternalKey:     "thread-9",
		ExternalKeyType: model.KeyTypeEmail,
		SenderDomain:    "acme.example",
		VendorHint:      "vendor-a",
	})
	require.NoError(t, err)
	require.NotNil(t, auto)

	// Human points it at the other PO.
	manual, err := e.ManualCorrelate(ctx, "thread-9", model.KeyTypeEmail, "po-PO-8001", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, "po-PO-8001", manual.PurchaseOrderID)
	assert.Equal(t, model.MethodManual, manual.Method)
	assert.Equal(t, 1.0, manual.Confidence)

	// Re-asserting the same decision counts as a sighting.
	again, err := e.ManualCorrelate(ctx, "thread-9", model.KeyTypeEmail, "po-PO-8001", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, manual.ID, again.ID)

	// Actor is mandatory for the audit trail.
	_, err = e.ManualCorrelate(ctx, "thread-9", model.KeyTypeEmail, right.ID, "")
	require.Error(t, err)
}
