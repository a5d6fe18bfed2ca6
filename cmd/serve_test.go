package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procureflow/po-recon/internal/correlate"
	"github.com/procureflow/po-recon/internal/match"
	"github.com/procureflow/po-recon/internal/model"
	"github.com/procureflow/po-recon/internal/monitoring"
	"github.com/procureflow/po-recon/internal/retry"
	"github.com/procureflow/po-recon/internal/store"
	"github.com/procureflow/po-recon/internal/vendorscore"
)

func newTestEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	coord := retry.New(st, retry.DefaultConfig())
	return &env{
		Store:      st,
		Coord:      coord,
		Correlator: correlate.New(st, coord, correlate.DefaultConfig()),
		Matcher:    match.New(st, coord, match.DefaultConfig()),
		Scorer:     vendorscore.New(st, vendorscore.DefaultWeights(), vendorscore.DefaultConfig()),
		Collector:  monitoring.NewCollector(st),
	}
}

func seedOpenPO(t *testing.T, e *env, number string) *model.PurchaseOrder {
	t.Helper()
	now := time.Now().UTC()
	po := &model.PurchaseOrder{
		ID:         "po-" + number,
		Number:     number,
		VendorID:   "vendor-a",
		Status:     model.POStatusOpen,
		Lines:      []model.POLine{{LineNo: 1, SKU: "SKU-1", Quantity: 100, UnitPrice: 10}},
		Total:      1000,
		Currency:   "USD",
		OrderedAt:  now.AddDate(0, 0, -5),
		ExpectedAt: now.AddDate(0, 0, 10),
	}
	require.NoError(t, e.Store.UpsertPurchaseOrder(context.Background(), po))
	return po
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestServe_Health(t *testing.T) {
	router := newRouter(newTestEnv(t))

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestServe_GetMatchNotFound(t *testing.T) {
	router := newRouter(newTestEnv(t))

	rec := doJSON(t, router, http.MethodGet, "/pos/no-such-po/match", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServe_IngestInvoiceCorrelatesByDeclaredRef(t *testing.T) {
	e := newTestEnv(t)
	router := newRouter(e)
	po := seedOpenPO(t, e, "PO-1001")

	rec := doJSON(t, router, http.MethodPost, "/documents/invoice", model.InvoiceDocument{
		InvoiceNumber:    "INV-1",
		DeclaredPONumber: "PO-1001",
		VendorID:         "vendor-a",
		Lines:            []model.DocumentLine{{SKU: "SKU-1", Quantity: 100, UnitPrice: 10}},
		Total:            1000,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var link model.CorrelationLink
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &link))
	assert.Equal(t, po.ID, link.PurchaseOrderID)
	assert.Equal(t, model.MethodExactIdentifier, link.Method)
	assert.Equal(t, 1.0, link.Confidence)

	// The invoice document itself was stored under the link's document ID.
	inv, err := e.Store.GetInvoice(context.Background(), link.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "INV-1", inv.InvoiceNumber)
}

func TestServe_IngestReceiptUnresolvedIsAccepted(t *testing.T) {
	e := newTestEnv(t)
	router := newRouter(e)

	// No PO book at all: nothing to correlate against.
	rec := doJSON(t, router, http.MethodPost, "/documents/receipt", model.ShipmentReceipt{
		VendorID: "vendor-a",
		Lines:    []model.DocumentLine{{SKU: "SKU-1", Quantity: 10}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"unresolved"`)

	unresolved, err := e.Store.ListUnresolved(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, unresolved, 1)
}

func TestServe_CorrelateEventValidation(t *testing.T) {
	router := newRouter(newTestEnv(t))

	rec := doJSON(t, router, http.MethodPost, "/events/correlate", model.ExternalEvent{
		ExternalKey:     "x",
		ExternalKeyType: "carrier_pigeon",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServe_ManualCorrelate(t *testing.T) {
	e := newTestEnv(t)
	router := newRouter(e)
	po := seedOpenPO(t, e, "PO-2001")

	rec := doJSON(t, router, http.MethodPost, "/correlations/manual", map[string]string{
		"external_key":      "thread-1",
		"external_key_type": "email_thread",
		"purchase_order_id": po.ID,
		"actor":             "ops@example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var link model.CorrelationLink
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &link))
	assert.Equal(t, model.MethodManual, link.Method)

	// Missing actor is a client error.
	rec = doJSON(t, router, http.MethodPost, "/correlations/manual", map[string]string{
		"external_key":      "thread-2",
		"external_key_type": "email_thread",
		"purchase_order_id": po.ID,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServe_OverrideMatch(t *testing.T) {
	e := newTestEnv(t)
	router := newRouter(e)
	po := seedOpenPO(t, e, "PO-3001")

	_, err := e.Matcher.Match(context.Background(), po.ID)
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodPost, "/pos/"+po.ID+"/override", map[string]string{
		"resolution_action": "accept",
		"actor":             "ops@example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := e.Store.GetMatchResult(context.Background(), po.ID)
	require.NoError(t, err)
	assert.Equal(t, "accept", stored.ResolutionAction)
	assert.Equal(t, "ops@example.com", stored.ResolvedBy)
}

func TestServe_ResolveDeadLetterValidation(t *testing.T) {
	e := newTestEnv(t)
	router := newRouter(e)

	rec := doJSON(t, router, http.MethodPost, "/tasks/task-1/resolve", map[string]string{
		"action": "shrug",
		"actor":  "ops@example.com",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/tasks/task-1/resolve", map[string]string{
		"action": "retry",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServe_StatusSnapshot(t *testing.T) {
	e := newTestEnv(t)
	router := newRouter(e)
	seedOpenPO(t, e, "PO-4001")

	rec := doJSON(t, router, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.NotEmpty(t, snap)
}

func TestTaskHandler_DispatchesByOperation(t *testing.T) {
	e := newTestEnv(t)
	po := seedOpenPO(t, e, "PO-5001")
	handler := taskHandler(e)
	ctx := context.Background()

	err := handler(ctx, &model.RetryTask{
		Operation: model.OpRecomputeMatch,
		Payload: model.TaskPayload{
			Operation:      model.OpRecomputeMatch,
			RecomputeMatch: &model.RecomputeMatchPayload{PurchaseOrderID: po.ID},
		},
	})
	require.NoError(t, err)
	_, err = e.Store.GetMatchResult(ctx, po.ID)
	require.NoError(t, err)

	err = handler(ctx, &model.RetryTask{
		Operation: model.OpRecalculateScore,
		Payload: model.TaskPayload{
			Operation:        model.OpRecalculateScore,
			RecalculateScore: &model.RecalculateScorePayload{VendorID: "vendor-a", Trigger: "test"},
		},
	})
	require.NoError(t, err)
	_, err = e.Store.GetVendorProfile(ctx, "vendor-a")
	require.NoError(t, err)

	err = handler(ctx, &model.RetryTask{Operation: model.TaskOperation("bogus")})
	require.Error(t, err)
}
