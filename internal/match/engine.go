// Package match implements the three-way match: purchase order vs. the
// shipment receipts and vendor invoices the correlation engine linked to it.
// Recomputation is an idempotent replace; only the computed-at timestamp may
// differ between runs over identical inputs.
package match

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/procureflow/po-recon/internal/model"
	"github.com/procureflow/po-recon/internal/monitoring"
	"github.com/procureflow/po-recon/internal/retry"
	"github.com/procureflow/po-recon/internal/store"
)

// Config holds the match tolerances. A delta passes if it is under EITHER
// the absolute or the percentage threshold; it takes exceeding both to flag
// a line.
type Config struct {
	QtyTolAbs   float64
	QtyTolPct   float64
	PriceTolAbs float64
	PriceTolPct float64

	// SeverityPct is the relative delta at which a flagged line makes the
	// whole match discrepant instead of merely lowering its score.
	SeverityPct float64

	// AutoApproveThreshold is the minimum overall score a fully matched
	// result needs to bypass human review.
	AutoApproveThreshold float64
}

// DefaultConfig returns the match defaults.
func DefaultConfig() Config {
	return Config{
		QtyTolAbs:            1,
		QtyTolPct:            0.10,
		PriceTolAbs:          0.50,
		PriceTolPct:          0.10,
		SeverityPct:          0.20,
		AutoApproveThreshold: 0.95,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QtyTolAbs <= 0 {
		c.QtyTolAbs = d.QtyTolAbs
	}
	if c.QtyTolPct <= 0 {
		c.QtyTolPct = d.QtyTolPct
	}
	if c.PriceTolAbs <= 0 {
		c.PriceTolAbs = d.PriceTolAbs
	}
	if c.PriceTolPct <= 0 {
		c.PriceTolPct = d.PriceTolPct
	}
	if c.SeverityPct <= 0 {
		c.SeverityPct = d.SeverityPct
	}
	if c.AutoApproveThreshold <= 0 {
		c.AutoApproveThreshold = d.AutoApproveThreshold
	}
	return c
}

// Engine computes and stores three-way match results.
type Engine struct {
	store store.Store
	coord *retry.Coordinator
	cfg   Config
}

// New creates a match engine.
func New(st store.Store, coord *retry.Coordinator, cfg Config) *Engine {
	return &Engine{store: st, coord: coord, cfg: cfg.withDefaults()}
}

// aggregate is the per-SKU rollup of what the linked documents declare.
type aggregate struct {
	receivedQty float64
	invoicedQty float64
	// invoiced unit price is quantity-weighted across invoices
	invoicedValue float64
}

func (a aggregate) invoicedUnitPrice() float64 {
	if a.invoicedQty == 0 {
		return 0
	}
	return a.invoicedValue / a.invoicedQty
}

// Match recomputes the three-way match for a PO from its currently linked
// receipts and invoices and replaces the stored result.
func (e *Engine) Match(ctx context.Context, poID string) (*model.ThreeWayMatchResult, error) {
	po, err := e.store.GetPurchaseOrder(ctx, poID)
	if err != nil {
		return nil, eris.Wrapf(err, "match: load po %s", poID)
	}

	receipts, invoices, err := e.linkedDocuments(ctx, poID)
	if err != nil {
		return nil, err
	}

	result := e.compute(po, receipts, invoices)

	if err := e.store.UpsertMatchResult(ctx, result); err != nil {
		return nil, eris.Wrapf(err, "match: store result %s", poID)
	}

	monitoring.MatchesComputed.WithLabelValues(string(result.MatchStatus)).Inc()
	if result.CanAutoApprove {
		monitoring.MatchesAutoApproved.Inc()
	}

	e.appendEvent(ctx, &model.DomainEvent{
		ID:              uuid.New().String(),
		Kind:            model.EventMatchRecomputed,
		VendorID:        po.VendorID,
		PurchaseOrderID: po.ID,
		Score:           result.OverallScore,
		Detail:          string(result.MatchStatus),
		OccurredAt:      time.Now().UTC(),
	})
	e.enqueueScoreRecalc(ctx, po.VendorID)

	zap.L().Info("match: recomputed",
		zap.String("po_id", po.ID),
		zap.String("status", string(result.MatchStatus)),
		zap.Float64("score", result.OverallScore),
		zap.Bool("auto_approve", result.CanAutoApprove),
	)
	return result, nil
}

// Override records a human resolution on a match result without recomputing
// it.
func (e *Engine) Override(ctx context.Context, poID, resolutionAction, actor string) (*model.ThreeWayMatchResult, error) {
	if actor == "" {
		return nil, &retry.ValidationError{Err: eris.New("match: override requires an actor")}
	}

	result, err := e.store.GetMatchResult(ctx, poID)
	if err != nil {
		return nil, eris.Wrapf(err, "match: override %s", poID)
	}

	result.ResolutionAction = resolutionAction
	result.ResolvedBy = actor
	if err := e.store.UpsertMatchResult(ctx, result); err != nil {
		return nil, eris.Wrapf(err, "match: store override %s", poID)
	}

	e.appendEvent(ctx, &model.DomainEvent{
		ID:              uuid.New().String(),
		Kind:            model.EventMatchOverridden,
		VendorID:        result.VendorID,
		PurchaseOrderID: poID,
		Actor:           actor,
		Detail:          resolutionAction,
		OccurredAt:      time.Now().UTC(),
	})
	e.enqueueScoreRecalc(ctx, result.VendorID)

	zap.L().Info("match: overridden",
		zap.String("po_id", poID),
		zap.String("action", resolutionAction),
		zap.String("actor", actor),
	)
	return result, nil
}

// linkedDocuments loads the receipts and invoices reachable through the
// PO's active correlation links.
func (e *Engine) linkedDocuments(ctx context.Context, poID string) ([]model.ShipmentReceipt, []model.InvoiceDocument, error) {
	links, err := e.store.ListLinksByPO(ctx, poID, false)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "match: list links %s", poID)
	}

	var receipts []model.ShipmentReceipt
	var invoices []model.InvoiceDocument
	for _, l := range links {
		if l.DocumentID == "" {
			continue
		}
		switch l.ExternalKeyType {
		case model.KeyTypeReceipt:
			r, err := e.store.GetReceipt(ctx, l.DocumentID)
			if err != nil {
				return nil, nil, eris.Wrapf(err, "match: load receipt %s", l.DocumentID)
			}
			receipts = append(receipts, *r)
		case model.KeyTypeInvoice:
			inv, err := e.store.GetInvoice(ctx, l.DocumentID)
			if err != nil {
				return nil, nil, eris.Wrapf(err, "match: load invoice %s", l.DocumentID)
			}
			invoices = append(invoices, *inv)
		}
	}
	return receipts, invoices, nil
}

// compute derives the match result. It is a pure function of its inputs
// apart from the computed-at timestamp.
func (e *Engine) compute(po *model.PurchaseOrder, receipts []model.ShipmentReceipt, invoices []model.InvoiceDocument) *model.ThreeWayMatchResult {
	result := &model.ThreeWayMatchResult{
		PurchaseOrderID: po.ID,
		VendorID:        po.VendorID,
		ComputedAt:      time.Now().UTC(),
	}

	hasReceipt := len(receipts) > 0
	hasInvoice := len(invoices) > 0
	if !hasReceipt && !hasInvoice {
		result.MatchStatus = model.MatchStatusUnmatched
		return result
	}

	agg := make(map[string]*aggregate)
	bySKU := func(sku string) *aggregate {
		a, ok := agg[sku]
		if !ok {
			a = &aggregate{}
			agg[sku] = a
		}
		return a
	}
	for _, r := range receipts {
		for _, line := range r.Lines {
			bySKU(line.SKU).receivedQty += line.Quantity
		}
	}
	for _, inv := range invoices {
		for _, line := range inv.Lines {
			a := bySKU(line.SKU)
			a.invoicedQty += line.Quantity
			a.invoicedValue += line.Quantity * line.UnitPrice
		}
	}

	var weightedDiscrepancy, weightedTotal float64
	severe := false
	for _, line := range po.Lines {
		a := agg[line.SKU]
		if a == nil {
			a = &aggregate{}
		}
		disc, lineSevere := e.compareLine(line, a, hasReceipt, hasInvoice)

		weightedTotal += line.LineTotal()
		if disc != nil {
			result.LineDiscrepancies = append(result.LineDiscrepancies, *disc)
			weightedDiscrepancy += disc.QtyDelta*line.UnitPrice + disc.PriceDelta*line.Quantity
			severe = severe || lineSevere
		}
	}

	result.TotalsDiscrepancy = round4(weightedDiscrepancy)
	result.OverallScore = scoreOf(weightedDiscrepancy, weightedTotal)

	switch {
	case severe:
		result.MatchStatus = model.MatchStatusDiscrepant
	case !hasReceipt || !hasInvoice:
		result.MatchStatus = model.MatchStatusPartial
	default:
		result.MatchStatus = model.MatchStatusMatched
	}

	result.CanAutoApprove = result.MatchStatus == model.MatchStatusMatched &&
		result.OverallScore >= e.cfg.AutoApproveThreshold
	return result
}

// compareLine flags a PO line whose quantity or price delta exceeds BOTH
// the absolute and the percentage tolerance. It also reports whether the
// delta is severe enough to make the whole match discrepant.
func (e *Engine) compareLine(line model.POLine, a *aggregate, hasReceipt, hasInvoice bool) (*model.LineDiscrepancy, bool) {
	var qtyDelta float64
	if hasReceipt {
		qtyDelta = math.Abs(line.Quantity - a.receivedQty)
	}
	if hasInvoice {
		if d := math.Abs(line.Quantity - a.invoicedQty); d > qtyDelta {
			qtyDelta = d
		}
	}

	var priceDelta float64
	if hasInvoice && a.invoicedQty > 0 {
		priceDelta = math.Abs(line.UnitPrice - a.invoicedUnitPrice())
	}

	qtyDiscrepant := qtyDelta > e.cfg.QtyTolAbs && qtyDelta > e.cfg.QtyTolPct*line.Quantity
	priceDiscrepant := priceDelta > e.cfg.PriceTolAbs && priceDelta > e.cfg.PriceTolPct*line.UnitPrice
	if !qtyDiscrepant && !priceDiscrepant {
		return nil, false
	}

	severe := false
	if qtyDiscrepant && line.Quantity > 0 && qtyDelta/line.Quantity >= e.cfg.SeverityPct {
		severe = true
	}
	if priceDiscrepant && line.UnitPrice > 0 && priceDelta/line.UnitPrice >= e.cfg.SeverityPct {
		severe = true
	}

	disc := &model.LineDiscrepancy{
		LineNo:          line.LineNo,
		SKU:             line.SKU,
		OrderedQty:      line.Quantity,
		ReceivedQty:     a.receivedQty,
		InvoicedQty:     a.invoicedQty,
		OrderedPrice:    line.UnitPrice,
		InvoicedPrice:   round4(a.invoicedUnitPrice()),
		QtyDelta:        round4(qtyDelta),
		PriceDelta:      round4(priceDelta),
		QtyDiscrepant:   qtyDiscrepant,
		PriceDiscrepant: priceDiscrepant,
	}
	return disc, severe
}

func (e *Engine) enqueueScoreRecalc(ctx context.Context, vendorID string) {
	payload := model.TaskPayload{
		Operation:        model.OpRecalculateScore,
		RecalculateScore: &model.RecalculateScorePayload{VendorID: vendorID, Trigger: "match"},
	}
	_, err := e.coord.Enqueue(ctx, payload, retry.EnqueueOptions{
		TaskKey: fmt.Sprintf("vendor:%s:score", vendorID),
	})
	if err != nil {
		zap.L().Error("match: enqueue score recalc",
			zap.String("vendor_id", vendorID),
			zap.Error(err),
		)
	}
}

func (e *Engine) appendEvent(ctx context.Context, ev *model.DomainEvent) {
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		zap.L().Error("match: append event",
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
	}
}

// scoreOf clamps 1 - discrepancy/total to [0,1] and rounds to a fixed
// precision so identical inputs reproduce an identical stored result.
func scoreOf(discrepancy, total float64) float64 {
	if total <= 0 {
		return 0
	}
	s := 1 - discrepancy/total
	if s < 0 {
		s = 0
	}
	if s > 1 {
		s = 1
	}
	return round4(s)
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
