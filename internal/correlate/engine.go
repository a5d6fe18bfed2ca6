// Package correlate attaches inbound external events (tracking updates,
// email threads, invoices, receipts) to the purchase orders they concern.
// Strategies run in a fixed order and the first match wins; every link
// carries the method and confidence that produced it, and a stronger signal
// later supersedes a weaker link without ever deleting it.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/procureflow/po-recon/internal/model"
	"github.com/procureflow/po-recon/internal/monitoring"
	"github.com/procureflow/po-recon/internal/retry"
	"github.com/procureflow/po-recon/internal/store"
)

// Config holds the correlation tunables. Each strategy can be disabled
// independently; the zero value enables all of them.
type Config struct {
	// AmountTolerancePct bounds how far a document total may sit from an
	// open PO total and still qualify for the vendor+amount+date strategy.
	AmountTolerancePct float64

	// DateWindowDays bounds how far the document date may sit from the PO
	// order date for the same strategy.
	DateWindowDays int

	// DomainConfidenceCap is the fixed confidence assigned by the
	// email-domain heuristic. It must stay below what the identifier and
	// amount strategies produce.
	DomainConfidenceCap float64

	DisableExactIdentifier bool
	DisableVendorAmount    bool
	DisableEmailDomain     bool
}

// DefaultConfig returns the correlation defaults.
func DefaultConfig() Config {
	return Config{
		AmountTolerancePct:  0.05,
		DateWindowDays:      30,
		DomainConfidenceCap: 0.55,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AmountTolerancePct <= 0 {
		c.AmountTolerancePct = d.AmountTolerancePct
	}
	if c.DateWindowDays <= 0 {
		c.DateWindowDays = d.DateWindowDays
	}
	if c.DomainConfidenceCap <= 0 {
		c.DomainConfidenceCap = d.DomainConfidenceCap
	}
	return c
}

// Engine runs the ranked correlation strategies over the open PO book.
type Engine struct {
	store store.Store
	coord *retry.Coordinator
	cfg   Config
}

// New creates a correlation engine.
func New(st store.Store, coord *retry.Coordinator, cfg Config) *Engine {
	return &Engine{store: st, coord: coord, cfg: cfg.withDefaults()}
}

// Correlate resolves an external event to a purchase order. A nil link with
// a nil error means the event matched nothing and was queued for human
// review. External verification never runs inline; it is enqueued as a
// retry task so a transient outage cannot lose the attempt.
func (e *Engine) Correlate(ctx context.Context, ev model.ExternalEvent) (*model.CorrelationLink, error) {
	if ev.ExternalKey == "" {
		return nil, &retry.ValidationError{Err: eris.New("correlate: empty external key")}
	}
	if !ev.ExternalKeyType.Valid() {
		return nil, &retry.ValidationError{Err: eris.Errorf("correlate: unknown key type %q", string(ev.ExternalKeyType))}
	}

	cand, err := e.findCandidate(ctx, ev)
	if err != nil {
		return nil, err
	}
	if cand == nil {
		if err := e.emitUnresolved(ctx, ev); err != nil {
			return nil, err
		}
		return nil, nil
	}

	link := &model.CorrelationLink{
		ID:              uuid.New().String(),
		ExternalKey:     ev.ExternalKey,
		ExternalKeyType: ev.ExternalKeyType,
		PurchaseOrderID: cand.po.ID,
		VendorID:        cand.po.VendorID,
		DocumentID:      ev.DocumentID,
		Confidence:      cand.confidence,
		Method:          cand.method,
		Sightings:       1,
		CreatedAt:       time.Now().UTC(),
	}

	active, err := e.writeLink(ctx, link)
	if err != nil {
		return nil, err
	}

	if active.ID == link.ID {
		e.enqueueFollowOn(ctx, ev, active)
	}
	return active, nil
}

// ManualCorrelate records a human correlation decision. It always wins over
// an automatic link to a different PO; a matching existing link is kept and
// the decision recorded as a sighting.
func (e *Engine) ManualCorrelate(ctx context.Context, externalKey string, keyType model.ExternalKeyType, poID, actor string) (*model.CorrelationLink, error) {
	if !keyType.Valid() {
		return nil, &retry.ValidationError{Err: eris.Errorf("correlate: unknown key type %q", string(keyType))}
	}
	if actor == "" {
		return nil, &retry.ValidationError{Err: eris.New("correlate: manual correlation requires an actor")}
	}

	po, err := e.store.GetPurchaseOrder(ctx, poID)
	if err != nil {
		return nil, eris.Wrapf(err, "correlate: manual target %s", poID)
	}

	link := &model.CorrelationLink{
		ID:              uuid.New().String(),
		ExternalKey:     externalKey,
		ExternalKeyType: keyType,
		PurchaseOrderID: po.ID,
		VendorID:        po.VendorID,
		Confidence:      1.0,
		Method:          model.MethodManual,
		Sightings:       1,
		CreatedAt:       time.Now().UTC(),
	}

	existing, err := e.store.GetActiveLink(ctx, keyType, externalKey)
	if err != nil {
		return nil, eris.Wrap(err, "correlate: manual lookup")
	}

	var active *model.CorrelationLink
	switch {
	case existing == nil:
		if err := e.store.InsertLink(ctx, link); err != nil {
			return nil, eris.Wrap(err, "correlate: manual insert")
		}
		monitoring.LinksCreated.WithLabelValues(string(model.MethodManual)).Inc()
		active = link
	case existing.PurchaseOrderID == po.ID:
		if err := e.store.IncrementSighting(ctx, existing.ID); err != nil {
			return nil, eris.Wrap(err, "correlate: manual sighting")
		}
		active = existing
	default:
		if err := e.store.SupersedeLink(ctx, existing.ID, link); err != nil {
			return nil, eris.Wrap(err, "correlate: manual supersede")
		}
		monitoring.LinksCreated.WithLabelValues(string(model.MethodManual)).Inc()
		monitoring.LinksSuperseded.Inc()
		active = link
	}

	e.appendEvent(ctx, &model.DomainEvent{
		ID:              uuid.New().String(),
		Kind:            model.EventCorrelationManual,
		VendorID:        po.VendorID,
		PurchaseOrderID: po.ID,
		ExternalKey:     externalKey,
		Actor:           actor,
		Score:           1.0,
		OccurredAt:      time.Now().UTC(),
	})

	if active.ID == link.ID && (keyType == model.KeyTypeReceipt || keyType == model.KeyTypeInvoice) {
		e.enqueueRecompute(ctx, po.ID)
	}

	zap.L().Info("correlate: manual link",
		zap.String("external_key", externalKey),
		zap.String("po_id", po.ID),
		zap.String("actor", actor),
	)
	return active, nil
}

// writeLink applies the non-downgrade rule: an active link with confidence
// at or above the candidate's is kept (the evidence counts as a sighting);
// otherwise the candidate supersedes it and the old link is retained marked
// superseded.
func (e *Engine) writeLink(ctx context.Context, link *model.CorrelationLink) (*model.CorrelationLink, error) {
	existing, err := e.store.GetActiveLink(ctx, link.ExternalKeyType, link.ExternalKey)
	if err != nil {
		return nil, eris.Wrap(err, "correlate: active link lookup")
	}

	if existing != nil && existing.Confidence >= link.Confidence {
		if err := e.store.IncrementSighting(ctx, existing.ID); err != nil {
			return nil, eris.Wrap(err, "correlate: record sighting")
		}
		zap.L().Debug("correlate: kept existing link",
			zap.String("external_key", link.ExternalKey),
			zap.Float64("existing_confidence", existing.Confidence),
			zap.Float64("candidate_confidence", link.Confidence),
		)
		return existing, nil
	}

	if existing != nil {
		if err := e.store.SupersedeLink(ctx, existing.ID, link); err != nil {
			return nil, eris.Wrap(err, "correlate: supersede link")
		}
		monitoring.LinksSuperseded.Inc()
		e.appendEvent(ctx, &model.DomainEvent{
			ID:              uuid.New().String(),
			Kind:            model.EventCorrelationSuperseded,
			VendorID:        link.VendorID,
			PurchaseOrderID: link.PurchaseOrderID,
			ExternalKey:     link.ExternalKey,
			Score:           link.Confidence,
			Detail:          fmt.Sprintf("%s over %s", link.Method, existing.Method),
			OccurredAt:      time.Now().UTC(),
		})
	} else {
		if err := e.store.InsertLink(ctx, link); err != nil {
			return nil, eris.Wrap(err, "correlate: insert link")
		}
		e.appendEvent(ctx, &model.DomainEvent{
			ID:              uuid.New().String(),
			Kind:            model.EventCorrelationCreated,
			VendorID:        link.VendorID,
			PurchaseOrderID: link.PurchaseOrderID,
			ExternalKey:     link.ExternalKey,
			Score:           link.Confidence,
			Detail:          string(link.Method),
			OccurredAt:      time.Now().UTC(),
		})
	}

	monitoring.LinksCreated.WithLabelValues(string(link.Method)).Inc()
	zap.L().Info("correlate: link active",
		zap.String("external_key", link.ExternalKey),
		zap.String("po_id", link.PurchaseOrderID),
		zap.String("method", string(link.Method)),
		zap.Float64("confidence", link.Confidence),
	)
	return link, nil
}

func (e *Engine) emitUnresolved(ctx context.Context, ev model.ExternalEvent) error {
	u := &model.UnresolvedEvent{
		ID:              uuid.New().String(),
		ExternalKey:     ev.ExternalKey,
		ExternalKeyType: ev.ExternalKeyType,
		VendorHint:      ev.VendorHint,
		RawPayloadRef:   ev.RawPayloadRef,
		CreatedAt:       time.Now().UTC(),
	}
	if err := e.store.AddUnresolved(ctx, u); err != nil {
		return eris.Wrap(err, "correlate: queue unresolved")
	}

	monitoring.CorrelationsUnresolved.Inc()
	e.appendEvent(ctx, &model.DomainEvent{
		ID:          uuid.New().String(),
		Kind:        model.EventCorrelationUnresolved,
		VendorID:    ev.VendorHint,
		ExternalKey: ev.ExternalKey,
		OccurredAt:  time.Now().UTC(),
	})

	zap.L().Warn("correlate: no match, queued for review",
		zap.String("external_key", ev.ExternalKey),
		zap.String("key_type", string(ev.ExternalKeyType)),
	)
	return nil
}

// enqueueFollowOn schedules the background work a fresh link implies: a
// match recomputation when a receipt or invoice landed, and a carrier
// verification when a tracking key did.
func (e *Engine) enqueueFollowOn(ctx context.Context, ev model.ExternalEvent, link *model.CorrelationLink) {
	switch link.ExternalKeyType {
	case model.KeyTypeReceipt, model.KeyTypeInvoice:
		e.enqueueRecompute(ctx, link.PurchaseOrderID)
	case model.KeyTypeTracking:
		payload := model.TaskPayload{
			Operation: model.OpCarrierVerify,
			CarrierVerify: &model.CarrierVerifyPayload{
				TrackingNumber:  ev.ExternalKey,
				PurchaseOrderID: link.PurchaseOrderID,
			},
		}
		_, err := e.coord.Enqueue(ctx, payload, retry.EnqueueOptions{
			TaskKey: fmt.Sprintf("track:%s:verify", ev.ExternalKey),
		})
		if err != nil {
			zap.L().Error("correlate: enqueue carrier verify",
				zap.String("tracking", ev.ExternalKey),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) enqueueRecompute(ctx context.Context, poID string) {
	payload := model.TaskPayload{
		Operation:      model.OpRecomputeMatch,
		RecomputeMatch: &model.RecomputeMatchPayload{PurchaseOrderID: poID},
	}
	_, err := e.coord.Enqueue(ctx, payload, retry.EnqueueOptions{
		TaskKey: fmt.Sprintf("po:%s:match", poID),
	})
	if err != nil {
		zap.L().Error("correlate: enqueue match recompute",
			zap.String("po_id", poID),
			zap.Error(err),
		)
	}
}

func (e *Engine) appendEvent(ctx context.Context, ev *model.DomainEvent) {
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		zap.L().Error("correlate: append event",
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
	}
}

// notFound reports whether err is the store's missing-entity sentinel.
func notFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
