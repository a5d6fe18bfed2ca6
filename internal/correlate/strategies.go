package correlate

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/procureflow/po-recon/internal/model"
)

// candidate is a PO one strategy nominated, with the confidence it earned.
type candidate struct {
	po         *model.PurchaseOrder
	confidence float64
	method     model.CorrelationMethod
}

// findCandidate runs the strategies in rank order and returns the first hit,
// or nil when every enabled strategy came up empty.
func (e *Engine) findCandidate(ctx context.Context, ev model.ExternalEvent) (*candidate, error) {
	if !e.cfg.DisableExactIdentifier {
		c, err := e.matchExactIdentifier(ctx, ev)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return c, nil
		}
	}

	if !e.cfg.DisableVendorAmount {
		c, err := e.matchVendorAmountDate(ctx, ev)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return c, nil
		}
	}

	if !e.cfg.DisableEmailDomain {
		c, err := e.matchEmailDomain(ctx, ev)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return c, nil
		}
	}

	return nil, nil
}

// matchExactIdentifier looks for the external key, or the document's
// declared PO reference, verbatim as an open PO number. Confidence 1.0.
func (e *Engine) matchExactIdentifier(ctx context.Context, ev model.ExternalEvent) (*candidate, error) {
	for _, ref := range []string{ev.DeclaredPORef, ev.ExternalKey} {
		if ref == "" {
			continue
		}
		po, err := e.store.GetPurchaseOrderByNumber(ctx, ref)
		if err != nil {
			if notFound(err) {
				continue
			}
			return nil, eris.Wrap(err, "correlate: lookup by number")
		}
		if !po.Open() {
			continue
		}
		return &candidate{po: po, confidence: 1.0, method: model.MethodExactIdentifier}, nil
	}
	return nil, nil
}

// matchVendorAmountDate searches the vendor's open POs for a total within
// tolerance and an order date within the window. Confidence scales with how
// close the amount and date sit, topping out below the exact-identifier 1.0.
func (e *Engine) matchVendorAmountDate(ctx context.Context, ev model.ExternalEvent) (*candidate, error) {
	if ev.VendorHint == "" || ev.AmountHint <= 0 {
		return nil, nil
	}

	pos, err := e.store.ListOpenPurchaseOrders(ctx, ev.VendorHint)
	if err != nil {
		return nil, eris.Wrap(err, "correlate: list open pos")
	}

	window := time.Duration(e.cfg.DateWindowDays) * 24 * time.Hour
	var cands []candidate
	for i := range pos {
		po := &pos[i]
		if po.Total <= 0 {
			continue
		}

		tol := e.cfg.AmountTolerancePct * po.Total
		amountDelta := math.Abs(ev.AmountHint - po.Total)
		if amountDelta > tol {
			continue
		}

		dateRecency := 1.0
		if !ev.DateHint.IsZero() {
			dateDelta := ev.DateHint.Sub(po.OrderedAt)
			if dateDelta < 0 {
				dateDelta = -dateDelta
			}
			if dateDelta > window {
				continue
			}
			dateRecency = 1 - float64(dateDelta)/float64(window)
		}

		amountCloseness := 1 - amountDelta/tol
		conf := 0.60 + 0.25*amountCloseness + 0.10*dateRecency
		cands = append(cands, candidate{po: po, confidence: round4(conf), method: model.MethodVendorAmount})
	}

	return pickBest(cands), nil
}

// matchEmailDomain attaches correspondence from a known vendor to that
// vendor's most recently ordered, still-open PO. The vendor comes from an
// existing thread link or from the ingestion layer's domain resolution
// (VendorHint alongside SenderDomain). Confidence is a fixed cap below the
// stronger strategies.
func (e *Engine) matchEmailDomain(ctx context.Context, ev model.ExternalEvent) (*candidate, error) {
	vendorID := ""
	if ev.ExternalKeyType == model.KeyTypeEmail {
		existing, err := e.store.GetActiveLink(ctx, model.KeyTypeEmail, ev.ExternalKey)
		if err != nil {
			return nil, eris.Wrap(err, "correlate: thread lookup")
		}
		if existing != nil {
			vendorID = existing.VendorID
		}
	}
	if vendorID == "" && ev.SenderDomain != "" {
		vendorID = ev.VendorHint
	}
	if vendorID == "" {
		return nil, nil
	}

	pos, err := e.store.ListOpenPurchaseOrders(ctx, vendorID)
	if err != nil {
		return nil, eris.Wrap(err, "correlate: list open pos")
	}
	if len(pos) == 0 {
		return nil, nil
	}

	best := &pos[0]
	for i := 1; i < len(pos); i++ {
		if pos[i].OrderedAt.After(best.OrderedAt) {
			best = &pos[i]
		}
	}
	return &candidate{po: best, confidence: e.cfg.DomainConfidenceCap, method: model.MethodEmailDomain}, nil
}

// pickBest returns the highest-confidence candidate. Equal confidence
// breaks toward the PO more likely to be due: earlier next follow-up, then
// earlier expected date.
func pickBest(cands []candidate) *candidate {
	if len(cands) == 0 {
		return nil
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].confidence != cands[j].confidence {
			return cands[i].confidence > cands[j].confidence
		}
		a, b := cands[i].po, cands[j].po
		if !a.NextFollowUpDue.Equal(b.NextFollowUpDue) {
			return a.NextFollowUpDue.Before(b.NextFollowUpDue)
		}
		return a.ExpectedAt.Before(b.ExpectedAt)
	})
	return &cands[0]
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
