package vendorscore

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/procureflow/po-recon/internal/model"
	"github.com/procureflow/po-recon/internal/monitoring"
	"github.com/procureflow/po-recon/internal/store"
)

// Config holds the scorer tunables.
type Config struct {
	// WindowDays is the trailing event window every component is derived
	// from.
	WindowDays int

	// SnapshotDays is how old the trend snapshot may get before it rolls
	// forward.
	SnapshotDays int

	// TrendEpsilon is the dead band around the snapshot score inside which
	// the trend reads stable.
	TrendEpsilon float64
}

// DefaultConfig returns the scorer defaults.
func DefaultConfig() Config {
	return Config{
		WindowDays:   90,
		SnapshotDays: 30,
		TrendEpsilon: 0.05,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WindowDays <= 0 {
		c.WindowDays = d.WindowDays
	}
	if c.SnapshotDays <= 0 {
		c.SnapshotDays = d.SnapshotDays
	}
	if c.TrendEpsilon <= 0 {
		c.TrendEpsilon = d.TrendEpsilon
	}
	return c
}

// Scorer recomputes vendor confidence profiles.
type Scorer struct {
	store   store.Store
	weights WeightTable
	cfg     Config
}

// New creates a scorer. The weight table must already be validated.
func New(st store.Store, weights WeightTable, cfg Config) *Scorer {
	return &Scorer{store: st, weights: weights, cfg: cfg.withDefaults()}
}

// neutralScore is what a component reads when the window holds no signal
// for it. A new vendor starts in the middle, not at zero.
const neutralScore = 0.5

// Recalculate rebuilds the vendor's profile from the trailing event window
// and replaces the stored row. It is deterministic: the same events, POs,
// and weight table version always produce the same score.
func (s *Scorer) Recalculate(ctx context.Context, vendorID, trigger string) (*model.VendorConfidenceProfile, error) {
	now := time.Now().UTC()
	since := now.AddDate(0, 0, -s.cfg.WindowDays)

	events, err := s.store.ListVendorEventsSince(ctx, vendorID, since)
	if err != nil {
		return nil, eris.Wrapf(err, "vendorscore: list events %s", vendorID)
	}

	pos, err := s.windowPOs(ctx, vendorID, since)
	if err != nil {
		return nil, err
	}

	components := model.ComponentScores{
		InvoiceAccuracy:  s.invoiceAccuracy(events),
		ResponseLatency:  s.responseLatency(events),
		Threading:        s.threading(events),
		FollowupResponse: s.followupResponse(events),
	}
	components.Completeness, components.LeadTime, err = s.fulfillmentComponents(ctx, pos)
	if err != nil {
		return nil, err
	}

	score := s.weightedScore(components)

	profile := &model.VendorConfidenceProfile{
		VendorID:           vendorID,
		Components:         components,
		ConfidenceScore:    score,
		WeightsVersion:     s.weights.Version,
		InteractionsCount:  len(events),
		LastRecalculatedAt: now,
	}
	s.applyTrend(ctx, profile, now)

	if err := s.store.UpsertVendorProfile(ctx, profile); err != nil {
		return nil, eris.Wrapf(err, "vendorscore: store profile %s", vendorID)
	}

	monitoring.ScoreRecalcs.Inc()
	zap.L().Info("vendorscore: recalculated",
		zap.String("vendor_id", vendorID),
		zap.String("trigger", trigger),
		zap.Float64("score", profile.ConfidenceScore),
		zap.String("trend", string(profile.Trend)),
		zap.Int("interactions", profile.InteractionsCount),
	)
	return profile, nil
}

// Sweep recalculates every vendor whose profile is older than staleAfter,
// so scores keep aging even for vendors with no new events.
func (s *Scorer) Sweep(ctx context.Context, staleAfter time.Duration) (int, error) {
	olderThan := time.Now().UTC().Add(-staleAfter)
	vendorIDs, err := s.store.ListStaleVendors(ctx, olderThan)
	if err != nil {
		return 0, eris.Wrap(err, "vendorscore: list stale vendors")
	}

	recalculated := 0
	for _, id := range vendorIDs {
		if _, err := s.Recalculate(ctx, id, "sweep"); err != nil {
			zap.L().Error("vendorscore: sweep recalculation failed",
				zap.String("vendor_id", id),
				zap.Error(err),
			)
			continue
		}
		recalculated++
	}

	if len(vendorIDs) > 0 {
		zap.L().Info("vendorscore: sweep complete",
			zap.Int("stale", len(vendorIDs)),
			zap.Int("recalculated", recalculated),
		)
	}
	return recalculated, nil
}

// windowPOs returns the vendor's POs ordered within the window.
func (s *Scorer) windowPOs(ctx context.Context, vendorID string, since time.Time) ([]model.PurchaseOrder, error) {
	all, err := s.store.ListVendorPurchaseOrders(ctx, vendorID)
	if err != nil {
		return nil, eris.Wrapf(err, "vendorscore: list pos %s", vendorID)
	}
	var pos []model.PurchaseOrder
	for _, po := range all {
		if !po.OrderedAt.Before(since) {
			pos = append(pos, po)
		}
	}
	return pos, nil
}

// fulfillmentComponents derives completeness (both receipt and invoice
// correlated before the expected date) and lead time (actual vs. promised
// variance) from the window POs and their active links.
func (s *Scorer) fulfillmentComponents(ctx context.Context, pos []model.PurchaseOrder) (completeness, leadTime float64, err error) {
	if len(pos) == 0 {
		return neutralScore, neutralScore, nil
	}

	complete := 0
	var varianceSum float64
	varianceN := 0

	for _, po := range pos {
		links, err := s.store.ListLinksByPO(ctx, po.ID, false)
		if err != nil {
			return 0, 0, eris.Wrapf(err, "vendorscore: list links %s", po.ID)
		}

		var receiptAt, invoiceAt *time.Time
		for i := range links {
			l := links[i]
			switch l.ExternalKeyType {
			case model.KeyTypeReceipt:
				if receiptAt == nil || l.CreatedAt.Before(*receiptAt) {
					receiptAt = &links[i].CreatedAt
				}
			case model.KeyTypeInvoice:
				if invoiceAt == nil || l.CreatedAt.Before(*invoiceAt) {
					invoiceAt = &links[i].CreatedAt
				}
			}
		}

		if receiptAt != nil && invoiceAt != nil &&
			receiptAt.Before(po.ExpectedAt) && invoiceAt.Before(po.ExpectedAt) {
			complete++
		}

		if receiptAt != nil && po.PromisedLeadDays > 0 {
			actualDays := receiptAt.Sub(po.OrderedAt).Hours() / 24
			varianceSum += math.Abs(actualDays-float64(po.PromisedLeadDays)) / float64(po.PromisedLeadDays)
			varianceN++
		}
	}

	completeness = round4(float64(complete) / float64(len(pos)))
	if varianceN == 0 {
		return completeness, neutralScore, nil
	}
	leadTime = round4(clamp01(1 - varianceSum/float64(varianceN)))
	return completeness, leadTime, nil
}

// invoiceAccuracy is 1 minus the average discrepancy magnitude, i.e. the
// average overall score of the window's match recomputations.
func (s *Scorer) invoiceAccuracy(events []model.DomainEvent) float64 {
	var sum float64
	n := 0
	for _, ev := range events {
		if ev.Kind == model.EventMatchRecomputed {
			sum += ev.Score
			n++
		}
	}
	if n == 0 {
		return neutralScore
	}
	return round4(sum / float64(n))
}

// responseLatency pairs each outbound inquiry with the first correlated
// inbound reply on the same thread and scores the inverse of the average
// lag.
func (s *Scorer) responseLatency(events []model.DomainEvent) float64 {
	type inquiry struct {
		sentAt  time.Time
		replied bool
	}
	inquiries := make(map[string]*inquiry)
	var lagSum float64
	lagN := 0

	for _, ev := range events {
		switch ev.Kind {
		case model.EventInquirySent:
			if ev.ThreadKey != "" {
				inquiries[ev.ThreadKey] = &inquiry{sentAt: ev.OccurredAt}
			}
		case model.EventReplyReceived:
			inq, ok := inquiries[ev.ThreadKey]
			if !ok || inq.replied || ev.OccurredAt.Before(inq.sentAt) {
				continue
			}
			inq.replied = true
			lagSum += ev.OccurredAt.Sub(inq.sentAt).Hours() / 24
			lagN++
		}
	}

	if lagN == 0 {
		return neutralScore
	}
	return round4(1 / (1 + lagSum/float64(lagN)))
}

// threading is the fraction of inbound correspondence that landed in an
// existing thread instead of starting a new, unlinked one.
func (s *Scorer) threading(events []model.DomainEvent) float64 {
	threaded, total := 0, 0
	for _, ev := range events {
		if ev.Kind != model.EventReplyReceived {
			continue
		}
		total++
		if ev.ThreadKey != "" {
			threaded++
		}
	}
	if total == 0 {
		return neutralScore
	}
	return round4(float64(threaded) / float64(total))
}

// followupResponse is the fraction of automated follow-ups answered before
// escalation.
func (s *Scorer) followupResponse(events []model.DomainEvent) float64 {
	sent, answered := 0, 0
	for _, ev := range events {
		switch ev.Kind {
		case model.EventFollowupSent:
			sent++
		case model.EventFollowupAnswered:
			answered++
		}
	}
	if sent == 0 {
		return neutralScore
	}
	return round4(clamp01(float64(answered) / float64(sent)))
}

func (s *Scorer) weightedScore(c model.ComponentScores) float64 {
	return round4(s.weights.Completeness*c.Completeness +
		s.weights.LeadTime*c.LeadTime +
		s.weights.InvoiceAccuracy*c.InvoiceAccuracy +
		s.weights.ResponseLatency*c.ResponseLatency +
		s.weights.Threading*c.Threading +
		s.weights.FollowupResponse*c.FollowupResponse)
}

// applyTrend carries the snapshot forward from the previous profile, rolls
// it when it ages past SnapshotDays, and classifies the movement against it.
func (s *Scorer) applyTrend(ctx context.Context, profile *model.VendorConfidenceProfile, now time.Time) {
	prev, err := s.store.GetVendorProfile(ctx, profile.VendorID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		zap.L().Warn("vendorscore: load previous profile",
			zap.String("vendor_id", profile.VendorID),
			zap.Error(err),
		)
		prev = nil
	}

	snapshotAge := time.Duration(s.cfg.SnapshotDays) * 24 * time.Hour
	switch {
	case prev == nil || prev.SnapshotAt == nil:
		profile.ScoreNDaysAgo = profile.ConfidenceScore
		profile.SnapshotAt = &now
	case now.Sub(*prev.SnapshotAt) >= snapshotAge:
		profile.ScoreNDaysAgo = prev.ConfidenceScore
		profile.SnapshotAt = &now
	default:
		profile.ScoreNDaysAgo = prev.ScoreNDaysAgo
		profile.SnapshotAt = prev.SnapshotAt
	}

	delta := profile.ConfidenceScore - profile.ScoreNDaysAgo
	switch {
	case delta > s.cfg.TrendEpsilon:
		profile.Trend = model.TrendImproving
	case delta < -s.cfg.TrendEpsilon:
		profile.Trend = model.TrendDeclining
	default:
		profile.Trend = model.TrendStable
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
