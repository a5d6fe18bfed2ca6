package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/procureflow/po-recon/internal/correlate"
	"github.com/procureflow/po-recon/internal/match"
	"github.com/procureflow/po-recon/internal/model"
	"github.com/procureflow/po-recon/internal/monitoring"
	"github.com/procureflow/po-recon/internal/retry"
	"github.com/procureflow/po-recon/internal/store"
	"github.com/procureflow/po-recon/internal/vendorscore"
)

// env bundles the wired reconciliation components for a command run.
type env struct {
	Store      store.Store
	Coord      *retry.Coordinator
	Correlator *correlate.Engine
	Matcher    *match.Engine
	Scorer     *vendorscore.Scorer
	Collector  *monitoring.Collector
}

func (e *env) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite", "":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initEnv opens the store and wires the coordinator, engines, and scorer
// from config.
func initEnv(ctx context.Context) (*env, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}

	coord := retry.New(st, retry.Config{
		BackoffBase:       time.Duration(cfg.Retry.BackoffBaseSecs) * time.Second,
		BackoffCap:        time.Duration(cfg.Retry.BackoffCapSecs) * time.Second,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		LeaseDuration:     time.Duration(cfg.Retry.LeaseDurationSecs) * time.Second,
		DefaultMaxRetries: cfg.Retry.DefaultMaxRetries,
	})

	correlator := correlate.New(st, coord, correlate.Config{
		AmountTolerancePct:     cfg.Correlate.AmountTolerancePct,
		DateWindowDays:         cfg.Correlate.DateWindowDays,
		DomainConfidenceCap:    cfg.Correlate.DomainConfidenceCap,
		DisableExactIdentifier: !cfg.Correlate.ExactEnabled,
		DisableVendorAmount:    !cfg.Correlate.VendorAmountEnabled,
		DisableEmailDomain:     !cfg.Correlate.EmailDomainEnabled,
	})

	matcher := match.New(st, coord, match.Config{
		QtyTolAbs:            cfg.Match.QtyToleranceAbs,
		QtyTolPct:            cfg.Match.QtyTolerancePct,
		PriceTolAbs:          cfg.Match.PriceToleranceAbs,
		PriceTolPct:          cfg.Match.PriceTolerancePct,
		SeverityPct:          cfg.Match.SeverityPct,
		AutoApproveThreshold: cfg.Match.AutoApproveThreshold,
	})

	weights, err := vendorscore.LoadWeights(cfg.Scorer.WeightsPath)
	if err != nil {
		st.Close()
		return nil, err
	}
	scorer := vendorscore.New(st, weights, vendorscore.Config{
		WindowDays:   cfg.Scorer.WindowDays,
		SnapshotDays: cfg.Scorer.SnapshotDays,
		TrendEpsilon: cfg.Scorer.TrendEpsilon,
	})

	return &env{
		Store:      st,
		Coord:      coord,
		Correlator: correlator,
		Matcher:    matcher,
		Scorer:     scorer,
		Collector:  monitoring.NewCollector(st),
	}, nil
}

// taskHandler dispatches leased retry tasks to the engine that owns the
// operation. Carrier verification belongs to the ingestion layer; the core
// only acknowledges the task so the attempt is recorded and retried there.
func taskHandler(e *env) retry.Handler {
	return func(ctx context.Context, task *model.RetryTask) error {
		switch task.Operation {
		case model.OpVerifyCorrelation:
			_, err := e.Correlator.Correlate(ctx, task.Payload.VerifyCorrelation.Event)
			return err
		case model.OpRecomputeMatch:
			_, err := e.Matcher.Match(ctx, task.Payload.RecomputeMatch.PurchaseOrderID)
			return err
		case model.OpRecalculateScore:
			p := task.Payload.RecalculateScore
			_, err := e.Scorer.Recalculate(ctx, p.VendorID, p.Trigger)
			return err
		case model.OpCarrierVerify:
			zap.L().Debug("carrier verify handed to ingestion layer",
				zap.String("tracking", task.Payload.CarrierVerify.TrackingNumber),
				zap.String("po_id", task.Payload.CarrierVerify.PurchaseOrderID),
			)
			return nil
		default:
			return eris.Errorf("unknown task operation %q", string(task.Operation))
		}
	}
}
