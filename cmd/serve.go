package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the reconciliation HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(e),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// newRouter builds the API surface: read-only queries for UI/notification
// layers, audited command endpoints, and the ingestion boundary.
func newRouter(e *env) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/status", handleStatus(e))

	r.Get("/pos/{id}/match", handleGetMatch(e))
	r.Get("/pos/{id}/links", handleGetLinks(e))
	r.Get("/vendors/{id}/confidence", handleGetConfidence(e))
	r.Get("/tasks/dead", handleListDead(e))
	r.Get("/correlations/unresolved", handleListUnresolved(e))

	r.Post("/events/correlate", handleCorrelateEvent(e))
	r.Post("/documents/receipt", handleIngestReceipt(e))
	r.Post("/documents/invoice", handleIngestInvoice(e))
	r.Post("/correlations/manual", handleManualCorrelate(e))
	r.Post("/pos/{id}/override", handleOverrideMatch(e))
	r.Post("/tasks/{id}/resolve", handleResolveDeadLetter(e))

	return r
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
