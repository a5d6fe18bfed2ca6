package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/procureflow/po-recon/internal/model"
	"github.com/procureflow/po-recon/internal/retry"
	"github.com/procureflow/po-recon/internal/store"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondErr(w http.ResponseWriter, err error) {
	var vErr *retry.ValidationError
	switch {
	case errors.As(err, &vErr):
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": vErr.Error()})
	case errors.Is(err, store.ErrNotFound):
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	default:
		zap.L().Error("request failed", zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleStatus(e *env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := e.Collector.Collect(r.Context())
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, snap)
	}
}

func handleGetMatch(e *env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := e.Store.GetMatchResult(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, result)
	}
}

func handleGetLinks(e *env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		includeSuperseded := r.URL.Query().Get("history") == "true"
		links, err := e.Store.ListLinksByPO(r.Context(), chi.URLParam(r, "id"), includeSuperseded)
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, links)
	}
}

func handleGetConfidence(e *env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profile, err := e.Store.GetVendorProfile(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, profile)
	}
}

func handleListDead(e *env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := e.Coord.ListDead(r.Context(), 100)
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, tasks)
	}
}

func handleListUnresolved(e *env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := e.Store.ListUnresolved(r.Context(), 100)
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, events)
	}
}

// handleCorrelateEvent is the ingestion boundary: an external event envelope
// in, an active link (or unresolved acknowledgment) out.
func handleCorrelateEvent(e *env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev model.ExternalEvent
		if !decodeBody(w, r, &ev) {
			return
		}

		link, err := e.Correlator.Correlate(r.Context(), ev)
		if err != nil {
			respondErr(w, err)
			return
		}
		if link == nil {
			respondJSON(w, http.StatusAccepted, map[string]string{"status": "unresolved"})
			return
		}
		respondJSON(w, http.StatusOK, link)
	}
}

func handleIngestReceipt(e *env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var receipt model.ShipmentReceipt
		if !decodeBody(w, r, &receipt) {
			return
		}
		if receipt.ID == "" {
			receipt.ID = uuid.New().String()
		}

		if err := e.Store.PutReceipt(r.Context(), &receipt); err != nil {
			respondErr(w, err)
			return
		}

		link, err := e.Correlator.Correlate(r.Context(), model.ExternalEvent{
			ExternalKey:     receipt.ID,
			ExternalKeyType: model.KeyTypeReceipt,
			VendorHint:      receipt.VendorID,
			DeclaredPORef:   receipt.DeclaredPONumber,
			AmountHint:      receipt.Total,
			DateHint:        receipt.DocumentedAt,
			DocumentID:      receipt.ID,
		})
		if err != nil {
			respondErr(w, err)
			return
		}
		if link == nil {
			respondJSON(w, http.StatusAccepted, map[string]string{"status": "unresolved", "document_id": receipt.ID})
			return
		}
		respondJSON(w, http.StatusOK, link)
	}
}

func handleIngestInvoice(e *env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var inv model.InvoiceDocument
		if !decodeBody(w, r, &inv) {
			return
		}
		if inv.ID == "" {
			inv.ID = uuid.New().String()
		}

		if err := e.Store.PutInvoice(r.Context(), &inv); err != nil {
			respondErr(w, err)
			return
		}

		externalKey := inv.InvoiceNumber
		if externalKey == "" {
			externalKey = inv.ID
		}
		link, err := e.Correlator.Correlate(r.Context(), model.ExternalEvent{
			ExternalKey:     externalKey,
			ExternalKeyType: model.KeyTypeInvoice,
			VendorHint:      inv.VendorID,
			DeclaredPORef:   inv.DeclaredPONumber,
			AmountHint:      inv.Total,
			DateHint:        inv.DocumentedAt,
			DocumentID:      inv.ID,
		})
		if err != nil {
			respondErr(w, err)
			return
		}
		if link == nil {
			respondJSON(w, http.StatusAccepted, map[string]string{"status": "unresolved", "document_id": inv.ID})
			return
		}
		respondJSON(w, http.StatusOK, link)
	}
}

func handleManualCorrelate(e *env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ExternalKey     string `json:"external_key"`
			ExternalKeyType string `json:"external_key_type"`
			PurchaseOrderID string `json:"purchase_order_id"`
			Actor           string `json:"actor"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		link, err := e.Correlator.ManualCorrelate(r.Context(),
			req.ExternalKey, model.ExternalKeyType(req.ExternalKeyType), req.PurchaseOrderID, req.Actor)
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, link)
	}
}

func handleOverrideMatch(e *env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ResolutionAction string `json:"resolution_action"`
			Actor            string `json:"actor"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		result, err := e.Matcher.Override(r.Context(), chi.URLParam(r, "id"), req.ResolutionAction, req.Actor)
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, result)
	}
}

func handleResolveDeadLetter(e *env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action string `json:"action"`
			Actor  string `json:"actor"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Actor == "" {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "actor is required"})
			return
		}
		action := retry.DeadLetterAction(req.Action)
		if action != retry.ActionRetry && action != retry.ActionDiscard {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "action must be retry or discard"})
			return
		}

		err := e.Coord.ResolveDeadLetter(r.Context(), chi.URLParam(r, "id"), action, req.Actor)
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "resolved", "action": req.Action})
	}
}
