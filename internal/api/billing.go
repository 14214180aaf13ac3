package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rajasatyajit/toolgate/internal/logger"
)

// POST /v1/billing/checkout-session
func (h *Handler) createCheckoutSession(w http.ResponseWriter, r *http.Request) {
	rawKey := bearerToken(r.Header.Get("Authorization"))
	rec, err := h.store.Lookup(r.Context(), rawKey)
	if err != nil || rec == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_key"})
		return
	}
	var body struct {
		Bundle string `json:"bundle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	resp, err := h.billing.CreateCheckout(r.Context(), rec.ID, body.Bundle)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /v1/billing/portal-session
func (h *Handler) createPortalSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CustomerID string `json:"customerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	url, err := h.billing.CreatePortal(r.Context(), body.CustomerID)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

// POST /v1/billing/webhook
func (h *Handler) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "cannot read body"})
		return
	}
	verified, err := h.billing.VerifyWebhook(r, body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "signature verification failed"})
		return
	}
	if err := h.billing.HandleWebhook(r.Context(), h.store, verified); err != nil {
		logger.Error("webhook handling failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}
