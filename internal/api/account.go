package api

import (
	"net/http"
	"time"
)

// meHandler returns the authenticated key's own visibility surface:
// balance, quota status, and lifecycle flags. Non-billable: it does not
// go through gate.Evaluator.
func (h *Handler) meHandler(w http.ResponseWriter, r *http.Request) {
	rawKey := bearerToken(r.Header.Get("Authorization"))
	rec, err := h.store.Lookup(r.Context(), rawKey)
	if err != nil || rec == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_key"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            rec.ID,
		"name":          rec.Name,
		"credits":       rec.Credits,
		"totalSpent":    rec.TotalSpent,
		"totalCalls":    rec.TotalCalls,
		"active":        rec.Active,
		"suspended":     rec.Suspended,
		"quota":         rec.Quota,
		"quotaCounters": rec.QuotaCounters,
	})
}

// usageHandler returns the authenticated key's usage view.
func (h *Handler) usageHandler(w http.ResponseWriter, r *http.Request) {
	rawKey := bearerToken(r.Header.Get("Authorization"))
	rec, err := h.store.Lookup(r.Context(), rawKey)
	if err != nil || rec == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_key"})
		return
	}
	if h.meter == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			since = t
		}
	}
	writeJSON(w, http.StatusOK, h.meter.KeyUsage(rec.ID, since))
}
