package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rajasatyajit/toolgate/internal/audit"
	"github.com/rajasatyajit/toolgate/internal/keystore"
)

// POST /v1/admin/keys
func (h *Handler) adminCreateKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name               string `json:"name"`
		DailyCallLimit     int64  `json:"dailyCallLimit"`
		MonthlyCallLimit   int64  `json:"monthlyCallLimit"`
		DailyCreditLimit   int64  `json:"dailyCreditLimit"`
		MonthlyCreditLimit int64  `json:"monthlyCreditLimit"`
		RolloverCallLimit  int64  `json:"rolloverCallLimit"`
		RolloverPeriod     string `json:"rolloverPeriod"`
		RolloverPercent    int64  `json:"rolloverPercent"`
		MaxRollover        int64  `json:"maxRollover"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	quota := keystore.QuotaConfig{
		DailyCallLimit:     body.DailyCallLimit,
		MonthlyCallLimit:   body.MonthlyCallLimit,
		DailyCreditLimit:   body.DailyCreditLimit,
		MonthlyCreditLimit: body.MonthlyCreditLimit,
		RolloverCallLimit:  body.RolloverCallLimit,
		RolloverPeriod:     body.RolloverPeriod,
		RolloverPercent:    body.RolloverPercent,
		MaxRollover:        body.MaxRollover,
	}
	rawKey, rec, err := h.store.Create(r.Context(), body.Name, quota)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	h.appendAudit("key.create", rec.ID, map[string]any{"name": rec.Name})
	writeJSON(w, http.StatusCreated, map[string]any{"apiKey": rawKey, "record": rec})
}

// GET /v1/admin/keys/{id}
func (h *Handler) adminGetKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.store.Get(r.Context(), id)
	if err != nil || rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GET /v1/admin/keys
func (h *Handler) adminListKeys(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": recs, "count": len(recs)})
}

// POST /v1/admin/keys/{id}/revoke
func (h *Handler) adminRevokeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.Delete(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	h.appendAudit("key.revoke", id, nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked", "id": id})
}

// POST /v1/admin/keys/{id}/suspend
func (h *Handler) adminSuspendKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Suspended bool `json:"suspended"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	err := h.store.Update(r.Context(), id, func(rec *keystore.Record) error {
		rec.Suspended = body.Suspended
		return nil
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	h.appendAudit("key.suspend", id, map[string]any{"suspended": body.Suspended})
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "id": id, "suspended": body.Suspended})
}

// POST /v1/admin/keys/{id}/credits
func (h *Handler) adminGrantCredits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Credits int64 `json:"credits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if err := h.store.GrantCredits(r.Context(), id, body.Credits); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	h.appendAudit("key.grant_credits", id, map[string]any{"credits": body.Credits})
	writeJSON(w, http.StatusOK, map[string]any{"status": "granted", "id": id, "credits": body.Credits})
}

// GET /v1/admin/audit
func (h *Handler) adminAuditQuery(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []audit.Entry{}})
		return
	}
	filter := audit.Filter{
		Action: r.URL.Query().Get("action"),
		Actor:  r.URL.Query().Get("actor"),
		Target: r.URL.Query().Get("target"),
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, map[string]any{"entries": h.audit.Query(filter, offset, limit)})
}

// appendAudit records an admin action, swallowing a nil audit trail or
// append error: the audit trail is an observability aid, not a gate on
// the admin action it records.
func (h *Handler) appendAudit(action, target string, details map[string]any) {
	if h.audit == nil {
		return
	}
	_, _ = h.audit.Append(action, "admin", target, details)
}
