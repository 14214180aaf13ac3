// Package api is the thin transport layer from spec §6: it owns no
// admission logic itself, only the JSON-RPC/REST translation in front of
// gate.Evaluator and proxy.Executor. Route layout and handler-method
// shape are grounded on teacher internal/api/handler.go's
// NewHandler/RegisterRoutes split.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rajasatyajit/toolgate/internal/alertengine"
	"github.com/rajasatyajit/toolgate/internal/audit"
	"github.com/rajasatyajit/toolgate/internal/billing"
	"github.com/rajasatyajit/toolgate/internal/gate"
	"github.com/rajasatyajit/toolgate/internal/keystore"
	"github.com/rajasatyajit/toolgate/internal/proxy"
	"github.com/rajasatyajit/toolgate/internal/tracer"
	"github.com/rajasatyajit/toolgate/internal/usage"
)

// Handler wires every collaborator the transport layer needs to
// translate HTTP into gate/proxy calls and back.
type Handler struct {
	evaluator   *gate.Evaluator
	executor    *proxy.Executor
	store       keystore.Store
	alerts      *alertengine.Engine
	meter       *usage.Meter
	audit       *audit.Trail
	tracer      *tracer.Tracer
	billing     billing.Provider
	adminSecret string
	version     string
	buildTime   string
	gitCommit   string
	startTime   time.Time
}

// NewHandler builds the transport layer. billingProvider may be nil,
// disabling the billing routes.
func NewHandler(
	evaluator *gate.Evaluator,
	executor *proxy.Executor,
	store keystore.Store,
	alerts *alertengine.Engine,
	meter *usage.Meter,
	auditTrail *audit.Trail,
	tr *tracer.Tracer,
	billingProvider billing.Provider,
	adminSecret, version, buildTime, gitCommit string,
) *Handler {
	return &Handler{
		evaluator:   evaluator,
		executor:    executor,
		store:       store,
		alerts:      alerts,
		meter:       meter,
		audit:       auditTrail,
		tracer:      tr,
		billing:     billingProvider,
		adminSecret: adminSecret,
		version:     version,
		buildTime:   buildTime,
		gitCommit:   gitCommit,
		startTime:   time.Now(),
	}
}

// RegisterRoutes registers every route on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.healthHandler)
	r.Get("/health/ready", h.readinessHandler)
	r.Get("/health/live", h.livenessHandler)
	r.Get("/version", h.versionHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/call", h.callHandler)

		r.Get("/me", h.meHandler)
		r.Get("/usage", h.usageHandler)

		if h.billing != nil {
			r.Post("/billing/checkout-session", h.createCheckoutSession)
			r.Post("/billing/portal-session", h.createPortalSession)
			r.Post("/billing/webhook", h.stripeWebhook)
		}

		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminSecret(h.adminSecret))
			r.Post("/keys", h.adminCreateKey)
			r.Get("/keys/{id}", h.adminGetKey)
			r.Get("/keys", h.adminListKeys)
			r.Post("/keys/{id}/revoke", h.adminRevokeKey)
			r.Post("/keys/{id}/suspend", h.adminSuspendKey)
			r.Post("/keys/{id}/credits", h.adminGrantCredits)
			r.Get("/audit", h.adminAuditQuery)
		})
	})
}

func (h *Handler) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"version":   h.version,
	})
}

func (h *Handler) readinessHandler(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := map[string]string{"store": "ok"}
	if err := h.store.Health(r.Context()); err != nil {
		checks["store"] = "error: " + err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"status": "ready", "checks": checks})
}

func (h *Handler) livenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

func (h *Handler) versionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    h.version,
		"build_time": h.buildTime,
		"git_commit": h.gitCommit,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
