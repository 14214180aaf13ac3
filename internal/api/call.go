package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rajasatyajit/toolgate/internal/gate"
	"github.com/rajasatyajit/toolgate/internal/logger"
	"github.com/rajasatyajit/toolgate/internal/tracer"
	"github.com/rajasatyajit/toolgate/internal/usage"
)

// callHandler is the sole tool-invocation entry point: it resolves the
// bearer key, runs gate.Evaluator.Evaluate, and on acceptance hands the
// Decision to proxy.Executor.Execute, translating the outcome to a
// JSON-RPC reply per spec §6.
func (h *Handler) callHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{JSONRPC: "2.0", Error: &RPCError{Code: -32700, Message: "parse error"}})
		return
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{JSONRPC: "2.0", Error: &RPCError{Code: -32700, Message: "parse error"}})
		return
	}
	if req.Method == "" {
		writeJSON(w, http.StatusBadRequest, Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: -32600, Message: "method is required"}})
		return
	}

	rawKey := bearerToken(r.Header.Get("Authorization"))
	ip := clientIP(r)

	traceID, hasTrace := h.startTrace(r)

	call := gate.ToolCall{Tool: req.Method, InputBytes: int64(len(body)), IP: ip}
	decision, err := h.evaluator.Evaluate(r.Context(), rawKey, call, traceID, hasTrace)
	if err != nil {
		logger.Error("gate evaluate failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeInternalError, Message: "internal_error"}})
		return
	}

	if decision.Record != nil && h.alerts != nil {
		h.alerts.Check(decision.Record)
	}

	if !decision.Allowed {
		if decision.Reason == "rate_limited" && h.alerts != nil && decision.Record != nil {
			h.alerts.RecordRateLimitDenial(decision.Record.ID)
		}
		if h.meter != nil {
			evt := usage.Event{Timestamp: time.Now(), Tool: req.Method, Denied: true, DenyReason: decision.Reason}
			if decision.Record != nil {
				evt.Key = decision.Record.ID
				evt.Namespace = decision.Record.Namespace
			}
			h.meter.Record(evt)
		}
		status := http.StatusForbidden
		if decision.RetryAfterMs > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt((decision.RetryAfterMs+999)/1000, 10))
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, Response{JSONRPC: "2.0", ID: req.ID, Error: errorForDenial(decision.Reason)})
		return
	}

	outcome := h.executor.Execute(r.Context(), decision, call, traceID, hasTrace)
	if !outcome.Committed && !decision.Shadow {
		status := http.StatusBadGateway
		if outcome.Reason == "circuit_open" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, Response{JSONRPC: "2.0", ID: req.ID, Error: errorForBackendFailure()})
		return
	}

	writeJSON(w, http.StatusOK, Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
		"cost":       decision.Cost,
		"statusCode": outcome.StatusCode,
		"shadow":     decision.Shadow,
	}})
}

// startTrace seeds a trace from an incoming W3C traceparent header if
// present and well-formed, otherwise starts a fresh root trace (spec §6).
func (h *Handler) startTrace(r *http.Request) (trace.TraceID, bool) {
	if h.tracer == nil {
		return trace.TraceID{}, false
	}
	var seed *trace.TraceID
	if tp := r.Header.Get("traceparent"); tp != "" {
		if id, _, err := tracer.ParseTraceparent(tp); err == nil {
			seed = &id
		}
	}
	id, sampled, err := h.tracer.StartTraceWithSeed(seed, r.Header.Get("X-Request-ID"), r.Method, r.URL.Path, "")
	if err != nil || !sampled {
		return trace.TraceID{}, false
	}
	return id, true
}

func bearerToken(header string) string {
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	return strings.TrimSpace(header)
}

func clientIP(r *http.Request) string {
	if host := r.Header.Get("X-Forwarded-For"); host != "" {
		return strings.TrimSpace(strings.Split(host, ",")[0])
	}
	return r.RemoteAddr
}
