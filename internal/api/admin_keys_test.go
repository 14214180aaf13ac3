package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/rajasatyajit/toolgate/internal/audit"
	"github.com/rajasatyajit/toolgate/internal/keystore"
)

func newAdminHandler(t *testing.T) *Handler {
	t.Helper()
	store := keystore.NewInMemoryStore()
	h := NewHandler(nil, nil, store, nil, nil, audit.New(100), nil, nil, "secret", "dev", "now", "abc")
	return h
}

func routerFor(h *Handler) chi.Router {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func adminRequest(method, path string, body any) *http.Request {
	var r *http.Request
	if body != nil {
		b, _ := json.Marshal(body)
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.Header.Set("X-Admin-Secret", "secret")
	return r
}

func TestAdminCreateKey_ReturnsRawKeyOnce(t *testing.T) {
	h := newAdminHandler(t)
	r := routerFor(h)

	req := adminRequest(http.MethodPost, "/v1/admin/keys", map[string]any{"name": "acme"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["apiKey"] == "" || resp["apiKey"] == nil {
		t.Fatalf("expected a raw api key, got %+v", resp)
	}
}

func TestAdminRoutes_RejectMissingSecret(t *testing.T) {
	h := newAdminHandler(t)
	r := routerFor(h)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/keys", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestAdminRevokeKey_RemovesKey(t *testing.T) {
	h := newAdminHandler(t)
	store := keystore.NewInMemoryStore()
	h.store = store
	_, rec, _ := store.Create(context.Background(), "acme", keystore.QuotaConfig{})

	r := routerFor(h)
	req := adminRequest(http.MethodPost, "/v1/admin/keys/"+rec.ID+"/revoke", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if _, err := store.Get(context.Background(), rec.ID); err == nil {
		t.Fatalf("expected revoked key lookup to fail")
	}
}

func TestAdminAuditQuery_ReturnsAppendedEntries(t *testing.T) {
	h := newAdminHandler(t)
	h.audit.Append("key.create", "admin", "k1", nil)

	r := routerFor(h)
	req := adminRequest(http.MethodGet, "/v1/admin/audit", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Entries []map[string]any `json:"entries"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(resp.Entries))
	}
}
