package tokenserver

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/mozilla-services/syncstorage-go/internal/telemetry"
	"github.com/mozilla-services/syncstorage-go/pkg/tokenserver/ledger"
	"github.com/mozilla-services/syncstorage-go/pkg/tokenserver/token"
	"github.com/mozilla-services/syncstorage-go/pkg/tokenserver/verifier"
)

func newTestHandler(v verifier.Verifier) (chi.Router, *Service) {
	store := newFakeLedgerStore()
	l := ledger.New(store, &fakeLedgerAllocator{})
	chain := token.NewSecretChain([]string{"secret-1"})
	issuer := token.NewIssuer(chain, 300)
	svc := NewService(v, l, issuer, chain, &fakeNodeResolver{url: "https://node1.example.com"}, "sync-1.5")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(logger, svc, telemetry.NewOpsNotifier("", logger))
	router := chi.NewRouter()
	router.Mount("/1.0", h.Routes())
	return router, svc
}

func TestHandleIssue_Success(t *testing.T) {
	v := &fakeVerifier{principal: verifier.Principal{FxaUID: "fxa-uid-1"}}
	router, _ := newTestHandler(v)

	cs := base64.RawURLEncoding.EncodeToString([]byte("client-state-hash"))
	r := httptest.NewRequest(http.MethodGet, "/1.0/sync/1.5", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	r.Header.Set("X-KeyID", "100-"+cs)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["api_endpoint"] != "https://node1.example.com" {
		t.Errorf("api_endpoint = %v, want node URL", body["api_endpoint"])
	}
}

func TestHandleIssue_MissingAuthorization(t *testing.T) {
	router, _ := newTestHandler(&fakeVerifier{})

	r := httptest.NewRequest(http.MethodGet, "/1.0/sync/1.5", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHandleIssue_MalformedKeyID(t *testing.T) {
	v := &fakeVerifier{principal: verifier.Principal{FxaUID: "fxa-uid-1"}}
	router, _ := newTestHandler(v)

	r := httptest.NewRequest(http.MethodGet, "/1.0/sync/1.5", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	r.Header.Set("X-KeyID", "not-valid-hex")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400; body = %s", w.Code, w.Body.String())
	}
}

func TestHandleIssue_InvalidDuration(t *testing.T) {
	v := &fakeVerifier{principal: verifier.Principal{FxaUID: "fxa-uid-1"}}
	router, _ := newTestHandler(v)

	cs := base64.RawURLEncoding.EncodeToString([]byte("client-state-hash"))
	r := httptest.NewRequest(http.MethodGet, "/1.0/sync/1.5?duration=notanumber", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	r.Header.Set("X-KeyID", "100-"+cs)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleIssue_ServiceUnavailable(t *testing.T) {
	v := &fakeVerifier{err: verifier.ErrServiceUnavailable}
	router, _ := newTestHandler(v)

	r := httptest.NewRequest(http.MethodGet, "/1.0/sync/1.5", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
