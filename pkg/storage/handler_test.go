package storage

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/mozilla-services/syncstorage-go/internal/clock"
	"github.com/mozilla-services/syncstorage-go/pkg/hawk"
	"github.com/mozilla-services/syncstorage-go/pkg/storage/bso"
	"github.com/mozilla-services/syncstorage-go/pkg/storage/collections"
)

type fakeCollectionStore struct {
	byName map[string]int64
}

func (f *fakeCollectionStore) Insert(ctx context.Context, name string) error {
	if f.byName == nil {
		f.byName = make(map[string]int64)
	}
	f.byName[name] = int64(len(f.byName) + 101)
	return nil
}

func (f *fakeCollectionStore) LookupByName(ctx context.Context, name string) (int64, bool, error) {
	id, ok := f.byName[name]
	return id, ok, nil
}

func (f *fakeCollectionStore) LookupByID(ctx context.Context, id int64) (string, bool, error) {
	for name, i := range f.byName {
		if i == id {
			return name, true, nil
		}
	}
	return "", false, nil
}

type fakeBSOStore struct {
	bsos map[string]bso.BSO
}

func newFakeBSOStore() *fakeBSOStore {
	return &fakeBSOStore{bsos: make(map[string]bso.BSO)}
}

func (f *fakeBSOStore) CollectionModifieds(ctx context.Context, k bso.Key) (map[int64]int64, error) {
	return nil, nil
}
func (f *fakeBSOStore) CollectionCounts(ctx context.Context, k bso.Key) (map[int64]int64, error) {
	return nil, nil
}
func (f *fakeBSOStore) CollectionUsageBytes(ctx context.Context, k bso.Key) (map[int64]int64, error) {
	return nil, nil
}
func (f *fakeBSOStore) QuotaUsageBytes(ctx context.Context, k bso.Key) (int64, error) { return 0, nil }
func (f *fakeBSOStore) GetBSO(ctx context.Context, k bso.Key, collectionID int64, id string, now int64) (bso.BSO, error) {
	b, ok := f.bsos[id]
	if !ok {
		return bso.BSO{}, bso.ErrNotFound
	}
	return b, nil
}
func (f *fakeBSOStore) ListBSOs(ctx context.Context, k bso.Key, collectionID int64, params bso.ListParams, now int64) (bso.ListResult, error) {
	return bso.ListResult{}, nil
}
func (f *fakeBSOStore) PutBSO(ctx context.Context, k bso.Key, collectionID int64, id string, payload string, sortIndex *int64, modified, expiry int64) error {
	f.bsos[id] = bso.BSO{ID: id, Payload: payload, SortIndex: sortIndex, Modified: modified, Expiry: expiry}
	return nil
}
func (f *fakeBSOStore) DeleteBSO(ctx context.Context, k bso.Key, collectionID int64, id string, now int64) error {
	if _, ok := f.bsos[id]; !ok {
		return bso.ErrNotFound
	}
	delete(f.bsos, id)
	return nil
}
func (f *fakeBSOStore) DeleteBSOs(ctx context.Context, k bso.Key, collectionID int64, ids []string) error {
	for _, id := range ids {
		delete(f.bsos, id)
	}
	return nil
}
func (f *fakeBSOStore) DeleteCollection(ctx context.Context, k bso.Key, collectionID int64) error {
	f.bsos = make(map[string]bso.BSO)
	return nil
}
func (f *fakeBSOStore) DeleteAll(ctx context.Context, k bso.Key) error {
	f.bsos = make(map[string]bso.BSO)
	return nil
}

func newTestHandler(t *testing.T) (chi.Router, *fakeBSOStore) {
	t.Helper()
	store := newFakeBSOStore()
	registry := collections.NewRegistry(&fakeCollectionStore{})
	svc := bso.NewService(store, registry, clock.New(), bso.Limits{
		MaxRecordPayloadBytes: 1 << 16,
		DefaultTTLSeconds:     31536000,
	})

	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc, nil, registry, clock.New(), Limits{
		MaxIDsPerRequest:      100,
		InternalPageCap:       1000,
		MaxPostRecords:        100,
		MaxPostBytes:          1 << 20,
		MaxTotalRecords:       10000,
		MaxTotalBytes:         1 << 28,
		MaxRecordPayloadBytes: 1 << 16,
		MaxRequestBytes:       1<<20 + 4096,
	})

	router := chi.NewRouter()
	router.Route("/1.5/{uid}", func(r chi.Router) {
		r.Mount("/", h.Routes())
	})
	return router, store
}

func authedRequest(method, target string, body io.Reader) *http.Request {
	r := httptest.NewRequest(method, target, body)
	ctx := hawk.NewContext(r.Context(), hawk.Principal{UID: 42, FxaUID: "fxa-1", FxaKid: "kid-1"})
	return r.WithContext(ctx)
}

func TestRequireUIDMatch_Mismatch(t *testing.T) {
	router, _ := newTestHandler(t)

	r := httptest.NewRequest(http.MethodGet, "/1.5/42/storage/bookmarks", nil)
	ctx := hawk.NewContext(r.Context(), hawk.Principal{UID: 99})
	r = r.WithContext(ctx)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRequireUIDMatch_NoPrincipal(t *testing.T) {
	router, _ := newTestHandler(t)

	r := httptest.NewRequest(http.MethodGet, "/1.5/42/storage/bookmarks", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestPutAndGetBSO(t *testing.T) {
	router, _ := newTestHandler(t)

	putBody := `{"payload": "hello"}`
	putReq := authedRequest(http.MethodPut, "/1.5/42/storage/bookmarks/item-1", strings.NewReader(putBody))
	putReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, putReq)

	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, want 200; body = %s", w.Code, w.Body.String())
	}

	getReq := authedRequest(http.MethodGet, "/1.5/42/storage/bookmarks/item-1", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, getReq)

	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want 200; body = %s", w.Code, w.Body.String())
	}

	var got bsoWireView
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.Payload != "hello" {
		t.Errorf("payload = %q, want %q", got.Payload, "hello")
	}
}

func TestGetBSO_NotFound(t *testing.T) {
	router, _ := newTestHandler(t)

	r := authedRequest(http.MethodGet, "/1.5/42/storage/bookmarks/missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404; body = %s", w.Code, w.Body.String())
	}
}

func TestGetBSO_InvalidCollectionName(t *testing.T) {
	router, _ := newTestHandler(t)

	r := authedRequest(http.MethodGet, "/1.5/42/storage/Not-Valid!/item-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400; body = %s", w.Code, w.Body.String())
	}
}

func TestDeleteBSO(t *testing.T) {
	router, store := newTestHandler(t)

	putReq := authedRequest(http.MethodPut, "/1.5/42/storage/bookmarks/item-1", strings.NewReader(`{"payload": "hello"}`))
	putReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, putReq)
	if w.Code != http.StatusOK {
		t.Fatalf("setup PUT status = %d", w.Code)
	}

	delReq := authedRequest(http.MethodDelete, "/1.5/42/storage/bookmarks/item-1", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, delReq)
	if w.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	if _, ok := store.bsos["item-1"]; ok {
		t.Errorf("expected item-1 to be deleted from store")
	}
}

func TestPostCollection_Direct(t *testing.T) {
	router, store := newTestHandler(t)

	body := `[{"id": "a", "payload": "one"}, {"id": "b", "payload": "two"}]`
	r := authedRequest(http.MethodPost, "/1.5/42/storage/bookmarks", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	if len(store.bsos) != 2 {
		t.Errorf("stored %d bsos, want 2", len(store.bsos))
	}
}

func TestPutBSO_CryptoCollectionAccepted(t *testing.T) {
	router, _ := newTestHandler(t)

	r := authedRequest(http.MethodPut, "/1.5/42/storage/crypto/item-1", strings.NewReader(`{"payload": "AAAAAAAAAAAAAAAAAAAAAA=="}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	// The payload is a bare string, not a JSON object with an "IV" field,
	// so the weak-IV rule does not apply and the write is accepted.
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
}

func TestDeleteAll(t *testing.T) {
	router, store := newTestHandler(t)

	putReq := authedRequest(http.MethodPut, "/1.5/42/storage/bookmarks/item-1", strings.NewReader(`{"payload": "hello"}`))
	putReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, putReq)
	if w.Code != http.StatusOK {
		t.Fatalf("setup PUT status = %d", w.Code)
	}

	r := authedRequest(http.MethodDelete, "/1.5/42/storage", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	if len(store.bsos) != 0 {
		t.Errorf("expected store emptied, got %d bsos", len(store.bsos))
	}
}
