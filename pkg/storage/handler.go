// Package storage implements the SS HTTP surface (C9) over the BSO store
// (C7), batch engine (C8), and collection registry (C6): the /1.5/{uid}/...
// routes, content-type negotiation, conditional headers, and quota/error
// taxonomy from spec.md §4.7-§4.9/§6/§7.
package storage

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mozilla-services/syncstorage-go/internal/clock"
	"github.com/mozilla-services/syncstorage-go/internal/httpserver"
	"github.com/mozilla-services/syncstorage-go/pkg/hawk"
	"github.com/mozilla-services/syncstorage-go/pkg/storage/batch"
	"github.com/mozilla-services/syncstorage-go/pkg/storage/bso"
	"github.com/mozilla-services/syncstorage-go/pkg/storage/collections"
)

// Handler wires the BSO service, batch engine, and collection registry
// into the HTTP surface. Construct via NewHandler and mount Routes()
// behind the Hawk middleware (pkg/hawk.Middleware).
type Handler struct {
	logger   *slog.Logger
	bsoSvc   *bso.Service
	batches  *batch.Engine
	registry *collections.Registry
	clock    *clock.Clock
	limits   Limits
}

// NewHandler creates a Handler.
func NewHandler(logger *slog.Logger, bsoSvc *bso.Service, batches *batch.Engine, registry *collections.Registry, clk *clock.Clock, limits Limits) *Handler {
	return &Handler{logger: logger, bsoSvc: bsoSvc, batches: batches, registry: registry, clock: clk, limits: limits}
}

// Routes mounts the /1.5/{uid}/... surface. Callers typically wrap this
// with hawk.Middleware; the uid-match check is applied here.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requireUIDMatch)

	r.Get("/info/collections", h.handleInfoCollections)
	r.Get("/info/collection_counts", h.handleInfoCollectionCounts)
	r.Get("/info/collection_usage", h.handleInfoCollectionUsage)
	r.Get("/info/quota", h.handleInfoQuota)
	r.Get("/info/configuration", h.handleInfoConfiguration)

	r.Get("/storage/{collection}", h.handleGetCollection)
	r.Post("/storage/{collection}", h.handlePostCollection)
	r.Delete("/storage/{collection}", h.handleDeleteCollection)

	r.Get("/storage/{collection}/{id}", h.handleGetBSO)
	r.Put("/storage/{collection}/{id}", h.handlePutBSO)
	r.Delete("/storage/{collection}/{id}", h.handleDeleteBSO)

	r.Delete("/storage", h.handleDeleteAll)

	return r
}

// requireUIDMatch rejects a request whose Hawk-authenticated uid doesn't
// match the {uid} path segment the token was issued for.
func (h *Handler) requireUIDMatch(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := hawk.FromContext(r.Context())
		if !ok {
			httpserver.RespondError(w, http.StatusUnauthorized, "invalid-credentials", "missing principal")
			return
		}

		uidParam := chi.URLParam(r, "uid")
		uid, err := strconv.ParseInt(uidParam, 10, 64)
		if err != nil || uid != principal.UID {
			httpserver.RespondError(w, http.StatusUnauthorized, "invalid-credentials", "uid does not match token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) key(r *http.Request) bso.Key {
	principal, _ := hawk.FromContext(r.Context())
	return bso.Key{FxaUID: principal.FxaUID, FxaKid: principal.FxaKid}
}

func (h *Handler) now() int64 { return h.clock.Centiseconds() }

func (h *Handler) setWeaveTimestamp(w http.ResponseWriter) {
	w.Header().Set("X-Weave-Timestamp", clock.Seconds(h.now()))
}

func (h *Handler) setLastModified(w http.ResponseWriter, modified int64) {
	w.Header().Set("X-Last-Modified", clock.Seconds(modified))
}

// resolveCollection validates and resolves the {collection} path segment,
// writing a 400 and returning ok=false on an invalid name.
func (h *Handler) resolveCollection(w http.ResponseWriter, r *http.Request) (id int64, name string, ok bool) {
	name = chi.URLParam(r, "collection")
	if !collections.ValidName(name) {
		httpserver.RespondStorageError(w, http.StatusBadRequest, "path", "collection", "invalid collection name")
		return 0, "", false
	}
	id, err := h.registry.Resolve(r.Context(), name)
	if err != nil {
		h.logger.Error("resolving collection", "name", name, "error", err)
		httpserver.RespondTaxonomicError(w, http.StatusInternalServerError, "error")
		return 0, "", false
	}
	return id, name, true
}

// ifModifiedSince parses X-If-Modified-Since, if present.
func ifModifiedSince(r *http.Request) (int64, bool) {
	return parseTimestampHeader(r, "X-If-Modified-Since")
}

// ifUnmodifiedSince parses X-If-Unmodified-Since, if present.
func ifUnmodifiedSince(r *http.Request) (int64, bool) {
	return parseTimestampHeader(r, "X-If-Unmodified-Since")
}

func parseTimestampHeader(r *http.Request, name string) (int64, bool) {
	v := strings.TrimSpace(r.Header.Get(name))
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return int64(f * 100), true
}

func (h *Handler) handleInfoCollections(w http.ResponseWriter, r *http.Request) {
	k := h.key(r)

	modifieds, err := h.bsoSvc.InfoCollections(r.Context(), k)
	if err != nil {
		h.logger.Error("info/collections", "error", err)
		httpserver.RespondTaxonomicError(w, http.StatusInternalServerError, "error")
		return
	}

	var maxModified int64
	for _, m := range modifieds {
		if m > maxModified {
			maxModified = m
		}
	}

	if since, ok := ifModifiedSince(r); ok && maxModified <= since {
		h.setLastModified(w, maxModified)
		h.setWeaveTimestamp(w)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	out := make(map[string]float64, len(modifieds))
	for name, m := range modifieds {
		out[name] = centisecondsToSeconds(m)
	}

	h.setLastModified(w, maxModified)
	h.setWeaveTimestamp(w)
	httpserver.Respond(w, http.StatusOK, out)
}

func (h *Handler) handleInfoCollectionCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.bsoSvc.InfoCollectionCounts(r.Context(), h.key(r))
	if err != nil {
		h.logger.Error("info/collection_counts", "error", err)
		httpserver.RespondTaxonomicError(w, http.StatusInternalServerError, "error")
		return
	}
	h.setWeaveTimestamp(w)
	httpserver.Respond(w, http.StatusOK, counts)
}

func (h *Handler) handleInfoCollectionUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.bsoSvc.InfoCollectionUsage(r.Context(), h.key(r))
	if err != nil {
		h.logger.Error("info/collection_usage", "error", err)
		httpserver.RespondTaxonomicError(w, http.StatusInternalServerError, "error")
		return
	}
	h.setWeaveTimestamp(w)
	httpserver.Respond(w, http.StatusOK, usage)
}

func (h *Handler) handleInfoQuota(w http.ResponseWriter, r *http.Request) {
	usedKB, limitKB, err := h.bsoSvc.InfoQuota(r.Context(), h.key(r))
	if err != nil {
		h.logger.Error("info/quota", "error", err)
		httpserver.RespondTaxonomicError(w, http.StatusInternalServerError, "error")
		return
	}
	h.setWeaveTimestamp(w)
	httpserver.Respond(w, http.StatusOK, []any{usedKB, limitKB})
}

func (h *Handler) handleInfoConfiguration(w http.ResponseWriter, r *http.Request) {
	h.setWeaveTimestamp(w)
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"max_ids_per_request":      h.limits.MaxIDsPerRequest,
		"max_post_records":         h.limits.MaxPostRecords,
		"max_post_bytes":           h.limits.MaxPostBytes,
		"max_total_records":        h.limits.MaxTotalRecords,
		"max_total_bytes":          h.limits.MaxTotalBytes,
		"max_record_payload_bytes": h.limits.MaxRecordPayloadBytes,
		"max_request_bytes":        h.limits.MaxRequestBytes,
	})
}

func centisecondsToSeconds(c int64) float64 {
	return float64(c) / 100.0
}
