package storage

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mozilla-services/syncstorage-go/internal/httpserver"
	"github.com/mozilla-services/syncstorage-go/pkg/storage/bso"
)

func (h *Handler) handleGetBSO(w http.ResponseWriter, r *http.Request) {
	if _, ok := httpserver.NegotiateAccept(r.Header.Get("Accept")); !ok {
		httpserver.RespondError(w, http.StatusNotAcceptable, "error", "unsupported Accept header")
		return
	}

	collectionID, _, ok := h.resolveCollection(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	item, err := h.bsoSvc.GetBSO(r.Context(), h.key(r), collectionID, id)
	if errors.Is(err, bso.ErrNotFound) {
		httpserver.RespondStorageError(w, http.StatusNotFound, "path", "id", "not found")
		return
	}
	if err != nil {
		h.logger.Error("get bso", "error", err)
		httpserver.RespondTaxonomicError(w, http.StatusInternalServerError, "error")
		return
	}

	if since, ok := ifModifiedSince(r); ok && item.Modified <= since {
		h.setLastModified(w, item.Modified)
		h.setWeaveTimestamp(w)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if since, ok := ifUnmodifiedSince(r); ok && item.Modified > since {
		h.setLastModified(w, item.Modified)
		h.setWeaveTimestamp(w)
		httpserver.RespondStorageError(w, http.StatusPreconditionFailed, "header", "X-If-Unmodified-Since", "resource has changed")
		return
	}

	h.setLastModified(w, item.Modified)
	h.setWeaveTimestamp(w)
	httpserver.Respond(w, http.StatusOK, bsoView(item))
}

func (h *Handler) handlePutBSO(w http.ResponseWriter, r *http.Request) {
	collectionID, collectionName, ok := h.resolveCollection(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	in, err := decodeSingleBSO(r, h.limits.MaxRecordPayloadBytes+4096)
	if err != nil {
		respondInvalidWBO(w)
		return
	}
	in.ID = id

	if errs := in.Validate(h.limits.MaxRecordPayloadBytes); len(errs) > 0 {
		httpserver.Respond(w, http.StatusBadRequest, httpserver.ErrorEnvelope{Errors: errs, Status: "error"})
		return
	}

	k := h.key(r)
	now := h.now()

	if since, ok := ifUnmodifiedSince(r); ok {
		existing, getErr := h.bsoSvc.GetBSO(r.Context(), k, collectionID, id)
		if getErr == nil && existing.Modified > since {
			h.setLastModified(w, existing.Modified)
			httpserver.RespondStorageError(w, http.StatusPreconditionFailed, "header", "X-If-Unmodified-Since", "resource has changed")
			return
		}
	}

	result, err := h.bsoSvc.Put(r.Context(), k, collectionID, collectionName, in, now)
	if err != nil {
		h.respondPutError(w, err)
		return
	}

	h.setLastModified(w, result.Modified)
	h.setWeaveTimestamp(w)
	if h.limits.QuotaSizeKB > 0 {
		w.Header().Set("X-Weave-Quota-Remaining", strconv.FormatFloat(result.QuotaRemainingKB, 'f', -1, 64))
	}
	httpserver.Respond(w, http.StatusOK, centisecondsToSeconds(result.Modified))
}

func (h *Handler) handleDeleteBSO(w http.ResponseWriter, r *http.Request) {
	collectionID, _, ok := h.resolveCollection(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	k := h.key(r)

	if since, ok := ifUnmodifiedSince(r); ok {
		existing, getErr := h.bsoSvc.GetBSO(r.Context(), k, collectionID, id)
		if getErr == nil && existing.Modified > since {
			h.setLastModified(w, existing.Modified)
			httpserver.RespondStorageError(w, http.StatusPreconditionFailed, "header", "X-If-Unmodified-Since", "resource has changed")
			return
		}
	}

	err := h.bsoSvc.Delete(r.Context(), k, collectionID, id)
	if errors.Is(err, bso.ErrNotFound) {
		httpserver.RespondStorageError(w, http.StatusNotFound, "path", "id", "not found")
		return
	}
	if err != nil {
		h.logger.Error("delete bso", "error", err)
		httpserver.RespondTaxonomicError(w, http.StatusInternalServerError, "error")
		return
	}

	h.setWeaveTimestamp(w)
	httpserver.Respond(w, http.StatusOK, centisecondsToSeconds(h.now()))
}

func (h *Handler) respondPutError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bso.ErrWeakIV):
		httpserver.RespondStorageError(w, http.StatusBadRequest, "body", "payload", "rejected: known-bad payload")
	case errors.Is(err, bso.ErrPayloadTooLarge):
		respondSizeLimitExceeded(w)
	case errors.Is(err, bso.ErrQuotaExceeded):
		httpserver.RespondTaxonomicError(w, http.StatusForbidden, "quota-exceeded")
	default:
		h.logger.Error("put bso", "error", err)
		httpserver.RespondTaxonomicError(w, http.StatusInternalServerError, "error")
	}
}

// bsoWireView is the full-BSO JSON shape returned by item GETs and
// full=1 collection GETs.
type bsoWireView struct {
	ID        string  `json:"id"`
	Payload   string  `json:"payload"`
	SortIndex *int64  `json:"sortindex,omitempty"`
	Modified  float64 `json:"modified"`
}

func bsoView(b bso.BSO) bsoWireView {
	return bsoWireView{ID: b.ID, Payload: b.Payload, SortIndex: b.SortIndex, Modified: centisecondsToSeconds(b.Modified)}
}
