package storage

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/mozilla-services/syncstorage-go/internal/httpserver"
	"github.com/mozilla-services/syncstorage-go/pkg/storage/batch"
	"github.com/mozilla-services/syncstorage-go/pkg/storage/bso"
)

func (h *Handler) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	accept, ok := httpserver.NegotiateAccept(r.Header.Get("Accept"))
	if !ok {
		httpserver.RespondError(w, http.StatusNotAcceptable, "error", "unsupported Accept header")
		return
	}

	collectionID, _, ok := h.resolveCollection(w, r)
	if !ok {
		return
	}

	q, err := httpserver.ParseCollectionQueryParams(r, h.limits.InternalPageCap)
	if err != nil {
		httpserver.RespondStorageError(w, http.StatusBadRequest, "querystring", "", err.Error())
		return
	}
	if len(q.IDs) > h.limits.MaxIDsPerRequest {
		httpserver.RespondStorageError(w, http.StatusBadRequest, "querystring", "ids", "too many ids requested")
		return
	}

	k := h.key(r)

	collectionModified, hasAny, err := h.bsoSvc.CollectionModified(r.Context(), k, collectionID)
	if err != nil {
		h.logger.Error("resolving collection modified", "error", err)
		httpserver.RespondTaxonomicError(w, http.StatusInternalServerError, "error")
		return
	}

	if since, ok := ifModifiedSince(r); ok && hasAny && collectionModified <= since {
		h.setLastModified(w, collectionModified)
		h.setWeaveTimestamp(w)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	limit, _ := q.EffectiveLimit(h.limits.InternalPageCap)
	result, err := h.bsoSvc.List(r.Context(), k, collectionID, bso.ListParams{
		IDs: q.IDs, Newer: q.Newer, Older: q.Older,
		Sort: bso.Sort(q.Sort), Limit: limit, Offset: q.Offset, Full: q.Full,
	})
	if err != nil {
		h.logger.Error("listing collection", "error", err)
		httpserver.RespondTaxonomicError(w, http.StatusInternalServerError, "error")
		return
	}

	h.setLastModified(w, collectionModified)
	h.setWeaveTimestamp(w)
	w.Header().Set("X-Weave-Records", strconv.Itoa(len(result.Items)))
	if result.NextOffset != nil {
		w.Header().Set("X-Weave-Next-Offset", httpserver.EncodeOffset(*result.NextOffset))
	}

	if q.Full {
		items := make([]bsoWireView, len(result.Items))
		for i, item := range result.Items {
			items[i] = bsoView(item)
		}
		respondList(w, accept, toAnySlice(items))
		return
	}

	ids := make([]string, len(result.Items))
	for i, item := range result.Items {
		ids[i] = item.ID
	}
	respondList(w, accept, toAnySlice(ids))
}

func respondList(w http.ResponseWriter, accept string, items []any) {
	if accept == httpserver.MIMENewlines {
		httpserver.RespondNewlines(w, http.StatusOK, items)
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}

func toAnySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func (h *Handler) handlePostCollection(w http.ResponseWriter, r *http.Request) {
	collectionID, collectionName, ok := h.resolveCollection(w, r)
	if !ok {
		return
	}

	ct := contentTypeWithoutParams(r.Header.Get("Content-Type"))
	if ct != httpserver.MIMEJSON && ct != httpserver.MIMENewlines && ct != "" {
		httpserver.RespondError(w, http.StatusUnsupportedMediaType, "error", "unsupported content-type")
		return
	}

	if !checkDeclaredSizes(r, h.limits) {
		respondSizeLimitExceeded(w)
		return
	}

	items, err := decodeBSOList(r, h.limits.MaxRequestBytes)
	if err != nil {
		respondInvalidWBO(w)
		return
	}

	batchParam := r.URL.Query().Get("batch")
	commit := strings.EqualFold(r.URL.Query().Get("commit"), "true")
	k := h.key(r)

	valid, failed := partitionAndLimit(items, h.limits)

	switch {
	case batchParam == "":
		h.postDirect(w, r, k, collectionID, collectionName, valid, failed)
	case batchParam == "true" && commit:
		h.postCreateAndCommit(w, r, k, collectionID, collectionName, valid, failed)
	case batchParam == "true":
		h.postCreateBatch(w, r, k, collectionID, valid, failed)
	case commit:
		h.postCommitBatch(w, r, k, collectionID, collectionName, batchParam, valid, failed)
	default:
		h.postAppendBatch(w, r, k, collectionID, batchParam, valid, failed)
	}
}

// partitionAndLimit validates each item's own fields and enforces the
// per-POST record-count and byte-size ceilings, routing overflow items
// into failed with the "retry" reasons spec.md §4.8 names rather than
// failing the whole request.
func partitionAndLimit(items []bso.Input, limits Limits) (valid []bso.Input, failed map[string]string) {
	failed = make(map[string]string)
	var bytesSoFar int64

	for i, item := range items {
		if errs := item.Validate(limits.MaxRecordPayloadBytes); len(errs) > 0 {
			failed[item.ID] = errs[0].Descr
			continue
		}
		if i >= limits.MaxPostRecords {
			failed[item.ID] = "retry bso"
			continue
		}
		var size int64
		if item.Payload != nil {
			size = int64(len(*item.Payload))
		}
		if bytesSoFar+size > limits.MaxPostBytes {
			failed[item.ID] = "retry bytes"
			continue
		}
		bytesSoFar += size
		valid = append(valid, item)
	}
	return valid, failed
}

func mergeFailed(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func (h *Handler) postDirect(w http.ResponseWriter, r *http.Request, k bso.Key, collectionID int64, collectionName string, valid []bso.Input, preFailed map[string]string) {
	modified := h.now()
	succeeded, failed, err := h.bsoSvc.PutMany(r.Context(), k, collectionID, collectionName, valid, modified)
	if errors.Is(err, bso.ErrQuotaExceeded) {
		httpserver.RespondTaxonomicError(w, http.StatusForbidden, "quota-exceeded")
		return
	}
	if err != nil {
		h.logger.Error("post collection", "error", err)
		httpserver.RespondTaxonomicError(w, http.StatusInternalServerError, "error")
		return
	}

	h.setLastModified(w, modified)
	h.setWeaveTimestamp(w)
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"modified": centisecondsToSeconds(modified),
		"success":  succeeded,
		"failed":   mergeFailed(preFailed, failed),
	})
}

func (h *Handler) postCreateBatch(w http.ResponseWriter, r *http.Request, k bso.Key, collectionID int64, valid []bso.Input, preFailed map[string]string) {
	id, err := h.batches.Create(r.Context(), k, collectionID)
	if err != nil {
		h.logger.Error("create batch", "error", err)
		httpserver.RespondTaxonomicError(w, http.StatusInternalServerError, "error")
		return
	}
	if len(valid) > 0 {
		if err := h.batches.Append(r.Context(), k, collectionID, id, valid); err != nil {
			h.logger.Error("append new batch", "error", err)
			httpserver.RespondTaxonomicError(w, http.StatusInternalServerError, "error")
			return
		}
	}

	h.setWeaveTimestamp(w)
	httpserver.Respond(w, http.StatusAccepted, map[string]any{
		"batch":   id,
		"success": idsOf(valid),
		"failed":  preFailed,
	})
}

func (h *Handler) postAppendBatch(w http.ResponseWriter, r *http.Request, k bso.Key, collectionID int64, batchID string, valid []bso.Input, preFailed map[string]string) {
	err := h.batches.Append(r.Context(), k, collectionID, batchID, valid)
	switch {
	case errors.Is(err, batch.ErrNotFound):
		httpserver.RespondStorageError(w, http.StatusBadRequest, "querystring", "batch", "unknown batch id")
		return
	case errors.Is(err, batch.ErrAlreadyCommitted):
		httpserver.RespondStorageError(w, http.StatusBadRequest, "querystring", "batch", "batch already committed")
		return
	case err != nil:
		h.logger.Error("append batch", "error", err)
		httpserver.RespondTaxonomicError(w, http.StatusInternalServerError, "error")
		return
	}

	h.setWeaveTimestamp(w)
	httpserver.Respond(w, http.StatusAccepted, map[string]any{
		"batch":   batchID,
		"success": idsOf(valid),
		"failed":  preFailed,
	})
}

func (h *Handler) postCreateAndCommit(w http.ResponseWriter, r *http.Request, k bso.Key, collectionID int64, collectionName string, valid []bso.Input, preFailed map[string]string) {
	result, err := h.batches.CreateAndCommit(r.Context(), k, collectionID, collectionName, valid)
	h.respondCommit(w, result, err, preFailed)
}

func (h *Handler) postCommitBatch(w http.ResponseWriter, r *http.Request, k bso.Key, collectionID int64, collectionName, batchID string, valid []bso.Input, preFailed map[string]string) {
	result, err := h.batches.Commit(r.Context(), k, collectionID, collectionName, batchID, valid)
	h.respondCommit(w, result, err, preFailed)
}

func (h *Handler) respondCommit(w http.ResponseWriter, result batch.CommitResult, err error, preFailed map[string]string) {
	switch {
	case errors.Is(err, batch.ErrNotFound):
		httpserver.RespondStorageError(w, http.StatusBadRequest, "querystring", "batch", "unknown batch id")
		return
	case errors.Is(err, batch.ErrAlreadyCommitted):
		httpserver.RespondStorageError(w, http.StatusBadRequest, "querystring", "batch", "batch already committed")
		return
	case errors.Is(err, bso.ErrQuotaExceeded):
		httpserver.RespondTaxonomicError(w, http.StatusForbidden, "quota-exceeded")
		return
	case err != nil:
		h.logger.Error("commit batch", "error", err)
		httpserver.RespondTaxonomicError(w, http.StatusInternalServerError, "error")
		return
	}

	h.setLastModified(w, result.Modified)
	h.setWeaveTimestamp(w)
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"modified": centisecondsToSeconds(result.Modified),
		"success":  result.Succeeded,
		"failed":   mergeFailed(preFailed, result.Failed),
	})
}

func idsOf(items []bso.Input) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.ID
	}
	return out
}

func (h *Handler) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	collectionID, _, ok := h.resolveCollection(w, r)
	if !ok {
		return
	}

	var ids []string
	if v := r.URL.Query().Get("ids"); v != "" {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}

	if err := h.bsoSvc.DeleteCollection(r.Context(), h.key(r), collectionID, ids); err != nil {
		h.logger.Error("delete collection", "error", err)
		httpserver.RespondTaxonomicError(w, http.StatusInternalServerError, "error")
		return
	}

	h.setWeaveTimestamp(w)
	httpserver.Respond(w, http.StatusOK, centisecondsToSeconds(h.now()))
}

func (h *Handler) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	if err := h.bsoSvc.DeleteAll(r.Context(), h.key(r)); err != nil {
		h.logger.Error("delete all", "error", err)
		httpserver.RespondTaxonomicError(w, http.StatusInternalServerError, "error")
		return
	}

	h.setWeaveTimestamp(w)
	httpserver.Respond(w, http.StatusOK, centisecondsToSeconds(h.now()))
}
