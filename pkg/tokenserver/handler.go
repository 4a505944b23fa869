package tokenserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mozilla-services/syncstorage-go/internal/httpserver"
	"github.com/mozilla-services/syncstorage-go/internal/telemetry"
	"github.com/mozilla-services/syncstorage-go/pkg/tokenserver/ledger"
	"github.com/mozilla-services/syncstorage-go/pkg/tokenserver/nodes"
	"github.com/mozilla-services/syncstorage-go/pkg/tokenserver/verifier"
)

// Handler exposes the tokenserver's single HTTP operation.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	opsAlert *telemetry.OpsNotifier
}

// NewHandler creates a tokenserver Handler. opsAlert may be a notifier with
// no webhook configured, in which case allocator-exhaustion alerts are
// logged only.
func NewHandler(logger *slog.Logger, service *Service, opsAlert *telemetry.OpsNotifier) *Handler {
	return &Handler{logger: logger, service: service, opsAlert: opsAlert}
}

// Routes mounts GET /1.0/{app}/{version}.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{app}/{version}", h.handleIssue)
	return r
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	bearer, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		httpserver.RespondTaxonomicError(w, http.StatusUnauthorized, "invalid-credentials")
		return
	}

	req := IssueRequest{
		BearerToken:       bearer,
		KeyIDHeader:       r.Header.Get("X-KeyID"),
		ClientStateHeader: r.Header.Get("X-Client-State"),
	}

	if d := r.URL.Query().Get("duration"); d != "" {
		parsed, err := strconv.Atoi(d)
		if err != nil || parsed < 0 {
			httpserver.RespondStorageError(w, http.StatusBadRequest, "querystring", "duration", "invalid duration")
			return
		}
		req.RequestedDuration = parsed
	}

	result, err := h.service.Issue(r.Context(), req)
	if err != nil {
		h.respondIssueError(w, err)
		return
	}
	telemetry.TokensIssuedTotal.Inc()

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"id":             result.ID,
		"key":            result.Key,
		"uid":            result.UID,
		"api_endpoint":   result.APIEndpoint,
		"duration":       result.Duration,
		"hashalg":        result.HashAlg,
		"hashed_fxa_uid": result.HashedFxaUID,
		"node_type":      result.NodeType,
		"first_seen_at":  result.FirstSeenAt,
	})
}

// respondIssueError maps the C1/C3 error taxonomies onto the tokenserver's
// {status, errors} response body.
func (h *Handler) respondIssueError(w http.ResponseWriter, err error) {
	switch {
	case verifier.IsKind(err, verifier.KindBadRequest):
		telemetry.TokensRejectedTotal.WithLabelValues("bad_request").Inc()
		httpserver.RespondStorageError(w, http.StatusBadRequest, "header", "X-KeyID", err.Error())
	case verifier.IsKind(err, verifier.KindServiceUnavailable):
		telemetry.TokensRejectedTotal.WithLabelValues("verifier_unavailable").Inc()
		httpserver.RespondTaxonomicError(w, http.StatusServiceUnavailable, "error")
	case verifier.IsKind(err, verifier.KindInvalidTimestamp):
		telemetry.TokensRejectedTotal.WithLabelValues("invalid_timestamp").Inc()
		httpserver.RespondTaxonomicError(w, http.StatusUnauthorized, "invalid-timestamp")
	case verifier.IsKind(err, verifier.KindInvalidCredentials):
		telemetry.TokensRejectedTotal.WithLabelValues("invalid_credentials").Inc()
		httpserver.RespondTaxonomicError(w, http.StatusUnauthorized, "invalid-credentials")
	case ledger.IsKind(err, ledger.KindInvalidGeneration):
		telemetry.TokensRejectedTotal.WithLabelValues("invalid_generation").Inc()
		httpserver.RespondTaxonomicError(w, http.StatusUnauthorized, "invalid-generation")
	case ledger.IsKind(err, ledger.KindInvalidKeysChangedAt):
		telemetry.TokensRejectedTotal.WithLabelValues("invalid_keys_changed_at").Inc()
		httpserver.RespondTaxonomicError(w, http.StatusUnauthorized, "invalid-keysChangedAt")
	case ledger.IsKind(err, ledger.KindInvalidClientState):
		telemetry.TokensRejectedTotal.WithLabelValues("invalid_client_state").Inc()
		httpserver.RespondTaxonomicError(w, http.StatusUnauthorized, "invalid-client-state")
	case errors.Is(err, nodes.ErrAllocatorExhausted):
		telemetry.TokensRejectedTotal.WithLabelValues("allocator_exhausted").Inc()
		h.logger.Error("node allocator exhausted all capacity-release retries", "error", err)
		h.opsAlert.Alert(context.Background(), "tokenserver: node allocator exhausted, no eligible node for assignment")
		httpserver.RespondTaxonomicError(w, http.StatusInternalServerError, "error")
	default:
		telemetry.TokensRejectedTotal.WithLabelValues("internal_error").Inc()
		h.logger.Error("issuing token", "error", err)
		httpserver.RespondTaxonomicError(w, http.StatusInternalServerError, "error")
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}
