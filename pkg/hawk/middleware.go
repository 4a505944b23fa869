package hawk

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mozilla-services/syncstorage-go/internal/httpserver"
	"github.com/mozilla-services/syncstorage-go/internal/telemetry"
	"github.com/mozilla-services/syncstorage-go/pkg/tokenserver/token"
)

// Principal is the authenticated identity attached to the request context
// once Hawk verification succeeds.
type Principal struct {
	UID    int64
	Node   string
	FxaUID string
	FxaKid string
}

type principalKey struct{}

// NewContext returns a copy of ctx carrying p, retrievable with FromContext.
func NewContext(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the Principal attached by Middleware, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Middleware verifies the Hawk Authorization header on every request,
// rejecting malformed credentials, replayed nonces, MAC mismatches, and
// excess clock skew before handing off to the storage handlers.
func Middleware(logger *slog.Logger, issuer *token.Issuer, chain token.SecretChain, nonces NonceCache, skewTolerance time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds, err := ParseAuthorization(r.Header.Get("Authorization"))
			if err != nil {
				telemetry.HawkAuthFailuresTotal.WithLabelValues("malformed").Inc()
				httpserver.RespondError(w, http.StatusUnauthorized, "invalid-credentials", err.Error())
				return
			}

			payload, err := issuer.Verify(creds.ID)
			if err != nil {
				telemetry.HawkAuthFailuresTotal.WithLabelValues("unknown_token").Inc()
				httpserver.RespondError(w, http.StatusUnauthorized, "invalid-credentials", "unknown or expired token")
				return
			}

			now := time.Now()
			secrets, err := token.CredibleSecrets(chain, payload.Salt, payload.Node)
			if err != nil {
				logger.Error("deriving credible secrets", "error", err)
				httpserver.RespondError(w, http.StatusInternalServerError, "error", "internal error")
				return
			}

			if err := Verify(creds, secrets, r, now, skewTolerance); err != nil {
				h, _ := err.(*Error)
				reason := "mac_mismatch"
				if h != nil && h.Kind == KindClockSkew {
					reason = "clock_skew"
					w.Header().Set("X-Weave-Timestamp", strconv.FormatInt(h.ServerNow, 10))
				}
				telemetry.HawkAuthFailuresTotal.WithLabelValues(reason).Inc()
				httpserver.RespondError(w, http.StatusUnauthorized, "invalid-credentials", err.Error())
				return
			}

			reserved, err := nonces.Reserve(r.Context(), creds.ID, creds.Nonce, skewTolerance*2)
			if err != nil {
				logger.Error("reserving hawk nonce", "error", err)
				httpserver.RespondError(w, http.StatusInternalServerError, "error", "internal error")
				return
			}
			if !reserved {
				telemetry.HawkAuthFailuresTotal.WithLabelValues("replay").Inc()
				httpserver.RespondError(w, http.StatusUnauthorized, "invalid-credentials", "nonce replayed")
				return
			}

			ctx := NewContext(r.Context(), Principal{
				UID:    payload.UID,
				Node:   payload.Node,
				FxaUID: payload.FxaUID,
				FxaKid: payload.FxaKid,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
