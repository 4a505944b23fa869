// Package verifier validates an inbound OAuth bearer token and parses the
// X-KeyID header, producing a normalized Principal for the rest of the
// tokenserver pipeline.
package verifier

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Principal is the normalized result of a successful verification.
type Principal struct {
	FxaUID        string
	Generation    *int64
	KeysChangedAt *int64
	ClientState   string
}

// Kind distinguishes the failure classes the HTTP layer maps to status
// codes/taxonomic strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindServiceUnavailable
	KindInvalidCredentials
	KindInvalidTimestamp
	KindBadRequest
)

// Error wraps a verification failure with its Kind so the HTTP layer can
// render the right status and body without string-matching.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newErr(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

// Verifier validates an opaque bearer token and returns its claims.
type Verifier interface {
	Verify(ctx context.Context, bearerToken string) (Principal, error)
}

// ParseKeyID parses "X-KeyID: <keys_changed_at>-<b64url(client_state_hash)>".
func ParseKeyID(header string) (keysChangedAt int64, clientState string, err error) {
	if header == "" {
		return 0, "", newErr(KindBadRequest, "missing X-KeyID header")
	}

	idx := strings.IndexByte(header, '-')
	if idx <= 0 || idx == len(header)-1 {
		return 0, "", newErr(KindBadRequest, "malformed X-KeyID: missing separator")
	}

	kcaPart, csPart := header[:idx], header[idx+1:]

	kca, err := strconv.ParseInt(kcaPart, 10, 64)
	if err != nil || kca < 0 {
		return 0, "", newErr(KindBadRequest, "malformed X-KeyID: invalid keys_changed_at")
	}

	decoded, err := base64.RawURLEncoding.DecodeString(csPart)
	if err != nil || len(decoded) == 0 {
		return 0, "", newErr(KindBadRequest, "malformed X-KeyID: invalid client state encoding")
	}

	return kca, csPart, nil
}

// IsKind reports whether err is a *Error carrying kind.
func IsKind(err error, kind Kind) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind == kind
	}
	return false
}

func hintToKind(hint string) Kind {
	switch {
	case strings.Contains(hint, "expired"):
		return KindInvalidCredentials
	case strings.Contains(hint, "issued later than"):
		return KindInvalidTimestamp
	default:
		return KindInvalidCredentials
	}
}

var (
	// ErrServiceUnavailable is returned when the remote verifier cannot be reached or errors.
	ErrServiceUnavailable = newErr(KindServiceUnavailable, "verifier unavailable")
)

// wrapRemoteFailure converts a remote verifier's {status:"failure", reason:"..."}
// body into the appropriately-kinded Error.
func wrapRemoteFailure(reason string) error {
	kind := hintToKind(reason)
	return newErr(kind, fmt.Sprintf("invalid credentials: %s", reason))
}
