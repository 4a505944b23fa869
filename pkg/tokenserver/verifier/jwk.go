package verifier

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// JWKVerifier validates bearer tokens locally against the issuer's cached
// JSON Web Key Set, used when a remote introspection endpoint is not
// configured in favor of an OIDC issuer URL.
type JWKVerifier struct {
	verifier      *oidc.IDTokenVerifier
	requiredScope string
}

// NewJWKVerifier performs OIDC discovery against issuerURL and builds a
// verifier scoped to clientID.
func NewJWKVerifier(ctx context.Context, issuerURL, clientID, requiredScope string) (*JWKVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC provider %s: %w", issuerURL, err)
	}

	return &JWKVerifier{
		verifier:      provider.Verifier(&oidc.Config{ClientID: clientID}),
		requiredScope: requiredScope,
	}, nil
}

type jwkClaims struct {
	Subject       string   `json:"sub"`
	FxaUID        string   `json:"fxa_uid"`
	Generation    *int64   `json:"generation"`
	Scope         string   `json:"scope"`
	KeysChangedAt *int64   `json:"keys_changed_at"`
}

func (v *JWKVerifier) Verify(ctx context.Context, bearerToken string) (Principal, error) {
	idToken, err := v.verifier.Verify(ctx, bearerToken)
	if err != nil {
		return Principal{}, newErr(KindInvalidCredentials, fmt.Sprintf("verifying token: %v", err))
	}

	var claims jwkClaims
	if err := idToken.Claims(&claims); err != nil {
		return Principal{}, newErr(KindInvalidCredentials, "extracting claims")
	}

	fxaUID := claims.FxaUID
	if fxaUID == "" {
		fxaUID = claims.Subject
	}
	if fxaUID == "" {
		return Principal{}, newErr(KindInvalidCredentials, "token missing subject")
	}

	if !scopeContains(claims.Scope, v.requiredScope) {
		return Principal{}, newErr(KindInvalidCredentials, "token missing required scope")
	}

	return Principal{
		FxaUID:        fxaUID,
		Generation:    claims.Generation,
		KeysChangedAt: claims.KeysChangedAt,
	}, nil
}

func scopeContains(spaceSeparated, required string) bool {
	start := 0
	for i := 0; i <= len(spaceSeparated); i++ {
		if i == len(spaceSeparated) || spaceSeparated[i] == ' ' {
			if spaceSeparated[start:i] == required {
				return true
			}
			start = i + 1
		}
	}
	return false
}
