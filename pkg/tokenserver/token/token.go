// Package token issues and verifies the tokenserver's MAC-signed bearer
// token and derives the per-node session secret used by Hawk.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// ErrInvalidSignature means the token's MAC did not match any known secret.
var ErrInvalidSignature = errors.New("token: invalid signature")

// ErrMalformed means the token envelope could not be decoded.
var ErrMalformed = errors.New("token: malformed envelope")

// Payload is the claims carried inside an issued token.
type Payload struct {
	UID            int64  `json:"uid"`
	Node           string `json:"node"`
	FxaUID         string `json:"fxa_uid"`
	FxaKid         string `json:"fxa_kid"`
	HashedFxaUID   string `json:"hashed_fxa_uid"`
	HashedDeviceID string `json:"hashed_device_id"`
	Salt           string `json:"salt"`
	Expires        int64  `json:"expires"` // unix seconds
}

// SecretChain holds the ordered list of master secrets: index 0 is the
// newest (used for signing); verification tries every entry newest-first.
type SecretChain struct {
	secrets []string
}

// NewSecretChain builds a chain from newest-first secrets. Panics if empty;
// callers should validate configuration before constructing one.
func NewSecretChain(newestFirst []string) SecretChain {
	if len(newestFirst) == 0 {
		panic("token: secret chain must not be empty")
	}
	return SecretChain{secrets: newestFirst}
}

// Newest returns the active signing secret.
func (c SecretChain) Newest() string { return c.secrets[0] }

// All returns every known secret, newest-first.
func (c SecretChain) All() []string { return c.secrets }

// Issuer signs and verifies bearer tokens using a SecretChain.
type Issuer struct {
	chain               SecretChain
	defaultTokenDuration int
}

// NewIssuer creates an Issuer. defaultTokenDuration is the ceiling (and
// default) applied to a client-requested token TTL, in seconds.
func NewIssuer(chain SecretChain, defaultTokenDuration int) *Issuer {
	return &Issuer{chain: chain, defaultTokenDuration: defaultTokenDuration}
}

// ClampDuration enforces duration ∈ [1, default_token_duration].
func (iss *Issuer) ClampDuration(requested int) int {
	if requested <= 0 {
		return iss.defaultTokenDuration
	}
	if requested > iss.defaultTokenDuration {
		return iss.defaultTokenDuration
	}
	return requested
}

// Issue signs payload with the newest secret and returns the opaque token
// string: base64url(payload_json || HMAC-SHA256(secret, payload_json)).
func (iss *Issuer) Issue(payload Payload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}

	mac := computeMAC(iss.chain.Newest(), body)
	envelope := append(body, mac...)
	return base64.RawURLEncoding.EncodeToString(envelope), nil
}

// Verify decodes tok and checks its MAC against every known secret,
// newest-first, returning the decoded Payload on the first match.
func (iss *Issuer) Verify(tok string) (Payload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return Payload{}, ErrMalformed
	}
	if len(raw) <= sha256.Size {
		return Payload{}, ErrMalformed
	}

	body := raw[:len(raw)-sha256.Size]
	sig := raw[len(raw)-sha256.Size:]

	var matched bool
	for _, secret := range iss.chain.All() {
		if hmac.Equal(computeMAC(secret, body), sig) {
			matched = true
			break
		}
	}
	if !matched {
		return Payload{}, ErrInvalidSignature
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, ErrMalformed
	}

	if p.Expires < time.Now().Unix() {
		return Payload{}, fmt.Errorf("token: expired")
	}

	return p, nil
}

func computeMAC(secret string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return h.Sum(nil)
}

// DeriveNodeSecret derives the Hawk session secret shared with the client:
// HKDF-SHA256(masterSecret, length=32, info="services.mozilla.com/mozsvc/v1/node_secret/<node>"),
// salted by tokenID so each issued token gets a distinct session secret.
func DeriveNodeSecret(masterSecret, tokenID, node string) ([]byte, error) {
	info := []byte("services.mozilla.com/mozsvc/v1/node_secret/" + node)
	r := hkdf.New(sha256.New, []byte(masterSecret), []byte(tokenID), info)

	secret := make([]byte, 32)
	if _, err := io.ReadFull(r, secret); err != nil {
		return nil, fmt.Errorf("deriving node secret: %w", err)
	}
	return secret, nil
}

// CredibleSecrets derives the session secret from every secret in the
// chain, newest-first, so Hawk verification can try each in turn during a
// secret rotation window.
func CredibleSecrets(chain SecretChain, tokenID, node string) ([][]byte, error) {
	out := make([][]byte, 0, len(chain.All()))
	for _, secret := range chain.All() {
		derived, err := DeriveNodeSecret(secret, tokenID, node)
		if err != nil {
			return nil, err
		}
		out = append(out, derived)
	}
	return out, nil
}

// SplitChainConfig parses a comma-separated config string (operator writes
// oldest-first for readability) into a newest-first SecretChain.
func SplitChainConfig(commaSeparated string) SecretChain {
	parts := strings.Split(commaSeparated, ",")
	trimmed := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			trimmed = append(trimmed, p)
		}
	}
	// reverse: config is oldest-first, chain is newest-first
	for i, j := 0, len(trimmed)-1; i < j; i, j = i+1, j-1 {
		trimmed[i], trimmed[j] = trimmed[j], trimmed[i]
	}
	return NewSecretChain(trimmed)
}
