// Package hawk implements Hawk MAC authentication for the storage surface's
// per-request credential: the session secret minted by the token issuer at
// credential-exchange time, verified here on every subsequent storage call.
package hawk

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Credentials is a parsed Authorization: Hawk header.
type Credentials struct {
	ID    string
	TS    int64
	Nonce string
	MAC   string
	Hash  string
	Ext   string
}

// Kind distinguishes the failure classes the HTTP layer maps to status
// codes and the X-Weave-Timestamp retry hint.
type Kind int

const (
	KindUnknown Kind = iota
	KindMalformed
	KindMACMismatch
	KindClockSkew
	KindReplay
)

// Error carries a Kind alongside the server timestamp a skew failure needs
// to hand back to the client.
type Error struct {
	Kind      Kind
	Msg       string
	ServerNow int64
}

func (e *Error) Error() string { return e.Msg }

// IsKind reports whether err is a *Error carrying kind.
func IsKind(err error, kind Kind) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind == kind
	}
	return false
}

// ParseAuthorization parses `Hawk id="...", ts="...", nonce="...", mac="..."`
// (optionally hash="...", ext="...").
func ParseAuthorization(header string) (Credentials, error) {
	const prefix = "Hawk "
	if !strings.HasPrefix(header, prefix) {
		return Credentials{}, &Error{Kind: KindMalformed, Msg: "missing Hawk scheme"}
	}

	attrs, err := parseAttributes(header[len(prefix):])
	if err != nil {
		return Credentials{}, err
	}

	id, ok := attrs["id"]
	if !ok || id == "" {
		return Credentials{}, &Error{Kind: KindMalformed, Msg: "missing id"}
	}
	nonce, ok := attrs["nonce"]
	if !ok || nonce == "" {
		return Credentials{}, &Error{Kind: KindMalformed, Msg: "missing nonce"}
	}
	mac, ok := attrs["mac"]
	if !ok || mac == "" {
		return Credentials{}, &Error{Kind: KindMalformed, Msg: "missing mac"}
	}
	tsRaw, ok := attrs["ts"]
	if !ok {
		return Credentials{}, &Error{Kind: KindMalformed, Msg: "missing ts"}
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return Credentials{}, &Error{Kind: KindMalformed, Msg: "malformed ts"}
	}

	return Credentials{
		ID:    id,
		TS:    ts,
		Nonce: nonce,
		MAC:   mac,
		Hash:  attrs["hash"],
		Ext:   attrs["ext"],
	}, nil
}

// parseAttributes splits a comma-separated list of key="value" pairs.
func parseAttributes(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.IndexByte(part, '=')
		if eq <= 0 {
			return nil, &Error{Kind: KindMalformed, Msg: "malformed attribute: " + part}
		}
		key := strings.TrimSpace(part[:eq])
		val := strings.Trim(part[eq+1:], `"`)
		out[key] = val
	}
	return out, nil
}

// CanonicalString builds the nine-line string MACed by both client and
// server: method, path, host and port are taken from the live request;
// ts/nonce/hash/ext come from the parsed credentials.
func CanonicalString(creds Credentials, method, pathAndQuery, host, port string) string {
	var b strings.Builder
	b.WriteString("hawk.1.header\n")
	b.WriteString(strconv.FormatInt(creds.TS, 10))
	b.WriteString("\n")
	b.WriteString(creds.Nonce)
	b.WriteString("\n")
	b.WriteString(strings.ToUpper(method))
	b.WriteString("\n")
	b.WriteString(pathAndQuery)
	b.WriteString("\n")
	b.WriteString(strings.ToLower(host))
	b.WriteString("\n")
	b.WriteString(port)
	b.WriteString("\n")
	b.WriteString(creds.Hash)
	b.WriteString("\n")
	b.WriteString(creds.Ext)
	b.WriteString("\n")
	return b.String()
}

// ComputeMAC returns the base64-standard-encoded HMAC-SHA256 of canonical
// under secret.
func ComputeMAC(secret []byte, canonical string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// NonceCache guards against a validly-signed request being replayed.
type NonceCache interface {
	// Reserve atomically claims (id, nonce); it returns false if it was
	// already claimed within the TTL window.
	Reserve(ctx context.Context, id, nonce string, ttl time.Duration) (bool, error)
}

// Verify checks creds against every credible session secret (newest
// first), enforcing clock skew tolerance. Nonce replay is not checked here;
// Middleware reserves the nonce after Verify succeeds. req supplies the method/path/host/port the canonical string is built
// from; now is the server's current time.
func Verify(creds Credentials, credibleSecrets [][]byte, req *http.Request, now time.Time, skewTolerance time.Duration) error {
	delta := now.Unix() - creds.TS
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Second > skewTolerance {
		return &Error{Kind: KindClockSkew, Msg: "clock skew exceeds tolerance", ServerNow: now.Unix()}
	}

	host, port := splitHostPort(req)
	canonical := CanonicalString(creds, req.Method, req.URL.RequestURI(), host, port)

	for _, secret := range credibleSecrets {
		expected := ComputeMAC(secret, canonical)
		if hmac.Equal([]byte(expected), []byte(creds.MAC)) {
			return nil
		}
	}
	return &Error{Kind: KindMACMismatch, Msg: "mac mismatch for all credible secrets"}
}

func splitHostPort(r *http.Request) (host, port string) {
	h := r.Host
	if idx := strings.LastIndexByte(h, ':'); idx != -1 {
		return h[:idx], h[idx+1:]
	}
	if r.TLS != nil {
		return h, "443"
	}
	return h, "80"
}
