package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/mozilla-services/syncstorage-go/internal/httpserver"
	"github.com/mozilla-services/syncstorage-go/pkg/storage/bso"
)

// errEmptyBody distinguishes "no items" (legal for a batch commit) from a
// genuinely malformed body.
var errEmptyBody = errors.New("storage: empty body")

// checkDeclaredSizes rejects a request before its body is parsed when the
// client-advertised X-Weave-* headers already exceed the configured
// limits, per spec.md §4.8.
func checkDeclaredSizes(r *http.Request, limits Limits) bool {
	if v := r.Header.Get("X-Weave-Records"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > limits.MaxPostRecords {
			return false
		}
	}
	if v := r.Header.Get("X-Weave-Bytes"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > limits.MaxPostBytes {
			return false
		}
	}
	if v := r.Header.Get("X-Weave-Total-Records"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > limits.MaxTotalRecords {
			return false
		}
	}
	if v := r.Header.Get("X-Weave-Total-Bytes"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > limits.MaxTotalBytes {
			return false
		}
	}
	return true
}

// decodeSingleBSO reads a single-item request body (PUT) as either
// application/json or text/plain-understood-as-JSON, rejecting unknown
// fields and non-object JSON.
func decodeSingleBSO(r *http.Request, maxBytes int64) (bso.Input, error) {
	ct := contentTypeWithoutParams(r.Header.Get("Content-Type"))
	if ct != httpserver.MIMEJSON && ct != httpserver.MIMEPlainText && ct != "" {
		return bso.Input{}, fmt.Errorf("unsupported content-type %q", ct)
	}

	body := http.MaxBytesReader(nil, r.Body, maxBytes)
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return bso.Input{}, err
	}
	if len(bytesTrimSpace(raw)) == 0 {
		return bso.Input{}, errEmptyBody
	}

	var in bso.Input
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return bso.Input{}, fmt.Errorf("decoding bso: %w", err)
	}
	if dec.More() {
		return bso.Input{}, fmt.Errorf("body must contain a single JSON object")
	}
	return in, nil
}

// decodeBSOList reads a multi-item POST body as either application/json
// (a JSON array) or application/newlines (one JSON value per line,
// trailing newline required for a non-empty body). An empty list/string is
// legal (used by empty batch commits); any other empty-like input
// ({} under json, or a lone blank line under newlines) is rejected.
func decodeBSOList(r *http.Request, maxBytes int64) ([]bso.Input, error) {
	ct := contentTypeWithoutParams(r.Header.Get("Content-Type"))

	body := http.MaxBytesReader(nil, r.Body, maxBytes)
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	switch ct {
	case httpserver.MIMENewlines:
		return decodeNewlines(raw)
	case httpserver.MIMEJSON, "":
		return decodeJSONArray(raw)
	default:
		return nil, fmt.Errorf("unsupported content-type %q", ct)
	}
}

func decodeJSONArray(raw []byte) ([]bso.Input, error) {
	trimmed := bytesTrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil // empty body: legal, e.g. a no-op batch commit
	}

	var items []bso.Input
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("decoding bso list: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("body must contain a single JSON array")
	}
	return items, nil
}

func decodeNewlines(raw []byte) ([]bso.Input, error) {
	if len(raw) == 0 {
		return nil, nil // empty body: legal
	}
	if raw[len(raw)-1] != '\n' {
		return nil, fmt.Errorf("application/newlines body must end with a trailing newline")
	}

	var items []bso.Input
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytesTrimSpace(scanner.Bytes())
		if len(line) == 0 {
			return nil, fmt.Errorf("application/newlines body contains a blank line")
		}
		var item bso.Input
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&item); err != nil {
			return nil, fmt.Errorf("decoding newline item: %w", err)
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func contentTypeWithoutParams(ct string) string {
	for i, c := range ct {
		if c == ';' {
			return bytesTrimSpaceString(ct[:i])
		}
	}
	return bytesTrimSpaceString(ct)
}

func bytesTrimSpace(b []byte) []byte {
	return bytes.TrimSpace(b)
}

func bytesTrimSpaceString(s string) string {
	return string(bytes.TrimSpace([]byte(s)))
}
