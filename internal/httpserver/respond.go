package httpserver

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net/http"
)

// MIME types recognized for request bodies and response negotiation.
const (
	MIMEJSON      = "application/json"
	MIMENewlines  = "application/newlines"
	MIMEPlainText = "text/plain"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", MIMEJSON)
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// FieldError describes a single malformed input, matching the error
// envelope the storage surface returns for every 4xx response.
type FieldError struct {
	Location string `json:"location"`
	Name     string `json:"name,omitempty"`
	Descr    string `json:"description"`
}

// ErrorEnvelope is the JSON body returned for every storage error: a list
// of field errors plus a top-level status string.
type ErrorEnvelope struct {
	Errors []FieldError `json:"errors"`
	Status string       `json:"status"`
}

// RespondStorageError writes the {errors, status} envelope the storage
// surface uses for 400/404/415/etc responses.
func RespondStorageError(w http.ResponseWriter, status int, location, name, descr string) {
	Respond(w, status, ErrorEnvelope{
		Errors: []FieldError{{Location: location, Name: name, Descr: descr}},
		Status: "error",
	})
}

// RespondError writes a simple JSON error response: {"status": err, "message": message}.
func RespondError(w http.ResponseWriter, status int, err string, message string) {
	Respond(w, status, map[string]string{
		"status":  err,
		"message": message,
	})
}

// TaxonomicError is the {status, errors} body the tokenserver and quota
// paths return, where status is one of the taxonomy strings such as
// invalid-client-state, invalid-generation, invalid-credentials.
type TaxonomicError struct {
	Status string       `json:"status"`
	Errors []FieldError `json:"errors,omitempty"`
}

// RespondTaxonomicError writes a TaxonomicError body.
func RespondTaxonomicError(w http.ResponseWriter, httpStatus int, taxonomy string, errs ...FieldError) {
	Respond(w, httpStatus, TaxonomicError{Status: taxonomy, Errors: errs})
}

// RespondNewlines writes items as application/newlines: one JSON value per
// line, each terminated by \n, matching what the storage surface returns
// when the client's Accept header asks for it.
func RespondNewlines(w http.ResponseWriter, status int, items []any) {
	w.Header().Set("Content-Type", MIMENewlines)
	w.WriteHeader(status)

	bw := bufio.NewWriter(w)
	defer bw.Flush()

	enc := json.NewEncoder(bw)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			slog.Error("encoding newline response item", "error", err)
			return
		}
	}
}

// NegotiateAccept picks application/json or application/newlines from the
// request's Accept header. Any other explicit preference is unsupported and
// the caller should respond 406.
func NegotiateAccept(accept string) (mime string, ok bool) {
	switch accept {
	case "", "*/*", MIMEJSON:
		return MIMEJSON, true
	case MIMENewlines:
		return MIMENewlines, true
	default:
		return "", false
	}
}
