package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Validatable is implemented by request payloads that can check their own
// field constraints (BSO id pattern, sortindex range, payload size, ...).
// Bespoke validation replaces struct-tag based validation here because the
// storage wire format's constraints (byte-exact collection names, numeric
// ranges tied to configured limits) don't map cleanly onto static tags.
type Validatable interface {
	Validate() []FieldError
}

// Decode reads a JSON request body into dst, enforcing maxBody bytes and
// rejecting unknown fields and trailing data. Returns an error suitable for
// display to the client.
func Decode(r *http.Request, dst any, maxBody int64) error {
	body := http.MaxBytesReader(nil, r.Body, maxBody)
	defer body.Close()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			return fmt.Errorf("request body too large (max %d bytes)", maxBody)
		case errors.Is(err, io.EOF):
			return fmt.Errorf("request body is empty")
		default:
			return fmt.Errorf("invalid JSON: %w", err)
		}
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON value")
	}

	return nil
}

// DecodeAndValidate decodes a JSON body into dst and, if dst implements
// Validatable, runs its field checks. On failure it writes the storage error
// envelope and returns false.
func DecodeAndValidate(w http.ResponseWriter, r *http.Request, dst any, maxBody int64) bool {
	if err := Decode(r, dst, maxBody); err != nil {
		RespondStorageError(w, http.StatusBadRequest, "body", "", err.Error())
		return false
	}

	if v, ok := dst.(Validatable); ok {
		if errs := v.Validate(); len(errs) > 0 {
			Respond(w, http.StatusBadRequest, ErrorEnvelope{Errors: errs, Status: "error"})
			return false
		}
	}

	return true
}
