package storage

import (
	"net/http"
	"strconv"
)

// Integer error codes the storage surface returns as a bare JSON body
// (not wrapped in the {status,errors} envelope) for a malformed envelope
// or a client-declared size that exceeds the configured limits.
const (
	weaveInvalidWBO        = 8
	weaveSizeLimitExceeded = 17
)

func respondInvalidWBO(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	w.Write([]byte(strconv.Itoa(weaveInvalidWBO)))
}

func respondSizeLimitExceeded(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	w.Write([]byte(strconv.Itoa(weaveSizeLimitExceeded)))
}
