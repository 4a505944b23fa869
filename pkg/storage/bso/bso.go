// Package bso implements the per-user Basic Storage Object store: the
// read/write operations, TTL and conditional semantics, sort/pagination,
// and quota accounting spec'd for the /1.5/{uid}/storage surface.
package bso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mozilla-services/syncstorage-go/internal/httpserver"
)

// BSO is a single stored record, as persisted and as rendered full-object
// responses ("full=1" GETs, single-BSO GETs).
type BSO struct {
	ID        string
	Payload   string
	SortIndex *int64
	Modified  int64 // centiseconds
	Expiry    int64 // centiseconds
}

// Input is the sum-typed request body for a single BSO write: PUT uses it
// directly, POST decodes a list of these. Fields left nil on an existing
// BSO preserve the prior stored value; on a brand-new BSO, a nil Payload
// defaults to "" and a nil TTL uses the collection default.
type Input struct {
	ID        string  `json:"id"`
	Payload   *string `json:"payload,omitempty"`
	SortIndex *int64  `json:"sortindex,omitempty"`
	TTL       *int64  `json:"ttl,omitempty"` // seconds
}

// Validate checks field-level constraints independent of any existing row
// or collection context (the BSO-id charset/length rule, sortindex range,
// and that ttl isn't negative). Quota, payload-size-vs-limit and crypto
// weak-IV checks require Service-level context and are applied there.
func (in Input) Validate(maxPayloadBytes int64) []httpserver.FieldError {
	var errs []httpserver.FieldError

	if !validBSOID(in.ID) {
		errs = append(errs, httpserver.FieldError{Location: "body", Name: "id", Descr: "invalid bso id"})
	}
	if in.Payload != nil && int64(len(*in.Payload)) > maxPayloadBytes {
		errs = append(errs, httpserver.FieldError{Location: "body", Name: "payload", Descr: "payload too large"})
	}
	if in.SortIndex != nil && (*in.SortIndex < -1_000_000_000 || *in.SortIndex > 1_000_000_000) {
		errs = append(errs, httpserver.FieldError{Location: "body", Name: "sortindex", Descr: "sortindex out of range"})
	}
	if in.TTL != nil && *in.TTL < 0 {
		errs = append(errs, httpserver.FieldError{Location: "body", Name: "ttl", Descr: "ttl must not be negative"})
	}
	return errs
}

func validBSOID(id string) bool {
	if len(id) == 0 || len(id) > 64 {
		return false
	}
	for _, r := range id {
		if r <= ' ' || r == 0x7f {
			return false
		}
	}
	return true
}

// ErrUnknownFields is returned by DecodeInput when the JSON body contains
// a key other than id/payload/sortindex/ttl.
var ErrUnknownFields = errors.New("bso: unknown field in body")

// weakIVPayload is a known-bad literal fixture from historical client bugs:
// writes to the "crypto" collection carrying it are rejected outright
// regardless of the rest of the payload's shape.
const weakIVPayload = `"AAAAAAAAAAAAAAAAAAAAAA=="`

// HasWeakIV reports whether payload is JSON containing an "IV" field equal
// to the known-weak fixed value. Non-JSON or non-matching payloads are not
// rejected by this check; only this one literal historical footgun is.
func HasWeakIV(payload string) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		return false
	}
	iv, ok := obj["IV"]
	if !ok {
		return false
	}
	return string(iv) == weakIVPayload
}

// ErrNotFound is returned when a BSO or collection row doesn't exist (or is
// expired, which reads as not-existing per spec's read-side TTL filter).
var ErrNotFound = errors.New("bso: not found")

// ErrQuotaExceeded is returned when a write would push a user over quota.
var ErrQuotaExceeded = errors.New("bso: quota exceeded")

// Sort selects the ordering GET /storage/{col} returns ids or full BSOs in.
type Sort string

const (
	SortNewest Sort = "newest"
	SortOldest Sort = "oldest"
	SortIndex  Sort = "index"
)

// ListParams carries the parsed, validated query parameters for a
// collection GET, independent of how the HTTP layer extracted them.
type ListParams struct {
	IDs    []string
	Newer  *int64
	Older  *int64
	Sort   Sort
	Limit  int
	Offset *httpserver.Offset
	Full   bool
}

// ListResult is a page of BSOs plus the cursor to fetch the next page, if
// any remain.
type ListResult struct {
	Items      []BSO
	NextOffset *httpserver.Offset
}

// Key identifies a user's BSO space: fxa_uid/fxa_kid name the identity and
// key generation (spec.md §3's "BSO keyed by (fxa_uid, fxa_kid, ...)").
// The tokenserver-assigned numeric uid carried in the URL is not part of
// Key; it is used only for cross-checking that the Hawk principal matches
// the path.
type Key struct {
	FxaUID string
	FxaKid string
}

func (k Key) String() string { return fmt.Sprintf("%s/%s", k.FxaUID, k.FxaKid) }

// Store is the persistence boundary for BSO reads and writes.
type Store interface {
	// CollectionModifieds returns collection_id -> max(modified) for every
	// collection of k that has at least one non-expired BSO.
	CollectionModifieds(ctx context.Context, k Key) (map[int64]int64, error)
	// CollectionCounts returns collection_id -> count of non-expired BSOs.
	CollectionCounts(ctx context.Context, k Key) (map[int64]int64, error)
	// CollectionUsageBytes returns collection_id -> sum(len(payload)).
	CollectionUsageBytes(ctx context.Context, k Key) (map[int64]int64, error)
	// QuotaUsageBytes returns the sum of payload bytes across all of k's
	// non-expired BSOs, for quota accounting.
	QuotaUsageBytes(ctx context.Context, k Key) (int64, error)

	// GetBSO fetches one non-expired BSO.
	GetBSO(ctx context.Context, k Key, collectionID int64, id string, now int64) (BSO, error)
	// ListBSOs fetches a page of BSOs (or just ids, chosen by the caller
	// reading only the ID field back) for collectionID matching params.
	ListBSOs(ctx context.Context, k Key, collectionID int64, params ListParams, now int64) (ListResult, error)

	// PutBSO upserts a single BSO with fully resolved values. modified is
	// the caller-assigned commit timestamp and expiry the absolute expiry
	// (both centiseconds); field preservation, payload/sortindex defaults
	// and TTL resolution are applied by the caller (Service), not here, so
	// this is a thin upsert primitive reusable by batch commit.
	PutBSO(ctx context.Context, k Key, collectionID int64, id string, payload string, sortIndex *int64, modified, expiry int64) error

	// DeleteBSO removes one BSO, returning ErrNotFound if it didn't exist
	// (or was already expired).
	DeleteBSO(ctx context.Context, k Key, collectionID int64, id string, now int64) error
	// DeleteBSOs removes a set of BSOs by id within one collection.
	DeleteBSOs(ctx context.Context, k Key, collectionID int64, ids []string) error
	// DeleteCollection removes every BSO in one collection.
	DeleteCollection(ctx context.Context, k Key, collectionID int64) error
	// DeleteAll removes every BSO across all of k's collections.
	DeleteAll(ctx context.Context, k Key) error
}
