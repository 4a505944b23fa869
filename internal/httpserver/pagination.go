package httpserver

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// DefaultPageSize is a page size of 25 rows. The collection GET path does
// not use it: a request with no explicit limit is bounded by the internal
// page cap instead (see EffectiveLimit).
const DefaultPageSize = 25

// Offset is an opaque collection pagination cursor: the sort key value of
// the last item on the current page plus its bso_id, used to break ties
// deterministically so later pages never repeat or skip rows that existed
// at first-page time.
type Offset struct {
	SortKey int64
	BSOID   string
}

// EncodeOffset serialises an Offset to the opaque string sent in
// X-Weave-Next-Offset and accepted back in the offset query parameter.
func EncodeOffset(o Offset) string {
	raw := fmt.Sprintf("%d:%s", o.SortKey, o.BSOID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeOffset parses an opaque offset cursor back into its components.
func DecodeOffset(s string) (Offset, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Offset{}, fmt.Errorf("decoding offset: %w", err)
	}

	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return Offset{}, fmt.Errorf("invalid offset format")
	}

	key, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset sort key: %w", err)
	}
	if parts[1] == "" {
		return Offset{}, fmt.Errorf("invalid offset bso id")
	}

	return Offset{SortKey: key, BSOID: parts[1]}, nil
}

// CollectionQueryParams holds the parsed query parameters accepted by
// GET /1.5/{uid}/storage/{collection}.
type CollectionQueryParams struct {
	IDs    []string
	Newer  *int64 // centiseconds
	Older  *int64
	Full   bool
	Sort   string // "newest", "oldest", "index"
	Limit  int
	Offset *Offset
}

var validSorts = map[string]bool{"": true, "newest": true, "oldest": true, "index": true}

// ParseCollectionQueryParams extracts and validates the query parameters for
// a collection GET. internalPageCap is not used here; EffectiveLimit applies
// the cap when the client gave no explicit limit.
func ParseCollectionQueryParams(r *http.Request, internalPageCap int) (CollectionQueryParams, error) {
	q := r.URL.Query()
	p := CollectionQueryParams{Sort: "newest"}

	if v := q.Get("ids"); v != "" {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				p.IDs = append(p.IDs, id)
			}
		}
	}

	if v := q.Get("newer"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return p, fmt.Errorf("newer must be a number")
		}
		p.Newer = &n
	}

	if v := q.Get("older"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return p, fmt.Errorf("older must be a number")
		}
		p.Older = &n
	}

	if v := q.Get("full"); v != "" {
		p.Full = v == "1" || strings.EqualFold(v, "true")
	}

	if v := q.Get("sort"); v != "" {
		if !validSorts[v] {
			return p, fmt.Errorf("sort must be one of newest, oldest, index")
		}
		p.Sort = v
	}

	p.Limit = 0 // 0 means "no explicit limit"
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, fmt.Errorf("limit must be a positive integer")
		}
		p.Limit = n
	}

	if v := q.Get("offset"); v != "" {
		o, err := DecodeOffset(v)
		if err != nil {
			return p, fmt.Errorf("invalid offset: %w", err)
		}
		p.Offset = &o
	}

	return p, nil
}

// EffectiveLimit returns the limit to fetch and whether a cursor must be
// issued even though the client gave no explicit limit, per the rule that
// an unlimited request exceeding the internal page cap still paginates.
func (p CollectionQueryParams) EffectiveLimit(internalPageCap int) (limit int, forcedByCAP bool) {
	if p.Limit > 0 {
		return p.Limit, false
	}
	return internalPageCap, true
}
