package bso

import (
	"errors"
	"fmt"
	"strings"

	"context"

	"github.com/jackc/pgx/v5"

	"github.com/mozilla-services/syncstorage-go/internal/db"
	"github.com/mozilla-services/syncstorage-go/internal/httpserver"
)

// PGStore is the Postgres-backed Store implementation.
type PGStore struct {
	db db.DBTX
}

// NewPGStore creates a PGStore. conn may be a pool or a transaction, so
// batch commit can run its materialization through the same store code
// inside a single pgx.Tx.
func NewPGStore(conn db.DBTX) *PGStore {
	return &PGStore{db: conn}
}

func (s *PGStore) CollectionModifieds(ctx context.Context, k Key) (map[int64]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT collection_id, MAX(modified)
		FROM bsos
		WHERE fxa_uid = $1 AND fxa_kid = $2 AND expiry > extract(epoch from now())*100
		GROUP BY collection_id`, k.FxaUID, k.FxaKid)
	if err != nil {
		return nil, fmt.Errorf("querying collection modifieds: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]int64)
	for rows.Next() {
		var id, modified int64
		if err := rows.Scan(&id, &modified); err != nil {
			return nil, fmt.Errorf("scanning collection modified: %w", err)
		}
		out[id] = modified
	}
	return out, rows.Err()
}

func (s *PGStore) CollectionCounts(ctx context.Context, k Key) (map[int64]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT collection_id, COUNT(*)
		FROM bsos
		WHERE fxa_uid = $1 AND fxa_kid = $2 AND expiry > extract(epoch from now())*100
		GROUP BY collection_id`, k.FxaUID, k.FxaKid)
	if err != nil {
		return nil, fmt.Errorf("querying collection counts: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]int64)
	for rows.Next() {
		var id, count int64
		if err := rows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("scanning collection count: %w", err)
		}
		out[id] = count
	}
	return out, rows.Err()
}

func (s *PGStore) CollectionUsageBytes(ctx context.Context, k Key) (map[int64]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT collection_id, COALESCE(SUM(octet_length(payload)), 0)
		FROM bsos
		WHERE fxa_uid = $1 AND fxa_kid = $2 AND expiry > extract(epoch from now())*100
		GROUP BY collection_id`, k.FxaUID, k.FxaKid)
	if err != nil {
		return nil, fmt.Errorf("querying collection usage: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]int64)
	for rows.Next() {
		var id, bytes int64
		if err := rows.Scan(&id, &bytes); err != nil {
			return nil, fmt.Errorf("scanning collection usage: %w", err)
		}
		out[id] = bytes
	}
	return out, rows.Err()
}

func (s *PGStore) QuotaUsageBytes(ctx context.Context, k Key) (int64, error) {
	var bytes int64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(octet_length(payload)), 0)
		FROM bsos
		WHERE fxa_uid = $1 AND fxa_kid = $2 AND expiry > extract(epoch from now())*100`,
		k.FxaUID, k.FxaKid).Scan(&bytes)
	if err != nil {
		return 0, fmt.Errorf("querying quota usage: %w", err)
	}
	return bytes, nil
}

func (s *PGStore) GetBSO(ctx context.Context, k Key, collectionID int64, id string, now int64) (BSO, error) {
	var b BSO
	err := s.db.QueryRow(ctx, `
		SELECT bso_id, payload, sortindex, modified, expiry
		FROM bsos
		WHERE fxa_uid = $1 AND fxa_kid = $2 AND collection_id = $3 AND bso_id = $4 AND expiry > $5`,
		k.FxaUID, k.FxaKid, collectionID, id, now).Scan(&b.ID, &b.Payload, &b.SortIndex, &b.Modified, &b.Expiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return BSO{}, ErrNotFound
	}
	if err != nil {
		return BSO{}, fmt.Errorf("querying bso %q: %w", id, err)
	}
	return b, nil
}

// ListBSOs builds the WHERE/ORDER/LIMIT clause for a collection GET from
// params, matching spec.md §4.7's sort/pagination rules: secondary sort by
// bso_id ASC always breaks ties, and the cursor encodes (sort_key, bso_id)
// of the last row returned so later pages never repeat or skip.
func (s *PGStore) ListBSOs(ctx context.Context, k Key, collectionID int64, params ListParams, now int64) (ListResult, error) {
	var b strings.Builder
	args := []any{k.FxaUID, k.FxaKid, collectionID, now}
	b.WriteString(`SELECT bso_id, payload, sortindex, modified, expiry FROM bsos WHERE fxa_uid = $1 AND fxa_kid = $2 AND collection_id = $3 AND expiry > $4`)

	if len(params.IDs) > 0 {
		args = append(args, params.IDs)
		fmt.Fprintf(&b, " AND bso_id = ANY($%d)", len(args))
	}
	if params.Newer != nil {
		args = append(args, *params.Newer)
		fmt.Fprintf(&b, " AND modified > $%d", len(args))
	}
	if params.Older != nil {
		args = append(args, *params.Older)
		fmt.Fprintf(&b, " AND modified < $%d", len(args))
	}

	sortCol, sortDir := sortColumn(params.Sort)

	if params.Offset != nil {
		args = append(args, params.Offset.SortKey, params.Offset.BSOID)
		skArg, idArg := len(args)-1, len(args)
		// NULL sortindex rows compare as sortKeyOf's sentinel so the cursor
		// predicate still reaches them.
		keyExpr := sortCol
		if sortCol == "sortindex" {
			keyExpr = fmt.Sprintf("COALESCE(sortindex, %d)", int64(-(1 << 62)))
		}
		if sortDir == "DESC" {
			fmt.Fprintf(&b, " AND (%s < $%d OR (%s = $%d AND bso_id > $%d))", keyExpr, skArg, keyExpr, skArg, idArg)
		} else {
			fmt.Fprintf(&b, " AND (%s > $%d OR (%s = $%d AND bso_id > $%d))", keyExpr, skArg, keyExpr, skArg, idArg)
		}
	}

	if sortCol == "sortindex" {
		fmt.Fprintf(&b, " ORDER BY %s %s NULLS LAST, bso_id ASC", sortCol, sortDir)
	} else {
		fmt.Fprintf(&b, " ORDER BY %s %s, bso_id ASC", sortCol, sortDir)
	}

	// Fetch one extra row to detect whether a next page exists.
	args = append(args, params.Limit+1)
	fmt.Fprintf(&b, " LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, b.String(), args...)
	if err != nil {
		return ListResult{}, fmt.Errorf("listing bsos: %w", err)
	}
	defer rows.Close()

	var items []BSO
	for rows.Next() {
		var item BSO
		if err := rows.Scan(&item.ID, &item.Payload, &item.SortIndex, &item.Modified, &item.Expiry); err != nil {
			return ListResult{}, fmt.Errorf("scanning bso row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, err
	}

	result := ListResult{Items: items}
	if len(items) > params.Limit {
		last := items[params.Limit-1]
		result.Items = items[:params.Limit]
		result.NextOffset = &httpserver.Offset{SortKey: sortKeyOf(params.Sort, last), BSOID: last.ID}
	}
	return result, nil
}

func sortColumn(sort Sort) (col, dir string) {
	switch sort {
	case SortOldest:
		return "modified", "ASC"
	case SortIndex:
		return "sortindex", "DESC"
	default: // SortNewest is the default per spec.md §4.7
		return "modified", "DESC"
	}
}

// sortKeyOf extracts the integer sort key used in the pagination cursor
// for the given sort, substituting a sentinel below any valid sortindex
// for NULL sortindex rows (which NULLS LAST in a DESC sortindex order
// places after every non-null value).
func sortKeyOf(sort Sort, b BSO) int64 {
	if sort == SortIndex {
		if b.SortIndex == nil {
			return -(1 << 62)
		}
		return *b.SortIndex
	}
	return b.Modified
}

func (s *PGStore) PutBSO(ctx context.Context, k Key, collectionID int64, id string, payload string, sortIndex *int64, modified, expiry int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO bsos (fxa_uid, fxa_kid, collection_id, bso_id, payload, sortindex, modified, expiry)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (fxa_uid, fxa_kid, collection_id, bso_id) DO UPDATE SET
			payload = $5, sortindex = $6, modified = $7, expiry = $8`,
		k.FxaUID, k.FxaKid, collectionID, id, payload, sortIndex, modified, expiry)
	if err != nil {
		return fmt.Errorf("upserting bso %q: %w", id, err)
	}
	return nil
}

func (s *PGStore) DeleteBSO(ctx context.Context, k Key, collectionID int64, id string, now int64) error {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM bsos
		WHERE fxa_uid = $1 AND fxa_kid = $2 AND collection_id = $3 AND bso_id = $4 AND expiry > $5`,
		k.FxaUID, k.FxaKid, collectionID, id, now)
	if err != nil {
		return fmt.Errorf("deleting bso %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) DeleteBSOs(ctx context.Context, k Key, collectionID int64, ids []string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM bsos
		WHERE fxa_uid = $1 AND fxa_kid = $2 AND collection_id = $3 AND bso_id = ANY($4)`,
		k.FxaUID, k.FxaKid, collectionID, ids)
	if err != nil {
		return fmt.Errorf("deleting bsos: %w", err)
	}
	return nil
}

func (s *PGStore) DeleteCollection(ctx context.Context, k Key, collectionID int64) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM bsos WHERE fxa_uid = $1 AND fxa_kid = $2 AND collection_id = $3`,
		k.FxaUID, k.FxaKid, collectionID)
	if err != nil {
		return fmt.Errorf("deleting collection: %w", err)
	}
	return nil
}

func (s *PGStore) DeleteAll(ctx context.Context, k Key) error {
	_, err := s.db.Exec(ctx, `DELETE FROM bsos WHERE fxa_uid = $1 AND fxa_kid = $2`, k.FxaUID, k.FxaKid)
	if err != nil {
		return fmt.Errorf("wiping user storage: %w", err)
	}
	return nil
}

// PurgeExpired deletes every BSO whose expiry has already passed, run
// periodically by the worker-mode sweeper rather than relying solely on
// the read-path's expiry filtering to hide stale rows forever.
func (s *PGStore) PurgeExpired(ctx context.Context, now int64) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM bsos WHERE expiry < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purging expired bsos: %w", err)
	}
	return tag.RowsAffected(), nil
}
