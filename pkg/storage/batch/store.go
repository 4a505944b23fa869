package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mozilla-services/syncstorage-go/internal/db"
	"github.com/mozilla-services/syncstorage-go/pkg/storage/bso"
)

// PGStore is the Postgres-backed Store implementation.
type PGStore struct {
	db db.DBTX
}

// NewPGStore creates a PGStore. Commit should be run with a conn backed by
// a single pgx.Tx so materialization and the committed-marker update land
// atomically, per spec.md §5.
func NewPGStore(conn db.DBTX) *PGStore {
	return &PGStore{db: conn}
}

func (s *PGStore) Create(ctx context.Context, k bso.Key, collectionID int64, batchID string, createdAt int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO batches (batch_id, fxa_uid, fxa_kid, collection_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		batchID, k.FxaUID, k.FxaKid, collectionID, createdAt)
	if err != nil {
		return fmt.Errorf("inserting batch row: %w", err)
	}
	return nil
}

func (s *PGStore) Lookup(ctx context.Context, k bso.Key, collectionID int64, batchID string) (int64, bool, bool, error) {
	var createdAt int64
	var committedAt *int64
	err := s.db.QueryRow(ctx, `
		SELECT created_at, committed_at FROM batches
		WHERE batch_id = $1 AND fxa_uid = $2 AND fxa_kid = $3 AND collection_id = $4`,
		batchID, k.FxaUID, k.FxaKid, collectionID).Scan(&createdAt, &committedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, fmt.Errorf("looking up batch %q: %w", batchID, err)
	}
	return createdAt, committedAt != nil, true, nil
}

func (s *PGStore) AppendItems(ctx context.Context, batchID string, items []bso.Input) error {
	for _, item := range items {
		_, err := s.db.Exec(ctx, `
			INSERT INTO batch_items (batch_id, bso_id, payload, sortindex, ttl)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (batch_id, bso_id) DO UPDATE SET
				payload = $3, sortindex = $4, ttl = $5`,
			batchID, item.ID, item.Payload, item.SortIndex, item.TTL)
		if err != nil {
			return fmt.Errorf("appending item %q: %w", item.ID, err)
		}
	}
	return nil
}

func (s *PGStore) Items(ctx context.Context, batchID string) ([]bso.Input, error) {
	rows, err := s.db.Query(ctx, `
		SELECT bso_id, payload, sortindex, ttl FROM batch_items WHERE batch_id = $1`, batchID)
	if err != nil {
		return nil, fmt.Errorf("reading batch items: %w", err)
	}
	defer rows.Close()

	var out []bso.Input
	for rows.Next() {
		var item bso.Input
		if err := rows.Scan(&item.ID, &item.Payload, &item.SortIndex, &item.TTL); err != nil {
			return nil, fmt.Errorf("scanning batch item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *PGStore) MarkCommitted(ctx context.Context, batchID string, committedAt int64) error {
	_, err := s.db.Exec(ctx, `UPDATE batches SET committed_at = $2 WHERE batch_id = $1`, batchID, committedAt)
	if err != nil {
		return fmt.Errorf("marking batch %q committed: %w", batchID, err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM batch_items WHERE batch_id = $1`, batchID); err != nil {
		return fmt.Errorf("clearing committed batch %q items: %w", batchID, err)
	}
	return nil
}

// DeleteExpiredUncommitted removes uncommitted batches (and their items,
// via ON DELETE CASCADE) created before cutoff, run periodically by the
// worker-mode sweeper.
func DeleteExpiredUncommitted(ctx context.Context, conn db.DBTX, cutoff int64) (int64, error) {
	tag, err := conn.Exec(ctx, `
		DELETE FROM batches WHERE committed_at IS NULL AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired batches: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneCommittedTombstones deletes the batches row itself for batches
// committed long enough ago that resurrection can no longer matter,
// matching the storage-reclamation note in SPEC_FULL.md §10.
func PruneCommittedTombstones(ctx context.Context, conn db.DBTX, cutoff int64) (int64, error) {
	tag, err := conn.Exec(ctx, `
		DELETE FROM batches WHERE committed_at IS NOT NULL AND committed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning committed batch tombstones: %w", err)
	}
	return tag.RowsAffected(), nil
}
