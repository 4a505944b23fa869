// Package batch implements the storage surface's atomic multi-POST batch
// upload protocol: create, append, and commit against a side table of
// pending items, materialized into BSOs in one transaction on commit.
package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mozilla-services/syncstorage-go/internal/clock"
	"github.com/mozilla-services/syncstorage-go/internal/db"
	"github.com/mozilla-services/syncstorage-go/internal/telemetry"
	"github.com/mozilla-services/syncstorage-go/pkg/storage/bso"
	"github.com/mozilla-services/syncstorage-go/pkg/storage/collections"
)

// ErrNotFound means the batch id doesn't exist for this user/collection.
var ErrNotFound = errors.New("batch: not found")

// ErrAlreadyCommitted means the batch id was already committed; per
// spec.md invariant 6, a committed batch id is never re-accepted for
// append or a second commit.
var ErrAlreadyCommitted = errors.New("batch: already committed")

// Store is the persistence boundary for the batches/batch_items tables.
type Store interface {
	// Create inserts a new batch row, scoped to (k, collectionID).
	Create(ctx context.Context, k bso.Key, collectionID int64, batchID string, createdAt int64) error
	// Lookup returns the batch's createdAt and whether it has already been
	// committed. found is false if the id doesn't exist for this
	// user/collection at all.
	Lookup(ctx context.Context, k bso.Key, collectionID int64, batchID string) (createdAt int64, committed bool, found bool, err error)
	// AppendItems upserts items into batch_items keyed by (batch_id,
	// bso_id): a repeated id within the same batch overwrites the prior
	// entry, giving last-write-wins semantics for repeated appends.
	AppendItems(ctx context.Context, batchID string, items []bso.Input) error
	// Items returns every pending item currently stored for batchID.
	Items(ctx context.Context, batchID string) ([]bso.Input, error)
	// MarkCommitted timestamps the batch as committed and deletes its
	// pending items; the batches row itself survives as a tombstone so the
	// id can never be resurrected.
	MarkCommitted(ctx context.Context, batchID string, committedAt int64) error
}

// Engine implements the batch protocol's create/append/commit operations.
// Create, Append, and Lookup run against the pool directly; Commit opens its
// own pgx.Tx so materialization and the committed-marker update land
// atomically, per spec.md §5.
type Engine struct {
	pool     *pgxpool.Pool
	store    Store
	registry *collections.Registry
	limits   bso.Limits
	clock    *clock.Clock
}

// NewEngine creates an Engine. pool is used to open the per-commit
// transaction; store serves the non-transactional Create/Append/Lookup path.
func NewEngine(pool *pgxpool.Pool, store Store, registry *collections.Registry, limits bso.Limits, clk *clock.Clock) *Engine {
	return &Engine{pool: pool, store: store, registry: registry, limits: limits, clock: clk}
}

// Create starts a new batch for (k, collectionID), returning its opaque id.
func (e *Engine) Create(ctx context.Context, k bso.Key, collectionID int64) (string, error) {
	id := uuid.New().String()
	if err := e.store.Create(ctx, k, collectionID, id, e.clock.Centiseconds()); err != nil {
		return "", fmt.Errorf("creating batch: %w", err)
	}
	return id, nil
}

// Append adds items to an existing, uncommitted batch.
func (e *Engine) Append(ctx context.Context, k bso.Key, collectionID int64, batchID string, items []bso.Input) error {
	_, committed, found, err := e.store.Lookup(ctx, k, collectionID, batchID)
	if err != nil {
		return fmt.Errorf("looking up batch %q: %w", batchID, err)
	}
	if !found {
		return ErrNotFound
	}
	if committed {
		return ErrAlreadyCommitted
	}
	if len(items) == 0 {
		return nil
	}
	if err := e.store.AppendItems(ctx, batchID, items); err != nil {
		return fmt.Errorf("appending to batch %q: %w", batchID, err)
	}
	return nil
}

// CommitResult is the outcome of materializing a batch's items as BSOs.
type CommitResult struct {
	Modified  int64
	Succeeded []string
	Failed    map[string]string
}

// Commit materializes every previously-appended item plus extraItems as
// BSOs, all stamped with the same commit timestamp, and marks the batch
// committed so its id can never be reused. TTL for each item is computed
// from the commit timestamp, not the append timestamp, per spec.md §4.8.
func (e *Engine) Commit(ctx context.Context, k bso.Key, collectionID int64, collectionName string, batchID string, extraItems []bso.Input) (CommitResult, error) {
	_, committed, found, err := e.store.Lookup(ctx, k, collectionID, batchID)
	if err != nil {
		return CommitResult{}, fmt.Errorf("looking up batch %q: %w", batchID, err)
	}
	if !found {
		return CommitResult{}, ErrNotFound
	}
	if committed {
		return CommitResult{}, ErrAlreadyCommitted
	}

	pending, err := e.store.Items(ctx, batchID)
	if err != nil {
		return CommitResult{}, fmt.Errorf("reading batch %q items: %w", batchID, err)
	}

	items := mergeLastWriteWins(pending, extraItems)
	modified := e.clock.Centiseconds()

	var result CommitResult
	err = db.WithTx(ctx, e.pool, func(tx pgx.Tx) error {
		txBSOSvc := bso.NewService(bso.NewPGStore(tx), e.registry, e.clock, e.limits)
		succeeded, failed, putErr := txBSOSvc.PutMany(ctx, k, collectionID, collectionName, items, modified)
		if putErr != nil {
			return putErr
		}
		if markErr := NewPGStore(tx).MarkCommitted(ctx, batchID, modified); markErr != nil {
			return fmt.Errorf("marking batch %q committed: %w", batchID, markErr)
		}
		result = CommitResult{Modified: modified, Succeeded: succeeded, Failed: failed}
		return nil
	})
	if err != nil {
		return CommitResult{}, err
	}
	telemetry.BatchCommitsTotal.Inc()
	return result, nil
}

// CreateAndCommit implements the synchronous batch-of-one path
// (?batch=true&commit=true): a batch is created and immediately committed
// with the request body as its only items.
func (e *Engine) CreateAndCommit(ctx context.Context, k bso.Key, collectionID int64, collectionName string, items []bso.Input) (CommitResult, error) {
	id, err := e.Create(ctx, k, collectionID)
	if err != nil {
		return CommitResult{}, err
	}
	return e.Commit(ctx, k, collectionID, collectionName, id, items)
}

// mergeLastWriteWins combines pending batch items with the items submitted
// alongside the commit request, letting a commit-time item with the same
// id override an earlier append — both are last-write-wins by position,
// and commit-time items are logically the most recent.
func mergeLastWriteWins(pending, commitTime []bso.Input) []bso.Input {
	order := make([]string, 0, len(pending)+len(commitTime))
	byID := make(map[string]bso.Input, len(pending)+len(commitTime))

	for _, item := range pending {
		if _, ok := byID[item.ID]; !ok {
			order = append(order, item.ID)
		}
		byID[item.ID] = item
	}
	for _, item := range commitTime {
		if _, ok := byID[item.ID]; !ok {
			order = append(order, item.ID)
		}
		byID[item.ID] = item
	}

	out := make([]bso.Input, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}
