package collections

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mozilla-services/syncstorage-go/internal/db"
)

// PGStore is the Postgres-backed Store implementation. Dynamic ids are
// assigned from a sequence starting at firstDynamicID so they never
// collide with the reserved range.
type PGStore struct {
	db db.DBTX
}

// NewPGStore creates a PGStore.
func NewPGStore(conn db.DBTX) *PGStore {
	return &PGStore{db: conn}
}

func (s *PGStore) Insert(ctx context.Context, name string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO collections (collection_id, name)
		VALUES (nextval('collections_dynamic_id_seq'), $1)
		ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return fmt.Errorf("inserting collection %q: %w", name, err)
	}
	return nil
}

func (s *PGStore) LookupByName(ctx context.Context, name string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRow(ctx, `SELECT collection_id FROM collections WHERE name = $1`, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("looking up collection %q: %w", name, err)
	}
	return id, true, nil
}

func (s *PGStore) LookupByID(ctx context.Context, id int64) (string, bool, error) {
	var name string
	err := s.db.QueryRow(ctx, `SELECT name FROM collections WHERE collection_id = $1`, id).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("looking up collection id %d: %w", id, err)
	}
	return name, true, nil
}
