package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/mozilla-services/syncstorage-go/internal/db"
)

// PGStore is the Postgres-backed Store implementation.
type PGStore struct {
	db db.DBTX
}

// NewPGStore creates a PGStore.
func NewPGStore(conn db.DBTX) *PGStore {
	return &PGStore{db: conn}
}

func (s *PGStore) RecordsForEmail(ctx context.Context, service, email string) ([]User, error) {
	rows, err := s.db.Query(ctx, `
		SELECT uid, service, email, nodeid, generation, keys_changed_at, client_state, created_at, replaced_at
		FROM users WHERE service = $1 AND email = $2`, service, email)
	if err != nil {
		return nil, fmt.Errorf("querying user records: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.UID, &u.Service, &u.Email, &u.NodeID, &u.Generation, &u.KeysChangedAt, &u.ClientState, &u.CreatedAt, &u.ReplacedAt); err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PGStore) ReplaceOlder(ctx context.Context, service, email string, keepUID int64, asOf time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE users SET replaced_at = $4
		WHERE service = $1 AND email = $2 AND uid != $3 AND replaced_at IS NULL`,
		service, email, keepUID, asOf)
	if err != nil {
		return fmt.Errorf("marking prior records replaced: %w", err)
	}
	return nil
}

func (s *PGStore) InsertUser(ctx context.Context, u User) (int64, error) {
	var uid int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO users (service, email, nodeid, generation, keys_changed_at, client_state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING uid`,
		u.Service, u.Email, u.NodeID, u.Generation, u.KeysChangedAt, u.ClientState, u.CreatedAt).Scan(&uid)
	if err != nil {
		return 0, fmt.Errorf("inserting user record: %w", err)
	}
	return uid, nil
}

func (s *PGStore) UpdateInPlace(ctx context.Context, uid int64, generation int64, keysChangedAt *int64) (User, error) {
	var u User
	err := s.db.QueryRow(ctx, `
		UPDATE users
		SET generation = $2, keys_changed_at = $3
		WHERE uid = $1
		  AND generation <= $2
		  AND COALESCE(keys_changed_at, 0) <= COALESCE($3, keys_changed_at, 0)
		  AND replaced_at IS NULL
		RETURNING uid, service, email, nodeid, generation, keys_changed_at, client_state, created_at, replaced_at`,
		uid, generation, keysChangedAt).Scan(&u.UID, &u.Service, &u.Email, &u.NodeID, &u.Generation, &u.KeysChangedAt, &u.ClientState, &u.CreatedAt, &u.ReplacedAt)
	if err != nil {
		return User{}, fmt.Errorf("updating user %d in place: %w", uid, err)
	}
	return u, nil
}

func (s *PGStore) PriorClientStates(ctx context.Context, service, email string) (map[string]bool, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT client_state FROM users WHERE service = $1 AND email = $2`, service, email)
	if err != nil {
		return nil, fmt.Errorf("querying prior client states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var cs string
		if err := rows.Scan(&cs); err != nil {
			return nil, fmt.Errorf("scanning client state: %w", err)
		}
		out[cs] = true
	}
	return out, rows.Err()
}
