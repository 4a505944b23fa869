package nodes

import (
	"context"
	"fmt"

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

func (s *PGStore) EligibleNodes(ctx context.Context, service string) ([]Node, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, service, node, capacity, available, current_load, downed, backoff
		FROM nodes
		WHERE service = $1 AND downed = false AND backoff = false
		  AND available > 0 AND current_load < capacity`, service)
	if err != nil {
		return nil, fmt.Errorf("querying eligible nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.Service, &n.URL, &n.Capacity, &n.Available, &n.CurrentLoad, &n.Downed, &n.Backoff); err != nil {
			return nil, fmt.Errorf("scanning node row: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PGStore) ReleaseCapacity(ctx context.Context, service string, rate float64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE nodes
		SET available = LEAST(CEIL(capacity * $2)::bigint, capacity - current_load)
		WHERE service = $1 AND downed = false AND capacity > current_load AND available <= 0`,
		service, rate)
	if err != nil {
		return fmt.Errorf("releasing capacity: %w", err)
	}
	return nil
}

func (s *PGStore) AssignNode(ctx context.Context, nodeID int64) (Node, error) {
	var n Node
	err := s.db.QueryRow(ctx, `
		UPDATE nodes
		SET current_load = current_load + 1,
		    available = GREATEST(available - 1, 0)
		WHERE id = $1 AND downed = false AND backoff = false
		  AND available > 0 AND current_load < capacity
		RETURNING id, service, node, capacity, available, current_load, downed, backoff`,
		nodeID).Scan(&n.ID, &n.Service, &n.URL, &n.Capacity, &n.Available, &n.CurrentLoad, &n.Downed, &n.Backoff)
	if err != nil {
		return Node{}, ErrNodeNotEligible
	}
	return n, nil
}

// URLForID resolves a node id to its URL, satisfying tokenserver's
// NodeResolver interface.
func (s *PGStore) URLForID(ctx context.Context, nodeID int64) (string, error) {
	var url string
	err := s.db.QueryRow(ctx, `SELECT node FROM nodes WHERE id = $1`, nodeID).Scan(&url)
	if err != nil {
		return "", fmt.Errorf("resolving node %d: %w", nodeID, err)
	}
	return url, nil
}

// RemoveNode marks every user currently on nodeID as replaced (nodeid=null,
// replaced_at=now), then deletes the node row. Used by the operator tool
// path, not the HTTP surface.
func (s *PGStore) RemoveNode(ctx context.Context, nodeID int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE users SET nodeid = NULL, replaced_at = now()
		WHERE nodeid = $1 AND replaced_at IS NULL`, nodeID)
	if err != nil {
		return fmt.Errorf("unassigning users from node %d: %w", nodeID, err)
	}

	if _, err := s.db.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, nodeID); err != nil {
		return fmt.Errorf("deleting node %d: %w", nodeID, err)
	}
	return nil
}
