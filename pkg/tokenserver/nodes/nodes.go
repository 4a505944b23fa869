// Package nodes implements the storage node allocator: choosing the
// least-loaded eligible node for a new user assignment and slow-releasing
// reserved capacity when none is eligible.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/mozilla-services/syncstorage-go/internal/telemetry"
)

// Node mirrors a row of the nodes table.
type Node struct {
	ID          int64
	Service     string
	URL         string
	Capacity    int64
	Available   int64
	CurrentLoad int64
	Downed      bool
	Backoff     bool
}

// Eligible reports whether n can accept a new assignment.
func (n Node) Eligible() bool {
	return !n.Downed && !n.Backoff && n.Available > 0 && n.CurrentLoad < n.Capacity
}

// ErrAllocatorExhausted is returned when no node is eligible even after the
// capacity-release retries.
var ErrAllocatorExhausted = errors.New("nodes: unable to get a node")

// Store is the persistence boundary the allocator depends on. A Postgres
// implementation locks the chosen node's row for the duration of the load
// increment so concurrent assignments serialize per node.
type Store interface {
	// EligibleNodes returns nodes for service that currently look eligible.
	// Implementations may use a relaxed, non-locking read here; the
	// allocator re-checks eligibility under lock in AssignNode.
	EligibleNodes(ctx context.Context, service string) ([]Node, error)
	// ReleaseCapacity applies the capacity-release step to every node of
	// service that is not downed, with capacity>current_load, available<=0,
	// setting available = min(ceil(capacity*rate), capacity-current_load).
	ReleaseCapacity(ctx context.Context, service string, rate float64) error
	// AssignNode locks nodeID's row, re-verifies eligibility, and if still
	// eligible increments current_load and decrements available (floored
	// at 0), returning the updated Node. Returns ErrNodeNotEligible if the
	// row lost eligibility since the caller's snapshot.
	AssignNode(ctx context.Context, nodeID int64) (Node, error)
}

// ErrNodeNotEligible signals a lost race: the node was eligible in the
// caller's snapshot but no longer is under lock.
var ErrNodeNotEligible = errors.New("nodes: node no longer eligible")

// Allocator chooses nodes for new user assignments.
type Allocator struct {
	store        Store
	releaseRate  float64
	dedicatedURL string
}

// NewAllocator creates an Allocator. dedicatedURL, if non-empty, makes
// Assign always return a fixed node without any load accounting.
func NewAllocator(store Store, releaseRate float64, dedicatedURL string) *Allocator {
	return &Allocator{store: store, releaseRate: releaseRate, dedicatedURL: dedicatedURL}
}

const maxReleaseRetries = 5

// Assign selects the least-loaded eligible node for service, releasing
// reserved capacity and retrying up to maxReleaseRetries times if none is
// immediately eligible.
func (a *Allocator) Assign(ctx context.Context, service string) (Node, error) {
	telemetry.NodeAllocationAttemptsTotal.Inc()

	if a.dedicatedURL != "" {
		return Node{Service: service, URL: a.dedicatedURL, Capacity: math.MaxInt64}, nil
	}

	for attempt := 0; attempt <= maxReleaseRetries; attempt++ {
		candidates, err := a.store.EligibleNodes(ctx, service)
		if err != nil {
			return Node{}, fmt.Errorf("listing eligible nodes: %w", err)
		}

		if best, ok := pickLeastLoaded(candidates); ok {
			assigned, err := a.store.AssignNode(ctx, best.ID)
			if errors.Is(err, ErrNodeNotEligible) {
				continue // lost the race; retry the selection
			}
			if err != nil {
				return Node{}, fmt.Errorf("assigning node %d: %w", best.ID, err)
			}
			return assigned, nil
		}

		if attempt == maxReleaseRetries {
			break
		}
		if err := a.store.ReleaseCapacity(ctx, service, a.releaseRate); err != nil {
			return Node{}, fmt.Errorf("releasing capacity: %w", err)
		}
	}

	telemetry.NodeAllocationExhaustedTotal.Inc()
	return Node{}, ErrAllocatorExhausted
}

// pickLeastLoaded returns the eligible node minimizing
// log(current_load)/log(capacity), ties broken by the smallest id.
func pickLeastLoaded(candidates []Node) (Node, bool) {
	var best Node
	var bestScore float64
	found := false

	for _, n := range candidates {
		if !n.Eligible() {
			continue
		}
		score := loadScore(n)
		if !found || score < bestScore || (score == bestScore && n.ID < best.ID) {
			best, bestScore, found = n, score, true
		}
	}

	return best, found
}

// loadScore computes log(current_load)/log(capacity), treating a load of
// zero as the minimum possible score (an idle node always wins).
func loadScore(n Node) float64 {
	if n.CurrentLoad <= 0 {
		return math.Inf(-1)
	}
	if n.Capacity <= 1 {
		return math.Inf(1)
	}
	return math.Log(float64(n.CurrentLoad)) / math.Log(float64(n.Capacity))
}
