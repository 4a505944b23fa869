// Package ledger implements the per-email user record chain: monotonic
// generation/keys_changed_at tracking, client-state transition rules, and
// node (re)assignment on credential rotation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MaxGeneration is the sentinel assigned to a retired user's generation.
const MaxGeneration = int64(1<<63 - 1)

// User is a single row of the user ledger chain.
type User struct {
	UID           int64
	Service       string
	Email         string
	NodeID        *int64
	Generation    int64
	KeysChangedAt *int64
	ClientState   string
	CreatedAt     time.Time
	ReplacedAt    *time.Time
}

// Current reports whether u is an active (non-replaced) record.
func (u User) Current() bool { return u.ReplacedAt == nil }

// Kind distinguishes ledger rejection reasons mapped to tokenserver's
// taxonomic status strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidGeneration
	KindInvalidKeysChangedAt
	KindInvalidClientState
	KindInternal
)

// Error carries a Kind alongside a human-readable message.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newErr(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is a *Error carrying kind.
func IsKind(err error, kind Kind) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind == kind
	}
	return false
}

// Allocator assigns a node for a brand-new or replacement user record,
// returning its node id for storage on the user record.
type Allocator interface {
	Assign(ctx context.Context, service string) (nodeID int64, err error)
}

// Store is the persistence boundary for the ledger.
type Store interface {
	// RecordsForEmail returns every row for (service, email), any order.
	RecordsForEmail(ctx context.Context, service, email string) ([]User, error)
	// ReplaceOlder marks every row of (service, email) other than keepUID
	// with replaced_at = asOf.
	ReplaceOlder(ctx context.Context, service, email string, keepUID int64, asOf time.Time) error
	// InsertUser creates a new current record and returns its assigned UID.
	InsertUser(ctx context.Context, u User) (int64, error)
	// UpdateInPlace bumps generation/keys_changed_at on an existing record,
	// guarded by a WHERE clause equivalent to:
	//   generation <= :new AND COALESCE(kca,0) <= COALESCE(:new,kca,0) AND replaced_at IS NULL
	// Returns the updated row.
	UpdateInPlace(ctx context.Context, uid int64, generation int64, keysChangedAt *int64) (User, error)
	// PriorClientStates returns every distinct client_state value ever
	// recorded for (service, email), to enforce the no-repeat rule.
	PriorClientStates(ctx context.Context, service, email string) (map[string]bool, error)
}

// Ledger resolves the current user record for an email, allocating a node
// and a fresh record when none is current.
type Ledger struct {
	store     Store
	allocator Allocator
	now       func() time.Time
}

// New creates a Ledger.
func New(store Store, allocator Allocator) *Ledger {
	return &Ledger{store: store, allocator: allocator, now: time.Now}
}

// GetUser returns the current record for (service, email), resolving any
// sibling records created by a race (sorted by generation desc, created_at
// desc; the head wins, the rest are marked replaced) and allocating a fresh
// record if the head has no node or is itself replaced.
func (l *Ledger) GetUser(ctx context.Context, service, email string) (User, error) {
	records, err := l.store.RecordsForEmail(ctx, service, email)
	if err != nil {
		return User{}, fmt.Errorf("loading records for %s: %w", email, err)
	}
	if len(records) == 0 {
		return l.allocateNew(ctx, service, email, User{})
	}

	head := winningRecord(records)
	asOf := l.now()
	if err := l.store.ReplaceOlder(ctx, service, email, head.UID, asOf); err != nil {
		return User{}, fmt.Errorf("resolving race on %s: %w", email, err)
	}

	needsAlloc := head.ReplacedAt != nil || (head.NodeID == nil && head.Generation < MaxGeneration)
	if needsAlloc {
		return l.allocateNew(ctx, service, email, head)
	}

	return head, nil
}

// winningRecord picks the record with the highest (generation, created_at).
func winningRecord(records []User) User {
	best := records[0]
	for _, r := range records[1:] {
		if r.Generation > best.Generation ||
			(r.Generation == best.Generation && r.CreatedAt.After(best.CreatedAt)) {
			best = r
		}
	}
	return best
}

func (l *Ledger) allocateNew(ctx context.Context, service, email string, prior User) (User, error) {
	nodeID, err := l.allocator.Assign(ctx, service)
	if err != nil {
		return User{}, newErr(KindInternal, "allocating node for %s: %v", email, err)
	}

	u := User{
		Service:       service,
		Email:         email,
		NodeID:        &nodeID,
		Generation:    prior.Generation,
		KeysChangedAt: prior.KeysChangedAt,
		ClientState:   prior.ClientState,
		CreatedAt:     l.now(),
	}

	uid, err := l.store.InsertUser(ctx, u)
	if err != nil {
		return User{}, fmt.Errorf("inserting user record for %s: %w", email, err)
	}
	u.UID = uid
	return u, nil
}

// UpdateRequest is the set of fields a credential event may update.
type UpdateRequest struct {
	Generation    *int64
	KeysChangedAt *int64
	ClientState   *string
	NodeID        *int64
}

// Update applies an update event to current, choosing in-place update or
// replacement depending on whether client_state/node changed, and
// enforcing every monotonicity and transition rule.
func (l *Ledger) Update(ctx context.Context, current User, req UpdateRequest) (User, error) {
	newClientState := current.ClientState
	if req.ClientState != nil {
		newClientState = *req.ClientState
	}

	clientStateChanged := newClientState != current.ClientState
	nodeChanged := req.NodeID != nil && (current.NodeID == nil || *req.NodeID != *current.NodeID)

	if !clientStateChanged && !nodeChanged {
		return l.updateInPlace(ctx, current, req)
	}

	return l.replace(ctx, current, req, newClientState)
}

func (l *Ledger) updateInPlace(ctx context.Context, current User, req UpdateRequest) (User, error) {
	newGeneration := current.Generation
	if req.Generation != nil {
		if *req.Generation < current.Generation {
			return User{}, newErr(KindInvalidGeneration, "generation regression: %d < %d", *req.Generation, current.Generation)
		}
		newGeneration = *req.Generation
	}

	newKCA := current.KeysChangedAt
	if req.KeysChangedAt != nil {
		if current.KeysChangedAt != nil && *req.KeysChangedAt < *current.KeysChangedAt {
			return User{}, newErr(KindInvalidKeysChangedAt, "keys_changed_at regression: %d < %d", *req.KeysChangedAt, *current.KeysChangedAt)
		}
		newKCA = req.KeysChangedAt
	}

	updated, err := l.store.UpdateInPlace(ctx, current.UID, newGeneration, newKCA)
	if err != nil {
		return User{}, fmt.Errorf("updating user %d in place: %w", current.UID, err)
	}
	return updated, nil
}

func (l *Ledger) replace(ctx context.Context, current User, req UpdateRequest, newClientState string) (User, error) {
	if newClientState != current.ClientState {
		priorStates, err := l.store.PriorClientStates(ctx, current.Service, current.Email)
		if err != nil {
			return User{}, fmt.Errorf("loading prior client states: %w", err)
		}
		if priorStates[newClientState] {
			return User{}, newErr(KindInvalidClientState, "client_state %q was used previously", newClientState)
		}

		generationAdvanced := req.Generation != nil && *req.Generation > current.Generation
		kcaAdvanced := req.KeysChangedAt != nil && (current.KeysChangedAt == nil || *req.KeysChangedAt > *current.KeysChangedAt)
		if !generationAdvanced && !kcaAdvanced {
			return User{}, newErr(KindInvalidClientState, "client_state change requires a strictly greater generation or keys_changed_at")
		}
	}

	generation := current.Generation
	if req.Generation != nil {
		generation = *req.Generation
	}
	kca := current.KeysChangedAt
	if req.KeysChangedAt != nil {
		kca = req.KeysChangedAt
	}

	nodeID := current.NodeID
	if req.NodeID != nil {
		nodeID = req.NodeID
	}

	u := User{
		Service:       current.Service,
		Email:         current.Email,
		NodeID:        nodeID,
		Generation:    generation,
		KeysChangedAt: kca,
		ClientState:   newClientState,
		CreatedAt:     l.now(),
	}

	uid, err := l.store.InsertUser(ctx, u)
	if err != nil {
		return User{}, fmt.Errorf("inserting replacement record: %w", err)
	}
	u.UID = uid

	if err := l.store.ReplaceOlder(ctx, current.Service, current.Email, uid, u.CreatedAt); err != nil {
		return User{}, fmt.Errorf("marking prior records replaced: %w", err)
	}

	return u, nil
}

// RetireUser sets generation = MaxGeneration and replaced_at = now for
// every record of (service, email).
func (l *Ledger) RetireUser(ctx context.Context, service, email string) error {
	records, err := l.store.RecordsForEmail(ctx, service, email)
	if err != nil {
		return fmt.Errorf("loading records for %s: %w", email, err)
	}
	now := l.now()
	for _, r := range records {
		if _, err := l.store.UpdateInPlace(ctx, r.UID, MaxGeneration, r.KeysChangedAt); err != nil {
			return fmt.Errorf("retiring record %d: %w", r.UID, err)
		}
	}
	return l.store.ReplaceOlder(ctx, service, email, 0, now)
}

// CheckAuthorization enforces the token-issue-time rules against a request
// carrying the principal's generation/keys_changed_at.
func CheckAuthorization(current User, reqGeneration, reqKeysChangedAt *int64) error {
	if reqGeneration != nil && *reqGeneration < current.Generation {
		return newErr(KindInvalidGeneration, "invalid-generation: %d < %d", *reqGeneration, current.Generation)
	}

	if reqKeysChangedAt != nil && current.KeysChangedAt != nil && *reqKeysChangedAt < *current.KeysChangedAt {
		return newErr(KindInvalidKeysChangedAt, "invalid-keysChangedAt: %d < %d", *reqKeysChangedAt, *current.KeysChangedAt)
	}

	if reqKeysChangedAt != nil && current.KeysChangedAt != nil && *reqKeysChangedAt != *current.KeysChangedAt {
		if reqGeneration != nil {
			kcaDelta := *reqKeysChangedAt - *current.KeysChangedAt
			genDelta := *reqGeneration - current.Generation
			if genDelta < kcaDelta {
				return newErr(KindInvalidKeysChangedAt, "invalid-keysChangedAt: generation must advance at least as much as keys_changed_at")
			}
		}
	}

	return nil
}
