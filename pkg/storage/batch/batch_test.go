package batch

import (
	"context"
	"errors"
	"testing"

	"github.com/mozilla-services/syncstorage-go/internal/clock"
	"github.com/mozilla-services/syncstorage-go/pkg/storage/bso"
)

type fakeStore struct {
	batches map[string]*fakeBatch
}

type fakeBatch struct {
	createdAt   int64
	committedAt *int64
	items       map[string]bso.Input
}

func newFakeStore() *fakeStore {
	return &fakeStore{batches: make(map[string]*fakeBatch)}
}

func (f *fakeStore) Create(ctx context.Context, k bso.Key, collectionID int64, batchID string, createdAt int64) error {
	f.batches[batchID] = &fakeBatch{createdAt: createdAt, items: make(map[string]bso.Input)}
	return nil
}

func (f *fakeStore) Lookup(ctx context.Context, k bso.Key, collectionID int64, batchID string) (int64, bool, bool, error) {
	b, ok := f.batches[batchID]
	if !ok {
		return 0, false, false, nil
	}
	return b.createdAt, b.committedAt != nil, true, nil
}

func (f *fakeStore) AppendItems(ctx context.Context, batchID string, items []bso.Input) error {
	b := f.batches[batchID]
	for _, item := range items {
		b.items[item.ID] = item
	}
	return nil
}

func (f *fakeStore) Items(ctx context.Context, batchID string) ([]bso.Input, error) {
	b := f.batches[batchID]
	out := make([]bso.Input, 0, len(b.items))
	for _, item := range b.items {
		out = append(out, item)
	}
	return out, nil
}

func (f *fakeStore) MarkCommitted(ctx context.Context, batchID string, committedAt int64) error {
	f.batches[batchID].committedAt = &committedAt
	return nil
}

func TestAppendRejectsUnknownBatch(t *testing.T) {
	store := newFakeStore()
	e := &Engine{store: store, clock: clock.New()}

	err := e.Append(context.Background(), bso.Key{FxaUID: "u", FxaKid: "k"}, 7, "missing", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Append() error = %v, want ErrNotFound", err)
	}
}

func TestAppendRejectsAlreadyCommitted(t *testing.T) {
	store := newFakeStore()
	committedAt := int64(500)
	store.batches["b1"] = &fakeBatch{createdAt: 100, committedAt: &committedAt, items: map[string]bso.Input{}}
	e := &Engine{store: store, clock: clock.New()}

	err := e.Append(context.Background(), bso.Key{FxaUID: "u", FxaKid: "k"}, 7, "b1", []bso.Input{{ID: "x"}})
	if !errors.Is(err, ErrAlreadyCommitted) {
		t.Fatalf("Append() error = %v, want ErrAlreadyCommitted", err)
	}
}

func TestAppendAddsItemsToUncommittedBatch(t *testing.T) {
	store := newFakeStore()
	store.batches["b1"] = &fakeBatch{createdAt: 100, items: map[string]bso.Input{}}
	e := &Engine{store: store, clock: clock.New()}

	payload := "hello"
	err := e.Append(context.Background(), bso.Key{FxaUID: "u", FxaKid: "k"}, 7, "b1", []bso.Input{{ID: "x", Payload: &payload}})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if got := store.batches["b1"].items["x"]; got.Payload == nil || *got.Payload != "hello" {
		t.Errorf("item x not appended correctly: %+v", got)
	}
}

func TestMergeLastWriteWinsCommitTimeOverridesAppended(t *testing.T) {
	appendedPayload := "from-append"
	commitPayload := "from-commit"

	pending := []bso.Input{{ID: "a", Payload: &appendedPayload}, {ID: "b", Payload: &appendedPayload}}
	commitTime := []bso.Input{{ID: "a", Payload: &commitPayload}}

	merged := mergeLastWriteWins(pending, commitTime)
	if len(merged) != 2 {
		t.Fatalf("len(merged) = %d, want 2", len(merged))
	}

	byID := make(map[string]bso.Input, len(merged))
	for _, item := range merged {
		byID[item.ID] = item
	}
	if *byID["a"].Payload != "from-commit" {
		t.Errorf("item a payload = %q, want commit-time override", *byID["a"].Payload)
	}
	if *byID["b"].Payload != "from-append" {
		t.Errorf("item b payload = %q, want the appended value preserved", *byID["b"].Payload)
	}
}

func TestMergeLastWriteWinsPreservesFirstSeenOrder(t *testing.T) {
	pending := []bso.Input{{ID: "z"}, {ID: "a"}}
	commitTime := []bso.Input{{ID: "m"}}

	merged := mergeLastWriteWins(pending, commitTime)
	want := []string{"z", "a", "m"}
	if len(merged) != len(want) {
		t.Fatalf("len(merged) = %d, want %d", len(merged), len(want))
	}
	for i, id := range want {
		if merged[i].ID != id {
			t.Errorf("merged[%d].ID = %q, want %q", i, merged[i].ID, id)
		}
	}
}
