package ledger

import (
	"context"
	"testing"
	"time"
)

type fakeAllocator struct{ nextID int64 }

func (a *fakeAllocator) Assign(ctx context.Context, service string) (int64, error) {
	a.nextID++
	return a.nextID, nil
}

type fakeStore struct {
	records       map[string][]User
	nextUID       int64
	priorStates   map[string]map[string]bool
	updateInPlace func(uid int64, gen int64, kca *int64) (User, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:     make(map[string][]User),
		priorStates: make(map[string]map[string]bool),
	}
}

func key(service, email string) string { return service + "\x00" + email }

func (s *fakeStore) RecordsForEmail(ctx context.Context, service, email string) ([]User, error) {
	return append([]User(nil), s.records[key(service, email)]...), nil
}

func (s *fakeStore) ReplaceOlder(ctx context.Context, service, email string, keepUID int64, asOf time.Time) error {
	k := key(service, email)
	for i, r := range s.records[k] {
		if r.UID != keepUID && r.ReplacedAt == nil {
			t := asOf
			s.records[k][i].ReplacedAt = &t
		}
	}
	return nil
}

func (s *fakeStore) InsertUser(ctx context.Context, u User) (int64, error) {
	s.nextUID++
	u.UID = s.nextUID
	k := key(u.Service, u.Email)
	s.records[k] = append(s.records[k], u)

	if s.priorStates[k] == nil {
		s.priorStates[k] = make(map[string]bool)
	}
	s.priorStates[k][u.ClientState] = true

	return u.UID, nil
}

func (s *fakeStore) UpdateInPlace(ctx context.Context, uid int64, generation int64, keysChangedAt *int64) (User, error) {
	if s.updateInPlace != nil {
		return s.updateInPlace(uid, generation, keysChangedAt)
	}
	for k, list := range s.records {
		for i, r := range list {
			if r.UID == uid {
				s.records[k][i].Generation = generation
				s.records[k][i].KeysChangedAt = keysChangedAt
				return s.records[k][i], nil
			}
		}
	}
	return User{}, errNotFound
}

func (s *fakeStore) PriorClientStates(ctx context.Context, service, email string) (map[string]bool, error) {
	return s.priorStates[key(service, email)], nil
}

var errNotFound = &Error{Kind: KindInternal, Msg: "not found"}

func TestGetUserAllocatesWhenNoRecord(t *testing.T) {
	store := newFakeStore()
	l := New(store, &fakeAllocator{})

	u, err := l.GetUser(context.Background(), "sync-1.5", "user@example.com")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if u.NodeID == nil {
		t.Fatal("expected a node to be assigned")
	}
}

func TestGetUserResolvesRaceBySelectingHighestGeneration(t *testing.T) {
	store := newFakeStore()
	nodeID := int64(1)
	k := key("sync-1.5", "user@example.com")
	store.records[k] = []User{
		{UID: 1, Service: "sync-1.5", Email: "user@example.com", Generation: 1, NodeID: &nodeID, CreatedAt: time.Unix(100, 0)},
		{UID: 2, Service: "sync-1.5", Email: "user@example.com", Generation: 2, NodeID: &nodeID, CreatedAt: time.Unix(200, 0)},
	}
	store.nextUID = 2

	l := New(store, &fakeAllocator{})
	got, err := l.GetUser(context.Background(), "sync-1.5", "user@example.com")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if got.UID != 2 {
		t.Errorf("UID = %d, want 2 (higher generation wins)", got.UID)
	}

	// The loser should now be replaced.
	for _, r := range store.records[k] {
		if r.UID == 1 && r.ReplacedAt == nil {
			t.Error("losing record should have been marked replaced")
		}
	}
}

func TestUpdateInPlaceRejectsGenerationRegression(t *testing.T) {
	store := newFakeStore()
	nodeID := int64(1)
	current := User{UID: 1, Service: "s", Email: "e", Generation: 5, NodeID: &nodeID, ClientState: "cs1"}

	l := New(store, &fakeAllocator{})
	oldGen := int64(3)
	_, err := l.Update(context.Background(), current, UpdateRequest{Generation: &oldGen})
	if !IsKind(err, KindInvalidGeneration) {
		t.Fatalf("Update() error = %v, want KindInvalidGeneration", err)
	}
}

func TestUpdateInPlaceRejectsKeysChangedAtRegression(t *testing.T) {
	store := newFakeStore()
	nodeID := int64(1)
	kca := int64(100)
	current := User{UID: 1, Service: "s", Email: "e", Generation: 5, KeysChangedAt: &kca, NodeID: &nodeID, ClientState: "cs1"}

	l := New(store, &fakeAllocator{})
	older := int64(50)
	_, err := l.Update(context.Background(), current, UpdateRequest{KeysChangedAt: &older})
	if !IsKind(err, KindInvalidKeysChangedAt) {
		t.Fatalf("Update() error = %v, want KindInvalidKeysChangedAt", err)
	}
}

func TestUpdateInPlaceAllowsMonotonicAdvance(t *testing.T) {
	store := newFakeStore()
	nodeID := int64(1)
	k := key("s", "e")
	store.records[k] = []User{{UID: 1, Service: "s", Email: "e", Generation: 5, NodeID: &nodeID, ClientState: "cs1"}}
	store.nextUID = 1

	current := store.records[k][0]
	l := New(store, &fakeAllocator{})
	newGen := int64(10)
	updated, err := l.Update(context.Background(), current, UpdateRequest{Generation: &newGen})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Generation != 10 {
		t.Errorf("Generation = %d, want 10", updated.Generation)
	}
}

func TestReplaceRejectsReusedClientState(t *testing.T) {
	store := newFakeStore()
	nodeID := int64(1)
	k := key("s", "e")
	store.priorStates[k] = map[string]bool{"old-state": true}
	current := User{UID: 1, Service: "s", Email: "e", Generation: 5, NodeID: &nodeID, ClientState: "current-state", CreatedAt: time.Now()}
	store.records[k] = []User{current}
	store.nextUID = 1

	l := New(store, &fakeAllocator{})
	reused := "old-state"
	newGen := int64(10)
	_, err := l.Update(context.Background(), current, UpdateRequest{ClientState: &reused, Generation: &newGen})
	if !IsKind(err, KindInvalidClientState) {
		t.Fatalf("Update() error = %v, want KindInvalidClientState", err)
	}
}

func TestReplaceRejectsClientStateChangeWithoutAdvance(t *testing.T) {
	store := newFakeStore()
	nodeID := int64(1)
	current := User{UID: 1, Service: "s", Email: "e", Generation: 5, NodeID: &nodeID, ClientState: "cs1", CreatedAt: time.Now()}
	store.records[key("s", "e")] = []User{current}
	store.nextUID = 1

	l := New(store, &fakeAllocator{})
	newState := "cs2"
	_, err := l.Update(context.Background(), current, UpdateRequest{ClientState: &newState})
	if !IsKind(err, KindInvalidClientState) {
		t.Fatalf("Update() error = %v, want KindInvalidClientState", err)
	}
}

func TestReplaceAcceptsClientStateChangeWithGenerationAdvance(t *testing.T) {
	store := newFakeStore()
	nodeID := int64(1)
	current := User{UID: 1, Service: "s", Email: "e", Generation: 5, NodeID: &nodeID, ClientState: "cs1", CreatedAt: time.Now()}
	store.records[key("s", "e")] = []User{current}
	store.nextUID = 1

	l := New(store, &fakeAllocator{})
	newState := "cs2"
	newGen := int64(6)
	updated, err := l.Update(context.Background(), current, UpdateRequest{ClientState: &newState, Generation: &newGen})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.ClientState != "cs2" {
		t.Errorf("ClientState = %q, want cs2", updated.ClientState)
	}
	if updated.UID == current.UID {
		t.Error("replacement should create a new record with a new UID")
	}
}

func TestCheckAuthorizationInvalidGeneration(t *testing.T) {
	current := User{Generation: 10}
	req := int64(5)
	err := CheckAuthorization(current, &req, nil)
	if !IsKind(err, KindInvalidGeneration) {
		t.Fatalf("CheckAuthorization() error = %v, want KindInvalidGeneration", err)
	}
}

func TestCheckAuthorizationInvalidKeysChangedAt(t *testing.T) {
	kca := int64(100)
	current := User{Generation: 10, KeysChangedAt: &kca}
	req := int64(50)
	err := CheckAuthorization(current, nil, &req)
	if !IsKind(err, KindInvalidKeysChangedAt) {
		t.Fatalf("CheckAuthorization() error = %v, want KindInvalidKeysChangedAt", err)
	}
}

func TestCheckAuthorizationOK(t *testing.T) {
	kca := int64(100)
	current := User{Generation: 10, KeysChangedAt: &kca}
	gen, newKCA := int64(11), int64(101)
	if err := CheckAuthorization(current, &gen, &newKCA); err != nil {
		t.Fatalf("CheckAuthorization() error = %v", err)
	}
}

func TestRetireUserSetsMaxGeneration(t *testing.T) {
	store := newFakeStore()
	nodeID := int64(1)
	k := key("s", "e")
	store.records[k] = []User{{UID: 1, Service: "s", Email: "e", Generation: 5, NodeID: &nodeID}}
	store.nextUID = 1

	l := New(store, &fakeAllocator{})
	if err := l.RetireUser(context.Background(), "s", "e"); err != nil {
		t.Fatalf("RetireUser() error = %v", err)
	}
	if store.records[k][0].Generation != MaxGeneration {
		t.Errorf("Generation = %d, want MaxGeneration", store.records[k][0].Generation)
	}
}
