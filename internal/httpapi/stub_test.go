package httpapi

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/dotkom/vengeful-vineyard/internal/auth"
	"github.com/dotkom/vengeful-vineyard/internal/privilege"
	"github.com/dotkom/vengeful-vineyard/internal/reconcile"
)

type stubResolver struct {
	ids map[string]auth.Identity
	err error
}

func (s stubResolver) Resolve(_ context.Context, credential string) (auth.Identity, error) {
	if s.err != nil {
		return auth.Identity{}, s.err
	}
	id, ok := s.ids[credential]
	if !ok {
		return auth.Identity{}, auth.ErrNotFound
	}
	return id, nil
}

type stubSyncer struct {
	mu     sync.Mutex
	modes  []reconcile.Mode
	synced []string
	report reconcile.Report
	err    error
}

func (s *stubSyncer) SyncAllGroupsForUser(_ context.Context, _ int64, mode reconcile.Mode) (reconcile.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes = append(s.modes, mode)
	return s.report, s.err
}

func (s *stubSyncer) SyncLocalGroup(_ context.Context, groupID string) (reconcile.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = append(s.synced, groupID)
	return reconcile.Result{GroupID: groupID, MembersAdded: 1}, nil
}

type grantKey struct{ group, user, privilege string }

type memStore struct {
	mu      sync.Mutex
	users   map[string]auth.User
	groups  map[string]auth.Group
	members map[string][]string
	grants  map[grantKey]auth.Grant
}

func newMemStore() *memStore {
	return &memStore{
		users:   map[string]auth.User{},
		groups:  map[string]auth.Group{},
		members: map[string][]string{},
		grants:  map[grantKey]auth.Grant{},
	}
}

func (m *memStore) UserByID(_ context.Context, id string) (auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return u, nil
}

func (m *memStore) GroupByID(_ context.Context, id string) (auth.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return auth.Group{}, auth.ErrNotFound
	}
	return g, nil
}

func (m *memStore) GroupsForUser(_ context.Context, userID string) ([]auth.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []auth.Group
	for _, gid := range m.members[userID] {
		out = append(out, m.groups[gid])
	}
	return out, nil
}

func (m *memStore) Privileges(_ context.Context, groupID, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.grants {
		if k.group == groupID && k.user == userID {
			out = append(out, k.privilege)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) GrantManual(_ context.Context, g auth.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[g.UserID]; !ok {
		return auth.ErrNotFound
	}
	m.grants[grantKey{g.GroupID, g.UserID, g.Privilege}] = g
	return nil
}

func (m *memStore) RevokeManual(_ context.Context, groupID, userID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := grantKey{groupID, userID, label}
	g, ok := m.grants[k]
	if !ok || g.Auto() {
		return auth.ErrNotFound
	}
	delete(m.grants, k)
	return nil
}

func (m *memStore) hasGrant(groupID, userID, label string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.grants[grantKey{groupID, userID, label}]
	return ok
}

type fixture struct {
	store  *memStore
	syncer *stubSyncer
	api    *API
}

// newFixture seeds a managed group "g-ow" and a local group "g-local".
// "alice" owns g-local and "bob" is a plain member of both.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	catalog, err := privilege.DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog: %v", err)
	}
	graph, err := catalog.Graph()
	if err != nil {
		t.Fatalf("Graph: %v", err)
	}

	store := newMemStore()
	store.users["alice"] = auth.User{ID: "alice", ExternalID: 1, FirstName: "Alice"}
	store.users["bob"] = auth.User{ID: "bob", ExternalID: 2, FirstName: "Bob"}
	store.groups["g-ow"] = auth.Group{ID: "g-ow", ExternalID: 10, Name: "Dotkom", ShortName: "dotkom"}
	store.groups["g-local"] = auth.Group{ID: "g-local", Name: "Kontoret", ShortName: "kontoret"}
	store.members["alice"] = []string{"g-local"}
	store.members["bob"] = []string{"g-ow", "g-local"}
	store.grants[grantKey{"g-local", "alice", privilege.GroupOwner}] = auth.Grant{GroupID: "g-local", UserID: "alice", Privilege: privilege.GroupOwner, CreatedBy: "alice"}
	store.grants[grantKey{"g-ow", "bob", privilege.GroupMember}] = auth.Grant{GroupID: "g-ow", UserID: "bob", Privilege: privilege.GroupMember}

	guard, err := auth.NewGuard(graph, store, store)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	resolver := stubResolver{ids: map[string]auth.Identity{
		"alice-token": {UserID: "alice", ExternalID: 1},
		"bob-token":   {UserID: "bob", ExternalID: 2},
	}}
	syncer := &stubSyncer{report: reconcile.Report{Groups: 1, Waited: true}}

	api, err := New(resolver, guard, syncer, store, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{store: store, syncer: syncer, api: api}
}
