package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dotkom/vengeful-vineyard/internal/auth"
	"github.com/dotkom/vengeful-vineyard/internal/ow"
)

type fakeDirectory struct {
	mu      sync.Mutex
	groups  map[int64][]ow.Group
	rosters map[int64][]ow.RosterEntry
	fail    map[int64]error
	block   map[int64]chan struct{}
	calls   map[int64]int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		groups:  map[int64][]ow.Group{},
		rosters: map[int64][]ow.RosterEntry{},
		fail:    map[int64]error{},
		block:   map[int64]chan struct{}{},
		calls:   map[int64]int{},
	}
}

func (d *fakeDirectory) FetchGroupsForUser(_ context.Context, externalUserID int64) ([]ow.Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.groups[externalUserID], nil
}

func (d *fakeDirectory) FetchGroupRoster(ctx context.Context, externalGroupID int64) ([]ow.RosterEntry, error) {
	d.mu.Lock()
	d.calls[externalGroupID]++
	ch := d.block[externalGroupID]
	err := d.fail[externalGroupID]
	roster := append([]ow.RosterEntry(nil), d.rosters[externalGroupID]...)
	d.mu.Unlock()

	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return roster, nil
}

func (d *fakeDirectory) rosterCalls(id int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

type memberKey struct{ group, user string }

type fakeState struct {
	users       map[int64]auth.User
	groups      map[string]auth.Group
	memberships map[memberKey]auth.Membership
	grants      []auth.Grant
}

func (s fakeState) clone() fakeState {
	out := fakeState{
		users:       make(map[int64]auth.User, len(s.users)),
		groups:      make(map[string]auth.Group, len(s.groups)),
		memberships: make(map[memberKey]auth.Membership, len(s.memberships)),
		grants:      append([]auth.Grant(nil), s.grants...),
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.groups {
		out.groups[k] = v
	}
	for k, v := range s.memberships {
		out.memberships[k] = v
	}
	return out
}

// fakeStore keeps state in memory and counts every row written.
type fakeStore struct {
	mu       sync.Mutex
	state    fakeState
	seq      int
	writes   int
	failTx   map[string]error
	conflict map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		state: fakeState{
			users:       map[int64]auth.User{},
			groups:      map[string]auth.Group{},
			memberships: map[memberKey]auth.Membership{},
		},
		failTx:   map[string]error{},
		conflict: map[string]int{},
	}
}

func (s *fakeStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s%d", prefix, s.seq)
}

func (s *fakeStore) GroupByID(_ context.Context, id string) (auth.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.state.groups[id]
	if !ok {
		return auth.Group{}, auth.ErrNotFound
	}
	return g, nil
}

func (s *fakeStore) groupByExternal(ext int64) (auth.Group, bool) {
	for _, g := range s.state.groups {
		if g.ExternalID == ext {
			return g, true
		}
	}
	return auth.Group{}, false
}

func (s *fakeStore) UpsertExternalGroup(_ context.Context, g ow.Group) (auth.Group, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.groupByExternal(g.ExternalID); ok {
		return existing, false, nil
	}
	group := auth.Group{ID: s.nextID("g"), ExternalID: g.ExternalID, Name: g.Name, ShortName: g.ShortName}
	s.state.groups[group.ID] = group
	return group, true, nil
}

func (s *fakeStore) ExternalMembershipIndex(_ context.Context, ids []int64) (map[int64]map[int64]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]map[int64]struct{})
	for _, ext := range ids {
		g, ok := s.groupByExternal(ext)
		if !ok {
			continue
		}
		set := map[int64]struct{}{}
		for k, m := range s.state.memberships {
			if k.group == g.ID && m.ExternalMembershipID != 0 {
				set[m.ExternalMembershipID] = struct{}{}
			}
		}
		out[ext] = set
	}
	return out, nil
}

func (s *fakeStore) WithinGroup(ctx context.Context, groupID string, fn func(context.Context, GroupTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failTx[groupID]; err != nil {
		return err
	}
	tx := &fakeTx{store: s, groupID: groupID, state: s.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if s.conflict[groupID] > 0 {
		s.conflict[groupID]--
		return fmt.Errorf("insert: %w", auth.ErrConflict)
	}
	s.state = tx.state
	s.writes += tx.writes
	return nil
}

func (s *fakeStore) snapshot() fakeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func (s *fakeStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *fakeStore) addManualGrant(g auth.Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.grants = append(s.state.grants, g)
}

type fakeTx struct {
	store   *fakeStore
	groupID string
	state   fakeState
	writes  int
}

func (t *fakeTx) Memberships(context.Context) ([]auth.Membership, error) {
	var out []auth.Membership
	for k, m := range t.state.memberships {
		if k.group == t.groupID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t *fakeTx) UpsertUsers(_ context.Context, users []ow.RosterUser) (map[int64]string, error) {
	out := make(map[int64]string, len(users))
	for _, u := range users {
		existing, ok := t.state.users[u.ExternalID]
		if !ok {
			existing = auth.User{ID: t.store.nextID("u"), ExternalID: u.ExternalID}
		}
		existing.FirstName, existing.LastName, existing.Email = u.FirstName, u.LastName, u.Email
		t.state.users[u.ExternalID] = existing
		t.writes++
		out[u.ExternalID] = existing.ID
	}
	return out, nil
}

func (t *fakeTx) InsertMemberships(_ context.Context, ms []auth.Membership) error {
	for _, m := range ms {
		k := memberKey{t.groupID, m.UserID}
		if _, ok := t.state.memberships[k]; ok {
			return auth.ErrConflict
		}
		t.state.memberships[k] = m
		t.writes++
	}
	return nil
}

func (t *fakeTx) UpdateMemberships(_ context.Context, ms []auth.Membership) error {
	for _, m := range ms {
		k := memberKey{t.groupID, m.UserID}
		if _, ok := t.state.memberships[k]; !ok {
			return auth.ErrNotFound
		}
		t.state.memberships[k] = m
		t.writes++
	}
	return nil
}

func (t *fakeTx) DeleteMemberships(_ context.Context, userIDs []string) error {
	for _, uid := range userIDs {
		delete(t.state.memberships, memberKey{t.groupID, uid})
		t.writes++
	}
	return nil
}

func (t *fakeTx) AutoGrants(context.Context) ([]auth.Grant, error) {
	var out []auth.Grant
	for _, g := range t.state.grants {
		if g.GroupID == t.groupID && g.Auto() {
			out = append(out, g)
		}
	}
	return out, nil
}

func (t *fakeTx) InsertAutoGrants(_ context.Context, gs []auth.Grant) error {
	for _, g := range gs {
		if !g.Auto() {
			return errors.New("manual grant passed to InsertAutoGrants")
		}
		t.state.grants = append(t.state.grants, g)
		t.writes++
	}
	return nil
}

func (t *fakeTx) DeleteAutoGrants(_ context.Context, gs []auth.Grant) error {
	for _, g := range gs {
		kept := t.state.grants[:0]
		for _, cur := range t.state.grants {
			if cur.Auto() && cur.GroupID == t.groupID && cur.UserID == g.UserID && cur.Privilege == g.Privilege {
				t.writes++
				continue
			}
			kept = append(kept, cur)
		}
		t.state.grants = kept
	}
	return nil
}
