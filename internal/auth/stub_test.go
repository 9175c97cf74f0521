package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/dotkom/vengeful-vineyard/internal/ow"
)

type memStore struct {
	mu     sync.Mutex
	users  map[string]User
	groups map[string]Group
	grants []Grant
	seq    int
}

func newMemStore() *memStore {
	return &memStore{users: map[string]User{}, groups: map[string]Group{}}
}

func (m *memStore) UserByID(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *memStore) UserByExternalID(_ context.Context, externalID int64) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ExternalID == externalID {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *memStore) UpsertUser(_ context.Context, p Profile) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range m.users {
		if u.ExternalID == p.ExternalID {
			u.FirstName, u.LastName, u.Email = p.FirstName, p.LastName, p.Email
			m.users[id] = u
			return u, nil
		}
	}
	m.seq++
	u := User{ID: fmt.Sprintf("u%d", m.seq), ExternalID: p.ExternalID, FirstName: p.FirstName, LastName: p.LastName, Email: p.Email}
	m.users[u.ID] = u
	return u, nil
}

func (m *memStore) GroupByID(_ context.Context, id string) (Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return Group{}, ErrNotFound
	}
	return g, nil
}

func (m *memStore) Privileges(_ context.Context, groupID, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, g := range m.grants {
		if g.GroupID == groupID && g.UserID == userID {
			out = append(out, g.Privilege)
		}
	}
	return out, nil
}

func (m *memStore) GrantManual(_ context.Context, g Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants = append(m.grants, g)
	return nil
}

func (m *memStore) RevokeManual(_ context.Context, groupID, userID, privilege string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, g := range m.grants {
		if g.GroupID == groupID && g.UserID == userID && g.Privilege == privilege && !g.Auto() {
			m.grants = append(m.grants[:i], m.grants[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

type stubProfiles struct {
	mu       sync.Mutex
	profiles map[string]ow.Profile
	calls    int
	err      error
}

func (s *stubProfiles) FetchProfile(_ context.Context, credential string) (ow.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return ow.Profile{}, s.err
	}
	p, ok := s.profiles[credential]
	if !ok {
		return ow.Profile{}, fmt.Errorf("%w: profile returned 401", ow.ErrNotFound)
	}
	return p, nil
}
