package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dotkom/vengeful-vineyard/internal/privilege"
)

// Guard answers whether a user may act with a privilege inside a group.
type Guard struct {
	graph  *privilege.Graph
	groups GroupStore
	grants GrantStore
}

// NewGuard constructs a Guard.
func NewGuard(graph *privilege.Graph, groups GroupStore, grants GrantStore) (*Guard, error) {
	if graph == nil {
		return nil, errors.New("privilege graph is required")
	}
	if groups == nil || grants == nil {
		return nil, errors.New("group and grant stores are required")
	}
	return &Guard{graph: graph, groups: groups, grants: grants}, nil
}

type checkConfig struct {
	bypassManaged bool
}

// CheckOption adjusts a single authorization check.
type CheckOption func(*checkConfig)

// WithManagedGroupBypass lets every caller through when the group is
// managed by OW. This applies to any privilege the check asks for.
func WithManagedGroupBypass() CheckOption {
	return func(c *checkConfig) { c.bypassManaged = true }
}

// HasPrivilege reports whether any label the user holds in the group
// implies required. A missing group is reported as "not allowed".
func (g *Guard) HasPrivilege(ctx context.Context, groupID, userID, required string, opts ...CheckOption) (bool, error) {
	return g.HasAllPrivileges(ctx, groupID, userID, []string{required}, opts...)
}

// HasAllPrivileges reports whether every required label is implied by at
// least one held label.
func (g *Guard) HasAllPrivileges(ctx context.Context, groupID, userID string, required []string, opts ...CheckOption) (bool, error) {
	groupID = strings.TrimSpace(groupID)
	userID = strings.TrimSpace(userID)
	if groupID == "" || userID == "" {
		return false, fmt.Errorf("%w: group_id and user_id are required", ErrInvalidInput)
	}
	if len(required) == 0 {
		return false, fmt.Errorf("%w: at least one privilege is required", ErrInvalidInput)
	}
	for _, r := range required {
		if !g.graph.Exists(r) {
			return false, fmt.Errorf("%w: unknown privilege %q", ErrInvalidInput, r)
		}
	}

	var cfg checkConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.bypassManaged {
		group, err := g.groups.GroupByID(ctx, groupID)
		switch {
		case errors.Is(err, ErrNotFound):
			return false, nil
		case err != nil:
			return false, err
		case group.Managed():
			return true, nil
		}
	}

	held, err := g.grants.Privileges(ctx, groupID, userID)
	if err != nil {
		return false, err
	}
	for _, r := range required {
		if !g.graph.AnyImplies(held, r) {
			return false, nil
		}
	}
	return true, nil
}

// Require is HasAllPrivileges that turns a negative answer into ErrForbidden.
// The error never names the missing privilege.
func (g *Guard) Require(ctx context.Context, groupID, userID string, required []string, opts ...CheckOption) error {
	ok, err := g.HasAllPrivileges(ctx, groupID, userID, required, opts...)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// Effective returns every label the user holds in the group, expanded
// through the implication graph.
func (g *Guard) Effective(ctx context.Context, groupID, userID string) ([]string, error) {
	held, err := g.grants.Privileges(ctx, groupID, userID)
	if err != nil {
		return nil, err
	}
	return g.graph.Expand(held), nil
}

// Known reports whether label is a declared privilege.
func (g *Guard) Known(label string) bool {
	return g.graph.Exists(label)
}
