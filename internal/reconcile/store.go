package reconcile

import (
	"context"

	"github.com/dotkom/vengeful-vineyard/internal/auth"
	"github.com/dotkom/vengeful-vineyard/internal/ow"
)

// Directory is the slice of the OW API reconciliation reads from.
type Directory interface {
	FetchGroupsForUser(ctx context.Context, externalUserID int64) ([]ow.Group, error)
	FetchGroupRoster(ctx context.Context, externalGroupID int64) ([]ow.RosterEntry, error)
}

// Store persists reconciled state.
type Store interface {
	auth.GroupStore

	// UpsertExternalGroup creates the local row for an OW group or refreshes
	// its name and image. created is true on first sight.
	UpsertExternalGroup(ctx context.Context, g ow.Group) (group auth.Group, created bool, err error)

	// ExternalMembershipIndex returns, per OW group id that has a local row,
	// the OW membership ids stored for it.
	ExternalMembershipIndex(ctx context.Context, externalGroupIDs []int64) (map[int64]map[int64]struct{}, error)

	// WithinGroup runs fn inside one transaction scoped to groupID. Any
	// error from fn rolls back every write fn made.
	WithinGroup(ctx context.Context, groupID string, fn func(ctx context.Context, tx GroupTx) error) error
}

// GroupTx is the set of writes one group's reconciliation needs. Every
// method is scoped to the group the transaction was opened for.
type GroupTx interface {
	Memberships(ctx context.Context) ([]auth.Membership, error)
	// UpsertUsers creates or refreshes users by OW id and returns their
	// local ids keyed by OW id.
	UpsertUsers(ctx context.Context, users []ow.RosterUser) (map[int64]string, error)
	InsertMemberships(ctx context.Context, ms []auth.Membership) error
	UpdateMemberships(ctx context.Context, ms []auth.Membership) error
	DeleteMemberships(ctx context.Context, userIDs []string) error

	// AutoGrants returns grants with no creator. Manual grants are never
	// visible here.
	AutoGrants(ctx context.Context) ([]auth.Grant, error)
	InsertAutoGrants(ctx context.Context, gs []auth.Grant) error
	DeleteAutoGrants(ctx context.Context, gs []auth.Grant) error
}
