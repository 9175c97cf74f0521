package auth

import "context"

// UserStore manages local user records.
type UserStore interface {
	UserByID(ctx context.Context, id string) (User, error)
	UserByExternalID(ctx context.Context, externalID int64) (User, error)
	// UpsertUser creates the user or, on conflict by external id, refreshes
	// name and email.
	UpsertUser(ctx context.Context, p Profile) (User, error)
}

// GroupStore looks up groups.
type GroupStore interface {
	GroupByID(ctx context.Context, id string) (Group, error)
}

// GrantStore reads and writes privilege grants.
type GrantStore interface {
	// Privileges returns every label the user holds in the group, regardless
	// of who created the grant.
	Privileges(ctx context.Context, groupID, userID string) ([]string, error)
	GrantManual(ctx context.Context, grant Grant) error
	RevokeManual(ctx context.Context, groupID, userID, privilege string) error
}
