package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/dotkom/vengeful-vineyard/internal/auth"
	"github.com/dotkom/vengeful-vineyard/internal/ow"
	"github.com/dotkom/vengeful-vineyard/internal/reconcile"
)

// WithinGroup runs fn in a read-committed transaction. Concurrent passes
// over the same group converge through the unique constraints and
// on-conflict clauses below rather than a row lock.
func (s *Store) WithinGroup(ctx context.Context, groupID string, fn func(context.Context, reconcile.GroupTx) error) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &groupTx{tx: tx, groupID: groupID}); err != nil {
		return mapError(err)
	}
	return mapError(tx.Commit())
}

type groupTx struct {
	tx      *sql.Tx
	groupID string
}

func (t *groupTx) Memberships(ctx context.Context) ([]auth.Membership, error) {
	rows, err := t.tx.QueryContext(ctx, `
		select user_id, coalesce(ow_group_user_id, 0), active, added_at, inactive_at
		from group_members
		where group_id = $1
	`, t.groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Membership
	for rows.Next() {
		m := auth.Membership{GroupID: t.groupID}
		var inactive sql.NullTime
		if err := rows.Scan(&m.UserID, &m.ExternalMembershipID, &m.Active, &m.AddedAt, &inactive); err != nil {
			return nil, err
		}
		if inactive.Valid {
			at := inactive.Time
			m.InactiveAt = &at
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *groupTx) UpsertUsers(ctx context.Context, users []ow.RosterUser) (map[int64]string, error) {
	out := make(map[int64]string, len(users))
	for _, u := range users {
		rec, err := upsertUser(ctx, t.tx, auth.Profile{
			ExternalID: u.ExternalID,
			FirstName:  u.FirstName,
			LastName:   u.LastName,
			Email:      u.Email,
		})
		if err != nil {
			return nil, err
		}
		out[u.ExternalID] = rec.ID
	}
	return out, nil
}

func (t *groupTx) InsertMemberships(ctx context.Context, ms []auth.Membership) error {
	for _, m := range ms {
		added := m.AddedAt
		if added.IsZero() {
			added = time.Now().UTC()
		}
		if _, err := t.tx.ExecContext(ctx, `
			insert into group_members (group_id, user_id, ow_group_user_id, active, added_at, inactive_at)
			values ($1, $2, $3, $4, $5, $6)
			on conflict (group_id, user_id) do nothing
		`, t.groupID, m.UserID, nullIfZero(m.ExternalMembershipID), m.Active, added, m.InactiveAt); err != nil {
			return err
		}
	}
	return nil
}

func (t *groupTx) UpdateMemberships(ctx context.Context, ms []auth.Membership) error {
	for _, m := range ms {
		if _, err := t.tx.ExecContext(ctx, `
			update group_members
			set active = $3, inactive_at = $4
			where group_id = $1 and user_id = $2
		`, t.groupID, m.UserID, m.Active, m.InactiveAt); err != nil {
			return err
		}
	}
	return nil
}

func (t *groupTx) DeleteMemberships(ctx context.Context, userIDs []string) error {
	for _, id := range userIDs {
		if _, err := t.tx.ExecContext(ctx, `
			delete from group_members where group_id = $1 and user_id = $2
		`, t.groupID, id); err != nil {
			return err
		}
	}
	return nil
}

func (t *groupTx) AutoGrants(ctx context.Context) ([]auth.Grant, error) {
	rows, err := t.tx.QueryContext(ctx, `
		select user_id, privilege, created_at
		from group_permissions
		where group_id = $1 and created_by is null
	`, t.groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Grant
	for rows.Next() {
		g := auth.Grant{GroupID: t.groupID}
		if err := rows.Scan(&g.UserID, &g.Privilege, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *groupTx) InsertAutoGrants(ctx context.Context, gs []auth.Grant) error {
	for _, g := range gs {
		if _, err := t.tx.ExecContext(ctx, `
			insert into group_permissions (group_id, user_id, privilege)
			values ($1, $2, $3)
			on conflict (group_id, user_id, privilege) where created_by is null do nothing
		`, t.groupID, g.UserID, g.Privilege); err != nil {
			return err
		}
	}
	return nil
}

func (t *groupTx) DeleteAutoGrants(ctx context.Context, gs []auth.Grant) error {
	for _, g := range gs {
		if _, err := t.tx.ExecContext(ctx, `
			delete from group_permissions
			where group_id = $1 and user_id = $2 and privilege = $3 and created_by is null
		`, t.groupID, g.UserID, g.Privilege); err != nil {
			return err
		}
	}
	return nil
}
