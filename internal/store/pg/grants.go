package pg

import (
	"context"
	"strings"

	"github.com/dotkom/vengeful-vineyard/internal/auth"
)

// Privileges returns every label the user holds in the group, auto or manual.
func (s *Store) Privileges(ctx context.Context, groupID, userID string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct privilege
		from group_permissions
		where group_id = $1 and user_id = $2
		order by privilege
	`, groupID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, err
		}
		labels = append(labels, label)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return labels, nil
}

// GrantManual records a grant issued by a user. Granting an existing
// manual grant is a no-op.
func (s *Store) GrantManual(ctx context.Context, g auth.Grant) error {
	if s.db == nil {
		return errNoDB
	}
	if strings.TrimSpace(g.CreatedBy) == "" || g.Privilege == "" {
		return auth.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		insert into group_permissions (group_id, user_id, privilege, created_by)
		values ($1, $2, $3, $4)
		on conflict (group_id, user_id, privilege) where created_by is not null do nothing
	`, g.GroupID, g.UserID, g.Privilege, g.CreatedBy)
	return mapError(err)
}

// RevokeManual removes a manual grant. Auto grants are untouched.
func (s *Store) RevokeManual(ctx context.Context, groupID, userID, privilege string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		delete from group_permissions
		where group_id = $1 and user_id = $2 and privilege = $3 and created_by is not null
	`, groupID, userID, privilege)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}
