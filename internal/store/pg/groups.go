package pg

import (
	"context"

	"github.com/dotkom/vengeful-vineyard/internal/auth"
	"github.com/dotkom/vengeful-vineyard/internal/ids"
	"github.com/dotkom/vengeful-vineyard/internal/ow"
)

const groupColumns = `id, coalesce(ow_group_id, 0), name, name_short, coalesce(image, ''), created_at`

func scanGroup(row rowScanner, extra ...any) (auth.Group, error) {
	var g auth.Group
	dest := append([]any{&g.ID, &g.ExternalID, &g.Name, &g.ShortName, &g.Image, &g.CreatedAt}, extra...)
	err := row.Scan(dest...)
	return g, err
}

func (s *Store) GroupByID(ctx context.Context, id string) (auth.Group, error) {
	if s.db == nil {
		return auth.Group{}, errNoDB
	}
	g, err := scanGroup(s.db.QueryRowContext(ctx, `
		select `+groupColumns+`
		from groups
		where id = $1
	`, id))
	if err != nil {
		return auth.Group{}, mapError(err)
	}
	return g, nil
}

// GroupsForUser lists the groups where the user has an active membership.
func (s *Store) GroupsForUser(ctx context.Context, userID string) ([]auth.Group, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select g.id, coalesce(g.ow_group_id, 0), g.name, g.name_short, coalesce(g.image, ''), g.created_at
		from groups g
		join group_members m on m.group_id = g.id
		where m.user_id = $1 and m.active
		order by g.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertExternalGroup inserts or refreshes the row for an OW group.
// xmax is zero only for rows this statement inserted.
func (s *Store) UpsertExternalGroup(ctx context.Context, g ow.Group) (auth.Group, bool, error) {
	if s.db == nil {
		return auth.Group{}, false, errNoDB
	}
	if g.ExternalID == 0 {
		return auth.Group{}, false, auth.ErrInvalidInput
	}
	var created bool
	group, err := scanGroup(s.db.QueryRowContext(ctx, `
		insert into groups (id, ow_group_id, name, name_short, image)
		values ($1, $2, $3, $4, $5)
		on conflict (ow_group_id) do update
		set name = excluded.name,
		    name_short = excluded.name_short,
		    image = coalesce(excluded.image, groups.image)
		returning `+groupColumns+`, (xmax = 0)`,
		ids.New(), g.ExternalID, g.Name, g.ShortName, nullIfEmpty(g.ImageURL)), &created)
	if err != nil {
		return auth.Group{}, false, mapError(err)
	}
	return group, created, nil
}

// ExternalMembershipIndex returns stored OW membership ids per OW group.
func (s *Store) ExternalMembershipIndex(ctx context.Context, externalGroupIDs []int64) (map[int64]map[int64]struct{}, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	out := make(map[int64]map[int64]struct{}, len(externalGroupIDs))
	if len(externalGroupIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(externalGroupIDs))
	for i, id := range externalGroupIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		select g.ow_group_id, m.ow_group_user_id
		from groups g
		left join group_members m on m.group_id = g.id and m.ow_group_user_id is not null
		where g.ow_group_id in (`+placeholders(1, len(args))+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			groupID  int64
			memberID *int64
		)
		if err := rows.Scan(&groupID, &memberID); err != nil {
			return nil, err
		}
		set, ok := out[groupID]
		if !ok {
			set = make(map[int64]struct{})
			out[groupID] = set
		}
		if memberID != nil {
			set[*memberID] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
