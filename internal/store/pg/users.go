package pg

import (
	"context"
	"database/sql"
	"strings"

	"github.com/dotkom/vengeful-vineyard/internal/auth"
	"github.com/dotkom/vengeful-vineyard/internal/ids"
)

const userColumns = `id, coalesce(ow_user_id, 0), first_name, last_name, email, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (auth.User, error) {
	var u auth.User
	err := row.Scan(&u.ID, &u.ExternalID, &u.FirstName, &u.LastName, &u.Email, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *Store) UserByID(ctx context.Context, id string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where id = $1
	`, id))
	if err != nil {
		return auth.User{}, mapError(err)
	}
	return u, nil
}

func (s *Store) UserByExternalID(ctx context.Context, externalID int64) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where ow_user_id = $1
	`, externalID))
	if err != nil {
		return auth.User{}, mapError(err)
	}
	return u, nil
}

// UpsertUser creates the user or refreshes its profile fields by OW id.
func (s *Store) UpsertUser(ctx context.Context, p auth.Profile) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	if p.ExternalID == 0 {
		return auth.User{}, auth.ErrInvalidInput
	}
	return upsertUser(ctx, s.db, p)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func upsertUser(ctx context.Context, q queryRower, p auth.Profile) (auth.User, error) {
	u, err := scanUser(q.QueryRowContext(ctx, `
		insert into users (id, ow_user_id, first_name, last_name, email)
		values ($1, $2, $3, $4, $5)
		on conflict (ow_user_id) do update
		set first_name = excluded.first_name,
		    last_name = excluded.last_name,
		    email = excluded.email,
		    updated_at = now()
		returning `+userColumns,
		ids.New(), p.ExternalID, strings.TrimSpace(p.FirstName), strings.TrimSpace(p.LastName), strings.TrimSpace(p.Email)))
	if err != nil {
		return auth.User{}, mapError(err)
	}
	return u, nil
}
