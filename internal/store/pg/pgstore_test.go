package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dotkom/vengeful-vineyard/internal/auth"
	"github.com/dotkom/vengeful-vineyard/internal/ow"
	"github.com/dotkom/vengeful-vineyard/internal/reconcile"
)

var userCols = []string{"id", "ow_user_id", "first_name", "last_name", "email", "created_at", "updated_at"}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestUpsertUser(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("insert into users").
		WithArgs(sqlmock.AnyArg(), int64(42), "Ada", "Lovelace", "ada@example.com").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("u1", int64(42), "Ada", "Lovelace", "ada@example.com", now, now))

	u, err := store.UpsertUser(context.Background(), auth.Profile{ExternalID: 42, FirstName: " Ada ", LastName: "Lovelace", Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if u.ID != "u1" || u.ExternalID != 42 {
		t.Fatalf("unexpected user: %+v", u)
	}
	if _, err := store.UpsertUser(context.Background(), auth.Profile{}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without ow id, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUserByExternalIDNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("from users").WithArgs(int64(7)).WillReturnError(sql.ErrNoRows)

	if _, err := store.UserByExternalID(context.Background(), 7); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpsertExternalGroupReportsCreation(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	cols := []string{"id", "ow_group_id", "name", "name_short", "image", "created_at", "inserted"}

	mock.ExpectQuery("insert into groups").
		WithArgs(sqlmock.AnyArg(), int64(3), "Dotkom", "dotkom", sql.NullString{}).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("g1", int64(3), "Dotkom", "dotkom", "", now, true))

	g, created, err := store.UpsertExternalGroup(context.Background(), ow.Group{ExternalID: 3, Name: "Dotkom", ShortName: "dotkom"})
	if err != nil {
		t.Fatalf("UpsertExternalGroup: %v", err)
	}
	if !created || g.ID != "g1" || !g.Managed() {
		t.Fatalf("unexpected result: %+v created=%v", g, created)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExternalMembershipIndex(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("from groups g").
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"ow_group_id", "ow_group_user_id"}).
			AddRow(int64(1), int64(100)).
			AddRow(int64(1), int64(101)).
			AddRow(int64(2), nil))

	idx, err := store.ExternalMembershipIndex(context.Background(), []int64{1, 2})
	if err != nil {
		t.Fatalf("ExternalMembershipIndex: %v", err)
	}
	if len(idx[1]) != 2 {
		t.Fatalf("expected two memberships for group 1, got %v", idx[1])
	}
	if set, ok := idx[2]; !ok || len(set) != 0 {
		t.Fatalf("expected known empty group 2, got %v %v", set, ok)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGrantManualMapsForeignKey(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("insert into group_permissions").
		WithArgs("g1", "ghost", "group.admin", "u1").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation, Detail: "user missing"})

	err := store.GrantManual(context.Background(), auth.Grant{GroupID: "g1", UserID: "ghost", Privilege: "group.admin", CreatedBy: "u1"})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.GrantManual(context.Background(), auth.Grant{GroupID: "g1", UserID: "u2", Privilege: "group.admin"}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for grant without creator, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRevokeManualMissing(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("delete from group_permissions").
		WithArgs("g1", "u1", "group.admin").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.RevokeManual(context.Background(), "g1", "u1", "group.admin"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPrivileges(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("select distinct privilege").
		WithArgs("g1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"privilege"}).AddRow("group.admin").AddRow("group.owner"))

	labels, err := store.Privileges(context.Background(), "g1", "u1")
	if err != nil {
		t.Fatalf("Privileges: %v", err)
	}
	if len(labels) != 2 || labels[0] != "group.admin" {
		t.Fatalf("unexpected labels: %v", labels)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithinGroupCommits(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("from group_members").WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "ow_group_user_id", "active", "added_at", "inactive_at"}).
			AddRow("u1", int64(100), true, now, nil))
	mock.ExpectExec("insert into group_members").
		WithArgs("g1", "u2", sql.NullInt64{Int64: 101, Valid: true}, true, now, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into group_permissions").
		WithArgs("g1", "u2", "group.owner").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithinGroup(context.Background(), "g1", func(ctx context.Context, tx reconcile.GroupTx) error {
		ms, err := tx.Memberships(ctx)
		if err != nil {
			return err
		}
		if len(ms) != 1 || ms[0].ExternalMembershipID != 100 || ms[0].InactiveAt != nil {
			t.Errorf("unexpected memberships: %+v", ms)
		}
		if err := tx.InsertMemberships(ctx, []auth.Membership{{UserID: "u2", ExternalMembershipID: 101, Active: true, AddedAt: now}}); err != nil {
			return err
		}
		return tx.InsertAutoGrants(ctx, []auth.Grant{{UserID: "u2", Privilege: "group.owner"}})
	})
	if err != nil {
		t.Fatalf("WithinGroup: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithinGroupRollsBackAndMapsConflict(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("delete from group_permissions").
		WithArgs("g1", "u1", "group.admin").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	err := store.WithinGroup(context.Background(), "g1", func(ctx context.Context, tx reconcile.GroupTx) error {
		return tx.DeleteAutoGrants(ctx, []auth.Grant{{UserID: "u1", Privilege: "group.admin"}})
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
