package authz

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mggg/gerrydb/internal/kernelerr"
)

const testRawKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestCreateUser_FirstUserIsAdmin(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM gerrydb.user WHERE email`).
		WithArgs("root@example.com").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM gerrydb.user`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO gerrydb.user `).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	// First user bootstrap: the single global "all" grant.
	mock.ExpectQuery(`INSERT INTO gerrydb.grant`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectCommit()

	s := NewStore(mock)
	u, err := s.CreateUser(context.Background(), "Root@Example.com", "Root")
	require.NoError(t, err)
	assert.True(t, u.IsAdmin)
	assert.Equal(t, "root@example.com", u.Email)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUser_LaterUserGetsPublicBundle(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM gerrydb.user WHERE email`).
		WithArgs("second@example.com").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM gerrydb.user`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`INSERT INTO gerrydb.user `).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(2)))
	// Public bundle: locality:read global + namespace:read on public.
	for range 2 {
		mock.ExpectQuery(`INSERT INTO gerrydb.grant`).
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	}
	mock.ExpectCommit()

	s := NewStore(mock)
	u, err := s.CreateUser(context.Background(), "second@example.com", "Second")
	require.NoError(t, err)
	assert.False(t, u.IsAdmin)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUser_DuplicateEmailRejected(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM gerrydb.user WHERE email`).
		WithArgs("dup@example.com").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	s := NewStore(mock)
	_, err = s.CreateUser(context.Background(), "dup@example.com", "Dup")
	var inv *kernelerr.InvariantError
	assert.ErrorAs(t, err, &inv)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAPIKey_RejectsMalformedKey(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewStore(mock)
	for _, raw := range []string{
		"short",
		strings.ToUpper(testRawKey),
		strings.Repeat("-", 64),
	} {
		_, err := s.CreateAPIKey(context.Background(), 1, raw)
		var badReq *kernelerr.BadRequestError
		assert.ErrorAs(t, err, &badReq, "raw key %q", raw)
	}
}

func TestAuthenticateAPIKey_ActiveKeyResolvesUser(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT u.id, u.email, u.name, u.is_admin, u.created_at, k.active`).
		WithArgs(KeyDigest(testRawKey)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "email", "name", "is_admin", "created_at", "active"}).
			AddRow(int64(7), "key@example.com", "Key Owner", false, time.Now(), true))

	s := NewStore(mock)
	u, err := s.AuthenticateAPIKey(context.Background(), testRawKey)
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateAPIKey_InactiveKeyForbidden(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT u.id, u.email, u.name, u.is_admin, u.created_at, k.active`).
		WithArgs(KeyDigest(testRawKey)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "email", "name", "is_admin", "created_at", "active"}).
			AddRow(int64(7), "key@example.com", "Key Owner", false, time.Now(), false))

	s := NewStore(mock)
	_, err = s.AuthenticateAPIKey(context.Background(), testRawKey)
	var forbidden *kernelerr.ForbiddenError
	assert.ErrorAs(t, err, &forbidden)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateAPIKey_UnknownDigestNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT u.id, u.email, u.name, u.is_admin, u.created_at, k.active`).
		WithArgs(KeyDigest(testRawKey)).
		WillReturnError(pgx.ErrNoRows)

	s := NewStore(mock)
	_, err = s.AuthenticateAPIKey(context.Background(), testRawKey)
	var notFound *kernelerr.NotFoundError
	assert.ErrorAs(t, err, &notFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeactivateAPIKey_MissingKeyNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`UPDATE gerrydb.api_key SET active = FALSE`).
		WithArgs("nodigest").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	s := NewStore(mock)
	err = s.DeactivateAPIKey(context.Background(), "nodigest")
	var notFound *kernelerr.NotFoundError
	assert.ErrorAs(t, err, &notFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddGroupMember_Idempotent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO gerrydb.user_group_member`).
		WithArgs(int64(3), int64(9)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	s := NewStore(mock)
	require.NoError(t, s.AddGroupMember(context.Background(), 3, 9))
	assert.NoError(t, mock.ExpectationsWereMet())
}
