package namespace

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mggg/gerrydb/internal/authz"
	"github.com/mggg/gerrydb/internal/etag"
	"github.com/mggg/gerrydb/internal/kernelerr"
)

func newStores(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	grants := authz.NewStore(mock)
	etags := etag.NewStore(mock)
	return mock, NewStore(mock, grants, etags)
}

func TestCreate_RejectsDuplicatePath(t *testing.T) {
	mock, s := newStores(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("census").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	p := authz.Principal{UserID: 1, IsAdmin: true}
	_, err := s.Create(context.Background(), p, "census", "2020 census geographies", true, 1)
	require.Error(t, err)

	var inv *kernelerr.InvariantError
	assert.ErrorAs(t, err, &inv)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_AdminSkipsQuotaAndAutoGrant(t *testing.T) {
	mock, s := newStores(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("census").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`INSERT INTO gerrydb.namespace`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec(`INSERT INTO gerrydb.etag`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	p := authz.Principal{UserID: 1, IsAdmin: true}
	ns, err := s.Create(context.Background(), p, "Census", "2020 census geographies", true, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(7), ns.ID)
	assert.Equal(t, "census", ns.Path)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_QuotaExceededRejectsNonAdmin(t *testing.T) {
	mock, s := newStores(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("a").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM gerrydb.namespace`).
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(DefaultQuota))
	mock.ExpectQuery(`SELECT max_namespaces FROM gerrydb.namespace_quota`).
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"max_namespaces"}).AddRow(DefaultQuota))

	p := authz.Principal{UserID: 2, IsAdmin: false}
	_, err := s.Create(context.Background(), p, "a", "", false, 1)
	require.Error(t, err)

	var inv *kernelerr.InvariantError
	assert.ErrorAs(t, err, &inv)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_ReturnsNilOnMissingRow(t *testing.T) {
	mock, s := newStores(t)

	mock.ExpectQuery(`SELECT id, path, description, public, meta_id FROM gerrydb.namespace`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	ns, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, ns)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList_FiltersByCanRead(t *testing.T) {
	mock, s := newStores(t)

	mock.ExpectQuery(`SELECT id, path, description, public, meta_id FROM gerrydb.namespace ORDER BY path`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "path", "description", "public", "meta_id"}).
			AddRow(int64(1), "public-ns", "", true, int64(1)).
			AddRow(int64(2), "private-ns", "", false, int64(1)))

	p := authz.Principal{UserID: 5, Grants: []authz.Grant{
		{Scope: authz.ScopeNamespaceRead, Target: authz.TargetGroup, TargetGroup: authz.GroupPublic},
	}}
	out, err := s.List(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "public-ns", out[0].Path)
	assert.NoError(t, mock.ExpectationsWereMet())
}
