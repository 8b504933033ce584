package locality

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mggg/gerrydb/internal/kernelerr"
)

func TestCreateBulk_RejectsDuplicateInputPaths(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewStore(mock)
	_, err = s.CreateBulk(context.Background(), []CreateInput{
		{Path: "us/tx"}, {Path: "us/tx"},
	}, 1)
	require.Error(t, err)

	var bulk *kernelerr.BulkError
	assert.ErrorAs(t, err, &bulk)
}

func TestCreateBulk_RejectsPreExistingPath(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT path FROM gerrydb.locality_ref`).
		WillReturnRows(pgxmock.NewRows([]string{"path"}).AddRow("us/tx"))
	mock.ExpectRollback()

	s := NewStore(mock)
	_, err = s.CreateBulk(context.Background(), []CreateInput{{Path: "us/tx"}}, 1)
	require.Error(t, err)

	var bulk *kernelerr.BulkError
	assert.ErrorAs(t, err, &bulk)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBulk_RejectsDanglingParent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT path FROM gerrydb.locality_ref`).
		WillReturnRows(pgxmock.NewRows([]string{"path"}))
	mock.ExpectQuery(`SELECT path, loc_id FROM gerrydb.locality_ref`).
		WillReturnRows(pgxmock.NewRows([]string{"path", "loc_id"}))
	mock.ExpectRollback()

	s := NewStore(mock)
	_, err = s.CreateBulk(context.Background(), []CreateInput{{Path: "us/tx/travis", ParentPath: "us/tx"}}, 1)
	require.Error(t, err)

	var bulk *kernelerr.BulkError
	assert.ErrorAs(t, err, &bulk)
	assert.Equal(t, []string{"us/tx"}, bulk.Paths)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBulk_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT path FROM gerrydb.locality_ref`).
		WillReturnRows(pgxmock.NewRows([]string{"path"}))
	mock.ExpectQuery(`INSERT INTO gerrydb.locality_ref \(path, loc_id, is_canonical\) VALUES \(\$1, NULL, TRUE\)`).
		WithArgs("us/tx").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(10)))
	mock.ExpectQuery(`INSERT INTO gerrydb.locality`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec(`UPDATE gerrydb.locality_ref SET loc_id`).
		WithArgs(int64(1), int64(10)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO gerrydb.locality_ref \(path, loc_id, is_canonical\) VALUES \(\$1, \$2, FALSE\)`).
		WithArgs("texas", int64(1)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO gerrydb.etag`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	s := NewStore(mock)
	created, err := s.CreateBulk(context.Background(), []CreateInput{
		{Path: "us/tx", Aliases: []string{"texas"}, DisplayName: "Texas"},
	}, 1)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, int64(1), created[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNormalizeAlias_Lowercases(t *testing.T) {
	alias, err := NormalizeAlias("ATLANTIS")
	require.NoError(t, err)
	assert.Equal(t, "atlantis", alias)

	alias, err = NormalizeAlias("g/Atlantis")
	require.NoError(t, err)
	assert.Equal(t, "g/atlantis", alias)
}

func TestNormalizeAlias_RejectsInvalidPath(t *testing.T) {
	_, err := NormalizeAlias("../etc")
	require.Error(t, err)
}

func TestAddAliases_NormalizesBeforeLookup(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT loc_id FROM gerrydb.locality_ref`).
		WithArgs("atlantis").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`INSERT INTO gerrydb.locality_ref`).
		WithArgs("atlantis", int64(1)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO gerrydb.etag`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	s := NewStore(mock)
	err = s.AddAliases(context.Background(), 1, []string{"g/Atlantis"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddAliases_IdempotentForSameLocality(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT loc_id FROM gerrydb.locality_ref`).
		WithArgs("texas").
		WillReturnRows(pgxmock.NewRows([]string{"loc_id"}).AddRow(int64(1)))
	mock.ExpectCommit()

	s := NewStore(mock)
	err = s.AddAliases(context.Background(), 1, []string{"texas"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddAliases_RejectsConflictWithDifferentLocality(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT loc_id FROM gerrydb.locality_ref`).
		WithArgs("texas").
		WillReturnRows(pgxmock.NewRows([]string{"loc_id"}).AddRow(int64(2)))
	mock.ExpectRollback()

	s := NewStore(mock)
	err = s.AddAliases(context.Background(), 1, []string{"texas"})
	require.Error(t, err)

	var inv *kernelerr.InvariantError
	assert.ErrorAs(t, err, &inv)
	assert.NoError(t, mock.ExpectationsWereMet())
}
