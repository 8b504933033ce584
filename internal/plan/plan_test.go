package plan

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mggg/gerrydb/internal/kernelerr"
)

func TestCreate_RejectsAssignmentOutsideGeoSet(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM gerrydb.plan`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT geo_id FROM gerrydb.geo_set_member`).
		WillReturnRows(pgxmock.NewRows([]string{"geo_id"}).AddRow(int64(1)))
	mock.ExpectRollback()

	s := NewStore(mock)
	_, err = s.Create(context.Background(), 1, "remedial", 9, 2, 3, map[int64]string{99: "A"}, 1)
	require.Error(t, err)

	var bulk *kernelerr.BulkError
	assert.ErrorAs(t, err, &bulk)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_ComputesNumDistrictsAndComplete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM gerrydb.plan`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT geo_id FROM gerrydb.geo_set_member`).
		WillReturnRows(pgxmock.NewRows([]string{"geo_id"}).AddRow(int64(1)).AddRow(int64(2)))
	mock.ExpectQuery(`INSERT INTO gerrydb.plan`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec(`INSERT INTO gerrydb.plan_assignment`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO gerrydb.plan_assignment`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO gerrydb.etag`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	s := NewStore(mock)
	p, err := s.Create(context.Background(), 1, "remedial", 9, 2, 3, map[int64]string{1: "A", 2: "B"}, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, p.NumDistricts)
	assert.True(t, p.Complete)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_IncompleteWhenNotAllAssigned(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM gerrydb.plan`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT geo_id FROM gerrydb.geo_set_member`).
		WillReturnRows(pgxmock.NewRows([]string{"geo_id"}).AddRow(int64(1)).AddRow(int64(2)))
	mock.ExpectQuery(`INSERT INTO gerrydb.plan`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec(`INSERT INTO gerrydb.plan_assignment`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO gerrydb.etag`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	s := NewStore(mock)
	p, err := s.Create(context.Background(), 1, "partial", 9, 2, 3, map[int64]string{1: "A"}, 1)
	require.NoError(t, err)
	assert.False(t, p.Complete)
	assert.NoError(t, mock.ExpectationsWereMet())
}
