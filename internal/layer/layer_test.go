package layer

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mggg/gerrydb/internal/kernelerr"
)

func TestMapLocality_RejectsEmptySet(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewStore(mock)
	_, err = s.MapLocality(context.Background(), 1, 1, nil, "", 1)
	require.Error(t, err)

	var inv *kernelerr.InvariantError
	assert.ErrorAs(t, err, &inv)
}

func TestMapLocality_RejectsCrossNamespaceGeoSet(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT DISTINCT namespace_id FROM gerrydb.geography`).
		WillReturnRows(pgxmock.NewRows([]string{"namespace_id"}).AddRow(int64(1)).AddRow(int64(2)))
	mock.ExpectRollback()

	s := NewStore(mock)
	_, err = s.MapLocality(context.Background(), 1, 1, []int64{10, 20}, "", 1)
	require.Error(t, err)

	var inv *kernelerr.InvariantError
	assert.ErrorAs(t, err, &inv)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMapLocality_NoopWhenMembershipUnchanged(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT DISTINCT namespace_id FROM gerrydb.geography`).
		WillReturnRows(pgxmock.NewRows([]string{"namespace_id"}).AddRow(int64(1)))
	mock.ExpectQuery(`SELECT id, namespace_id, valid_from FROM gerrydb.geo_set_version`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "namespace_id", "valid_from"}).AddRow(int64(5), int64(1), time.Now().UTC()))
	mock.ExpectQuery(`SELECT geo_id FROM gerrydb.geo_set_member`).
		WillReturnRows(pgxmock.NewRows([]string{"geo_id"}).AddRow(int64(10)).AddRow(int64(20)))
	mock.ExpectCommit()

	s := NewStore(mock)
	v, err := s.MapLocality(context.Background(), 1, 1, []int64{10, 20}, "", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMapLocality_OpensNewVersionWhenMembershipChanges(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT DISTINCT namespace_id FROM gerrydb.geography`).
		WillReturnRows(pgxmock.NewRows([]string{"namespace_id"}).AddRow(int64(1)))
	mock.ExpectQuery(`SELECT id, namespace_id, valid_from FROM gerrydb.geo_set_version`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "namespace_id", "valid_from"}).AddRow(int64(5), int64(1), time.Now().UTC()))
	mock.ExpectQuery(`SELECT geo_id FROM gerrydb.geo_set_member`).
		WillReturnRows(pgxmock.NewRows([]string{"geo_id"}).AddRow(int64(10)))
	mock.ExpectExec(`UPDATE gerrydb.geo_set_version SET valid_to`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`INSERT INTO gerrydb.geo_set_version`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(6)))
	mock.ExpectExec(`INSERT INTO gerrydb.geo_set_member`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO gerrydb.geo_set_member`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO gerrydb.etag`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	s := NewStore(mock)
	v, err := s.MapLocality(context.Background(), 1, 1, []int64{10, 20}, "", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(6), v.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
