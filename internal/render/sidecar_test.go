package render

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mggg/gerrydb/internal/geography"
	"github.com/mggg/gerrydb/internal/meta"
	"github.com/mggg/gerrydb/internal/plan"
)

func openTestSidecarDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sidecar.gpkg")
	sdb, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = sdb.ExecContext(context.Background(), sidecarMigration)
	require.NoError(t, err)
	t.Cleanup(func() { sdb.Close() })
	return sdb
}

func TestInjectPlanAssignments_PivotsOneColumnPerPlan(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.MatchExpectationsInOrder(false)

	validAt := time.Now().UTC()
	mock.ExpectQuery(`SELECT id, namespace_id, path, num_districts, complete, created_at, meta_id FROM gerrydb.plan`).
		WithArgs(int64(9), validAt).
		WillReturnRows(pgxmock.NewRows([]string{"id", "namespace_id", "path", "num_districts", "complete", "created_at", "meta_id"}).
			AddRow(int64(1), int64(1), "congress", 3, true, validAt.Add(-time.Hour), int64(1)))
	mock.ExpectQuery(`SELECT geo_id, label FROM gerrydb.plan_assignment`).
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"geo_id", "label"}).
			AddRow(int64(10), "1").
			AddRow(int64(11), "2"))
	mock.ExpectQuery(`SELECT path FROM gerrydb.geography WHERE id = \$1`).
		WithArgs(int64(10)).
		WillReturnRows(pgxmock.NewRows([]string{"path"}).AddRow("block/a"))
	mock.ExpectQuery(`SELECT path FROM gerrydb.geography WHERE id = \$1`).
		WithArgs(int64(11)).
		WillReturnRows(pgxmock.NewRows([]string{"path"}).AddRow("block/b"))

	c := &Coordinator{pool: mock, plans: plan.NewStore(mock)}
	sdb := openTestSidecarDB(t)

	require.NoError(t, c.injectPlanAssignments(context.Background(), sdb, 9, validAt))
	require.NoError(t, mock.ExpectationsWereMet())

	rows, err := sdb.QueryContext(context.Background(), `SELECT geo_path, "congress" FROM gerrydb_plan_assignment ORDER BY geo_path`)
	require.NoError(t, err)
	defer rows.Close()

	var got []string
	for rows.Next() {
		var path, label string
		require.NoError(t, rows.Scan(&path, &label))
		got = append(got, path+"="+label)
	}
	assert.Equal(t, []string{"block/a=1", "block/b=2"}, got)
}

func TestInjectPlanAssignments_NoPlansCreatesEmptyTable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	validAt := time.Now().UTC()
	mock.ExpectQuery(`SELECT id, namespace_id, path, num_districts, complete, created_at, meta_id FROM gerrydb.plan`).
		WithArgs(int64(9), validAt).
		WillReturnRows(pgxmock.NewRows([]string{"id", "namespace_id", "path", "num_districts", "complete", "created_at", "meta_id"}))

	c := &Coordinator{pool: mock, plans: plan.NewStore(mock)}
	sdb := openTestSidecarDB(t)

	require.NoError(t, c.injectPlanAssignments(context.Background(), sdb, 9, validAt))
	require.NoError(t, mock.ExpectationsWereMet())

	var n int
	require.NoError(t, sdb.QueryRowContext(context.Background(), `SELECT count(*) FROM gerrydb_plan_assignment`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestInjectGeoMeta_DedupesXrefAcrossSharedMeta(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.MatchExpectationsInOrder(false)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT g.id, g.meta_id, gv.valid_from, ST_Area`).
		WithArgs([]int64{10, 11}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "meta_id", "valid_from", "area"}).
			AddRow(int64(10), int64(1), now, float64(100)).
			AddRow(int64(11), int64(1), now, float64(200)))
	mock.ExpectQuery(`SELECT path FROM gerrydb.geography WHERE id = \$1`).
		WithArgs(int64(10)).
		WillReturnRows(pgxmock.NewRows([]string{"path"}).AddRow("block/a"))
	mock.ExpectQuery(`SELECT path FROM gerrydb.geography WHERE id = \$1`).
		WithArgs(int64(11)).
		WillReturnRows(pgxmock.NewRows([]string{"path"}).AddRow("block/b"))
	mock.ExpectQuery(`SELECT id, uuid, author_id, notes, created_at FROM gerrydb.meta WHERE id = ANY\(\$1\)`).
		WithArgs([]int64{1}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "uuid", "author_id", "notes", "created_at"}).
			AddRow(int64(1), uuid.New(), int64(7), "import", now))

	c := &Coordinator{pool: mock, geos: geography.NewStore(mock, nil), metas: meta.NewStore(mock)}
	sdb := openTestSidecarDB(t)

	require.NoError(t, c.injectGeoMeta(context.Background(), sdb, []int64{10, 11}))
	require.NoError(t, mock.ExpectationsWereMet())

	var geoRows, xrefRows int
	require.NoError(t, sdb.QueryRowContext(context.Background(), `SELECT count(*) FROM gerrydb_geo_meta`).Scan(&geoRows))
	require.NoError(t, sdb.QueryRowContext(context.Background(), `SELECT count(*) FROM gerrydb_geo_meta_xref`).Scan(&xrefRows))
	assert.Equal(t, 2, geoRows)
	assert.Equal(t, 1, xrefRows)
}
