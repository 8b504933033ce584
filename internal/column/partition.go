package column

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mggg/gerrydb/internal/db"
)

// PartitionManager declares the column_value table's two-level declarative
// partitioning: one list-partition per column id, nested under which sits
// one list-partition per geography id. Both levels use idempotent
// CREATE TABLE IF NOT EXISTS and so tolerate concurrent callers racing to
// create the same partition.
type PartitionManager struct {
	pool db.Pool
}

// NewPartitionManager creates a PartitionManager.
func NewPartitionManager(pool db.Pool) *PartitionManager {
	return &PartitionManager{pool: pool}
}

// EnsureColumnPartition creates the top-level column_value partition for
// colID if it does not already exist.
func (m *PartitionManager) EnsureColumnPartition(ctx context.Context, colID int64) error {
	log := zap.L().With(zap.String("component", "column.partition"), zap.Int64("column_id", colID))

	partName := fmt.Sprintf("gerrydb.column_value_c%d", colID)
	sql := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF gerrydb.column_value FOR VALUES IN (%d) PARTITION BY LIST (geo_id)`,
		partName, colID,
	)
	if _, err := m.pool.Exec(ctx, sql); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return eris.Wrapf(err, "column: ensure column partition %s", partName)
	}
	log.Debug("ensured column partition")
	return nil
}

// EnsureGeoPartition creates the nested per-geography partition under
// colID's column-level partition. Callers must have already ensured the
// column-level partition exists (set_values does this as its own step).
func (m *PartitionManager) EnsureGeoPartition(ctx context.Context, colID, geoID int64) error {
	parent := fmt.Sprintf("gerrydb.column_value_c%d", colID)
	partName := fmt.Sprintf("gerrydb.column_value_c%d_g%d", colID, geoID)
	sql := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES IN (%d)`,
		partName, parent, geoID,
	)
	if _, err := m.pool.Exec(ctx, sql); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return eris.Wrapf(err, "column: ensure geo partition %s", partName)
	}
	return nil
}

// EnsureGeoPartitions ensures the nested per-geography partition exists
// under every column already defined in namespaceID. Geography creation
// calls this so that every existing column can immediately accept values
// for the new geography.
func (m *PartitionManager) EnsureGeoPartitions(ctx context.Context, namespaceID, geoID int64) error {
	rows, err := m.pool.Query(ctx, `SELECT id FROM gerrydb.data_column WHERE namespace_id = $1`, namespaceID)
	if err != nil {
		return eris.Wrap(err, "column: list columns for namespace")
	}
	defer rows.Close()

	var colIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return eris.Wrap(err, "column: scan column id")
		}
		colIDs = append(colIDs, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, colID := range colIDs {
		if err := m.EnsureGeoPartition(ctx, colID, geoID); err != nil {
			return err
		}
	}
	return nil
}

// ListPartitions returns every existing nested partition name for colID,
// queried from pg_inherits against the column's partition.
func (m *PartitionManager) ListPartitions(ctx context.Context, colID int64) ([]string, error) {
	parent := fmt.Sprintf("column_value_c%d", colID)
	rows, err := m.pool.Query(ctx, `
		SELECT child.relname
		FROM pg_inherits
		JOIN pg_class parent ON pg_inherits.inhparent = parent.oid
		JOIN pg_class child ON pg_inherits.inhrelid = child.oid
		WHERE parent.relname = $1
		ORDER BY child.relname`, parent)
	if err != nil {
		return nil, eris.Wrapf(err, "column: list partitions for %s", parent)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, eris.Wrap(err, "column: scan partition name")
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
