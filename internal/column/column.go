// Package column implements DataColumn/ColumnRef/ColumnValue/ColumnSet and
// the set_values bitemporal write algorithm.
package column

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/mggg/gerrydb/internal/db"
	"github.com/mggg/gerrydb/internal/etag"
	"github.com/mggg/gerrydb/internal/gpath"
	"github.com/mggg/gerrydb/internal/kernelerr"
)

type pgxTx = pgx.Tx

// Kind classifies what a column represents, independent of its storage type.
type Kind string

const (
	KindCount       Kind = "count"
	KindPercent     Kind = "percent"
	KindCategorical Kind = "categorical"
	KindIdentifier  Kind = "identifier"
	KindArea        Kind = "area"
	KindOther       Kind = "other"
)

// ValueType is the column's declared storage type.
type ValueType string

const (
	TypeFloat ValueType = "float"
	TypeInt   ValueType = "int"
	TypeBool  ValueType = "bool"
	TypeStr   ValueType = "str"
	TypeJSON  ValueType = "json"
)

// DataColumn is one (namespace, canonical ref) typed attribute column.
type DataColumn struct {
	ID             int64
	NamespaceID    int64
	CanonicalRefID int64
	Kind           Kind
	Type           ValueType
	MetaID         int64
}

// ColumnSet is an immutable, ordered composition of column refs.
type ColumnSet struct {
	ID          int64
	NamespaceID int64
	Path        string
	ColumnIDs   []int64
}

// GeoValue is one (geography, value) pair in a set_values batch. Value must
// be a float64, int64, bool, or string matching the column's declared
// ValueType (int is silently promoted to float64 for float columns).
type GeoValue struct {
	GeoID int64
	Value any
}

// Store persists columns, refs, and values.
type Store struct {
	pool       db.Pool
	partitions *PartitionManager
}

// NewStore creates a column Store.
func NewStore(pool db.Pool, partitions *PartitionManager) *Store {
	return &Store{pool: pool, partitions: partitions}
}

// CreateColumn allocates a canonical ref, inserts the column row, and
// declaratively creates its top-level column_value partition.
func (s *Store) CreateColumn(ctx context.Context, namespaceID int64, path string, kind Kind, valType ValueType, metaID int64) (*DataColumn, error) {
	path, err := gpath.Normalize(path, false)
	if err != nil {
		return nil, err
	}

	var refID int64
	if err := s.pool.QueryRow(ctx, `
		INSERT INTO gerrydb.column_ref (namespace_id, path, column_id, is_canonical) VALUES ($1, $2, NULL, TRUE) RETURNING id`,
		namespaceID, path,
	).Scan(&refID); err != nil {
		return nil, eris.Wrap(err, "column: create: insert canonical ref")
	}

	col := &DataColumn{NamespaceID: namespaceID, CanonicalRefID: refID, Kind: kind, Type: valType, MetaID: metaID}
	if err := s.pool.QueryRow(ctx, `
		INSERT INTO gerrydb.data_column (namespace_id, canonical_ref_id, kind, val_type, meta_id)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		col.NamespaceID, col.CanonicalRefID, col.Kind, col.Type, col.MetaID,
	).Scan(&col.ID); err != nil {
		return nil, eris.Wrap(err, "column: create: insert column")
	}

	if _, err := s.pool.Exec(ctx, `UPDATE gerrydb.column_ref SET column_id = $1 WHERE id = $2`, col.ID, refID); err != nil {
		return nil, eris.Wrap(err, "column: create: backfill canonical ref")
	}

	if s.partitions != nil {
		if err := s.partitions.EnsureColumnPartition(ctx, col.ID); err != nil {
			return nil, err
		}
	}

	if _, err := etag.BumpTx(ctx, s.pool, etag.CollectionColumns, &namespaceID); err != nil {
		return nil, err
	}

	return col, nil
}

// Get loads a DataColumn by id, used by the view composer to resolve the
// namespace a template member's column belongs to.
func (s *Store) Get(ctx context.Context, id int64) (*DataColumn, error) {
	col := &DataColumn{ID: id}
	err := s.pool.QueryRow(ctx, `
		SELECT namespace_id, canonical_ref_id, kind, val_type, meta_id FROM gerrydb.data_column WHERE id = $1`,
		id,
	).Scan(&col.NamespaceID, &col.CanonicalRefID, &col.Kind, &col.Type, &col.MetaID)
	if err != nil {
		return nil, &kernelerr.NotFoundError{Resource: "data_column", Key: fmt.Sprintf("%d", id)}
	}
	return col, nil
}

// AddAlias adds a non-canonical path pointing at columnID. Duplicate aliases
// for the same column are skipped idempotently.
func (s *Store) AddAlias(ctx context.Context, namespaceID, columnID int64, path string) error {
	path, err := gpath.Normalize(path, false)
	if err != nil {
		return err
	}

	var existing int64
	err = s.pool.QueryRow(ctx, `SELECT column_id FROM gerrydb.column_ref WHERE namespace_id = $1 AND path = $2`, namespaceID, path).Scan(&existing)
	if err == nil {
		if existing != columnID {
			return &kernelerr.InvariantError{Op: "column.AddAlias", Reason: "alias " + path + " already bound to a different column"}
		}
		return nil // idempotent skip
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO gerrydb.column_ref (namespace_id, path, column_id, is_canonical) VALUES ($1, $2, $3, FALSE)`,
		namespaceID, path, columnID,
	); err != nil {
		return eris.Wrapf(err, "column: add alias %s", path)
	}

	if _, err := etag.BumpTx(ctx, s.pool, etag.CollectionColumns, &namespaceID); err != nil {
		return err
	}
	return nil
}

// SetValues type-checks every value, ensures the column's partition exists,
// diffs the batch against the currently-open rows, and writes only the
// new-or-changed rows: inserting them with valid_from = now and closing the
// prior open row (valid_to = now) for exactly those that changed.
func (s *Store) SetValues(ctx context.Context, col *DataColumn, values []GeoValue, metaID int64) (int, error) {
	if len(values) == 0 {
		return 0, nil
	}

	normalized, typeErrs := typeCheck(col, values)
	if len(typeErrs) > 0 {
		return 0, &kernelerr.ColumnValueTypeError{Column: fmt.Sprintf("%d", col.ID), Rows: typeErrs}
	}

	seen := make(map[int64]bool, len(normalized))
	for _, v := range normalized {
		if seen[v.GeoID] {
			return 0, &kernelerr.InvariantError{Op: "column.SetValues", Reason: fmt.Sprintf("duplicate geo id %d in batch", v.GeoID)}
		}
		seen[v.GeoID] = true
	}

	if s.partitions != nil {
		if err := s.partitions.EnsureColumnPartition(ctx, col.ID); err != nil {
			return 0, err
		}
	}

	geoIDs := make([]int64, 0, len(normalized))
	for _, v := range normalized {
		geoIDs = append(geoIDs, v.GeoID)
	}

	current, err := s.loadCurrent(ctx, col.ID, geoIDs)
	if err != nil {
		return 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "column: set values: begin tx")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	changed := 0
	for _, v := range normalized {
		old, hadOld := current[v.GeoID]
		if hadOld && valuesEqual(old, v.Value) {
			continue
		}

		if hadOld {
			if _, err := tx.Exec(ctx, `
				UPDATE gerrydb.column_value SET valid_to = $1 WHERE col_id = $2 AND geo_id = $3 AND valid_to IS NULL`,
				now, col.ID, v.GeoID,
			); err != nil {
				return 0, eris.Wrapf(err, "column: set values: close prior row for geo %d", v.GeoID)
			}
		}

		if err := s.insertValue(ctx, tx, col, v, now); err != nil {
			return 0, err
		}
		changed++
	}

	if changed > 0 {
		if _, err := etag.BumpTx(ctx, tx, etag.CollectionColumns, &col.NamespaceID); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "column: set values: commit tx")
	}
	return changed, nil
}

// CreateSet resolves every ref path to its underlying column, rejects the
// set if two refs resolve to the same column (aliases of one column are not
// distinct members), and stores the ordered column-id list.
func (s *Store) CreateSet(ctx context.Context, namespaceID int64, path string, refPaths []string, metaID int64) (*ColumnSet, error) {
	if len(refPaths) == 0 {
		return nil, &kernelerr.InvariantError{Op: "column.CreateSet", Reason: "empty column set"}
	}

	path, err := gpath.Normalize(path, false)
	if err != nil {
		return nil, err
	}
	for i, p := range refPaths {
		norm, err := gpath.Normalize(p, false)
		if err != nil {
			return nil, err
		}
		refPaths[i] = norm
	}

	colIDs := make([]int64, len(refPaths))
	seen := make(map[int64]bool, len(refPaths))
	var dupes []string
	for i, p := range refPaths {
		var colID int64
		if err := s.pool.QueryRow(ctx, `
			SELECT column_id FROM gerrydb.column_ref WHERE namespace_id = $1 AND path = $2`,
			namespaceID, p,
		).Scan(&colID); err != nil {
			return nil, &kernelerr.NotFoundError{Resource: "column_ref", Key: p}
		}
		if seen[colID] {
			dupes = append(dupes, p)
			continue
		}
		seen[colID] = true
		colIDs[i] = colID
	}
	if len(dupes) > 0 {
		return nil, &kernelerr.InvariantError{Op: "column.CreateSet", Reason: "refs resolve to the same column: " + fmt.Sprint(dupes)}
	}

	cs := &ColumnSet{NamespaceID: namespaceID, Path: path, ColumnIDs: colIDs}
	if err := s.pool.QueryRow(ctx, `
		INSERT INTO gerrydb.column_set (namespace_id, path, meta_id) VALUES ($1, $2, $3) RETURNING id`,
		namespaceID, path, metaID,
	).Scan(&cs.ID); err != nil {
		return nil, eris.Wrap(err, "column: create set: insert column_set")
	}

	for ord, colID := range colIDs {
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO gerrydb.column_set_member (column_set_id, column_id, ordinal) VALUES ($1, $2, $3)`,
			cs.ID, colID, ord,
		); err != nil {
			return nil, eris.Wrapf(err, "column: create set: insert member %d", colID)
		}
	}

	if _, err := etag.BumpTx(ctx, s.pool, etag.CollectionColumnSets, &namespaceID); err != nil {
		return nil, err
	}

	return cs, nil
}

// ExpandSets resolves one column-set id into its ordered member column
// ids, used by the view composer to expand ViewTemplate members.
func (s *Store) ExpandSets(ctx context.Context, setID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT column_id FROM gerrydb.column_set_member WHERE column_set_id = $1 ORDER BY ordinal`, setID)
	if err != nil {
		return nil, eris.Wrapf(err, "column: expand set %d", setID)
	}
	defer rows.Close()

	var colIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "column: scan set member")
		}
		colIDs = append(colIDs, id)
	}
	return colIDs, rows.Err()
}

// SetNamespace returns the namespace a column set lives in, used by the
// view composer to reject cross-namespace template members that point at a
// private namespace.
func (s *Store) SetNamespace(ctx context.Context, setID int64) (int64, error) {
	var namespaceID int64
	if err := s.pool.QueryRow(ctx, `SELECT namespace_id FROM gerrydb.column_set WHERE id = $1`, setID).Scan(&namespaceID); err != nil {
		return 0, &kernelerr.NotFoundError{Resource: "column_set", Key: fmt.Sprintf("%d", setID)}
	}
	return namespaceID, nil
}

// ColumnPath returns the canonical path and namespace path for columnID,
// used by the view composer to build human-readable aliases.
func (s *Store) ColumnPath(ctx context.Context, columnID int64) (namespacePath, path string, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT n.path, cr.path
		FROM gerrydb.data_column c
		JOIN gerrydb.namespace n ON n.id = c.namespace_id
		JOIN gerrydb.column_ref cr ON cr.id = c.canonical_ref_id
		WHERE c.id = $1`,
		columnID,
	).Scan(&namespacePath, &path)
	if err != nil {
		return "", "", &kernelerr.NotFoundError{Resource: "data_column", Key: fmt.Sprintf("%d", columnID)}
	}
	return namespacePath, path, nil
}

// OpenValueCount returns the number of open-at-valid_at ColumnValue rows for
// columnID whose geo_id is in geoIDs, i.e. the rows the view composer must
// find exactly num_geos of for the column to be fully covered.
func (s *Store) OpenValueCount(ctx context.Context, columnID int64, geoIDs []int64, validAt time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM gerrydb.column_value
		WHERE col_id = $1 AND geo_id = ANY($2) AND valid_from <= $3 AND (valid_to IS NULL OR valid_to > $3)`,
		columnID, geoIDs, validAt,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "column: open value count for %d", columnID)
	}
	return n, nil
}

func (s *Store) insertValue(ctx context.Context, tx pgxTx, col *DataColumn, v GeoValue, now time.Time) error {
	var f *float64
	var i *int64
	var b *bool
	var str *string

	switch col.Type {
	case TypeFloat:
		val := v.Value.(float64)
		f = &val
	case TypeInt:
		val := v.Value.(int64)
		i = &val
	case TypeBool:
		val := v.Value.(bool)
		b = &val
	case TypeStr, TypeJSON:
		val := v.Value.(string)
		str = &val
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO gerrydb.column_value (col_id, geo_id, val_float, val_int, val_bool, val_str, valid_from, valid_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)`,
		col.ID, v.GeoID, f, i, b, str, now,
	)
	if err != nil {
		return eris.Wrapf(err, "column: set values: insert for geo %d", v.GeoID)
	}
	return nil
}

func (s *Store) loadCurrent(ctx context.Context, colID int64, geoIDs []int64) (map[int64]any, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT geo_id, val_float, val_int, val_bool, val_str FROM gerrydb.column_value
		WHERE col_id = $1 AND geo_id = ANY($2) AND valid_to IS NULL`,
		colID, geoIDs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "column: load current values")
	}
	defer rows.Close()

	out := make(map[int64]any)
	for rows.Next() {
		var geoID int64
		var f *float64
		var i *int64
		var b *bool
		var str *string
		if err := rows.Scan(&geoID, &f, &i, &b, &str); err != nil {
			return nil, eris.Wrap(err, "column: scan current value")
		}
		out[geoID] = firstNonNil(f, i, b, str)
	}
	return out, rows.Err()
}

func firstNonNil(f *float64, i *int64, b *bool, str *string) any {
	switch {
	case f != nil:
		return *f
	case i != nil:
		return *i
	case b != nil:
		return *b
	case str != nil:
		return *str
	default:
		return nil
	}
}

func valuesEqual(old, next any) bool {
	return old == next
}

// typeCheck validates every value against col's declared type, promoting
// int to float64 silently for float columns, and returns the normalized
// batch plus one ColumnValueTypeRowError per failing row.
func typeCheck(col *DataColumn, values []GeoValue) ([]GeoValue, []kernelerr.ColumnValueTypeRowError) {
	out := make([]GeoValue, 0, len(values))
	var errs []kernelerr.ColumnValueTypeRowError

	for _, v := range values {
		switch col.Type {
		case TypeFloat:
			switch n := v.Value.(type) {
			case float64:
				out = append(out, v)
			case int64:
				out = append(out, GeoValue{GeoID: v.GeoID, Value: float64(n)})
			default:
				errs = append(errs, kernelerr.ColumnValueTypeRowError{GeoPath: fmt.Sprintf("%d", v.GeoID), Reason: "expected float"})
			}
		case TypeInt:
			if _, ok := v.Value.(int64); ok {
				out = append(out, v)
			} else {
				errs = append(errs, kernelerr.ColumnValueTypeRowError{GeoPath: fmt.Sprintf("%d", v.GeoID), Reason: "expected int"})
			}
		case TypeBool:
			if _, ok := v.Value.(bool); ok {
				out = append(out, v)
			} else {
				errs = append(errs, kernelerr.ColumnValueTypeRowError{GeoPath: fmt.Sprintf("%d", v.GeoID), Reason: "expected bool"})
			}
		case TypeStr, TypeJSON:
			if _, ok := v.Value.(string); ok {
				out = append(out, v)
			} else {
				errs = append(errs, kernelerr.ColumnValueTypeRowError{GeoPath: fmt.Sprintf("%d", v.GeoID), Reason: "expected string"})
			}
		}
	}

	return out, errs
}
