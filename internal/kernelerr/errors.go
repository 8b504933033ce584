// Package kernelerr defines the error taxonomy every kernel package returns
// through, so callers (eventually the HTTP transport) can branch on kind
// with errors.As instead of string matching.
package kernelerr

import "fmt"

// NotFoundError signals a resource that is missing or hidden by
// authorization; the two are indistinguishable by design for private
// namespaces.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

// ForbiddenError signals a resource that exists but the caller lacks scope
// for, used only where existence itself is not a secret.
type ForbiddenError struct {
	Scope     string
	Namespace string
}

func (e *ForbiddenError) Error() string {
	if e.Namespace == "" {
		return fmt.Sprintf("missing scope %q", e.Scope)
	}
	return fmt.Sprintf("missing scope %q on namespace %q", e.Scope, e.Namespace)
}

// BadRequestError signals a malformed identifier, invalid UUID, invalid
// path, or wrong path-segment count.
type BadRequestError struct {
	Field  string
	Reason string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("bad request: %s: %s", e.Field, e.Reason)
}

// InvariantError signals a domain invariant violated by an otherwise
// well-formed request: unknown parent, duplicate canonical path,
// cross-namespace GeoSet, empty polygon without opt-in, future valid_at,
// graph/view mismatch, quota exceeded.
type InvariantError struct {
	Op     string
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// BulkError is the list-valued variant of InvariantError for bulk
// create/patch operations, carrying every offending path instead of just
// the first.
type BulkError struct {
	Op    string
	Paths []string
}

func (e *BulkError) Error() string {
	return fmt.Sprintf("%s: %d offending path(s): %v", e.Op, len(e.Paths), e.Paths)
}

// ColumnValueTypeRowError is one row's type mismatch within a ColumnValueTypeError batch.
type ColumnValueTypeRowError struct {
	GeoPath string
	Reason  string
}

// ColumnValueTypeError carries every row of a set_values batch that failed
// the column's declared type check.
type ColumnValueTypeError struct {
	Column string
	Rows   []ColumnValueTypeRowError
}

func (e *ColumnValueTypeError) Error() string {
	return fmt.Sprintf("column %q: %d value(s) failed type check", e.Column, len(e.Rows))
}

// ViewConflictError signals a cross-namespace geometry-hash mismatch found
// while resolving a view, naming every conflicting column.
type ViewConflictError struct {
	Columns []string
}

func (e *ViewConflictError) Error() string {
	return fmt.Sprintf("view conflict: geometry mismatch affecting columns %v", e.Columns)
}

// RenderError signals the external bulk extractor failed, or its output's
// row-count checksum did not match the view's num_geos.
type RenderError struct {
	Reason string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render: %s", e.Reason)
}
