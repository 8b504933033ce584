package kernelerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotFoundError_As(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &NotFoundError{Resource: "namespace", Key: "secret-ns"})

	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))
	assert.Equal(t, "namespace", nf.Resource)
	assert.Contains(t, err.Error(), `"secret-ns" not found`)
}

func TestForbiddenError_GlobalVsNamespace(t *testing.T) {
	global := &ForbiddenError{Scope: "namespace:create"}
	assert.Equal(t, `missing scope "namespace:create"`, global.Error())

	scoped := &ForbiddenError{Scope: "locality:write", Namespace: "census"}
	assert.Contains(t, scoped.Error(), "census")
	assert.Contains(t, scoped.Error(), "locality:write")
}

func TestBulkError_ListsPaths(t *testing.T) {
	err := &BulkError{Op: "geography.CreateBulk", Paths: []string{"a", "b", "c"}}
	assert.Contains(t, err.Error(), "3 offending path")
	assert.Contains(t, err.Error(), "[a b c]")
}

func TestColumnValueTypeError(t *testing.T) {
	err := &ColumnValueTypeError{
		Column: "pop",
		Rows: []ColumnValueTypeRowError{
			{GeoPath: "a", Reason: "expected int, got string"},
			{GeoPath: "b", Reason: "expected int, got bool"},
		},
	}
	assert.Contains(t, err.Error(), "pop")
	assert.Contains(t, err.Error(), "2 value(s)")
}

func TestViewConflictError(t *testing.T) {
	err := &ViewConflictError{Columns: []string{"pop", "vap"}}
	assert.Contains(t, err.Error(), "pop")
	assert.Contains(t, err.Error(), "vap")
}

func TestRenderError_Unwraps(t *testing.T) {
	inner := errors.New("extractor exited 1")
	wrapped := fmt.Errorf("render failed: %w", &RenderError{Reason: inner.Error()})

	var re *RenderError
	assert.True(t, errors.As(wrapped, &re))
	assert.Contains(t, re.Error(), "extractor exited 1")
}
