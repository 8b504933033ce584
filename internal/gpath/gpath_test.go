package gpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mggg/gerrydb/internal/kernelerr"
)

func TestNormalize_LowercasesAllSegmentsByDefault(t *testing.T) {
	p, err := Normalize("/Census/TX//BG/", false)
	require.NoError(t, err)
	assert.Equal(t, "census/tx/bg", p)
}

func TestNormalize_PreservesLastSegmentCaseWhenRequested(t *testing.T) {
	p, err := Normalize("Census/TX/48001950100", true)
	require.NoError(t, err)
	assert.Equal(t, "census/tx/48001950100", p)
}

func TestNormalize_PreservesLastSegmentCaseMixedCase(t *testing.T) {
	p, err := Normalize("Census/TX/Block48A", true)
	require.NoError(t, err)
	assert.Equal(t, "census/tx/Block48A", p)
}

func TestNormalize_RejectsDotDot(t *testing.T) {
	_, err := Normalize("../../etc", false)
	require.Error(t, err)
	var badReq *kernelerr.BadRequestError
	assert.ErrorAs(t, err, &badReq)
}

func TestNormalize_RejectsSpace(t *testing.T) {
	_, err := Normalize("a b", false)
	require.Error(t, err)
	var badReq *kernelerr.BadRequestError
	assert.ErrorAs(t, err, &badReq)
}

func TestNormalize_RejectsSemicolon(t *testing.T) {
	_, err := Normalize("a;drop", false)
	require.Error(t, err)
	var badReq *kernelerr.BadRequestError
	assert.ErrorAs(t, err, &badReq)
}
