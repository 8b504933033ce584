package geography

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_EmptyInputsNormalizeByKind(t *testing.T) {
	poly, err := Canonicalize(nil, KindPolygon)
	require.NoError(t, err)
	pt, err := Canonicalize(nil, KindPoint)
	require.NoError(t, err)

	assert.NotEqual(t, poly, pt)
	assert.Equal(t, Hash(poly), Hash(poly))
}

func TestCanonicalize_EmptyInputsAreIdempotent(t *testing.T) {
	a, err := Canonicalize([]byte{}, KindPolygon)
	require.NoError(t, err)
	b, err := Canonicalize(nil, KindPolygon)
	require.NoError(t, err)

	assert.Equal(t, Hash(a), Hash(b))
}

func TestCanonicalize_RejectsMalformedWKB(t *testing.T) {
	_, err := Canonicalize([]byte{0xde, 0xad, 0xbe, 0xef}, KindPolygon)
	require.Error(t, err)
}

func TestHash_StableForSameBytes(t *testing.T) {
	canon, err := Canonicalize(nil, KindPolygon)
	require.NoError(t, err)
	assert.Equal(t, Hash(canon), Hash(canon))
}
