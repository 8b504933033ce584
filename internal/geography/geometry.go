package geography

import (
	"crypto/md5"
	"encoding/hex"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/wkb"
)

// SRID is the fixed spatial reference every GeoBin is canonicalized to
// before hashing, regardless of the SRID the caller's WKB carried.
const SRID = 4269

// Kind discriminates the canonical empty geometry used to normalize a
// missing shape, since an empty polygon and an empty point must not
// collapse onto the same GeoBin hash as each other.
type Kind string

const (
	KindPolygon Kind = "polygon"
	KindPoint   Kind = "point"
)

var (
	emptyPolygonEWKB []byte
	emptyPointEWKB   []byte
)

func init() {
	poly := geom.NewPolygon(geom.XY).SetSRID(SRID)
	b, err := ewkb.Marshal(poly, ewkb.NDR)
	if err != nil {
		panic(err)
	}
	emptyPolygonEWKB = b

	pt := geom.NewPointEmpty(geom.XY).SetSRID(SRID)
	b, err = ewkb.Marshal(pt, ewkb.NDR)
	if err != nil {
		panic(err)
	}
	emptyPointEWKB = b
}

// setSRID re-stamps a parsed geometry with SRID, since go-geom's SetSRID is
// defined per concrete type rather than on the geom.T interface.
func setSRID(g geom.T, srid int) geom.T {
	switch v := g.(type) {
	case *geom.Point:
		return v.SetSRID(srid)
	case *geom.LineString:
		return v.SetSRID(srid)
	case *geom.Polygon:
		return v.SetSRID(srid)
	case *geom.MultiPoint:
		return v.SetSRID(srid)
	case *geom.MultiLineString:
		return v.SetSRID(srid)
	case *geom.MultiPolygon:
		return v.SetSRID(srid)
	case *geom.GeometryCollection:
		return v.SetSRID(srid)
	default:
		return g
	}
}

// Canonicalize re-encodes raw WKB as EWKB stamped with SRID, normalizing an
// empty input to the canonical empty geometry for kind so that every
// "missing" shape of that kind hashes identically.
func Canonicalize(raw []byte, kind Kind) ([]byte, error) {
	if len(raw) == 0 {
		return canonicalEmpty(kind), nil
	}

	g, err := wkb.Unmarshal(raw)
	if err != nil {
		return nil, eris.Wrap(err, "geography: parse WKB")
	}
	g = setSRID(g, SRID)

	out, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "geography: marshal EWKB")
	}
	return out, nil
}

func canonicalEmpty(kind Kind) []byte {
	if kind == KindPoint {
		return emptyPointEWKB
	}
	return emptyPolygonEWKB
}

// Hash returns the hex MD5 digest of canonical (SRID-stamped) EWKB bytes,
// the GeoBin's content-addressing key.
func Hash(canonical []byte) string {
	sum := md5.Sum(canonical)
	return hex.EncodeToString(sum[:])
}
