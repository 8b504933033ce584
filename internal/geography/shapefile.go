package geography

import (
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
)

// ImportShapefile reads a shapefile and returns one Input per record, ready
// for Store.CreateBulk. pathField names the attribute column supplying each
// record's Geography path (e.g. a GEOID column); records with an empty or
// duplicate value for that field are skipped rather than rejected outright,
// since a raw shapefile frequently carries header/footer junk rows that
// CreateBulk's own duplicate-path check would otherwise choke on.
func ImportShapefile(shpPath, pathField string) ([]Input, error) {
	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "geography: open shapefile %s", shpPath)
	}
	defer reader.Close()

	fields := reader.Fields()
	fieldIdx := -1
	for i, f := range fields {
		if strings.EqualFold(strings.TrimRight(f.String(), "\x00"), pathField) {
			fieldIdx = i
			break
		}
	}
	if fieldIdx < 0 {
		return nil, eris.Errorf("geography: shapefile %s has no %q field", shpPath, pathField)
	}

	seen := make(map[string]bool)
	var inputs []Input
	for reader.Next() {
		_, shape := reader.Shape()
		path := strings.TrimSpace(strings.TrimRight(reader.Attribute(fieldIdx), "\x00"))
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true

		wkb, kind, err := shapeToWKB(shape)
		if err != nil {
			return nil, eris.Wrapf(err, "geography: encode shape for %s", path)
		}

		inputs = append(inputs, Input{Path: path, WKB: wkb, Kind: kind})
	}
	return inputs, nil
}

// shapeToWKB converts a go-shp geometry to WKB bytes (unstamped; CreateBulk
// calls Canonicalize to add the SRID before hashing) and the Kind used to
// normalize a missing shape.
func shapeToWKB(shape shp.Shape) ([]byte, Kind, error) {
	if shape == nil {
		return nil, KindPolygon, nil
	}

	var g geom.T
	kind := KindPolygon

	switch s := shape.(type) {
	case *shp.Point:
		g = geom.NewPointFlat(geom.XY, []float64{s.X, s.Y})
		kind = KindPoint
	case *shp.Polygon:
		g = polygonToMultiPolygon(s)
	default:
		return nil, KindPolygon, nil
	}
	if g == nil {
		return nil, kind, nil
	}

	data, err := wkb.Marshal(g, wkb.NDR)
	if err != nil {
		return nil, kind, eris.Wrap(err, "geography: marshal shapefile geometry to WKB")
	}
	return data, kind, nil
}

// polygonToMultiPolygon converts a shapefile polygon (possibly holding
// multiple disjoint rings across NumParts) to a single MultiPolygon.
func polygonToMultiPolygon(p *shp.Polygon) geom.T {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	mp := geom.NewMultiPolygon(geom.XY)
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		var end int32
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		} else {
			end = int32(len(p.Points))
		}

		flat := make([]float64, 0, (end-start)*2)
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}

		ring := geom.NewLinearRingFlat(geom.XY, flat)
		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(ring); err != nil {
			continue
		}
		if err := mp.Push(poly); err != nil {
			continue
		}
	}
	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}
