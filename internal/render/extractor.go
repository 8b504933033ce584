package render

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/rotisserie/eris"
)

// Extractor runs the external bulk-extraction tool that turns a
// RenderPlan's SQL queries into a GeoPackage file.
type Extractor interface {
	// Extract runs the extractor against dsn using geoQuery/pointQuery and
	// writes a GeoPackage to outPath, naming the geography layer viewPath
	// and the internal-point layer viewPath+"__internal_points",
	// reprojecting into targetSRS when non-empty. It returns the number of
	// features in the geography layer and fails if the internal-point
	// layer holds a different number.
	Extract(ctx context.Context, dsn, geoQuery, pointQuery, outPath, viewPath, targetSRS string) (rowCount int, err error)
}

// OGRExtractor shells out to ogr2ogr, the bulk extractor that turns a
// PostGIS query into a GeoPackage layer.
type OGRExtractor struct {
	binPath string
}

// NewOGRExtractor creates an OGRExtractor. If binPath is empty, "ogr2ogr"
// is used.
func NewOGRExtractor(binPath string) *OGRExtractor {
	if binPath == "" {
		binPath = "ogr2ogr"
	}
	return &OGRExtractor{binPath: binPath}
}

// Extract invokes ogr2ogr to materialize geoQuery as the layer named
// viewPath in the output GeoPackage, then appends pointQuery as
// viewPath+"__internal_points". When targetSRS is non-empty, both layers
// are reprojected via -t_srs. Both layers' feature counts are read back
// with ogrinfo.
func (e *OGRExtractor) Extract(ctx context.Context, dsn, geoQuery, pointQuery, outPath, viewPath, targetSRS string) (int, error) {
	pointLayer := viewPath + "__internal_points"
	if err := e.run(ctx, outPath, dsn, geoQuery, viewPath, false, targetSRS); err != nil {
		return 0, err
	}
	if err := e.run(ctx, outPath, dsn, pointQuery, pointLayer, true, targetSRS); err != nil {
		return 0, err
	}

	count, err := countFeatures(ctx, e.binPath, outPath, viewPath)
	if err != nil {
		return 0, err
	}
	pointCount, err := countFeatures(ctx, e.binPath, outPath, pointLayer)
	if err != nil {
		return 0, err
	}
	if pointCount != count {
		return 0, eris.Errorf("render: internal-point layer has %d features, geography layer has %d", pointCount, count)
	}
	return count, nil
}

func (e *OGRExtractor) run(ctx context.Context, outPath, dsn, query, layerName string, update bool, targetSRS string) error {
	args := []string{"-f", "GPKG", outPath, dsn, "-sql", query, "-nln", layerName}
	if update {
		args = append(args, "-update")
	}
	if targetSRS != "" {
		args = append(args, "-t_srs", targetSRS)
	}
	cmd := exec.CommandContext(ctx, e.binPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return eris.Wrapf(err, "render: ogr2ogr failed for layer %s: %s", layerName, stderr.String())
	}
	return nil
}

func countFeatures(ctx context.Context, binPath, outPath, layerName string) (int, error) {
	cmd := exec.CommandContext(ctx, "ogrinfo", "-al", "-so", outPath, layerName)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, eris.Wrapf(err, "render: ogrinfo failed: %s", stderr.String())
	}
	return parseFeatureCount(stdout.String())
}
