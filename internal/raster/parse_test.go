package raster

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/mohammed-shakir/geo-align/internal/crs"
)

func TestMain(m *testing.M) {
	godal.RegisterAll()
	os.Exit(m.Run())
}

func writeRaster(t *testing.T, path string, epsg int, gt [6]float64, cols, rows, bands int) {
	t.Helper()
	ds, err := godal.Create(godal.GTiff, path, bands, godal.Byte, cols, rows)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	if err := ds.SetGeoTransform(gt); err != nil {
		t.Fatalf("set geotransform: %v", err)
	}
	if epsg != 0 {
		sr, err := godal.NewSpatialRefFromEPSG(epsg)
		if err != nil {
			t.Fatalf("srs from epsg %d: %v", epsg, err)
		}
		if err := ds.SetSpatialRef(sr); err != nil {
			t.Fatalf("set srs: %v", err)
		}
	}
	if err := ds.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}

func TestParseSingleRaster(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tile.tif")
	writeRaster(t, path, 32633, [6]float64{500000, 10, 0, 4000000, 0, -10}, 100, 100, 3)

	records, coverage, err := Parse([]string{path}, nil, Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	rec := records[0]
	if rec.Cols != 100 || rec.Rows != 100 || rec.BandCount != 3 {
		t.Fatalf("size = %dx%d bands %d", rec.Cols, rec.Rows, rec.BandCount)
	}
	if rec.Resolution != [2]float64{10, -10} || rec.Skew != [2]float64{0, 0} {
		t.Fatalf("resolution %v skew %v", rec.Resolution, rec.Skew)
	}
	if rec.DataType != godal.Byte {
		t.Fatalf("data type = %s", rec.DataType)
	}
	wantExtent := [4]orb.Point{
		{500000, 4000000}, {500000, 3999000}, {501000, 3999000}, {501000, 4000000},
	}
	if rec.Extent != wantExtent {
		t.Fatalf("extent = %v", rec.Extent)
	}
	if rec.ReprojPath != "" {
		t.Fatalf("unexpected reproj path %q", rec.ReprojPath)
	}
	og := rec.OffsetGeoTransform.Params()
	if og != [6]float64{0, 10, 0, 0, 0, -10} {
		t.Fatalf("offset geotransform = %v", og)
	}
	if got := math.Abs(planar.Area(coverage)); math.Abs(got-1e6) > 1 {
		t.Fatalf("coverage area = %g", got)
	}
}

func TestParseFiltersReprojOutputs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tile.tif")
	writeRaster(t, path, 32633, [6]float64{0, 1, 0, 0, 0, -1}, 10, 10, 1)

	// The suffixed path does not even exist; it must be skipped, not opened.
	records, _, err := Parse([]string{path, path + ReprojSuffix}, nil, Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(records) != 1 || records[0].Path != path {
		t.Fatalf("records = %+v", records)
	}
}

func TestParseEmptyAfterFilter(t *testing.T) {
	records, coverage, err := Parse([]string{"a" + ReprojSuffix}, nil, Options{})
	if err != nil || records != nil || coverage != nil {
		t.Fatalf("Parse = %v, %v, %v", records, coverage, err)
	}
}

func TestParseOpenFailure(t *testing.T) {
	_, _, err := Parse([]string{filepath.Join(t.TempDir(), "missing.tif")}, nil, Options{})
	if !errors.Is(err, ErrRasterOpen) {
		t.Fatalf("err = %v, want ErrRasterOpen", err)
	}
}

func TestParseMissingSRS(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nosrs.tif")
	writeRaster(t, path, 0, [6]float64{0, 1, 0, 0, 0, -1}, 8, 8, 1)

	if _, _, err := Parse([]string{path}, nil, Options{}); !errors.Is(err, ErrMissingSRS) {
		t.Fatalf("err = %v, want ErrMissingSRS", err)
	}

	target, err := crs.FromEPSG(32633)
	if err != nil {
		t.Fatalf("FromEPSG: %v", err)
	}
	records, _, err := Parse([]string{path}, target, Options{})
	if err != nil {
		t.Fatalf("Parse with fallback: %v", err)
	}
	rec := records[0]
	if !rec.SRS.IsSame(target) {
		t.Fatalf("fallback SRS not applied")
	}
	// Fallback SRS means no reprojection: local and target ROI agree.
	if rec.TargetROI.GeoJSONType() != "Polygon" {
		t.Fatalf("target roi type %s", rec.TargetROI.GeoJSONType())
	}
	if rec.TargetROI.Bound() != rec.LocalROI.Bound() {
		t.Fatalf("target roi %v != local roi %v", rec.TargetROI.Bound(), rec.LocalROI.Bound())
	}
}

func TestParseTransformsROIIntoTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "utm.tif")
	writeRaster(t, path, 32633, [6]float64{500000, 10, 0, 4000000, 0, -10}, 50, 50, 1)

	target, err := crs.FromEPSG(4326)
	if err != nil {
		t.Fatalf("FromEPSG(4326): %v", err)
	}
	records, coverage, err := Parse([]string{path}, target, Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rec := records[0]
	if rec.TargetROI.Bound() == rec.LocalROI.Bound() {
		t.Fatalf("target roi was not reprojected")
	}
	if coverage == nil {
		t.Fatalf("nil coverage")
	}

	// Mapping the target ROI back into the native system must restore the
	// original corners within float tolerance.
	back, err := crs.NewTransform(target, rec.SRS)
	if err != nil {
		t.Fatalf("NewTransform back: %v", err)
	}
	defer back.Close()
	restored, err := back.TransformGeometry(rec.TargetROI)
	if err != nil {
		t.Fatalf("TransformGeometry: %v", err)
	}
	rb, lb := restored.Bound(), rec.LocalROI.Bound()
	if math.Abs(rb.Min[0]-lb.Min[0]) > 1e-3 || math.Abs(rb.Min[1]-lb.Min[1]) > 1e-3 ||
		math.Abs(rb.Max[0]-lb.Max[0]) > 1e-3 || math.Abs(rb.Max[1]-lb.Max[1]) > 1e-3 {
		t.Fatalf("round trip bounds %v != %v", rb, lb)
	}
}

func TestParseMaterializesReprojection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "utm.tif")
	writeRaster(t, path, 32633, [6]float64{500000, 10, 0, 4000000, 0, -10}, 32, 32, 1)

	target, err := crs.FromEPSG(4326)
	if err != nil {
		t.Fatalf("FromEPSG(4326): %v", err)
	}
	records, _, err := Parse([]string{path}, target, Options{Reproject: true})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rec := records[0]
	if rec.ReprojPath != path+ReprojSuffix {
		t.Fatalf("reproj path = %q", rec.ReprojPath)
	}
	if !rec.ReprojCreated {
		t.Fatal("first run should report the reprojection as freshly written")
	}
	fi, err := os.Stat(rec.ReprojPath)
	if err != nil {
		t.Fatalf("stat reprojection: %v", err)
	}

	// A second run must treat the existing file as done and leave it alone.
	records2, _, err := Parse([]string{path}, target, Options{Reproject: true})
	if err != nil {
		t.Fatalf("second Parse: %v", err)
	}
	if records2[0].ReprojCreated {
		t.Fatal("second run should not report a fresh write")
	}
	fi2, err := os.Stat(rec.ReprojPath)
	if err != nil {
		t.Fatalf("stat after second run: %v", err)
	}
	if !fi2.ModTime().Equal(fi.ModTime()) {
		t.Fatalf("reprojection rewritten on repeat run")
	}
}

func TestCoverageMonotonicity(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.tif")
	b := filepath.Join(dir, "b.tif")
	writeRaster(t, a, 32633, [6]float64{0, 1, 0, 100, 0, -1}, 100, 100, 1)
	writeRaster(t, b, 32633, [6]float64{500, 1, 0, 100, 0, -1}, 100, 100, 1)

	_, covA, err := Parse([]string{a}, nil, Options{})
	if err != nil {
		t.Fatalf("Parse a: %v", err)
	}
	_, covAB, err := Parse([]string{a, b}, nil, Options{})
	if err != nil {
		t.Fatalf("Parse a+b: %v", err)
	}
	areaA := math.Abs(planar.Area(covA))
	areaAB := math.Abs(planar.Area(covAB))
	if areaAB < areaA {
		t.Fatalf("coverage shrank: %g -> %g", areaA, areaAB)
	}
	if covAB.GeoJSONType() != "MultiPolygon" {
		t.Fatalf("disjoint tiles should union to MultiPolygon, got %s", covAB.GeoJSONType())
	}
}
