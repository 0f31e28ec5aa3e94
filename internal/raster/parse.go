// Package raster extracts alignment metadata from raster datasets: per-file
// geometry, SRS and extent, optional reprojection, and the coverage union
// across a batch.
package raster

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geo-align/internal/crs"
	"github.com/mohammed-shakir/geo-align/internal/geo"
)

var (
	// ErrRasterOpen marks a dataset that could not be opened read-only.
	ErrRasterOpen = errors.New("cannot open raster")

	// ErrMixedBandType marks a dataset whose bands do not share one data type.
	ErrMixedBandType = errors.New("mixed band data types")

	// ErrMissingSRS marks a dataset without embedded SRS metadata when no
	// target SRS was supplied as a fallback.
	ErrMissingSRS = errors.New("missing raster srs")
)

// ReprojSuffix is appended to a raster path to form its reprojection output
// path. Presence of that file marks a completed reprojection, and paths
// carrying the suffix are excluded from raw scans.
const ReprojSuffix = ".reproj.tif"

// Record is the alignment metadata of one raster. Built once by Parse and
// read-only afterwards; no pixel data is retained.
type Record struct {
	SRS                *crs.SRS
	GeoTransform       geo.GeoTransform
	OffsetGeoTransform geo.GeoTransform // same scale and skew, zero origin
	Extent             [4]orb.Point     // tl, bl, br, tr
	Skew               [2]float64
	Resolution         [2]float64
	BandCount          int
	Cols, Rows         int
	DataType           godal.DataType
	LocalROI           orb.Polygon
	TargetROI          orb.Geometry
	Path               string
	ReprojPath         string // empty unless reprojection was requested
	ReprojCreated      bool   // true when this run wrote the file
}

// Options tunes a Parse call.
type Options struct {
	// Reproject materializes <path>.reproj.tif for rasters whose SRS
	// differs from the target, unless the file already exists.
	Reproject bool
	Logger    *slog.Logger
}

// Parse extracts a Record per raster path and unions all target ROIs into
// one coverage geometry. Any per-file failure aborts the whole call: a
// partially aligned batch is worse than no batch. Coverage is nil when no
// path survives the reprojection-suffix filter.
func Parse(paths []string, target *crs.SRS, opts Options) ([]Record, orb.Geometry, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	var records []Record
	var rois []orb.Geometry
	for _, path := range paths {
		if strings.HasSuffix(path, ReprojSuffix) {
			continue
		}
		rec, err := parseOne(path, target, opts.Reproject, log)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, rec)
		rois = append(rois, rec.TargetROI)
	}
	if len(records) == 0 {
		return nil, nil, nil
	}

	coverage, err := geo.Union(rois)
	if err != nil {
		return nil, nil, fmt.Errorf("union coverage: %w", err)
	}
	return records, coverage, nil
}

func parseOne(path string, target *crs.SRS, reproject bool, log *slog.Logger) (rec Record, err error) {
	ds, err := godal.Open(path)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %q: %v", ErrRasterOpen, path, err)
	}
	defer func() {
		if cerr := ds.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close raster %q: %w", path, cerr)
		}
	}()

	rawGT, err := ds.GeoTransform()
	if err != nil {
		return Record{}, fmt.Errorf("read geotransform of %q: %w", path, err)
	}
	gt, err := geo.NewGeoTransform(rawGT)
	if err != nil {
		return Record{}, fmt.Errorf("raster %q: %w", path, err)
	}

	st := ds.Structure()
	bands := ds.Bands()
	if len(bands) == 0 {
		return Record{}, fmt.Errorf("%w: %q has no bands", ErrMixedBandType, path)
	}
	dtype := bands[0].Structure().DataType
	for i, b := range bands {
		if bt := b.Structure().DataType; bt != dtype {
			return Record{}, fmt.Errorf("%w: %q band %d is %s, band 1 is %s",
				ErrMixedBandType, path, i+1, bt, dtype)
		}
	}

	native, err := nativeSRS(ds, path, target)
	if err != nil {
		return Record{}, err
	}

	resX, resY := gt.Resolution()
	skewX, skewY := gt.Skew()
	extent := gt.WindowExtent(0, 0, float64(st.SizeX), float64(st.SizeY))
	localROI := geo.PolygonFromExtent(extent)
	log.Debug("raster metadata",
		"path", path, "cols", st.SizeX, "rows", st.SizeY, "bands", len(bands),
		"data_type", dtype.String(), "res_x", resX, "res_y", resY,
		"skew_x", skewX, "skew_y", skewY)

	offsetGT, err := geo.NewGeoTransform([6]float64{0, resX, skewX, 0, skewY, resY})
	if err != nil {
		return Record{}, fmt.Errorf("raster %q: %w", path, err)
	}

	rec = Record{
		SRS:                native,
		GeoTransform:       gt,
		OffsetGeoTransform: offsetGT,
		Extent:             extent,
		Skew:               [2]float64{skewX, skewY},
		Resolution:         [2]float64{resX, resY},
		BandCount:          len(bands),
		Cols:               st.SizeX,
		Rows:               st.SizeY,
		DataType:           dtype,
		LocalROI:           localROI,
		TargetROI:          localROI,
		Path:               path,
	}

	if target == nil || native.IsSame(target) {
		return rec, nil
	}

	trn, err := crs.NewTransform(native, target)
	if err != nil {
		return Record{}, fmt.Errorf("raster %q: %w", path, err)
	}
	defer trn.Close()
	targetROI, err := trn.TransformGeometry(localROI)
	if err != nil {
		return Record{}, fmt.Errorf("raster %q roi: %w", path, err)
	}
	rec.TargetROI = targetROI

	if reproject {
		rec.ReprojPath = path + ReprojSuffix
		created, err := materializeReprojection(ds, rec.ReprojPath, target, dtype, resX, resY, log)
		if err != nil {
			return Record{}, fmt.Errorf("reproject %q: %w", path, err)
		}
		rec.ReprojCreated = created
	}
	return rec, nil
}

// nativeSRS reads the embedded projection; absent or unknown metadata falls
// back to the caller-supplied target.
func nativeSRS(ds *godal.Dataset, path string, target *crs.SRS) (*crs.SRS, error) {
	proj := ds.Projection()
	if proj != "" && !strings.Contains(proj, "unknown") {
		srs, err := crs.FromWKT(proj)
		if err != nil {
			return nil, fmt.Errorf("parse embedded srs of %q: %w", path, err)
		}
		return srs, nil
	}
	if target == nil {
		return nil, fmt.Errorf("%w: %q has no embedded srs and no target was given", ErrMissingSRS, path)
	}
	return target, nil
}

// materializeReprojection warps the dataset into the target SRS at the
// conventional output path. The existing file is the completion marker:
// content is never re-checked, so repeated runs skip finished work. The
// returned bool reports whether this call wrote the file.
func materializeReprojection(ds *godal.Dataset, dst string, target *crs.SRS, dtype godal.DataType, resX, resY float64, log *slog.Logger) (bool, error) {
	if _, err := os.Stat(dst); err == nil {
		log.Debug("reprojection already materialized", "path", dst)
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat %q: %w", dst, err)
	}

	wkt, err := target.WKT()
	if err != nil {
		return false, err
	}
	switches := []string{
		"-of", "GTiff",
		"-t_srs", wkt,
		"-ot", dtype.String(),
		"-tr", formatRes(resX), formatRes(resY),
		"-wo", "NUM_THREADS=ALL_CPUS",
	}
	log.Info("reprojecting raster", "path", dst)
	start := time.Now()
	out, err := ds.Warp(dst, switches)
	if err != nil {
		return false, err
	}
	if err := out.Close(); err != nil {
		return false, fmt.Errorf("close %q: %w", dst, err)
	}
	log.Debug("reprojection done", "path", dst, "elapsed", time.Since(start))
	return true, nil
}

func formatRes(r float64) string {
	return strconv.FormatFloat(math.Abs(r), 'f', -1, 64)
}
