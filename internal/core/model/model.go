// Package model defines the wire-facing types shared across the service.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidBBox marks a bbox string that does not parse or fails the
// coordinate range checks.
var ErrInvalidBBox = errors.New("invalid bbox")

type BBox struct {
	X1, Y1 float64
	X2, Y2 float64
	SRID   string
}

// String representation matching wfs/wms bbox format
func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f,%s", b.X1, b.Y1, b.X2, b.Y2, b.SRID)
}

// ParseBBox reads the wire form "x1,y1,x2,y2,EPSG:4326". Only geographic
// bboxes are accepted here; projected selections arrive as polygons.
func ParseBBox(s string) (BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 5 {
		return BBox{}, fmt.Errorf("%w: expected 5 comma-separated values: x1,y1,x2,y2,EPSG:4326", ErrInvalidBBox)
	}
	xMin, err := parseFloat(parts[0])
	if err != nil {
		return BBox{}, fmt.Errorf("%w: x1: %v", ErrInvalidBBox, err)
	}
	yMin, err := parseFloat(parts[1])
	if err != nil {
		return BBox{}, fmt.Errorf("%w: y1: %v", ErrInvalidBBox, err)
	}
	xMax, err := parseFloat(parts[2])
	if err != nil {
		return BBox{}, fmt.Errorf("%w: x2: %v", ErrInvalidBBox, err)
	}
	yMax, err := parseFloat(parts[3])
	if err != nil {
		return BBox{}, fmt.Errorf("%w: y2: %v", ErrInvalidBBox, err)
	}

	srid := strings.ToUpper(strings.TrimSpace(parts[4]))
	if srid != "EPSG:4326" {
		return BBox{}, fmt.Errorf("%w: only EPSG:4326 is supported (got %q)", ErrInvalidBBox, srid)
	}

	if !(xMin >= -180 && xMin <= 180 && xMax >= -180 && xMax <= 180) {
		return BBox{}, fmt.Errorf("%w: longitude must be in [-180,180]", ErrInvalidBBox)
	}
	if !(yMin >= -90 && yMin <= 90 && yMax >= -90 && yMax <= 90) {
		return BBox{}, fmt.Errorf("%w: latitude must be in [-90,90]", ErrInvalidBBox)
	}
	if xMax <= xMin || yMax <= yMin {
		return BBox{}, fmt.Errorf("%w: coordinates must satisfy x2>x1 and y2>y1", ErrInvalidBBox)
	}
	return BBox{X1: xMin, Y1: yMin, X2: xMax, Y2: yMax, SRID: srid}, nil
}

func parseFloat(v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("parse float: %w", err)
	}
	return f, nil
}

type Polygon struct {
	GeoJSON string
}

type Cells []string

// FeatureQuery addresses a subset of a WFS layer.
type FeatureQuery struct {
	Layer   string
	BBox    *BBox
	Polygon *Polygon
	Filters string
}

// ScanRequest asks for metadata extraction over a batch of raster paths.
type ScanRequest struct {
	Paths     []string `json:"paths"`
	TargetSRS string   `json:"target_srs,omitempty"`
	Reproject *bool    `json:"reproject,omitempty"`
}

// RasterInfo is the wire form of one parsed raster record.
type RasterInfo struct {
	Path         string        `json:"path"`
	ReprojPath   string        `json:"reproj_path,omitempty"`
	SRSWKT       string        `json:"srs_wkt"`
	GeoTransform [6]float64    `json:"geotransform"`
	Resolution   [2]float64    `json:"resolution"`
	Skew         [2]float64    `json:"skew"`
	Cols         int           `json:"cols"`
	Rows         int           `json:"rows"`
	Bands        int           `json:"bands"`
	DataType     string        `json:"data_type"`
	Extent       [4][2]float64 `json:"extent"`
}

type ScanResponse struct {
	BatchID       string          `json:"batch_id"`
	Rasters       []RasterInfo    `json:"rasters"`
	Coverage      json.RawMessage `json:"coverage,omitempty"`
	CoverageCells Cells           `json:"coverage_cells,omitempty"`
	Cached        bool            `json:"cached"`
}

// ParseRequest carries a feature collection through reprojection and ROI
// filtering. The collection is either inlined or, when Layer is set, fetched
// from the upstream WFS using the bbox and CQL filters.
type ParseRequest struct {
	Collection    json.RawMessage `json:"collection,omitempty"`
	Layer         string          `json:"layer,omitempty"`
	BBox          string          `json:"bbox,omitempty"`
	Filters       string          `json:"filters,omitempty"`
	TargetSRS     string          `json:"target_srs,omitempty"`
	ROI           json.RawMessage `json:"roi,omitempty"`
	AllowOutlying bool            `json:"allow_outlying,omitempty"`
	ClipOutlying  bool            `json:"clip_outlying,omitempty"`
}

type ParseResponse struct {
	Collection json.RawMessage `json:"collection"`
	Kept       int             `json:"kept"`
	Dropped    int             `json:"dropped"`
}

// WindowRequest asks for a pixel crop window around a geometry.
type WindowRequest struct {
	Geometry  json.RawMessage `json:"geometry"`
	PixelSize [2]float64      `json:"pixel_size"`
	Skew      [2]float64      `json:"skew"`
	Buffer    *float64        `json:"buffer,omitempty"`
	PixelCrop int             `json:"pixel_crop,omitempty"`
	RealCrop  float64         `json:"real_crop,omitempty"`
}

type WindowResponse struct {
	ROI         json.RawMessage `json:"roi"`
	TopLeft     [2]float64      `json:"top_left"`
	BottomRight [2]float64      `json:"bottom_right"`
	Width       int             `json:"width"`
	Height      int             `json:"height"`
}
