// Package feature parses GeoJSON-style feature collections, reprojects
// geometries into a target SRS, and filters or clips them against a region
// of interest.
package feature

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geo-align/internal/crs"
	"github.com/mohammed-shakir/geo-align/internal/geo"
)

var (
	// ErrInvalidFeatureCollection marks input that is not a mapping with a
	// features list.
	ErrInvalidFeatureCollection = errors.New("invalid feature collection")

	// ErrUnsupportedGeometry marks a geometry type other than Polygon or
	// MultiPolygon. Unexpected types fail the call instead of being skipped.
	ErrUnsupportedGeometry = errors.New("unsupported geometry type")

	// ErrMalformedGeometry marks coordinates that do not match their
	// declared type: a polygon with holes or missing vertices, positions
	// that are not [x,y] pairs.
	ErrMalformedGeometry = errors.New("malformed geometry")

	// ErrInvalidGeometry marks a topologically invalid multipolygon.
	ErrInvalidGeometry = errors.New("invalid geometry")

	// ErrUnexpectedClipResult marks a clip whose intersection degenerated
	// below Polygon/MultiPolygon.
	ErrUnexpectedClipResult = errors.New("unexpected clip result")
)

// Feature is one kept entry of a collection. Geometry is in the target SRS
// when one was supplied; id and properties pass through untouched.
type Feature struct {
	Type       string // final geometry type name, after any clipping
	Geometry   orb.Geometry
	ID         json.RawMessage
	Properties json.RawMessage
}

// Options tunes a Parse call.
type Options struct {
	// Target reprojects geometries when it differs from the collection CRS.
	Target *crs.SRS
	// ROI filters features. Nil keeps everything.
	ROI orb.Geometry
	// AllowOutlying keeps features that merely intersect the ROI; otherwise
	// only fully contained features survive.
	AllowOutlying bool
	// ClipOutlying replaces kept geometries with their ROI intersection.
	ClipOutlying bool
}

type rawGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

type rawFeature struct {
	ID         json.RawMessage `json:"id"`
	Geometry   *rawGeometry    `json:"geometry"`
	Properties json.RawMessage `json:"properties"`
}

type rawCollection struct {
	CRS      json.RawMessage    `json:"crs"`
	SRS      json.RawMessage    `json:"srs"`
	Features *[]json.RawMessage `json:"features"`
}

// Parse validates and filters a feature collection. Features come back in
// input order; any per-feature failure aborts the whole call.
func Parse(doc []byte, opts Options) ([]Feature, error) {
	var col rawCollection
	if err := json.Unmarshal(doc, &col); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFeatureCollection, err)
	}
	if col.Features == nil {
		return nil, fmt.Errorf("%w: missing features list", ErrInvalidFeatureCollection)
	}

	crsRaw := col.CRS
	if len(crsRaw) == 0 || string(crsRaw) == "null" {
		crsRaw = col.SRS
	}
	if len(crsRaw) == 0 || string(crsRaw) == "null" {
		return nil, fmt.Errorf("%w: collection carries no crs/srs descriptor", crs.ErrUnsupportedCRS)
	}
	origin, err := crs.Parse(crsRaw)
	if err != nil {
		return nil, err
	}
	trn, err := crs.NewTransform(origin, opts.Target)
	if err != nil {
		return nil, err
	}
	defer trn.Close()

	var kept []Feature
	for idx, rawFeat := range *col.Features {
		var ft rawFeature
		if err := json.Unmarshal(rawFeat, &ft); err != nil {
			return nil, fmt.Errorf("%w: feature %d: %v", ErrInvalidFeatureCollection, idx, err)
		}
		gtype := ""
		if ft.Geometry != nil {
			gtype = ft.Geometry.Type
		}

		var geom orb.Geometry
		switch gtype {
		case "Polygon":
			geom, err = decodePolygon(ft.Geometry.Coordinates)
		case "MultiPolygon":
			geom, err = decodeMultiPolygon(ft.Geometry.Coordinates)
		default:
			return nil, fmt.Errorf("%w: feature %d has type %q", ErrUnsupportedGeometry, idx, gtype)
		}
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", idx, err)
		}
		if gtype == "MultiPolygon" {
			ok, verr := geo.IsValid(geom)
			if verr != nil {
				return nil, fmt.Errorf("feature %d: %w", idx, verr)
			}
			if !ok {
				return nil, fmt.Errorf("%w: feature %d multipolygon is self-intersecting or badly nested",
					ErrInvalidGeometry, idx)
			}
		}

		if trn != nil {
			geom, err = trn.TransformGeometry(geom)
			if err != nil {
				return nil, fmt.Errorf("feature %d: %w", idx, err)
			}
		}

		if opts.ROI != nil {
			var keep bool
			if opts.AllowOutlying {
				keep, err = geo.Intersects(opts.ROI, geom)
			} else {
				keep, err = geo.Contains(opts.ROI, geom)
			}
			if err != nil {
				return nil, fmt.Errorf("feature %d: %w", idx, err)
			}
			if !keep {
				continue
			}
			if opts.ClipOutlying {
				clipped, cerr := geo.Intersection(opts.ROI, geom)
				if cerr != nil {
					return nil, fmt.Errorf("feature %d: %w", idx, cerr)
				}
				switch clipped.(type) {
				case orb.Polygon, orb.MultiPolygon:
				default:
					return nil, fmt.Errorf("%w: feature %d clipped down to %s",
						ErrUnexpectedClipResult, idx, clipped.GeoJSONType())
				}
				geom = clipped
			}
		}

		kept = append(kept, Feature{
			Type:       geom.GeoJSONType(),
			Geometry:   geom,
			ID:         ft.ID,
			Properties: ft.Properties,
		})
	}
	return kept, nil
}

// decodePolygon enforces the single-ring shape: exactly one ring of at
// least 4 strict [x,y] pairs.
func decodePolygon(raw json.RawMessage) (orb.Geometry, error) {
	var rings [][][]float64
	if err := json.Unmarshal(raw, &rings); err != nil {
		return nil, fmt.Errorf("%w: polygon coordinates: %v", ErrMalformedGeometry, err)
	}
	if len(rings) != 1 {
		return nil, fmt.Errorf("%w: polygon must carry exactly one ring, has %d", ErrMalformedGeometry, len(rings))
	}
	if len(rings[0]) < 4 {
		return nil, fmt.Errorf("%w: polygon ring has %d positions, need at least 4", ErrMalformedGeometry, len(rings[0]))
	}
	ring := make(orb.Ring, 0, len(rings[0])+1)
	for _, pos := range rings[0] {
		if len(pos) != 2 {
			return nil, fmt.Errorf("%w: polygon positions must be [x,y] pairs", ErrMalformedGeometry)
		}
		ring = append(ring, orb.Point{pos[0], pos[1]})
	}
	return orb.Polygon{geo.CloseRing(ring)}, nil
}

// decodeMultiPolygon accepts the full nesting, holes included. Positions
// may carry a z value, which is dropped.
func decodeMultiPolygon(raw json.RawMessage) (orb.Geometry, error) {
	var polys [][][][]float64
	if err := json.Unmarshal(raw, &polys); err != nil {
		return nil, fmt.Errorf("%w: multipolygon coordinates: %v", ErrMalformedGeometry, err)
	}
	mp := make(orb.MultiPolygon, 0, len(polys))
	for _, rings := range polys {
		poly := make(orb.Polygon, 0, len(rings))
		for _, coords := range rings {
			ring := make(orb.Ring, 0, len(coords)+1)
			for _, pos := range coords {
				if len(pos) < 2 {
					return nil, fmt.Errorf("%w: multipolygon positions need x and y", ErrMalformedGeometry)
				}
				ring = append(ring, orb.Point{pos[0], pos[1]})
			}
			poly = append(poly, geo.CloseRing(ring))
		}
		mp = append(mp, poly)
	}
	return mp, nil
}
