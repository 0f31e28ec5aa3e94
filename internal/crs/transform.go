package crs

import (
	"fmt"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb"
)

// Transform maps coordinates from a source into a target reference system.
type Transform struct {
	trn *godal.Transform
}

// NewTransform builds a forward transform. It returns nil when src and dst
// already describe the same system: skipping the round trip avoids
// floating-point drift on coordinates that would not actually move.
func NewTransform(src, dst *SRS) (*Transform, error) {
	if src == nil || dst == nil || src.IsSame(dst) {
		return nil, nil
	}
	trn, err := godal.NewTransform(src.ref, dst.ref)
	if err != nil {
		return nil, fmt.Errorf("build transform: %w", err)
	}
	return &Transform{trn: trn}, nil
}

// Close releases the underlying transformation object. Safe on nil.
func (t *Transform) Close() {
	if t != nil && t.trn != nil {
		t.trn.Close()
		t.trn = nil
	}
}

// Apply maps each point independently, preserving order.
func (t *Transform) Apply(pts []orb.Point) ([]orb.Point, error) {
	if len(pts) == 0 {
		return nil, nil
	}
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, p := range pts {
		xs[i], ys[i] = p[0], p[1]
	}
	if err := t.trn.TransformEx(xs, ys, nil, nil); err != nil {
		return nil, fmt.Errorf("transform %d points: %w", len(pts), err)
	}
	out := make([]orb.Point, len(pts))
	for i := range out {
		out[i] = orb.Point{xs[i], ys[i]}
	}
	return out, nil
}

func (t *Transform) applyRing(r orb.Ring) (orb.Ring, error) {
	pts, err := t.Apply([]orb.Point(r))
	if err != nil {
		return nil, err
	}
	return orb.Ring(pts), nil
}

// TransformGeometry returns the geometry with every vertex mapped into the
// target system. Ring structure and vertex order are preserved.
func (t *Transform) TransformGeometry(g orb.Geometry) (orb.Geometry, error) {
	switch gg := g.(type) {
	case orb.Point:
		pts, err := t.Apply([]orb.Point{gg})
		if err != nil {
			return nil, err
		}
		return pts[0], nil
	case orb.Ring:
		return t.applyRing(gg)
	case orb.Polygon:
		out := make(orb.Polygon, len(gg))
		for i, ring := range gg {
			r, err := t.applyRing(ring)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(gg))
		for i, poly := range gg {
			p, err := t.TransformGeometry(poly)
			if err != nil {
				return nil, err
			}
			out[i] = p.(orb.Polygon)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("transform geometry: unsupported type %s", g.GeoJSONType())
	}
}
