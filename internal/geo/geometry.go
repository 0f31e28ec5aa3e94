package geo

import (
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/planar"
	"github.com/twpayne/go-geos"
)

// Boolean and constructive operations go through GEOS. A single
// process-wide context is shared; geosMu serializes access to it.
var (
	geosMu  sync.Mutex
	geosCtx = geos.NewContext()
)

// CloseRing appends the first vertex when the ring does not already end on
// it. GEOS and WKB consumers require closed linear rings.
func CloseRing(ring orb.Ring) orb.Ring {
	if len(ring) >= 2 && ring[0] != ring[len(ring)-1] {
		ring = append(ring, ring[0])
	}
	return ring
}

// PolygonFromExtent builds a closed polygon from four corner points, in the
// order produced by GeoTransform.WindowExtent.
func PolygonFromExtent(corners [4]orb.Point) orb.Polygon {
	return orb.Polygon{
		orb.Ring{corners[0], corners[1], corners[2], corners[3], corners[0]},
	}
}

func toGeos(g orb.Geometry) (*geos.Geom, error) {
	raw, err := wkb.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encode wkb: %w", err)
	}
	gg, err := geosCtx.NewGeomFromWKB(raw)
	if err != nil {
		return nil, fmt.Errorf("read wkb into geos: %w", err)
	}
	return gg, nil
}

func fromGeos(g *geos.Geom) (orb.Geometry, error) {
	out, err := wkb.Unmarshal(g.ToWKB())
	if err != nil {
		return nil, fmt.Errorf("read geos wkb: %w", err)
	}
	return out, nil
}

// Union folds the geometries into their set union: overlapping or adjacent
// polygons merge, disjoint ones come back as parts of a multipolygon.
func Union(gs []orb.Geometry) (orb.Geometry, error) {
	if len(gs) == 0 {
		return nil, fmt.Errorf("union of empty geometry set")
	}
	geosMu.Lock()
	defer geosMu.Unlock()
	acc, err := toGeos(gs[0])
	if err != nil {
		return nil, err
	}
	for _, g := range gs[1:] {
		next, err := toGeos(g)
		if err != nil {
			return nil, err
		}
		acc = acc.Union(next)
	}
	return fromGeos(acc)
}

// Intersects reports whether a and b share any point.
func Intersects(a, b orb.Geometry) (bool, error) {
	geosMu.Lock()
	defer geosMu.Unlock()
	ga, err := toGeos(a)
	if err != nil {
		return false, err
	}
	gb, err := toGeos(b)
	if err != nil {
		return false, err
	}
	return ga.Intersects(gb), nil
}

// Contains reports whether a fully contains b.
func Contains(a, b orb.Geometry) (bool, error) {
	geosMu.Lock()
	defer geosMu.Unlock()
	ga, err := toGeos(a)
	if err != nil {
		return false, err
	}
	gb, err := toGeos(b)
	if err != nil {
		return false, err
	}
	return ga.Contains(gb), nil
}

// Intersection returns the shared region of a and b.
func Intersection(a, b orb.Geometry) (orb.Geometry, error) {
	geosMu.Lock()
	defer geosMu.Unlock()
	ga, err := toGeos(a)
	if err != nil {
		return nil, err
	}
	gb, err := toGeos(b)
	if err != nil {
		return nil, err
	}
	return fromGeos(ga.Intersection(gb))
}

const bufferQuadSegs = 8

// Buffer grows (or shrinks, for negative distances) the geometry by the
// given distance in geometry units.
func Buffer(g orb.Geometry, distance float64) (orb.Geometry, error) {
	geosMu.Lock()
	defer geosMu.Unlock()
	gg, err := toGeos(g)
	if err != nil {
		return nil, err
	}
	return fromGeos(gg.Buffer(distance, bufferQuadSegs))
}

// IsValid reports topological validity (no self-intersection, proper ring
// nesting).
func IsValid(g orb.Geometry) (bool, error) {
	geosMu.Lock()
	defer geosMu.Unlock()
	gg, err := toGeos(g)
	if err != nil {
		return false, err
	}
	return gg.IsValid(), nil
}

// Centroid returns the area-weighted centroid.
func Centroid(g orb.Geometry) orb.Point {
	c, _ := planar.CentroidArea(g)
	return c
}
