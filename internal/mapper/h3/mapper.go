package h3mapper

import (
	"errors"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/geo-align/internal/core/model"
)

type Mapper struct{}

func New() *Mapper { return &Mapper{} }

func (m *Mapper) CellsForBBox(bb model.BBox, res int) (model.Cells, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	// Build a rectangular loop (lon,lat in EPSG:4326). v4 wants degrees.
	outer := h3.GeoLoop{
		{Lat: bb.Y1, Lng: bb.X1},
		{Lat: bb.Y1, Lng: bb.X2},
		{Lat: bb.Y2, Lng: bb.X2},
		{Lat: bb.Y2, Lng: bb.X1},
	}
	return polyfillOne(outer, nil, res)
}

// CellsForGeometry covers a polygonal geometry with cells. Coordinates must
// be geographic (EPSG:4326); H3 speaks nothing else.
func (m *Mapper) CellsForGeometry(g orb.Geometry, res int) (model.Cells, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}

	switch geom := g.(type) {
	case orb.Polygon:
		outer, holes, err := toLoops(geom)
		if err != nil {
			return nil, err
		}
		return polyfillOne(outer, holes, res)

	case orb.MultiPolygon:
		seen := make(map[string]struct{})
		var out []string
		for pi, poly := range geom {
			outer, holes, err := toLoops(poly)
			if err != nil {
				return nil, fmt.Errorf("polygon %d: %w", pi, err)
			}
			cells, err := polyfillOne(outer, holes, res)
			if err != nil {
				return nil, err
			}
			for _, c := range cells {
				if _, ok := seen[c]; !ok {
					seen[c] = struct{}{}
					out = append(out, c)
				}
			}
		}
		sort.Strings(out)
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported geometry type %T", g)
	}
}

// --- helpers ---

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

func toLoops(poly orb.Polygon) (h3.GeoLoop, []h3.GeoLoop, error) {
	if len(poly) == 0 {
		return nil, nil, errors.New("empty polygon")
	}
	outer := toLoop(poly[0])
	if len(outer) < 4 {
		return nil, nil, errors.New("outer ring has < 4 vertices")
	}
	var holes []h3.GeoLoop
	for i := 1; i < len(poly); i++ {
		h := toLoop(poly[i])
		if len(h) < 4 {
			return nil, nil, fmt.Errorf("hole %d has < 4 vertices", i-1)
		}
		holes = append(holes, h)
	}
	return outer, holes, nil
}

// Convert a ring to an h3.GeoLoop (in degrees). Rings arrive closed; the
// trailing duplicate vertex is dropped.
func toLoop(ring orb.Ring) h3.GeoLoop {
	loop := make(h3.GeoLoop, 0, len(ring))
	for _, pt := range ring {
		loop = append(loop, h3.LatLng{Lat: pt.Y(), Lng: pt.X()})
	}
	if len(loop) >= 2 {
		last := loop[len(loop)-1]
		first := loop[0]
		if last.Lat == first.Lat && last.Lng == first.Lng {
			loop = loop[:len(loop)-1]
		}
	}
	return loop
}

// polyfillOne computes unique cells and returns them sorted for determinism.
func polyfillOne(outer h3.GeoLoop, holes []h3.GeoLoop, res int) (model.Cells, error) {
	if len(outer) < 4 {
		return nil, errors.New("outer ring has < 4 vertices")
	}
	poly := h3.GeoPolygon{
		GeoLoop: outer,
		Holes:   holes,
	}

	// v4 returns ([]h3.Cell, error)
	indexes, err := h3.PolygonToCells(poly, res)
	if err != nil {
		return nil, fmt.Errorf("h3 polyfill: %w", err)
	}

	out := make([]string, 0, len(indexes))
	seen := make(map[string]struct{}, len(indexes))
	for _, idx := range indexes {
		s := idx.String() // v4 Cell has String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
