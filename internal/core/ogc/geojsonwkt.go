package ogc

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// GeoJSONToWKT renders a GeoJSON geometry as WKT for use inside CQL
// predicates. Only polygonal geometries are accepted; an INTERSECTS
// pushdown makes no sense for anything thinner.
func GeoJSONToWKT(doc string) (string, error) {
	g, err := geojson.UnmarshalGeometry([]byte(strings.TrimSpace(doc)))
	if err != nil {
		return "", fmt.Errorf("parse geojson: %w", err)
	}
	geom := g.Geometry()
	switch geom.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return wkt.MarshalString(geom), nil
	default:
		return "", fmt.Errorf("unsupported type %q", g.Type)
	}
}
