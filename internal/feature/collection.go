package feature

import (
	"encoding/json"

	"github.com/paulmach/orb/geojson"
)

type encodedFeature struct {
	Type       string            `json:"type"`
	ID         json.RawMessage   `json:"id,omitempty"`
	Geometry   *geojson.Geometry `json:"geometry"`
	Properties json.RawMessage   `json:"properties,omitempty"`
}

type encodedCollection struct {
	Type     string           `json:"type"`
	Features []encodedFeature `json:"features"`
}

// EncodeCollection renders features back into a GeoJSON FeatureCollection,
// passing ids and properties through verbatim.
func EncodeCollection(features []Feature) ([]byte, error) {
	out := encodedCollection{
		Type:     "FeatureCollection",
		Features: make([]encodedFeature, 0, len(features)),
	}
	for _, f := range features {
		out.Features = append(out.Features, encodedFeature{
			Type:       "Feature",
			ID:         f.ID,
			Geometry:   geojson.NewGeometry(f.Geometry),
			Properties: f.Properties,
		})
	}
	return json.Marshal(out)
}
