package feature

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/mohammed-shakir/geo-align/internal/crs"
)

const epsg4326 = `{"type":"EPSG","properties":{"code":4326}}`

func doc(crsKey, crsVal string, features ...string) []byte {
	return []byte(fmt.Sprintf(`{"%s":%s,"features":[%s]}`, crsKey, crsVal, strings.Join(features, ",")))
}

func polygonFeature(id, coords string) string {
	return fmt.Sprintf(`{"id":%q,"properties":{"name":%q},"geometry":{"type":"Polygon","coordinates":%s}}`,
		id, id, coords)
}

func squareCoords(x, y, side float64) string {
	return fmt.Sprintf(`[[[%g,%g],[%g,%g],[%g,%g],[%g,%g],[%g,%g]]]`,
		x, y, x+side, y, x+side, y+side, x, y+side, x, y)
}

func roiSquare(x, y, side float64) orb.Polygon {
	return orb.Polygon{orb.Ring{
		{x, y}, {x + side, y}, {x + side, y + side}, {x, y + side}, {x, y},
	}}
}

func TestParseKeepsOrderAndPayload(t *testing.T) {
	body := doc("crs", epsg4326,
		polygonFeature("a", squareCoords(0, 0, 1)),
		polygonFeature("b", squareCoords(2, 0, 1)),
		polygonFeature("c", squareCoords(4, 0, 1)),
	)
	feats, err := Parse(body, Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(feats) != 3 {
		t.Fatalf("kept %d features, want 3", len(feats))
	}
	for i, wantID := range []string{`"a"`, `"b"`, `"c"`} {
		if string(feats[i].ID) != wantID {
			t.Errorf("feature %d id = %s, want %s", i, feats[i].ID, wantID)
		}
		if feats[i].Type != "Polygon" {
			t.Errorf("feature %d type = %q, want Polygon", i, feats[i].Type)
		}
	}
	var props map[string]string
	if err := json.Unmarshal(feats[1].Properties, &props); err != nil {
		t.Fatalf("properties did not survive: %v", err)
	}
	if props["name"] != "b" {
		t.Errorf("properties name = %q, want b", props["name"])
	}
	b := feats[0].Geometry.Bound()
	if b.Min != (orb.Point{0, 0}) || b.Max != (orb.Point{1, 1}) {
		t.Errorf("first geometry bound = %v, want unit square", b)
	}
}

func TestParseSRSKeyFallback(t *testing.T) {
	body := doc("srs", epsg4326, polygonFeature("a", squareCoords(0, 0, 1)))
	feats, err := Parse(body, Options{})
	if err != nil {
		t.Fatalf("Parse with srs key: %v", err)
	}
	if len(feats) != 1 {
		t.Fatalf("kept %d features, want 1", len(feats))
	}
}

func TestParseMissingCRS(t *testing.T) {
	body := []byte(fmt.Sprintf(`{"features":[%s]}`, polygonFeature("a", squareCoords(0, 0, 1))))
	if _, err := Parse(body, Options{}); !errors.Is(err, crs.ErrUnsupportedCRS) {
		t.Fatalf("err = %v, want ErrUnsupportedCRS", err)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		body []byte
		want error
	}{
		{
			name: "top level array",
			body: []byte(`[1,2,3]`),
			want: ErrInvalidFeatureCollection,
		},
		{
			name: "missing features",
			body: []byte(`{"crs":` + epsg4326 + `}`),
			want: ErrInvalidFeatureCollection,
		},
		{
			name: "features not a list",
			body: []byte(`{"crs":` + epsg4326 + `,"features":{}}`),
			want: ErrInvalidFeatureCollection,
		},
		{
			name: "point geometry",
			body: doc("crs", epsg4326,
				`{"geometry":{"type":"Point","coordinates":[1,2]}}`),
			want: ErrUnsupportedGeometry,
		},
		{
			name: "missing geometry",
			body: doc("crs", epsg4326, `{"properties":{}}`),
			want: ErrUnsupportedGeometry,
		},
		{
			name: "polygon with hole",
			body: doc("crs", epsg4326, polygonFeature("a",
				`[[[0,0],[4,0],[4,4],[0,4],[0,0]],[[1,1],[2,1],[2,2],[1,2],[1,1]]]`)),
			want: ErrMalformedGeometry,
		},
		{
			name: "polygon ring too short",
			body: doc("crs", epsg4326, polygonFeature("a", `[[[0,0],[1,0],[1,1]]]`)),
			want: ErrMalformedGeometry,
		},
		{
			name: "polygon with xyz positions",
			body: doc("crs", epsg4326, polygonFeature("a",
				`[[[0,0,5],[1,0,5],[1,1,5],[0,1,5],[0,0,5]]]`)),
			want: ErrMalformedGeometry,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.body, Options{}); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestParseRejectsInvalidMultiPolygon(t *testing.T) {
	bowtie := `{"geometry":{"type":"MultiPolygon","coordinates":[[[[0,0],[2,2],[2,0],[0,2],[0,0]]]]}}`
	body := doc("crs", epsg4326, bowtie)
	if _, err := Parse(body, Options{}); !errors.Is(err, ErrInvalidGeometry) {
		t.Fatalf("err = %v, want ErrInvalidGeometry", err)
	}
}

func TestParseMultiPolygonWithHole(t *testing.T) {
	donut := `{"id":"d","geometry":{"type":"MultiPolygon","coordinates":` +
		`[[[[0,0],[10,0],[10,10],[0,10],[0,0]],[[4,4],[6,4],[6,6],[4,6],[4,4]]]]}}`
	feats, err := Parse(doc("crs", epsg4326, donut), Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(feats) != 1 {
		t.Fatalf("kept %d features, want 1", len(feats))
	}
	if feats[0].Type != "MultiPolygon" {
		t.Fatalf("type = %q, want MultiPolygon", feats[0].Type)
	}
	area := planar.Area(feats[0].Geometry)
	if math.Abs(area-96) > 1e-9 {
		t.Errorf("area = %v, want 96 (hole subtracted)", area)
	}
}

func TestParseROIModes(t *testing.T) {
	body := doc("crs", epsg4326,
		polygonFeature("inner", squareCoords(2, 2, 1)),
		polygonFeature("straddle", squareCoords(9, 9, 2)),
		polygonFeature("outside", squareCoords(20, 20, 1)),
	)
	roi := roiSquare(0, 0, 10)

	cases := []struct {
		name string
		opts Options
		want []string
	}{
		{
			name: "contained only",
			opts: Options{ROI: roi},
			want: []string{`"inner"`},
		},
		{
			name: "allow outlying",
			opts: Options{ROI: roi, AllowOutlying: true},
			want: []string{`"inner"`, `"straddle"`},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			feats, err := Parse(body, tc.opts)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(feats) != len(tc.want) {
				t.Fatalf("kept %d features, want %d", len(feats), len(tc.want))
			}
			for i, id := range tc.want {
				if string(feats[i].ID) != id {
					t.Errorf("feature %d = %s, want %s", i, feats[i].ID, id)
				}
			}
		})
	}
}

func TestParseClipsOutlyingGeometry(t *testing.T) {
	body := doc("crs", epsg4326, polygonFeature("straddle", squareCoords(9, 9, 2)))
	feats, err := Parse(body, Options{
		ROI:           roiSquare(0, 0, 10),
		AllowOutlying: true,
		ClipOutlying:  true,
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(feats) != 1 {
		t.Fatalf("kept %d features, want 1", len(feats))
	}
	area := planar.Area(feats[0].Geometry)
	if math.Abs(area-1) > 1e-9 {
		t.Errorf("clipped area = %v, want 1", area)
	}
	b := feats[0].Geometry.Bound()
	if b.Max != (orb.Point{10, 10}) {
		t.Errorf("clipped bound max = %v, want (10,10)", b.Max)
	}
}

func TestParseClipIsStableForContained(t *testing.T) {
	body := doc("crs", epsg4326, polygonFeature("inner", squareCoords(2, 2, 3)))
	feats, err := Parse(body, Options{
		ROI:          roiSquare(0, 0, 10),
		ClipOutlying: true,
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(feats) != 1 {
		t.Fatalf("kept %d features, want 1", len(feats))
	}
	area := planar.Area(feats[0].Geometry)
	if math.Abs(area-9) > 1e-9 {
		t.Errorf("area after clip = %v, want 9 unchanged", area)
	}
}

func TestParseReprojects(t *testing.T) {
	body := doc("crs", epsg4326, polygonFeature("a", squareCoords(12, 55, 0.5)))
	target, err := crs.FromEPSG(3857)
	if err != nil {
		t.Fatalf("FromEPSG(3857): %v", err)
	}
	feats, err := Parse(body, Options{Target: target})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(feats) != 1 {
		t.Fatalf("kept %d features, want 1", len(feats))
	}

	// Meters in web mercator, so far from the degree-scale input.
	b := feats[0].Geometry.Bound()
	if b.Min[0] < 1e5 {
		t.Fatalf("bound %v does not look reprojected", b)
	}

	// Round-trip back and compare against the untransformed parse.
	src, err := crs.FromEPSG(4326)
	if err != nil {
		t.Fatalf("FromEPSG(4326): %v", err)
	}
	back, err := crs.NewTransform(target, src)
	if err != nil {
		t.Fatalf("NewTransform: %v", err)
	}
	defer back.Close()
	restored, err := back.TransformGeometry(feats[0].Geometry)
	if err != nil {
		t.Fatalf("TransformGeometry: %v", err)
	}
	plain, err := Parse(body, Options{})
	if err != nil {
		t.Fatalf("Parse without target: %v", err)
	}
	got, want := restored.Bound(), plain[0].Geometry.Bound()
	for i := 0; i < 2; i++ {
		if math.Abs(got.Min[i]-want.Min[i]) > 1e-6 || math.Abs(got.Max[i]-want.Max[i]) > 1e-6 {
			t.Fatalf("round trip bound = %v, want %v", got, want)
		}
	}
}

func TestEncodeCollection(t *testing.T) {
	body := doc("crs", epsg4326,
		polygonFeature("a", squareCoords(0, 0, 1)),
		polygonFeature("b", squareCoords(3, 3, 1)),
	)
	feats, err := Parse(body, Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	out, err := EncodeCollection(feats)
	if err != nil {
		t.Fatalf("EncodeCollection: %v", err)
	}

	var decoded struct {
		Type     string `json:"type"`
		Features []struct {
			Type     string          `json:"type"`
			ID       json.RawMessage `json:"id"`
			Geometry struct {
				Type string `json:"type"`
			} `json:"geometry"`
			Properties map[string]string `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Type != "FeatureCollection" {
		t.Errorf("type = %q, want FeatureCollection", decoded.Type)
	}
	if len(decoded.Features) != 2 {
		t.Fatalf("encoded %d features, want 2", len(decoded.Features))
	}
	if decoded.Features[0].Geometry.Type != "Polygon" {
		t.Errorf("geometry type = %q, want Polygon", decoded.Features[0].Geometry.Type)
	}
	if decoded.Features[1].Properties["name"] != "b" {
		t.Errorf("properties did not round trip: %v", decoded.Features[1].Properties)
	}
}
