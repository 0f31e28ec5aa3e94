package crs

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeDescriptorKeepsPropertyOrder(t *testing.T) {
	raw := []byte(`{"type":"ERM","properties":{"proj":"NUTM11","datum":"NAD83","units":"METERS"}}`)
	d, err := DecodeDescriptor(raw)
	if err != nil {
		t.Fatalf("DecodeDescriptor: %v", err)
	}
	if d.Kind != KindERM || d.Type != "ERM" {
		t.Fatalf("kind = %v, type = %q", d.Kind, d.Type)
	}
	want := []string{"NUTM11", "NAD83", "METERS"}
	if len(d.Values) != len(want) {
		t.Fatalf("values = %v", d.Values)
	}
	for i, w := range want {
		if s, ok := d.Values[i].(string); !ok || s != w {
			t.Fatalf("value %d = %v, want %q", i, d.Values[i], w)
		}
	}
}

func TestDecodeDescriptorKindMapping(t *testing.T) {
	for _, tc := range []struct {
		typ  string
		kind Kind
	}{
		{"EPSG", KindEPSG},
		{"epsg", KindEPSG},
		{"EPSGA", KindEPSGA},
		{"ESRI", KindESRI},
		{"USGS", KindUSGS},
		{"PCI", KindPCI},
		{"NAME", KindName},
		{"BOGUS", KindUnsupported},
		{"", KindUnsupported},
	} {
		raw, _ := json.Marshal(map[string]any{"type": tc.typ, "properties": map[string]any{"a": 1}})
		d, err := DecodeDescriptor(raw)
		if err != nil {
			t.Fatalf("DecodeDescriptor(%q): %v", tc.typ, err)
		}
		if d.Kind != tc.kind {
			t.Fatalf("kind of %q = %v, want %v", tc.typ, d.Kind, tc.kind)
		}
	}
}

func TestDecodeDescriptorRejectsNonObject(t *testing.T) {
	for _, raw := range []string{`[1,2]`, `"EPSG"`, `{"type":"EPSG","properties":[1]}`} {
		if _, err := DecodeDescriptor([]byte(raw)); !errors.Is(err, ErrUnsupportedCRS) {
			t.Fatalf("DecodeDescriptor(%s): err = %v, want ErrUnsupportedCRS", raw, err)
		}
	}
}

func TestImportRejectsUnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"BOGUS","properties":{"code":4326}}`))
	if !errors.Is(err, ErrUnsupportedCRS) {
		t.Fatalf("bogus type: err = %v, want ErrUnsupportedCRS", err)
	}
	_, err = Parse([]byte(`{"properties":{"code":4326}}`))
	if !errors.Is(err, ErrUnsupportedCRS) {
		t.Fatalf("missing type: err = %v, want ErrUnsupportedCRS", err)
	}
}

func TestImportRejectsUnavailableImporters(t *testing.T) {
	for _, raw := range []string{
		`{"type":"ERM","properties":{"proj":"NUTM11","datum":"NAD83","units":"METERS"}}`,
		`{"type":"USGS","properties":{"projsys":1,"zone":17}}`,
		`{"type":"PCI","properties":{"proj":"UTM 17 D000"}}`,
	} {
		if _, err := Parse([]byte(raw)); !errors.Is(err, ErrUnsupportedCRS) {
			t.Fatalf("Parse(%s): err = %v, want ErrUnsupportedCRS", raw, err)
		}
	}
}

func TestImportNameRequiresEPSGToken(t *testing.T) {
	for _, raw := range []string{
		`{"type":"NAME","properties":{"name":"WGS 84"}}`,
		`{"type":"NAME","properties":{"name":"urn:ogc:def:crs:EPSG:8.9:banana"}}`,
		`{"type":"NAME","properties":{"a":"urn:ogc:def:crs:EPSG:8.9:4326","b":"extra"}}`,
	} {
		if _, err := Parse([]byte(raw)); !errors.Is(err, ErrUnsupportedCRS) {
			t.Fatalf("Parse(%s): err = %v, want ErrUnsupportedCRS", raw, err)
		}
	}
}

func TestIntValueForms(t *testing.T) {
	for _, props := range []string{`{"code":4326}`, `{"code":"4326"}`, `{"code":4326.0}`} {
		d, err := DecodeDescriptor([]byte(`{"type":"EPSG","properties":` + props + `}`))
		if err != nil {
			t.Fatalf("DecodeDescriptor(%s): %v", props, err)
		}
		code, err := d.intValue(0)
		if err != nil {
			t.Fatalf("intValue(%s): %v", props, err)
		}
		if code != 4326 {
			t.Fatalf("intValue(%s) = %d", props, code)
		}
	}

	d, err := DecodeDescriptor([]byte(`{"type":"EPSG","properties":{"code":true}}`))
	if err != nil {
		t.Fatalf("DecodeDescriptor: %v", err)
	}
	if _, err := d.intValue(0); !errors.Is(err, ErrUnsupportedCRS) {
		t.Fatalf("intValue(bool): err = %v, want ErrUnsupportedCRS", err)
	}
}
