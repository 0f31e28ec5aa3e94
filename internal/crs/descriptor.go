package crs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind enumerates the descriptor type tags the resolver recognizes.
type Kind int

const (
	KindUnsupported Kind = iota
	KindEPSG
	KindEPSGA
	KindERM
	KindESRI
	KindUSGS
	KindPCI
	KindName
)

var kindNames = map[string]Kind{
	"EPSG":  KindEPSG,
	"EPSGA": KindEPSGA,
	"ERM":   KindERM,
	"ESRI":  KindESRI,
	"USGS":  KindUSGS,
	"PCI":   KindPCI,
	"NAME":  KindName,
}

func (k Kind) String() string {
	switch k {
	case KindEPSG:
		return "EPSG"
	case KindEPSGA:
		return "EPSGA"
	case KindERM:
		return "ERM"
	case KindESRI:
		return "ESRI"
	case KindUSGS:
		return "USGS"
	case KindPCI:
		return "PCI"
	case KindName:
		return "NAME"
	default:
		return "UNSUPPORTED"
	}
}

// Descriptor is a decoded CRS mapping {"type": ..., "properties": {...}}.
// Property values are positional arguments to the importer selected by the
// type tag; there is no fixed property naming across tags, so JSON document
// order is what carries meaning and is preserved here.
type Descriptor struct {
	Kind   Kind
	Type   string // raw tag, kept for diagnostics
	Values []any
}

// DecodeDescriptor reads a raw descriptor object. The type tag is matched
// case-insensitively; unknown tags decode to KindUnsupported rather than
// failing, so callers can report the raw tag.
func DecodeDescriptor(raw []byte) (*Descriptor, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCRS, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("%w: descriptor is not an object", ErrUnsupportedCRS)
	}
	desc := &Descriptor{Kind: KindUnsupported}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedCRS, err)
		}
		key, _ := keyTok.(string)
		switch key {
		case "type":
			if err := dec.Decode(&desc.Type); err != nil {
				return nil, fmt.Errorf("%w: bad type tag: %v", ErrUnsupportedCRS, err)
			}
		case "properties":
			vals, err := decodeOrderedValues(dec)
			if err != nil {
				return nil, fmt.Errorf("%w: bad properties: %v", ErrUnsupportedCRS, err)
			}
			desc.Values = vals
		default:
			var skip any
			if err := dec.Decode(&skip); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnsupportedCRS, err)
			}
		}
	}
	if k, ok := kindNames[strings.ToUpper(desc.Type)]; ok {
		desc.Kind = k
	}
	return desc, nil
}

// decodeOrderedValues collects the property values in document order,
// discarding the property names.
func decodeOrderedValues(dec *json.Decoder) ([]any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("properties is not an object")
	}
	var vals []any
	for dec.More() {
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return vals, nil
}

// Parse imports an SRS from a raw descriptor object.
func Parse(raw []byte) (*SRS, error) {
	desc, err := DecodeDescriptor(raw)
	if err != nil {
		return nil, err
	}
	return desc.Import()
}

// Import runs the importer matching the descriptor's kind.
func (d *Descriptor) Import() (*SRS, error) {
	switch d.Kind {
	case KindEPSG, KindEPSGA:
		// EPSGA differs from EPSG only in authority axis handling; OSR
		// resolves both through the EPSG code space.
		code, err := d.intValue(0)
		if err != nil {
			return nil, err
		}
		s, err := FromEPSG(code)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedCRS, err)
		}
		return s, nil
	case KindESRI:
		wkt, err := d.stringValue(0)
		if err != nil {
			return nil, err
		}
		s, err := FromWKT(wkt)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedCRS, err)
		}
		return s, nil
	case KindName:
		// Compatibility fallback for annotation exports that stuff an
		// ":EPSG:<code>" URN into a NAME descriptor. Only that exact shape
		// is honored; NAME stays otherwise unsupported.
		if len(d.Values) == 1 {
			if s, ok := d.Values[0].(string); ok && strings.Contains(s, ":EPSG:") {
				parts := strings.Split(s, ":")
				if code, err := strconv.Atoi(parts[len(parts)-1]); err == nil {
					srs, err := FromEPSG(code)
					if err != nil {
						return nil, fmt.Errorf("%w: %v", ErrUnsupportedCRS, err)
					}
					return srs, nil
				}
			}
		}
		return nil, fmt.Errorf("%w: NAME descriptor without an :EPSG: code", ErrUnsupportedCRS)
	case KindERM, KindUSGS, KindPCI:
		return nil, fmt.Errorf("%w: no %s importer available in this build", ErrUnsupportedCRS, d.Kind)
	default:
		return nil, fmt.Errorf("%w: type %q", ErrUnsupportedCRS, d.Type)
	}
}

func (d *Descriptor) intValue(i int) (int, error) {
	if i >= len(d.Values) {
		return 0, fmt.Errorf("%w: %s descriptor needs at least %d properties, has %d",
			ErrUnsupportedCRS, d.Kind, i+1, len(d.Values))
	}
	switch v := d.Values[i].(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s property %d (%v) is not a number", ErrUnsupportedCRS, d.Kind, i, v)
		}
		return int(f), nil
	case string:
		c, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%w: %s property %d (%q) is not an integer", ErrUnsupportedCRS, d.Kind, i, v)
		}
		return c, nil
	case int:
		return v, nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("%w: %s property %d has type %T", ErrUnsupportedCRS, d.Kind, i, v)
	}
}

func (d *Descriptor) stringValue(i int) (string, error) {
	if i >= len(d.Values) {
		return "", fmt.Errorf("%w: %s descriptor needs at least %d properties, has %d",
			ErrUnsupportedCRS, d.Kind, i+1, len(d.Values))
	}
	s, ok := d.Values[i].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s property %d has type %T", ErrUnsupportedCRS, d.Kind, i, d.Values[i])
	}
	return s, nil
}
