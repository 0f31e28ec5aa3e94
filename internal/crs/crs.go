// Package crs resolves coordinate reference systems and builds transforms
// between them on top of GDAL's OSR layer via godal.
package crs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/airbusgeo/godal"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrUnsupportedCRS marks a CRS descriptor that cannot be imported: the
	// type tag is missing or unrecognized, or the importer rejected its
	// property values. An unparseable CRS never silently defaults.
	ErrUnsupportedCRS = errors.New("unsupported crs descriptor")

	// ErrInvalidSRSSpec marks a target-SRS value that is neither an SRS
	// handle, an integer EPSG code, nor an EPSG code string.
	ErrInvalidSRSSpec = errors.New("invalid srs spec")
)

// SRS wraps an OSR spatial reference handle. Handles are shared and stay
// open for the process lifetime; callers never free them.
type SRS struct {
	ref *godal.SpatialRef
}

const epsgCacheSize = 128

// EPSG imports hit the PROJ database, so resolved codes are memoized.
var epsgCache, _ = lru.New[int, *SRS](epsgCacheSize)

// FromEPSG resolves a numeric EPSG code.
func FromEPSG(code int) (*SRS, error) {
	if s, ok := epsgCache.Get(code); ok {
		return s, nil
	}
	ref, err := godal.NewSpatialRefFromEPSG(code)
	if err != nil {
		return nil, fmt.Errorf("import epsg:%d: %w", code, err)
	}
	s := &SRS{ref: ref}
	epsgCache.Add(code, s)
	return s, nil
}

// FromWKT builds an SRS from well-known text.
func FromWKT(wkt string) (*SRS, error) {
	ref, err := godal.NewSpatialRefFromWKT(wkt)
	if err != nil {
		return nil, fmt.Errorf("import srs wkt: %w", err)
	}
	return &SRS{ref: ref}, nil
}

// IsSame reports whether two references describe the same system even when
// expressed differently (EPSG code vs WKT). The comparison is delegated to
// OSR as an opaque predicate.
func (s *SRS) IsSame(other *SRS) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.ref.IsSame(other.ref)
}

// WKT exports the reference as well-known text.
func (s *SRS) WKT() (string, error) {
	w, err := s.ref.WKT()
	if err != nil {
		return "", fmt.Errorf("export srs wkt: %w", err)
	}
	return w, nil
}

// Resolve normalizes a target-SRS value: an *SRS passes through, an int is
// an EPSG code, a string is an EPSG code with an optional "EPSG:" prefix.
// nil resolves to nil, meaning no target.
func Resolve(value any) (*SRS, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case *SRS:
		return v, nil
	case int:
		s, err := FromEPSG(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSRSSpec, err)
		}
		return s, nil
	case string:
		raw := strings.TrimPrefix(strings.TrimSpace(v), "EPSG:")
		code, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an EPSG code", ErrInvalidSRSSpec, v)
		}
		s, err := FromEPSG(code)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSRSSpec, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unsupported value type %T", ErrInvalidSRSSpec, value)
	}
}
