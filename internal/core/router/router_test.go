package router

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mohammed-shakir/geo-align/internal/align"
	"github.com/mohammed-shakir/geo-align/internal/core/model"
	"github.com/mohammed-shakir/geo-align/internal/crs"
	"github.com/mohammed-shakir/geo-align/internal/feature"
	"github.com/mohammed-shakir/geo-align/internal/raster"
)

func TestValidateParseRequest_CollectionWinsOverLayer(t *testing.T) {
	req := model.ParseRequest{
		Collection: []byte(`{"features":[]}`),
		Layer:      "demo:roads",
	}
	got, warn, err := validateParseRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if warn == "" {
		t.Fatal("expected a warning when both collection and layer are supplied")
	}
	if got.Layer != "" {
		t.Fatalf("layer should be dropped, got %q", got.Layer)
	}
	if len(got.Collection) == 0 {
		t.Fatal("collection should be kept")
	}
}

func TestValidateParseRequest_Filters(t *testing.T) {
	ok := model.ParseRequest{Layer: "demo:roads", Filters: "name <> '' , height > 10"}
	if _, _, err := validateParseRequest(ok); err != nil {
		t.Fatalf("safe filters rejected: %v", err)
	}

	bad := model.ParseRequest{Layer: "demo:roads", Filters: "name = 'x'; DROP TABLE places"}
	if _, _, err := validateParseRequest(bad); err == nil {
		t.Fatal("expected error for unsafe filters")
	}
}

func TestIsSafeCQL_Length(t *testing.T) {
	if isSafeCQL(strings.Repeat("a", 501)) {
		t.Fatal("over-long filter accepted")
	}
	if !isSafeCQL(strings.Repeat("a", 500)) {
		t.Fatal("filter at the limit rejected")
	}
}

func TestCheckScanPaths(t *testing.T) {
	root := t.TempDir()

	if err := checkScanPaths(root, []string{filepath.Join(root, "a.tif")}); err != nil {
		t.Fatalf("path under root rejected: %v", err)
	}
	if err := checkScanPaths(root, []string{filepath.Join(root, "sub", "b.tif")}); err != nil {
		t.Fatalf("nested path rejected: %v", err)
	}
	if err := checkScanPaths(root, []string{filepath.Join(root, "..", "c.tif")}); err == nil {
		t.Fatal("traversal escape accepted")
	}
	if err := checkScanPaths(root, []string{"/etc/passwd"}); err == nil {
		t.Fatal("absolute path outside root accepted")
	}
	if err := checkScanPaths("", []string{"/anywhere/d.tif"}); err != nil {
		t.Fatalf("empty root must disable the restriction: %v", err)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{align.ErrEmptyScan, http.StatusBadRequest},
		{align.ErrInvalidROI, http.StatusBadRequest},
		{model.ErrInvalidBBox, http.StatusBadRequest},
		{crs.ErrInvalidSRSSpec, http.StatusBadRequest},
		{crs.ErrUnsupportedCRS, http.StatusBadRequest},
		{feature.ErrUnsupportedGeometry, http.StatusBadRequest},
		{raster.ErrRasterOpen, http.StatusNotFound},
		{raster.ErrMixedBandType, http.StatusUnprocessableEntity},
		{raster.ErrMissingSRS, http.StatusUnprocessableEntity},
		{align.ErrUpstream, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(fmt.Errorf("wrapped: %w", tc.err)); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
