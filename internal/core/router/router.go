package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mohammed-shakir/geo-align/internal/align"
	"github.com/mohammed-shakir/geo-align/internal/core/config"
	"github.com/mohammed-shakir/geo-align/internal/core/model"
	"github.com/mohammed-shakir/geo-align/internal/core/observability"
	"github.com/mohammed-shakir/geo-align/internal/crop"
	"github.com/mohammed-shakir/geo-align/internal/crs"
	"github.com/mohammed-shakir/geo-align/internal/feature"
	"github.com/mohammed-shakir/geo-align/internal/geo"
	"github.com/mohammed-shakir/geo-align/internal/raster"
)

// Routes served by the v1 API.
const (
	RouteScan   = "/v1/rasters/scan"
	RouteParse  = "/v1/features/parse"
	RouteWindow = "/v1/crop/window"
)

const maxRequestBytes = 32 << 20

// Aligner executes the pipeline operations behind the HTTP surface.
type Aligner interface {
	ScanRasters(ctx context.Context, req model.ScanRequest) (model.ScanResponse, error)
	ParseFeatures(ctx context.Context, req model.ParseRequest) (model.ParseResponse, error)
	CropWindow(req model.WindowRequest) (model.WindowResponse, error)
}

// HandleScan validates a raster scan request and serves it.
func HandleScan(logger *slog.Logger, cfg config.Config, a Aligner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

		var req model.ScanRequest
		if err := decodeJSON(sw, r, &req); err != nil {
			http.Error(sw, err.Error(), http.StatusBadRequest)
			observability.ObserveHTTP(r.Method, RouteScan, http.StatusBadRequest, time.Since(start).Seconds())
			return
		}
		if err := checkScanPaths(cfg.RasterDir, req.Paths); err != nil {
			http.Error(sw, err.Error(), http.StatusBadRequest)
			observability.ObserveHTTP(r.Method, RouteScan, http.StatusBadRequest, time.Since(start).Seconds())
			return
		}

		resp, err := a.ScanRasters(r.Context(), req)
		if err != nil {
			code := statusFor(err)
			if code >= http.StatusInternalServerError {
				logger.Error("raster scan failed", "error", err)
			}
			http.Error(sw, err.Error(), code)
			observability.ObserveHTTP(r.Method, RouteScan, code, time.Since(start).Seconds())
			return
		}
		writeJSON(sw, resp)
		observability.ObserveHTTP(r.Method, RouteScan, sw.code, time.Since(start).Seconds())
	}
}

// HandleParse validates a feature parse request and serves it.
func HandleParse(logger *slog.Logger, a Aligner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

		var req model.ParseRequest
		if err := decodeJSON(sw, r, &req); err != nil {
			http.Error(sw, err.Error(), http.StatusBadRequest)
			observability.ObserveHTTP(r.Method, RouteParse, http.StatusBadRequest, time.Since(start).Seconds())
			return
		}
		req, warn, err := validateParseRequest(req)
		if warn != "" {
			logger.Warn(warn)
		}
		if err != nil {
			http.Error(sw, err.Error(), http.StatusBadRequest)
			observability.ObserveHTTP(r.Method, RouteParse, http.StatusBadRequest, time.Since(start).Seconds())
			return
		}

		resp, err := a.ParseFeatures(r.Context(), req)
		if err != nil {
			code := statusFor(err)
			if code >= http.StatusInternalServerError {
				logger.Error("feature parse failed", "error", err)
			}
			http.Error(sw, err.Error(), code)
			observability.ObserveHTTP(r.Method, RouteParse, code, time.Since(start).Seconds())
			return
		}
		writeJSON(sw, resp)
		observability.ObserveHTTP(r.Method, RouteParse, sw.code, time.Since(start).Seconds())
	}
}

// HandleWindow parses a crop window request and serves it.
func HandleWindow(logger *slog.Logger, a Aligner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

		var req model.WindowRequest
		if err := decodeJSON(sw, r, &req); err != nil {
			http.Error(sw, err.Error(), http.StatusBadRequest)
			observability.ObserveHTTP(r.Method, RouteWindow, http.StatusBadRequest, time.Since(start).Seconds())
			return
		}

		resp, err := a.CropWindow(req)
		if err != nil {
			code := statusFor(err)
			if code >= http.StatusInternalServerError {
				logger.Error("crop window failed", "error", err)
			}
			http.Error(sw, err.Error(), code)
			observability.ObserveHTTP(r.Method, RouteWindow, code, time.Since(start).Seconds())
			return
		}
		writeJSON(sw, resp)
		observability.ObserveHTTP(r.Method, RouteWindow, sw.code, time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// validateParseRequest applies the surface rules: an inline collection wins
// over a layer reference, and CQL filters must pass the allowlist.
func validateParseRequest(req model.ParseRequest) (model.ParseRequest, string, error) {
	var warn string
	if hasInlineCollection(req) && strings.TrimSpace(req.Layer) != "" {
		warn = "both collection and layer supplied; preferring inline collection"
		req.Layer = ""
	}
	if req.Filters != "" && !isSafeCQL(req.Filters) {
		return model.ParseRequest{}, warn, errors.New("invalid or disallowed cql filters")
	}
	return req, warn, nil
}

func hasInlineCollection(req model.ParseRequest) bool {
	return len(req.Collection) > 0 && string(req.Collection) != "null"
}

// checkScanPaths rejects scan paths outside the configured raster root. An
// empty root disables the restriction.
func checkScanPaths(root string, paths []string) error {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("raster root: %w", err)
	}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("path %q: %w", p, err)
		}
		rel, err := filepath.Rel(absRoot, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("path %q is outside the raster root", p)
		}
	}
	return nil
}

var safeCQLPattern = regexp.MustCompile(`^[\w\s\=\>\<\!\(\)\.\,\'\"\-]+$`)

func isSafeCQL(s string) bool {
	if len(s) > 500 {
		return false
	}
	return safeCQLPattern.MatchString(s)
}

// statusFor maps pipeline errors onto HTTP status codes. Anything unknown
// is a server fault.
func statusFor(err error) int {
	switch {
	case errors.Is(err, align.ErrEmptyScan),
		errors.Is(err, align.ErrEmptyParse),
		errors.Is(err, align.ErrInvalidROI),
		errors.Is(err, align.ErrInvalidGeometryDoc),
		errors.Is(err, model.ErrInvalidBBox),
		errors.Is(err, crs.ErrUnsupportedCRS),
		errors.Is(err, crs.ErrInvalidSRSSpec),
		errors.Is(err, feature.ErrInvalidFeatureCollection),
		errors.Is(err, feature.ErrUnsupportedGeometry),
		errors.Is(err, feature.ErrMalformedGeometry),
		errors.Is(err, feature.ErrInvalidGeometry),
		errors.Is(err, feature.ErrUnexpectedClipResult),
		errors.Is(err, crop.ErrInvalidOffset),
		errors.Is(err, crop.ErrAmbiguousCropSpec),
		errors.Is(err, geo.ErrDegenerateTransform):
		return http.StatusBadRequest
	case errors.Is(err, raster.ErrRasterOpen):
		return http.StatusNotFound
	case errors.Is(err, raster.ErrMissingSRS),
		errors.Is(err, raster.ErrMixedBandType):
		return http.StatusUnprocessableEntity
	case errors.Is(err, align.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
