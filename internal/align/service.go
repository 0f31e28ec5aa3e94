// Package align ties the pipeline together: raster scans with cached
// coverage, feature parsing against upstream WFS layers, and crop window
// computation.
package align

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/geo-align/internal/cache"
	"github.com/mohammed-shakir/geo-align/internal/cache/coveragestore"
	"github.com/mohammed-shakir/geo-align/internal/cache/keys"
	"github.com/mohammed-shakir/geo-align/internal/core/executor"
	"github.com/mohammed-shakir/geo-align/internal/core/model"
	"github.com/mohammed-shakir/geo-align/internal/core/observability"
	"github.com/mohammed-shakir/geo-align/internal/crop"
	"github.com/mohammed-shakir/geo-align/internal/crs"
	"github.com/mohammed-shakir/geo-align/internal/feature"
	"github.com/mohammed-shakir/geo-align/internal/logger"
	"github.com/mohammed-shakir/geo-align/internal/mapper"
	"github.com/mohammed-shakir/geo-align/internal/raster"
)

var (
	// ErrEmptyScan marks a scan request without raster paths.
	ErrEmptyScan = errors.New("scan request has no raster paths")

	// ErrEmptyParse marks a parse request carrying neither an inline
	// collection nor a layer to fetch.
	ErrEmptyParse = errors.New("parse request carries neither collection nor layer")

	// ErrUpstream wraps WFS fetch failures.
	ErrUpstream = errors.New("upstream fetch failed")

	// ErrInvalidROI marks an ROI document that is not valid GeoJSON geometry.
	ErrInvalidROI = errors.New("invalid roi geometry")

	// ErrInvalidGeometryDoc marks a crop geometry that is not valid GeoJSON.
	ErrInvalidGeometryDoc = errors.New("invalid geometry document")
)

// Config carries the pipeline defaults. Per-request values override them.
type Config struct {
	// TargetSRS is the reference everything gets aligned into when the
	// request names none.
	TargetSRS string
	// Reproject materializes warped copies next to source rasters.
	Reproject bool
	// H3Res is the resolution coverage cells are mapped at.
	H3Res int

	CacheTTL    time.Duration
	CacheTTLOvr map[string]time.Duration

	// CropPixel and CropReal are the fallback crop sizes applied when a
	// window request fixes neither.
	CropPixel int
	CropReal  float64
}

// Service executes the alignment operations. Backends are optional: without
// a coverage store scans are never cached, without a WFS executor parse
// requests must inline their collection.
type Service struct {
	logger *slog.Logger
	cfg    Config
	mapper mapper.Interface
	store  coveragestore.Store
	kv     cache.Interface
	wfs    executor.Interface
	locks  *keyedLocks

	startNow func() time.Time // for tests
}

type Option func(*Service)

// WithCoverageStore attaches the scan result cache.
func WithCoverageStore(st coveragestore.Store) Option {
	return func(s *Service) { s.store = st }
}

// WithResponseCache attaches the upstream WFS response cache.
func WithResponseCache(kv cache.Interface) Option {
	return func(s *Service) { s.kv = kv }
}

// WithWFS attaches the upstream feature fetcher.
func WithWFS(e executor.Interface) Option {
	return func(s *Service) { s.wfs = e }
}

func New(log *slog.Logger, cfg Config, m mapper.Interface, opts ...Option) *Service {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Service{
		logger:   log,
		cfg:      cfg,
		mapper:   m,
		locks:    newKeyedLocks(),
		startNow: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ScanRasters extracts alignment metadata for a batch of rasters, unions
// their coverage, maps the coverage onto H3 cells and caches the result
// keyed by the batch fingerprint.
func (s *Service) ScanRasters(ctx context.Context, req model.ScanRequest) (model.ScanResponse, error) {
	if len(req.Paths) == 0 {
		return model.ScanResponse{}, ErrEmptyScan
	}

	targetSpec := strings.TrimSpace(req.TargetSRS)
	if targetSpec == "" {
		targetSpec = strings.TrimSpace(s.cfg.TargetSRS)
	}
	var target *crs.SRS
	if targetSpec != "" {
		t, err := crs.Resolve(targetSpec)
		if err != nil {
			return model.ScanResponse{}, err
		}
		target = t
	}

	reproject := s.cfg.Reproject
	if req.Reproject != nil {
		reproject = *req.Reproject
	}

	cacheable := s.store != nil
	fp, err := coveragestore.Fingerprint(req.Paths)
	if err != nil {
		s.logger.Debug("batch fingerprint failed, scan will not be cached", "error", err)
		cacheable = false
	}

	if cacheable {
		stored, err := s.store.Get(ctx, targetSpec, s.cfg.H3Res, fp)
		if err != nil {
			s.logger.Warn("coverage cache get error, continuing with scan path", "error", err)
		} else if stored != nil {
			s.logger.Info("raster scan served from cache",
				"batch_id", stored.BatchID, "rasters", len(stored.Rasters))
			return model.ScanResponse{
				BatchID:       stored.BatchID,
				Rasters:       stored.Rasters,
				Coverage:      stored.Coverage,
				CoverageCells: stored.Cells,
				Cached:        true,
			}, nil
		}
	}

	if reproject {
		// Reprojection writes sidecar files, so batches sharing a path must
		// not warp it concurrently.
		unlock := s.locks.lockAll(req.Paths)
		defer unlock()
	}

	start := s.startNow()
	records, coverage, err := raster.Parse(req.Paths, target, raster.Options{
		Reproject: reproject,
		Logger:    s.logger,
	})
	dur := time.Since(start)
	observability.ObserveScan(targetSpec, len(records), err, dur.Seconds())
	if err != nil {
		return model.ScanResponse{}, err
	}
	for _, rec := range records {
		if rec.ReprojCreated {
			observability.IncReprojection()
		}
	}

	batchID := logger.NewID()
	resp := model.ScanResponse{
		BatchID: batchID,
		Rasters: make([]model.RasterInfo, 0, len(records)),
	}
	for _, rec := range records {
		info, err := recordInfo(rec)
		if err != nil {
			return model.ScanResponse{}, err
		}
		resp.Rasters = append(resp.Rasters, info)
	}
	if coverage != nil {
		body, err := json.Marshal(geojson.NewGeometry(coverage))
		if err != nil {
			return model.ScanResponse{}, fmt.Errorf("encode coverage: %w", err)
		}
		resp.Coverage = body
		resp.CoverageCells = s.coverCells(coverage, target)
	}

	if cacheable {
		scan := coveragestore.StoredScan{
			BatchID:  batchID,
			Rasters:  resp.Rasters,
			Coverage: resp.Coverage,
			Cells:    resp.CoverageCells,
		}
		if err := s.store.Put(ctx, targetSpec, s.cfg.H3Res, fp, scan, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("coverage cache put error", "error", err)
		}
	}

	s.logger.Info("raster scan complete",
		"batch_id", batchID, "rasters", len(resp.Rasters),
		"cells", len(resp.CoverageCells), "elapsed", dur.String())
	return resp, nil
}

// coverCells maps target-SRS coverage onto H3 cells. H3 only speaks
// EPSG:4326, so coverage in any other system is transformed first. Batches
// scanned without a target SRS have no known geodetic frame and carry no
// cells. Mapping is best effort; a failure leaves the response cell-less.
func (s *Service) coverCells(coverage orb.Geometry, target *crs.SRS) model.Cells {
	if s.mapper == nil || target == nil {
		return nil
	}
	wgs84, err := crs.FromEPSG(4326)
	if err != nil {
		s.logger.Warn("resolve epsg:4326 for cell mapping", "error", err)
		return nil
	}
	g := coverage
	trn, err := crs.NewTransform(target, wgs84)
	if err != nil {
		s.logger.Warn("coverage transform for cell mapping", "error", err)
		return nil
	}
	if trn != nil {
		defer trn.Close()
		g, err = trn.TransformGeometry(coverage)
		if err != nil {
			s.logger.Warn("coverage transform for cell mapping", "error", err)
			return nil
		}
	}
	cells, err := s.mapper.CellsForGeometry(g, s.cfg.H3Res)
	if err != nil {
		s.logger.Warn("cell mapping failed", "res", s.cfg.H3Res, "error", err)
		return nil
	}
	return cells
}

func recordInfo(rec raster.Record) (model.RasterInfo, error) {
	wkt, err := rec.SRS.WKT()
	if err != nil {
		return model.RasterInfo{}, fmt.Errorf("raster %q: %w", rec.Path, err)
	}
	var extent [4][2]float64
	for i, p := range rec.Extent {
		extent[i] = [2]float64(p)
	}
	return model.RasterInfo{
		Path:         rec.Path,
		ReprojPath:   rec.ReprojPath,
		SRSWKT:       wkt,
		GeoTransform: rec.GeoTransform.Params(),
		Resolution:   rec.Resolution,
		Skew:         rec.Skew,
		Cols:         rec.Cols,
		Rows:         rec.Rows,
		Bands:        rec.BandCount,
		DataType:     rec.DataType.String(),
		Extent:       extent,
	}, nil
}

// ParseFeatures reprojects and ROI-filters a feature collection. Inline
// collections are used as-is; otherwise the layer subset is fetched from
// the upstream WFS through the response cache.
func (s *Service) ParseFeatures(ctx context.Context, req model.ParseRequest) (model.ParseResponse, error) {
	doc := []byte(req.Collection)
	if len(doc) == 0 || string(doc) == "null" {
		if strings.TrimSpace(req.Layer) == "" || s.wfs == nil {
			return model.ParseResponse{}, ErrEmptyParse
		}
		fetched, err := s.fetchCollection(ctx, req)
		if err != nil {
			return model.ParseResponse{}, err
		}
		doc = fetched
	}

	var target *crs.SRS
	if spec := strings.TrimSpace(req.TargetSRS); spec != "" {
		t, err := crs.Resolve(spec)
		if err != nil {
			return model.ParseResponse{}, err
		}
		target = t
	}

	var roi orb.Geometry
	if len(req.ROI) > 0 && string(req.ROI) != "null" {
		g, err := geojson.UnmarshalGeometry(req.ROI)
		if err != nil {
			return model.ParseResponse{}, fmt.Errorf("%w: %v", ErrInvalidROI, err)
		}
		roi = g.Geometry()
	}

	total := countFeatures(doc)
	start := s.startNow()
	kept, err := feature.Parse(doc, feature.Options{
		Target:        target,
		ROI:           roi,
		AllowOutlying: req.AllowOutlying,
		ClipOutlying:  req.ClipOutlying,
	})
	dur := time.Since(start)
	dropped := max(total-len(kept), 0)
	observability.ObserveFeatureParse(req.TargetSRS, len(kept), dropped, err, dur.Seconds())
	if err != nil {
		return model.ParseResponse{}, err
	}

	body, err := feature.EncodeCollection(kept)
	if err != nil {
		return model.ParseResponse{}, fmt.Errorf("encode collection: %w", err)
	}
	s.logger.Info("feature parse complete",
		"kept", len(kept), "dropped", dropped, "elapsed", dur.String())
	return model.ParseResponse{Collection: body, Kept: len(kept), Dropped: dropped}, nil
}

// fetchCollection pulls the layer subset from the WFS, going through the
// response cache when one is wired.
func (s *Service) fetchCollection(ctx context.Context, req model.ParseRequest) ([]byte, error) {
	ck := keys.Layer(req.Layer, req.BBox, req.Filters)

	if s.kv != nil {
		found, err := s.kv.MGet(ctx, []string{ck})
		if err != nil {
			s.logger.Warn("cache mget error, continuing with fetch path", "error", err)
		} else if body, ok := found[ck]; ok && len(body) > 0 {
			s.logger.Debug("wfs response served from cache", "layer", req.Layer, "key", ck)
			return body, nil
		}
	}

	q := model.FeatureQuery{Layer: req.Layer, Filters: req.Filters}
	if strings.TrimSpace(req.BBox) != "" {
		bb, err := model.ParseBBox(req.BBox)
		if err != nil {
			return nil, err
		}
		q.BBox = &bb
	}

	body, _, err := s.wfs.FetchGetFeature(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	if s.kv != nil {
		if err := s.kv.Set(ctx, ck, body, s.ttlFor(req.Layer)); err != nil {
			s.logger.Warn("cache set error", "key", ck, "error", err)
		}
	}
	return body, nil
}

// ttlFor resolves a layer's cache TTL: exact override first, then an
// override keyed by the layer name without its workspace prefix, then the
// default.
func (s *Service) ttlFor(layer string) time.Duration {
	if d, ok := s.cfg.CacheTTLOvr[layer]; ok {
		return d
	}
	parts := strings.Split(layer, ":")
	if len(parts) == 2 {
		if d, ok := s.cfg.CacheTTLOvr[parts[1]]; ok {
			return d
		}
	}
	return s.cfg.CacheTTL
}

func countFeatures(doc []byte) int {
	var envelope struct {
		Features []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(doc, &envelope); err != nil {
		return 0
	}
	return len(envelope.Features)
}

// CropWindow computes a pixel-aligned crop window around a geometry. Pure
// math, no IO.
func (s *Service) CropWindow(req model.WindowRequest) (model.WindowResponse, error) {
	g, err := geojson.UnmarshalGeometry(req.Geometry)
	if err != nil {
		return model.WindowResponse{}, fmt.Errorf("%w: %v", ErrInvalidGeometryDoc, err)
	}

	pc, rc := req.PixelCrop, req.RealCrop
	if pc == 0 && rc == 0 {
		pc, rc = s.cfg.CropPixel, s.cfg.CropReal
	}

	w, err := crop.Compute(g.Geometry(), req.PixelSize, req.Skew, crop.Options{
		Buffer:    req.Buffer,
		PixelCrop: pc,
		RealCrop:  rc,
	})
	if err != nil {
		return model.WindowResponse{}, err
	}

	roi, err := json.Marshal(geojson.NewGeometry(w.ROI))
	if err != nil {
		return model.WindowResponse{}, fmt.Errorf("encode roi: %w", err)
	}
	return model.WindowResponse{
		ROI:         roi,
		TopLeft:     [2]float64(w.TopLeft),
		BottomRight: [2]float64(w.BottomRight),
		Width:       w.Width,
		Height:      w.Height,
	}, nil
}

// Readiness reports the health of attached backends by name. Backends that
// are not wired do not count against readiness.
func (s *Service) Readiness(ctx context.Context) (bool, []string) {
	ok := true
	var components []string
	if s.kv != nil {
		if err := s.kv.Ping(ctx); err != nil {
			s.logger.Warn("redis ping failed", "error", err)
			ok = false
		} else {
			components = append(components, "redis")
		}
	}
	return ok, components
}
