package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mohammed-shakir/geo-align/internal/align"
	"github.com/mohammed-shakir/geo-align/internal/core/config"
	"github.com/mohammed-shakir/geo-align/internal/core/model"
)

type fakeAligner struct {
	lastScan  *model.ScanRequest
	lastParse *model.ParseRequest
	scanResp  model.ScanResponse
	parseResp model.ParseResponse
	winResp   model.WindowResponse
	err       error
}

func (f *fakeAligner) ScanRasters(_ context.Context, req model.ScanRequest) (model.ScanResponse, error) {
	f.lastScan = &req
	return f.scanResp, f.err
}

func (f *fakeAligner) ParseFeatures(_ context.Context, req model.ParseRequest) (model.ParseResponse, error) {
	f.lastParse = &req
	return f.parseResp, f.err
}

func (f *fakeAligner) CropWindow(model.WindowRequest) (model.WindowResponse, error) {
	return f.winResp, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func postJSON(t *testing.T, hdl http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	hdl(rr, req)
	return rr
}

func TestHandleScan_SeamDispatch(t *testing.T) {
	fa := &fakeAligner{scanResp: model.ScanResponse{BatchID: "b1", Cached: true}}
	hdl := HandleScan(discardLogger(), config.Config{}, fa)

	rr := postJSON(t, hdl, `{"paths":["/data/a.tif"],"target_srs":"EPSG:3006"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if fa.lastScan == nil || fa.lastScan.TargetSRS != "EPSG:3006" || len(fa.lastScan.Paths) != 1 {
		t.Fatalf("aligner got %+v", fa.lastScan)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var resp model.ScanResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.BatchID != "b1" || !resp.Cached {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestHandleScan_PathOutsideRootRejected(t *testing.T) {
	fa := &fakeAligner{}
	hdl := HandleScan(discardLogger(), config.Config{RasterDir: t.TempDir()}, fa)

	rr := postJSON(t, hdl, `{"paths":["/etc/passwd"]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if fa.lastScan != nil {
		t.Fatal("aligner must not see rejected paths")
	}
}

func TestHandleScan_BadBody(t *testing.T) {
	fa := &fakeAligner{}
	hdl := HandleScan(discardLogger(), config.Config{}, fa)

	rr := postJSON(t, hdl, `{"paths": [`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if fa.lastScan != nil {
		t.Fatal("aligner must not run on an undecodable body")
	}
}

func TestHandleParse_CollectionWinsOverLayer(t *testing.T) {
	fa := &fakeAligner{parseResp: model.ParseResponse{Kept: 1}}
	hdl := HandleParse(discardLogger(), fa)

	rr := postJSON(t, hdl, `{"collection":{"features":[]},"layer":"demo:roads"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if fa.lastParse == nil || fa.lastParse.Layer != "" {
		t.Fatalf("layer should be cleared before dispatch, got %+v", fa.lastParse)
	}
}

func TestHandleParse_UpstreamErrorMapsToBadGateway(t *testing.T) {
	fa := &fakeAligner{err: align.ErrUpstream}
	hdl := HandleParse(discardLogger(), fa)

	rr := postJSON(t, hdl, `{"layer":"demo:roads"}`)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
}

func TestHandleWindow_SeamDispatch(t *testing.T) {
	fa := &fakeAligner{winResp: model.WindowResponse{Width: 4, Height: 4}}
	hdl := HandleWindow(discardLogger(), fa)

	body := `{"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]},"pixel_size":[1,-1]}`
	rr := postJSON(t, hdl, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var resp model.WindowResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Width != 4 || resp.Height != 4 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestHandleWindow_EmptyGeometryMapsToBadRequest(t *testing.T) {
	fa := &fakeAligner{err: align.ErrInvalidGeometryDoc}
	hdl := HandleWindow(discardLogger(), fa)

	rr := postJSON(t, hdl, `{"geometry":null}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}
