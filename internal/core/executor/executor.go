// Package executor performs upstream WFS requests on behalf of the
// alignment pipeline.
package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mohammed-shakir/geo-align/internal/core/model"
	"github.com/mohammed-shakir/geo-align/internal/core/observability"
	"github.com/mohammed-shakir/geo-align/internal/core/ogc"
)

type Interface interface {
	FetchGetFeature(ctx context.Context, q model.FeatureQuery) ([]byte, string, error)
}

type Executor struct {
	logger   *slog.Logger
	client   *http.Client
	owsURL   *url.URL
	startNow func() time.Time // for tests
}

func New(logger *slog.Logger, client *http.Client, ows string) (*Executor, error) {
	u, err := url.Parse(ows)
	if err != nil {
		return nil, fmt.Errorf("parse ows url: %w", err)
	}
	return &Executor{
		logger:   logger,
		client:   client,
		owsURL:   u,
		startNow: time.Now,
	}, nil
}

// FetchGetFeature runs a WFS GetFeature request and returns the raw body
// together with its content type.
func (e *Executor) FetchGetFeature(ctx context.Context, q model.FeatureQuery) ([]byte, string, error) {
	params := ogc.BuildGetFeatureParams(q)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.owsURL.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	u := *e.owsURL
	u.RawQuery = params.Encode()
	req.URL = &u
	req.Host = e.owsURL.Host
	req.Header.Set("Accept", "application/json")

	e.logger.Debug("fetch WFS GetFeature", "layer", q.Layer, "ows", e.owsURL.String())

	start := e.startNow()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	dur := time.Since(start)
	observability.ObserveUpstreamLatency("wfs", dur.Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, "", fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(b))
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	return b, resp.Header.Get("Content-Type"), nil
}
