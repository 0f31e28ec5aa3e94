package invalidation_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geo-align/internal/cache/coveragestore"
	"github.com/mohammed-shakir/geo-align/internal/cache/keys"
	"github.com/mohammed-shakir/geo-align/internal/cache/redisstore"
	"github.com/mohammed-shakir/geo-align/internal/core/model"
	"github.com/mohammed-shakir/geo-align/internal/core/observability"
	"github.com/mohammed-shakir/geo-align/internal/invalidation"
	"github.com/mohammed-shakir/geo-align/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/geo-align/internal/metrics"
)

type mapOK struct{}

func (mapOK) CellsForBBox(_ model.BBox, _ int) (model.Cells, error) {
	return model.Cells{"892a100d2b3ffff", "892a100d2b7ffff"}, nil
}

func (mapOK) CellsForGeometry(_ orb.Geometry, _ int) (model.Cells, error) {
	return model.Cells{"892a100d2b3ffff"}, nil
}

func TestIntegration_Miniredis_DropCoverageAndPurgeResponses(t *testing.T) {
	p := metrics.Init(metrics.Config{})
	observability.Init(p.Registerer(), true)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cli, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })

	store := coveragestore.NewRedisStore(cli, time.Minute)

	const (
		target = "EPSG:4326"
		res    = 8
	)
	fp := uint64(0xabcdef)
	scan := coveragestore.StoredScan{
		BatchID: "b1",
		Cells:   model.Cells{"892a100d2b3ffff", "892a100d2b7ffff"},
	}
	if err := store.Put(ctx, target, res, fp, scan, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	respKey := keys.Layer("demo:places", "11,55,12,56,EPSG:4326", "")
	if err := cli.Set(ctx, respKey, []byte(`{"type":"FeatureCollection","features":[]}`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	cons := kafkaconsumer.New(kafkaconsumer.FromEnv(), nil, store, cli, mapOK{}, target, []int{res})

	ev := invalidation.Event{
		Version: 1, Op: "update", Layer: "demo:places", TS: time.Now().UTC(),
		BBox: &invalidation.BBox{X1: 11, Y1: 55, X2: 12, Y2: 56, SRID: "EPSG:4326"},
	}
	body, _ := json.Marshal(ev)
	msg := &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 1, Value: body}

	if err := cons.ProcessOne(ctx, msg); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}

	if got, err := store.Get(ctx, target, res, fp); err != nil || got != nil {
		t.Fatalf("coverage survived invalidation: scan=%v err=%v", got, err)
	}
	if mr.Exists(keys.Cell(target, res, "892a100d2b3ffff")) {
		t.Fatal("cell index entry survived invalidation")
	}
	if mr.Exists(respKey) {
		t.Fatal("cached layer response survived invalidation")
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	metricsBody := rr.Body.String()
	for _, want := range []string{
		`cache_invalidations_total{op="update"} 1`,
		`cache_op_duration_seconds_count{op="del_prefix"`,
	} {
		if !strings.Contains(metricsBody, want) {
			t.Fatalf("metrics missing %q; got:\n%s", want, metricsBody)
		}
	}
}
