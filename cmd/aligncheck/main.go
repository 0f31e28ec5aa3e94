// Command aligncheck probes the infrastructure alignd depends on: redis,
// the upstream WFS, the kafka invalidation topic, and the H3 cell mapping.
// Run it against a fresh environment before starting the service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"

	"github.com/mohammed-shakir/geo-align/internal/core/model"
	"github.com/mohammed-shakir/geo-align/internal/core/ogc"
	"github.com/mohammed-shakir/geo-align/internal/invalidation"
	h3mapper "github.com/mohammed-shakir/geo-align/internal/mapper/h3"
)

func getenv(key, def string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return def
}

func checkRedis(ctx context.Context, addr string) error {
	fmt.Println("Redis check")
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 2 * time.Second,
	})
	defer func() { _ = client.Close() }()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	if err := client.Set(ctx, "aligncheck", "ok", 30*time.Second).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	val, err := client.Get(ctx, "aligncheck").Result()
	if err != nil {
		return fmt.Errorf("redis get: %w", err)
	}
	fmt.Println("redis GET aligncheck:", val)
	return nil
}

func checkWFS(baseURL, layer string) error {
	fmt.Println("WFS check")

	params := ogc.BuildGetFeatureParams(model.FeatureQuery{Layer: layer})
	params.Set("count", "2")
	wfsURL := ogc.OWSEndpoint(baseURL) + "?" + params.Encode()

	u, err := url.Parse(wfsURL)
	if err != nil {
		return fmt.Errorf("bad WFS URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	resp, err := http.Get(u.String())
	if err != nil {
		return fmt.Errorf("http get WFS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		// Only read a small part of body (because it can be large)
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("WFS status %d: %s", resp.StatusCode, string(b))
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	fmt.Println("WFS sample:")
	fmt.Println(string(body))
	return nil
}

func checkKafka(brokers []string, topic, layer string) error {
	fmt.Println("Kafka check")

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Version = sarama.V3_6_0_0
	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return fmt.Errorf("producer create: %w", err)
	}
	defer func() { _ = prod.Close() }()

	// A schema-valid event over an empty spot, so a listening consumer
	// treats it as a no-op invalidation.
	ev := invalidation.Event{
		Version: 1,
		Op:      "update",
		Layer:   layer,
		TS:      time.Now().UTC(),
		Source:  "aligncheck",
		BBox:    &invalidation.BBox{X1: 0, Y1: -89.99, X2: 0.0001, Y2: -89.98, SRID: "EPSG:4326"},
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("event validate: %w", err)
	}

	msgBytes, _ := json.Marshal(ev)
	_, _, err = prod.SendMessage(&sarama.ProducerMessage{
		Topic: topic, Value: sarama.ByteEncoder(msgBytes),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	fmt.Println("produced one event")

	consumer, err := sarama.NewConsumer(brokers, cfg)
	if err != nil {
		return fmt.Errorf("consumer create: %w", err)
	}
	defer func() { _ = consumer.Close() }()

	pc, err := consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		pc, err = consumer.ConsumePartition(topic, 0, sarama.OffsetOldest)
		if err != nil {
			return fmt.Errorf("consume partition: %w", err)
		}
	}
	defer func() { _ = pc.Close() }()

	select {
	case m := <-pc.Messages():
		fmt.Println("consumed:", string(m.Value))
	case <-time.After(5 * time.Second):
		fmt.Println("no message consumed (timeout)")
	}

	return nil
}

func checkH3() error {
	fmt.Println("H3 check")
	m := h3mapper.New()
	cells, err := m.CellsForBBox(model.BBox{
		X1: 18.0, Y1: 59.3, X2: 18.1, Y2: 59.35, SRID: "EPSG:4326",
	}, 8)
	if err != nil {
		return fmt.Errorf("cells for bbox: %w", err)
	}
	fmt.Printf("H3 coverage of central Stockholm at res 8: %d cells\n", len(cells))
	if len(cells) == 0 {
		return fmt.Errorf("empty coverage for a city-sized bbox")
	}

	// Hierarchy round trip on the first cell: the linked library must agree
	// with itself on resolution, parent and children.
	cell := cells[0]
	res, err := m.Resolution(cell)
	if err != nil {
		return fmt.Errorf("cell resolution: %w", err)
	}
	parent, err := m.ToParent(cell, res-1)
	if err != nil {
		return fmt.Errorf("cell parent: %w", err)
	}
	kids, err := m.ToChildren(parent, res)
	if err != nil {
		return fmt.Errorf("parent children: %w", err)
	}
	found := false
	for _, k := range kids {
		if k == cell {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("cell %s missing from children of its parent %s", cell, parent)
	}
	fmt.Printf("hierarchy round trip ok: %s -> %s -> %d children\n", cell, parent, len(kids))
	return nil
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	redisAddr := getenv("REDIS_ADDR", "localhost:6379")
	wfsBase := getenv("WFS_URL", "http://localhost:8080/geoserver")
	brokers := strings.Split(getenv("KAFKA_BROKERS", "localhost:9092"), ",")
	topic := getenv("KAFKA_TOPIC", "geo-invalidation")
	layer := getenv("WFS_LAYER", "demo:places")

	if err := checkRedis(ctx, redisAddr); err != nil {
		fmt.Println("Redis error:", err)
		return
	}
	if err := checkWFS(wfsBase, layer); err != nil {
		fmt.Println("WFS error:", err)
		return
	}
	if err := checkKafka(brokers, topic, layer); err != nil {
		fmt.Println("Kafka error:", err)
		return
	}
	if err := checkH3(); err != nil {
		fmt.Println("H3 error:", err)
		return
	}
	fmt.Println("All checks completed")
}
