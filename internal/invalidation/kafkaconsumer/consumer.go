// Package kafkaconsumer applies feature-change events from Kafka to the
// coverage store and the upstream response cache.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geo-align/internal/cache/keys"
	"github.com/mohammed-shakir/geo-align/internal/core/model"
	"github.com/mohammed-shakir/geo-align/internal/core/observability"
	"github.com/mohammed-shakir/geo-align/internal/invalidation"
)

// CellMapper covers an event footprint with H3 cells.
type CellMapper interface {
	CellsForBBox(bb model.BBox, res int) (model.Cells, error)
	CellsForGeometry(g orb.Geometry, res int) (model.Cells, error)
}

// CoverageDropper walks the cell reverse index and removes the cached scans
// it points at.
type CoverageDropper interface {
	DropCells(ctx context.Context, target string, res int, cells []string) (int, error)
}

// ResponseCache deletes cached upstream responses by key prefix.
type ResponseCache interface {
	DelPrefix(ctx context.Context, prefix string) (int, error)
}

type Consumer struct {
	cfg       Config
	logger    *slog.Logger
	store     CoverageDropper
	responses ResponseCache
	mapper    CellMapper
	target    string
	resRange  []int
	seen      *eventDedupe
}

// New wires a consumer for one target SRS. responses may be nil when no
// upstream response cache is deployed; resRange defaults to resolution 8.
func New(cfg Config, logger *slog.Logger, store CoverageDropper, responses ResponseCache, mapper CellMapper, target string, resRange []int) *Consumer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if len(resRange) == 0 {
		resRange = []int{8}
	}
	return &Consumer{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		responses: responses,
		mapper:    mapper,
		target:    target,
		resRange:  resRange,
		seen:      newEventDedupe(8192),
	}
}

// Start consumes invalidation events until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	if c.store == nil || c.mapper == nil {
		return errors.New("kafkaconsumer: missing dependencies (store/mapper)")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}

	c.logger.Info("kafka invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("kafka invalidation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.logger.Error("consumer error", "err", err)
				observability.IncConsumerError()
				time.Sleep(2 * time.Second)
			}
		}
	}
}

// ProcessOne applies a single invalidation event. Malformed events are
// dropped with a nil return so a poison message cannot wedge its partition;
// cache and mapper failures return an error and replay the message.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		observability.IncConsumerError()
		c.logger.Error("dropping undecodable invalidation event",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		observability.IncConsumerError()
		c.logger.Error("dropping invalid invalidation event",
			"layer", ev.Layer, "op", ev.Op, "offset", msg.Offset, "err", err)
		return nil
	}

	if key := ev.DedupeKey(); key != "" && !c.seen.shouldApply(key, uint64(ev.TS.UnixNano())) {
		c.logger.Debug("skipping replayed invalidation event",
			"layer", ev.Layer, "op", ev.Op, "feature_id", ev.FeatureID)
		return nil
	}

	var footprint orb.Geometry
	if len(ev.Geometry) > 0 {
		g, err := ev.Footprint()
		if err != nil {
			observability.IncConsumerError()
			c.logger.Error("dropping invalidation event with undecodable footprint",
				"layer", ev.Layer, "offset", msg.Offset, "err", err)
			return nil
		}
		footprint = g
	}

	dropped := 0
	for _, res := range c.resRange {
		cells, err := c.cellsForEvent(ev, footprint, res)
		if err != nil {
			observability.IncConsumerError()
			return fmt.Errorf("cover footprint at res %d: %w", res, err)
		}
		if len(cells) == 0 {
			continue
		}
		n, err := c.store.DropCells(ctx, c.target, res, cells)
		if err != nil {
			observability.IncConsumerError()
			return fmt.Errorf("drop coverage at res %d: %w", res, err)
		}
		dropped += n
	}

	purged := 0
	if c.responses != nil {
		n, err := c.responses.DelPrefix(ctx, keys.LayerPrefix(ev.Layer))
		if err != nil {
			observability.IncConsumerError()
			return fmt.Errorf("purge layer responses: %w", err)
		}
		purged = n
	}

	observability.IncInvalidation(ev.Op)
	c.logger.Info("invalidation applied",
		"layer", ev.Layer, "op", ev.Op,
		"coverage_dropped", dropped, "responses_purged", purged,
		"elapsed", time.Since(start).String())
	return nil
}

// choose mapping method based on event content
func (c *Consumer) cellsForEvent(ev invalidation.Event, footprint orb.Geometry, res int) (model.Cells, error) {
	if ev.BBox != nil {
		cells, err := c.mapper.CellsForBBox(toModelBBox(*ev.BBox), res)
		if err != nil {
			return nil, fmt.Errorf("CellsForBBox: %w", err)
		}
		return cells, nil
	}
	cells, err := c.mapper.CellsForGeometry(footprint, res)
	if err != nil {
		return nil, fmt.Errorf("CellsForGeometry: %w", err)
	}
	return cells, nil
}

func toModelBBox(b invalidation.BBox) model.BBox {
	return model.BBox{
		X1:   b.X1,
		Y1:   b.Y1,
		X2:   b.X2,
		Y2:   b.Y2,
		SRID: b.SRID,
	}
}
