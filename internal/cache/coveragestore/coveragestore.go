// Package coveragestore persists scan results keyed by batch fingerprint
// and maintains the cell reverse index walked by invalidation.
package coveragestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/geo-align/internal/cache/keys"
	"github.com/mohammed-shakir/geo-align/internal/cache/redisstore"
	"github.com/mohammed-shakir/geo-align/internal/core/model"
)

// StoredScan is the cached payload for one scanned batch.
type StoredScan struct {
	BatchID  string             `json:"batch_id"`
	Rasters  []model.RasterInfo `json:"rasters"`
	Coverage json.RawMessage    `json:"coverage,omitempty"`
	Cells    model.Cells        `json:"cells,omitempty"`
}

type Store interface {
	Get(ctx context.Context, target string, res int, fingerprint uint64) (*StoredScan, error)

	Put(ctx context.Context, target string, res int, fingerprint uint64, scan StoredScan, ttl time.Duration) error

	// DropCells removes every coverage entry indexed under the given cells,
	// plus the index entries themselves. Returns the number of coverage
	// entries dropped.
	DropCells(ctx context.Context, target string, res int, cells []string) (int, error)
}

// Fingerprint folds path names, sizes and mtimes into a batch identity.
// Order does not matter; touching any raster moves the batch to a new key.
func Fingerprint(paths []string) (uint64, error) {
	sorted := slices.Clone(paths)
	slices.Sort(sorted)

	d := xxhash.New()
	for _, p := range sorted {
		fi, err := os.Stat(p)
		if err != nil {
			return 0, fmt.Errorf("stat %s: %w", p, err)
		}
		fmt.Fprintf(d, "%s:%d:%d\n", p, fi.Size(), fi.ModTime().UnixNano())
	}
	return d.Sum64(), nil
}

type redisStore struct {
	cli        *redisstore.Client
	defaultTTL time.Duration
}

func NewRedisStore(cli *redisstore.Client, defaultTTL time.Duration) Store {
	return &redisStore{
		cli:        cli,
		defaultTTL: defaultTTL,
	}
}

func (s *redisStore) Get(
	ctx context.Context,
	target string,
	res int,
	fingerprint uint64,
) (*StoredScan, error) {
	key := keys.Coverage(target, res, fingerprint)

	raw, err := s.cli.MGet(ctx, []string{key})
	if err != nil {
		return nil, fmt.Errorf("coveragestore redis MGET: %w", err)
	}
	body, ok := raw[key]
	if !ok || len(body) == 0 {
		return nil, nil
	}

	var scan StoredScan
	if err := json.Unmarshal(body, &scan); err != nil {
		return nil, fmt.Errorf("coveragestore decode scan: %w", err)
	}
	return &scan, nil
}

func (s *redisStore) Put(
	ctx context.Context,
	target string,
	res int,
	fingerprint uint64,
	scan StoredScan,
	ttl time.Duration,
) error {
	t := ttl
	if t <= 0 {
		t = s.defaultTTL
	}

	covKey := keys.Coverage(target, res, fingerprint)
	payload, err := json.Marshal(scan)
	if err != nil {
		return fmt.Errorf("coveragestore encode scan: %w", err)
	}
	if err := s.cli.Set(ctx, covKey, payload, t); err != nil {
		return fmt.Errorf("coveragestore redis SET %q: %w", covKey, err)
	}

	if len(scan.Cells) == 0 {
		return nil
	}

	cellKeys := uniqueCellKeys(target, res, scan.Cells)

	existing, err := s.cli.MGet(ctx, cellKeys)
	if err != nil {
		return fmt.Errorf("coveragestore redis MGET cell index: %w", err)
	}

	kv := make(map[string][]byte, len(cellKeys))
	for _, k := range cellKeys {
		var ids []string
		if raw, ok := existing[k]; ok && len(raw) > 0 {
			if err := json.Unmarshal(raw, &ids); err != nil {
				ids = nil // rewrite damaged entries
			}
		}
		if !slices.Contains(ids, covKey) {
			ids = append(ids, covKey)
		}
		body, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("coveragestore encode cell index: %w", err)
		}
		kv[k] = body
	}

	if err := s.cli.MSetWithTTL(ctx, kv, t); err != nil {
		return fmt.Errorf("coveragestore redis MSET cell index: %w", err)
	}
	return nil
}

func (s *redisStore) DropCells(
	ctx context.Context,
	target string,
	res int,
	cells []string,
) (int, error) {
	if len(cells) == 0 {
		return 0, nil
	}

	cellKeys := uniqueCellKeys(target, res, cells)

	found, err := s.cli.MGet(ctx, cellKeys)
	if err != nil {
		return 0, fmt.Errorf("coveragestore redis MGET cell index: %w", err)
	}

	seen := make(map[string]struct{})
	var covKeys []string
	for _, k := range cellKeys {
		raw, ok := found[k]
		if !ok || len(raw) == 0 {
			continue
		}
		var ids []string
		if err := json.Unmarshal(raw, &ids); err != nil {
			continue // damaged entry, the DEL below still clears it
		}
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			covKeys = append(covKeys, id)
		}
	}

	if len(covKeys) > 0 {
		if err := s.cli.Del(ctx, covKeys...); err != nil {
			return 0, fmt.Errorf("coveragestore redis DEL coverage: %w", err)
		}
	}
	if err := s.cli.Del(ctx, cellKeys...); err != nil {
		return len(covKeys), fmt.Errorf("coveragestore redis DEL cell index: %w", err)
	}
	return len(covKeys), nil
}

func uniqueCellKeys(target string, res int, cells []string) []string {
	out := make([]string, 0, len(cells))
	seen := make(map[string]struct{}, len(cells))
	for _, c := range cells {
		k := keys.Cell(target, res, c)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
