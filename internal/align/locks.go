package align

import (
	"slices"
	"sync"
)

// keyedLocks serializes work per raster path. Reprojection writes a sidecar
// file next to the source, so two scans touching the same path must not
// overlap.
type keyedLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{m: make(map[string]*sync.Mutex)}
}

// lockAll acquires the locks for every path in sorted order, so overlapping
// batches always contend in the same sequence and cannot deadlock.
func (k *keyedLocks) lockAll(paths []string) (unlock func()) {
	sorted := slices.Clone(paths)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]*sync.Mutex, 0, len(sorted))
	for _, p := range sorted {
		k.mu.Lock()
		m, ok := k.m[p]
		if !ok {
			m = &sync.Mutex{}
			k.m[p] = m
		}
		k.mu.Unlock()
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
