package kafkaconsumer

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// eventDedupe suppresses replays of the same feature change. Kafka delivers
// at least once; a replayed or out-of-order event carries a timestamp no
// newer than the last one applied for its key.
type eventDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, uint64]
}

func newEventDedupe(size int) *eventDedupe {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, uint64](size)
	return &eventDedupe{lru: c}
}

// shouldApply reports whether ts is newer than the last applied timestamp
// for key, recording it when so.
func (d *eventDedupe) shouldApply(key string, ts uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(key); ok && ts <= last {
		return false
	}
	d.lru.Add(key, ts)
	return true
}
