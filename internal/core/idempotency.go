package core

import (
	"container/list"
	"fmt"
)

// DBIdempotencyChecker is the Postgres-side duplicate lookup, consulted
// when a key misses the in-memory tier.
type DBIdempotencyChecker interface {
	IsDuplicate(idempotencyKey string) (bool, error)
}

// IdempotencyChecker deduplicates request keys in two tiers: a hot
// in-memory LRU and a cold DB lookup for keys older than the LRU window.
type IdempotencyChecker struct {
	lru       *requestKeyLRU
	dbChecker DBIdempotencyChecker
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newRequestKeyLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate reports whether the key was already applied. A DB error is
// treated as not-duplicate so a flaky lookup cannot stall processing; the
// UNIQUE constraint on the event log is the backstop.
func (ic *IdempotencyChecker) IsDuplicate(key string) bool {
	if ic.lru.Touch(key) {
		return true
	}
	if ic.dbChecker == nil {
		return false
	}

	isDup, err := ic.dbChecker.IsDuplicate(key)
	if err != nil {
		return false
	}
	if isDup {
		ic.lru.Add(key)
	}
	return isDup
}

// MarkApplied records a successfully applied key.
func (ic *IdempotencyChecker) MarkApplied(key string) {
	ic.lru.Add(key)
}

// Warm preloads keys read from the event log tail on restart.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		ic.lru.Add(key)
	}
}

// Size returns the number of cached keys.
func (ic *IdempotencyChecker) Size() int {
	return ic.lru.list.Len()
}

// requestKeyLRU caches request keys with least-recently-used eviction.
// Not thread-safe; only the single exchange goroutine touches it.
type requestKeyLRU struct {
	capacity int
	index    map[string]*list.Element
	list     *list.List // element values are the key strings
}

func newRequestKeyLRU(capacity int) *requestKeyLRU {
	if capacity <= 0 {
		panic(fmt.Sprintf("lru capacity must be positive, got %d", capacity))
	}
	return &requestKeyLRU{
		capacity: capacity,
		index:    make(map[string]*list.Element, capacity),
		list:     list.New(),
	}
}

// Touch reports whether the key is cached, promoting it on a hit.
func (lru *requestKeyLRU) Touch(key string) bool {
	elem, ok := lru.index[key]
	if ok {
		lru.list.MoveToFront(elem)
	}
	return ok
}

// Add caches a key, evicting the oldest entry when over capacity.
func (lru *requestKeyLRU) Add(key string) {
	if lru.Touch(key) {
		return
	}
	lru.index[key] = lru.list.PushFront(key)
	if lru.list.Len() > lru.capacity {
		oldest := lru.list.Back()
		lru.list.Remove(oldest)
		delete(lru.index, oldest.Value.(string))
	}
}
