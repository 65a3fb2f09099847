package cache

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultCapacity is the default maximum number of entries held in memory.
const DefaultCapacity = 100

// Memory is a bounded in-memory cache of entries keyed by request key.
// When an insert pushes it over capacity, the entry with the oldest
// timestamp is evicted.
type Memory struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*item
	byAge    ageHeap
	seq      uint64
}

type item struct {
	entry Entry
	seq   uint64
	index int
}

// NewMemory creates a cache holding at most capacity entries.
func NewMemory(capacity int) (*Memory, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be greater than 0 (got %d)", capacity)
	}
	return &Memory{
		capacity: capacity,
		items:    make(map[string]*item, capacity),
	}, nil
}

// Capacity returns the configured capacity.
func (m *Memory) Capacity() int {
	return m.capacity
}

// Len returns the number of cached entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Get returns the entry for key regardless of freshness.
// A miss is reported through the boolean, not an error.
func (m *Memory) Get(key string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[key]
	if !ok {
		return Entry{}, false
	}
	return it.entry, true
}

// GetFresh returns the entry for key only if it is younger than maxAge at now.
func (m *Memory) GetFresh(key string, now time.Time, maxAge time.Duration) (Entry, bool) {
	entry, ok := m.Get(key)
	if !ok || !entry.Fresh(now, maxAge) {
		return Entry{}, false
	}
	return entry, true
}

// Set stores data under key, replacing any existing entry, and returns the stored entry.
// The stored timestamp never moves backwards: a write carrying an older
// timestamp keeps the existing one. Returns the evicted key, if any.
func (m *Memory) Set(key string, data json.RawMessage, url, domain string, now time.Time) (Entry, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := Entry{
		Key:       key,
		Data:      data,
		URL:       url,
		Domain:    domain,
		Timestamp: now,
	}

	if it, ok := m.items[key]; ok {
		if it.entry.Timestamp.After(entry.Timestamp) {
			entry.Timestamp = it.entry.Timestamp
		}
		it.entry = entry
		m.seq++
		it.seq = m.seq
		heap.Fix(&m.byAge, it.index)
		return entry, ""
	}

	m.seq++
	it := &item{entry: entry, seq: m.seq}
	heap.Push(&m.byAge, it)
	m.items[key] = it

	var evicted string
	if len(m.items) > m.capacity {
		oldest := heap.Pop(&m.byAge).(*item)
		delete(m.items, oldest.entry.Key)
		evicted = oldest.entry.Key
		CacheEvictions.Inc()
	}
	CacheEntries.Set(float64(len(m.items)))

	return entry, evicted
}

// Delete removes the entry for key. It reports whether an entry was removed.
func (m *Memory) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[key]
	if !ok {
		return false
	}
	heap.Remove(&m.byAge, it.index)
	delete(m.items, key)
	CacheEntries.Set(float64(len(m.items)))
	return true
}

// Clear removes every entry.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*item, m.capacity)
	m.byAge = nil
	CacheEntries.Set(0)
}

// Keys returns the cached keys ordered from oldest to newest timestamp.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	snapshot := make(ageHeap, len(m.byAge))
	for i, it := range m.byAge {
		snapshot[i] = &item{entry: it.entry, seq: it.seq, index: i}
	}
	m.mu.Unlock()

	keys := make([]string, 0, len(snapshot))
	for snapshot.Len() > 0 {
		keys = append(keys, heap.Pop(&snapshot).(*item).entry.Key)
	}
	return keys
}

// PurgeExpired removes entries older than their domain's max age at now.
// maxAgeFor returns the max age for a domain name and false for unknown
// domains, whose entries are kept. Returns the number of removed entries.
func (m *Memory) PurgeExpired(now time.Time, maxAgeFor func(domain string) (time.Duration, bool)) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, it := range m.items {
		maxAge, ok := maxAgeFor(it.entry.Domain)
		if !ok || it.entry.Fresh(now, maxAge) {
			continue
		}
		heap.Remove(&m.byAge, it.index)
		delete(m.items, key)
		removed++
	}
	CacheEntries.Set(float64(len(m.items)))
	return removed
}

// ageHeap is a min-heap of items ordered by timestamp, then insertion order.
type ageHeap []*item

func (h ageHeap) Len() int { return len(h) }

func (h ageHeap) Less(i, j int) bool {
	ti, tj := h[i].entry.Timestamp, h[j].entry.Timestamp
	if ti.Equal(tj) {
		return h[i].seq < h[j].seq
	}
	return ti.Before(tj)
}

func (h ageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *ageHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *ageHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
