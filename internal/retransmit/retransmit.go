// Package retransmit implements the per-source retransmission cache: the
// set of signed, outstanding Zombiegrams a node still expects the mesh to
// acknowledge, with a priority-weighted completion threshold.
package retransmit

import (
	"errors"
	"sync"

	"github.com/zombiemesh/zombiemesh/internal/zombiegram"
)

// ErrInvalidAckCache is returned by Cache.Add when a seq_num collides with
// an entry already present: either pathological traffic or a
// cache-retention bug, surfaced upward rather than silently overwritten.
var ErrInvalidAckCache = errors.New("retransmit: seq_num collision in cache")

type entry struct {
	ackCount int
	ackedBy  map[uint32]struct{}
	message  *zombiegram.Zombiegram
	isOwn    bool
}

// Cache holds outstanding messages originated by, or forwarded through,
// a single source_id, keyed by seq_num. A Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[uint8]*entry
}

// NewCache returns an empty per-source retransmission cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[uint8]*entry)}
}

// Add inserts zg into the cache. It fails with ErrInvalidAckCache if
// zg.SeqNum() is already present.
func (c *Cache) Add(zg *zombiegram.Zombiegram, isOwn bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := zg.SeqNum()
	if _, exists := c.entries[seq]; exists {
		return ErrInvalidAckCache
	}
	c.entries[seq] = &entry{
		ackedBy: make(map[uint32]struct{}),
		message: zg,
		isOwn:   isOwn,
	}
	return nil
}

// RecordAck credits fromSource with having acknowledged seq. It is a
// no-op if seq is unknown (already retired) or fromSource already acked it.
func (c *Cache) RecordAck(fromSource uint32, seq uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[seq]
	if !ok {
		return
	}
	if _, already := e.ackedBy[fromSource]; already {
		return
	}
	e.ackedBy[fromSource] = struct{}{}
	e.ackCount++
}

// Len returns the number of outstanding entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// threshold computes the ack-count a message must reach to be considered
// satisfied: own messages need broader coverage than forwarded
// ones, and higher priorities scale the bar upward.
func threshold(neighborCount int, isOwn bool, prio zombiegram.Priority) float64 {
	ownBase := float64(neighborCount) * 0.5
	nbrBase := 0.0
	if neighborCount > 1 {
		nbrBase = float64(neighborCount) * 0.3
	}
	base := nbrBase
	if isOwn {
		base = ownBase
	}
	return base * prio.Weight()
}

// DrainCompleted removes every entry whose ack_count has reached its
// priority-weighted threshold and returns the remaining (still pending)
// messages for re-send, plus the count of entries wiped. If
// neighborCount is 0 the entire cache is wiped regardless of ack_count
// and an empty pending list is returned, since a neighborless node has
// no one left to hear a retransmit.
func (c *Cache) DrainCompleted(neighborCount int) (pending []*zombiegram.Zombiegram, wiped int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if neighborCount == 0 {
		wiped = len(c.entries)
		c.entries = make(map[uint8]*entry)
		return nil, wiped
	}

	for seq, e := range c.entries {
		t := threshold(neighborCount, e.isOwn, e.message.Priority())
		if float64(e.ackCount) >= t {
			delete(c.entries, seq)
			wiped++
			continue
		}
		pending = append(pending, e.message)
	}
	return pending, wiped
}

// Manager owns one Cache per source_id. The map itself is guarded by a
// mutex distinct from each Cache's own lock, matching the concurrency
// model in which the background worker serializes map structure changes
// while the receive/send paths and the worker's drain pass contend only
// on the per-source Cache they share.
type Manager struct {
	mu     sync.Mutex
	caches map[uint32]*Cache
}

// NewManager returns an empty retransmission cache manager.
func NewManager() *Manager {
	return &Manager{caches: make(map[uint32]*Cache)}
}

// CacheFor returns the Cache for sourceID, creating it if absent.
func (m *Manager) CacheFor(sourceID uint32) *Cache {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[sourceID]
	if !ok {
		c = NewCache()
		m.caches[sourceID] = c
	}
	return c
}

// Sources returns every source_id that has a cache, including caches
// that have since been drained empty.
func (m *Manager) Sources() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint32, 0, len(m.caches))
	for src := range m.caches {
		out = append(out, src)
	}
	return out
}

// Clear discards every per-source cache, dropping all outstanding
// entries. Used at router shutdown.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.caches = make(map[uint32]*Cache)
	m.mu.Unlock()
}

// TotalPending sums Len() across every per-source cache; used to decide
// whether a node may enter deep sleep.
func (m *Manager) TotalPending() int {
	m.mu.Lock()
	caches := make([]*Cache, 0, len(m.caches))
	for _, c := range m.caches {
		caches = append(caches, c)
	}
	m.mu.Unlock()

	total := 0
	for _, c := range caches {
		total += c.Len()
	}
	return total
}

// DrainAll runs DrainCompleted across every per-source cache and returns
// the combined pending list along with the total number of entries wiped.
func (m *Manager) DrainAll(neighborCount int) (pending []*zombiegram.Zombiegram, wiped int) {
	m.mu.Lock()
	caches := make([]*Cache, 0, len(m.caches))
	for _, c := range m.caches {
		caches = append(caches, c)
	}
	m.mu.Unlock()

	for _, c := range caches {
		p, w := c.DrainCompleted(neighborCount)
		pending = append(pending, p...)
		wiped += w
	}
	return pending, wiped
}
