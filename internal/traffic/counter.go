// Package traffic keeps per-forward byte and connection counters for the
// lifetime of the process. Nothing here is persisted.
package traffic

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orris-inc/sshfwd/internal/forward"
)

// entry holds the counters of one forward. Counters are atomic so the
// copy loops can record without taking the map lock for writing.
type entry struct {
	bytesIn           atomic.Int64
	bytesOut          atomic.Int64
	connectionsTotal  atomic.Int64
	connectionsActive atomic.Int64
	lastActivity      atomic.Int64 // unix nanos
	startTime         atomic.Int64 // unix nanos
}

func (e *entry) touch(now time.Time) {
	e.lastActivity.Store(now.UnixNano())
}

func (e *entry) snapshot(id string) forward.TrafficStats {
	return forward.TrafficStats{
		ForwardID:         id,
		BytesIn:           e.bytesIn.Load(),
		BytesOut:          e.bytesOut.Load(),
		ConnectionsTotal:  e.connectionsTotal.Load(),
		ConnectionsActive: e.connectionsActive.Load(),
		LastActivity:      time.Unix(0, e.lastActivity.Load()),
		StartTime:         time.Unix(0, e.startTime.Load()),
	}
}

// Counter tracks TrafficStats per forward id.
type Counter struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// NewCounter creates an empty counter.
func NewCounter() *Counter {
	return &Counter{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Init creates the stats of id if they do not exist yet.
func (c *Counter) Init(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[id]; ok {
		return
	}
	e := &entry{}
	now := c.now()
	e.startTime.Store(now.UnixNano())
	e.touch(now)
	c.entries[id] = e
}

func (c *Counter) lookup(id string) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[id]
}

// Record adds bytes to the counters of id. Unknown ids are ignored.
func (c *Counter) Record(id string, bytesIn, bytesOut int64) {
	e := c.lookup(id)
	if e == nil {
		return
	}
	if bytesIn > 0 {
		e.bytesIn.Add(bytesIn)
	}
	if bytesOut > 0 {
		e.bytesOut.Add(bytesOut)
	}
	e.touch(c.now())
}

// IncrementConnection counts a newly accepted connection.
func (c *Counter) IncrementConnection(id string) {
	e := c.lookup(id)
	if e == nil {
		return
	}
	e.connectionsTotal.Add(1)
	e.connectionsActive.Add(1)
	e.touch(c.now())
}

// DecrementConnection counts a closed connection. The active count never
// goes below zero.
func (c *Counter) DecrementConnection(id string) {
	e := c.lookup(id)
	if e == nil {
		return
	}
	for {
		cur := e.connectionsActive.Load()
		if cur <= 0 {
			return
		}
		if e.connectionsActive.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Reset zeroes the byte counters and the connection total and restarts
// the measurement window. The live connection count is kept.
func (c *Counter) Reset(id string) bool {
	e := c.lookup(id)
	if e == nil {
		return false
	}
	e.bytesIn.Store(0)
	e.bytesOut.Store(0)
	e.connectionsTotal.Store(0)
	e.startTime.Store(c.now().UnixNano())
	return true
}

// Remove drops the stats of id.
func (c *Counter) Remove(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Get returns a snapshot of the stats of id.
func (c *Counter) Get(id string) (forward.TrafficStats, bool) {
	e := c.lookup(id)
	if e == nil {
		return forward.TrafficStats{}, false
	}
	return e.snapshot(id), true
}

// GetAll returns snapshots of every tracked forward, ordered by id.
func (c *Counter) GetAll() []forward.TrafficStats {
	c.mu.RLock()
	stats := make([]forward.TrafficStats, 0, len(c.entries))
	for id, e := range c.entries {
		stats = append(stats, e.snapshot(id))
	}
	c.mu.RUnlock()

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].ForwardID < stats[j].ForwardID
	})
	return stats
}
