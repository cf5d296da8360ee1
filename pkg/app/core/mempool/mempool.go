package mempool

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
)

// Entry is an admitted order waiting for dispatch.
type Entry struct {
	Order    *order.Order
	Tier     order.Priority // current tier, may be above Order.Priority after aging
	Seq      uint64         // admission sequence, fixed for the entry's lifetime
	Since    time.Time      // when the entry entered its current tier
	Attempts int            // dispatches that ended in a shard failure
}

// Config tunes batch composition.
type Config struct {
	// Weights is the share of a batch reserved per tier, Urgent first.
	Weights [order.NumPriorities]int

	// UrgentThreshold is the urgent depth that triggers an immediate drain.
	UrgentThreshold int

	// AgingInterval is how long an entry waits in one tier before promotion.
	AgingInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Weights:         [order.NumPriorities]int{40, 30, 20, 10},
		UrgentThreshold: 4,
		AgingInterval:   500 * time.Millisecond,
	}
}

// Mempool keeps one FIFO queue per priority tier.
// Within a tier, entries stay ordered by admission sequence, so requeued
// and promoted entries slot back in ahead of younger ones.
type Mempool struct {
	mu    sync.Mutex
	cfg   Config
	tiers [order.NumPriorities][]*Entry
	index map[string]*Entry
	seq   uint64
}

func NewMempool(cfg Config) *Mempool {
	return &Mempool{cfg: cfg, index: make(map[string]*Entry)}
}

// Push enqueues o in the tier named by its priority.
func (m *Mempool) Push(o *order.Order, now time.Time) (*Entry, error) {
	if !o.Priority.Valid() {
		return nil, fmt.Errorf("order %s: invalid priority %d", o.ID, o.Priority)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.index[o.ID]; dup {
		return nil, fmt.Errorf("order %s already queued", o.ID)
	}
	m.seq++
	e := &Entry{Order: o, Tier: o.Priority, Seq: m.seq, Since: now}
	o.Seq = e.Seq
	m.tiers[e.Tier] = append(m.tiers[e.Tier], e)
	m.index[o.ID] = e
	return e, nil
}

// PushFront returns dispatched entries to the head of their tiers, keeping
// their original admission order.
func (m *Mempool) PushFront(entries ...*Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if _, queued := m.index[e.Order.ID]; queued {
			continue
		}
		m.insert(e)
		m.index[e.Order.ID] = e
	}
}

// insert places e in its tier by sequence.
func (m *Mempool) insert(e *Entry) {
	q := m.tiers[e.Tier]
	i := sort.Search(len(q), func(i int) bool { return q[i].Seq > e.Seq })
	q = append(q, nil)
	copy(q[i+1:], q[i:])
	q[i] = e
	m.tiers[e.Tier] = q
}

// Remove drops a queued entry by order id.
func (m *Mempool) Remove(id string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.index[id]
	if !ok {
		return nil, false
	}
	delete(m.index, id)
	q := m.tiers[e.Tier]
	for i, x := range q {
		if x == e {
			m.tiers[e.Tier] = append(q[:i], q[i+1:]...)
			break
		}
	}
	return e, true
}

// SelectBatch removes up to n entries: each tier first contributes its
// weighted share, then the batch is topped up from the highest non-empty
// tiers. Entries come out tier by tier, FIFO within a tier.
func (m *Mempool) SelectBatch(n int) []*Entry {
	if n <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int
	for _, w := range m.cfg.Weights {
		total += w
	}

	var take [order.NumPriorities]int
	budget := n
	if total > 0 {
		for t, w := range m.cfg.Weights {
			quota := n * w / total
			take[t] = min(quota, len(m.tiers[t]))
			budget -= take[t]
		}
	}
	for t := range take {
		if budget == 0 {
			break
		}
		extra := min(budget, len(m.tiers[t])-take[t])
		take[t] += extra
		budget -= extra
	}

	out := make([]*Entry, 0, n-budget)
	for t, k := range take {
		out = append(out, m.pop(order.Priority(t), k)...)
	}
	return out
}

// SelectTier removes up to n entries from a single tier.
func (m *Mempool) SelectTier(tier order.Priority, n int) []*Entry {
	if n <= 0 || !tier.Valid() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pop(tier, min(n, len(m.tiers[tier])))
}

func (m *Mempool) pop(tier order.Priority, k int) []*Entry {
	if k == 0 {
		return nil
	}
	q := m.tiers[tier]
	out := q[:k:k]
	m.tiers[tier] = q[k:]
	for _, e := range out {
		delete(m.index, e.Order.ID)
	}
	return out
}

// UrgentReady reports whether enough urgent entries are waiting to skip the
// regular batch cadence.
func (m *Mempool) UrgentReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.tiers[order.Urgent])
	return n > 0 && n >= m.cfg.UrgentThreshold
}

// PromoteAged moves every entry that has waited AgingInterval in its tier up
// one tier and returns how many moved.
func (m *Mempool) PromoteAged(now time.Time) int {
	if m.cfg.AgingInterval <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	moved := 0
	for t := order.High; t < order.NumPriorities; t++ {
		q := m.tiers[t]
		keep := q[:0]
		var aged []*Entry
		for _, e := range q {
			if now.Sub(e.Since) >= m.cfg.AgingInterval {
				aged = append(aged, e)
			} else {
				keep = append(keep, e)
			}
		}
		m.tiers[t] = keep
		for _, e := range aged {
			e.Tier = t - 1
			e.Since = now
			m.insert(e)
		}
		moved += len(aged)
	}
	return moved
}

// Len returns the total number of queued entries.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

// Depths returns the queue length of every tier, Urgent first.
func (m *Mempool) Depths() [order.NumPriorities]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var d [order.NumPriorities]int
	for t, q := range m.tiers {
		d[t] = len(q)
	}
	return d
}
