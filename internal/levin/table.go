package levin

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/levinproto/levin/pkg/metrics"
)

// Direction filters Table operations by the direction a connection was
// established in.
type Direction int

const (
	// DirectionAny matches both incoming and outgoing connections.
	DirectionAny Direction = iota
	// DirectionIncoming matches only connections registered as incoming.
	DirectionIncoming
	// DirectionOutgoing matches only connections registered as outgoing.
	DirectionOutgoing
)

func (d Direction) matches(incoming bool) bool {
	switch d {
	case DirectionIncoming:
		return incoming
	case DirectionOutgoing:
		return !incoming
	default:
		return true
	}
}

// tableEntry pairs a connection's weak reference with the direction it was
// registered under, so EvictRandom can filter candidates without resolving
// every weak pointer twice.
type tableEntry struct {
	ref      weak.Pointer[ProtocolHandler]
	incoming bool
}

// Table is the process-wide connection registry: it tracks every live
// connection by weak reference so a handler's natural lifetime is owned by
// its connection object, not by the table, and offers random eviction for
// over-limit enforcement. It also holds the single shared command handler
// dispatched to by-id operations route through, along with a destructor
// invoked when that handler is replaced.
//
// Keys are the generic ConnectionID rather than a protocol-specific handle,
// and entries hold weak.Pointer so a closed handler is reclaimable even if
// Unregister is never called.
type Table struct {
	mu      sync.RWMutex
	entries map[ConnectionID]tableEntry

	incoming atomic.Int64
	outgoing atomic.Int64

	// rng drives EvictRandom's selection; NewTableSeeded fixes its seed for
	// deterministic tests.
	rng *rand.Rand

	metrics metrics.EngineMetrics

	handlerMu      sync.Mutex
	handler        Dispatcher
	handlerDestroy func()
}

// SetMetrics wires an EngineMetrics sink for connection-count and eviction
// reporting.
func (t *Table) SetMetrics(m metrics.EngineMetrics) { t.metrics = m }

// NewTable constructs an empty connection table whose EvictRandom source is
// seeded from the wall clock; tests that need determinism use NewTableSeeded.
func NewTable() *Table {
	return &Table{
		entries: make(map[ConnectionID]tableEntry),
		rng:     rand.New(rand.NewSource(randSeed())),
	}
}

// NewTableSeeded constructs a table whose EvictRandom selection is
// reproducible, for tests.
func NewTableSeeded(seed int64) *Table {
	return &Table{
		entries: make(map[ConnectionID]tableEntry),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// randSeed is split out so it's the only place the wall clock is read for
// seeding, keeping the rest of Table deterministic given a seed.
func randSeed() int64 {
	return time.Now().UnixNano()
}

// Register adds h to the table under its connection ID and bumps the
// incoming/outgoing counter. It also wires h's tear-down hook so the entry
// is dropped from the table the moment the handler closes, rather than
// waiting to be discovered stale.
//
// Register reports false without modifying the table if id is already
// registered to a still-live handler.
func (t *Table) Register(h *ProtocolHandler, incoming bool) bool {
	id := h.ID()

	t.mu.Lock()
	if existing, ok := t.entries[id]; ok && existing.ref.Value() != nil {
		t.mu.Unlock()
		return false
	}
	t.entries[id] = tableEntry{ref: weak.Make(h), incoming: incoming}
	t.mu.Unlock()

	if incoming {
		t.incoming.Add(1)
	} else {
		t.outgoing.Add(1)
	}
	if t.metrics != nil {
		t.metrics.ConnectionOpened(incoming)
	}

	h.SetOnClosed(func() {
		t.Unregister(id, incoming)
	})
	return true
}

// Unregister removes id from the table and decrements the matching
// direction counter. Safe to call more than once.
func (t *Table) Unregister(id ConnectionID, incoming bool) {
	t.mu.Lock()
	_, existed := t.entries[id]
	delete(t.entries, id)
	t.mu.Unlock()

	if !existed {
		return
	}
	if incoming {
		t.incoming.Add(-1)
	} else {
		t.outgoing.Add(-1)
	}
	if t.metrics != nil {
		t.metrics.ConnectionClosed(incoming)
	}
}

// Find resolves id to its live handler, or (nil, false) if the connection
// has already gone away and its weak reference has been cleared.
func (t *Table) Find(id ConnectionID) (*ProtocolHandler, bool) {
	t.mu.RLock()
	entry, ok := t.entries[id]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	h := entry.ref.Value()
	if h == nil {
		t.Unregister(id, entry.incoming)
		return nil, false
	}
	return h, true
}

// Len reports the number of entries currently tracked, live or not yet
// reaped.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Incoming and Outgoing report the live connection counts by direction.
func (t *Table) Incoming() int64 { return t.incoming.Load() }
func (t *Table) Outgoing() int64 { return t.outgoing.Load() }

// ForEach calls fn for every connection whose weak reference still
// resolves, skipping (and reaping) entries that have already been
// collected. fn must not call back into Table.
func (t *Table) ForEach(fn func(*ProtocolHandler)) {
	t.mu.RLock()
	entries := make(map[ConnectionID]tableEntry, len(t.entries))
	for id, e := range t.entries {
		entries[id] = e
	}
	t.mu.RUnlock()

	for id, e := range entries {
		h := e.ref.Value()
		if h == nil {
			t.Unregister(id, e.incoming)
			continue
		}
		fn(h)
	}
}

// ForConnection resolves id and calls fn with its live handler, reporting
// whether the connection was found.
func (t *Table) ForConnection(id ConnectionID, fn func(*ProtocolHandler)) bool {
	h, ok := t.Find(id)
	if !ok {
		return false
	}
	fn(h)
	return true
}

// EvictRandom closes up to count uniformly-random live connections matching
// direction and returns their IDs, used to enforce a maximum-connections
// policy. A negative or zero count evicts nothing. Reports fewer than count
// IDs if the table doesn't hold that many matching live connections.
func (t *Table) EvictRandom(count int, direction Direction) []ConnectionID {
	if count <= 0 {
		return nil
	}

	t.mu.RLock()
	ids := make([]ConnectionID, 0, len(t.entries))
	for id, e := range t.entries {
		if e.ref.Value() != nil && direction.matches(e.incoming) {
			ids = append(ids, id)
		}
	}
	t.mu.RUnlock()

	t.rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	if count > len(ids) {
		count = len(ids)
	}

	evicted := make([]ConnectionID, 0, count)
	for _, id := range ids[:count] {
		h, ok := t.Find(id)
		if !ok {
			continue
		}
		h.Close()
		if t.metrics != nil {
			t.metrics.ConnectionEvicted()
		}
		evicted = append(evicted, id)
	}
	return evicted
}

// SetHandler installs the shared Dispatcher that by-id operations and newly
// accepted connections route through. If a handler is already installed,
// its destructor (if any) runs first.
func (t *Table) SetHandler(handler Dispatcher, destroyFn func()) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	if t.handlerDestroy != nil {
		t.handlerDestroy()
	}
	t.handler = handler
	t.handlerDestroy = destroyFn
}

// Handler returns the shared Dispatcher installed via SetHandler, or
// (nil, false) if none has been set.
func (t *Table) Handler() (Dispatcher, bool) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	return t.handler, t.handler != nil
}

// Invoke resolves id and performs a synchronous invocation against it,
// reporting ConnectionNotFound if id is not registered.
func (t *Table) Invoke(id ConnectionID, command uint32, payload []byte, timeout time.Duration) (status int32, response []byte) {
	h, ok := t.Find(id)
	if !ok {
		return StatusConnectionNotFound, nil
	}
	return h.Invoke(command, payload, timeout)
}

// InvokeAsync resolves id and performs an asynchronous invocation against
// it, calling cb with ConnectionNotFound if id is not registered.
func (t *Table) InvokeAsync(id ConnectionID, command uint32, payload []byte, timeout time.Duration, cb ResponseCallback) bool {
	h, ok := t.Find(id)
	if !ok {
		cb(StatusConnectionNotFound, nil)
		return false
	}
	return h.InvokeAsync(command, payload, timeout, cb)
}

// Notify resolves id and sends it a one-way request, reporting
// ConnectionNotFound if id is not registered.
func (t *Table) Notify(id ConnectionID, command uint32, payload []byte) int32 {
	h, ok := t.Find(id)
	if !ok {
		return StatusConnectionNotFound
	}
	return h.Notify(command, payload)
}

// Send resolves id and transmits raw verbatim, reporting false if id is not
// registered.
func (t *Table) Send(id ConnectionID, raw []byte) bool {
	h, ok := t.Find(id)
	if !ok {
		return false
	}
	return h.Send(raw)
}

// Close resolves id and tears its connection down, reporting false if id is
// not registered.
func (t *Table) Close(id ConnectionID) bool {
	h, ok := t.Find(id)
	if !ok {
		return false
	}
	h.Close()
	return true
}

// RequestCallback resolves id and asks its transport to schedule a
// Dispatcher.Callback invocation, reporting false if id is not registered.
func (t *Table) RequestCallback(id ConnectionID) bool {
	h, ok := t.Find(id)
	if !ok {
		return false
	}
	h.RequestCallback()
	return true
}
