package levin

import (
	"testing"
	"time"
)

func newTestHandler(t *testing.T) (*ProtocolHandler, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	tr.setSink(func([]byte) bool { return true })
	h := NewProtocolHandler(NewConnectionID(), tr, &fakeDispatcher{}, &fakeContext{id: NewConnectionID()}, time.Second)
	return h, tr
}

func TestTable_RegisterFindUnregister(t *testing.T) {
	tbl := NewTableSeeded(1)
	h, _ := newTestHandler(t)

	tbl.Register(h, true)

	got, ok := tbl.Find(h.ID())
	if !ok || got != h {
		t.Fatalf("Find after Register = %v, %v; want %v, true", got, ok, h)
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}

	tbl.Unregister(h.ID(), true)
	if _, ok := tbl.Find(h.ID()); ok {
		t.Error("Find found an unregistered connection")
	}
	if tbl.Len() != 0 {
		t.Errorf("Len() after Unregister = %d, want 0", tbl.Len())
	}
}

func TestTable_Unregister_IsIdempotent(t *testing.T) {
	tbl := NewTableSeeded(1)
	h, _ := newTestHandler(t)
	tbl.Register(h, true)

	tbl.Unregister(h.ID(), true)
	tbl.Unregister(h.ID(), true) // must not double-decrement

	if got := tbl.Incoming(); got != 0 {
		t.Errorf("Incoming() = %d, want 0", got)
	}
}

func TestTable_Register_TracksDirectionCounters(t *testing.T) {
	tbl := NewTableSeeded(1)
	in1, _ := newTestHandler(t)
	in2, _ := newTestHandler(t)
	out1, _ := newTestHandler(t)

	tbl.Register(in1, true)
	tbl.Register(in2, true)
	tbl.Register(out1, false)

	if got := tbl.Incoming(); got != 2 {
		t.Errorf("Incoming() = %d, want 2", got)
	}
	if got := tbl.Outgoing(); got != 1 {
		t.Errorf("Outgoing() = %d, want 1", got)
	}
}

func TestTable_HandlerClose_AutoUnregisters(t *testing.T) {
	tbl := NewTableSeeded(1)
	h, _ := newTestHandler(t)
	tbl.Register(h, true)

	h.Close()

	if _, ok := tbl.Find(h.ID()); ok {
		t.Error("closing the handler should have dropped its table entry")
	}
	if tbl.Len() != 0 {
		t.Errorf("Len() after handler Close = %d, want 0", tbl.Len())
	}
	if got := tbl.Incoming(); got != 0 {
		t.Errorf("Incoming() after handler Close = %d, want 0", got)
	}
}

func TestTable_ForEach_VisitsAllLive(t *testing.T) {
	tbl := NewTableSeeded(1)
	handlers := make([]*ProtocolHandler, 0, 3)
	for i := 0; i < 3; i++ {
		h, _ := newTestHandler(t)
		tbl.Register(h, true)
		handlers = append(handlers, h)
	}

	seen := make(map[ConnectionID]bool)
	tbl.ForEach(func(h *ProtocolHandler) {
		seen[h.ID()] = true
	})

	if len(seen) != len(handlers) {
		t.Fatalf("ForEach visited %d handlers, want %d", len(seen), len(handlers))
	}
	for _, h := range handlers {
		if !seen[h.ID()] {
			t.Errorf("ForEach did not visit %v", h.ID())
		}
	}
}

func TestTable_EvictRandom_EmptyTable(t *testing.T) {
	tbl := NewTableSeeded(1)
	if evicted := tbl.EvictRandom(1, DirectionAny); len(evicted) != 0 {
		t.Errorf("EvictRandom on an empty table = %v, want none", evicted)
	}
}

func TestTable_EvictRandom_ClosesExactlyOneConnection(t *testing.T) {
	tbl := NewTableSeeded(42)
	handlers := make([]*ProtocolHandler, 0, 5)
	for i := 0; i < 5; i++ {
		h, _ := newTestHandler(t)
		tbl.Register(h, true)
		handlers = append(handlers, h)
	}

	evicted := tbl.EvictRandom(1, DirectionAny)
	if len(evicted) != 1 {
		t.Fatalf("EvictRandom(1, ...) returned %d ids, want 1", len(evicted))
	}

	closedCount := 0
	var evictedHandler *ProtocolHandler
	for _, h := range handlers {
		if h.Closed() {
			closedCount++
			evictedHandler = h
		}
	}
	if closedCount != 1 {
		t.Fatalf("EvictRandom closed %d connections, want exactly 1", closedCount)
	}
	if evictedHandler.ID() != evicted[0] {
		t.Errorf("EvictRandom returned id %v, but closed handler has id %v", evicted[0], evictedHandler.ID())
	}
	if tbl.Len() != len(handlers)-1 {
		t.Errorf("Len() after eviction = %d, want %d", tbl.Len(), len(handlers)-1)
	}
}

func TestTable_EvictRandom_RespectsCountAndDirection(t *testing.T) {
	tbl := NewTableSeeded(7)
	in := make([]*ProtocolHandler, 0, 3)
	for i := 0; i < 3; i++ {
		h, _ := newTestHandler(t)
		tbl.Register(h, true)
		in = append(in, h)
	}
	out, _ := newTestHandler(t)
	tbl.Register(out, false)

	evicted := tbl.EvictRandom(10, DirectionIncoming)
	if len(evicted) != len(in) {
		t.Fatalf("EvictRandom(10, DirectionIncoming) evicted %d, want %d", len(evicted), len(in))
	}
	if out.Closed() {
		t.Error("EvictRandom(DirectionIncoming) must not evict an outgoing connection")
	}
	if !out.Closed() && tbl.Len() != 1 {
		t.Errorf("Len() after directional eviction = %d, want 1 (only the outgoing survivor)", tbl.Len())
	}
}

func TestTable_Register_RejectsDuplicateID(t *testing.T) {
	tbl := NewTableSeeded(1)
	h, _ := newTestHandler(t)

	if ok := tbl.Register(h, true); !ok {
		t.Fatal("first Register should succeed")
	}
	if ok := tbl.Register(h, true); ok {
		t.Error("Register of an already-registered live connection should report false")
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() after duplicate Register = %d, want 1", tbl.Len())
	}
}

func TestTable_Find_AfterHandlerClose_NotFound(t *testing.T) {
	tbl := NewTableSeeded(1)
	h, _ := newTestHandler(t)
	tbl.Register(h, true)

	// Closing drops the table entry synchronously via the onClosed hook, so
	// a subsequent Find must report the connection gone without needing GC.
	h.Close()

	if _, ok := tbl.Find(h.ID()); ok {
		t.Error("Find should not resolve a closed connection")
	}
}
