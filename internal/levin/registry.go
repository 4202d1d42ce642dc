package levin

import (
	"sync"
	"time"
	"weak"
)

// ResponseCallback is invoked exactly once per invocation, with either a
// real response, a timeout, or a cancellation status.
type ResponseCallback func(status int32, payload []byte)

// invocation is one outstanding outbound request awaiting a response.
type invocation struct {
	callback ResponseCallback
	command  uint32
	timeout  time.Duration
	timer    *time.Timer
	owner    weak.Pointer[ProtocolHandler]

	mu        sync.Mutex
	done      bool
	cancelled bool // timer successfully cancelled already (owned by caller)
}

// invocationRegistry holds the per-connection FIFO of outstanding
// invocations and enforces the correlation/timeout rules.
//
// All callbacks fire outside the registry lock to avoid a deadlock between
// a callback that re-enters the handler and another goroutine holding the
// registry mutex.
type invocationRegistry struct {
	mu       sync.Mutex
	pending  []*invocation
	released bool
}

func newInvocationRegistry() *invocationRegistry {
	return &invocationRegistry{}
}

// addPending appends a new invocation and arms its timeout timer, returning
// the record so the caller can roll it back if the subsequent send fails.
// Returns nil if the connection is tearing down.
func (r *invocationRegistry) addPending(owner *ProtocolHandler, command uint32, timeout time.Duration, cb ResponseCallback) *invocation {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return nil
	}

	inv := &invocation{
		callback: cb,
		command:  command,
		timeout:  timeout,
		owner:    weak.Make(owner),
	}
	inv.timer = time.AfterFunc(timeout, func() { r.fireTimeout(inv) })
	r.pending = append(r.pending, inv)
	r.mu.Unlock()
	return inv
}

// cancelOne removes a specific, not-yet-delivered invocation (used to roll
// back addPending when the send that should have preceded a response never
// went out) and delivers status to its callback.
func (r *invocationRegistry) cancelOne(inv *invocation, status int32) {
	r.mu.Lock()
	for i, p := range r.pending {
		if p == inv {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	inv.timer.Stop()
	inv.complete(status, nil)
}

// onResponse matches an arriving response against the front of the FIFO
// and delivers it: cancel the front record's timer; if cancellation won
// the race against the timer firing, pop and deliver; otherwise leave it
// in place for the timer's own delivery. It reports the matched
// invocation's command and whether a match was delivered, so the caller can
// decide whether this response completes the handshake command.
func (r *invocationRegistry) onResponse(status int32, payload []byte) (command uint32, matched bool) {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return 0, false
	}
	front := r.pending[0]
	cancelled := front.timer.Stop()
	if !cancelled {
		// Timer callback already fired (or is about to); it owns delivery.
		r.mu.Unlock()
		return 0, false
	}
	r.pending = r.pending[1:]
	r.mu.Unlock()

	front.complete(status, payload)
	return front.command, true
}

// resetFrontTimer re-arms the front invocation's timer to its full
// original timeout, called by the parser when partial progress has been
// observed on an expected-response body.
func (r *invocationRegistry) resetFrontTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return
	}
	front := r.pending[0]
	front.timer.Reset(front.timeout)
}

// cancelAll swaps the pending list out under lock and delivers
// CONNECTION_DESTROYED to every outstanding handler outside the lock.
func (r *invocationRegistry) cancelAll(status int32) {
	r.mu.Lock()
	r.released = true
	local := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, inv := range local {
		inv.timer.Stop()
		inv.complete(status, nil)
	}
}

// fireTimeout is the timer-firing path: it must still race the front-pop
// in onResponse, since Stop() may already have lost that race by the time
// this runs on another goroutine scheduling gap. We re-validate that inv
// is still present in the pending list before declaring a timeout.
func (r *invocationRegistry) fireTimeout(inv *invocation) (timedOut bool) {
	r.mu.Lock()
	idx := -1
	for i, p := range r.pending {
		if p == inv {
			idx = i
			break
		}
	}
	if idx == -1 {
		r.mu.Unlock()
		return false
	}
	r.pending = append(r.pending[:idx], r.pending[idx+1:]...)
	r.mu.Unlock()

	inv.complete(StatusConnectionTimedOut, nil)
	return true
}

// complete invokes the invocation's callback exactly once. When the
// completion was a timeout it first closes the owning connection, if the
// owner is still live, so the callback already observes it closed.
func (inv *invocation) complete(status int32, payload []byte) {
	inv.mu.Lock()
	if inv.done {
		inv.mu.Unlock()
		return
	}
	inv.done = true
	inv.mu.Unlock()

	if status == StatusConnectionTimedOut {
		if owner := inv.owner.Value(); owner != nil {
			owner.Close()
		}
	}

	inv.callback(status, payload)
}
