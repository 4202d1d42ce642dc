package levin

import (
	"sync/atomic"
	"testing"
	"time"
)

type recordedCompletion struct {
	status  int32
	payload []byte
}

func recordingCallback(out *[]recordedCompletion, done chan<- struct{}) ResponseCallback {
	return func(status int32, payload []byte) {
		*out = append(*out, recordedCompletion{status, payload})
		select {
		case done <- struct{}{}:
		default:
		}
	}
}

func TestRegistry_FIFO_OrderedDelivery(t *testing.T) {
	r := newInvocationRegistry()
	var got []recordedCompletion
	done := make(chan struct{}, 3)

	for i := 0; i < 3; i++ {
		inv := r.addPending(nil, uint32(i), time.Minute, recordingCallback(&got, done))
		if inv == nil {
			t.Fatalf("addPending(%d) returned nil", i)
		}
	}

	r.onResponse(100, []byte("first"))
	r.onResponse(101, []byte("second"))
	r.onResponse(102, []byte("third"))

	if len(got) != 3 {
		t.Fatalf("got %d completions, want 3", len(got))
	}
	want := []int32{100, 101, 102}
	for i, w := range want {
		if got[i].status != w {
			t.Errorf("completion %d status = %d, want %d", i, got[i].status, w)
		}
	}
}

func TestRegistry_OnResponse_EmptyRegistry_NoOp(t *testing.T) {
	r := newInvocationRegistry()
	// Must not panic when no invocation is outstanding.
	r.onResponse(0, []byte("stray"))
}

func TestRegistry_ResponseDelivered_TimerStopped(t *testing.T) {
	r := newInvocationRegistry()
	var got []recordedCompletion
	done := make(chan struct{}, 1)

	r.addPending(nil, 1, 50*time.Millisecond, recordingCallback(&got, done))
	r.onResponse(StatusOK, []byte("ok"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	// Give the (stopped) timer a chance to misfire before asserting.
	time.Sleep(100 * time.Millisecond)

	if len(got) != 1 {
		t.Fatalf("got %d completions, want exactly 1 (timer should not have fired too)", len(got))
	}
	if got[0].status != StatusOK {
		t.Errorf("status = %d, want %d", got[0].status, StatusOK)
	}
}

func TestRegistry_Timeout_FiresCallback(t *testing.T) {
	r := newInvocationRegistry()
	var got []recordedCompletion
	done := make(chan struct{}, 1)

	r.addPending(nil, 1, 20*time.Millisecond, recordingCallback(&got, done))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout callback never fired")
	}

	if len(got) != 1 || got[0].status != StatusConnectionTimedOut {
		t.Fatalf("got %+v, want a single CONNECTION_TIMED_OUT completion", got)
	}
}

func TestRegistry_ResetFrontTimer_ExtendsLife(t *testing.T) {
	r := newInvocationRegistry()
	var got []recordedCompletion
	done := make(chan struct{}, 1)

	r.addPending(nil, 1, 80*time.Millisecond, recordingCallback(&got, done))

	// Keep resetting for longer than the original timeout; the invocation
	// must not have timed out yet.
	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		r.resetFrontTimer()
	}
	if len(got) != 0 {
		t.Fatalf("invocation completed early: %+v", got)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("invocation never completed after resets stopped")
	}
	if len(got) != 1 || got[0].status != StatusConnectionTimedOut {
		t.Fatalf("got %+v, want a single timeout after resets stopped", got)
	}
}

func TestRegistry_CancelAll_DeliversToEveryPending(t *testing.T) {
	r := newInvocationRegistry()
	var count int32
	const n = 5
	done := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		r.addPending(nil, uint32(i), time.Minute, func(status int32, payload []byte) {
			atomic.AddInt32(&count, 1)
			done <- struct{}{}
		})
	}

	r.cancelAll(StatusConnectionDestroyed)

	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("not all invocations were delivered by cancelAll")
		}
	}
	if got := atomic.LoadInt32(&count); got != n {
		t.Fatalf("delivered %d completions, want %d", got, n)
	}

	// The registry is released; further adds must fail.
	if inv := r.addPending(nil, 0, time.Second, func(int32, []byte) {}); inv != nil {
		t.Error("addPending after cancelAll should return nil")
	}
}

func TestRegistry_CancelOne_RollsBackAndDelivers(t *testing.T) {
	r := newInvocationRegistry()
	var got []recordedCompletion
	done := make(chan struct{}, 1)

	inv := r.addPending(nil, 9, time.Minute, recordingCallback(&got, done))
	if inv == nil {
		t.Fatal("addPending returned nil")
	}
	r.cancelOne(inv, StatusConnection)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancelOne did not deliver completion")
	}
	if len(got) != 1 || got[0].status != StatusConnection {
		t.Fatalf("got %+v, want a single CONNECTION completion", got)
	}

	// The invocation was removed; a subsequent response must be a no-op.
	r.onResponse(StatusOK, nil)
	if len(got) != 1 {
		t.Errorf("onResponse after cancelOne delivered an extra completion: %+v", got)
	}
}

func TestRegistry_ExactlyOnce_TimeoutVsResponseRace(t *testing.T) {
	// Regardless of which path wins, the callback must fire exactly once.
	for i := 0; i < 20; i++ {
		r := newInvocationRegistry()
		var count int32
		done := make(chan struct{}, 1)

		r.addPending(nil, 1, time.Millisecond, func(status int32, payload []byte) {
			atomic.AddInt32(&count, 1)
			select {
			case done <- struct{}{}:
			default:
			}
		})
		// Race a response in immediately; the timer is already armed for 1ms.
		r.onResponse(StatusOK, nil)

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("neither path delivered a completion")
		}
		time.Sleep(5 * time.Millisecond)

		if got := atomic.LoadInt32(&count); got != 1 {
			t.Fatalf("iteration %d: callback fired %d times, want exactly 1", i, got)
		}
	}
}
