package levin

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/levinproto/levin/internal/logger"
	"github.com/levinproto/levin/internal/wire"
	"github.com/levinproto/levin/pkg/bufpool"
	"github.com/levinproto/levin/pkg/metrics"
)

// DefaultInvokeTimeout is the timeout Invoke/InvokeAsync fall back to when
// the caller passes a zero duration.
const DefaultInvokeTimeout = 30 * time.Second

// ProtocolHandler is the per-connection façade: it owns a
// Parser and an invocation registry for one connection, exposes the
// Send/Notify/Invoke surface the embedding application drives, and routes
// inbound bytes from the transport into reassembled dispatch calls.
//
// It pairs a protocol decoder with a writeMu-guarded send path and an
// idempotent Close.
type ProtocolHandler struct {
	id         ConnectionID
	transport  Transport
	dispatcher Dispatcher
	peer       Context

	parser   *Parser
	registry *invocationRegistry

	defaultTimeout time.Duration

	// writeMu serializes physical writes onto transport so a response frame
	// emitted from the receive path never interleaves on the wire with an
	// invoke/notify frame built on another goroutine.
	writeMu sync.Mutex
	// callMu serializes the compound "build frame, send, register
	// invocation" sequence for Invoke/InvokeAsync.
	callMu sync.Mutex

	closeOnce    sync.Once
	closeCounter atomic.Int64
	released     atomic.Bool

	// onClosed, when set, is called once tear-down completes (wired by the
	// connection table to drop its entry).
	onClosed func()

	// metrics is nil unless the embedding application enabled metrics; every
	// call site guards with a nil check so this stays zero-overhead by
	// default.
	metrics metrics.EngineMetrics
}

// SetMetrics wires an EngineMetrics sink. Must be called before the handler
// starts serving traffic.
func (h *ProtocolHandler) SetMetrics(m metrics.EngineMetrics) { h.metrics = m }

// SetPacketSizeLimits overrides this connection's pre/post-handshake packet
// size ceilings, replacing the package defaults. Must be called before the
// handler starts serving traffic.
func (h *ProtocolHandler) SetPacketSizeLimits(initial, full int) {
	h.parser.SetMaxPacketSizeLimits(initial, full)
}

// NewProtocolHandler constructs a handler bound to one connection. timeout
// is the default per-invocation timeout when callers pass 0.
func NewProtocolHandler(id ConnectionID, transport Transport, dispatcher Dispatcher, peer Context, timeout time.Duration) *ProtocolHandler {
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}
	if dispatcher == nil {
		dispatcher = NopDispatcher{}
	}

	h := &ProtocolHandler{
		id:             id,
		transport:      transport,
		dispatcher:     dispatcher,
		peer:           peer,
		registry:       newInvocationRegistry(),
		defaultTimeout: timeout,
	}
	h.parser = NewParser(id.String(), dispatchFuncs{
		onRequest:           h.onRequestFrame,
		onNotify:            h.onNotifyFrame,
		onResponse:          h.onResponseFrame,
		onHandshakeProgress: h.onHandshakeProgress,
		onProgress:          h.registry.resetFrontTimer,
	})
	dispatcher.OnConnectionNew(peer)
	return h
}

// ID reports the connection identifier this handler serves.
func (h *ProtocolHandler) ID() ConnectionID { return h.id }

// doSend writes raw bytes to the transport under writeMu, returning false on
// failure.
func (h *ProtocolHandler) doSend(raw []byte) bool {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.transport.DoSend(raw)
}

// Send transmits a pre-built frame stream verbatim (used for noise padding
// and hand-built fragmented sequences).
func (h *ProtocolHandler) Send(raw []byte) bool {
	if h.released.Load() {
		return false
	}
	return h.doSend(raw)
}

// Notify sends a one-way request with expect_response=false. Returns a
// positive value on success, a non-positive status on failure.
func (h *ProtocolHandler) Notify(command uint32, payload []byte) int32 {
	h.callMu.Lock()
	defer h.callMu.Unlock()

	if h.released.Load() {
		return StatusConnectionDestroyed
	}
	frame := wire.MakeNotify(command, payload)
	ok := h.doSend(frame)
	bufpool.Put(frame)
	if !ok {
		return StatusConnection
	}
	return 1
}

// InvokeAsync sends a request expecting a response and arranges for cb to
// be called exactly once, either with the correlated response, a timeout,
// or a failure status. The invocation record is registered before the
// frame is sent so a same-goroutine-fast peer can never produce a response
// the registry doesn't yet know to expect.
func (h *ProtocolHandler) InvokeAsync(command uint32, payload []byte, timeout time.Duration, cb ResponseCallback) bool {
	if timeout <= 0 {
		timeout = h.defaultTimeout
	}

	h.callMu.Lock()
	defer h.callMu.Unlock()

	if h.released.Load() {
		cb(StatusConnectionDestroyed, nil)
		return false
	}

	wrapped := cb
	if h.metrics != nil {
		h.metrics.InvocationStarted()
		wrapped = func(status int32, payload []byte) {
			h.metrics.InvocationFinished(status)
			if status == StatusConnectionTimedOut {
				h.metrics.InvocationTimedOut()
			}
			cb(status, payload)
		}
	}

	inv := h.registry.addPending(h, command, timeout, wrapped)
	if inv == nil {
		wrapped(StatusConnectionDestroyed, nil)
		return false
	}

	header := wire.MakeHeader(command, uint64(len(payload)), wire.FlagRequest, true)
	out := bufpool.Get(wire.HeaderSize + len(payload))
	copy(out, wire.Encode(header))
	copy(out[wire.HeaderSize:], payload)

	ok := h.doSend(out)
	bufpool.Put(out)
	if !ok {
		h.registry.cancelOne(inv, StatusConnection)
		return false
	}
	return true
}

// Invoke sends a request and blocks until a response, timeout, or
// connection teardown delivers a result. It is built on InvokeAsync plus a
// one-shot channel rather than re-entering a reactor loop: the registry's
// own timer guarantees the callback fires within timeout regardless of
// what else happens on the connection.
func (h *ProtocolHandler) Invoke(command uint32, payload []byte, timeout time.Duration) (status int32, response []byte) {
	done := make(chan struct{})
	var resStatus int32
	var resPayload []byte

	h.InvokeAsync(command, payload, timeout, func(s int32, p []byte) {
		resStatus, resPayload = s, p
		close(done)
	})
	<-done
	return resStatus, resPayload
}

// HandleRecv feeds newly-received bytes into the stream parser. It returns
// false (and tears the connection down) on any framing violation.
func (h *ProtocolHandler) HandleRecv(b []byte) bool {
	if h.released.Load() {
		return false
	}
	if err := h.parser.Feed(b); err != nil {
		logger.Debug("levin: connection framing error, closing", logger.ConnectionID(h.id.String()), logger.Err(err))
		if h.metrics != nil {
			h.metrics.FrameParseFailed()
		}
		h.Close()
		return false
	}
	return true
}

// onRequestFrame answers a REQUEST frame with expect_response=true: it
// dispatches to the application Dispatcher and frames/sends the RESPONSE
// frame itself.
func (h *ProtocolHandler) onRequestFrame(command uint32, payload []byte) {
	status, out, err := h.dispatcher.Invoke(context.Background(), command, payload, h.peer)
	if err != nil {
		logger.Debug("levin: dispatcher invoke error", logger.ConnectionID(h.id.String()), logger.Command(command), logger.Err(err))
		status = StatusConnectionHandlerNotDefined
		out = nil
	}

	respHeader := wire.Header{
		Signature:       wire.Signature,
		BodyLength:      uint64(len(out)),
		ExpectResponse:  false,
		Command:         command,
		ReturnCode:      status,
		Flags:           wire.FlagResponse,
		ProtocolVersion: wire.ProtocolVersion,
	}
	frame := bufpool.Get(wire.HeaderSize + len(out))
	copy(frame, wire.Encode(respHeader))
	copy(frame[wire.HeaderSize:], out)
	h.doSend(frame)
	bufpool.Put(frame)
}

// onNotifyFrame answers a one-way REQUEST frame: dispatcher errors are
// logged and swallowed.
func (h *ProtocolHandler) onNotifyFrame(command uint32, payload []byte) {
	if err := h.dispatcher.Notify(context.Background(), command, payload, h.peer); err != nil {
		logger.Debug("levin: dispatcher notify error", logger.ConnectionID(h.id.String()), logger.Command(command), logger.Err(err))
	}
}

// onResponseFrame correlates an inbound RESPONSE frame against the pending
// invocation FIFO. A successful response to the handshake command promotes
// the packet size ceiling the same way a successfully-answered inbound
// handshake request does.
func (h *ProtocolHandler) onResponseFrame(returnCode int32, payload []byte) {
	command, matched := h.registry.onResponse(returnCode, payload)
	if matched && returnCode == StatusOK {
		h.onHandshakeProgress(command)
	}
}

// onHandshakeProgress promotes the packet size ceiling once the peer's
// designated handshake command has been answered.
func (h *ProtocolHandler) onHandshakeProgress(command uint32) {
	if h.peer != nil && h.peer.HandshakeCommand() == command {
		h.parser.PromoteMaxPacketSize()
	}
}

// Close tears the connection down exactly once: it asks the transport to
// close, cancels every outstanding invocation with CONNECTION_DESTROYED,
// and notifies the dispatcher and (if wired) the owning connection table.
func (h *ProtocolHandler) Close() {
	h.closeOnce.Do(func() {
		h.closeCounter.Add(1)
		h.released.Store(true)
		h.transport.Close()
		h.registry.cancelAll(StatusConnectionDestroyed)
		h.dispatcher.OnConnectionClose(h.peer)
		if h.onClosed != nil {
			h.onClosed()
		}
	})
}

// Closed reports whether Close has already run.
func (h *ProtocolHandler) Closed() bool { return h.released.Load() }

// RequestCallback asks the transport to schedule a Dispatcher.Callback
// invocation for this connection's peer.
func (h *ProtocolHandler) RequestCallback() { h.transport.RequestCallback() }

// SetOnClosed wires a callback the connection table uses to drop its entry
// once this handler tears down. It must be called before the handler is
// published to any other goroutine.
func (h *ProtocolHandler) SetOnClosed(fn func()) { h.onClosed = fn }
