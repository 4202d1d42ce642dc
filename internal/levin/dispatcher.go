package levin

import (
	"context"

	"github.com/google/uuid"
)

// ConnectionID is the 128-bit universally-unique value the transport
// assigns at connection creation.
type ConnectionID = uuid.UUID

// NewConnectionID mints a fresh random connection identifier.
func NewConnectionID() ConnectionID {
	return uuid.New()
}

// Context is the capability set the core consumes from a connection's
// embedding context.
type Context interface {
	ConnectionID() ConnectionID
	IsIncoming() bool
	HandshakeCommand() uint32
	HandshakeComplete() bool
}

// Dispatcher is the command-handler contract the embedding application
// provides. Implementations may be called concurrently for distinct
// connections but are serialized per connection by the parser's
// single-threaded delivery on that connection's stream.
type Dispatcher interface {
	// Invoke handles a request expecting a response. status is framed back
	// to the peer as the RESPONSE frame's return_code; out is its payload.
	Invoke(ctx context.Context, command uint32, in []byte, peer Context) (status int32, out []byte, err error)
	// Notify handles a one-way request. Errors are logged and swallowed.
	Notify(ctx context.Context, command uint32, in []byte, peer Context) error
	// OnConnectionNew fires once, before any dispatch for peer.
	OnConnectionNew(peer Context)
	// OnConnectionClose fires once, after all dispatch for peer.
	OnConnectionClose(peer Context)
	// Callback is an optional deferred-work hook invoked from the
	// transport's reactor thread after RequestCallback().
	Callback(peer Context)
}

// Transport is the boundary the core consumes from the connection's I/O
// layer.
type Transport interface {
	// DoSend enqueues bytes for transmission, returning false on failure.
	// Implementations must not retain b past the call, matching io.Writer's
	// convention: ProtocolHandler recycles send buffers through pkg/bufpool
	// immediately after DoSend returns.
	DoSend(b []byte) bool
	// Close initiates orderly shutdown of the underlying connection.
	Close()
	// RequestCallback asks the reactor to later invoke Dispatcher.Callback
	// from the reactor thread.
	RequestCallback()
	// RunOnceServiceIO pumps the underlying event loop for one iteration.
	// A reactor-based transport would re-enter this from a blocking Invoke
	// call; this module's Invoke instead blocks on a channel signalled by
	// the invocation registry, so transports may implement this as a no-op
	// returning true. It remains part of the contract for implementations
	// that do drive their own reactor loop.
	RunOnceServiceIO() bool
}

// NopDispatcher is a Dispatcher that answers every Invoke with
// CONNECTION_HANDLER_NOT_DEFINED and otherwise does nothing. It is the
// default used by cmd/levind when no application command table has been
// wired in.
type NopDispatcher struct{}

func (NopDispatcher) Invoke(_ context.Context, _ uint32, _ []byte, _ Context) (int32, []byte, error) {
	return StatusConnectionHandlerNotDefined, nil, nil
}

func (NopDispatcher) Notify(context.Context, uint32, []byte, Context) error { return nil }
func (NopDispatcher) OnConnectionNew(Context)                               {}
func (NopDispatcher) OnConnectionClose(Context)                             {}
func (NopDispatcher) Callback(Context)                                      {}
