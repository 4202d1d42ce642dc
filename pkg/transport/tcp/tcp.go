// Package tcp is the one concrete internal/levin.Transport implementation
// this module ships: a plain TCP accept loop feeding bytes into a fresh
// ProtocolHandler per connection.
package tcp

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/levinproto/levin/internal/levin"
	"github.com/levinproto/levin/internal/logger"
	"github.com/levinproto/levin/pkg/metrics"
)

// readBufferSize is the chunk size used for each net.Conn.Read call feeding
// the stream parser.
const readBufferSize = 64 * 1024

// ServerOptions bounds the resources a Server and the connections it
// accepts may consume. A zero InvokeTimeout is handed to each
// ProtocolHandler as is; the packet-size limits replace the engine's
// package defaults only when both are non-zero.
type ServerOptions struct {
	// InvokeTimeout is the default per-invocation response timeout handed
	// to every accepted connection's ProtocolHandler.
	InvokeTimeout time.Duration
	// InitialMaxPacketSize bounds traffic before a connection's handshake
	// command completes.
	InitialMaxPacketSize int
	// FullMaxPacketSize is the ceiling granted once the handshake completes.
	FullMaxPacketSize int
	// MaxConnections is the incoming connection count past which the accept loop
	// evicts a random incoming connection before admitting a new one. Zero
	// disables admission control.
	MaxConnections int
}

// Server accepts TCP connections and hands each one to a fresh
// levin.ProtocolHandler, registering it in a shared levin.Table. The
// command handler dispatched to is whatever table.SetHandler installed;
// the table, not the Server, owns that binding.
type Server struct {
	table   *levin.Table
	metrics metrics.EngineMetrics
	opts    ServerOptions

	// handshakeCommand is reported to every connection's Context; a real
	// application would derive this from its own command set.
	handshakeCommand uint32

	listenerMu sync.Mutex
	listener   net.Listener

	shutdown chan struct{}
	closeOne sync.Once
}

// NewServer constructs a Server. The command handler dispatched to is
// sourced from table.Handler() at accept time; if none has been installed,
// every inbound Invoke answers CONNECTION_HANDLER_NOT_DEFINED
// (levin.NopDispatcher).
func NewServer(table *levin.Table, m metrics.EngineMetrics, handshakeCommand uint32, opts ServerOptions) *Server {
	return &Server{
		table:            table,
		metrics:          m,
		opts:             opts,
		handshakeCommand: handshakeCommand,
		shutdown:         make(chan struct{}),
	}
}

// Serve listens on addr and accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	logger.Info("levin: tcp listener started", logger.RemoteAddr(addr))

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
				logger.Debug("levin: accept error", logger.Err(err))
				continue
			}
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}

		go s.handleConn(conn)
	}
}

// Close stops the accept loop and closes the listener, idempotently.
func (s *Server) Close() {
	s.closeOne.Do(func() {
		close(s.shutdown)
		s.listenerMu.Lock()
		l := s.listener
		s.listenerMu.Unlock()
		if l != nil {
			_ = l.Close()
		}
	})
}

// handleConn wires one accepted net.Conn into the engine: a connTransport
// adapter, a fresh ProtocolHandler, table registration, and a blocking read
// loop that feeds HandleRecv until the peer disconnects or the connection
// is closed by the engine (timeout, framing error).
func (s *Server) handleConn(conn net.Conn) {
	id := levin.NewConnectionID()
	peer := &connContext{id: id, incoming: true, handshakeCommand: s.handshakeCommand}
	transport := &connTransport{conn: conn}

	dispatcher, _ := s.table.Handler()
	h := levin.NewProtocolHandler(id, transport, dispatcher, peer, s.opts.InvokeTimeout)
	h.SetMetrics(s.metrics)
	if s.opts.InitialMaxPacketSize > 0 && s.opts.FullMaxPacketSize > 0 {
		h.SetPacketSizeLimits(s.opts.InitialMaxPacketSize, s.opts.FullMaxPacketSize)
	}
	s.table.Register(h, true)

	if s.opts.MaxConnections > 0 {
		if over := int(s.table.Incoming()) - s.opts.MaxConnections; over > 0 {
			evicted := s.table.EvictRandom(over, levin.DirectionIncoming)
			logger.Debug("levin: evicted connections over MaxConnections", "count", len(evicted))
		}
	}

	logger.Debug("levin: connection accepted", logger.ConnectionID(id.String()), logger.RemoteAddr(conn.RemoteAddr().String()))
	defer logger.Debug("levin: connection closed", logger.ConnectionID(id.String()), logger.RemoteAddr(conn.RemoteAddr().String()))

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if !h.HandleRecv(buf[:n]) {
				return
			}
		}
		if err != nil {
			h.Close()
			return
		}
	}
}

// connTransport adapts a net.Conn to levin.Transport.
type connTransport struct {
	conn net.Conn
}

func (t *connTransport) DoSend(b []byte) bool {
	_, err := t.conn.Write(b)
	return err == nil
}

func (t *connTransport) Close() {
	_ = t.conn.Close()
}

func (t *connTransport) RequestCallback() {
	// No application-level deferred work in the demo server; a real
	// embedding application would enqueue peer.Callback onto its own
	// work queue here.
}

func (t *connTransport) RunOnceServiceIO() bool {
	// This transport's Invoke never re-enters an event loop (see
	// internal/levin.ProtocolHandler.Invoke); nothing to pump.
	return true
}

// connContext is the minimal levin.Context for a plain TCP connection.
type connContext struct {
	id               levin.ConnectionID
	incoming         bool
	handshakeCommand uint32
	complete         atomic.Bool
}

func (c *connContext) ConnectionID() levin.ConnectionID { return c.id }
func (c *connContext) IsIncoming() bool                 { return c.incoming }
func (c *connContext) HandshakeCommand() uint32          { return c.handshakeCommand }
func (c *connContext) HandshakeComplete() bool           { return c.complete.Load() }

// MarkHandshakeComplete lets an application's Dispatcher.Invoke/Notify
// implementation record that the handshake command has now been answered.
func (c *connContext) MarkHandshakeComplete() { c.complete.Store(true) }
