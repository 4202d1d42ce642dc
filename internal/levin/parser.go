package levin

import (
	"bytes"
	"fmt"

	"github.com/levinproto/levin/internal/logger"
	"github.com/levinproto/levin/internal/wire"
	"github.com/levinproto/levin/pkg/bufpool"
)

// parserState is the two-state machine driving incremental frame assembly.
type parserState int

const (
	awaitHeader parserState = iota
	awaitBody
)

// MinBytesWanted is the minimum number of new body bytes that must arrive
// since the last reset before the front invocation's timer is re-armed.
const MinBytesWanted = 512

const (
	// InitialMaxPacketSize bounds traffic before the handshake completes.
	InitialMaxPacketSize = 256 << 10
	// FullMaxPacketSize is the limit granted once the handshake command
	// has completed successfully.
	FullMaxPacketSize = 100 << 20
)

// dispatchFuncs are the upcalls the Parser drives once a complete message
// has been reassembled. They are supplied by the owning ProtocolHandler so
// the parser stays a pure state machine with no knowledge of invoke/notify
// plumbing, with the upcalls injected by the owning connection object
// rather than reached for directly.
type dispatchFuncs struct {
	// onRequest handles a REQUEST frame with expect_response=true. The
	// callback owns dispatching to the command handler and framing/sending
	// the RESPONSE frame back through the wire codec; the parser does not
	// see the result.
	onRequest func(command uint32, payload []byte)
	// onNotify handles a REQUEST frame with expect_response=false.
	onNotify func(command uint32, payload []byte)
	// onResponse handles a RESPONSE frame, correlating it against the
	// invocation registry.
	onResponse func(returnCode int32, payload []byte)
	// onHandshakeProgress is called after a request round-trip completes so
	// the handler can decide whether to promote maxPacketSize.
	onHandshakeProgress func(command uint32)
	// onProgress is called when at least MinBytesWanted new body bytes have
	// streamed in for a pending AwaitBody frame, driving the registry's
	// reset-on-progress timer rule.
	onProgress func()
}

// Parser implements the per-connection stream parser: it
// consumes inbound bytes incrementally, reconstitutes frames, reassembles
// fragmented sequences, and drives dispatch/correlation upcalls.
//
// Parser is not safe for concurrent use; the owning ProtocolHandler ensures
// a single goroutine feeds it bytes at a time (serial per-connection
// delivery).
type Parser struct {
	state           parserState
	currentHeader   wire.Header
	opponentVersion uint32

	inbound  bytes.Buffer
	fragment bytes.Buffer

	maxPacketSize     int
	fullMaxPacketSize int
	lastBodyBytes     int // buffered bytes at the point progress was last signalled
	fragmenting       bool
	dispatch          dispatchFuncs
	connID            string // for logging only
	pendingErr        error
}

// NewParser creates a Parser starting in AwaitHeader with the initial
// (small) packet size limit.
func NewParser(connID string, d dispatchFuncs) *Parser {
	return &Parser{
		state:             awaitHeader,
		maxPacketSize:     InitialMaxPacketSize,
		fullMaxPacketSize: FullMaxPacketSize,
		dispatch:          d,
		connID:            connID,
	}
}

// SetMaxPacketSizeLimits overrides the initial and post-handshake packet
// size ceilings, replacing the package defaults. Must be called before the
// parser is fed any bytes.
func (p *Parser) SetMaxPacketSizeLimits(initial, full int) {
	p.maxPacketSize = initial
	p.fullMaxPacketSize = full
}

// PromoteMaxPacketSize raises the packet size ceiling to the full limit,
// called once the handshake command has completed successfully.
func (p *Parser) PromoteMaxPacketSize() {
	p.maxPacketSize = p.fullMaxPacketSize
}

// Feed appends newly received bytes and drives the state machine until no
// further complete frame can be extracted. It returns an error (fatal for
// the connection) on signature mismatch, oversize input,
// or a malformed fragment sequence.
func (p *Parser) Feed(b []byte) error {
	if _, err := p.inbound.Write(b); err != nil {
		return fmt.Errorf("levin: buffering inbound bytes: %w", err)
	}

	for {
		if p.inbound.Len()+p.fragment.Len() > p.maxPacketSize {
			return fmt.Errorf("levin: pending bytes %d exceed max packet size %d",
				p.inbound.Len()+p.fragment.Len(), p.maxPacketSize)
		}

		switch p.state {
		case awaitHeader:
			if !p.tryParseHeader() {
				if p.pendingErr != nil {
					err := p.pendingErr
					p.pendingErr = nil
					return err
				}
				return nil
			}
		case awaitBody:
			progressed, err := p.tryConsumeBody()
			if err != nil {
				return err
			}
			if !progressed {
				return nil
			}
		}
	}
}

// tryParseHeader attempts to decode a header from the front of inbound.
// Returns false when more bytes are needed.
func (p *Parser) tryParseHeader() bool {
	buf := p.inbound.Bytes()
	if len(buf) >= 8 {
		if sig := leUint64(buf[:8]); sig != wire.Signature {
			// Caller treats any returned error as fatal; we can't return an
			// error from a bool-returning helper, so stash it.
			p.pendingErr = fmt.Errorf("levin: bad signature %#x", sig)
			return false
		}
	}
	if len(buf) < wire.HeaderSize {
		return false
	}

	h, err := wire.Decode(buf[:wire.HeaderSize])
	if err != nil {
		p.pendingErr = err
		return false
	}
	if h.BodyLength > uint64(p.maxPacketSize) {
		p.pendingErr = fmt.Errorf("levin: body_length %d exceeds max packet size %d", h.BodyLength, p.maxPacketSize)
		return false
	}

	p.opponentVersion = h.ProtocolVersion
	p.currentHeader = h
	p.inbound.Next(wire.HeaderSize)
	p.lastBodyBytes = 0
	p.state = awaitBody
	return true
}

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// tryConsumeBody attempts to consume current_header.BodyLength bytes from
// inbound. Returns (true, nil) if a frame was consumed and dispatched,
// (false, nil) if more bytes are needed, or (false, err) on a fatal error.
func (p *Parser) tryConsumeBody() (bool, error) {
	need := int(p.currentHeader.BodyLength)
	have := p.inbound.Len()

	if have < need {
		if have-p.lastBodyBytes >= MinBytesWanted && p.dispatch.onProgress != nil {
			p.lastBodyBytes = have
			p.dispatch.onProgress()
		}
		return false, nil
	}

	// Sourced from bufpool but deliberately never returned to it: this
	// buffer is handed up to dispatch callbacks and application code, whose
	// retention past the call is not guaranteed (tests and callers are free
	// to keep the slice), so recycling it here would risk handing the same
	// backing array to an unrelated future Get while it's still referenced.
	// A zero-length body is dispatched as a nil payload.
	var body []byte
	if need > 0 {
		body = bufpool.Get(need)
		if _, err := p.inbound.Read(body); err != nil {
			return false, fmt.Errorf("levin: reading frame body: %w", err)
		}
	}

	header := p.currentHeader
	p.state = awaitHeader
	p.currentHeader = wire.Header{}

	if err := p.dispatchFrame(header, body); err != nil {
		return false, err
	}
	return true, nil
}

// dispatchFrame classifies a fully-reassembled header+body pair and routes
// it to the appropriate upcall.
func (p *Parser) dispatchFrame(header wire.Header, body []byte) error {
	isNoiseOrFragment := header.Flags&(wire.FlagRequest|wire.FlagResponse) == 0
	if isNoiseOrFragment {
		return p.handleFragmentOrNoise(header, body)
	}
	return p.classifyAndDispatch(header, body)
}

// handleFragmentOrNoise handles noise discard and fragment
// accumulation/reassembly across BEGIN/interior/END frames.
func (p *Parser) handleFragmentOrNoise(header wire.Header, body []byte) error {
	begin := header.Flags&wire.FlagBegin != 0
	end := header.Flags&wire.FlagEnd != 0

	if begin && end {
		// Single-frame noise: discard, nothing to deliver.
		p.fragment.Reset()
		return nil
	}
	if begin {
		p.fragment.Reset()
		p.fragmenting = true
	}

	p.fragment.Write(body)

	if !end {
		return nil
	}

	p.fragmenting = false
	frag := p.fragment.Bytes()
	if len(frag) < wire.HeaderSize {
		p.fragment.Reset()
		return fmt.Errorf("levin: fragment buffer too short at END: %d bytes", len(frag))
	}

	inner, err := wire.Decode(frag[:wire.HeaderSize])
	if err != nil {
		p.fragment.Reset()
		return fmt.Errorf("levin: malformed inner fragment header: %w", err)
	}

	rest := frag[wire.HeaderSize:]
	if uint64(len(rest)) < inner.BodyLength {
		p.fragment.Reset()
		return fmt.Errorf("levin: fragment payload shorter than inner header declares")
	}
	effectiveBody := append([]byte(nil), rest[:inner.BodyLength]...)

	// Release the fragment buffer back to a small capacity so a single
	// large fragmented message doesn't pin peak memory.
	p.shrinkFragmentBuffer()

	return p.classifyAndDispatch(inner, effectiveBody)
}

// shrinkFragmentBuffer resets the fragment accumulator, releasing any
// large backing array once it has grown past the pooled small-buffer
// tier (bufpool.DefaultSmallSize, 4 KiB) so a single large fragmented
// message doesn't pin peak
// memory indefinitely.
func (p *Parser) shrinkFragmentBuffer() {
	if p.fragment.Cap() > bufpool.DefaultSmallSize {
		p.fragment = bytes.Buffer{}
		return
	}
	p.fragment.Reset()
}

// classifyAndDispatch routes a logical (header, body) message: response,
// request-with-response, or notification.
func (p *Parser) classifyAndDispatch(header wire.Header, body []byte) error {
	isResponse := p.opponentVersion == 1 && header.Flags&wire.FlagResponse != 0
	switch {
	case isResponse && header.Flags&wire.FlagRequest == 0:
		if p.dispatch.onResponse != nil {
			p.dispatch.onResponse(header.ReturnCode, body)
		}
		return nil
	case header.Flags&wire.FlagRequest != 0 && header.ExpectResponse:
		if p.dispatch.onRequest == nil {
			return nil
		}
		if header.Flags&wire.FlagResponse != 0 {
			logger.Warn("levin: frame has both REQUEST and RESPONSE set, treating as request",
				logger.Command(header.Command))
		}
		p.dispatch.onRequest(header.Command, body)
		if p.dispatch.onHandshakeProgress != nil {
			p.dispatch.onHandshakeProgress(header.Command)
		}
		return nil
	case header.Flags&wire.FlagRequest != 0:
		if p.dispatch.onNotify != nil {
			p.dispatch.onNotify(header.Command, body)
		}
		return nil
	default:
		// Neither a correlatable RESPONSE nor a REQUEST: a RESPONSE frame
		// from a peer whose protocol version is not 1, or a reassembled
		// inner header with neither flag set. Dropped silently rather than
		// failing the connection.
		return nil
	}
}
