// Package wire implements the Levin frame header: a fixed 33-byte,
// little-endian header that prefixes every message exchanged between
// cryptonote-family peers, plus the byte-stream builders for the three
// primitive message kinds (notify, noise, fragmented notify).
package wire

import (
	"encoding/binary"
	"fmt"
)

// Signature is the constant magic value that opens every frame header.
// A mismatch is fatal for the connection (see internal/levin.Parser).
const Signature uint64 = 0x0101010101012101

// ProtocolVersion is the version stamped on every frame this module emits.
// Received frames must tolerate 0 or 1 (internal/levin.Parser does not
// reject frames by version).
const ProtocolVersion uint32 = 1

// HeaderSize is the fixed, wire-exact size of a Header in bytes.
const HeaderSize = 33

// Flag bits, combined in Header.Flags.
const (
	FlagRequest  uint32 = 1 << 0
	FlagResponse uint32 = 1 << 1
	FlagBegin    uint32 = 1 << 2
	FlagEnd      uint32 = 1 << 3
)

// Header is the fixed 33-byte frame header that prefixes every message.
//
// Field order and widths are wire-exact and must not be reordered:
// signature(8) body_length(8) expect_response(1) command(4) return_code(4)
// flags(4) protocol_version(4).
type Header struct {
	Signature       uint64
	BodyLength      uint64
	ExpectResponse  bool
	Command         uint32
	ReturnCode      int32
	Flags           uint32
	ProtocolVersion uint32
}

// MakeHeader builds a Header with the canonical signature and protocol
// version already set.
func MakeHeader(command uint32, bodyLen uint64, flags uint32, expectResponse bool) Header {
	return Header{
		Signature:       Signature,
		BodyLength:      bodyLen,
		ExpectResponse:  expectResponse,
		Command:         command,
		ReturnCode:      0,
		Flags:           flags,
		ProtocolVersion: ProtocolVersion,
	}
}

// Encode serializes h into its wire-exact 33-byte little-endian form.
func Encode(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Signature)
	binary.LittleEndian.PutUint64(buf[8:16], h.BodyLength)
	if h.ExpectResponse {
		buf[16] = 1
	}
	binary.LittleEndian.PutUint32(buf[17:21], h.Command)
	binary.LittleEndian.PutUint32(buf[21:25], uint32(h.ReturnCode))
	binary.LittleEndian.PutUint32(buf[25:29], h.Flags)
	binary.LittleEndian.PutUint32(buf[29:33], h.ProtocolVersion)
	return buf
}

// Decode parses a wire-exact 33-byte header, returning an error for short
// input or a signature mismatch. Callers that need fail-fast signature
// checking before a full header has arrived (the stream parser) compare
// the first 8 bytes directly.
func Decode(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: got %d bytes, want %d", len(b), HeaderSize)
	}
	h := Header{
		Signature:       binary.LittleEndian.Uint64(b[0:8]),
		BodyLength:      binary.LittleEndian.Uint64(b[8:16]),
		ExpectResponse:  b[16] != 0,
		Command:         binary.LittleEndian.Uint32(b[17:21]),
		ReturnCode:      int32(binary.LittleEndian.Uint32(b[21:25])),
		Flags:           binary.LittleEndian.Uint32(b[25:29]),
		ProtocolVersion: binary.LittleEndian.Uint32(b[29:33]),
	}
	if h.Signature != Signature {
		return Header{}, fmt.Errorf("wire: bad signature: got %#x, want %#x", h.Signature, Signature)
	}
	return h, nil
}
