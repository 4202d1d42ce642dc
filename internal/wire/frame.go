package wire

import "github.com/levinproto/levin/pkg/bufpool"

// MakeNotify produces a single frame carrying a one-way notification:
// flags=REQUEST, expect_response=false. The returned buffer is sourced from
// pkg/bufpool; callers that discard it synchronously after a single send
// (as ProtocolHandler.Notify does) should bufpool.Put it back.
func MakeNotify(command uint32, payload []byte) []byte {
	h := MakeHeader(command, uint64(len(payload)), FlagRequest, false)
	out := bufpool.Get(HeaderSize + len(payload))
	copy(out, Encode(h))
	copy(out[HeaderSize:], payload)
	return out
}

// MakeNoiseNotify produces a single all-zero-payload frame of exactly
// noiseLen bytes (header included), flags=(BEGIN|END), command=0. Used for
// traffic-analysis-resistant padding; the receiver discards it. Returns
// nil when noiseLen is smaller than a bare header.
func MakeNoiseNotify(noiseLen int) []byte {
	if noiseLen < HeaderSize {
		return nil
	}
	h := MakeHeader(0, uint64(noiseLen-HeaderSize), FlagBegin|FlagEnd, false)
	out := bufpool.Get(noiseLen)
	clear(out)
	copy(out, Encode(h))
	return out
}

// MakeFragmentedNotify splits payload across one or more frames, each sized
// to match len(noiseTemplate), so that a passive observer cannot distinguish
// a real notification from noise traffic.
//
// noiseTemplate supplies the target frame size and, on the single-frame
// path, the padding bytes that fill the frame's unused tail; on the
// multi-frame path the END frame's unused tail is zero-filled. Returns nil
// if the template is smaller than a bare header, or if the payload needs
// more than one frame and the template is smaller than two headers.
func MakeFragmentedNotify(noiseTemplate []byte, command uint32, payload []byte) []byte {
	frameLen := len(noiseTemplate)
	if frameLen < HeaderSize {
		return nil
	}

	// Single-frame fast path: payload plus one header fits in one noise-sized
	// frame. body_length bounds the meaningful payload; the receiver ignores
	// the padded tail.
	if HeaderSize+len(payload) <= frameLen {
		h := MakeHeader(command, uint64(len(payload)), FlagRequest, false)
		out := bufpool.Get(frameLen)
		copy(out, Encode(h))
		copy(out[HeaderSize:], payload)
		copy(out[HeaderSize+len(payload):], noiseTemplate[HeaderSize+len(payload):])
		return out
	}

	// Multi-frame path needs room for an outer header plus at least one
	// inner header in the BEGIN frame, so frameLen must be at least two
	// headers; otherwise bodyCap below would be non-positive and the
	// interior-frame loop would never make progress.
	if frameLen < 2*HeaderSize {
		return nil
	}

	// Multi-frame path: BEGIN frame carries an inner header describing the
	// real command and total length, then as much payload as fits; interior
	// frames carry more payload; an END frame terminates. Every frame is
	// exactly frameLen bytes.
	innerHeader := MakeHeader(command, uint64(len(payload)), FlagRequest, false)
	innerHeaderBytes := Encode(innerHeader)

	out := bufpool.Get(frameLen)[:0]
	remaining := payload

	// BEGIN frame: outer header (command=0, BEGIN) + inner header + slice.
	beginBodyCap := frameLen - HeaderSize
	beginPayloadCap := beginBodyCap - HeaderSize
	if beginPayloadCap < 0 {
		beginPayloadCap = 0
	}
	firstSlice := remaining
	if len(firstSlice) > beginPayloadCap {
		firstSlice = firstSlice[:beginPayloadCap]
	}
	remaining = remaining[len(firstSlice):]

	beginBody := bufpool.Get(beginBodyCap)
	clear(beginBody)
	copy(beginBody, innerHeaderBytes)
	copy(beginBody[HeaderSize:], firstSlice)
	outerBegin := MakeHeader(0, uint64(beginBodyCap), FlagBegin, false)
	out = append(out, Encode(outerBegin)...)
	out = append(out, beginBody...)
	bufpool.Put(beginBody)

	bodyCap := frameLen - HeaderSize
	for len(remaining) > bodyCap {
		slice := remaining[:bodyCap]
		remaining = remaining[bodyCap:]
		outerMid := MakeHeader(0, uint64(bodyCap), 0, false)
		out = append(out, Encode(outerMid)...)
		out = append(out, slice...)
	}

	// END frame: whatever is left, zero-padded to frameLen.
	endBody := bufpool.Get(bodyCap)
	clear(endBody)
	copy(endBody, remaining)
	outerEnd := MakeHeader(0, uint64(bodyCap), FlagEnd, false)
	out = append(out, Encode(outerEnd)...)
	out = append(out, endBody...)
	bufpool.Put(endBody)

	return out
}
