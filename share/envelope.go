package pnshare

import (
	"encoding/binary"
	"fmt"
)

// Envelope is one routed message: a destination, an optional return address,
// and an opaque payload. Immutable once constructed; routing hands each
// envelope to exactly one destination worker.
type Envelope struct {
	To      Address
	ReplyTo Address
	Payload []byte
}

// maxAddressLen bounds encoded address strings. Addresses are UUIDs or short
// configured names plus hop prefixes; anything longer is malformed.
const maxAddressLen = 1024

// Encode serializes the envelope:
//
//	uint16 len(To) | To | uint16 len(ReplyTo) | ReplyTo | payload
//
// all integers big-endian.
func (e *Envelope) Encode() ([]byte, error) {
	if len(e.To) > maxAddressLen || len(e.ReplyTo) > maxAddressLen {
		return nil, fmt.Errorf("Envelope address too long (to=%d replyTo=%d)", len(e.To), len(e.ReplyTo))
	}
	buf := make([]byte, 4+len(e.To)+len(e.ReplyTo)+len(e.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(e.To)))
	n := 2 + copy(buf[2:], e.To)
	binary.BigEndian.PutUint16(buf[n:n+2], uint16(len(e.ReplyTo)))
	n += 2
	n += copy(buf[n:], e.ReplyTo)
	copy(buf[n:], e.Payload)
	return buf, nil
}

// DecodeEnvelope parses an encoded envelope. The returned envelope's payload
// aliases b.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("Envelope too short (%d bytes)", len(b))
	}
	toLen := int(binary.BigEndian.Uint16(b[0:2]))
	if toLen > maxAddressLen || 2+toLen+2 > len(b) {
		return nil, fmt.Errorf("Envelope destination length %d out of range", toLen)
	}
	n := 2
	to := Address(b[n : n+toLen])
	n += toLen
	replyLen := int(binary.BigEndian.Uint16(b[n : n+2]))
	n += 2
	if replyLen > maxAddressLen || n+replyLen > len(b) {
		return nil, fmt.Errorf("Envelope reply length %d out of range", replyLen)
	}
	replyTo := Address(b[n : n+replyLen])
	n += replyLen
	return &Envelope{
		To:      to,
		ReplyTo: replyTo,
		Payload: b[n:],
	}, nil
}
