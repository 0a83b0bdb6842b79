package pnshare

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Frame flag bits. A frame may combine DATA with a half-close flag; ERROR
// frames abort the session immediately.
const (
	// FrameData marks a frame carrying payload bytes.
	FrameData uint8 = 1 << iota

	// FrameOpen asks the destination outlet to establish a new portal session.
	FrameOpen

	// FrameAck acknowledges FrameOpen; its envelope carries the outlet-side
	// session address as the reply address.
	FrameAck

	// FrameCloseRead signals the sender will read no more (its write path to
	// the local socket ended).
	FrameCloseRead

	// FrameCloseWrite signals end-of-stream from the sender's local socket;
	// the receiver half-closes its write side.
	FrameCloseWrite

	// FrameError aborts the portal session; payload is a diagnostic string.
	FrameError
)

// frameHeaderLen is 1 byte of flags plus an 8-byte big-endian sequence.
const frameHeaderLen = 9

// Frame is a bounded, sequenced unit of portal session data. Sequence numbers
// are monotonic per session per direction, starting at 0.
type Frame struct {
	Seq     uint64
	Flags   uint8
	Payload []byte
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame(seq=%d, flags=0x%02x, %d bytes)", f.Seq, f.Flags, len(f.Payload))
}

// Encode serializes the frame: uint8 flags | uint64 seq | payload.
func (f *Frame) Encode() []byte {
	buf := make([]byte, frameHeaderLen+len(f.Payload))
	buf[0] = f.Flags
	binary.BigEndian.PutUint64(buf[1:frameHeaderLen], f.Seq)
	copy(buf[frameHeaderLen:], f.Payload)
	return buf
}

// DecodeFrame parses an encoded frame. The returned frame's payload aliases b.
func DecodeFrame(b []byte) (*Frame, error) {
	if len(b) < frameHeaderLen {
		return nil, fmt.Errorf("Frame too short (%d bytes)", len(b))
	}
	return &Frame{
		Flags:   b[0],
		Seq:     binary.BigEndian.Uint64(b[1:frameHeaderLen]),
		Payload: b[frameHeaderLen:],
	}, nil
}

// FrameSplitter converts an unbounded byte stream into a sequence of bounded,
// ordered frames. It owns the session's outbound sequence counter and is safe
// for concurrent use (data and control frames originate on different
// goroutines).
type FrameSplitter struct {
	lock       sync.Mutex
	maxPayload int
	nextSeq    uint64
}

// NewFrameSplitter creates a FrameSplitter with the given maximum payload per
// frame.
func NewFrameSplitter(maxPayload int) *FrameSplitter {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxFramePayload
	}
	return &FrameSplitter{maxPayload: maxPayload}
}

// Split chunks p into zero or more DATA frames no larger than the configured
// maximum, stamping consecutive sequence numbers. The frames alias p.
func (s *FrameSplitter) Split(p []byte) []*Frame {
	if len(p) == 0 {
		return nil
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	n := (len(p) + s.maxPayload - 1) / s.maxPayload
	frames := make([]*Frame, 0, n)
	for off := 0; off < len(p); off += s.maxPayload {
		end := off + s.maxPayload
		if end > len(p) {
			end = len(p)
		}
		frames = append(frames, &Frame{
			Seq:     s.nextSeq,
			Flags:   FrameData,
			Payload: p[off:end],
		})
		s.nextSeq++
	}
	return frames
}

// Control emits a single non-DATA frame (half-close, error) stamped with the
// next sequence number, so control signals stay ordered relative to data.
func (s *FrameSplitter) Control(flags uint8, payload []byte) *Frame {
	s.lock.Lock()
	defer s.lock.Unlock()
	f := &Frame{
		Seq:     s.nextSeq,
		Flags:   flags,
		Payload: payload,
	}
	s.nextSeq++
	return f
}

// FrameReassembler restores exact sequence order on the receive side,
// buffering out-of-order frames up to a bound. Exceeding the bound, or a
// duplicate sequence, is a protocol violation and fatal to the session.
type FrameReassembler struct {
	limit   int
	nextSeq uint64
	pending map[uint64]*Frame
}

// NewFrameReassembler creates a FrameReassembler with the given out-of-order
// buffering bound.
func NewFrameReassembler(limit int) *FrameReassembler {
	if limit <= 0 {
		limit = DefaultReorderLimit
	}
	return &FrameReassembler{
		limit:   limit,
		pending: make(map[uint64]*Frame),
	}
}

// Push accepts one received frame and returns the (possibly empty) run of
// frames now deliverable in exact sequence order.
func (r *FrameReassembler) Push(f *Frame) ([]*Frame, error) {
	if f.Seq < r.nextSeq {
		return nil, &PortalError{Cause: ErrPeerReset, Detail: fmt.Sprintf("stale frame seq %d (expected >= %d)", f.Seq, r.nextSeq)}
	}
	if _, dup := r.pending[f.Seq]; dup {
		return nil, &PortalError{Cause: ErrPeerReset, Detail: fmt.Sprintf("duplicate frame seq %d", f.Seq)}
	}
	if f.Seq != r.nextSeq {
		if len(r.pending) >= r.limit {
			return nil, &PortalError{Cause: ErrReorderOverflow, Detail: fmt.Sprintf("%d frames buffered", len(r.pending))}
		}
		r.pending[f.Seq] = f
		return nil, nil
	}

	ready := []*Frame{f}
	r.nextSeq++
	for {
		next, ok := r.pending[r.nextSeq]
		if !ok {
			break
		}
		delete(r.pending, r.nextSeq)
		ready = append(ready, next)
		r.nextSeq++
	}
	return ready, nil
}

// PendingCount returns the number of buffered out-of-order frames.
func (r *FrameReassembler) PendingCount() int {
	return len(r.pending)
}
