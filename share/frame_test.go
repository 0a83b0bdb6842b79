package pnshare

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameCodec(t *testing.T) {
	f := &Frame{Seq: 42, Flags: FrameData | FrameCloseWrite, Payload: []byte("hello")}
	b := f.Encode()
	got, err := DecodeFrame(b)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %s", err)
	}
	if got.Seq != f.Seq || got.Flags != f.Flags || !bytes.Equal(got.Payload, f.Payload) {
		t.Errorf("round trip mismatch: got %s, want %s", got, f)
	}

	if _, err := DecodeFrame([]byte{1, 2, 3}); err == nil {
		t.Errorf("expected error decoding short frame")
	}
}

func TestFrameSplitterChunks(t *testing.T) {
	s := NewFrameSplitter(10)
	frames := s.Split(make([]byte, 25))
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if f.Seq != uint64(i) {
			t.Errorf("frame %d has seq %d", i, f.Seq)
		}
		if f.Flags != FrameData {
			t.Errorf("frame %d has flags 0x%02x", i, f.Flags)
		}
	}
	if len(frames[0].Payload) != 10 || len(frames[2].Payload) != 5 {
		t.Errorf("bad chunk sizes: %d, %d, %d",
			len(frames[0].Payload), len(frames[1].Payload), len(frames[2].Payload))
	}

	if frames := s.Split(nil); frames != nil {
		t.Errorf("expected no frames for empty write")
	}
}

func TestFrameSplitterControlOrdering(t *testing.T) {
	s := NewFrameSplitter(10)
	s.Split([]byte("abc"))
	c := s.Control(FrameCloseWrite, nil)
	if c.Seq != 1 {
		t.Errorf("control frame got seq %d, want 1", c.Seq)
	}
	next := s.Split([]byte("d"))
	if next[0].Seq != 2 {
		t.Errorf("data after control got seq %d, want 2", next[0].Seq)
	}
}

func TestFrameReassemblerInOrder(t *testing.T) {
	r := NewFrameReassembler(4)
	for i := 0; i < 5; i++ {
		ready, err := r.Push(&Frame{Seq: uint64(i), Flags: FrameData})
		if err != nil {
			t.Fatalf("push %d failed: %s", i, err)
		}
		if len(ready) != 1 || ready[0].Seq != uint64(i) {
			t.Fatalf("push %d delivered %d frames", i, len(ready))
		}
	}
}

func TestFrameReassemblerOutOfOrder(t *testing.T) {
	r := NewFrameReassembler(4)
	for _, seq := range []uint64{2, 1, 3} {
		ready, err := r.Push(&Frame{Seq: seq, Flags: FrameData})
		if err != nil {
			t.Fatalf("push %d failed: %s", seq, err)
		}
		if len(ready) != 0 {
			t.Fatalf("premature delivery at seq %d", seq)
		}
	}
	if r.PendingCount() != 3 {
		t.Errorf("expected 3 pending, got %d", r.PendingCount())
	}
	ready, err := r.Push(&Frame{Seq: 0, Flags: FrameData})
	if err != nil {
		t.Fatalf("push 0 failed: %s", err)
	}
	if len(ready) != 4 {
		t.Fatalf("expected 4 frames delivered, got %d", len(ready))
	}
	for i, f := range ready {
		if f.Seq != uint64(i) {
			t.Errorf("delivery %d has seq %d", i, f.Seq)
		}
	}
	if r.PendingCount() != 0 {
		t.Errorf("expected no pending frames, got %d", r.PendingCount())
	}
}

func TestFrameReassemblerOverflow(t *testing.T) {
	r := NewFrameReassembler(2)
	r.Push(&Frame{Seq: 1})
	r.Push(&Frame{Seq: 2})
	_, err := r.Push(&Frame{Seq: 3})
	if !errors.Is(err, ErrReorderOverflow) {
		t.Errorf("expected reorder overflow, got %v", err)
	}
}

func TestFrameReassemblerDuplicateAndStale(t *testing.T) {
	r := NewFrameReassembler(4)
	if _, err := r.Push(&Frame{Seq: 0}); err != nil {
		t.Fatalf("push 0 failed: %s", err)
	}
	if _, err := r.Push(&Frame{Seq: 0}); !errors.Is(err, ErrPeerReset) {
		t.Errorf("expected peer reset for stale seq, got %v", err)
	}
	r.Push(&Frame{Seq: 2})
	if _, err := r.Push(&Frame{Seq: 2}); !errors.Is(err, ErrPeerReset) {
		t.Errorf("expected peer reset for duplicate seq, got %v", err)
	}
}
