package pnshare

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testLogger() Logger {
	return NewLogger("test", LogLevelError)
}

func TestRouterRegisterConflict(t *testing.T) {
	r := NewRouter(testLogger())
	mb := NewMailbox(1)
	if err := r.Register("w1", mb); err != nil {
		t.Fatalf("Register failed: %s", err)
	}
	if err := r.Register("w1", NewMailbox(1)); !errors.Is(err, ErrAddressConflict) {
		t.Errorf("expected address conflict, got %v", err)
	}
	r.Deregister("w1")
	if err := r.Register("w1", NewMailbox(1)); err != nil {
		t.Errorf("re-register after deregister failed: %s", err)
	}
}

func TestRouterRejectsNonLocalRegistration(t *testing.T) {
	r := NewRouter(testLogger())
	if err := r.Register("hop/w1", NewMailbox(1)); err == nil {
		t.Errorf("expected error registering a path address")
	}
	if err := r.Register("", NewMailbox(1)); err == nil {
		t.Errorf("expected error registering an empty address")
	}
}

func TestRouterLocalDelivery(t *testing.T) {
	r := NewRouter(testLogger())
	mb := NewMailbox(4)
	if err := r.Register("w1", mb); err != nil {
		t.Fatalf("Register failed: %s", err)
	}
	ctx := context.Background()
	sent := &Envelope{To: "w1", Payload: []byte("hi")}
	if err := r.Route(ctx, sent); err != nil {
		t.Fatalf("Route failed: %s", err)
	}
	got, err := mb.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %s", err)
	}
	if got != sent {
		t.Errorf("received a different envelope")
	}
}

func TestRouterNoSuchAddress(t *testing.T) {
	r := NewRouter(testLogger())
	err := r.Route(context.Background(), &Envelope{To: "nobody"})
	if !errors.Is(err, ErrNoSuchAddress) {
		t.Errorf("expected no such address, got %v", err)
	}
}

func TestRouterNoRoute(t *testing.T) {
	r := NewRouter(testLogger())
	err := r.Route(context.Background(), &Envelope{To: "peer/outlet"})
	if !errors.Is(err, ErrNoRoute) {
		t.Errorf("expected no route, got %v", err)
	}
}

func TestMailboxBackpressure(t *testing.T) {
	r := NewRouter(testLogger())
	mb := NewMailbox(1)
	if err := r.Register("w1", mb); err != nil {
		t.Fatalf("Register failed: %s", err)
	}
	ctx := context.Background()
	if err := r.Route(ctx, &Envelope{To: "w1"}); err != nil {
		t.Fatalf("first Route failed: %s", err)
	}

	// second put must block until the mailbox drains
	done := make(chan error, 1)
	go func() {
		done <- r.Route(ctx, &Envelope{To: "w1"})
	}()
	select {
	case err := <-done:
		t.Fatalf("Route did not block on a full mailbox (err=%v)", err)
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := mb.Receive(ctx); err != nil {
		t.Fatalf("Receive failed: %s", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked Route failed: %s", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Route still blocked after drain")
	}
}

func TestMailboxPutCancellation(t *testing.T) {
	mb := NewMailbox(1)
	ctx := context.Background()
	if err := mb.Put(ctx, &Envelope{To: "w"}); err != nil {
		t.Fatalf("Put failed: %s", err)
	}
	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := mb.Put(cctx, &Envelope{To: "w"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestMailboxCloseDrainsBuffered(t *testing.T) {
	mb := NewMailbox(4)
	ctx := context.Background()
	mb.Put(ctx, &Envelope{To: "w", Payload: []byte("1")})
	mb.Put(ctx, &Envelope{To: "w", Payload: []byte("2")})
	mb.Close()
	mb.Close() // idempotent

	if err := mb.Put(ctx, &Envelope{To: "w"}); !errors.Is(err, ErrNoSuchAddress) {
		t.Errorf("expected put on closed mailbox to fail, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := mb.Receive(ctx); err != nil {
			t.Fatalf("Receive %d after close failed: %s", i, err)
		}
	}
	if _, err := mb.Receive(ctx); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected channel closed after drain, got %v", err)
	}
}

func TestRouterLinkTable(t *testing.T) {
	r := NewRouter(testLogger())
	ch := &SecureChannel{name: "peer"}
	if err := r.AddLink("peer", ch); err != nil {
		t.Fatalf("AddLink failed: %s", err)
	}
	if err := r.AddLink("peer", &SecureChannel{}); !errors.Is(err, ErrAddressConflict) {
		t.Errorf("expected conflict on duplicate link, got %v", err)
	}
	if got := r.Link("peer"); got != ch {
		t.Errorf("Link returned wrong channel")
	}
	r.RemoveLink("peer")
	r.RemoveLink("peer") // idempotent
	if got := r.Link("peer"); got != nil {
		t.Errorf("link still present after removal")
	}
}
