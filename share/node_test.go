package pnshare

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testNodeConfig(name string) *NodeConfig {
	return &NodeConfig{
		Name:        name,
		OpenTimeout: 2 * time.Second,
		GracePeriod: 500 * time.Millisecond,
		KeepAlive:   -1,
	}
}

// startEchoBackend runs a TCP server that echoes every connection until EOF.
func startEchoBackend(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("backend listen failed: %s", err)
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(conn)
		}
	}()
	t.Cleanup(func() { l.Close() })
	return l.Addr().String()
}

// nodePair starts a listening node "b" and a node "a" linked to it over TCP.
func nodePair(t *testing.T) (a, b *Node) {
	t.Helper()
	cfgB := testNodeConfig("b")
	cfgB.ListenAddr = "127.0.0.1:0"
	b, err := NewNode(cfgB)
	if err != nil {
		t.Fatalf("NewNode b failed: %s", err)
	}
	t.Cleanup(func() { b.Close() })

	a, err = NewNode(testNodeConfig("a"))
	if err != nil {
		t.Fatalf("NewNode a failed: %s", err)
	}
	t.Cleanup(func() { a.Close() })

	if err := a.AddPeer("b", "tcp://"+b.LinkAddr().String()); err != nil {
		t.Fatalf("AddPeer failed: %s", err)
	}
	return a, b
}

func dialInlet(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial inlet failed: %s", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(30 * time.Second))
	return conn
}

func TestPortalRoundTrip(t *testing.T) {
	a, b := nodePair(t)
	backend := startEchoBackend(t)
	if err := b.CreateOutlet("web", backend); err != nil {
		t.Fatalf("CreateOutlet failed: %s", err)
	}
	inletAddr, err := a.CreateInlet("in", "127.0.0.1:0", "b/web")
	if err != nil {
		t.Fatalf("CreateInlet failed: %s", err)
	}

	conn := dialInlet(t, inletAddr)
	msg := []byte("through the portal")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write failed: %s", err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read failed: %s", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("echo mismatch: %q", got)
	}

	// half-close propagates end to end: backend sees EOF, echoes back EOF
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("CloseWrite failed: %s", err)
	}
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected EOF after half-close, got %v", err)
	}
}

func TestPortalLargeTransfer(t *testing.T) {
	a, b := nodePair(t)
	backend := startEchoBackend(t)
	if err := b.CreateOutlet("bulk", backend); err != nil {
		t.Fatalf("CreateOutlet failed: %s", err)
	}
	inletAddr, err := a.CreateInlet("in", "127.0.0.1:0", "b/bulk")
	if err != nil {
		t.Fatalf("CreateInlet failed: %s", err)
	}

	const size = 10 << 20
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand failed: %s", err)
	}

	conn := dialInlet(t, inletAddr)
	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write(data)
		if err == nil {
			err = conn.(*net.TCPConn).CloseWrite()
		}
		writeErr <- err
	}()

	got, err := ioutil.ReadAll(conn)
	if err != nil {
		t.Fatalf("read failed: %s", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("write failed: %s", err)
	}
	if len(got) != size {
		t.Fatalf("echoed %d bytes, want %d", len(got), size)
	}
	if sha256.Sum256(got) != sha256.Sum256(data) {
		t.Errorf("echoed data is corrupt")
	}
}

func TestPortalBackpressureStall(t *testing.T) {
	a, b := nodePair(t)

	// a backend that refuses to read for a while; the stall must propagate
	// back to the writing client without losing bytes
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("backend listen failed: %s", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		time.Sleep(time.Second)
		io.Copy(conn, conn)
		conn.Close()
	}()

	if err := b.CreateOutlet("slow", l.Addr().String()); err != nil {
		t.Fatalf("CreateOutlet failed: %s", err)
	}
	inletAddr, err := a.CreateInlet("in", "127.0.0.1:0", "b/slow")
	if err != nil {
		t.Fatalf("CreateInlet failed: %s", err)
	}

	const size = 4 << 20
	data := make([]byte, size)
	rand.Read(data)

	conn := dialInlet(t, inletAddr)
	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write(data)
		if err == nil {
			err = conn.(*net.TCPConn).CloseWrite()
		}
		writeErr <- err
	}()

	got, err := ioutil.ReadAll(conn)
	if err != nil {
		t.Fatalf("read failed: %s", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("write failed: %s", err)
	}
	if sha256.Sum256(got) != sha256.Sum256(data) {
		t.Errorf("data lost or corrupted across the stall (%d of %d bytes)", len(got), size)
	}
}

func TestPortalDialRefused(t *testing.T) {
	a, b := nodePair(t)

	// reserve then release a port so the dial is refused
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %s", err)
	}
	deadAddr := l.Addr().String()
	l.Close()

	if err := b.CreateOutlet("dead", deadAddr); err != nil {
		t.Fatalf("CreateOutlet failed: %s", err)
	}
	inletAddr, err := a.CreateInlet("in", "127.0.0.1:0", "b/dead")
	if err != nil {
		t.Fatalf("CreateInlet failed: %s", err)
	}

	conn := dialInlet(t, inletAddr)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Errorf("expected the connection to be torn down")
	}
}

func TestPortalOpenTimeout(t *testing.T) {
	cfg := testNodeConfig("b")
	cfg.ListenAddr = "127.0.0.1:0"
	b, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("NewNode b failed: %s", err)
	}
	t.Cleanup(func() { b.Close() })

	cfgA := testNodeConfig("a")
	cfgA.OpenTimeout = 300 * time.Millisecond
	a, err := NewNode(cfgA)
	if err != nil {
		t.Fatalf("NewNode a failed: %s", err)
	}
	t.Cleanup(func() { a.Close() })
	if err := a.AddPeer("b", "tcp://"+b.LinkAddr().String()); err != nil {
		t.Fatalf("AddPeer failed: %s", err)
	}

	// nothing is registered at the remote address, so no ACK ever comes
	inletAddr, err := a.CreateInlet("in", "127.0.0.1:0", "b/ghost")
	if err != nil {
		t.Fatalf("CreateInlet failed: %s", err)
	}
	conn := dialInlet(t, inletAddr)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Errorf("expected the connection to time out")
	}
}

func TestDeleteReleasesAddresses(t *testing.T) {
	_, b := nodePair(t)
	backend := startEchoBackend(t)

	if err := b.CreateOutlet("web", backend); err != nil {
		t.Fatalf("CreateOutlet failed: %s", err)
	}
	if err := b.CreateOutlet("web", backend); !errors.Is(err, ErrAddressConflict) {
		t.Errorf("expected address conflict, got %v", err)
	}
	if err := b.Delete("web"); err != nil {
		t.Fatalf("Delete failed: %s", err)
	}
	if err := b.CreateOutlet("web", backend); err != nil {
		t.Errorf("recreate after delete failed: %s", err)
	}
	if err := b.Delete("nosuch"); !errors.Is(err, ErrNoSuchAddress) {
		t.Errorf("expected no such address, got %v", err)
	}
}

func TestDeleteInletStopsListener(t *testing.T) {
	a, b := nodePair(t)
	backend := startEchoBackend(t)
	if err := b.CreateOutlet("web", backend); err != nil {
		t.Fatalf("CreateOutlet failed: %s", err)
	}
	inletAddr, err := a.CreateInlet("in", "127.0.0.1:0", "b/web")
	if err != nil {
		t.Fatalf("CreateInlet failed: %s", err)
	}
	if err := a.Delete("in"); err != nil {
		t.Fatalf("Delete failed: %s", err)
	}
	if conn, err := net.Dial("tcp", inletAddr.String()); err == nil {
		conn.Close()
		t.Errorf("inlet still accepting after delete")
	}
	if _, err := a.CreateInlet("in", "127.0.0.1:0", "b/web"); err != nil {
		t.Errorf("recreate after delete failed: %s", err)
	}
}

func TestEchoWorkerAcrossLink(t *testing.T) {
	a, b := nodePair(t)
	if err := b.CreateEcho("echo"); err != nil {
		t.Fatalf("CreateEcho failed: %s", err)
	}

	probe := NewMailbox(4)
	if err := a.Router().Register("probe", probe); err != nil {
		t.Fatalf("Register failed: %s", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.Router().Route(ctx, &Envelope{To: "b/echo", ReplyTo: "probe", Payload: []byte("ping")})
	if err != nil {
		t.Fatalf("Route failed: %s", err)
	}
	env, err := probe.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %s", err)
	}
	if string(env.Payload) != "ping" {
		t.Errorf("echo payload mismatch: %q", env.Payload)
	}
	if env.ReplyTo != "b/echo" {
		t.Errorf("echo reply address %q, want %q", env.ReplyTo, "b/echo")
	}
}

func TestWebsocketLink(t *testing.T) {
	cfgB := testNodeConfig("b")
	cfgB.WSListenAddr = "127.0.0.1:0"
	b, err := NewNode(cfgB)
	if err != nil {
		t.Fatalf("NewNode b failed: %s", err)
	}
	t.Cleanup(func() { b.Close() })
	if err := b.CreateEcho("echo"); err != nil {
		t.Fatalf("CreateEcho failed: %s", err)
	}

	a, err := NewNode(testNodeConfig("a"))
	if err != nil {
		t.Fatalf("NewNode a failed: %s", err)
	}
	t.Cleanup(func() { a.Close() })
	if err := a.AddPeer("b", "ws://"+b.WSLinkAddr().String()); err != nil {
		t.Fatalf("AddPeer over websocket failed: %s", err)
	}

	probe := NewMailbox(4)
	if err := a.Router().Register("probe", probe); err != nil {
		t.Fatalf("Register failed: %s", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = a.Router().Route(ctx, &Envelope{To: "b/echo", ReplyTo: "probe", Payload: []byte("ws ping")})
	if err != nil {
		t.Fatalf("Route failed: %s", err)
	}
	env, err := probe.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %s", err)
	}
	if string(env.Payload) != "ws ping" {
		t.Errorf("echo payload mismatch: %q", env.Payload)
	}
}

func TestAddPeerRejectedByAuthorizedPeers(t *testing.T) {
	cfgB := testNodeConfig("b")
	cfgB.ListenAddr = "127.0.0.1:0"
	b, err := NewNode(cfgB)
	if err != nil {
		t.Fatalf("NewNode b failed: %s", err)
	}
	t.Cleanup(func() { b.Close() })

	dir, err := ioutil.TempDir("", "peers")
	if err != nil {
		t.Fatalf("TempDir failed: %s", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "peers")
	stranger := testIdentity(t, "stranger").Fingerprint()
	if err := ioutil.WriteFile(path, []byte(stranger+"\n"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %s", err)
	}

	cfgA := testNodeConfig("a")
	cfgA.AuthorizedPeersFile = path
	a, err := NewNode(cfgA)
	if err != nil {
		t.Fatalf("NewNode a failed: %s", err)
	}
	t.Cleanup(func() { a.Close() })

	err = a.AddPeer("b", "tcp://"+b.LinkAddr().String())
	if !errors.Is(err, ErrIdentityRejected) {
		t.Errorf("expected identity rejection, got %v", err)
	}
}

func TestNodeCloseTearsDownSessions(t *testing.T) {
	a, b := nodePair(t)
	backend := startEchoBackend(t)
	if err := b.CreateOutlet("web", backend); err != nil {
		t.Fatalf("CreateOutlet failed: %s", err)
	}
	inletAddr, err := a.CreateInlet("in", "127.0.0.1:0", "b/web")
	if err != nil {
		t.Fatalf("CreateInlet failed: %s", err)
	}
	conn := dialInlet(t, inletAddr)
	if _, err := conn.Write([]byte("x")); err != nil {
		t.Fatalf("write failed: %s", err)
	}
	if _, err := io.ReadFull(conn, make([]byte, 1)); err != nil {
		t.Fatalf("read failed: %s", err)
	}

	done := make(chan struct{})
	go func() {
		a.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatalf("node close did not complete")
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Errorf("client socket survived node shutdown")
	}
}
