package pnshare

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

var linkUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// acceptLinkLoop admits raw TCP link connections until the listener closes.
func (n *Node) acceptLinkLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if !n.IsStartedShutdown() {
				n.DLogf("Link accept failed: %s", err)
			}
			return
		}
		go n.admitLink(conn)
	}
}

// admitLink runs the responder side of the handshake on an inbound transport
// connection and binds the resulting channel as a link named by the peer's
// fingerprint. A second connection from an already-linked peer is refused;
// the peer's redial loop will get through once the stale link tears down.
func (n *Node) admitLink(conn net.Conn) {
	hs, err := performHandshake(conn, n.identity, n.peers, false, n.cfg.handshakeTimeout())
	if err != nil {
		n.DLogf("Inbound link from %s rejected: %s", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	name := hs.peerFingerprint
	ch, err := NewSecureChannel(n.Logger, name, conn, hs, n.router, n.cfg.maxFramePayload(), n.cfg.keepAlive())
	if err != nil {
		n.DLogf("Inbound link from %s failed: %s", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	if err := n.router.AddLink(name, ch); err != nil {
		n.DLogf("Refusing duplicate link %q from %s", name, conn.RemoteAddr())
		ch.StartShutdown(err)
		return
	}
	n.trackChannel(ch)
	ch.Start(n.lifeCtx)
	n.ILogf("Link %q established from %s", name, conn.RemoteAddr())
}

// handleLinkRequest is the websocket link listener's HTTP handler. Upgrade
// requests carrying the exact subprotocol version become links; anything else
// gets the health and version endpoints or a 404, so the listener passes for
// a plain web server.
func (n *Node) handleLinkRequest(w http.ResponseWriter, r *http.Request) {
	upgrade := strings.ToLower(r.Header.Get("Upgrade"))
	if upgrade == "websocket" {
		protocol := r.Header.Get("Sec-WebSocket-Protocol")
		if strings.HasPrefix(protocol, "portalnode-") {
			if protocol == ProtocolVersion {
				n.DLogf("Upgrading to websocket link, protocol=%q", protocol)
				wsConn, err := linkUpgrader.Upgrade(w, r, nil)
				if err != nil {
					err = n.DLogErrorf("Websocket upgrade failed: %s", err)
					http.Error(w, err.Error(), 503)
					return
				}
				go n.admitLink(newWSConn(wsConn))
				return
			}
			n.ILogf("Link connection using unsupported protocol %q, expected %q",
				protocol, ProtocolVersion)
			http.Error(w, "Not Found", 404)
			return
		}
	}

	switch r.URL.String() {
	case "/health":
		w.Write([]byte("OK\n"))
		return
	case "/version":
		w.Write([]byte(BuildVersion))
		return
	}
	http.Error(w, "Not Found", 404)
}

// AddPeer establishes an outbound link named name to the peer at rawURL
// (tcp://host:port, ws://host:port or wss://host:port) and keeps it
// established with backoff redials until the node shuts down. The first
// successful handshake is awaited, so a nil return means the link is up.
func (n *Node) AddPeer(name string, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "tcp", "ws", "wss":
	default:
		return n.Errorf("Unsupported link URL scheme %q", u.Scheme)
	}

	firstUp := make(chan error, 1)
	go n.dialLinkLoop(name, u, firstUp)
	select {
	case err := <-firstUp:
		return err
	case <-n.ShutdownStartedChan():
		return &ChannelError{Cause: ErrChannelClosed, Detail: "node shutting down"}
	}
}

// dialLinkLoop keeps one outbound link alive. Each pass dials the transport,
// handshakes as initiator, binds the link and then blocks until the channel
// dies; redials back off exponentially and reset after a successful
// handshake. The first pass reports its outcome on firstUp.
func (n *Node) dialLinkLoop(name string, u *url.URL, firstUp chan<- error) {
	b := &backoff.Backoff{Max: 30 * time.Second}
	first := true
	report := func(err error) {
		if first {
			first = false
			firstUp <- err
		}
	}

	for !n.IsStartedShutdown() {
		ch, err := n.dialLink(name, u)
		if err != nil {
			// the first attempt is fail-fast so AddPeer can report a bad
			// address or a rejected identity synchronously
			if first {
				report(err)
				return
			}
			d := b.Duration()
			n.DLogf("Link %q down (%s); retrying in %s", name, err, d)
			select {
			case <-time.After(d):
			case <-n.ShutdownStartedChan():
				return
			}
			continue
		}
		b.Reset()
		report(nil)
		n.ILogf("Link %q established to %s", name, u)
		ch.WaitShutdown()
		n.router.RemoveLink(name)
		if n.IsStartedShutdown() {
			return
		}
		n.DLogf("Link %q lost; redialing", name)
	}
}

// dialLink makes one outbound link attempt: transport dial, initiator
// handshake, channel start, link bind.
func (n *Node) dialLink(name string, u *url.URL) (*SecureChannel, error) {
	var conn net.Conn
	switch u.Scheme {
	case "tcp":
		d := &net.Dialer{Timeout: n.cfg.handshakeTimeout()}
		c, err := d.DialContext(n.lifeCtx, "tcp", u.Host)
		if err != nil {
			return nil, err
		}
		conn = c
	default:
		d := websocket.Dialer{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: n.cfg.handshakeTimeout(),
			Subprotocols:     []string{ProtocolVersion},
		}
		wsc, _, err := d.Dial(u.String(), nil)
		if err != nil {
			return nil, err
		}
		conn = newWSConn(wsc)
	}

	hs, err := performHandshake(conn, n.identity, n.peers, true, n.cfg.handshakeTimeout())
	if err != nil {
		conn.Close()
		return nil, err
	}
	ch, err := NewSecureChannel(n.Logger, name, conn, hs, n.router, n.cfg.maxFramePayload(), n.cfg.keepAlive())
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := n.router.AddLink(name, ch); err != nil {
		ch.StartShutdown(err)
		return nil, err
	}
	n.trackChannel(ch)
	ch.Start(n.lifeCtx)
	return ch, nil
}
