package pnshare

import (
	"context"
	"net"
	"net/http"

	"github.com/jpillora/requestlog"
)

// Node is a running portal node: an identity, a router, optional link
// listeners (raw TCP and websocket) and a control surface for creating and
// deleting inlet and outlet workers. All control methods are synchronous and
// safe for concurrent use.
type Node struct {
	ShutdownHelper
	cfg         *NodeConfig
	identity    *Identity
	router      *Router
	peers       PeerAuthorizer
	peerIndex   *PeerIndex
	tcpListener net.Listener
	httpServer  *HTTPServer
	lifeCtx     context.Context
	lifeCancel  context.CancelFunc

	// guarded by Lock
	workers  map[string]AsyncShutdowner
	channels []*SecureChannel
}

// NewNode creates a node from config and starts its link listeners. The node
// accepts inbound links immediately; workers are created through the control
// surface.
func NewNode(cfg *NodeConfig) (*Node, error) {
	if cfg == nil {
		cfg = &NodeConfig{}
	}
	name := cfg.Name
	if name == "" {
		name = "node"
	}
	logger := NewLogger(name, cfg.logLevel())

	identity, err := NewIdentity(cfg.IdentitySeed)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		identity: identity,
		router:   NewRouter(logger),
		peers:    AllowAllPeers{},
		workers:  make(map[string]AsyncShutdowner),
	}
	n.lifeCtx, n.lifeCancel = context.WithCancel(context.Background())
	n.InitShutdownHelper(logger, n)

	if cfg.AuthorizedPeersFile != "" {
		pi, err := NewPeerIndex(logger, cfg.AuthorizedPeersFile)
		if err != nil {
			n.lifeCancel()
			return nil, err
		}
		n.peerIndex = pi
		n.peers = pi
	}

	n.ILogf("Fingerprint %s", identity.Fingerprint())

	if cfg.ListenAddr != "" {
		l, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			n.lifeCancel()
			if n.peerIndex != nil {
				n.peerIndex.Close()
			}
			return nil, err
		}
		n.tcpListener = l
		go n.acceptLinkLoop(l)
		n.ILogf("Listening for links on %s", l.Addr())
	}

	if cfg.WSListenAddr != "" {
		n.httpServer = NewHTTPServer(logger.Fork("ws"))
		h := http.Handler(http.HandlerFunc(n.handleLinkRequest))
		if logger.GetLogLevel() >= LogLevelDebug {
			h = requestlog.Wrap(h)
		}
		if err := n.httpServer.Start(n.lifeCtx, cfg.WSListenAddr, h); err != nil {
			n.lifeCancel()
			if n.tcpListener != nil {
				n.tcpListener.Close()
			}
			if n.peerIndex != nil {
				n.peerIndex.Close()
			}
			return nil, err
		}
		n.ILogf("Listening for websocket links on %s", n.httpServer.ListenerAddr())
	}

	n.PanicOnError(n.Activate())
	return n, nil
}

// Fingerprint returns the node identity's public key fingerprint.
func (n *Node) Fingerprint() string {
	return n.identity.Fingerprint()
}

// Router exposes the node's routing layer, mainly for embedding and tests.
func (n *Node) Router() *Router {
	return n.router
}

// LinkAddr returns the bound raw TCP link listener address, or nil.
func (n *Node) LinkAddr() net.Addr {
	if n.tcpListener == nil {
		return nil
	}
	return n.tcpListener.Addr()
}

// WSLinkAddr returns the bound websocket link listener address, or nil.
func (n *Node) WSLinkAddr() net.Addr {
	if n.httpServer == nil {
		return nil
	}
	return n.httpServer.ListenerAddr()
}

// addWorker registers a worker handle, failing on a duplicate.
func (n *Node) addWorker(handle string, w AsyncShutdowner) error {
	n.Lock.Lock()
	defer n.Lock.Unlock()
	if _, ok := n.workers[handle]; ok {
		return &RoutingError{Cause: ErrAddressConflict, Addr: Address(handle)}
	}
	n.workers[handle] = w
	return nil
}

// CreateOutlet creates an outlet worker at the well-known address addr that
// dials the TCP target for every portal session opened against it. The handle
// is the address itself.
func (n *Node) CreateOutlet(addr Address, target string) error {
	o, err := NewOutlet(n.Logger, n.router, addr, target, n.cfg)
	if err != nil {
		return err
	}
	if err := n.addWorker(string(addr), o); err != nil {
		o.StartShutdown(nil)
		o.WaitShutdown()
		return err
	}
	n.ILogf("Outlet %s -> %s", addr, target)
	return nil
}

// CreateSocksOutlet creates an outlet at addr backed by an embedded SOCKS5
// proxy instead of a fixed target.
func (n *Node) CreateSocksOutlet(addr Address) error {
	o, err := NewSocksOutlet(n.Logger, n.router, addr, n.cfg)
	if err != nil {
		return err
	}
	if err := n.addWorker(string(addr), o); err != nil {
		o.StartShutdown(nil)
		o.WaitShutdown()
		return err
	}
	n.ILogf("SOCKS5 outlet %s", addr)
	return nil
}

// CreateEcho creates an echo worker at addr.
func (n *Node) CreateEcho(addr Address) error {
	e, err := NewEcho(n.Logger, n.router, addr, n.cfg.mailboxCapacity())
	if err != nil {
		return err
	}
	if err := n.addWorker(string(addr), e); err != nil {
		e.StartShutdown(nil)
		e.WaitShutdown()
		return err
	}
	return nil
}

// CreateInlet creates an inlet worker under the given handle, listening on
// the TCP address listenAddr and opening portal sessions toward the outlet at
// remote (which may be a multi-hop path such as "peer/outlet"). It returns
// the bound listener address, useful when listening on port 0.
func (n *Node) CreateInlet(handle string, listenAddr string, remote Address) (net.Addr, error) {
	in, err := NewInlet(n.Logger, n.router, listenAddr, remote, n.cfg)
	if err != nil {
		return nil, err
	}
	if err := n.addWorker(handle, in); err != nil {
		in.StartShutdown(nil)
		in.WaitShutdown()
		return nil, err
	}
	n.ILogf("Inlet %s -> %s", in.Addr(), remote)
	return in.Addr(), nil
}

// Delete shuts down the worker bound to handle and releases its addresses.
// It returns after in-flight sessions have drained (bounded by the grace
// period); the handle and any well-known address are free for reuse once it
// returns. Unknown handles fail with NoSuchAddress.
func (n *Node) Delete(handle string) error {
	n.Lock.Lock()
	w, ok := n.workers[handle]
	if ok {
		delete(n.workers, handle)
	}
	n.Lock.Unlock()
	if !ok {
		return &RoutingError{Cause: ErrNoSuchAddress, Addr: Address(handle)}
	}
	w.StartShutdown(nil)
	return w.WaitShutdown()
}

// trackChannel remembers a live link channel for node shutdown.
func (n *Node) trackChannel(ch *SecureChannel) {
	n.Lock.Lock()
	n.channels = append(n.channels, ch)
	n.Lock.Unlock()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually shut
// down, then return the real completion value.
func (n *Node) HandleOnceShutdown(completionErr error) error {
	// stop accepting links and opening sessions
	if n.tcpListener != nil {
		n.tcpListener.Close()
	}
	if n.httpServer != nil {
		n.httpServer.StartShutdown(nil)
	}
	n.lifeCancel()

	// drain workers; each enforces its own grace period
	n.Lock.Lock()
	workers := n.workers
	n.workers = make(map[string]AsyncShutdowner)
	channels := n.channels
	n.channels = nil
	n.Lock.Unlock()

	for _, w := range workers {
		w.StartShutdown(nil)
	}
	for _, w := range workers {
		w.WaitShutdown()
	}

	for _, ch := range channels {
		ch.StartShutdown(nil)
	}
	for _, ch := range channels {
		ch.WaitShutdown()
	}

	n.router.closeAll()

	if n.httpServer != nil {
		n.httpServer.WaitShutdown()
	}
	if n.peerIndex != nil {
		n.peerIndex.StartShutdown(nil)
		n.peerIndex.WaitShutdown()
	}
	n.ILogf("Shut down")
	return completionErr
}
