package pnshare

import (
	"context"
	"net"
	"sync"
	"time"
)

// Inlet is a worker that listens on a local TCP address and opens one portal
// session per accepted connection. The remote address names the outlet that
// terminates each session, and may be a multi-hop path such as
// "peer/outlet-name". Accepted connections relay no bytes until the outlet
// acknowledges the session; if no ACK arrives within the open timeout the
// connection is dropped.
type Inlet struct {
	ShutdownHelper
	router     *Router
	remote     Address
	cfg        *NodeConfig
	listener   net.Listener
	stats      ConnStats
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	sessionsWG sync.WaitGroup
}

// NewInlet creates an inlet listening on the TCP address listenAddr, routing
// each accepted connection to the outlet at remote, and starts accepting.
func NewInlet(logger Logger, router *Router, listenAddr string, remote Address, cfg *NodeConfig) (*Inlet, error) {
	if cfg == nil {
		cfg = &NodeConfig{}
	}
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, &PortalError{Cause: ErrAcceptFailed, Detail: err.Error()}
	}
	in := &Inlet{
		router:   router,
		remote:   remote,
		cfg:      cfg,
		listener: listener,
	}
	in.lifeCtx, in.lifeCancel = context.WithCancel(context.Background())
	in.InitShutdownHelper(logger.Fork("inlet(%s)", listener.Addr()), in)
	in.PanicOnError(in.Activate())
	go in.acceptLoop()
	in.DLogf("Accepting portal sessions for %s", remote)
	return in, nil
}

// Addr returns the bound listener address, useful when listening on port 0.
func (in *Inlet) Addr() net.Addr {
	return in.listener.Addr()
}

func (in *Inlet) acceptLoop() {
	for {
		conn, err := in.listener.Accept()
		if err != nil {
			if !in.IsStartedShutdown() {
				in.StartShutdown(&PortalError{Cause: ErrAcceptFailed, Detail: err.Error()})
			}
			return
		}
		go in.handleConn(conn)
	}
}

// handleConn opens one portal session for an accepted connection. The OPEN
// frame consumes sequence 0 of the outbound stream; the session's peer
// address is learned from the outlet's ACK reply.
func (in *Inlet) handleConn(conn net.Conn) {
	sess := newPortalSession(
		in.Logger, in.router, conn, "", &in.stats,
		in.cfg.maxFramePayload(), in.cfg.reorderLimit(), in.cfg.mailboxCapacity(),
	)
	if err := sess.register(); err != nil {
		conn.Close()
		in.DLogf("Could not register session: %s", err)
		return
	}

	in.sessionsWG.Add(1)
	go func() {
		sess.WaitShutdown()
		in.sessionsWG.Done()
	}()

	sess.start(in.lifeCtx)
	sess.watchOpenTimeout(in.cfg.openTimeout())

	open := sess.split.Control(FrameOpen, nil)
	err := in.router.Route(in.lifeCtx, &Envelope{
		To:      in.remote,
		ReplyTo: sess.addr,
		Payload: open.Encode(),
	})
	if err != nil {
		sess.StartShutdown(err)
		return
	}
	in.DLogf("Session %s opening toward %s", sess.addr, in.remote)
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually shut
// down, then return the real completion value.
func (in *Inlet) HandleOnceShutdown(completionErr error) error {
	err := in.listener.Close()

	drained := make(chan struct{})
	go func() {
		in.sessionsWG.Wait()
		close(drained)
	}()
	t := time.NewTimer(in.cfg.gracePeriod())
	select {
	case <-drained:
	case <-t.C:
		in.DLogf("Grace period expired; terminating remaining sessions")
		in.lifeCancel()
		<-drained
	}
	t.Stop()
	in.lifeCancel()
	in.DLogf("%s: Shut down", &in.stats)

	if completionErr == nil && err != nil && !isClosedConnError(err) {
		completionErr = err
	}
	return completionErr
}
