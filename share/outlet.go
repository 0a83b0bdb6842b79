package pnshare

import (
	"context"
	"net"
	"sync"
	"time"
)

// dialFunc produces the local connection behind an outlet for one portal
// session. Plain TCP outlets dial the configured target; SOCKS outlets hand
// back one end of a socket pair served by an embedded proxy.
type dialFunc func(ctx context.Context) (net.Conn, error)

// Outlet is a worker registered at a well-known address. Each OPEN envelope
// it receives establishes a new portal session: the outlet dials its target,
// replies with an ACK carrying the fresh session address, and relays bytes
// until both directions end. A dial failure is reported back to the inlet as
// an ERROR frame and no session is created.
type Outlet struct {
	ShutdownHelper
	router     *Router
	addr       Address
	target     string
	dial       dialFunc
	cfg        *NodeConfig
	mb         *Mailbox
	stats      ConnStats
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	sessionsWG sync.WaitGroup
}

// NewOutlet creates an outlet worker at addr that dials the TCP target
// address for each portal session, registers it with the router, and starts
// serving OPEN requests.
func NewOutlet(logger Logger, router *Router, addr Address, target string, cfg *NodeConfig) (*Outlet, error) {
	dialer := &net.Dialer{}
	dial := func(ctx context.Context) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", target)
	}
	return newOutletWorker(logger, router, addr, target, dial, cfg)
}

func newOutletWorker(logger Logger, router *Router, addr Address, target string, dial dialFunc, cfg *NodeConfig) (*Outlet, error) {
	if cfg == nil {
		cfg = &NodeConfig{}
	}
	o := &Outlet{
		router: router,
		addr:   addr,
		target: target,
		dial:   dial,
		cfg:    cfg,
		mb:     NewMailbox(cfg.mailboxCapacity()),
	}
	o.lifeCtx, o.lifeCancel = context.WithCancel(context.Background())
	o.InitShutdownHelper(logger.Fork("outlet(%s)", addr), o)
	if err := router.Register(addr, o.mb); err != nil {
		o.lifeCancel()
		return nil, err
	}
	o.PanicOnError(o.Activate())
	go o.serveLoop()
	o.DLogf("Serving portal sessions for %s", target)
	return o, nil
}

// Addr returns the outlet's well-known address.
func (o *Outlet) Addr() Address {
	return o.addr
}

// serveLoop consumes OPEN envelopes from the well-known mailbox. Each request
// is handled on its own goroutine so a slow dial does not hold up later
// openers.
func (o *Outlet) serveLoop() {
	for {
		env, err := o.mb.Receive(o.lifeCtx)
		if err != nil {
			return
		}
		go o.handleOpen(env)
	}
}

// handleOpen serves one OPEN request end to end.
func (o *Outlet) handleOpen(env *Envelope) {
	f, err := DecodeFrame(env.Payload)
	if err != nil || f.Flags&FrameOpen == 0 || env.ReplyTo == "" {
		o.DLogf("Ignoring malformed open request from %q", env.ReplyTo)
		return
	}

	dialCtx, cancel := context.WithTimeout(o.lifeCtx, o.cfg.openTimeout())
	conn, err := o.dial(dialCtx)
	cancel()
	if err != nil {
		o.DLogf("Dial %s failed: %s", o.target, err)
		o.replyError(env.ReplyTo, &PortalError{Cause: ErrDialFailed, Detail: err.Error()})
		return
	}

	sess := newPortalSession(
		o.Logger, o.router, conn, env.ReplyTo, &o.stats,
		o.cfg.maxFramePayload(), o.cfg.reorderLimit(), o.cfg.mailboxCapacity(),
	)
	if err := sess.register(); err != nil {
		conn.Close()
		o.replyError(env.ReplyTo, err)
		return
	}

	// the OPEN frame occupies seq 0 of the inlet's stream; feed it through
	// the session reassembler so DATA starting at seq 1 is not buffered as
	// out of order
	if _, err := sess.reasm.Push(f); err != nil {
		sess.StartShutdown(err)
		return
	}

	o.sessionsWG.Add(1)
	go func() {
		sess.WaitShutdown()
		o.sessionsWG.Done()
	}()

	sess.start(o.lifeCtx)
	if err := sess.sendFrame(sess.split.Control(FrameAck, nil), sess.addr); err != nil {
		sess.StartShutdown(err)
		return
	}
	sess.signalAck()
	o.DLogf("Session %s opened for %s", sess.addr, env.ReplyTo)
}

// replyError routes a best-effort ERROR frame back to the opener.
func (o *Outlet) replyError(to Address, cause error) {
	f := &Frame{Flags: FrameError, Payload: []byte(cause.Error())}
	err := o.router.Route(o.lifeCtx, &Envelope{
		To:      to,
		ReplyTo: o.addr,
		Payload: f.Encode(),
	})
	if err != nil {
		o.DLogf("Could not deliver error reply to %s: %s", to, err)
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually shut
// down, then return the real completion value.
func (o *Outlet) HandleOnceShutdown(completionErr error) error {
	o.router.Deregister(o.addr)
	o.mb.Close()

	// let active sessions drain for the grace period, then cut them off
	drained := make(chan struct{})
	go func() {
		o.sessionsWG.Wait()
		close(drained)
	}()
	t := time.NewTimer(o.cfg.gracePeriod())
	select {
	case <-drained:
	case <-t.C:
		o.DLogf("Grace period expired; terminating remaining sessions")
		o.lifeCancel()
		<-drained
	}
	t.Stop()
	o.lifeCancel()
	o.DLogf("%s: Shut down", &o.stats)
	return completionErr
}
