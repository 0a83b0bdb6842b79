package pnshare

import "context"

// Echo is a trivial worker that replies to every envelope with the same
// payload, addressed to the sender's reply address. It is handy for checking
// that routing and secure channels between nodes are healthy.
type Echo struct {
	ShutdownHelper
	router     *Router
	addr       Address
	mb         *Mailbox
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
}

// NewEcho creates an echo worker at addr, registers it and starts serving.
func NewEcho(logger Logger, router *Router, addr Address, mailboxCapacity int) (*Echo, error) {
	e := &Echo{
		router: router,
		addr:   addr,
		mb:     NewMailbox(mailboxCapacity),
	}
	e.lifeCtx, e.lifeCancel = context.WithCancel(context.Background())
	e.InitShutdownHelper(logger.Fork("echo(%s)", addr), e)
	if err := router.Register(addr, e.mb); err != nil {
		e.lifeCancel()
		return nil, err
	}
	e.PanicOnError(e.Activate())
	go e.serveLoop()
	return e, nil
}

// Addr returns the echo worker's address.
func (e *Echo) Addr() Address {
	return e.addr
}

func (e *Echo) serveLoop() {
	for {
		env, err := e.mb.Receive(e.lifeCtx)
		if err != nil {
			return
		}
		if env.ReplyTo == "" {
			e.DLogf("Dropping envelope with no reply address")
			continue
		}
		err = e.router.Route(e.lifeCtx, &Envelope{
			To:      env.ReplyTo,
			ReplyTo: e.addr,
			Payload: env.Payload,
		})
		if err != nil {
			e.DLogf("Could not deliver reply to %s: %s", env.ReplyTo, err)
		}
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually shut
// down, then return the real completion value.
func (e *Echo) HandleOnceShutdown(completionErr error) error {
	e.lifeCancel()
	e.router.Deregister(e.addr)
	e.mb.Close()
	return completionErr
}
