package pnshare

import (
	"context"
	"sync"
)

// Router owns the node's worker registry and link table, and delivers
// envelopes. Local destinations get a bounded-mailbox put; remote
// destinations have their leading hop segment stripped and are forwarded
// through the named link's secure channel. Workers never hold references to
// each other; every interaction goes through here.
type Router struct {
	Logger
	lock    sync.Mutex
	workers map[Address]*Mailbox
	links   map[string]*SecureChannel
}

// NewRouter creates an empty Router.
func NewRouter(logger Logger) *Router {
	return &Router{
		Logger:  logger.Fork("router"),
		workers: make(map[Address]*Mailbox),
		links:   make(map[string]*SecureChannel),
	}
}

// Register binds a local address to a worker mailbox. Fails with
// ErrAddressConflict if the address is already bound.
func (r *Router) Register(addr Address, mb *Mailbox) error {
	if addr == "" || !addr.IsLocal() {
		return &RoutingError{Cause: ErrNoSuchAddress, Addr: addr}
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.workers[addr]; ok {
		return &RoutingError{Cause: ErrAddressConflict, Addr: addr}
	}
	r.workers[addr] = mb
	r.TLogf("registered %q", addr)
	return nil
}

// Deregister releases a local address and closes its mailbox. Unknown
// addresses are ignored, so deregistration is idempotent.
func (r *Router) Deregister(addr Address) {
	r.lock.Lock()
	mb, ok := r.workers[addr]
	if ok {
		delete(r.workers, addr)
	}
	r.lock.Unlock()
	if ok {
		mb.Close()
		r.TLogf("deregistered %q", addr)
	}
}

// AddLink binds a hop name to an established secure channel. Fails with
// ErrAddressConflict if the name is already bound.
func (r *Router) AddLink(name string, ch *SecureChannel) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.links[name]; ok {
		return &RoutingError{Cause: ErrAddressConflict, Addr: Address(name)}
	}
	r.links[name] = ch
	return nil
}

// RemoveLink unbinds a hop name. Idempotent.
func (r *Router) RemoveLink(name string) {
	r.lock.Lock()
	delete(r.links, name)
	r.lock.Unlock()
}

// Link returns the secure channel bound to a hop name, or nil.
func (r *Router) Link(name string) *SecureChannel {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.links[name]
}

// WorkerCount returns the number of registered local addresses.
func (r *Router) WorkerCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.workers)
}

// Route delivers one envelope. Local destinations block while the worker's
// mailbox is full (backpressure); ctx cancellation unblocks the wait. Remote
// destinations are rewritten without their hop segment and sent through the
// hop's secure channel, which serializes concurrent senders.
func (r *Router) Route(ctx context.Context, env *Envelope) error {
	hop, rest := env.To.NextHop()
	if hop == "" {
		r.lock.Lock()
		mb, ok := r.workers[env.To]
		r.lock.Unlock()
		if !ok {
			return &RoutingError{Cause: ErrNoSuchAddress, Addr: env.To}
		}
		return mb.Put(ctx, env)
	}

	r.lock.Lock()
	link, ok := r.links[hop]
	r.lock.Unlock()
	if !ok {
		return &RoutingError{Cause: ErrNoRoute, Addr: env.To}
	}
	return link.SendEnvelope(ctx, &Envelope{
		To:      rest,
		ReplyTo: env.ReplyTo,
		Payload: env.Payload,
	})
}

// closeAll deregisters every worker and link. Used by node shutdown after the
// drain period.
func (r *Router) closeAll() {
	r.lock.Lock()
	workers := r.workers
	r.workers = make(map[Address]*Mailbox)
	r.links = make(map[string]*SecureChannel)
	r.lock.Unlock()
	for _, mb := range workers {
		mb.Close()
	}
}
