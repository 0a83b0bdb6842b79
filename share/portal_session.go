package pnshare

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// portalSession pumps bytes in both directions between one TCP socket and the
// routing layer. One instance exists per accepted (inlet) or dialed (outlet)
// connection; it is exclusively owned by its worker and never shared.
//
// The uplink goroutine reads the socket, splits the stream into sequenced
// frames and routes them to the peer session. The downlink goroutine receives
// frames from the session mailbox, restores sequence order and writes payload
// bytes to the socket. Half-close frames are forwarded exactly once in each
// direction; the session reaches Terminated when both directions have ended,
// and deregisters its address exactly once.
type portalSession struct {
	ShutdownHelper
	router     *Router
	mb         *Mailbox
	addr       Address
	conn       net.Conn
	split      *FrameSplitter
	reasm      *FrameReassembler
	stats      *ConnStats
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	// ackChan is closed when relaying may begin: immediately on the outlet
	// side, on ACK receipt on the inlet side
	ackChan chan struct{}
	ackOnce sync.Once

	// all fields below are guarded by Lock
	peer           Address
	localEOF       bool // our socket hit EOF and CLOSE_WRITE was sent
	remoteEOF      bool // peer's CLOSE_WRITE arrived
	sentCloseWrite bool
	sentCloseRead  bool
}

// newPortalSession creates a session bound to conn, talking to peer (which
// may be "" until an ACK supplies it). The caller registers the session's
// address and starts the pumps.
func newPortalSession(
	logger Logger,
	router *Router,
	conn net.Conn,
	peer Address,
	stats *ConnStats,
	maxFramePayload int,
	reorderLimit int,
	mailboxCapacity int,
) *portalSession {
	s := &portalSession{
		router:  router,
		mb:      NewMailbox(mailboxCapacity),
		addr:    NewSessionAddress(),
		conn:    conn,
		split:   NewFrameSplitter(maxFramePayload),
		reasm:   NewFrameReassembler(reorderLimit),
		stats:   stats,
		peer:    peer,
		ackChan: make(chan struct{}),
	}
	s.lifeCtx, s.lifeCancel = context.WithCancel(context.Background())
	s.InitShutdownHelper(logger.Fork("session(%s)", s.addr), s)
	s.PanicOnError(s.Activate())
	return s
}

// register binds the session address in the routing table.
func (s *portalSession) register() error {
	return s.router.Register(s.addr, s.mb)
}

// start launches the two pump goroutines and constrains the session to ctx.
func (s *portalSession) start(ctx context.Context) {
	s.ShutdownOnContext(ctx)
	go func() {
		<-s.ShutdownStartedChan()
		s.lifeCancel()
	}()
	if s.stats != nil {
		s.stats.New()
		s.stats.Open()
	}
	go s.uplinkLoop()
	go s.downlinkLoop()
}

// signalAck marks the session ready to relay. Idempotent.
func (s *portalSession) signalAck() {
	s.ackOnce.Do(func() {
		close(s.ackChan)
	})
}

// watchOpenTimeout shuts the session down if no ACK arrives within the bound.
// Used on the inlet side only.
func (s *portalSession) watchOpenTimeout(timeout time.Duration) {
	go func() {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-s.ackChan:
		case <-s.ShutdownStartedChan():
		case <-t.C:
			s.StartShutdown(&PortalError{Cause: ErrOpenTimeout,
				Detail: "no acknowledgment from outlet within " + timeout.String()})
		}
	}()
}

func (s *portalSession) peerAddr() Address {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	return s.peer
}

func (s *portalSession) setPeerAddr(peer Address) {
	s.Lock.Lock()
	if s.peer == "" {
		s.peer = peer
	}
	s.Lock.Unlock()
}

// sendFrame routes one frame toward the peer session. The frame payload is
// copied during encoding, so callers may reuse their buffers.
func (s *portalSession) sendFrame(f *Frame, replyTo Address) error {
	peer := s.peerAddr()
	if peer == "" {
		return &PortalError{Cause: ErrPeerReset, Detail: "no peer address"}
	}
	return s.router.Route(s.lifeCtx, &Envelope{
		To:      peer,
		ReplyTo: replyTo,
		Payload: f.Encode(),
	})
}

// sendCloseWrite forwards our socket's end-of-stream exactly once.
func (s *portalSession) sendCloseWrite() {
	s.Lock.Lock()
	already := s.sentCloseWrite
	s.sentCloseWrite = true
	s.localEOF = true
	s.Lock.Unlock()
	if !already {
		if err := s.sendFrame(s.split.Control(FrameCloseWrite, nil), ""); err != nil {
			s.StartShutdown(err)
			return
		}
	}
	s.maybeFinish()
}

// sendCloseRead tells the peer we will accept no more data, exactly once.
func (s *portalSession) sendCloseRead() {
	s.Lock.Lock()
	already := s.sentCloseRead
	s.sentCloseRead = true
	s.Lock.Unlock()
	if !already {
		if err := s.sendFrame(s.split.Control(FrameCloseRead, nil), ""); err != nil {
			s.StartShutdown(err)
		}
	}
}

// sendError aborts the peer session and then this one.
func (s *portalSession) sendError(cause error) {
	s.sendFrame(s.split.Control(FrameError, []byte(cause.Error())), "")
	s.StartShutdown(cause)
}

// maybeFinish completes the session once both directions are done.
func (s *portalSession) maybeFinish() {
	s.Lock.Lock()
	done := s.localEOF && s.remoteEOF
	s.Lock.Unlock()
	if done {
		s.StartShutdown(nil)
	}
}

// uplinkLoop reads the local socket and routes DATA frames to the peer. It
// does not start until the session is acknowledged; the kernel socket buffer
// plus the peer's bounded mailbox provide backpressure end to end.
func (s *portalSession) uplinkLoop() {
	select {
	case <-s.ackChan:
	case <-s.ShutdownStartedChan():
		return
	}

	buf := make([]byte, s.split.maxPayload)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if s.stats != nil {
				s.stats.AddSent(int64(n))
			}
			for _, f := range s.split.Split(buf[:n]) {
				if rerr := s.sendFrame(f, ""); rerr != nil {
					if !s.IsStartedShutdown() {
						s.StartShutdown(rerr)
					}
					return
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.sendCloseWrite()
			} else if s.IsStartedShutdown() || isClosedConnError(err) {
				// socket torn down locally (CLOSE_READ from peer or session
				// shutdown); nothing more to forward
				s.Lock.Lock()
				s.localEOF = true
				s.Lock.Unlock()
				s.maybeFinish()
			} else {
				s.sendError(&PortalError{Cause: ErrPeerReset, Detail: err.Error()})
			}
			return
		}
	}
}

// downlinkLoop receives frames from the mailbox, restores sequence order and
// applies them to the local socket.
func (s *portalSession) downlinkLoop() {
	for {
		env, err := s.mb.Receive(s.lifeCtx)
		if err != nil {
			return
		}
		f, err := DecodeFrame(env.Payload)
		if err != nil {
			s.sendError(&PortalError{Cause: ErrPeerReset, Detail: err.Error()})
			return
		}
		ready, err := s.reasm.Push(f)
		if err != nil {
			s.sendError(err)
			return
		}
		for _, rf := range ready {
			if !s.applyFrame(rf, env) {
				return
			}
		}
	}
}

// applyFrame applies one in-order frame. Returns false when the downlink loop
// should stop.
func (s *portalSession) applyFrame(f *Frame, env *Envelope) bool {
	if f.Flags&FrameError != 0 {
		detail := string(f.Payload)
		s.DLogf("Peer error: %s", detail)
		s.conn.Close()
		s.StartShutdown(&PortalError{Cause: ErrPeerReset, Detail: detail})
		return false
	}
	if f.Flags&FrameAck != 0 {
		s.setPeerAddr(env.ReplyTo)
		s.signalAck()
	}
	if f.Flags&FrameData != 0 && len(f.Payload) > 0 {
		if s.stats != nil {
			s.stats.AddReceived(int64(len(f.Payload)))
		}
		if _, err := writeFull(s.conn, f.Payload); err != nil {
			// local writer is gone; abort both sides
			s.sendError(&PortalError{Cause: ErrPeerReset, Detail: err.Error()})
			return false
		}
	}
	if f.Flags&FrameCloseWrite != 0 {
		closeWriteHalf(s.conn)
		s.Lock.Lock()
		s.remoteEOF = true
		s.Lock.Unlock()
		s.maybeFinish()
	}
	if f.Flags&FrameCloseRead != 0 {
		// peer accepts no more data; unblock and end our uplink
		closeReadHalf(s.conn)
	}
	return true
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually shut
// down, then return the real completion value.
func (s *portalSession) HandleOnceShutdown(completionErr error) error {
	s.lifeCancel()
	s.router.Deregister(s.addr)
	s.mb.Close()
	err := s.conn.Close()
	if s.stats != nil {
		s.stats.Close()
		s.DLogf("%s: Terminated", s.stats)
	}
	if completionErr == nil && err != nil && !isClosedConnError(err) {
		completionErr = err
	}
	return completionErr
}

func writeFull(w io.Writer, p []byte) (int, error) {
	n := 0
	for n < len(p) {
		m, err := w.Write(p[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// isClosedConnError reports whether err is the result of using a closed or
// half-closed socket.
func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
