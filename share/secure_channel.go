package pnshare

import (
	"context"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// Plaintext record types carried inside the AEAD layer.
const (
	recordEnvelope byte = 1
	recordPing     byte = 2
	recordPong     byte = 3
)

// SecureChannel is an established, mutually authenticated session with a peer
// node: an ordered, reliable, confidential message stream over an opaque
// reliable transport. Every record is sealed with a strictly monotonic
// sequence counter as AEAD nonce and associated data, so replayed or
// reordered transport frames fail authentication and destroy the session.
// Concurrent senders are serialized over the encrypt-and-send critical
// section, preserving per-sender order with FIFO admission.
type SecureChannel struct {
	ShutdownHelper
	name            string
	conn            net.Conn
	router          *Router
	aeadSend        cipher.AEAD
	aeadRecv        cipher.AEAD
	sendLock        sync.Mutex
	sendSeq         uint64
	recvSeq         uint64
	peerFingerprint string
	maxRecord       int
	keepAlive       time.Duration
	lifeCtx         context.Context
	lifeCancel      context.CancelFunc
}

// NewSecureChannel wraps a transport whose handshake has completed into a
// live channel bound to a router link name. The channel owns conn from here
// on.
func NewSecureChannel(
	logger Logger,
	name string,
	conn net.Conn,
	hs *handshakeResult,
	router *Router,
	maxFramePayload int,
	keepAlive time.Duration,
) (*SecureChannel, error) {
	aeadSend, err := chacha20poly1305.New(hs.sendKey)
	if err != nil {
		return nil, &ChannelError{Cause: ErrMalformedFrame, Detail: err.Error()}
	}
	aeadRecv, err := chacha20poly1305.New(hs.recvKey)
	if err != nil {
		return nil, &ChannelError{Cause: ErrMalformedFrame, Detail: err.Error()}
	}
	if maxFramePayload <= 0 {
		maxFramePayload = DefaultMaxFramePayload
	}
	c := &SecureChannel{
		name:            name,
		conn:            conn,
		router:          router,
		aeadSend:        aeadSend,
		aeadRecv:        aeadRecv,
		peerFingerprint: hs.peerFingerprint,
		maxRecord:       maxFramePayload + recordOverhead,
		keepAlive:       keepAlive,
	}
	c.lifeCtx, c.lifeCancel = context.WithCancel(context.Background())
	c.InitShutdownHelper(logger.Fork("channel(%s)", name), c)
	c.PanicOnError(c.Activate())
	return c, nil
}

// Start begins the channel's receive and keepalive loops and constrains the
// channel's lifetime to ctx.
func (c *SecureChannel) Start(ctx context.Context) {
	c.ShutdownOnContext(ctx)
	go func() {
		<-c.ShutdownStartedChan()
		c.lifeCancel()
	}()
	go c.receiveLoop()
	if c.keepAlive > 0 {
		go c.keepAliveLoop()
	}
}

// LinkName returns the router hop name this channel is bound to.
func (c *SecureChannel) LinkName() string {
	return c.name
}

// PeerFingerprint returns the authenticated peer identity fingerprint.
func (c *SecureChannel) PeerFingerprint() string {
	return c.peerFingerprint
}

// SendEnvelope seals and transmits one envelope. Safe for concurrent use;
// callers are admitted FIFO to the encrypt-and-send critical section. Returns
// ErrChannelClosed (wrapped) after the channel is destroyed.
func (c *SecureChannel) SendEnvelope(ctx context.Context, env *Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return &ChannelError{Cause: ErrMalformedFrame, Detail: err.Error()}
	}
	record := make([]byte, 1+len(body))
	record[0] = recordEnvelope
	copy(record[1:], body)
	return c.sendRecord(ctx, record)
}

func (c *SecureChannel) sendRecord(ctx context.Context, plaintext []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.IsStartedShutdown() {
		return &ChannelError{Cause: ErrChannelClosed}
	}

	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], c.sendSeq)
	var nonce [chacha20poly1305.NonceSize]byte
	copy(nonce[4:], seqBytes[:])

	sealed := c.aeadSend.Seal(nil, nonce[:], plaintext, seqBytes[:])
	if err := writeRecord(c.conn, sealed); err != nil {
		// a send counter may never be reused once any bytes hit the wire
		c.sendSeq++
		err = &ChannelError{Cause: ErrChannelClosed, Detail: err.Error()}
		c.StartShutdown(err)
		return err
	}
	c.sendSeq++
	return nil
}

// receiveLoop reads, authenticates and routes records until the transport
// fails or authentication breaks.
func (c *SecureChannel) receiveLoop() {
	for {
		sealed, err := readRecord(c.conn, c.maxRecord+c.aeadRecv.Overhead())
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.StartShutdown(&ChannelError{Cause: ErrChannelClosed})
			} else {
				c.StartShutdown(&ChannelError{Cause: ErrChannelClosed, Detail: err.Error()})
			}
			return
		}

		var seqBytes [8]byte
		binary.BigEndian.PutUint64(seqBytes[:], c.recvSeq)
		var nonce [chacha20poly1305.NonceSize]byte
		copy(nonce[4:], seqBytes[:])

		plaintext, err := c.aeadRecv.Open(nil, nonce[:], sealed, seqBytes[:])
		if err != nil {
			// replay, reorder or tamper at the transport; never recoverable
			c.StartShutdown(&ChannelError{Cause: ErrAuthenticationFailed,
				Detail: fmt.Sprintf("record at receive counter %d failed to authenticate", c.recvSeq)})
			return
		}
		c.recvSeq++

		if len(plaintext) == 0 {
			c.StartShutdown(&ChannelError{Cause: ErrMalformedFrame, Detail: "empty record"})
			return
		}

		switch plaintext[0] {
		case recordEnvelope:
			env, err := DecodeEnvelope(plaintext[1:])
			if err != nil {
				c.StartShutdown(&ChannelError{Cause: ErrMalformedFrame, Detail: err.Error()})
				return
			}
			// replies route back through this link
			if env.ReplyTo != "" {
				env.ReplyTo = env.ReplyTo.Via(c.name)
			}
			// a full destination mailbox suspends this loop; transport flow
			// control propagates the stall back to the sender
			if err := c.router.Route(c.lifeCtx, env); err != nil {
				var rerr *RoutingError
				if errors.As(err, &rerr) {
					c.DLogf("Dropping undeliverable envelope: %s", err)
					continue
				}
				c.StartShutdown(err)
				return
			}
		case recordPing:
			go c.sendRecord(c.lifeCtx, []byte{recordPong})
		case recordPong:
			// keepalive response, nothing to do
		default:
			c.StartShutdown(&ChannelError{Cause: ErrMalformedFrame,
				Detail: fmt.Sprintf("unknown record type %d", plaintext[0])})
			return
		}
	}
}

func (c *SecureChannel) keepAliveLoop() {
	t := time.NewTicker(c.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-c.ShutdownStartedChan():
			return
		case <-t.C:
			if err := c.sendRecord(c.lifeCtx, []byte{recordPing}); err != nil {
				return
			}
		}
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually shut
// down, then return the real completion value.
func (c *SecureChannel) HandleOnceShutdown(completionErr error) error {
	c.lifeCancel()
	c.router.RemoveLink(c.name)
	err := c.conn.Close()
	if completionErr == nil {
		completionErr = err
	}
	if completionErr != nil && !errors.Is(completionErr, ErrChannelClosed) {
		c.DLogf("Channel closed: %s", completionErr)
	}
	return completionErr
}
