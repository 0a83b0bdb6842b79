package pnshare

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// The handshake mutually authenticates two nodes and derives fresh,
// independent directional keys for the session:
//
//  1. each side sends a hello record: protocol version, identity public key,
//     a fresh X25519 ephemeral public key, and a random nonce
//  2. both compute the transcript hash over (initiator hello, responder hello)
//  3. each side signs the transcript with its identity key and sends the
//     signature as a proof record; the peer verifies it and checks the
//     identity fingerprint against the node's PeerAuthorizer
//  4. directional keys come from HKDF-SHA256 over the X25519 shared secret,
//     salted with the transcript hash
//
// Ephemeral keys are never reused, so every session has its own key epoch.

// helloMessage is the first handshake record, sent in the clear as JSON.
type helloMessage struct {
	Protocol  string `json:"protocol"`
	Identity  []byte `json:"identity"`
	Ephemeral []byte `json:"ephemeral"`
	Nonce     []byte `json:"nonce"`
}

// proofMessage carries the transcript signature.
type proofMessage struct {
	Signature []byte `json:"signature"`
}

// handshakeResult is what a completed handshake hands to the secure channel.
type handshakeResult struct {
	sendKey         []byte
	recvKey         []byte
	peerIdentity    ed25519.PublicKey
	peerFingerprint string
}

const (
	labelInitiator = "portalnode v1 initiator"
	labelResponder = "portalnode v1 responder"
)

// performHandshake runs the mutual handshake over conn. The transport is
// treated as an opaque reliable byte stream; the deadline bounds the whole
// exchange. Any failure is wrapped in a HandshakeError and is fatal to the
// session being established.
func performHandshake(
	conn net.Conn,
	id *Identity,
	auth PeerAuthorizer,
	initiator bool,
	timeout time.Duration,
) (*handshakeResult, error) {
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
		defer conn.SetDeadline(time.Time{})
	}

	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, ephPriv); err != nil {
		return nil, &HandshakeError{Cause: ErrHandshakeMalformed, Detail: err.Error()}
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, &HandshakeError{Cause: ErrHandshakeMalformed, Detail: err.Error()}
	}

	nonce := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, &HandshakeError{Cause: ErrHandshakeMalformed, Detail: err.Error()}
	}

	ownHello, err := json.Marshal(&helloMessage{
		Protocol:  ProtocolVersion,
		Identity:  id.PublicKey(),
		Ephemeral: ephPub,
		Nonce:     nonce,
	})
	if err != nil {
		return nil, &HandshakeError{Cause: ErrHandshakeMalformed, Detail: err.Error()}
	}

	if err := writeRecord(conn, ownHello); err != nil {
		return nil, hsIOError(err)
	}
	peerHelloBytes, err := readRecord(conn, maxHandshakeRecord)
	if err != nil {
		return nil, hsIOError(err)
	}

	var peerHello helloMessage
	if err := json.Unmarshal(peerHelloBytes, &peerHello); err != nil {
		return nil, &HandshakeError{Cause: ErrHandshakeMalformed, Detail: err.Error()}
	}
	if peerHello.Protocol != ProtocolVersion {
		return nil, &HandshakeError{
			Cause:  ErrHandshakeMalformed,
			Detail: "peer protocol \"" + peerHello.Protocol + "\", expected \"" + ProtocolVersion + "\"",
		}
	}
	if len(peerHello.Identity) != ed25519.PublicKeySize || len(peerHello.Ephemeral) != curve25519.PointSize {
		return nil, &HandshakeError{Cause: ErrHandshakeMalformed, Detail: "bad peer key sizes"}
	}

	// transcript covers both hellos in role order so the two sides agree
	var transcript [sha256.Size]byte
	if initiator {
		transcript = sha256.Sum256(append(append([]byte{}, ownHello...), peerHelloBytes...))
	} else {
		transcript = sha256.Sum256(append(append([]byte{}, peerHelloBytes...), ownHello...))
	}

	ownLabel, peerLabel := labelInitiator, labelResponder
	if !initiator {
		ownLabel, peerLabel = labelResponder, labelInitiator
	}

	ownProof, err := json.Marshal(&proofMessage{
		Signature: id.Sign(append([]byte(ownLabel), transcript[:]...)),
	})
	if err != nil {
		return nil, &HandshakeError{Cause: ErrHandshakeMalformed, Detail: err.Error()}
	}
	if err := writeRecord(conn, ownProof); err != nil {
		return nil, hsIOError(err)
	}
	peerProofBytes, err := readRecord(conn, maxHandshakeRecord)
	if err != nil {
		return nil, hsIOError(err)
	}
	var peerProof proofMessage
	if err := json.Unmarshal(peerProofBytes, &peerProof); err != nil {
		return nil, &HandshakeError{Cause: ErrHandshakeMalformed, Detail: err.Error()}
	}

	peerIdentity := ed25519.PublicKey(peerHello.Identity)
	signed := append([]byte(peerLabel), transcript[:]...)
	if !ed25519.Verify(peerIdentity, signed, peerProof.Signature) {
		return nil, &HandshakeError{Cause: ErrIdentityRejected, Detail: "transcript signature verification failed"}
	}

	peerFingerprint := FingerprintKey(peerIdentity)
	if auth != nil && !auth.AllowPeer(peerFingerprint) {
		return nil, &HandshakeError{Cause: ErrIdentityRejected, Detail: "peer " + peerFingerprint + " not authorized"}
	}

	shared, err := curve25519.X25519(ephPriv, peerHello.Ephemeral)
	if err != nil {
		return nil, &HandshakeError{Cause: ErrHandshakeMalformed, Detail: err.Error()}
	}
	if isAllZero(shared) {
		return nil, &HandshakeError{Cause: ErrHandshakeMalformed, Detail: "degenerate shared secret"}
	}

	initToResp, err := deriveKey(shared, transcript[:], "portalnode v1 initiator->responder")
	if err != nil {
		return nil, &HandshakeError{Cause: ErrHandshakeMalformed, Detail: err.Error()}
	}
	respToInit, err := deriveKey(shared, transcript[:], "portalnode v1 responder->initiator")
	if err != nil {
		return nil, &HandshakeError{Cause: ErrHandshakeMalformed, Detail: err.Error()}
	}

	result := &handshakeResult{
		peerIdentity:    peerIdentity,
		peerFingerprint: peerFingerprint,
	}
	if initiator {
		result.sendKey, result.recvKey = initToResp, respToInit
	} else {
		result.sendKey, result.recvKey = respToInit, initToResp
	}
	return result, nil
}

func deriveKey(secret, salt []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
		return nil, err
	}
	return key, nil
}

func isAllZero(b []byte) bool {
	return bytes.Equal(b, make([]byte, len(b)))
}

// hsIOError classifies a handshake transport error as a timeout or a
// malformed/aborted exchange.
func hsIOError(err error) error {
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return &HandshakeError{Cause: ErrHandshakeTimeout, Detail: err.Error()}
	}
	return &HandshakeError{Cause: ErrHandshakeMalformed, Detail: err.Error()}
}
