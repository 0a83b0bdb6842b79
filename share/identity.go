package pnshare

import (
	"crypto/ed25519"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"io"
	"strings"
)

// Identity is a node's long-lived signing keypair. Peers authenticate each
// other by verifying handshake transcript signatures against the advertised
// public key, and authorize by pinning its fingerprint.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewIdentity generates an identity, using an optional seed that will produce
// the same keypair every time. If seed is "", a random identity is generated.
func NewIdentity(seed string) (*Identity, error) {
	var r io.Reader
	if seed == "" {
		r = rand.Reader
	} else {
		r = newSeedRand([]byte(seed))
	}
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("Unable to generate identity keypair: %s", err)
	}
	return &Identity{priv: priv, pub: pub}, nil
}

// PublicKey returns the identity's public signing key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.pub
}

// Sign signs a handshake transcript hash.
func (id *Identity) Sign(transcript []byte) []byte {
	return ed25519.Sign(id.priv, transcript)
}

// Fingerprint returns the identity's public key fingerprint.
func (id *Identity) Fingerprint() string {
	return FingerprintKey(id.pub)
}

// FingerprintKey returns a standard fingerprint hash string for a public key,
// which peers can pin to authorize each other.
func FingerprintKey(pub ed25519.PublicKey) string {
	bytes := md5.Sum(pub)
	strbytes := make([]string, len(bytes))
	for i, b := range bytes {
		strbytes[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(strbytes, ":")
}

// seedRandIter is the number of times a seed is hashed with SHA-512 to
// produce the starting state of the pseudo-random stream.
const seedRandIter = 2048

// seedRand is a deterministic crypto reader: each SHA-512 round yields half
// state carry-over and half output.
type seedRand struct {
	next, out []byte
}

func newSeedRand(seed []byte) io.Reader {
	var out []byte
	next := seed
	for i := 0; i < seedRandIter; i++ {
		next, out = seedHash(next)
	}
	return &seedRand{next: next, out: out}
}

func (d *seedRand) Read(b []byte) (int, error) {
	n := 0
	for n < len(b) {
		next, out := seedHash(d.next)
		n += copy(b[n:], out)
		d.next = next
	}
	return n, nil
}

func seedHash(input []byte) (next []byte, output []byte) {
	nextout := sha512.Sum512(input)
	return nextout[:sha512.Size/2], nextout[sha512.Size/2:]
}
