package pnshare

import (
	"strings"

	"github.com/google/uuid"
)

// Address is an opaque identifier for a routable endpoint. A plain address
// names a worker on the local node. A slash-separated address names a path:
// the leading segment is the next hop (a secure channel link), and the
// remainder is the address at that hop. Paths nest, so "a/b/outlet" reaches
// "outlet" two links away without either end knowing the full topology.
type Address string

// NewSessionAddress generates a fresh collision-free Address for a
// per-connection session worker.
func NewSessionAddress() Address {
	return Address(uuid.NewString())
}

// IsLocal returns true if the address names a worker on this node rather than
// a path through a link.
func (a Address) IsLocal() bool {
	return !strings.Contains(string(a), "/")
}

// NextHop splits the address into its leading hop segment and the remainder.
// For a local address the hop is "" and rest is the address itself.
func (a Address) NextHop() (hop string, rest Address) {
	i := strings.IndexByte(string(a), '/')
	if i < 0 {
		return "", a
	}
	return string(a)[:i], Address(string(a)[i+1:])
}

// Via prefixes the address with a hop segment, producing the address a sender
// one link away would use to reach it.
func (a Address) Via(hop string) Address {
	if a == "" {
		return a
	}
	return Address(hop + "/" + string(a))
}

func (a Address) String() string {
	return string(a)
}
