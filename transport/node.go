package transport

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/scylladb/scylla-go-driver/frame"
)

type nodeStatus = atomic.Bool

const (
	statusDown = false
	statusUP   = true
)

// Node is one cluster member's identity and metadata (§3): hostname,
// datacenter/rack, tokens, and the up/down status the pool manager
// reports against its Address. Connections live in the Cluster's
// PoolManager, keyed by Address, not on Node itself — Node is read
// freely by application goroutines and load-balancing policies, and
// mutated only by the control connection's event loop.
type Node struct {
	hostID     frame.UUID
	addr       Address
	datacenter string
	rack       string
	releaseVer string
	tokens     []Token

	status nodeStatus
}

// Address identifies a contact point or discovered host: hostname/IP,
// port, and (cloud deployments only) a server-side id and SNI name.
// Two Addresses with the same IP/port but different ServerID are
// distinct, per §3 ("cloud case").
type Address struct {
	Host     string
	Port     int
	ServerID string // cloud: the backend node's opaque id
	SNIName  string // cloud: the name presented at TLS handshake
}

func (a Address) String() string {
	if a.ServerID != "" {
		return fmt.Sprintf("%s:%d#%s", a.Host, a.Port, a.ServerID)
	}
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Key returns the canonical tuple used for Address equality / map keys.
func (a Address) Key() string { return a.String() }

func (a Address) dialAddr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

func NewNode(addr Address) *Node {
	return &Node{addr: addr}
}

func (n *Node) Addr() Address      { return n.addr }
func (n *Node) Datacenter() string { return n.datacenter }
func (n *Node) Rack() string       { return n.rack }
func (n *Node) HostID() frame.UUID { return n.hostID }
func (n *Node) Tokens() []Token    { return n.tokens }

func (n *Node) IsUp() bool {
	return n.status.Load()
}

// SetStatus is called by the cluster's HostListener as it forwards the
// pool manager's UP/DOWN/CRITICAL notifications for this node's address.
func (n *Node) SetStatus(v bool) {
	n.status.Store(v)
}

func (n *Node) String() string {
	return n.addr.String()
}

// RingEntry is one token's placement on the ring plus the node that owns
// it (§3 TokenMap).
type RingEntry struct {
	node  *Node
	token Token
}

func (r RingEntry) Less(i RingEntry) bool { return r.token < i.token }

// Ring is the partitioner's sorted token->node assignment.
type Ring []RingEntry

func (r Ring) Less(i, j int) bool { return r[i].token < r[j].token }
func (r Ring) Len() int           { return len(r) }
func (r Ring) Swap(i, j int)      { r[i], r[j] = r[j], r[i] }

// replicaIter walks the ring starting from offset, wrapping around once,
// used to collect replicas for a token without re-searching the ring
// per candidate.
type replicaIter struct {
	ring    Ring
	offset  int
	fetched int
}

func (r *replicaIter) Next() *Node {
	if r.fetched >= len(r.ring) {
		return nil
	}

	ret := r.ring[r.offset].node
	r.offset++
	r.fetched++
	if r.offset >= len(r.ring) {
		r.offset = 0
	}

	return ret
}

// tokenLowerBound returns the position of the first node with a token
// not smaller than the given one, 0 if there wasn't one (ring wraps).
func (r Ring) tokenLowerBound(token Token) int {
	start, end := 0, len(r)
	for start < end {
		mid := int(uint(start+end) >> 1)
		if r[mid].token < token {
			start = mid + 1
		} else {
			end = mid
		}
	}

	if end >= len(r) {
		end = 0
	}

	return end
}
