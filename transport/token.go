package transport

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spaolacci/murmur3"
)

// Token is a signed 64-bit position on the partitioner's ring.
type Token int64

// MurmurToken hashes a routing key with Murmur3 (x64-128, low 64 bits
// signed) the way Cassandra's Murmur3Partitioner does.
func MurmurToken(key []byte) Token {
	h1, _ := murmur3.Sum128(key)
	return Token(h1) //nolint:gosec // intentional reinterpret as signed.
}

// Partitioner names the per-keyspace token algorithm (system.local /
// system.peers' partitioner column).
type Partitioner string

const (
	Murmur3Partitioner Partitioner = "org.apache.cassandra.dht.Murmur3Partitioner"
	RandomPartitioner  Partitioner = "org.apache.cassandra.dht.RandomPartitioner"
)

// ReplicationStrategy computes the replica set for a token given the
// full ring, for one keyspace's replication options.
type ReplicationStrategy interface {
	// Replicas returns the nodes (in ring order starting at the token's
	// owner) that hold a replica of the partition at token.
	Replicas(ring Ring, token Token) []*Node
}

// SimpleStrategy places RF replicas on the next RF distinct nodes
// walking the ring clockwise from the token's owner.
type SimpleStrategy struct {
	ReplicationFactor int
}

func (s SimpleStrategy) Replicas(ring Ring, token Token) []*Node {
	if len(ring) == 0 {
		return nil
	}
	start := ring.tokenLowerBound(token)
	it := replicaIter{ring: ring, offset: start}

	seen := make(map[*Node]struct{}, s.ReplicationFactor)
	out := make([]*Node, 0, s.ReplicationFactor)
	for len(out) < s.ReplicationFactor {
		n := it.Next()
		if n == nil {
			break
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// NetworkTopologyStrategy places a per-DC replication factor, walking
// the ring once and stopping early once every configured DC is
// satisfied or the ring is exhausted.
type NetworkTopologyStrategy struct {
	DCReplicationFactor map[string]int
}

func (s NetworkTopologyStrategy) Replicas(ring Ring, token Token) []*Node {
	if len(ring) == 0 {
		return nil
	}
	start := ring.tokenLowerBound(token)
	it := replicaIter{ring: ring, offset: start}

	need := 0
	got := make(map[string]int, len(s.DCReplicationFactor))
	for _, rf := range s.DCReplicationFactor {
		need += rf
	}

	seen := make(map[*Node]struct{})
	out := make([]*Node, 0, need)
	for len(out) < need {
		n := it.Next()
		if n == nil {
			break
		}
		if _, ok := seen[n]; ok {
			continue
		}
		rf, wanted := s.DCReplicationFactor[n.datacenter]
		if !wanted || got[n.datacenter] >= rf {
			continue
		}
		seen[n] = struct{}{}
		got[n.datacenter]++
		out = append(out, n)
	}
	return out
}

// KeyspaceReplication pairs a keyspace's raw replication options (as
// read off system_schema.keyspaces) with the strategy they select.
type KeyspaceReplication struct {
	Strategy ReplicationStrategy
	Class    string
}

// ParseReplication decodes the 'replication' map column of
// system_schema.keyspaces into a ReplicationStrategy.
func ParseReplication(opts map[string]string) (KeyspaceReplication, error) {
	class := opts["class"]
	switch {
	case hasSuffix(class, "SimpleStrategy"):
		rf, err := strconv.Atoi(opts["replication_factor"])
		if err != nil {
			return KeyspaceReplication{}, fmt.Errorf("parsing SimpleStrategy replication_factor: %w", err)
		}
		return KeyspaceReplication{Strategy: SimpleStrategy{ReplicationFactor: rf}, Class: class}, nil
	case hasSuffix(class, "NetworkTopologyStrategy"):
		dcRf := make(map[string]int, len(opts)-1)
		for k, v := range opts {
			if k == "class" {
				continue
			}
			rf, err := strconv.Atoi(v)
			if err != nil {
				return KeyspaceReplication{}, fmt.Errorf("parsing NetworkTopologyStrategy dc %q replication_factor: %w", k, err)
			}
			dcRf[k] = rf
		}
		return KeyspaceReplication{Strategy: NetworkTopologyStrategy{DCReplicationFactor: dcRf}, Class: class}, nil
	default:
		return KeyspaceReplication{}, fmt.Errorf("unsupported replication strategy class %q", class)
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// TokenMap is the immutable snapshot described by §3: partitioner, ring,
// and per-keyspace replica strategies. Distributed to readers by atomic
// pointer swap (see Cluster.tokenMap).
type TokenMap struct {
	Partitioner Partitioner
	Ring        Ring
	Keyspaces   map[string]KeyspaceReplication
}

// ReplicasFor returns the replica set for a token in a keyspace, or nil
// if the keyspace is unknown or m is nil.
func (m *TokenMap) ReplicasFor(keyspace string, token Token) []*Node {
	if m == nil {
		return nil
	}
	if ks, ok := m.Keyspaces[keyspace]; ok {
		return ks.Strategy.Replicas(m.Ring, token)
	}
	return nil
}

// BuildRing sorts the given (token, node) assignments into a Ring ready
// for binary search by tokenLowerBound.
func BuildRing(assignments map[*Node][]Token) Ring {
	ring := make(Ring, 0, len(assignments))
	for n, tokens := range assignments {
		for _, t := range tokens {
			ring = append(ring, RingEntry{node: n, token: t})
		}
	}
	sort.Sort(ring)
	return ring
}
