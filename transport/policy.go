package transport

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// HostSelectionPolicy produces the query plan for one request (§3, §4.7,
// §6): an ordered, finite list of hosts. A token-aware
// hint, when present in QueryInfo, lets the policy prefer token-owning
// replicas before falling back to its base ordering.
type HostSelectionPolicy interface {
	// Plan returns hosts to try, in order, for a request described by qi.
	// The slice is a snapshot; callers consume it front-to-back and move
	// to the next host on any failure.
	Plan(qi QueryInfo, hosts []*Node, tokenMap *TokenMap) []*Node
}

// RoundRobinPolicy cycles through all known hosts starting from a
// rotating offset so consecutive requests spread evenly.
type RoundRobinPolicy struct {
	mu  sync.Mutex
	pos int
}

func (p *RoundRobinPolicy) Plan(_ QueryInfo, hosts []*Node, _ *TokenMap) []*Node {
	n := len(hosts)
	if n == 0 {
		return nil
	}

	p.mu.Lock()
	start := p.pos % n
	p.pos++
	p.mu.Unlock()

	plan := make([]*Node, 0, n)
	for i := 0; i < n; i++ {
		plan = append(plan, hosts[(start+i)%n])
	}
	return plan
}

// DCAwarePolicy prefers hosts in LocalDC, round-robin among them, then
// falls back to up to UsedHostsPerRemoteDC hosts from every other DC (all
// of them when UsedHostsPerRemoteDC <= 0) (§6's `dc-aware(local_dc, used_remote_per_dc, allow_remote_for_local_cl)`).
type DCAwarePolicy struct {
	LocalDC              string
	UsedHostsPerRemoteDC int

	mu  sync.Mutex
	pos int
}

func (p *DCAwarePolicy) Plan(_ QueryInfo, hosts []*Node, _ *TokenMap) []*Node {
	var local, remote []*Node
	remoteByDC := make(map[string][]*Node)
	for _, n := range hosts {
		if n.Datacenter() == p.LocalDC || p.LocalDC == "" {
			local = append(local, n)
		} else {
			remoteByDC[n.Datacenter()] = append(remoteByDC[n.Datacenter()], n)
		}
	}

	p.mu.Lock()
	start := 0
	if len(local) > 0 {
		start = p.pos % len(local)
	}
	p.pos++
	p.mu.Unlock()

	plan := make([]*Node, 0, len(hosts))
	for i := 0; i < len(local); i++ {
		plan = append(plan, local[(start+i)%len(local)])
	}
	for _, dcHosts := range remoteByDC {
		limit := p.UsedHostsPerRemoteDC
		if limit <= 0 || limit > len(dcHosts) {
			limit = len(dcHosts)
		}
		remote = append(remote, dcHosts[:limit]...)
	}
	return append(plan, remote...)
}

// TokenAwarePolicy reorders Inner's plan so the token's replicas (per
// QueryInfo and the current TokenMap) come first, optionally shuffled to
// spread load across replicas instead of always hammering the primary.
type TokenAwarePolicy struct {
	Inner   HostSelectionPolicy
	Shuffle bool
}

func (p *TokenAwarePolicy) Plan(qi QueryInfo, hosts []*Node, tokenMap *TokenMap) []*Node {
	base := p.Inner.Plan(qi, hosts, tokenMap)

	token, ok := qi.Token()
	if !ok || tokenMap == nil {
		return base
	}
	replicas := tokenMap.ReplicasFor(qi.Keyspace(), token)
	if len(replicas) == 0 {
		return base
	}

	if p.Shuffle {
		replicas = append([]*Node(nil), replicas...)
		rand.Shuffle(len(replicas), func(i, j int) { replicas[i], replicas[j] = replicas[j], replicas[i] }) //nolint:gosec // load spreading, not security sensitive.
	}

	seen := make(map[*Node]struct{}, len(replicas))
	plan := make([]*Node, 0, len(base))
	for _, n := range replicas {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			plan = append(plan, n)
		}
	}
	for _, n := range base {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			plan = append(plan, n)
		}
	}
	return plan
}

// latencyStats tracks one host's exponentially-decaying average latency
// and how many samples it has seen, per §6's latency-aware parameters
// (scale_ms controls the decay rate, min_measured gates reliability).
type latencyStats struct {
	average atomic.Int64 // nanoseconds, 0 until first sample
	count   atomic.Int64
}

func (s *latencyStats) record(d time.Duration, scale time.Duration) {
	n := s.count.Inc()
	if n == 1 {
		s.average.Store(int64(d))
		return
	}
	// Exponential moving average: newer samples count more, weighted by
	// how far d is outside the current scale window.
	prev := s.average.Load()
	alpha := float64(scale) / float64(scale+d)
	next := int64(alpha*float64(prev) + (1-alpha)*float64(d))
	s.average.Store(next)
}

func (s *latencyStats) snapshot() (avg time.Duration, measured bool, n int64) {
	n = s.count.Load()
	return time.Duration(s.average.Load()), n > 0, n
}

// LatencyAwarePolicy wraps Inner and pushes hosts whose recorded average
// latency exceeds ExclusionThreshold times the fastest host's average to
// the back of the plan, the way §6's `latency-aware(exclusion_threshold,
// scale_ms, retry_period_ms, update_rate_ms, min_measured)` describes.
// RetryPeriod and UpdateRate are not read: the exclusion check runs on
// every Plan call against the current averages, with no timer.
type LatencyAwarePolicy struct {
	Inner              HostSelectionPolicy
	ExclusionThreshold float64
	Scale              time.Duration
	RetryPeriod        time.Duration
	UpdateRate         time.Duration
	MinMeasured        int64

	mu    sync.Mutex
	stats map[string]*latencyStats
}

// Record is called by the execution engine with the observed latency of
// a completed request against host addr.
func (p *LatencyAwarePolicy) Record(addr Address, d time.Duration) {
	p.mu.Lock()
	if p.stats == nil {
		p.stats = make(map[string]*latencyStats)
	}
	s, ok := p.stats[addr.Key()]
	if !ok {
		s = &latencyStats{}
		p.stats[addr.Key()] = s
	}
	p.mu.Unlock()
	s.record(d, p.Scale)
}

func (p *LatencyAwarePolicy) Plan(qi QueryInfo, hosts []*Node, tokenMap *TokenMap) []*Node {
	base := p.Inner.Plan(qi, hosts, tokenMap)

	p.mu.Lock()
	stats := p.stats
	p.mu.Unlock()
	if len(stats) == 0 {
		return base
	}

	minAvg := time.Duration(-1)
	for _, s := range stats {
		avg, measured, n := s.snapshot()
		if !measured || n < p.MinMeasured {
			continue
		}
		if minAvg < 0 || avg < minAvg {
			minAvg = avg
		}
	}
	if minAvg < 0 {
		return base
	}

	good := make([]*Node, 0, len(base))
	penalized := make([]*Node, 0)
	for _, n := range base {
		s, ok := stats[n.Addr().Key()]
		if !ok {
			good = append(good, n)
			continue
		}
		avg, measured, cnt := s.snapshot()
		if !measured || cnt < p.MinMeasured || float64(avg) <= p.ExclusionThreshold*float64(minAvg) {
			good = append(good, n)
		} else {
			penalized = append(penalized, n)
		}
	}
	return append(good, penalized...)
}

// HostFilterPolicy wraps Inner and drops hosts per a whitelist or
// blacklist of addresses/datacenters (§6's "whitelist/blacklist
// (hosts|dcs)").
type HostFilterPolicy struct {
	Inner     HostSelectionPolicy
	Whitelist bool // true: only Hosts/DCs pass; false: Hosts/DCs are excluded
	Hosts     map[string]struct{}
	DCs       map[string]struct{}
}

func (p *HostFilterPolicy) allowed(n *Node) bool {
	_, hostMatch := p.Hosts[n.Addr().Key()]
	_, dcMatch := p.DCs[n.Datacenter()]
	matched := hostMatch || dcMatch
	if p.Whitelist {
		return matched
	}
	return !matched
}

func (p *HostFilterPolicy) Plan(qi QueryInfo, hosts []*Node, tokenMap *TokenMap) []*Node {
	filtered := make([]*Node, 0, len(hosts))
	for _, n := range hosts {
		if p.allowed(n) {
			filtered = append(filtered, n)
		}
	}
	return p.Inner.Plan(qi, filtered, tokenMap)
}
