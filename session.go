package scylla

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/scylladb/scylla-go-driver/cloud"
	"github.com/scylladb/scylla-go-driver/transport"
)

const defaultPort = 9042

var ErrNoHosts = fmt.Errorf("session config: no hosts given")

// SessionConfig configures a Session's cluster control plane, per-host
// connection pools, and the default execution policies every Query
// inherits unless it overrides them.
type SessionConfig struct {
	Hosts []string

	// CloudBundle, when set, replaces Hosts and ConnConfig.TLS entirely:
	// contact points come from the bundle's metadata service and every
	// connection dials through its SNI proxy (§4.8). Mutually exclusive
	// with Hosts and with a manually-set ConnConfig.TLS.
	CloudBundle *cloud.Bundle

	transport.ConnConfig
	Policy                transport.HostSelectionPolicy
	Retry                 transport.RetryPolicy
	Speculative           transport.SpeculativeExecutionPolicy
	NewReconnectionPolicy func() transport.ReconnectionPolicy
	Listener              transport.ClusterListener

	// PrepareOnUpOrAdd re-prepares every cached prepared statement on a
	// host before it is reported READY (§4.6).
	PrepareOnUpOrAdd bool
	// UseStatusChangeDown treats STATUS_CHANGE DOWN as authoritative
	// instead of relying solely on pool-driven down detection (§9).
	UseStatusChangeDown bool

	Logger transport.Logger
}

func DefaultSessionConfig(keyspace string, hosts ...string) SessionConfig {
	return SessionConfig{
		Hosts:            hosts,
		ConnConfig:       transport.DefaultConnConfig(keyspace),
		Policy:           &transport.RoundRobinPolicy{},
		Retry:            transport.DefaultRetryPolicy{},
		Speculative:      transport.NoSpeculativeExecution{},
		PrepareOnUpOrAdd: true,
	}
}

func (cfg SessionConfig) clone() SessionConfig {
	v := cfg
	v.Hosts = make([]string, len(cfg.Hosts))
	copy(v.Hosts, cfg.Hosts)
	return v
}

func (cfg *SessionConfig) validate() error {
	if cfg.CloudBundle != nil {
		// §4.8, seed scenario 6: cloud config is exclusive with manual
		// contact points or a user-supplied SSL context.
		if len(cfg.Hosts) > 0 {
			return transport.NewLibraryError(transport.ErrBadParams, "cloud bundle is set together with manual contact points")
		}
		if cfg.ConnConfig.TLS != nil {
			return transport.NewLibraryError(transport.ErrBadParams, "cloud bundle is set together with a manual TLS config")
		}
		return nil
	}
	if len(cfg.Hosts) == 0 {
		return ErrNoHosts
	}
	return nil
}

// resolveContactPoints returns the session's contact points: either the
// manually configured Hosts, or the cloud metadata service's resolved
// AddressVec when CloudBundle is set (§4.8).
func (cfg *SessionConfig) resolveContactPoints(ctx context.Context) ([]transport.Address, error) {
	if cfg.CloudBundle == nil {
		return parseContactPoints(cfg.Hosts)
	}
	resolver, err := cloud.NewResolver(cfg.CloudBundle)
	if err != nil {
		return nil, err
	}
	md, err := resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return md.ContactPoints, nil
}

func parseContactPoints(hosts []string) ([]transport.Address, error) {
	out := make([]transport.Address, 0, len(hosts))
	for _, h := range hosts {
		host, portStr, err := net.SplitHostPort(h)
		if err != nil {
			host, portStr = h, ""
		}
		port := defaultPort
		if portStr != "" {
			p, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, fmt.Errorf("invalid host %q: %w", h, err)
			}
			port = p
		}
		out = append(out, transport.Address{Host: host, Port: port})
	}
	return out, nil
}

// clusterPoolSync keeps a Session's PoolManager in sync with its
// Cluster's topology notifications and forwards every event on to the
// caller's own ClusterListener, if any. pools is assigned after the
// Cluster is constructed but before Cluster.Init runs, so the events Init
// itself emits (such as TOKEN_MAP_UPDATE) already see it; the nil checks
// cover any event delivered before that assignment.
type clusterPoolSync struct {
	pools *transport.PoolManager
	user  transport.ClusterListener
}

func (s *clusterPoolSync) OnClusterEvent(ev transport.ClusterEvent) {
	switch ev.Kind {
	case transport.EventHostAdd, transport.EventHostUp:
		if s.pools != nil {
			s.pools.Add(ev.Addr)
		}
	case transport.EventHostRemove:
		if s.pools != nil {
			s.pools.Remove(ev.Addr)
		}
	}
	if s.user != nil {
		s.user.OnClusterEvent(ev)
	}
}

// Session is a driver handle: one Cluster control connection, one
// PoolManager of per-host connection pools, and the Executor that runs
// Querys against them.
type Session struct {
	cfg     SessionConfig
	cluster *transport.Cluster
	pools   *transport.PoolManager
	exec    *transport.Executor
}

func NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	cfg = cfg.clone()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	contactPoints, err := cfg.resolveContactPoints(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.CloudBundle != nil {
		if cfg.CloudBundle.HasCredentials() {
			cfg.ConnConfig.Authenticator = cfg.CloudBundle.Authenticator()
		}
		// Every contact point shares the SNI proxy's host:port but
		// carries its own SNIName (§4.8); the per-connection TLS config
		// is rebuilt with that name as each Conn dials, so ConnConfig.TLS
		// here only needs the CA/cert pair resolved once the first dial
		// picks a concrete SNIName.
		tlsCfg, err := cfg.CloudBundle.TLSConfig("")
		if err != nil {
			return nil, err
		}
		cfg.ConnConfig.TLS = tlsCfg
	}

	sync := &clusterPoolSync{user: cfg.Listener}
	cluster := transport.NewCluster(transport.ClusterConfig{
		ContactPoints:         contactPoints,
		ConnConfig:            cfg.ConnConfig,
		Policy:                cfg.Policy,
		NewReconnectionPolicy: cfg.NewReconnectionPolicy,
		Listener:              sync,
		PrepareOnUpOrAdd:      cfg.PrepareOnUpOrAdd,
		UseStatusChangeDown:   cfg.UseStatusChangeDown,
		Logger:                cfg.Logger,
	})
	pools := transport.NewPoolManager(cfg.ConnConfig, cfg.Logger, cluster.PoolListener())
	sync.pools = pools

	if err := cluster.Init(ctx); err != nil {
		return nil, err
	}
	for _, n := range cluster.Hosts() {
		pools.Add(n.Addr())
	}

	return &Session{
		cfg:     cfg,
		cluster: cluster,
		pools:   pools,
		exec: &transport.Executor{
			Cluster:     cluster,
			Pools:       pools,
			Retry:       cfg.Retry,
			Speculative: cfg.Speculative,
			Logger:      cfg.Logger,
		},
	}, nil
}

// Query builds an ad-hoc statement at the session's default consistency.
func (s *Session) Query(content string) *Query {
	return &Query{
		session: s,
		stmt: transport.Statement{
			Content:     content,
			Consistency: s.cfg.DefaultConsistency,
		},
	}
}

// Prepare compiles content on a live host and returns a Query bound to
// the resulting prepared statement id.
func (s *Session) Prepare(ctx context.Context, content string) (*Query, error) {
	stmt, err := s.exec.Prepare(ctx, content)
	if err != nil {
		return nil, err
	}
	stmt.Consistency = s.cfg.DefaultConsistency
	return &Query{session: s, stmt: stmt}, nil
}

// SetKeyspace switches every existing connection in every pool to
// keyspace and points new connections at it too (§4.3).
func (s *Session) SetKeyspace(ctx context.Context, keyspace string) error {
	return s.pools.SetKeyspace(ctx, keyspace)
}

func (s *Session) Close() {
	s.cluster.Close()
	s.pools.Close(context.Background())
}
