package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/scylladb/scylla-go-driver/frame/request"
	"github.com/scylladb/scylla-go-driver/frame/response"
)

// ClusterEventKind names one of the public notifications a Cluster
// replays to its listener, including the buffered set named in §4.6
// ("HOST_UP/DOWN/ADD/REMOVE/MAYBE_UP/READY/TOKEN_MAP_UPDATE").
type ClusterEventKind int

const (
	EventHostUp ClusterEventKind = iota
	EventHostDown
	EventHostAdd
	EventHostRemove
	EventHostMaybeUp
	EventHostReady
	EventTokenMapUpdate
)

func (k ClusterEventKind) String() string {
	switch k {
	case EventHostUp:
		return "HOST_UP"
	case EventHostDown:
		return "HOST_DOWN"
	case EventHostAdd:
		return "HOST_ADD"
	case EventHostRemove:
		return "HOST_REMOVE"
	case EventHostMaybeUp:
		return "HOST_MAYBE_UP"
	case EventHostReady:
		return "HOST_READY"
	case EventTokenMapUpdate:
		return "TOKEN_MAP_UPDATE"
	default:
		return "UNKNOWN"
	}
}

// ClusterEvent pairs a notification kind with the host it concerns;
// Addr is the zero Address for TOKEN_MAP_UPDATE.
type ClusterEvent struct {
	Kind ClusterEventKind
	Addr Address
}

// ClusterListener receives ClusterEvents, either live or replayed from
// the recording buffer (§4.6).
type ClusterListener interface {
	OnClusterEvent(ClusterEvent)
}

type noopClusterListener struct{}

func (noopClusterListener) OnClusterEvent(ClusterEvent) {}

// ClusterConfig configures a Cluster's control connection, reconnection,
// load-balancing, and prepared-statement replay behavior.
type ClusterConfig struct {
	ContactPoints         []Address
	ConnConfig            ConnConfig
	Policy                HostSelectionPolicy
	NewReconnectionPolicy func() ReconnectionPolicy
	Listener              ClusterListener

	// PrepareOnUpOrAdd, when true, re-prepares every cached prepared
	// statement on a host before its READY notification is emitted
	// (§4.6's "PrepareHostHandler").
	PrepareOnUpOrAdd bool
	// UseStatusChangeDown, when true, treats STATUS_CHANGE DOWN as a hint
	// rather than ignoring it — gated behind this flag per §9's open
	// question, since pool-driven down detection is authoritative by
	// default.
	UseStatusChangeDown bool

	Logger Logger
}

// Cluster is the control-plane owner (§3, §4.6): it keeps exactly one
// control connection alive, maintains the host map / token map / schema
// snapshot, and forwards topology and pool notifications to a
// HostListener-shaped pool manager plus a user ClusterListener.
type Cluster struct {
	cfg ClusterConfig

	mu    sync.RWMutex
	hosts map[string]*Node

	tokenMap atomic.Value // *TokenMap
	schema   atomic.Value // *SchemaSnapshot

	controlMu   sync.Mutex
	control     *Conn
	controlAddr Address

	reconnect ReconnectionPolicy

	recMu     sync.Mutex
	recording bool
	buffered  []ClusterEvent

	preparedMu sync.Mutex
	prepared   map[string]Statement // id (as string) -> statement, for PrepareHostHandler replay

	logger Logger

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

func NewCluster(cfg ClusterConfig) *Cluster {
	if cfg.Listener == nil {
		cfg.Listener = noopClusterListener{}
	}
	if cfg.Policy == nil {
		cfg.Policy = &RoundRobinPolicy{}
	}
	if cfg.Logger == nil {
		cfg.Logger = DefaultLogger{}
	}
	newReconnect := cfg.NewReconnectionPolicy
	if newReconnect == nil {
		newReconnect = func() ReconnectionPolicy { return &ConstantReconnectionPolicy{Delay: time.Second} }
	}
	return &Cluster{
		cfg:       cfg,
		hosts:     make(map[string]*Node),
		reconnect: newReconnect(),
		prepared:  make(map[string]Statement),
		logger:    cfg.Logger,
		done:      make(chan struct{}),
	}
}

// StartRecording begins buffering ClusterEvents instead of delivering
// them live, for callers that want to install their listener after
// Init's bootstrap events have already fired (§4.6 "is_recording_events").
func (c *Cluster) StartRecording() {
	c.recMu.Lock()
	c.recording = true
	c.recMu.Unlock()
}

// StopRecording replays every buffered event, in order, to the listener,
// then resumes live delivery.
func (c *Cluster) StopRecording() {
	c.recMu.Lock()
	events := c.buffered
	c.buffered = nil
	c.recording = false
	c.recMu.Unlock()

	for _, ev := range events {
		c.cfg.Listener.OnClusterEvent(ev)
	}
}

func (c *Cluster) emit(ev ClusterEvent) {
	c.recMu.Lock()
	if c.recording {
		c.buffered = append(c.buffered, ev)
		c.recMu.Unlock()
		return
	}
	c.recMu.Unlock()
	c.cfg.Listener.OnClusterEvent(ev)
}

// Init dials a control connection against the first reachable contact
// point, runs the bootstrap sweep, and starts the reconnect-on-close
// supervisor (§4.6).
func (c *Cluster) Init(ctx context.Context) error {
	var lastErr error
	for _, addr := range c.cfg.ContactPoints {
		if err := c.connectControl(ctx, addr); err != nil {
			lastErr = err
			continue
		}
		go c.superviseControl()
		return nil
	}
	return fmt.Errorf("connecting control connection to any contact point: %w", lastErr)
}

func (c *Cluster) connectControl(ctx context.Context, addr Address) error {
	cfg := c.cfg.ConnConfig
	cfg.Events = []response.EventType{response.TopologyChange, response.StatusChange, response.SchemaChange}
	cfg.OnEvent = c.onControlEvent

	conn, err := Dial(ctx, addr, cfg, c.logger)
	if err != nil {
		return err
	}

	cr, err := runBootstrap(ctx, conn)
	if err != nil {
		conn.Close()
		return err
	}
	if err := c.applyBootstrap(addr, cr); err != nil {
		conn.Close()
		return err
	}

	c.controlMu.Lock()
	c.controlAddr = addr
	c.control = conn
	c.controlMu.Unlock()
	c.reconnect.Reset()
	return nil
}

func (c *Cluster) applyBootstrap(selfAddr Address, cr *controlResult) error {
	self, partitioner, err := nodeFromLocalRow(selfAddr, cr.local)
	if err != nil {
		return err
	}
	peers := nodesFromPeersRows(cr.peers, selfAddr.Port)

	c.mu.Lock()
	c.hosts = make(map[string]*Node, len(peers)+1)
	c.hosts[self.Addr().Key()] = self
	for _, n := range peers {
		c.hosts[n.Addr().Key()] = n
	}
	c.mu.Unlock()

	snap, err := BuildSchemaSnapshot(cr.schemas[0], cr.schemas[1], cr.schemas[2], cr.schemas[3], cr.schemas[4], cr.schemas[5], cr.schemas[6], cr.schemas[7])
	if err != nil {
		return fmt.Errorf("building schema snapshot: %w", err)
	}
	c.schema.Store(snap)
	c.rebuildTokenMap(partitioner, snap)
	return nil
}

func (c *Cluster) rebuildTokenMap(partitioner Partitioner, snap *SchemaSnapshot) {
	c.mu.RLock()
	assignments := make(map[*Node][]Token, len(c.hosts))
	for _, n := range c.hosts {
		assignments[n] = n.Tokens()
	}
	c.mu.RUnlock()

	ring := BuildRing(assignments)
	keyspaces := make(map[string]KeyspaceReplication, len(snap.Keyspaces))
	for name, km := range snap.Keyspaces {
		keyspaces[name] = km.Replication
	}
	c.tokenMap.Store(&TokenMap{Partitioner: partitioner, Ring: ring, Keyspaces: keyspaces})
	c.emit(ClusterEvent{Kind: EventTokenMapUpdate})
}

// superviseControl blocks until the control connection closes, then
// reconnects using the load-balancing policy's query plan (§4.6: "the
// Cluster schedules a reconnect ... so the next control host is chosen
// according to DC-awareness"). A Cluster never gives up on its own.
func (c *Cluster) superviseControl() {
	for {
		c.controlMu.Lock()
		conn := c.control
		c.controlMu.Unlock()
		if conn == nil {
			return
		}

		select {
		case <-conn.done:
		case <-c.done:
			return
		}
		if c.closed.Load() {
			return
		}

		delay := c.reconnect.NextDelay()
		select {
		case <-time.After(delay):
		case <-c.done:
			return
		}

		plan := c.cfg.Policy.Plan(NewQueryInfo(), c.Hosts(), c.TokenMap())
		reconnected := false
		for _, n := range plan {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := c.connectControl(ctx, n.Addr())
			cancel()
			if err == nil {
				reconnected = true
				break
			}
			c.logger.Printf("control reconnect to %s failed: %v", n.Addr(), err)
		}
		if !reconnected {
			// Nothing reachable this round; the outer loop's NextDelay
			// backoff paces the next attempt.
			select {
			case <-c.done:
				return
			default:
			}
			continue
		}
		go c.superviseControl()
		return
	}
}

// onControlEvent dispatches one parsed server push event (§4.6).
func (c *Cluster) onControlEvent(ev response.Event) {
	switch e := ev.(type) {
	case *response.TopologyChangeEvent:
		addr := Address{Host: e.Host, Port: int(e.Port)}
		switch e.Change {
		case "NEW_NODE":
			c.addHost(addr)
		case "REMOVED_NODE":
			c.removeHost(addr)
		}
	case *response.StatusChangeEvent:
		addr := Address{Host: e.Host, Port: int(e.Port)}
		switch e.Change {
		case "UP":
			c.markUp(addr)
		case "DOWN":
			if c.cfg.UseStatusChangeDown {
				c.markDown(addr)
			}
			// Otherwise ignored: down detection is pool-driven (§4.6, §9).
		}
	case *response.SchemaChangeEvent:
		c.onSchemaChange(e)
	}
}

func (c *Cluster) addHost(addr Address) {
	c.mu.Lock()
	_, exists := c.hosts[addr.Key()]
	c.mu.Unlock()
	if exists {
		return
	}

	n := c.refreshedNode(addr)
	n.SetStatus(true)

	c.mu.Lock()
	if _, exists = c.hosts[addr.Key()]; !exists {
		c.hosts[addr.Key()] = n
	}
	c.mu.Unlock()

	if !exists {
		c.emit(ClusterEvent{Kind: EventHostAdd, Addr: addr})
		c.maybePrepareThenReady(addr)
	}
}

// refreshedNode re-queries system.peers for addr's current row via the
// control connection (§4.6); a lookup failure (no control connection,
// request error, row not yet visible) falls back to a bare Node off the
// event's address alone rather than blocking the event entirely.
func (c *Cluster) refreshedNode(addr Address) *Node {
	c.controlMu.Lock()
	conn := c.control
	c.controlMu.Unlock()
	if conn == nil {
		return NewNode(addr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := refreshHostRow(ctx, conn, addr)
	if err != nil {
		c.logger.Printf("refreshing host row for %s: %v", addr, err)
		return NewNode(addr)
	}
	return n
}

func (c *Cluster) removeHost(addr Address) {
	c.mu.Lock()
	delete(c.hosts, addr.Key())
	c.mu.Unlock()
	c.emit(ClusterEvent{Kind: EventHostRemove, Addr: addr})
}

func (c *Cluster) markUp(addr Address) {
	refreshed := c.refreshedNode(addr)
	refreshed.SetStatus(true)

	c.mu.Lock()
	c.hosts[addr.Key()] = refreshed
	c.mu.Unlock()

	c.emit(ClusterEvent{Kind: EventHostUp, Addr: addr})
	c.maybePrepareThenReady(addr)
}

func (c *Cluster) markDown(addr Address) {
	c.mu.RLock()
	n, ok := c.hosts[addr.Key()]
	c.mu.RUnlock()
	if ok {
		n.SetStatus(false)
	}
	c.emit(ClusterEvent{Kind: EventHostDown, Addr: addr})
}

// maybePrepareThenReady runs the PrepareHostHandler (§4.6) before
// emitting READY, if configured; failures are logged but non-fatal.
func (c *Cluster) maybePrepareThenReady(addr Address) {
	if c.cfg.PrepareOnUpOrAdd {
		c.emit(ClusterEvent{Kind: EventHostMaybeUp, Addr: addr})
		if err := c.reprepareAll(addr); err != nil {
			c.logger.Printf("re-preparing statements on %s: %v", addr, err)
		}
	}
	c.emit(ClusterEvent{Kind: EventHostReady, Addr: addr})
}

// CachePrepared records a prepared statement so it can be replayed onto
// newly up/added hosts.
func (c *Cluster) CachePrepared(id []byte, stmt Statement) {
	c.preparedMu.Lock()
	c.prepared[string(id)] = stmt
	c.preparedMu.Unlock()
}

func (c *Cluster) reprepareAll(addr Address) error {
	c.preparedMu.Lock()
	stmts := make([]Statement, 0, len(c.prepared))
	for _, s := range c.prepared {
		stmts = append(stmts, s)
	}
	c.preparedMu.Unlock()
	if len(stmts) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, err := Dial(ctx, addr, c.cfg.ConnConfig, c.logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	var firstErr error
	for _, s := range stmts {
		p := request.Prepare{Content: s.Content}
		_, err := conn.sendRequest(ctx, &p)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Cluster) onSchemaChange(ev *response.SchemaChangeEvent) {
	snap, _ := c.schema.Load().(*SchemaSnapshot)
	if snap == nil {
		return
	}
	affectsReplication := snap.AffectsReplication(ev)

	c.controlMu.Lock()
	conn := c.control
	c.controlMu.Unlock()
	if conn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cr, err := runBootstrap(ctx, conn)
	if err != nil {
		c.logger.Printf("refreshing schema after %s %s: %v", ev.Change, ev.Target, err)
		return
	}
	newSnap, err := BuildSchemaSnapshot(cr.schemas[0], cr.schemas[1], cr.schemas[2], cr.schemas[3], cr.schemas[4], cr.schemas[5], cr.schemas[6], cr.schemas[7])
	if err != nil {
		c.logger.Printf("rebuilding schema snapshot: %v", err)
		return
	}
	c.schema.Store(newSnap)

	if affectsReplication {
		partitioner, _ := PartitionerOf(c.TokenMap())
		c.rebuildTokenMap(partitioner, newSnap)
	}
}

// PartitionerOf returns m's partitioner, or Murmur3Partitioner if m is
// nil (the common default, and a reasonable guess before the first
// bootstrap completes).
func PartitionerOf(m *TokenMap) (Partitioner, bool) {
	if m == nil {
		return Murmur3Partitioner, false
	}
	return m.Partitioner, true
}

// Hosts returns a snapshot slice of every known host.
func (c *Cluster) Hosts() []*Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Node, 0, len(c.hosts))
	for _, n := range c.hosts {
		out = append(out, n)
	}
	return out
}

func (c *Cluster) TokenMap() *TokenMap {
	m, _ := c.tokenMap.Load().(*TokenMap)
	return m
}

func (c *Cluster) Schema() *SchemaSnapshot {
	s, _ := c.schema.Load().(*SchemaSnapshot)
	return s
}

// poolListener adapts a PoolManager's forwarded notifications into Node
// status updates and ClusterEvents, without the pool manager needing to
// know about Node or Cluster at all (§4.5/§4.6 wiring boundary).
type poolListener struct {
	cluster *Cluster
}

func (c *Cluster) PoolListener() HostListener { return poolListener{cluster: c} }

func (l poolListener) OnPoolUp(addr Address) {
	l.cluster.mu.RLock()
	n, ok := l.cluster.hosts[addr.Key()]
	l.cluster.mu.RUnlock()
	if ok {
		n.SetStatus(true)
	}
	l.cluster.emit(ClusterEvent{Kind: EventHostUp, Addr: addr})
}

func (l poolListener) OnPoolDown(addr Address) {
	l.cluster.mu.RLock()
	n, ok := l.cluster.hosts[addr.Key()]
	l.cluster.mu.RUnlock()
	if ok {
		n.SetStatus(false)
	}
	l.cluster.emit(ClusterEvent{Kind: EventHostDown, Addr: addr})
}

func (l poolListener) OnPoolCritical(addr Address) {
	l.cluster.OnPoolDown(addr)
}

// OnPoolDown exposes the down-transition path directly, used by
// OnPoolCritical above and available to callers driving pools outside a
// PoolManager.
func (c *Cluster) OnPoolDown(addr Address) {
	poolListener{cluster: c}.OnPoolDown(addr)
}

// Close stops the control-connection supervisor and closes the current
// control connection.
func (c *Cluster) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.controlMu.Lock()
		conn := c.control
		c.controlMu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}
