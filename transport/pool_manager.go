package transport

import (
	"context"
	"fmt"
	"sync"
)

// HostListener receives the pool manager's forwarded per-pool lifecycle
// notifications (§4.5). A no-op listener is wired by default.
type HostListener interface {
	OnPoolUp(addr Address)
	OnPoolDown(addr Address)
	OnPoolCritical(addr Address)
}

type noopHostListener struct{}

func (noopHostListener) OnPoolUp(Address)       {}
func (noopHostListener) OnPoolDown(Address)     {}
func (noopHostListener) OnPoolCritical(Address) {}

// PoolManager owns the address->Pool map (§4.5): opening, removing, and
// least-busy lookup, plus propagating keyspace changes and forwarding
// pool notifications to a session-level HostListener.
type PoolManager struct {
	cfgTemplate ConnConfig
	logger      Logger
	listener    HostListener

	mu    sync.Mutex
	pools map[string]*Pool
}

func NewPoolManager(cfgTemplate ConnConfig, logger Logger, listener HostListener) *PoolManager {
	if listener == nil {
		listener = noopHostListener{}
	}
	if logger == nil {
		logger = DefaultLogger{}
	}
	return &PoolManager{
		cfgTemplate: cfgTemplate,
		logger:      logger,
		listener:    listener,
		pools:       make(map[string]*Pool),
	}
}

// Add opens a pool for addr if one is not already present (§4.5's
// "add(host)").
func (m *PoolManager) Add(addr Address) *Pool {
	m.mu.Lock()
	if p, ok := m.pools[addr.Key()]; ok {
		m.mu.Unlock()
		return p
	}
	m.mu.Unlock()

	cfg := m.cfgTemplate
	cfg.OnPoolEvent = func(a Address, s PoolNotifyState) { m.onPoolEvent(a, s) }
	p := NewPool(addr, cfg, m.logger)

	m.mu.Lock()
	if existing, ok := m.pools[addr.Key()]; ok {
		m.mu.Unlock()
		p.Close()
		return existing
	}
	m.pools[addr.Key()] = p
	m.mu.Unlock()
	return p
}

// Remove asks the pool for addr to close; the map entry is dropped once
// the pool reports CLOSED via its notification channel (§4.5's
// "remove(address)": "map removal happens on the pool's on_close").
func (m *PoolManager) Remove(addr Address) {
	m.mu.Lock()
	p, ok := m.pools[addr.Key()]
	m.mu.Unlock()
	if !ok {
		return
	}
	go func() {
		p.Close()
		<-p.Done()
		m.mu.Lock()
		if m.pools[addr.Key()] == p {
			delete(m.pools, addr.Key())
		}
		m.mu.Unlock()
	}()
}

// FindLeastBusy does the O(1) map lookup then defers to the pool's own
// least-busy selection (§4.4/§4.5).
func (m *PoolManager) FindLeastBusy(addr Address) (*Conn, error) {
	m.mu.Lock()
	p, ok := m.pools[addr.Key()]
	m.mu.Unlock()
	if !ok {
		return nil, NewLibraryError(ErrUnableToInit, "no pool for host %s", addr)
	}
	return p.LeastBusyConn()
}

// Available returns a snapshot of addresses with a pool that currently
// reports UP.
func (m *PoolManager) Available() []Address {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Address, 0, len(m.pools))
	for _, p := range m.pools {
		if p.Status() == PoolUp {
			out = append(out, p.addr)
		}
	}
	return out
}

// Pool returns the pool for addr, if one has been opened.
func (m *PoolManager) Pool(addr Address) (*Pool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[addr.Key()]
	return p, ok
}

// SetKeyspace propagates a session-level USE to every existing pool and
// to every newly opened connection (§4.3): the dial config template is
// rewritten so new connections pick it up on connect, and every already
// open connection in every pool is switched immediately by issuing it
// its own USE.
func (m *PoolManager) SetKeyspace(ctx context.Context, keyspace string) error {
	m.mu.Lock()
	m.cfgTemplate.Keyspace = keyspace
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		p.mu.Lock()
		p.cfg.Keyspace = keyspace
		p.mu.Unlock()
		pools = append(pools, p)
	}
	m.mu.Unlock()

	var errs []error
	for _, p := range pools {
		p.mu.Lock()
		conns := append([]*Conn(nil), p.conns...)
		p.mu.Unlock()
		for _, c := range conns {
			if err := c.setKeyspace(ctx, keyspace); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("set keyspace on %d existing connection(s): %v", len(errs), errs)
	}
	return nil
}

// Close copies the pool map (to avoid iterator invalidation), cancels
// every pool, and waits for each to report CLOSED (§4.5).
func (m *PoolManager) Close(ctx context.Context) {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
	for _, p := range pools {
		select {
		case <-p.Done():
		case <-ctx.Done():
			return
		}
	}
}

func (m *PoolManager) onPoolEvent(addr Address, s PoolNotifyState) {
	switch s {
	case PoolUp:
		m.listener.OnPoolUp(addr)
	case PoolDown:
		m.listener.OnPoolDown(addr)
	case PoolCritical:
		m.listener.OnPoolCritical(addr)
	}
}
