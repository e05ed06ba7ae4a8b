package transport

import (
	"context"
	"sync"
	"time"
)

// PoolNotifyState is the pool's externally-visible lifecycle state (§3
// Pool, §4.4). UP holds iff the connection vector is non-empty; CRITICAL
// and CLOSED are terminal.
type PoolNotifyState int32

const (
	PoolNew PoolNotifyState = iota
	PoolUp
	PoolDown
	PoolCritical
)

func (s PoolNotifyState) String() string {
	switch s {
	case PoolNew:
		return "NEW"
	case PoolUp:
		return "UP"
	case PoolDown:
		return "DOWN"
	case PoolCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

type poolCloseState int32

const (
	poolOpen poolCloseState = iota
	poolClosing
	poolClosed
)

const defaultNumConns = 1

// Pool is the fixed-size connection pool for one host (§3 Pool, §4.4):
// `notify-state == UP` iff the connection vector is non-empty;
// `close-state == CLOSED` implies both the connection and
// pending-connector vectors are empty.
type Pool struct {
	addr    Address
	cfg     ConnConfig
	logger  Logger
	onEvent func(Address, PoolNotifyState)

	mu          sync.Mutex
	conns       []*Conn
	pending     []*pendingConnector
	closeState  poolCloseState
	notifyState PoolNotifyState
	wasUp       bool

	reconnect ReconnectionPolicy

	done chan struct{}
}

// NewPool starts cfg.NumConns (default 1) connection attempts in the
// background and returns immediately in state NEW; the pool reports its
// own UP/DOWN/CRITICAL transitions via cfg.OnPoolEvent as connectors
// resolve (§4.4's "establishing a pool never blocks the caller").
func NewPool(addr Address, cfg ConnConfig, logger Logger) *Pool {
	if logger == nil {
		logger = DefaultLogger{}
	}
	n := cfg.NumConns
	if n <= 0 {
		n = defaultNumConns
	}

	reconnect := ReconnectionPolicy(&ConstantReconnectionPolicy{Delay: time.Second})
	if cfg.NewReconnectionPolicy != nil {
		reconnect = cfg.NewReconnectionPolicy()
	}

	p := &Pool{
		addr:      addr,
		cfg:       cfg,
		logger:    logger,
		onEvent:   cfg.OnPoolEvent,
		reconnect: reconnect,
		done:      make(chan struct{}),
	}

	for i := 0; i < n; i++ {
		p.spawnConnector(0)
	}

	return p
}

// pendingConnector is one in-flight background dial attempt, tracked by
// pointer identity so Close can find and cancel it in the pending vector.
type pendingConnector struct {
	cancel context.CancelFunc
}

// spawnConnector launches one background dial attempt after delay,
// tracked in the pending-connector vector so Close can cancel it.
func (p *Pool) spawnConnector(delay time.Duration) {
	p.mu.Lock()
	if p.closeState != poolOpen {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	tok := &pendingConnector{cancel: cancel}
	p.pending = append(p.pending, tok)
	p.mu.Unlock()

	go p.connect(ctx, tok, delay)
}

func (p *Pool) connect(ctx context.Context, tok *pendingConnector, delay time.Duration) {
	defer p.removePending(tok)

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}

	conn, err := Dial(ctx, p.addr, p.cfg, p.logger)
	if err != nil {
		if ctx.Err() != nil {
			return // canceled by Close, not a real failure
		}
		p.logger.Printf("pool %s: connect failed: %v", p.addr, err)
		if IsCritical(err) {
			p.critical()
			return
		}
		p.scheduleReconnect()
		return
	}

	p.onConnectSuccess(conn)
}

func (p *Pool) removePending(tok *pendingConnector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, t := range p.pending {
		if t == tok {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			break
		}
	}
	p.maybeFinishCloseLocked()
}

func (p *Pool) onConnectSuccess(conn *Conn) {
	p.mu.Lock()
	if p.closeState != poolOpen {
		p.mu.Unlock()
		conn.Close()
		return
	}
	conn.onClose = func(err error) { p.onConnLost(conn, err) }
	p.conns = append(p.conns, conn)
	wasEmpty := len(p.conns) == 1
	p.mu.Unlock()

	p.reconnect.Reset()
	if wasEmpty {
		p.notify(PoolUp)
	}
}

// onConnLost is the per-connection onClose hook: it removes the
// connection from the vector, transitions DOWN if the vector is now
// empty, and schedules a reconnect to replace the lost connection (or
// goes CRITICAL on a critical error) (§4.4).
func (p *Pool) onConnLost(conn *Conn, err error) {
	p.mu.Lock()
	for i, c := range p.conns {
		if c == conn {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	closing := p.closeState != poolOpen
	empty := len(p.conns) == 0
	p.mu.Unlock()

	if closing {
		p.maybeFinishClose()
		return
	}

	if empty {
		p.notify(PoolDown)
	}

	if err != nil && IsCritical(err) {
		p.critical()
		return
	}
	p.scheduleReconnect()
}

func (p *Pool) scheduleReconnect() {
	p.mu.Lock()
	if p.closeState != poolOpen {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.spawnConnector(p.reconnect.NextDelay())
}

// critical transitions the pool straight to CRITICAL and tears it down:
// auth failure, protocol violation, or a known-fatal server error never
// gets a retry (§4.4, §7).
func (p *Pool) critical() {
	p.mu.Lock()
	if p.notifyState == PoolCritical || p.closeState != poolOpen {
		p.mu.Unlock()
		return
	}
	p.notifyState = PoolCritical
	p.mu.Unlock()

	if p.onEvent != nil {
		p.onEvent(p.addr, PoolCritical)
	}
	p.Close()
}

func (p *Pool) notify(s PoolNotifyState) {
	p.mu.Lock()
	if p.notifyState == PoolCritical {
		p.mu.Unlock()
		return
	}
	p.notifyState = s
	if s == PoolUp {
		p.wasUp = true
	}
	p.mu.Unlock()

	if p.onEvent != nil {
		p.onEvent(p.addr, s)
	}
}

// LeastBusyConn returns the open connection with the fewest in-flight
// requests (§4.4's load-balancing primitive).
func (p *Pool) LeastBusyConn() (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) == 0 {
		return nil, NewLibraryError(ErrUnableToInit, "pool %s has no open connections", p.addr)
	}

	best := p.conns[0]
	bestLoad := best.InFlight()
	for _, c := range p.conns[1:] {
		if load := c.InFlight(); load < bestLoad {
			best, bestLoad = c, load
		}
	}
	return best, nil
}

func (p *Pool) Status() PoolNotifyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notifyState
}

func (p *Pool) NumConns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close is idempotent: marks CLOSING, closes all connections, cancels
// all pending connectors, and once both vectors drain transitions to
// CLOSED and sends one DOWN notification if the pool was ever UP; a pool
// that never came up sends none (§4.4).
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closeState != poolOpen {
		p.mu.Unlock()
		return
	}
	p.closeState = poolClosing
	conns := append([]*Conn(nil), p.conns...)
	pending := append([]*pendingConnector(nil), p.pending...)
	p.mu.Unlock()

	for _, t := range pending {
		t.cancel()
	}
	for _, c := range conns {
		c.onClose = nil
		c.Close()
	}

	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()

	p.maybeFinishClose()
}

func (p *Pool) maybeFinishClose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maybeFinishCloseLocked()
}

func (p *Pool) maybeFinishCloseLocked() {
	if p.closeState == poolClosing && len(p.conns) == 0 && len(p.pending) == 0 {
		p.closeState = poolClosed
		close(p.done)
		wasUp := p.wasUp
		if p.notifyState != PoolCritical {
			p.notifyState = PoolDown
		}
		go func() {
			if p.onEvent != nil && wasUp {
				p.onEvent(p.addr, PoolDown)
			}
		}()
	}
}

func (p *Pool) Done() <-chan struct{} { return p.done }
