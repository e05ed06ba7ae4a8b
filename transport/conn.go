package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/scylladb/scylla-go-driver/frame"
	"github.com/scylladb/scylla-go-driver/frame/request"
	"github.com/scylladb/scylla-go-driver/frame/response"
)

// respFrame is one decoded frame off a connection's socket, tagged with
// its header (stream id, opcode) and any I/O/decode error that occurred
// producing it.
type respFrame struct {
	frame.Header
	frame.Response
	Err error
}

// ResponseHandler is where a request's eventual response (or failure) is
// delivered; always buffered to size 1 so the delivering goroutine never
// blocks on a caller that gave up waiting.
type ResponseHandler chan respFrame

func MakeResponseHandler() ResponseHandler { return make(ResponseHandler, 1) }

type outboundRequest struct {
	frame.Request
	StreamID frame.StreamID
}

// inflightState mirrors the callback states of §4.2/§3: WRITING ->
// READING -> FINISHED, with the auxiliary READ_BEFORE_WRITE branch for
// the race where the server's response arrives before the write
// completes.
type inflightState = int32

const (
	stateWriting inflightState = iota
	stateReading
	stateReadBeforeWrite
	stateFinished
)

// inflightRequest is one in-flight callback record (§3 RequestCallback).
// The map holding it is protected by Conn.mu; the state field itself is
// a CAS variable so the writer loop and the reader loop can race to
// transition it without contending on that mutex per frame.
type inflightRequest struct {
	state atomic.Int32
	resp  ResponseHandler
	// cached holds the response when the reader wins the race and must
	// hand off delivery to the writer loop (READ_BEFORE_WRITE, §4.2).
	cached respFrame
}

// connWriter owns the outbound half: it serializes requests onto the
// wire and is the only goroutine allowed to write to conn.
type connWriter struct {
	conn       io.Writer
	buf        frame.Buffer
	requestCh  chan outboundRequest
	compressor frame.Compressor
	version    frame.ProtocolVersion
	onSent     func(frame.StreamID)
	onError    func(error)
}

func (w *connWriter) loop() {
	runtime.LockOSThread()
	for r := range w.requestCh {
		if err := w.send(r); err != nil {
			w.onSent(r.StreamID)
			w.onError(fmt.Errorf("writing request: %w", err))
			return
		}
	}
}

func (w *connWriter) send(r outboundRequest) error {
	w.buf.Reset()

	var body frame.Buffer
	r.Request.WriteTo(&body)
	if err := body.Error(); err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	bodyBytes := body.Bytes()

	flags := byte(0)
	if w.compressor != nil && len(bodyBytes) > 0 {
		compressed, err := w.compressor.Compress(bodyBytes)
		if err == nil && len(compressed) < len(bodyBytes) {
			bodyBytes = compressed
			flags |= frame.FlagCompression
		}
	}

	h := frame.Header{
		Version:  w.version,
		Flags:    flags,
		StreamID: r.StreamID,
		OpCode:   r.Request.OpCode(),
	}
	h.WriteTo(&w.buf)
	if _, err := w.buf.Write(bodyBytes); err != nil {
		return fmt.Errorf("buffering body: %w", err)
	}

	b := w.buf.Bytes()
	binary.BigEndian.PutUint32(b[5:9], uint32(len(bodyBytes)))

	if _, err := frame.CopyBuffer(&w.buf, w.conn); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	w.onSent(r.StreamID)
	return nil
}

// connReader owns the inbound half: it decodes frames off the socket
// and is the only goroutine allowed to read from conn.
type connReader struct {
	conn       *bufio.Reader
	buf        frame.Buffer
	bufw       io.Writer
	compressor frame.Compressor

	outCh chan respFrame
}

func (r *connReader) loop() {
	runtime.LockOSThread()
	r.bufw = frame.BufferWriter(&r.buf)
	for {
		resp := r.recv()
		r.outCh <- resp
		if resp.Err != nil {
			close(r.outCh)
			return
		}
	}
}

func (r *connReader) recv() respFrame {
	r.buf.Reset()
	var out respFrame

	if _, err := io.CopyN(r.bufw, r.conn, frame.HeaderSize); err != nil {
		out.Err = fmt.Errorf("read header: %w", err)
		return out
	}
	out.Header = frame.ParseHeader(&r.buf)
	if err := r.buf.Error(); err != nil {
		out.Err = fmt.Errorf("parse header: %w", err)
		return out
	}

	r.buf.Reset()
	if _, err := io.CopyN(r.bufw, r.conn, int64(out.Header.Length)); err != nil {
		out.Err = fmt.Errorf("read body: %w", err)
		return out
	}

	body := r.buf.Bytes()
	if out.Header.Flags&frame.FlagCompression != 0 && r.compressor != nil {
		decompressed, err := r.compressor.Decompress(body)
		if err != nil {
			out.Err = fmt.Errorf("decompress body: %w", err)
			return out
		}
		r.buf.Reset()
		if _, err := r.buf.Write(decompressed); err != nil {
			out.Err = fmt.Errorf("buffering decompressed body: %w", err)
			return out
		}
	}

	resp, err := response.Parse(out.Header.OpCode, &r.buf)
	if err != nil {
		out.Err = fmt.Errorf("parse body (opcode %s): %w", out.Header.OpCode, err)
		return out
	}
	out.Response = resp
	return out
}

// EventListener receives server-pushed EVENT frames (negative stream
// id); only the control connection registers one (§4.3).
type EventListener func(response.Event)

// ConnConfig configures a single connection: protocol negotiation,
// optional TLS, heartbeat/idle timers, and keyspace.
type ConnConfig struct {
	TCPNoDelay         bool
	Timeout            time.Duration
	DefaultConsistency frame.Consistency
	Keyspace           string
	Compressor         frame.Compressor
	TLS                *tls.Config
	Authenticator      func(mechanism string) ([]byte, error) // nil: no auth
	HeartbeatInterval  time.Duration
	IdleTimeout        time.Duration
	Events             []response.EventType // non-empty: REGISTER after STARTUP (control conn)
	OnEvent            EventListener        // delivery sink for registered events (control conn)

	// NumConns is the number of connections a Pool keeps open to this
	// host; defaultNumConns if unset (§4.4).
	NumConns int
	// NewReconnectionPolicy builds a fresh, independently-stateful
	// ReconnectionPolicy for a pool's reconnect schedule (§4.4, §6);
	// ConstantReconnectionPolicy{time.Second} if nil.
	NewReconnectionPolicy func() ReconnectionPolicy
	// OnPoolEvent is the pool's NEW/UP/DOWN/CRITICAL notification sink,
	// wired by the pool manager to track host liveness (§4.5).
	OnPoolEvent func(Address, PoolNotifyState)
}

func DefaultConnConfig(keyspace string) ConnConfig {
	return ConnConfig{
		TCPNoDelay:         true,
		Timeout:            10 * time.Second,
		DefaultConsistency: frame.QUORUM,
		Keyspace:           keyspace,
		HeartbeatInterval:  30 * time.Second,
		IdleTimeout:        60 * time.Second,
	}
}

// Conn is one pooled connection (§3 Connection, §4.1-4.3). Its public
// methods are safe to call from any goroutine; internally all request
// bookkeeping funnels through the writer/reader goroutine pair plus a
// small mutex guarding the stream table.
type Conn struct {
	addr    Address
	netConn net.Conn
	w       connWriter
	r       connReader
	version frame.ProtocolVersion

	mu      sync.Mutex
	streams streamIDAllocator
	h       map[frame.StreamID]*inflightRequest

	inflightCount atomic.Int32
	keyspace      atomic.String

	onEvent EventListener
	onClose func(error) // invoked exactly once, with nil on graceful close

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}

	lastWrite atomic.Int64 // unix nanos, heartbeat scheduling
	lastRead  atomic.Int64 // unix nanos, idle-timeout scheduling

	logger Logger
}

const (
	requestChanSize = 1024
	ioBufferSize    = 8192
)

// Dial opens a new connection to addr, runs STARTUP (and authentication
// if the server demands it and cfg.Authenticator is set), optionally
// issues USE <keyspace>, and for a control connection (cfg.Events
// non-empty) issues REGISTER, all before returning.
func Dial(ctx context.Context, addr Address, cfg ConnConfig, logger Logger) (*Conn, error) {
	d := net.Dialer{Timeout: cfg.Timeout}

	var netConn net.Conn
	var err error
	var tlsServerName string
	if cfg.TLS != nil {
		tlsCfg := cfg.TLS.Clone()
		if tlsCfg.ServerName == "" {
			if addr.SNIName != "" {
				tlsCfg.ServerName = addr.SNIName
			} else {
				tlsCfg.ServerName = addr.Host
			}
		}
		// The cloud verifier's peer-identity check is bound to the exact
		// *tls.Config the handshake runs against (§4.8): Clone() copies
		// the closure by value, still pointing at cfg.TLS's ServerName,
		// so it must be rebound to tlsCfg whenever one is present.
		if cfg.TLS.VerifyPeerCertificate != nil {
			tlsCfg.VerifyPeerCertificate = newHostnameVerifier(tlsCfg, tlsCfg.RootCAs).verify
		}
		tlsServerName = tlsCfg.ServerName
		netConn, err = tls.DialWithDialer(&d, "tcp", addr.dialAddr(), tlsCfg)
	} else {
		netConn, err = d.DialContext(ctx, "tcp", addr.dialAddr())
	}
	if err != nil {
		if tlsServerName != "" {
			return nil, verifyErr(tlsServerName, err)
		}
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	if tcpConn, ok := netConn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(cfg.TCPNoDelay); err != nil {
			netConn.Close() //nolint:errcheck
			return nil, fmt.Errorf("setting TCP_NODELAY: %w", err)
		}
	}

	c := WrapConn(netConn, addr, cfg, logger)
	if err := c.handshake(ctx, cfg); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// WrapConn adapts an already-established net.Conn (plain TCP or TLS, as
// produced by Dial) into a multiplexed Conn without running the handshake.
func WrapConn(netConn net.Conn, addr Address, cfg ConnConfig, logger Logger) *Conn {
	if logger == nil {
		logger = DefaultLogger{}
	}
	c := &Conn{
		addr:    addr,
		netConn: netConn,
		version: frame.CQLv4,
		streams: newStreamIDAllocator(frame.CQLv4),
		h:       make(map[frame.StreamID]*inflightRequest),
		done:    make(chan struct{}),
		logger:  logger,
	}
	c.keyspace.Store(cfg.Keyspace)
	c.onEvent = cfg.OnEvent

	c.w = connWriter{
		conn:       netConn,
		requestCh:  make(chan outboundRequest, requestChanSize),
		compressor: cfg.Compressor,
		version:    frame.CQLv4,
		onSent:     c.onWriteDone,
		onError:    c.defunct,
	}
	c.r = connReader{
		conn:       bufio.NewReaderSize(netConn, ioBufferSize),
		compressor: cfg.Compressor,
		outCh:      make(chan respFrame, requestChanSize),
	}

	go c.w.loop()
	go c.r.loop()
	go c.dispatchLoop()

	if cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop(cfg.HeartbeatInterval, cfg.IdleTimeout)
	}

	return c
}

// dispatchLoop drains the reader's decoded-frame channel and resolves
// each one against the stream table (§4.2's read-path table), or hands
// EVENT frames to the listener.
func (c *Conn) dispatchLoop() {
	for resp := range c.r.outCh {
		c.lastRead.Store(nowNano())

		if resp.Err != nil {
			c.defunct(resp.Err)
			return
		}

		if resp.Header.IsEvent() {
			if c.onEvent != nil {
				if ev, ok := resp.Response.(response.Event); ok {
					c.onEvent(ev)
				}
			}
			continue
		}

		c.mu.Lock()
		entry := c.h[resp.Header.StreamID]
		c.mu.Unlock()

		if entry == nil {
			// Either a protocol violation, or the connection is already
			// closing and releaseStream beat us to the map. Treat as
			// benign during shutdown.
			if !c.closed.Load() {
				c.defunct(fmt.Errorf("protocol violation: response for unknown stream id %d", resp.Header.StreamID))
				return
			}
			continue
		}

		if entry.state.CAS(stateReading, stateFinished) {
			c.releaseStream(resp.Header.StreamID)
			entry.resp <- resp
		} else if entry.state.CAS(stateWriting, stateReadBeforeWrite) {
			entry.cached = resp // writer loop finishes delivery once the write completes
		} else {
			c.defunct(fmt.Errorf("protocol violation: duplicate response for stream id %d", resp.Header.StreamID))
			return
		}
	}
}

// onWriteDone is connWriter's completion hook (§4.2's write-path table):
// if the reader already cached a response (READ_BEFORE_WRITE), this
// goroutine is responsible for delivering it; otherwise it hands the
// stream over to the reader by moving to READING.
func (c *Conn) onWriteDone(id frame.StreamID) {
	c.lastWrite.Store(nowNano())

	c.mu.Lock()
	entry := c.h[id]
	c.mu.Unlock()
	if entry == nil {
		return
	}

	if entry.state.CAS(stateReadBeforeWrite, stateFinished) {
		c.releaseStream(id)
		entry.resp <- entry.cached
		return
	}
	entry.state.CAS(stateWriting, stateReading)
}

func (c *Conn) releaseStream(id frame.StreamID) {
	c.mu.Lock()
	delete(c.h, id)
	c.streams.Free(id)
	c.mu.Unlock()
	c.inflightCount.Dec()
}

func nowNano() int64 { return time.Now().UnixNano() }

// sendRequest acquires a stream id, registers a callback, submits the
// encoded request, and blocks for the response or ctx cancellation.
func (c *Conn) sendRequest(ctx context.Context, req frame.Request) (frame.Response, error) {
	entry, id, err := c.register()
	if err != nil {
		return nil, err
	}

	c.w.requestCh <- outboundRequest{Request: req, StreamID: id}

	select {
	case resp := <-entry.resp:
		if resp.Err != nil {
			return nil, resp.Err
		}
		return resp.Response, nil
	case <-ctx.Done():
		// The stream id stays allocated until the server responds or the
		// connection closes (§5 cancellation semantics); we just stop
		// waiting on it here.
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("connection to %s closed while waiting for response", c.addr)
	}
}

// AsyncSendRequest submits req and returns a handler the caller reads
// from later, for the pipelined paging/speculative-execution paths that
// issue several requests before waiting on the first.
func (c *Conn) AsyncSendRequest(req frame.Request) (ResponseHandler, error) {
	entry, id, err := c.register()
	if err != nil {
		return nil, err
	}
	c.w.requestCh <- outboundRequest{Request: req, StreamID: id}
	return entry.resp, nil
}

func (c *Conn) register() (*inflightRequest, frame.StreamID, error) {
	if c.closed.Load() {
		return nil, 0, fmt.Errorf("send on closed connection to %s", c.addr)
	}

	c.mu.Lock()
	id, err := c.streams.Alloc()
	if err != nil {
		c.mu.Unlock()
		return nil, 0, fmt.Errorf("%w: connection to %s", err, c.addr)
	}
	entry := &inflightRequest{resp: MakeResponseHandler()}
	c.h[id] = entry
	c.mu.Unlock()
	c.inflightCount.Inc()

	return entry, id, nil
}

// InFlight returns the number of requests currently awaiting a response,
// the load-balancing input for least-busy selection (§4.4).
func (c *Conn) InFlight() int32 { return c.inflightCount.Load() }

func (c *Conn) Addr() Address { return c.addr }

func (c *Conn) Keyspace() string { return c.keyspace.Load() }

// handshake runs STARTUP, optional SASL authentication, optional USE
// <keyspace>, and optional REGISTER, in that order (§4.3).
func (c *Conn) handshake(ctx context.Context, cfg ConnConfig) error {
	options := frame.StartupOptions{frame.StartupCQLVersion: "3.0.0"}
	if cfg.Compressor != nil {
		options[frame.StartupCompression] = cfg.Compressor.Name()
	}

	resp, err := c.sendRequest(ctx, &request.Startup{Options: options})
	if err != nil {
		return fmt.Errorf("STARTUP: %w", err)
	}

	switch r := resp.(type) {
	case *response.Ready:
		// no auth required
	case *response.Authenticate:
		if cfg.Authenticator == nil {
			return &LibraryError{Kind: ErrBadParams, Msg: fmt.Sprintf("server requires authentication (%s) but no authenticator configured", r.Authenticator)}
		}
		token, err := cfg.Authenticator(r.Authenticator)
		if err != nil {
			return fmt.Errorf("building auth response: %w", err)
		}
		authResp, err := c.sendRequest(ctx, &request.AuthResponse{Token: token})
		if err != nil {
			return fmt.Errorf("AUTH_RESPONSE: %w", err)
		}
		if _, ok := authResp.(*response.AuthSuccess); !ok {
			return responseAsError(authResp)
		}
	default:
		return responseAsError(resp)
	}

	if cfg.Keyspace != "" {
		if err := c.setKeyspace(ctx, cfg.Keyspace); err != nil {
			return fmt.Errorf("initial USE %s: %w", cfg.Keyspace, err)
		}
	}

	if len(cfg.Events) > 0 {
		types := make(frame.StringList, len(cfg.Events))
		for i, e := range cfg.Events {
			types[i] = string(e)
		}
		resp, err := c.sendRequest(ctx, &request.Register{EventTypes: types})
		if err != nil {
			return fmt.Errorf("REGISTER: %w", err)
		}
		if _, ok := resp.(*response.Ready); !ok {
			return responseAsError(resp)
		}
	}

	return nil
}

func (c *Conn) setKeyspace(ctx context.Context, keyspace string) error {
	q := request.NewQuery(fmt.Sprintf("USE %q", keyspace), frame.ONE)
	resp, err := c.sendRequest(ctx, &q)
	if err != nil {
		return err
	}
	res, ok := resp.(*response.Result)
	if !ok || res.Kind != response.ResultSetKeyspace {
		return responseAsError(resp)
	}
	c.keyspace.Store(res.SetKeyspace)
	return nil
}

// heartbeatLoop sends OPTIONS every interval of idleness and defuncts
// the connection if no read succeeds within idleTimeout of the last one
// (§4.1).
func (c *Conn) heartbeatLoop(interval, idleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if idleTimeout > 0 && c.lastRead.Load() != 0 {
				if time.Since(time.Unix(0, c.lastRead.Load())) > idleTimeout {
					c.defunct(fmt.Errorf("heartbeat: no response within idle timeout %s", idleTimeout))
					return
				}
			}
			if idle := time.Since(time.Unix(0, c.lastWrite.Load())); idle < interval {
				ticker.Reset(interval - idle)
				continue
			}
			ticker.Reset(interval)
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			_, err := c.sendRequest(ctx, &request.Options{})
			cancel()
			if err != nil && c.closed.Load() {
				return
			}
		}
	}
}

// defunct force-closes the connection on a protocol violation, decode
// failure, socket error, or heartbeat timeout (§4.1).
func (c *Conn) defunct(err error) {
	c.closeInternal(err)
}

// Close initiates a graceful close: stop accepting writes, fail any
// in-flight requests, release resources (§4.1).
func (c *Conn) Close() {
	c.closeInternal(nil)
}

func (c *Conn) closeInternal(err error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		close(c.w.requestCh)
		c.netConn.Close() //nolint:errcheck

		c.mu.Lock()
		pending := c.h
		c.h = make(map[frame.StreamID]*inflightRequest)
		c.mu.Unlock()

		failure := err
		if failure == nil {
			failure = fmt.Errorf("connection to %s closed", c.addr)
		}
		for _, entry := range pending {
			if entry.state.CAS(stateWriting, stateFinished) ||
				entry.state.CAS(stateReading, stateFinished) ||
				entry.state.CAS(stateReadBeforeWrite, stateFinished) {
				entry.resp <- respFrame{Err: failure}
			}
		}

		if c.onClose != nil {
			c.onClose(err)
		}
	})
}

func (c *Conn) IsClosed() bool { return c.closed.Load() }
