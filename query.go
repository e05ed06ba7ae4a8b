package scylla

import (
	"context"
	"fmt"

	"github.com/scylladb/scylla-go-driver/frame"
	"github.com/scylladb/scylla-go-driver/frame/response"
	"github.com/scylladb/scylla-go-driver/transport"
)

// Query is one CQL statement bound to a Session: either ad-hoc or
// prepared, with its own bind values, paging cursor, and consistency
// overrides.
type Query struct {
	session *Session
	stmt    transport.Statement
	buf     frame.Buffer

	pageState frame.Bytes
	err       []error
}

// Result is one completed statement's RESULT body, re-exported from the
// wire layer so callers never need to import frame/response directly.
type Result = response.Result

// SetConsistency overrides the session's default consistency for this
// statement.
func (q *Query) SetConsistency(c frame.Consistency) *Query {
	q.stmt.Consistency = c
	return q
}

func (q *Query) SetSerialConsistency(c frame.Consistency) *Query {
	q.stmt.SerialConsistency = c
	return q
}

func (q *Query) SetPageSize(n int32) *Query {
	q.stmt.PageSize = n
	return q
}

func (q *Query) SetPageState(state frame.Bytes) *Query {
	q.pageState = state
	return q
}

func (q *Query) SetIdempotent(v bool) *Query {
	q.stmt.Idempotent = v
	return q
}

func (q *Query) NoSkipMetadata() *Query {
	q.stmt.NoSkipMetadata = true
	return q
}

// checkBounds grows Values to cover pos on an ad-hoc (unprepared)
// statement; a prepared statement's Values is already sized from its
// bind-marker metadata, so an out-of-range pos there is an error.
func (q *Query) checkBounds(pos int) error {
	if q.stmt.Metadata != nil {
		if pos < 0 || pos >= len(q.stmt.Values) {
			return fmt.Errorf("no bind marker with position %d", pos)
		}
		return nil
	}
	for i := len(q.stmt.Values); i <= pos; i++ {
		q.stmt.Values = append(q.stmt.Values, frame.Value{})
	}
	return nil
}

// Serializable lets any caller-defined value marshal itself against the
// server-declared bind-marker type.
type Serializable interface {
	Serialize(*frame.Option) (n int32, bytes []byte, err error)
}

// Bind marshals v into the bind marker at pos via its own Serialize,
// matched against the declared type on prepared statements.
func (q *Query) Bind(pos int, v Serializable) *Query {
	if err := q.checkBounds(pos); err != nil {
		q.err = append(q.err, err)
		return q
	}
	p := &q.stmt.Values[pos]
	n, bytes, err := v.Serialize(p.Type)
	if err != nil {
		q.err = append(q.err, err)
		return q
	}
	p.N = n
	p.Bytes = bytes
	return q
}

// BindInt64 is a fast path for the common bigint bind marker, avoiding a
// Serializable allocation.
func (q *Query) BindInt64(pos int, v int64) *Query {
	if err := q.checkBounds(pos); err != nil {
		q.err = append(q.err, err)
		return q
	}
	p := &q.stmt.Values[pos]
	p.N = 8
	p.Bytes = make([]byte, 8)
	for i := 0; i < 8; i++ {
		p.Bytes[i] = byte(v >> uint(56-8*i))
	}
	return q
}

// token computes the routing token for this statement's partition key,
// the way Cassandra's compound partition key serialization does: a
// single-component key hashes its raw bytes directly, a composite key
// concatenates each component as <len><bytes><0x00> first (§1 Non-goals:
// CQL parsing beyond this routing-key hint is out of scope).
func (q *Query) token() (transport.Token, bool) {
	if q.stmt.PkCnt == 0 {
		return 0, false
	}
	if q.stmt.PkCnt == 1 {
		return transport.MurmurToken(q.stmt.Values[q.stmt.PkIndexes[0]].Bytes), true
	}

	q.buf.Reset()
	for _, idx := range q.stmt.PkIndexes {
		v := q.stmt.Values[idx]
		q.buf.WriteShort(frame.Short(v.N))
		q.buf.Write(v.Bytes)
		q.buf.WriteByte(0)
	}
	return transport.MurmurToken(q.buf.Bytes()), true
}

func (q *Query) info() transport.QueryInfo {
	if token, ok := q.token(); ok {
		return transport.NewTokenAwareQueryInfo(token, "")
	}
	return transport.NewQueryInfo()
}

// Exec runs the statement to completion and returns its RESULT.
func (q *Query) Exec(ctx context.Context) (Result, error) {
	if len(q.err) != 0 {
		return Result{}, fmt.Errorf("query can't be executed: %v", q.err)
	}

	res, err := q.session.exec.Execute(ctx, q.stmt, q.info(), q.pageState)
	if err != nil {
		return Result{}, err
	}
	return *res, nil
}

// Iter drives a multi-page ROWS result, fetching the next page lazily as
// the caller consumes rows via Next.
type Iter struct {
	ctx   context.Context
	query *Query
	res   Result
	pos   int
	err   error
	done  bool
}

// Iter starts (or resumes, if SetPageState was called) paging through
// this statement's ROWS result.
func (q *Query) Iter(ctx context.Context) *Iter {
	res, err := q.Exec(ctx)
	if err != nil {
		return &Iter{ctx: ctx, query: q, err: err, done: true}
	}
	return &Iter{ctx: ctx, query: q, res: res}
}

// Next returns the next row, fetching the next page across a RESULT
// boundary transparently. ok is false once every page is exhausted or an
// error occurred; callers check Err afterward.
func (it *Iter) Next() (frame.Row, bool) {
	if it.done {
		return nil, false
	}
	for it.pos >= len(it.res.Rows) {
		if it.res.Metadata == nil || len(it.res.Metadata.PagingState) == 0 {
			it.done = true
			return nil, false
		}
		it.query.SetPageState(it.res.Metadata.PagingState)
		res, err := it.query.Exec(it.ctx)
		if err != nil {
			it.err = err
			it.done = true
			return nil, false
		}
		it.res = res
		it.pos = 0
	}

	row := it.res.Rows[it.pos]
	it.pos++
	return row, true
}

func (it *Iter) Err() error { return it.err }

// Columns exposes the current page's column metadata.
func (it *Iter) Columns() []frame.ColumnSpec {
	if it.res.Metadata == nil {
		return nil
	}
	return it.res.Metadata.Columns
}

// Close releases the iterator; currently a no-op since paging has no
// server-side cursor to release explicitly, but kept for API symmetry
// with drivers that do hold one.
func (it *Iter) Close() error { return it.err }
