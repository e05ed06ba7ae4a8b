package request

import "github.com/scylladb/scylla-go-driver/frame"

var _ frame.Request = (*Query)(nil)

// Query is an ad-hoc CQL statement: the long string body followed by
// the shared flags/consistency/values block (§6 wire table).
type Query struct {
	Content string
	Params  queryParams
}

func NewQuery(content string, consistency frame.Consistency) Query {
	return Query{Content: content, Params: queryParams{Consistency: consistency}}
}

func (q *Query) SetValues(v []frame.Value) *Query {
	q.Params.Values = v
	return q
}

func (q *Query) SetPaging(pageSize int32, pagingState frame.Bytes) *Query {
	q.Params.PageSize = pageSize
	q.Params.PagingState = pagingState
	return q
}

func (q *Query) SetSerialConsistency(c frame.Consistency) *Query {
	q.Params.SerialConsistency = c
	return q
}

func (q *Query) SetSkipMetadata(v bool) *Query {
	q.Params.SkipMetadata = v
	return q
}

func (q *Query) WriteTo(b *frame.Buffer) {
	b.WriteLongString(q.Content)
	q.Params.writeTo(b)
}

func (*Query) OpCode() frame.OpCode {
	return frame.OpQuery
}

var _ frame.Request = (*Prepare)(nil)

// Prepare compiles a CQL statement server-side and returns an opaque id.
type Prepare struct {
	Content string
}

func (p *Prepare) WriteTo(b *frame.Buffer) {
	b.WriteLongString(p.Content)
}

func (*Prepare) OpCode() frame.OpCode {
	return frame.OpPrepare
}
