package request

import "github.com/scylladb/scylla-go-driver/frame"

var _ frame.Request = (*Execute)(nil)

// Execute runs a previously prepared statement, identified by the short
// byte id the server returned from PREPARE.
type Execute struct {
	ID     []byte
	Params queryParams
}

func NewExecute(id []byte, consistency frame.Consistency) Execute {
	return Execute{ID: id, Params: queryParams{Consistency: consistency}}
}

func (e *Execute) SetValues(v []frame.Value) *Execute {
	e.Params.Values = v
	return e
}

func (e *Execute) SetPaging(pageSize int32, pagingState frame.Bytes) *Execute {
	e.Params.PageSize = pageSize
	e.Params.PagingState = pagingState
	return e
}

func (e *Execute) SetSerialConsistency(c frame.Consistency) *Execute {
	e.Params.SerialConsistency = c
	return e
}

func (e *Execute) SetSkipMetadata(v bool) *Execute {
	e.Params.SkipMetadata = v
	return e
}

func (e *Execute) WriteTo(b *frame.Buffer) {
	b.WriteShortBytes(e.ID)
	e.Params.writeTo(b)
}

func (*Execute) OpCode() frame.OpCode {
	return frame.OpExecute
}
