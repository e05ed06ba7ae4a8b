package request

import "github.com/scylladb/scylla-go-driver/frame"

var _ frame.Request = (*Register)(nil)

// Register subscribes the connection it is sent on to the named server
// push events (TOPOLOGY_CHANGE, STATUS_CHANGE, SCHEMA_CHANGE). Only the
// control connection sends this (§4.3).
type Register struct {
	EventTypes frame.StringList
}

func (r *Register) WriteTo(b *frame.Buffer) {
	b.WriteStringList(r.EventTypes)
}

func (*Register) OpCode() frame.OpCode {
	return frame.OpRegister
}
