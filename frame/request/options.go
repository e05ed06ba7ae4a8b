package request

import (
	"github.com/scylladb/scylla-go-driver/frame"
)

var _ frame.Request = (*Options)(nil)

// Options spec: https://github.com/apache/cassandra/blob/trunk/doc/native_protocol_v4.spec#L330
// Also doubles as the heartbeat request (§4.1): empty body, cheap to
// decode, side-effect free on the server.
type Options struct{}

func (*Options) WriteTo(_ *frame.Buffer) {}

func (*Options) OpCode() frame.OpCode {
	return frame.OpOptions
}
