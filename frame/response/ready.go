package response

import "github.com/scylladb/scylla-go-driver/frame"

// Ready acknowledges a successful STARTUP with no authentication needed.
type Ready struct{}

func (*Ready) OpCode() frame.OpCode { return frame.OpReady }

func ParseReady(_ *frame.Buffer) *Ready {
	return &Ready{}
}

// Supported answers OPTIONS with the server's supported STARTUP option
// values (CQL versions, compression algorithms, protocol extensions).
type Supported struct {
	Options frame.StringMultiMap
}

func (*Supported) OpCode() frame.OpCode { return frame.OpSupported }

func ParseSupported(b *frame.Buffer) *Supported {
	return &Supported{Options: b.ReadStringMultiMap()}
}
