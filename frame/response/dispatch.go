package response

import (
	"fmt"

	"github.com/scylladb/scylla-go-driver/frame"
)

// Parse decodes a response body given its header opcode. It is the one
// place that ties an OpCode to its decoder, used by the connection read
// loop's parse step (§4.1, §4.2).
func Parse(op frame.OpCode, b *frame.Buffer) (frame.Response, error) {
	switch op {
	case frame.OpError:
		return ParseError(b), b.Error()
	case frame.OpReady:
		return ParseReady(b), b.Error()
	case frame.OpAuthenticate:
		return ParseAuthenticate(b), b.Error()
	case frame.OpAuthChallenge:
		return ParseAuthChallenge(b), b.Error()
	case frame.OpAuthSuccess:
		return ParseAuthSuccess(b), b.Error()
	case frame.OpSupported:
		return ParseSupported(b), b.Error()
	case frame.OpResult:
		return ParseResult(b)
	case frame.OpEvent:
		return ParseEvent(b)
	default:
		return nil, fmt.Errorf("unsupported response opcode %s", op)
	}
}
