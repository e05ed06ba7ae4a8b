package response

import (
	"fmt"

	"github.com/scylladb/scylla-go-driver/frame"
)

// EventType names one of the three push-event families a REGISTER can
// subscribe to (§4.6).
type EventType string

const (
	TopologyChange EventType = "TOPOLOGY_CHANGE"
	StatusChange   EventType = "STATUS_CHANGE"
	SchemaChange   EventType = "SCHEMA_CHANGE"
)

// Event is implemented by every parsed EVENT body.
type Event interface {
	frame.Response
	Type() EventType
}

// TopologyChangeEvent: a node joined, left, or moved in the ring.
type TopologyChangeEvent struct {
	Change string // NEW_NODE | REMOVED_NODE | MOVED_NODE
	Host   string
	Port   int32
}

func (*TopologyChangeEvent) OpCode() frame.OpCode { return frame.OpEvent }
func (*TopologyChangeEvent) Type() EventType      { return TopologyChange }

// StatusChangeEvent: a node's liveness, as observed by the server that
// sent it. Per §4.6, UP events refresh the host row; DOWN events are
// ignored by default (down detection is pool-driven, §9 open question).
type StatusChangeEvent struct {
	Change string // UP | DOWN
	Host   string
	Port   int32
}

func (*StatusChangeEvent) OpCode() frame.OpCode { return frame.OpEvent }
func (*StatusChangeEvent) Type() EventType      { return StatusChange }

// SchemaChangeEvent describes a DDL change; the same body shape is
// reused by RESULT Kind == SCHEMA_CHANGE for the statement that caused it.
type SchemaChangeEvent struct {
	Change   string // CREATED | UPDATED | DROPPED
	Target   string // KEYSPACE | TABLE | TYPE | FUNCTION | AGGREGATE
	Keyspace string
	Name     string   // table/type/function/aggregate name; empty for KEYSPACE
	Args     []string // argument types, FUNCTION/AGGREGATE only
}

func (*SchemaChangeEvent) OpCode() frame.OpCode { return frame.OpEvent }
func (*SchemaChangeEvent) Type() EventType      { return SchemaChange }

func parseSchemaChangeBody(b *frame.Buffer) *SchemaChangeEvent {
	e := &SchemaChangeEvent{}
	e.Change = b.ReadString()
	e.Target = b.ReadString()

	switch e.Target {
	case "KEYSPACE":
		e.Keyspace = b.ReadString()
	case "TABLE", "TYPE":
		e.Keyspace = b.ReadString()
		e.Name = b.ReadString()
	case "FUNCTION", "AGGREGATE":
		e.Keyspace = b.ReadString()
		e.Name = b.ReadString()
		e.Args = b.ReadStringList()
	default:
		e.Keyspace = b.ReadString()
	}
	return e
}

// ParseEvent dispatches on the event-type string prefix every EVENT body
// carries, then decodes the type-specific tail.
func ParseEvent(b *frame.Buffer) (Event, error) {
	t := EventType(b.ReadString())
	switch t {
	case TopologyChange:
		change := b.ReadString()
		ip, port := b.ReadInet()
		return &TopologyChangeEvent{Change: change, Host: inetString(ip), Port: port}, b.Error()
	case StatusChange:
		change := b.ReadString()
		ip, port := b.ReadInet()
		return &StatusChangeEvent{Change: change, Host: inetString(ip), Port: port}, b.Error()
	case SchemaChange:
		return parseSchemaChangeBody(b), b.Error()
	default:
		return nil, fmt.Errorf("unknown EVENT type %q", t)
	}
}

func inetString(ip []byte) string {
	if len(ip) == 4 {
		return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
	}
	// IPv6: render as 8 colon-separated hextets, no compression, so the
	// string can differ from other textual forms of the same address.
	out := ""
	for i := 0; i < len(ip); i += 2 {
		if i > 0 {
			out += ":"
		}
		out += fmt.Sprintf("%02x%02x", ip[i], ip[i+1])
	}
	return out
}
