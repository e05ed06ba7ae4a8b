package frame

import "fmt"

// ProtocolVersion is the negotiated CQL native protocol version, which
// determines the stream-id header width (§4.2, §9).
type ProtocolVersion byte

const (
	CQLv3 ProtocolVersion = 0x03
	CQLv4 ProtocolVersion = 0x04
	CQLv5 ProtocolVersion = 0x05
	// ProtocolRequestBit marks a request frame; response frames have
	// the high bit unset on the same version number.
	ProtocolRequestBit ProtocolVersion = 0x80
)

// StreamIDWidth returns the header width, in bytes, used for the stream
// id field at a given protocol version: 1 byte (legacy, max 127 in-flight
// requests) below v3, 2 bytes (modern, max 32767) from v3 onward.
func StreamIDWidth(v ProtocolVersion) int {
	if v < CQLv3 {
		return 1
	}
	return 2
}

// MaxStreamID returns the largest usable stream id for a protocol
// version, used to size the StreamManager's free list.
func MaxStreamID(v ProtocolVersion) int {
	if v < CQLv3 {
		return 127
	}
	return 32767
}

type OpCode byte

const (
	OpError        OpCode = 0x00
	OpStartup      OpCode = 0x01
	OpReady        OpCode = 0x02
	OpAuthenticate OpCode = 0x03
	OpOptions      OpCode = 0x05
	OpSupported    OpCode = 0x06
	OpQuery        OpCode = 0x07
	OpResult       OpCode = 0x08
	OpPrepare      OpCode = 0x09
	OpExecute      OpCode = 0x0A
	OpRegister     OpCode = 0x0B
	OpEvent        OpCode = 0x0C
	OpBatch        OpCode = 0x0D
	OpAuthChallenge OpCode = 0x0E
	OpAuthResponse OpCode = 0x0F
	OpAuthSuccess  OpCode = 0x10
)

func (op OpCode) String() string {
	switch op {
	case OpError:
		return "ERROR"
	case OpStartup:
		return "STARTUP"
	case OpReady:
		return "READY"
	case OpAuthenticate:
		return "AUTHENTICATE"
	case OpOptions:
		return "OPTIONS"
	case OpSupported:
		return "SUPPORTED"
	case OpQuery:
		return "QUERY"
	case OpResult:
		return "RESULT"
	case OpPrepare:
		return "PREPARE"
	case OpExecute:
		return "EXECUTE"
	case OpRegister:
		return "REGISTER"
	case OpEvent:
		return "EVENT"
	case OpBatch:
		return "BATCH"
	case OpAuthChallenge:
		return "AUTH_CHALLENGE"
	case OpAuthResponse:
		return "AUTH_RESPONSE"
	case OpAuthSuccess:
		return "AUTH_SUCCESS"
	default:
		return fmt.Sprintf("OPCODE(0x%02x)", byte(op))
	}
}

// Flags, sent as the frame header's second byte.
const (
	FlagCompression byte = 0x01
	FlagTracing     byte = 0x02
	FlagCustomPayload byte = 0x04
	FlagWarning     byte = 0x08
)

// HeaderSize is the fixed 9-byte v3/v4 frame header:
// version(1) flags(1) stream-id(2) opcode(1) length(4).
// Legacy (v1/v2) connections are not supported by this driver; the
// control connection always negotiates v4 at STARTUP.
const HeaderSize = 9

// Header is the fixed prefix of every frame.
type Header struct {
	Version  ProtocolVersion
	Flags    byte
	StreamID StreamID
	OpCode   OpCode
	Length   uint32
}

func (h Header) WriteTo(b *Buffer) {
	b.WriteByte(byte(h.Version) | byte(ProtocolRequestBit))
	b.WriteByte(h.Flags)
	b.WriteShort(Short(uint16(h.StreamID)))
	b.WriteByte(byte(h.OpCode))
	// Length is filled in by the caller once the body is known.
	b.WriteInt(0)
}

func ParseHeader(b *Buffer) Header {
	var h Header
	v := b.ReadByte()
	h.Version = ProtocolVersion(v &^ byte(ProtocolRequestBit))
	h.Flags = b.ReadByte()
	h.StreamID = StreamID(b.ReadShort())
	h.OpCode = OpCode(b.ReadByte())
	h.Length = uint32(b.ReadInt())
	return h
}

func (h Header) IsEvent() bool { return h.StreamID < 0 && h.OpCode == OpEvent }

// Request is implemented by every client->server message.
type Request interface {
	WriteTo(b *Buffer)
	OpCode() OpCode
}

// Response is implemented by every server->client message.
type Response interface {
	OpCode() OpCode
}
