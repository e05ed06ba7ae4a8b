package frame

import "fmt"

// Primitive aliases matching the protocol's on-wire integer widths.
type (
	Short          = uint16
	Bytes          = []byte
	StringList     = []string
	StringMap      = map[string]string
	StringMultiMap = map[string][]string
)

// StreamID correlates a request with its response on one connection.
// Positive values are request/response pairs; negative values are
// server-initiated EVENT pushes on that same connection (§4.2).
type StreamID int16

// Consistency is the CQL consistency level, sent as a two-byte code.
type Consistency uint16

const (
	ANY         Consistency = 0x0000
	ONE         Consistency = 0x0001
	TWO         Consistency = 0x0002
	THREE       Consistency = 0x0003
	QUORUM      Consistency = 0x0004
	ALL         Consistency = 0x0005
	LOCALQUORUM Consistency = 0x0006
	EACHQUORUM  Consistency = 0x0007
	SERIAL      Consistency = 0x0008
	LOCALSERIAL Consistency = 0x0009
	LOCALONE    Consistency = 0x000A
)

func (c Consistency) String() string {
	switch c {
	case ANY:
		return "ANY"
	case ONE:
		return "ONE"
	case TWO:
		return "TWO"
	case THREE:
		return "THREE"
	case QUORUM:
		return "QUORUM"
	case ALL:
		return "ALL"
	case LOCALQUORUM:
		return "LOCAL_QUORUM"
	case EACHQUORUM:
		return "EACH_QUORUM"
	case SERIAL:
		return "SERIAL"
	case LOCALSERIAL:
		return "LOCAL_SERIAL"
	case LOCALONE:
		return "LOCAL_ONE"
	default:
		return fmt.Sprintf("CONSISTENCY(%d)", uint16(c))
	}
}

// UUID is a 16-byte wire UUID; the generic byte array avoids pulling a
// scalar codec into the framing layer (those are explicitly out of scope).
type UUID [16]byte

func (u UUID) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}

func (u UUID) IsZero() bool {
	return u == UUID{}
}

// WriteType identifies the kind of write a WRITE_TIMEOUT/WRITE_FAILURE
// error was about; carried as a structured field per §7.
type WriteType string

const (
	WriteTypeSimple        WriteType = "SIMPLE"
	WriteTypeBatch         WriteType = "BATCH"
	WriteTypeUnloggedBatch WriteType = "UNLOGGED_BATCH"
	WriteTypeCounter       WriteType = "COUNTER"
	WriteTypeBatchLog      WriteType = "BATCH_LOG"
	WriteTypeCas           WriteType = "CAS"
	WriteTypeView          WriteType = "VIEW"
	WriteTypeCdc           WriteType = "CDC"
)

// Option is the generic column/value type descriptor. Only the shape
// needed to extract a routing-key hint and to round-trip the type id is
// specified here; per-scalar-type marshaling is out of scope.
type Option struct {
	ID         OptionID
	Custom     string  // CUSTOM class name
	List       *Option // LIST/SET element type
	Key        *Option // MAP key type
	Value      *Option // MAP value type
	Keyspace   string  // UDT keyspace
	UDTName    string
	FieldNames []string
	FieldTypes []*Option
	TupleTypes []*Option
}

type OptionID Short

const (
	CustomID    OptionID = 0x0000
	AsciiID     OptionID = 0x0001
	BigIntID    OptionID = 0x0002
	BlobID      OptionID = 0x0003
	BooleanID   OptionID = 0x0004
	CounterID   OptionID = 0x0005
	DecimalID   OptionID = 0x0006
	DoubleID    OptionID = 0x0007
	FloatID     OptionID = 0x0008
	IntID       OptionID = 0x0009
	TimestampID OptionID = 0x000B
	UUIDID      OptionID = 0x000C
	VarcharID   OptionID = 0x000D
	VarintID    OptionID = 0x000E
	TimeUUIDID  OptionID = 0x000F
	InetID      OptionID = 0x0010
	DateID      OptionID = 0x0011
	TimeID      OptionID = 0x0012
	SmallIntID  OptionID = 0x0013
	TinyIntID   OptionID = 0x0014
	DurationID  OptionID = 0x0015
	ListID      OptionID = 0x0020
	MapID       OptionID = 0x0021
	SetID       OptionID = 0x0022
	UDTID       OptionID = 0x0030
	TupleID     OptionID = 0x0031
)

// Value is the generic bind-value envelope: the wire length prefix N
// (negative for NULL, -2 for NOT_SET) plus the raw, type-specific bytes.
// Per-scalar encode/decode lives outside this driver's scope; callers
// that need it bring their own codec and write directly into Bytes.
type Value struct {
	N     int32
	Bytes []byte
	Type  *Option
}

const (
	nullLength   = -1
	notSetLength = -2
)

func (v Value) IsNull() bool   { return v.N == nullLength }
func (v Value) IsNotSet() bool { return v.N == notSetLength }

func (b *Buffer) WriteValue(v Value) {
	if v.IsNull() || v.IsNotSet() {
		b.WriteInt(v.N)
		return
	}
	b.WriteInt(int32(len(v.Bytes)))
	b.Write(v.Bytes) //nolint:errcheck // Buffer.Write never fails on a bytes.Buffer.
}

func (b *Buffer) ReadValue() Value {
	n := b.ReadInt()
	if b.err != nil {
		return Value{}
	}
	if n == nullLength || n == notSetLength {
		return Value{N: n}
	}
	return Value{N: n, Bytes: b.readN(int(n))}
}

// Row is one decoded result row: the raw bind-value envelope per column,
// in the order given by the accompanying ResultMetadata.
type Row []Value

func (r Row) String() string {
	return fmt.Sprintf("Row(%d values)", len(r))
}

// ColumnSpec describes one column of a ROWS result or PREPARED metadata.
type ColumnSpec struct {
	Keyspace string
	Table    string
	Name     string
	Type     Option
}

// ResultMetadata is the column/paging metadata attached to ROWS and
// PREPARED results.
type ResultMetadata struct {
	Flags       int32
	PkIndexes   []Short
	PagingState Bytes
	Columns     []ColumnSpec
}

const (
	resultFlagGlobalTablesSpec int32 = 0x0001
	resultFlagHasMorePages     int32 = 0x0002
	resultFlagNoMetadata       int32 = 0x0004
)

func (m ResultMetadata) HasMorePages() bool { return m.Flags&resultFlagHasMorePages != 0 }
func (m ResultMetadata) NoMetadata() bool   { return m.Flags&resultFlagNoMetadata != 0 }

// StartupOptions is the payload of a STARTUP request.
type StartupOptions = StringMap

const (
	StartupCQLVersion  = "CQL_VERSION"
	StartupCompression = "COMPRESSION"
	StartupNoCompact   = "NO_COMPACT"
)

// Compressor is the seam for STARTUP-negotiated body compression. nil is
// the identity (no compression) case; the protocol itself is agnostic.
type Compressor interface {
	Name() string
	Compress(p []byte) ([]byte, error)
	Decompress(p []byte) ([]byte, error)
}
