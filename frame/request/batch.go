package request

import "github.com/scylladb/scylla-go-driver/frame"

// BatchType selects the server-side batch semantics (§4.7).
type BatchType byte

const (
	BatchLogged   BatchType = 0x00
	BatchUnlogged BatchType = 0x01
	BatchCounter  BatchType = 0x02
)

const (
	batchEntryKindQuery    byte = 0x00
	batchEntryKindPrepared byte = 0x01
)

// BatchEntry is one sub-statement of a BATCH: either an ad-hoc query
// string or a prepared-statement id, plus its bound values
// (§4.7: "kind | statement-or-id | value-count | values...").
type BatchEntry struct {
	PreparedID []byte // nil means Query is a query string
	Query      string
	Values     []frame.Value
}

func (e BatchEntry) writeTo(b *frame.Buffer) {
	if e.PreparedID != nil {
		b.WriteByte(batchEntryKindPrepared)
		b.WriteShortBytes(e.PreparedID)
	} else {
		b.WriteByte(batchEntryKindQuery)
		b.WriteLongString(e.Query)
	}
	b.WriteShort(frame.Short(len(e.Values)))
	for _, v := range e.Values {
		b.WriteValue(v)
	}
}

var _ frame.Request = (*Batch)(nil)

// Batch carries a type and a vector of sub-statements, each individually
// either a query string or a prepared id with bound values (§4.7).
type Batch struct {
	Type              BatchType
	Entries           []BatchEntry
	Consistency       frame.Consistency
	SerialConsistency frame.Consistency
	Timestamp         int64
	HasTimestamp      bool
}

func (batch *Batch) flags() byte {
	var f byte
	if batch.SerialConsistency != 0 {
		f |= flagSerialConsistency
	}
	if batch.HasTimestamp {
		f |= flagDefaultTimestamp
	}
	return f
}

func (batch *Batch) WriteTo(b *frame.Buffer) {
	b.WriteByte(byte(batch.Type))
	b.WriteShort(frame.Short(len(batch.Entries)))
	for _, e := range batch.Entries {
		e.writeTo(b)
	}
	b.WriteConsistency(batch.Consistency)
	b.WriteByte(batch.flags())
	if batch.SerialConsistency != 0 {
		b.WriteConsistency(batch.SerialConsistency)
	}
	if batch.HasTimestamp {
		b.WriteLong(batch.Timestamp)
	}
}

func (*Batch) OpCode() frame.OpCode {
	return frame.OpBatch
}
