// Package request implements the client->server messages of the CQL
// binary protocol: STARTUP, OPTIONS, QUERY, PREPARE, EXECUTE, BATCH,
// REGISTER and the plain-text AUTH_RESPONSE.
package request

import (
	"github.com/scylladb/scylla-go-driver/frame"
)

const (
	flagValues          byte = 0x01
	flagSkipMetadata    byte = 0x02
	flagPageSize        byte = 0x04
	flagWithPagingState byte = 0x08
	flagSerialConsistency byte = 0x10
	flagDefaultTimestamp  byte = 0x20
	flagNamedValues       byte = 0x40
)

// queryParams is the flags+consistency+values block shared by QUERY and
// EXECUTE. BATCH entries encode their values separately (BatchEntry).
type queryParams struct {
	Consistency       frame.Consistency
	Values            []frame.Value
	SkipMetadata      bool
	PageSize          int32
	PagingState       frame.Bytes
	SerialConsistency frame.Consistency
	Timestamp         int64
	HasTimestamp      bool
}

func (p queryParams) flags() byte {
	var f byte
	if len(p.Values) > 0 {
		f |= flagValues
	}
	if p.SkipMetadata {
		f |= flagSkipMetadata
	}
	if p.PageSize > 0 {
		f |= flagPageSize
	}
	if p.PagingState != nil {
		f |= flagWithPagingState
	}
	if p.SerialConsistency != 0 {
		f |= flagSerialConsistency
	}
	if p.HasTimestamp {
		f |= flagDefaultTimestamp
	}
	return f
}

func (p queryParams) writeTo(b *frame.Buffer) {
	b.WriteConsistency(p.Consistency)
	b.WriteByte(p.flags())
	if len(p.Values) > 0 {
		b.WriteShort(frame.Short(len(p.Values)))
		for _, v := range p.Values {
			b.WriteValue(v)
		}
	}
	if p.PageSize > 0 {
		b.WriteInt(p.PageSize)
	}
	if p.PagingState != nil {
		b.WriteBytes(p.PagingState)
	}
	if p.SerialConsistency != 0 {
		b.WriteConsistency(p.SerialConsistency)
	}
	if p.HasTimestamp {
		b.WriteLong(p.Timestamp)
	}
}
