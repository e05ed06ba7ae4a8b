// Package frame implements the wire format of the CQL binary protocol:
// the frame header, the generic value envelope, and the primitive
// encodings ([int], [long], [string], [bytes], [uuid], ...) that every
// request and response builds on.
package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Buffer is a read/write cursor over a byte slice with sticky errors:
// once a read or write fails, Error returns the first failure and every
// subsequent read is a no-op returning a zero value. Writes after a
// failure may still append bytes, so the buffered contents are not
// meaningful once Error is non-nil. This lets decoders be written as a
// straight line of calls without a per-field error check, matching the
// shape request/response codecs need.
type Buffer struct {
	buf bytes.Buffer
	err error
}

func (b *Buffer) Reset() {
	b.buf.Reset()
	b.err = nil
}

func (b *Buffer) Bytes() []byte { return b.buf.Bytes() }

func (b *Buffer) Len() int { return b.buf.Len() }

func (b *Buffer) Error() error { return b.err }

func (b *Buffer) recordErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Write appends raw bytes, used by callers that already hold encoded
// payloads (compressed bodies, fuzz test inputs).
func (b *Buffer) Write(p []byte) (int, error) {
	return b.buf.Write(p)
}

func (b *Buffer) WriteByte(v byte) {
	if b.err != nil {
		return
	}
	b.buf.WriteByte(v)
}

func (b *Buffer) WriteShort(v Short) {
	if b.err != nil {
		return
	}
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(v))
	b.buf.Write(tmp[:])
}

func (b *Buffer) WriteInt(v int32) {
	if b.err != nil {
		return
	}
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	b.buf.Write(tmp[:])
}

func (b *Buffer) WriteLong(v int64) {
	if b.err != nil {
		return
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	b.buf.Write(tmp[:])
}

func (b *Buffer) WriteString(s string) {
	if len(s) > 0xFFFF {
		b.recordErr(fmt.Errorf("string too long: %d bytes", len(s)))
		return
	}
	b.WriteShort(Short(len(s)))
	b.buf.WriteString(s)
}

func (b *Buffer) WriteLongString(s string) {
	b.WriteInt(int32(len(s)))
	b.buf.WriteString(s)
}

func (b *Buffer) WriteStringList(l StringList) {
	b.WriteShort(Short(len(l)))
	for _, s := range l {
		b.WriteString(s)
	}
}

func (b *Buffer) WriteStringMap(m StringMap) {
	b.WriteShort(Short(len(m)))
	for k, v := range m {
		b.WriteString(k)
		b.WriteString(v)
	}
}

func (b *Buffer) WriteBytes(v Bytes) {
	if v == nil {
		b.WriteInt(-1)
		return
	}
	b.WriteInt(int32(len(v)))
	b.buf.Write(v)
}

func (b *Buffer) WriteShortBytes(v []byte) {
	b.WriteShort(Short(len(v)))
	b.buf.Write(v)
}

func (b *Buffer) WriteUUID(u UUID) {
	if b.err != nil {
		return
	}
	b.buf.Write(u[:])
}

func (b *Buffer) WriteInet(ip []byte, port int32) {
	b.WriteByte(byte(len(ip)))
	b.buf.Write(ip)
	b.WriteInt(port)
}

func (b *Buffer) WriteConsistency(c Consistency) {
	b.WriteShort(Short(c))
}

// --- reads ---

func (b *Buffer) readN(n int) []byte {
	if b.err != nil {
		return nil
	}
	if b.buf.Len() < n {
		b.recordErr(fmt.Errorf("buffer underrun: need %d bytes, have %d", n, b.buf.Len()))
		return nil
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(&b.buf, p); err != nil {
		b.recordErr(err)
		return nil
	}
	return p
}

func (b *Buffer) ReadByte() byte {
	p := b.readN(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (b *Buffer) ReadShort() Short {
	p := b.readN(2)
	if p == nil {
		return 0
	}
	return Short(binary.BigEndian.Uint16(p))
}

func (b *Buffer) ReadInt() int32 {
	p := b.readN(4)
	if p == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(p))
}

func (b *Buffer) ReadLong() int64 {
	p := b.readN(8)
	if p == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(p))
}

func (b *Buffer) ReadString() string {
	n := b.ReadShort()
	if b.err != nil {
		return ""
	}
	p := b.readN(int(n))
	return string(p)
}

func (b *Buffer) ReadLongString() string {
	n := b.ReadInt()
	if b.err != nil || n < 0 {
		return ""
	}
	p := b.readN(int(n))
	return string(p)
}

func (b *Buffer) ReadStringList() StringList {
	n := b.ReadShort()
	if b.err != nil {
		return nil
	}
	l := make(StringList, 0, n)
	for i := Short(0); i < n; i++ {
		l = append(l, b.ReadString())
	}
	return l
}

func (b *Buffer) ReadStringMap() StringMap {
	n := b.ReadShort()
	if b.err != nil {
		return nil
	}
	m := make(StringMap, n)
	for i := Short(0); i < n; i++ {
		k := b.ReadString()
		v := b.ReadString()
		m[k] = v
	}
	return m
}

func (b *Buffer) ReadStringMultiMap() StringMultiMap {
	n := b.ReadShort()
	if b.err != nil {
		return nil
	}
	m := make(StringMultiMap, n)
	for i := Short(0); i < n; i++ {
		k := b.ReadString()
		m[k] = b.ReadStringList()
	}
	return m
}

func (b *Buffer) ReadBytes() Bytes {
	n := b.ReadInt()
	if b.err != nil || n < 0 {
		return nil
	}
	return b.readN(int(n))
}

func (b *Buffer) ReadShortBytes() []byte {
	n := b.ReadShort()
	if b.err != nil {
		return nil
	}
	return b.readN(int(n))
}

func (b *Buffer) ReadUUID() UUID {
	var u UUID
	p := b.readN(16)
	if p == nil {
		return u
	}
	copy(u[:], p)
	return u
}

func (b *Buffer) ReadInet() (ip []byte, port int32) {
	n := b.ReadByte()
	if b.err != nil {
		return nil, 0
	}
	ip = b.readN(int(n))
	port = b.ReadInt()
	return
}

func (b *Buffer) ReadConsistency() Consistency {
	return Consistency(b.ReadShort())
}

// CopyBuffer writes the buffer's accumulated bytes to w in a single call,
// matching the one-syscall-per-flush requirement of the pooled connection.
func CopyBuffer(b *Buffer, w io.Writer) (int64, error) {
	return b.buf.WriteTo(w)
}

// BufferWriter exposes buf as an io.Writer so io.CopyN can stream bytes
// straight from a socket into it without an intermediate allocation.
func BufferWriter(b *Buffer) io.Writer {
	return &b.buf
}
