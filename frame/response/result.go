package response

import (
	"fmt"

	"github.com/scylladb/scylla-go-driver/frame"
)

// ResultKind identifies which of the five RESULT shapes the body holds
// (§6 wire table).
type ResultKind int32

const (
	ResultVoid         ResultKind = 0x0001
	ResultRows         ResultKind = 0x0002
	ResultSetKeyspace  ResultKind = 0x0003
	ResultPrepared     ResultKind = 0x0004
	ResultSchemaChange ResultKind = 0x0005
)

// Result is the parsed RESULT body. Only one of the Rows/SetKeyspace/
// Prepared/SchemaChange fields is populated, matching Kind.
type Result struct {
	Kind ResultKind

	Rows         []frame.Row
	Metadata     *frame.ResultMetadata
	SetKeyspace  string
	Prepared     *PreparedResult
	SchemaChange *SchemaChangeEvent
}

func (*Result) OpCode() frame.OpCode { return frame.OpResult }

// PreparedResult is the body of a RESULT Kind == PREPARED: the opaque
// id plus the bind-variable and result-row metadata needed to encode
// EXECUTE requests and decode their ROWS results.
type PreparedResult struct {
	ID               []byte
	ResultMetadataID []byte // v5+ only; nil otherwise
	Metadata         *frame.ResultMetadata
	ResultMetadata   *frame.ResultMetadata
}

func ParseResult(b *frame.Buffer) (*Result, error) {
	kind := ResultKind(b.ReadInt())
	r := &Result{Kind: kind}

	switch kind {
	case ResultVoid:
	case ResultRows:
		meta := parseResultMetadata(b)
		r.Metadata = meta
		rows := make([]frame.Row, 0)
		rowCount := b.ReadInt()
		for i := int32(0); i < rowCount && b.Error() == nil; i++ {
			row := make(frame.Row, len(meta.Columns))
			for c := range row {
				row[c] = b.ReadValue()
			}
			rows = append(rows, row)
		}
		r.Rows = rows
	case ResultSetKeyspace:
		r.SetKeyspace = b.ReadString()
	case ResultPrepared:
		id := b.ReadShortBytes()
		meta := parsePreparedVariablesMetadata(b)
		resultMeta := parseResultMetadata(b)
		r.Prepared = &PreparedResult{ID: id, Metadata: meta, ResultMetadata: resultMeta}
	case ResultSchemaChange:
		r.SchemaChange = parseSchemaChangeBody(b)
	default:
		return nil, fmt.Errorf("unknown RESULT kind 0x%04x", int32(kind))
	}

	if err := b.Error(); err != nil {
		return nil, fmt.Errorf("parsing RESULT body: %w", err)
	}
	return r, nil
}

// parsePreparedVariablesMetadata parses a PREPARED body's first metadata
// block (the bind markers): unlike ROWS/result metadata, it carries an
// unconditional partition-key index list right after the column count,
// which Statement.PkIndexes uses to build a routing token without
// parsing CQL (§1 Non-goals).
func parsePreparedVariablesMetadata(b *frame.Buffer) *frame.ResultMetadata {
	m := &frame.ResultMetadata{}
	m.Flags = b.ReadInt()
	colCount := b.ReadInt()

	pkCount := b.ReadInt()
	m.PkIndexes = make([]frame.Short, 0, pkCount)
	for i := int32(0); i < pkCount && b.Error() == nil; i++ {
		m.PkIndexes = append(m.PkIndexes, b.ReadShort())
	}

	hasGlobalSpec := m.Flags&0x0001 != 0
	hasMorePages := m.Flags&0x0002 != 0
	noMetadata := m.Flags&0x0004 != 0

	if hasMorePages {
		m.PagingState = b.ReadBytes()
	}
	if noMetadata {
		return m
	}

	var globalKeyspace, globalTable string
	if hasGlobalSpec {
		globalKeyspace = b.ReadString()
		globalTable = b.ReadString()
	}

	m.Columns = make([]frame.ColumnSpec, 0, colCount)
	for i := int32(0); i < colCount && b.Error() == nil; i++ {
		cs := frame.ColumnSpec{Keyspace: globalKeyspace, Table: globalTable}
		if !hasGlobalSpec {
			cs.Keyspace = b.ReadString()
			cs.Table = b.ReadString()
		}
		cs.Name = b.ReadString()
		cs.Type = ParseOption(b)
		m.Columns = append(m.Columns, cs)
	}
	return m
}

func parseResultMetadata(b *frame.Buffer) *frame.ResultMetadata {
	m := &frame.ResultMetadata{}
	m.Flags = b.ReadInt()
	colCount := b.ReadInt()

	hasGlobalSpec := m.Flags&0x0001 != 0
	hasMorePages := m.Flags&0x0002 != 0
	noMetadata := m.Flags&0x0004 != 0

	if hasMorePages {
		m.PagingState = b.ReadBytes()
	}

	if noMetadata {
		return m
	}

	var globalKeyspace, globalTable string
	if hasGlobalSpec {
		globalKeyspace = b.ReadString()
		globalTable = b.ReadString()
	}

	m.Columns = make([]frame.ColumnSpec, 0, colCount)
	for i := int32(0); i < colCount && b.Error() == nil; i++ {
		cs := frame.ColumnSpec{Keyspace: globalKeyspace, Table: globalTable}
		if !hasGlobalSpec {
			cs.Keyspace = b.ReadString()
			cs.Table = b.ReadString()
		}
		cs.Name = b.ReadString()
		cs.Type = ParseOption(b)
		m.Columns = append(m.Columns, cs)
	}
	return m
}

// ParseOption decodes a generic column/value type descriptor, recursing
// into LIST/SET/MAP/UDT/TUPLE element types. Scalar leaves carry only
// their id; per-scalar decoding is out of scope for this driver.
func ParseOption(b *frame.Buffer) frame.Option {
	id := frame.OptionID(b.ReadShort())
	opt := frame.Option{ID: id}

	switch id {
	case frame.CustomID:
		opt.Custom = b.ReadString()
	case frame.ListID, frame.SetID:
		elem := ParseOption(b)
		opt.List = &elem
	case frame.MapID:
		key := ParseOption(b)
		val := ParseOption(b)
		opt.Key = &key
		opt.Value = &val
	case frame.UDTID:
		opt.Keyspace = b.ReadString()
		opt.UDTName = b.ReadString()
		n := b.ReadShort()
		opt.FieldNames = make([]string, 0, n)
		opt.FieldTypes = make([]*frame.Option, 0, n)
		for i := frame.Short(0); i < n; i++ {
			opt.FieldNames = append(opt.FieldNames, b.ReadString())
			f := ParseOption(b)
			opt.FieldTypes = append(opt.FieldTypes, &f)
		}
	case frame.TupleID:
		n := b.ReadShort()
		opt.TupleTypes = make([]*frame.Option, 0, n)
		for i := frame.Short(0); i < n; i++ {
			f := ParseOption(b)
			opt.TupleTypes = append(opt.TupleTypes, &f)
		}
	}

	return opt
}
