package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/scylladb/scylla-go-driver/frame"
	"github.com/scylladb/scylla-go-driver/frame/response"
)

// SchemaSnapshot is the immutable map from keyspace name to keyspace
// metadata the control connection rebuilds on SCHEMA_CHANGE (§3): tables,
// views, user types, functions, aggregates, and indexes. Listeners only
// ever observe a full snapshot, never a partially rebuilt one.
type SchemaSnapshot struct {
	Keyspaces map[string]KeyspaceMetadata
}

// KeyspaceMetadata is one keyspace's durable_writes flag, replication
// strategy, and the schema objects it contains.
type KeyspaceMetadata struct {
	Name          string
	DurableWrites bool
	Replication   KeyspaceReplication
	Tables        map[string]TableMetadata
	Views         map[string]TableMetadata
	UserTypes     map[string]UserType
	Functions     map[string]FunctionMetadata
	Aggregates    map[string]FunctionMetadata
}

// TableMetadata describes one table or materialized view's columns and
// the subset forming its partition/clustering keys.
type TableMetadata struct {
	Name          string
	Columns       map[string]ColumnMetadata
	PartitionKey  []string // column names, in component order
	ClusteringKey []string
	Indexes       map[string]IndexMetadata
}

// ColumnMetadata is one column's declared CQL type and key role.
type ColumnMetadata struct {
	Name string
	Type string // raw CQL type string, e.g. "text", "map<text, int>"
	Kind string // "partition_key" | "clustering" | "regular" | "static"
}

// IndexMetadata is a secondary index on a table.
type IndexMetadata struct {
	Name   string
	Kind   string
	Target string
}

// UserType is a keyspace-scoped user-defined type: ordered field
// names/types, as stored in system_schema.types.
type UserType struct {
	Name       string
	FieldNames []string
	FieldTypes []string
}

// FunctionMetadata covers both scalar functions and aggregates;
// aggregates additionally populate StateFunc/FinalFunc/InitCond.
type FunctionMetadata struct {
	Name       string
	ArgNames   []string
	ArgTypes   []string
	ReturnType string
	Body       string // scalar functions only

	StateFunc string // aggregates only
	FinalFunc string
	InitCond  string
}

// schemaRow is a thin decoder over one result row plus its column
// metadata: the narrow slice of CQL scalar/collection decoding this
// driver needs to read system_schema.* tables, independent of the
// general-purpose value codec the wire layer intentionally leaves to
// callers (frame.Value's doc comment).
type schemaRow struct {
	meta *frame.ResultMetadata
	row  frame.Row
}

func (r schemaRow) index(col string) int {
	for i, c := range r.meta.Columns {
		if c.Name == col {
			return i
		}
	}
	return -1
}

func (r schemaRow) text(col string) string {
	i := r.index(col)
	if i < 0 || r.row[i].IsNull() {
		return ""
	}
	return string(r.row[i].Bytes)
}

func (r schemaRow) boolean(col string) bool {
	i := r.index(col)
	if i < 0 || r.row[i].IsNull() || len(r.row[i].Bytes) == 0 {
		return false
	}
	return r.row[i].Bytes[0] != 0
}

func (r schemaRow) int32(col string) int32 {
	i := r.index(col)
	if i < 0 || r.row[i].IsNull() || len(r.row[i].Bytes) < 4 {
		return 0
	}
	return int32(binary.BigEndian.Uint32(r.row[i].Bytes))
}

// textList decodes a CQL list<text>/set<text> collection: a 4-byte
// element count followed by length-prefixed UTF-8 elements, per the
// native protocol's collection serialization.
func (r schemaRow) textList(col string) []string {
	i := r.index(col)
	if i < 0 || r.row[i].IsNull() {
		return nil
	}
	b := r.row[i].Bytes
	if len(b) < 4 {
		return nil
	}
	n := binary.BigEndian.Uint32(b)
	b = b[4:]
	out := make([]string, 0, n)
	for j := uint32(0); j < n && len(b) >= 4; j++ {
		l := binary.BigEndian.Uint32(b)
		b = b[4:]
		if uint32(len(b)) < l {
			break
		}
		out = append(out, string(b[:l]))
		b = b[l:]
	}
	return out
}

// textMap decodes a CQL map<text, text>: a 4-byte pair count, then
// length-prefixed key/value UTF-8 pairs.
func (r schemaRow) textMap(col string) map[string]string {
	i := r.index(col)
	if i < 0 || r.row[i].IsNull() {
		return nil
	}
	b := r.row[i].Bytes
	if len(b) < 4 {
		return nil
	}
	n := binary.BigEndian.Uint32(b)
	b = b[4:]
	out := make(map[string]string, n)
	readElem := func() (string, bool) {
		if len(b) < 4 {
			return "", false
		}
		l := binary.BigEndian.Uint32(b)
		b = b[4:]
		if uint32(len(b)) < l {
			return "", false
		}
		s := string(b[:l])
		b = b[l:]
		return s, true
	}
	for j := uint32(0); j < n; j++ {
		k, ok := readElem()
		if !ok {
			break
		}
		v, ok := readElem()
		if !ok {
			break
		}
		out[k] = v
	}
	return out
}

// rowsOf converts a RESULT ROWS body into one schemaRow per row.
func rowsOf(res *response.Result) []schemaRow {
	rows := make([]schemaRow, 0, len(res.Rows))
	for _, row := range res.Rows {
		rows = append(rows, schemaRow{meta: res.Metadata, row: row})
	}
	return rows
}

// BuildSchemaSnapshot assembles a SchemaSnapshot from the raw RESULT
// bodies of the control connection's bootstrap/refresh queries against
// system_schema.keyspaces/tables/views/columns/types/functions/
// aggregates/indexes (§4.6).
func BuildSchemaSnapshot(keyspaces, tables, views, columns, types, functions, aggregates, indexes *response.Result) (*SchemaSnapshot, error) {
	snap := &SchemaSnapshot{Keyspaces: make(map[string]KeyspaceMetadata)}

	for _, r := range rowsOf(keyspaces) {
		name := r.text("keyspace_name")
		repl, err := ParseReplication(r.textMap("replication"))
		if err != nil {
			return nil, fmt.Errorf("keyspace %q: %w", name, err)
		}
		snap.Keyspaces[name] = KeyspaceMetadata{
			Name:          name,
			DurableWrites: r.boolean("durable_writes"),
			Replication:   repl,
			Tables:        make(map[string]TableMetadata),
			Views:         make(map[string]TableMetadata),
			UserTypes:     make(map[string]UserType),
			Functions:     make(map[string]FunctionMetadata),
			Aggregates:    make(map[string]FunctionMetadata),
		}
	}

	colsByTable := make(map[[2]string][]ColumnMetadata)
	for _, r := range rowsOf(columns) {
		ks, tbl := r.text("keyspace_name"), r.text("table_name")
		colsByTable[[2]string{ks, tbl}] = append(colsByTable[[2]string{ks, tbl}], ColumnMetadata{
			Name: r.text("column_name"),
			Type: r.text("type"),
			Kind: r.text("kind"),
		})
	}

	buildTable := func(ks, name string) TableMetadata {
		tm := TableMetadata{Name: name, Columns: make(map[string]ColumnMetadata), Indexes: make(map[string]IndexMetadata)}
		for _, c := range colsByTable[[2]string{ks, name}] {
			tm.Columns[c.Name] = c
			switch c.Kind {
			case "partition_key":
				tm.PartitionKey = append(tm.PartitionKey, c.Name)
			case "clustering":
				tm.ClusteringKey = append(tm.ClusteringKey, c.Name)
			}
		}
		return tm
	}

	for _, r := range rowsOf(tables) {
		ks, name := r.text("keyspace_name"), r.text("table_name")
		if km, ok := snap.Keyspaces[ks]; ok {
			km.Tables[name] = buildTable(ks, name)
			snap.Keyspaces[ks] = km
		}
	}

	for _, r := range rowsOf(views) {
		ks, name := r.text("keyspace_name"), r.text("view_name")
		if km, ok := snap.Keyspaces[ks]; ok {
			km.Views[name] = buildTable(ks, name)
			snap.Keyspaces[ks] = km
		}
	}

	for _, r := range rowsOf(indexes) {
		ks, tbl := r.text("keyspace_name"), r.text("table_name")
		if km, ok := snap.Keyspaces[ks]; ok {
			if tm, ok := km.Tables[tbl]; ok {
				name := r.text("index_name")
				tm.Indexes[name] = IndexMetadata{Name: name, Kind: r.text("kind"), Target: r.text("options")}
				km.Tables[tbl] = tm
				snap.Keyspaces[ks] = km
			}
		}
	}

	for _, r := range rowsOf(types) {
		ks, name := r.text("keyspace_name"), r.text("type_name")
		if km, ok := snap.Keyspaces[ks]; ok {
			km.UserTypes[name] = UserType{
				Name:       name,
				FieldNames: r.textList("field_names"),
				FieldTypes: r.textList("field_types"),
			}
			snap.Keyspaces[ks] = km
		}
	}

	for _, r := range rowsOf(functions) {
		ks, name := r.text("keyspace_name"), r.text("function_name")
		if km, ok := snap.Keyspaces[ks]; ok {
			km.Functions[name] = FunctionMetadata{
				Name:       name,
				ArgNames:   r.textList("argument_names"),
				ArgTypes:   r.textList("argument_types"),
				ReturnType: r.text("return_type"),
				Body:       r.text("body"),
			}
			snap.Keyspaces[ks] = km
		}
	}

	for _, r := range rowsOf(aggregates) {
		ks, name := r.text("keyspace_name"), r.text("aggregate_name")
		if km, ok := snap.Keyspaces[ks]; ok {
			km.Aggregates[name] = FunctionMetadata{
				Name:       name,
				ArgTypes:   r.textList("argument_types"),
				ReturnType: r.text("return_type"),
				StateFunc:  r.text("state_func"),
				FinalFunc:  r.text("final_func"),
				InitCond:   r.text("initcond"),
			}
			snap.Keyspaces[ks] = km
		}
	}

	return snap, nil
}

// AffectsReplication reports whether a SCHEMA_CHANGE targeting the given
// keyspace requires the token map to be rebuilt (§4.6: "rebuild the
// token map iff replication-affecting") — true for a change to the
// keyspace definition itself (its replication options), false for a
// table/type/function/aggregate/index change within it.
func (s *SchemaSnapshot) AffectsReplication(ev *response.SchemaChangeEvent) bool {
	return ev != nil && ev.Target == "KEYSPACE"
}
