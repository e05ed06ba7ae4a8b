package transport

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/scylladb/scylla-go-driver/frame"
	"github.com/scylladb/scylla-go-driver/frame/request"
	"github.com/scylladb/scylla-go-driver/frame/response"
)

// bootstrapQueries is rolled against a fresh control connection to seed
// the host map, partitioner, and schema snapshot (§4.6).
var bootstrapQueries = []string{
	"SELECT * FROM system.local",
	"SELECT * FROM system.peers",
	"SELECT * FROM system_schema.keyspaces",
	"SELECT * FROM system_schema.tables",
	"SELECT * FROM system_schema.views",
	"SELECT * FROM system_schema.columns",
	"SELECT * FROM system_schema.types",
	"SELECT * FROM system_schema.functions",
	"SELECT * FROM system_schema.aggregates",
	"SELECT * FROM system_schema.indexes",
}

const (
	idxLocal = iota
	idxPeers
	idxKeyspaces
	idxTables
	idxViews
	idxColumns
	idxTypes
	idxFunctions
	idxAggregates
	idxIndexes
)

// controlResult is one control connection's full bootstrap sweep,
// parsed just enough to build the host map / token ring / schema
// snapshot the Cluster maintains.
type controlResult struct {
	local   *response.Result
	peers   *response.Result
	schemas [8]*response.Result // keyspaces..indexes, see idx* constants above
}

// runBootstrap executes every bootstrapQueries entry in order against
// conn and collects the RESULT bodies for parsing.
func runBootstrap(ctx context.Context, conn *Conn) (*controlResult, error) {
	results := make([]*response.Result, len(bootstrapQueries))
	for i, cql := range bootstrapQueries {
		q := request.NewQuery(cql, frame.ONE)
		resp, err := conn.sendRequest(ctx, &q)
		if err != nil {
			return nil, fmt.Errorf("bootstrap query %q: %w", cql, err)
		}
		res, ok := resp.(*response.Result)
		if !ok || res.Kind != response.ResultRows {
			return nil, fmt.Errorf("bootstrap query %q: %w", cql, responseAsError(resp))
		}
		results[i] = res
	}

	cr := &controlResult{local: results[idxLocal], peers: results[idxPeers]}
	copy(cr.schemas[:], results[idxKeyspaces:])
	return cr, nil
}

// nodeFromLocalRow builds this host's own Node from a system.local row;
// system.local has no "peer"/"rpc_address" column identifying itself,
// so the caller supplies the address it dialed.
func nodeFromLocalRow(addr Address, res *response.Result) (*Node, Partitioner, error) {
	if len(res.Rows) == 0 {
		return nil, "", fmt.Errorf("system.local returned no rows")
	}
	r := schemaRow{meta: res.Metadata, row: res.Rows[0]}
	n := NewNode(addr)
	n.hostID = parseUUID(r.text("host_id"))
	n.datacenter = r.text("data_center")
	n.rack = r.text("rack")
	n.releaseVer = r.text("release_version")
	n.tokens = parseTokens(r.textList("tokens"))
	n.SetStatus(true)
	return n, Partitioner(r.text("partitioner")), nil
}

// nodesFromPeersRows builds one Node per system.peers row. defaultPort
// is used since system.peers carries no port column.
func nodesFromPeersRows(res *response.Result, defaultPort int) []*Node {
	out := make([]*Node, 0, len(res.Rows))
	for _, row := range res.Rows {
		r := schemaRow{meta: res.Metadata, row: row}
		host := r.text("rpc_address")
		if host == "" {
			host = r.text("peer")
		}
		addr := Address{Host: host, Port: defaultPort}
		n := NewNode(addr)
		n.hostID = parseUUID(r.text("host_id"))
		n.datacenter = r.text("data_center")
		n.rack = r.text("rack")
		n.tokens = parseTokens(r.textList("tokens"))
		n.SetStatus(true)
		out = append(out, n)
	}
	return out
}

// refreshHostRow re-queries system.peers for addr's current row and
// builds a fully populated Node from it (§4.6: a TOPOLOGY_CHANGE
// NEW_NODE or STATUS_CHANGE UP must "refresh the host row" before
// on_add/on_up fire, rather than constructing a Node from only the
// event's address).
func refreshHostRow(ctx context.Context, conn *Conn, addr Address) (*Node, error) {
	q := request.NewQuery("SELECT * FROM system.peers", frame.ONE)
	resp, err := conn.sendRequest(ctx, &q)
	if err != nil {
		return nil, fmt.Errorf("refreshing system.peers for %s: %w", addr, err)
	}
	res, ok := resp.(*response.Result)
	if !ok || res.Kind != response.ResultRows {
		return nil, fmt.Errorf("refreshing system.peers for %s: %w", addr, responseAsError(resp))
	}
	for _, n := range nodesFromPeersRows(res, addr.Port) {
		if n.Addr().Host == addr.Host {
			return n, nil
		}
	}
	return nil, fmt.Errorf("no system.peers row for %s", addr)
}

func parseTokens(raw []string) []Token {
	tokens := make([]Token, 0, len(raw))
	for _, s := range raw {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		tokens = append(tokens, Token(v))
	}
	return tokens
}

// parseUUID decodes a textual host_id column via google/uuid, then reinterprets
// its bytes as the wire frame.UUID array.
func parseUUID(s string) frame.UUID {
	var out frame.UUID
	id, err := uuid.Parse(s)
	if err != nil {
		return out
	}
	copy(out[:], id[:])
	return out
}
