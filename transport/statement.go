package transport

import "github.com/scylladb/scylla-go-driver/frame"

// Statement is a CQL request in flight: either an ad-hoc query (Metadata
// nil, ID empty) or a prepared statement (ID set, Metadata describing
// each bind marker so values can be positioned and a routing key hint
// extracted).
type Statement struct {
	Content string
	ID      []byte // prepared statement id; empty for ad-hoc queries

	Consistency       frame.Consistency
	SerialConsistency frame.Consistency
	PageSize          int32
	Idempotent        bool
	Compression       bool
	NoSkipMetadata    bool

	Values   []frame.Value
	Metadata *frame.ResultMetadata // bind-variable metadata, prepared only
	Result   *frame.ResultMetadata // result-row metadata, prepared only

	// PkIndexes are the positions within Values that make up the
	// partition key, in component order, used to build a routing token
	// without parsing CQL (§1 Non-goals: "SQL/CQL parsing beyond what is
	// needed to extract a routing key hint").
	PkIndexes []frame.Short
	PkCnt     int
}

// Clone returns a deep-enough copy for concurrent use by a retried or
// speculatively executed request: Values is copied so binding on one
// attempt never races with encoding on another.
func (s Statement) Clone() Statement {
	c := s
	if s.Values != nil {
		c.Values = make([]frame.Value, len(s.Values))
		copy(c.Values, s.Values)
	}
	if s.PkIndexes != nil {
		c.PkIndexes = make([]frame.Short, len(s.PkIndexes))
		copy(c.PkIndexes, s.PkIndexes)
	}
	return c
}

// QueryInfo is what a HostSelectionPolicy needs to build a query plan:
// an optional routing token (token-aware policies) and keyspace hint.
type QueryInfo struct {
	tokenAware bool
	token      Token
	keyspace   string
}

func NewQueryInfo() QueryInfo {
	return QueryInfo{}
}

func NewTokenAwareQueryInfo(token Token, keyspace string) QueryInfo {
	return QueryInfo{tokenAware: true, token: token, keyspace: keyspace}
}

func (qi QueryInfo) Token() (Token, bool) { return qi.token, qi.tokenAware }
func (qi QueryInfo) Keyspace() string     { return qi.keyspace }
