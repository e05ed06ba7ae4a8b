package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scylladb/scylla-go-driver/frame"
	"github.com/scylladb/scylla-go-driver/frame/request"
	"github.com/scylladb/scylla-go-driver/frame/response"
)

// Executor runs one Statement to completion against a Cluster's query
// plan and a PoolManager's connections (§4.7): host selection, same-host
// and next-host retries, transparent UNPREPARED recovery, and optional
// speculative execution.
type Executor struct {
	Cluster     *Cluster
	Pools       *PoolManager
	Retry       RetryPolicy
	Speculative SpeculativeExecutionPolicy
	Logger      Logger
}

// Execute runs stmt to completion, returning the first successful RESULT
// or the last error encountered once the query plan is exhausted.
// pagingState is forwarded as-is; Statement itself carries no paging
// cursor since one prepared Statement is reused across a result set's
// pages.
func (e *Executor) Execute(ctx context.Context, stmt Statement, qi QueryInfo, pagingState frame.Bytes) (*response.Result, error) {
	plan := e.Cluster.cfg.Policy.Plan(qi, e.Cluster.Hosts(), e.Cluster.TokenMap())
	if len(plan) == 0 {
		return nil, NewLibraryError(ErrUnableToInit, "no hosts in query plan")
	}

	spec := e.Speculative
	if spec == nil {
		spec = NoSpeculativeExecution{}
	}
	if !stmt.Idempotent || spec.MaxExecutions() <= 0 {
		return e.runPlan(ctx, plan, stmt, pagingState)
	}
	return e.runSpeculative(ctx, plan, stmt, spec, pagingState)
}

// latencyRecorder is implemented by HostSelectionPolicy values that want
// to observe per-attempt latency, e.g. LatencyAwarePolicy.
type latencyRecorder interface {
	Record(addr Address, d time.Duration)
}

// recordLatency reports one attempt's wall-clock time to the configured
// policy, if it (or the outermost layer of it) tracks latency. A
// LatencyAwarePolicy with no observations never penalizes any host
// (Plan short-circuits to the inner policy's plan), so this is the only
// caller that ever populates its stats.
func (e *Executor) recordLatency(addr Address, start time.Time) {
	if lr, ok := e.Cluster.cfg.Policy.(latencyRecorder); ok {
		lr.Record(addr, time.Since(start))
	}
}

// runPlan walks plan in order, retrying on the current host per
// RetryPolicy before moving to the next one (§4.7 step 3).
func (e *Executor) runPlan(ctx context.Context, plan []*Node, stmt Statement, pagingState frame.Bytes) (*response.Result, error) {
	retry := e.Retry
	if retry == nil {
		retry = DefaultRetryPolicy{}
	}

	var lastErr error
	for _, host := range plan {
		if !host.IsUp() {
			continue
		}
		conn, err := e.Pools.FindLeastBusy(host.Addr())
		if err != nil {
			lastErr = err
			continue
		}

		attempts := 0
	sameHost:
		for {
			attempts++
			start := time.Now()
			res, err := e.attemptOnce(ctx, conn, &stmt, pagingState)
			e.recordLatency(host.Addr(), start)
			if err == nil {
				return res, nil
			}

			if _, ok := err.(*response.UnpreparedError); ok {
				if perr := e.reprepare(ctx, conn, &stmt); perr != nil {
					lastErr = perr
					break sameHost
				}
				continue sameHost
			}

			coded, ok := err.(response.CodedError)
			if !ok {
				// Network or library-level failure: move to the next host.
				lastErr = err
				break sameHost
			}

			decision, newConsistency, downgrade := retry.Decide(RetryInfo{
				Statement:  stmt,
				Err:        coded,
				Idempotent: stmt.Idempotent,
				Attempts:   attempts,
			})
			if downgrade {
				stmt.Consistency = newConsistency
			}
			switch decision {
			case RetrySameHost:
				continue sameHost
			case RetryNextHost:
				lastErr = coded
				break sameHost
			case RetryIgnore:
				return &response.Result{Kind: response.ResultVoid}, nil
			default: // RetryRethrow
				return nil, coded
			}
		}
	}

	if lastErr == nil {
		lastErr = NewLibraryError(ErrUnableToInit, "no available host in query plan")
	}
	return nil, lastErr
}

// runSpeculative fires one runPlan over the full remaining plan
// immediately, then an additional one every spec.Delay() against a plan
// truncated to start one host later, up to spec.MaxExecutions() extra
// attempts (§4.7). The first success wins; the rest are abandoned once
// their context is cancelled, though a response already in flight on the
// wire still completes and is simply discarded.
func (e *Executor) runSpeculative(ctx context.Context, plan []*Node, stmt Statement, spec SpeculativeExecutionPolicy, pagingState frame.Bytes) (*response.Result, error) {
	n := spec.MaxExecutions() + 1
	if n > len(plan) {
		n = len(plan)
	}

	type outcome struct {
		res *response.Result
		err error
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if i > 0 {
			timer := time.NewTimer(spec.Delay())
			select {
			case <-timer.C:
			case <-attemptCtx.Done():
				timer.Stop()
			}
			if attemptCtx.Err() != nil {
				timer.Stop()
				break
			}
		}

		sub := plan[i:]
		wg.Add(1)
		go func(sub []*Node) {
			defer wg.Done()
			res, err := e.runPlan(attemptCtx, sub, stmt.Clone(), pagingState)
			select {
			case results <- outcome{res, err}:
			case <-attemptCtx.Done():
			}
		}(sub)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var lastErr error
	for o := range results {
		if o.err == nil {
			cancel()
			return o.res, nil
		}
		lastErr = o.err
	}
	if lastErr == nil {
		lastErr = NewLibraryError(ErrUnableToInit, "no available host in query plan")
	}
	return nil, lastErr
}

// attemptOnce sends stmt once over conn and classifies the response: a
// successful RESULT is returned as-is (after applying any SET_KEYSPACE
// side effect), a parsed ERROR is returned as its response.CodedError so
// the caller can dispatch on its concrete type, anything else is a
// protocol violation.
func (e *Executor) attemptOnce(ctx context.Context, conn *Conn, stmt *Statement, pagingState frame.Bytes) (*response.Result, error) {
	req := buildRequest(stmt, pagingState)
	resp, err := conn.sendRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	if res, ok := resp.(*response.Result); ok {
		if res.Kind == response.ResultSetKeyspace && e.Pools != nil {
			if err := e.Pools.SetKeyspace(ctx, res.SetKeyspace); err != nil && e.Logger != nil {
				e.Logger.Printf("propagating USE %s to other connections: %v", res.SetKeyspace, err)
			}
		}
		return res, nil
	}

	if coded, ok := resp.(response.CodedError); ok {
		return nil, coded
	}
	return nil, fmt.Errorf("unexpected response %T to %T", resp, req)
}

// reprepare re-PREPAREs stmt.Content on conn after an UNPREPARED error
// and caches the fresh id on the Cluster so other hosts replay it too
// (§4.6's PrepareHostHandler, §4.7's UNPREPARED recovery).
func (e *Executor) reprepare(ctx context.Context, conn *Conn, stmt *Statement) error {
	p := request.Prepare{Content: stmt.Content}
	resp, err := conn.sendRequest(ctx, &p)
	if err != nil {
		return err
	}
	res, ok := resp.(*response.Result)
	if !ok || res.Kind != response.ResultPrepared {
		return responseAsError(resp)
	}

	stmt.ID = res.Prepared.ID
	stmt.Metadata = res.Prepared.Metadata
	stmt.Result = res.Prepared.ResultMetadata
	if e.Cluster != nil {
		e.Cluster.CachePrepared(res.Prepared.ID, *stmt)
	}
	return nil
}

// Prepare sends a PREPARE for content against the first available host
// in the default query plan and caches the returned id on the Cluster so
// it replays onto hosts that come up later (§4.6's PrepareHostHandler).
func (e *Executor) Prepare(ctx context.Context, content string) (Statement, error) {
	plan := e.Cluster.cfg.Policy.Plan(NewQueryInfo(), e.Cluster.Hosts(), e.Cluster.TokenMap())

	var lastErr error
	for _, host := range plan {
		if !host.IsUp() {
			continue
		}
		conn, err := e.Pools.FindLeastBusy(host.Addr())
		if err != nil {
			lastErr = err
			continue
		}

		p := request.Prepare{Content: content}
		resp, err := conn.sendRequest(ctx, &p)
		if err != nil {
			lastErr = err
			continue
		}
		res, ok := resp.(*response.Result)
		if !ok || res.Kind != response.ResultPrepared {
			lastErr = responseAsError(resp)
			continue
		}

		stmt := Statement{
			Content:  content,
			ID:       res.Prepared.ID,
			Metadata: res.Prepared.Metadata,
			Result:   res.Prepared.ResultMetadata,
		}
		stmt.Values = make([]frame.Value, len(res.Prepared.Metadata.Columns))
		for i := range stmt.Values {
			stmt.Values[i].Type = &res.Prepared.Metadata.Columns[i].Type
		}
		if len(res.Prepared.Metadata.PkIndexes) > 0 {
			stmt.PkIndexes = res.Prepared.Metadata.PkIndexes
			stmt.PkCnt = len(res.Prepared.Metadata.PkIndexes)
		}
		if e.Cluster != nil {
			e.Cluster.CachePrepared(res.Prepared.ID, stmt)
		}
		return stmt, nil
	}

	if lastErr == nil {
		lastErr = NewLibraryError(ErrUnableToInit, "no available host in query plan")
	}
	return Statement{}, lastErr
}

// Batch is a BATCH request's sub-statements plus its own consistency and
// idempotency, executed as a single atomic-or-unlogged unit (§4.7, §6's
// wire table).
type Batch struct {
	Type              request.BatchType
	Statements        []Statement
	Consistency       frame.Consistency
	SerialConsistency frame.Consistency
	Idempotent        bool
}

// ExecuteBatch runs batch to completion the same way Execute runs a
// single Statement: query-plan walk, same-host/next-host retry, and
// transparent per-statement UNPREPARED recovery. Batches never carry a
// paging state (§6: RESULT for BATCH is always VOID or a write error).
func (e *Executor) ExecuteBatch(ctx context.Context, batch Batch) (*response.Result, error) {
	qi := NewQueryInfo()
	plan := e.Cluster.cfg.Policy.Plan(qi, e.Cluster.Hosts(), e.Cluster.TokenMap())
	if len(plan) == 0 {
		return nil, NewLibraryError(ErrUnableToInit, "no hosts in query plan")
	}

	retry := e.Retry
	if retry == nil {
		retry = DefaultRetryPolicy{}
	}

	var lastErr error
	for _, host := range plan {
		if !host.IsUp() {
			continue
		}
		conn, err := e.Pools.FindLeastBusy(host.Addr())
		if err != nil {
			lastErr = err
			continue
		}

		attempts := 0
	sameHost:
		for {
			attempts++
			start := time.Now()
			res, err := e.attemptBatchOnce(ctx, conn, &batch)
			e.recordLatency(host.Addr(), start)
			if err == nil {
				return res, nil
			}

			if unprepared, ok := err.(*response.UnpreparedError); ok {
				if perr := e.reprepareBatchEntry(ctx, conn, &batch, unprepared.UnknownID); perr != nil {
					lastErr = perr
					break sameHost
				}
				continue sameHost
			}

			coded, ok := err.(response.CodedError)
			if !ok {
				lastErr = err
				break sameHost
			}

			fake := Statement{Idempotent: batch.Idempotent}
			decision, newConsistency, downgrade := retry.Decide(RetryInfo{
				Statement:  fake,
				Err:        coded,
				Idempotent: batch.Idempotent,
				Attempts:   attempts,
			})
			if downgrade {
				batch.Consistency = newConsistency
			}
			switch decision {
			case RetrySameHost:
				continue sameHost
			case RetryNextHost:
				lastErr = coded
				break sameHost
			case RetryIgnore:
				return &response.Result{Kind: response.ResultVoid}, nil
			default: // RetryRethrow
				return nil, coded
			}
		}
	}

	if lastErr == nil {
		lastErr = NewLibraryError(ErrUnableToInit, "no available host in query plan")
	}
	return nil, lastErr
}

func (e *Executor) attemptBatchOnce(ctx context.Context, conn *Conn, batch *Batch) (*response.Result, error) {
	resp, err := conn.sendRequest(ctx, buildBatchRequest(batch))
	if err != nil {
		return nil, err
	}
	if res, ok := resp.(*response.Result); ok {
		if res.Kind == response.ResultSetKeyspace && e.Pools != nil {
			if err := e.Pools.SetKeyspace(ctx, res.SetKeyspace); err != nil && e.Logger != nil {
				e.Logger.Printf("propagating USE %s to other connections: %v", res.SetKeyspace, err)
			}
		}
		return res, nil
	}
	if coded, ok := resp.(response.CodedError); ok {
		return nil, coded
	}
	return nil, fmt.Errorf("unexpected response %T to BATCH", resp)
}

// reprepareBatchEntry re-PREPAREs the one sub-statement whose id the
// server reported unknown, identified by matching unknownID against
// each Statement's cached ID (§4.7's UNPREPARED recovery applied
// per-entry rather than to the whole batch).
func (e *Executor) reprepareBatchEntry(ctx context.Context, conn *Conn, batch *Batch, unknownID []byte) error {
	for i := range batch.Statements {
		stmt := &batch.Statements[i]
		if string(stmt.ID) != string(unknownID) {
			continue
		}
		return e.reprepare(ctx, conn, stmt)
	}
	return NewLibraryError(ErrUnableToInit, "UNPREPARED id does not match any batch entry")
}

func buildBatchRequest(batch *Batch) *request.Batch {
	entries := make([]request.BatchEntry, len(batch.Statements))
	for i, stmt := range batch.Statements {
		entries[i] = request.BatchEntry{
			PreparedID: stmt.ID,
			Query:      stmt.Content,
			Values:     stmt.Values,
		}
	}
	return &request.Batch{
		Type:              batch.Type,
		Entries:           entries,
		Consistency:       batch.Consistency,
		SerialConsistency: batch.SerialConsistency,
	}
}

// buildRequest encodes stmt as a QUERY (ad-hoc) or EXECUTE (prepared)
// request. Ad-hoc queries always ask for result metadata since the
// caller has no cached column descriptions to skip it with; prepared
// statements skip it by default, since PREPARE already returned it,
// unless the statement opts out via NoSkipMetadata.
func buildRequest(stmt *Statement, pagingState frame.Bytes) frame.Request {
	if len(stmt.ID) == 0 {
		q := request.NewQuery(stmt.Content, stmt.Consistency)
		q.SetValues(stmt.Values)
		q.SetPaging(stmt.PageSize, pagingState)
		q.SetSerialConsistency(stmt.SerialConsistency)
		return &q
	}

	ex := request.NewExecute(stmt.ID, stmt.Consistency)
	ex.SetValues(stmt.Values)
	ex.SetPaging(stmt.PageSize, pagingState)
	ex.SetSerialConsistency(stmt.SerialConsistency)
	ex.SetSkipMetadata(!stmt.NoSkipMetadata)
	return &ex
}
