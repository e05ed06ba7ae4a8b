package transport

import (
	"github.com/scylladb/scylla-go-driver/frame"
	"github.com/scylladb/scylla-go-driver/frame/response"
)

// RetryDecision is what a RetryPolicy returns for one failed attempt
// (§4.7 step 3): retry the same host, retry the next host in the query
// plan, swallow the error and return an empty result, or give up and
// surface it to the caller.
type RetryDecision int

const (
	RetryRethrow RetryDecision = iota
	RetrySameHost
	RetryNextHost
	RetryIgnore
)

// RetryInfo is everything a RetryPolicy needs to decide: the statement
// that failed, the error the server (or the connection) returned, and
// how many times this statement has already been attempted.
type RetryInfo struct {
	Statement  Statement
	Err        error
	Idempotent bool
	Attempts   int
}

// RetryPolicy decides what to do after a request fails (§4.7). Decide
// may downgrade the statement's consistency via newConsistency; callers
// apply it only when downgrade is true.
type RetryPolicy interface {
	Decide(info RetryInfo) (decision RetryDecision, newConsistency frame.Consistency, downgrade bool)
}

// DefaultRetryPolicy retries once on the same host a read timeout with
// data present and at least BlockFor replicas responding, or a write
// timeout whose write type is BATCH_LOG; it retries UNAVAILABLE once on
// the next host, and never retries anything else.
type DefaultRetryPolicy struct{}

func (DefaultRetryPolicy) Decide(info RetryInfo) (RetryDecision, frame.Consistency, bool) {
	if info.Attempts > 1 {
		return RetryRethrow, 0, false
	}

	switch e := info.Err.(type) {
	case *response.ReadTimeoutError:
		if e.DataPresent && e.Received >= e.BlockFor {
			return RetrySameHost, 0, false
		}
		return RetryRethrow, 0, false
	case *response.WriteTimeoutError:
		if e.WriteType == frame.WriteTypeBatchLog {
			return RetrySameHost, 0, false
		}
		return RetryRethrow, 0, false
	case *response.UnavailableError:
		return RetryNextHost, 0, false
	default:
		return RetryRethrow, 0, false
	}
}

// DowngradingConsistencyRetryPolicy additionally retries at a consistency
// the replicas actually acknowledged, rather than giving up (useful for
// analytics workloads that tolerate eventual consistency).
type DowngradingConsistencyRetryPolicy struct{}

func (DowngradingConsistencyRetryPolicy) Decide(info RetryInfo) (RetryDecision, frame.Consistency, bool) {
	if info.Attempts > 1 {
		return RetryRethrow, 0, false
	}

	switch e := info.Err.(type) {
	case *response.ReadTimeoutError:
		if e.Received > 0 {
			return RetrySameHost, downgradedConsistency(e.Received), true
		}
	case *response.WriteTimeoutError:
		if e.Received > 0 {
			return RetrySameHost, downgradedConsistency(e.Received), true
		}
	case *response.UnavailableError:
		if e.Alive > 0 {
			return RetryNextHost, downgradedConsistency(e.Alive), true
		}
	}
	return RetryRethrow, 0, false
}

func downgradedConsistency(acked int32) frame.Consistency {
	switch {
	case acked >= 3:
		return frame.QUORUM
	case acked == 2:
		return frame.TWO
	default:
		return frame.ONE
	}
}

// FallthroughRetryPolicy never retries; every error is surfaced to the
// caller. Used when the session wants full control over retries itself.
type FallthroughRetryPolicy struct{}

func (FallthroughRetryPolicy) Decide(RetryInfo) (RetryDecision, frame.Consistency, bool) {
	return RetryRethrow, 0, false
}

// LoggingRetryPolicy wraps another policy and logs every non-rethrow
// decision, the way a production driver would surface retries to an
// operator without forcing every caller to instrument its own retry loop.
type LoggingRetryPolicy struct {
	Inner  RetryPolicy
	Logger Logger
}

func (p LoggingRetryPolicy) Decide(info RetryInfo) (RetryDecision, frame.Consistency, bool) {
	d, c, downgrade := p.Inner.Decide(info)
	if d != RetryRethrow && p.Logger != nil {
		p.Logger.Printf("retrying after %v (attempt %d): decision=%d downgrade=%v", info.Err, info.Attempts, d, downgrade)
	}
	return d, c, downgrade
}
