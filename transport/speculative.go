package transport

import "time"

// SpeculativeExecutionPolicy decides whether, and how aggressively, to
// fire parallel attempts of an idempotent statement against later hosts
// in the query plan before the first attempt has responded (§4.7).
type SpeculativeExecutionPolicy interface {
	// Delay is how long to wait after an attempt starts before firing the
	// next speculative attempt.
	Delay() time.Duration
	// MaxExecutions bounds the number of extra attempts beyond the first.
	MaxExecutions() int
}

// ConstantSpeculativeExecutionPolicy fires up to MaxExtra additional
// attempts, one every Delay, as described in §4.7 and §6's config
// surface ("constant-delay, max-executions").
type ConstantSpeculativeExecutionPolicy struct {
	ConstantDelay time.Duration
	MaxExtra      int
}

func (p ConstantSpeculativeExecutionPolicy) Delay() time.Duration { return p.ConstantDelay }
func (p ConstantSpeculativeExecutionPolicy) MaxExecutions() int   { return p.MaxExtra }

// NoSpeculativeExecution disables speculative execution entirely
// (MaxExecutions returns 0); it is the session default. Non-idempotent
// statements never speculate, whatever the policy.
type NoSpeculativeExecution struct{}

func (NoSpeculativeExecution) Delay() time.Duration { return 0 }
func (NoSpeculativeExecution) MaxExecutions() int   { return 0 }
