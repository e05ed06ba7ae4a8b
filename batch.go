package scylla

import (
	"context"
	"fmt"

	"github.com/scylladb/scylla-go-driver/frame"
	"github.com/scylladb/scylla-go-driver/frame/request"
	"github.com/scylladb/scylla-go-driver/transport"
)

// Batch groups several statements into one atomic-or-unlogged write,
// each carrying its own bound values (§4.7, §6).
type Batch struct {
	session *Session
	batch   transport.Batch
	err     []error
}

// NewBatch starts an empty batch of the given type at the session's
// default consistency.
func (s *Session) NewBatch(typ request.BatchType) *Batch {
	return &Batch{
		session: s,
		batch: transport.Batch{
			Type:        typ,
			Consistency: s.cfg.DefaultConsistency,
		},
	}
}

// SetConsistency overrides the batch's consistency.
func (b *Batch) SetConsistency(c frame.Consistency) *Batch {
	b.batch.Consistency = c
	return b
}

// SetSerialConsistency overrides the batch's serial consistency.
func (b *Batch) SetSerialConsistency(c frame.Consistency) *Batch {
	b.batch.SerialConsistency = c
	return b
}

// SetIdempotent marks every statement in the batch as safe to retry or
// speculatively re-execute.
func (b *Batch) SetIdempotent(v bool) *Batch {
	b.batch.Idempotent = v
	return b
}

// Query appends an ad-hoc CQL string with its bound values to the batch.
func (b *Batch) Query(content string, values ...frame.Value) *Batch {
	b.batch.Statements = append(b.batch.Statements, transport.Statement{
		Content: content,
		Values:  values,
	})
	return b
}

// Prepared appends a previously prepared Query's statement, sharing its
// already-bound Values, to the batch.
func (b *Batch) Prepared(q *Query) *Batch {
	if len(q.err) != 0 {
		b.err = append(b.err, q.err...)
		return b
	}
	if len(q.stmt.ID) == 0 {
		b.err = append(b.err, fmt.Errorf("batch: query is not prepared"))
		return b
	}
	b.batch.Statements = append(b.batch.Statements, q.stmt)
	return b
}

// Exec runs the batch to completion.
func (b *Batch) Exec(ctx context.Context) (Result, error) {
	if len(b.err) != 0 {
		return Result{}, fmt.Errorf("batch can't be executed: %v", b.err)
	}
	res, err := b.session.exec.ExecuteBatch(ctx, b.batch)
	if err != nil {
		return Result{}, err
	}
	return *res, nil
}
