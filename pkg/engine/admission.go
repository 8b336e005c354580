package engine

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/parley-chat/parley/pkg/observability"
)

// Admission bounds the number of concurrent streaming calls to the serving
// endpoint. Only turns that will attempt the streaming path acquire a slot;
// non-streaming turns bypass admission entirely.
//
// Waiters are served in FIFO order (semaphore.Weighted guarantees it), and
// acquisition is cancellable: a waiter whose context ends is removed from
// the queue without ever holding a slot.
type Admission struct {
	sem *semaphore.Weighted
}

// NewAdmission creates an admission gate with max concurrent slots.
func NewAdmission(max int) *Admission {
	return &Admission{sem: semaphore.NewWeighted(int64(max))}
}

// Acquire blocks until a slot is free or ctx is cancelled. On success the
// caller must Release exactly once; a leaked slot permanently shrinks the
// concurrency ceiling for every future turn.
func (a *Admission) Acquire(ctx context.Context) error {
	observability.AdmissionWaiting.Inc()
	defer observability.AdmissionWaiting.Dec()

	if err := a.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	observability.StreamingConnections.Inc()
	return nil
}

// Release returns a slot acquired with Acquire.
func (a *Admission) Release() {
	a.sem.Release(1)
	observability.StreamingConnections.Dec()
}
