// Package deferred holds control requests whose completion arrives later,
// keyed by the operation that will complete them.
package deferred

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/limiquantix/modmgmt/internal/async"
)

// Waiter is one queued request.
type Waiter struct {
	ID     uuid.UUID
	Op     string
	result *async.Result[struct{}]
}

// Wait blocks until the waiter is completed or ctx is done.
func (w *Waiter) Wait(ctx context.Context) error {
	_, err := w.result.Wait(ctx)
	return err
}

// Done returns a channel closed on completion.
func (w *Waiter) Done() <-chan struct{} {
	return w.result.Done()
}

// Queue is a FIFO of waiters per operation.
type Queue struct {
	mu      sync.Mutex
	waiters map[string][]*Waiter
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{waiters: make(map[string][]*Waiter)}
}

// Enqueue adds a waiter for op.
func (q *Queue) Enqueue(op string) *Waiter {
	w := &Waiter{ID: uuid.New(), Op: op, result: async.New[struct{}]()}
	q.mu.Lock()
	q.waiters[op] = append(q.waiters[op], w)
	q.mu.Unlock()
	return w
}

// Complete removes the oldest waiter for op and resolves it with err. It
// reports whether a waiter was found.
func (q *Queue) Complete(op string, err error) bool {
	q.mu.Lock()
	list := q.waiters[op]
	if len(list) == 0 {
		q.mu.Unlock()
		return false
	}
	w := list[0]
	q.waiters[op] = list[1:]
	q.mu.Unlock()

	w.result.Complete(struct{}{}, err)
	return true
}

// Cancel removes a waiter without completing it, for callers that gave up.
func (q *Queue) Cancel(w *Waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.waiters[w.Op] = slices.DeleteFunc(q.waiters[w.Op], func(o *Waiter) bool { return o.ID == w.ID })
}

// Len returns the number of waiters for op.
func (q *Queue) Len(op string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters[op])
}
