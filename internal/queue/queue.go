// Package queue delivers task ids to workers with at-least-once semantics.
// A dequeued id is leased to one worker and not redelivered until the lease
// expires or the delivery is acked or requeued.
package queue

import (
	"context"
	"time"
)

// Delivery is one leased dequeue. Attempt counts prior deliveries of the
// same task id, including lease expirations, so retry caps hold across
// worker crashes.
type Delivery struct {
	TaskID     string
	Attempt    int
	LeaseOwner string
}

type Broker interface {
	Enqueue(ctx context.Context, taskID string) error
	// Dequeue claims the oldest available task id, or returns nil when the
	// queue is empty.
	Dequeue(ctx context.Context) (*Delivery, error)
	// Ack removes the delivery. It is a no-op if the lease was lost.
	Ack(ctx context.Context, d *Delivery) error
	// Requeue releases the lease and makes the task id deliverable again
	// after delay, with the attempt count incremented.
	Requeue(ctx context.Context, d *Delivery, delay time.Duration) error
	// RequeueExpiredLeases reclaims deliveries whose workers went silent,
	// returning the number of reclaimed leases.
	RequeueExpiredLeases(ctx context.Context) (int64, error)
	Close() error
}
