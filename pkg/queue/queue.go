package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned when sending to a closed queue
var ErrClosed = errors.New("queue: closed")

// Queue defines the job queue port. Messages are opaque bytes (the job
// processor serializes jobs as JSON). The queue is optional: when none
// is configured the job processor executes jobs synchronously instead.
//
// Delivery is at-least-once; consumers must tolerate duplicates.
type Queue interface {
	Send(ctx context.Context, msg []byte) error
	SendBatch(ctx context.Context, msgs [][]byte) error
}
