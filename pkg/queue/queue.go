// Package queue provides the message queue contract used for service
// work queues and the scheduler control channel.
package queue

import (
	"context"
	"time"
)

// A message received from a queue. The receipt is required to delete
// the message; until deleted, delivery is at-least-once.
type Message struct {
	Body    string
	Receipt string
}

// Queue is the minimal contract the broker needs from a message queue.
type Queue interface {
	// Receive returns the next message without waiting, or nil when the
	// queue is empty.
	Receive(ctx context.Context) (*Message, error)

	// ReceiveWait blocks up to wait for a message, returning nil on
	// timeout.
	ReceiveWait(ctx context.Context, wait time.Duration) (*Message, error)

	// Send appends a message. The group key preserves ordering on
	// queues that require one; FIFO queues may ignore it.
	Send(ctx context.Context, body, groupKey string) error

	// Delete acknowledges a received message by its receipt.
	Delete(ctx context.Context, receipt string) error

	// Depth returns the approximate number of undelivered messages.
	Depth(ctx context.Context) (int, error)

	// Purge drops all messages.
	Purge(ctx context.Context) error
}

// Registry maps service identifiers to their work queues and exposes
// the scheduler control channel.
type Registry interface {
	// ServiceQueue returns the queue for a service. An unmapped service
	// is a deployment defect and yields ErrNoQueueForService.
	ServiceQueue(serviceID string) (Queue, error)

	// ControlQueue returns the control channel carrying scheduling
	// requests.
	ControlQueue() Queue
}
