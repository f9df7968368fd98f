package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue used by tests and single-process
// development deployments.
type MemoryQueue struct {
	mu         sync.Mutex
	messages   []string
	processing []string
	notify     chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		notify: make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) pop() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return nil
	}

	body := q.messages[0]
	q.messages = q.messages[1:]
	q.processing = append(q.processing, body)
	return &Message{Body: body, Receipt: body}
}

func (q *MemoryQueue) Receive(ctx context.Context) (*Message, error) {
	return q.pop(), nil
}

func (q *MemoryQueue) ReceiveWait(ctx context.Context, wait time.Duration) (*Message, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		if msg := q.pop(); msg != nil {
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) Send(ctx context.Context, body, groupKey string) error {
	q.mu.Lock()
	q.messages = append(q.messages, body)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Delete(ctx context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, body := range q.processing {
		if body == receipt {
			q.processing = append(q.processing[:i], q.processing[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages), nil
}

func (q *MemoryQueue) Purge(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = nil
	q.processing = nil
	return nil
}

// MemoryRegistry creates in-process queues on demand.
type MemoryRegistry struct {
	mu      sync.Mutex
	queues  map[string]*MemoryQueue
	control *MemoryQueue
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		queues:  map[string]*MemoryQueue{},
		control: NewMemoryQueue(),
	}
}

func (r *MemoryRegistry) ServiceQueue(serviceID string) (Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.queues[serviceID]
	if !ok {
		q = NewMemoryQueue()
		r.queues[serviceID] = q
	}
	return q, nil
}

func (r *MemoryRegistry) ControlQueue() Queue {
	return r.control
}
