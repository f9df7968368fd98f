package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terrapipe/broker/pkg/utils"
)

// RedisQueue is a FIFO queue on a Redis list. Receives move the message
// onto a companion processing list so that an unacknowledged message is
// not lost with the consumer; Delete removes it from the processing
// list. The message body doubles as the receipt.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) processingKey() string {
	return q.key + ":processing"
}

func (q *RedisQueue) Receive(ctx context.Context) (*Message, error) {
	body, err := q.client.LMove(ctx, q.key, q.processingKey(), "LEFT", "RIGHT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", q.key, err)
	}
	return &Message{Body: body, Receipt: body}, nil
}

func (q *RedisQueue) ReceiveWait(ctx context.Context, wait time.Duration) (*Message, error) {
	body, err := q.client.BLMove(ctx, q.key, q.processingKey(), "LEFT", "RIGHT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", q.key, err)
	}
	return &Message{Body: body, Receipt: body}, nil
}

func (q *RedisQueue) Send(ctx context.Context, body, groupKey string) error {
	// Redis lists are FIFO per queue; the group key is not needed.
	if err := q.client.RPush(ctx, q.key, body).Err(); err != nil {
		return fmt.Errorf("failed to send to %s: %w", q.key, err)
	}
	return nil
}

func (q *RedisQueue) Delete(ctx context.Context, receipt string) error {
	if err := q.client.LRem(ctx, q.processingKey(), 1, receipt).Err(); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", q.key, err)
	}
	return nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read depth of %s: %w", q.key, err)
	}
	return int(n), nil
}

func (q *RedisQueue) Purge(ctx context.Context) error {
	if err := q.client.Del(ctx, q.key, q.processingKey()).Err(); err != nil {
		return fmt.Errorf("failed to purge %s: %w", q.key, err)
	}
	return nil
}

// RedisRegistry maps service identifiers to Redis-backed queues from an
// explicit configuration. Unmapped services are a deployment defect.
type RedisRegistry struct {
	client     *redis.Client
	serviceKey map[string]string
	control    *RedisQueue
}

func NewRedisRegistry(client *redis.Client, serviceKeys map[string]string, controlKey string) *RedisRegistry {
	return &RedisRegistry{
		client:     client,
		serviceKey: serviceKeys,
		control:    NewRedisQueue(client, controlKey),
	}
}

func (r *RedisRegistry) ServiceQueue(serviceID string) (Queue, error) {
	key, ok := r.serviceKey[serviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", utils.ErrNoQueueForService, serviceID)
	}
	return NewRedisQueue(r.client, key), nil
}

func (r *RedisRegistry) ControlQueue() Queue {
	return r.control
}
