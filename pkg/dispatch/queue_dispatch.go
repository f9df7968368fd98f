package dispatch

import (
	"context"
	"time"

	"github.com/terrapipe/broker/pkg/catalog"
	"github.com/terrapipe/broker/pkg/log"
	"github.com/terrapipe/broker/pkg/protocol"
	"github.com/terrapipe/broker/pkg/queue"
)

// QueueDispatcher serves polls from pre-staged service queues. An empty
// queue publishes a scheduling request and runs one inline scheduling
// pass before the bounded long poll, so deployments without a standalone
// scheduler process still make progress.
type QueueDispatcher struct {
	registry     queue.Registry
	scheduler    *Scheduler
	store        *catalog.Store
	longPollWait time.Duration
}

func NewQueueDispatcher(registry queue.Registry, scheduler *Scheduler, store *catalog.Store, longPollWait time.Duration) *QueueDispatcher {
	if longPollWait <= 0 {
		longPollWait = 20 * time.Second
	}
	return &QueueDispatcher{
		registry:     registry,
		scheduler:    scheduler,
		store:        store,
		longPollWait: longPollWait,
	}
}

func (d *QueueDispatcher) NextWorkItem(ctx context.Context, serviceID, podName string) (*protocol.WorkResponse, error) {
	q, err := d.registry.ServiceQueue(serviceID)
	if err != nil {
		// A missing queue mapping is a deployment defect, not a
		// retryable empty poll.
		return nil, err
	}

	msg, err := q.Receive(ctx)
	if err != nil {
		log.Errorf("err - poll - service: %s, %v", serviceID, err)
		msg = nil
	}

	if msg == nil {
		d.requestScheduling(ctx, serviceID)

		msg, err = q.ReceiveWait(ctx, d.longPollWait)
		if err != nil {
			if ctx.Err() == nil {
				log.Errorf("err - poll - service: %s, %v", serviceID, err)
			}
			return nil, nil
		}
	}

	if msg == nil {
		return nil, nil
	}

	// At-least-once: the message is deleted on retrieval; requeueing
	// after a worker crash is handled by a separate retry path.
	if err := q.Delete(ctx, msg.Receipt); err != nil {
		log.Errorf("err - poll - delete: %v", err)
	}

	response, err := protocol.UnmarshalWorkResponse(msg.Body)
	if err != nil {
		log.Errorf("err - decode - service: %s, %v", serviceID, err)
		return nil, nil
	}

	// Re-check the authoritative status: the item may have been
	// canceled while staged. Canceled items are dropped silently.
	item, err := d.store.StartWorkItem(ctx, response.WorkItem.ID, podName)
	if err != nil {
		log.Errorf("err - start - item: %d, %v", response.WorkItem.ID, err)
		return nil, nil
	}
	if item.Status != protocol.WorkItemRunning {
		log.Debugf("int - item - id: %d, dropped, status: %s", item.ID, item.Status)
		return nil, nil
	}

	response.WorkItem.Status = protocol.WorkItemRunning
	return response, nil
}

// Publish a scheduling request and run an inline scheduling pass. The
// pass is idempotent with the standalone scheduler; at worst both find
// nothing left to stage.
func (d *QueueDispatcher) requestScheduling(ctx context.Context, serviceID string) {
	control := d.registry.ControlQueue()
	if err := control.Send(ctx, serviceID, serviceID); err != nil {
		log.Errorf("err - control - send: %v", err)
	}

	if err := d.scheduler.ProcessService(ctx, serviceID); err != nil {
		log.Errorf("err - schedule - service: %s, %v", serviceID, err)
	}
}
