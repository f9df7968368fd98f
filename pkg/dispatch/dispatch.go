// Package dispatch delivers work items to polling worker pods, either
// straight from the catalog or through pre-staged service queues, and
// runs the scheduler that keeps those queues filled.
package dispatch

import (
	"context"

	"github.com/terrapipe/broker/pkg/catalog"
	"github.com/terrapipe/broker/pkg/log"
	"github.com/terrapipe/broker/pkg/protocol"
	"github.com/terrapipe/broker/pkg/queue"
)

// Dispatcher hands the next work item for a service to a polling worker.
// A nil response with a nil error means no work is available; workers
// apply their own backoff. The variant is chosen once at startup, call
// sites are mode-agnostic.
type Dispatcher interface {
	NextWorkItem(ctx context.Context, serviceID, podName string) (*protocol.WorkResponse, error)
}

// DirectDispatcher claims work synchronously from the catalog within
// the polling request.
type DirectDispatcher struct {
	selector *catalog.Selector
}

func NewDirectDispatcher(selector *catalog.Selector) *DirectDispatcher {
	return &DirectDispatcher{selector: selector}
}

func (d *DirectDispatcher) NextWorkItem(ctx context.Context, serviceID, podName string) (*protocol.WorkResponse, error) {
	claimed := d.selector.Claim(ctx, serviceID, protocol.WorkItemRunning, podName)
	if claimed == nil {
		return nil, nil
	}

	return &protocol.WorkResponse{
		WorkItem:       claimed.Item.View(claimed.Operation),
		MaxCmrGranules: claimed.MaxCmrGranules,
	}, nil
}

// ControlNotifier publishes a scheduling request for a service on the
// control channel. Wired into the catalog's work item creation path so
// new work is staged without waiting for a worker poll.
type ControlNotifier struct {
	control queue.Queue
}

func NewControlNotifier(registry queue.Registry) *ControlNotifier {
	return &ControlNotifier{control: registry.ControlQueue()}
}

func (n *ControlNotifier) NotifyWorkAvailable(ctx context.Context, serviceID string) {
	if err := n.control.Send(ctx, serviceID, serviceID); err != nil {
		log.Errorf("err - control - send: %v", err)
	}
}
