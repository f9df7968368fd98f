package dispatch

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/terrapipe/broker/pkg/catalog"
	"github.com/terrapipe/broker/pkg/fleet"
	"github.com/terrapipe/broker/pkg/log"
	"github.com/terrapipe/broker/pkg/protocol"
	"github.com/terrapipe/broker/pkg/queue"
	"github.com/terrapipe/broker/pkg/utils"
)

type SchedulerConfig struct {
	// Number of work items claimed per selector call when staging.
	BatchSize int `mapstructure:"batch_size"`

	// Upper bound on control channel messages drained per cycle.
	MaxRequestsPerCycle int `mapstructure:"max_requests_per_cycle"`

	// Over-provision factor applied to the live pod count when sizing
	// staging batches. Must be > 1.0 to keep queues from starving
	// between cycles.
	Coefficient float64 `mapstructure:"coefficient"`

	// Bounded wait of the control channel long poll.
	LongPollWait time.Duration `mapstructure:"long_poll_wait"`
}

func (c *SchedulerConfig) SetDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxRequestsPerCycle <= 0 {
		c.MaxRequestsPerCycle = 100
	}
	if c.Coefficient <= 1.0 {
		c.Coefficient = 1.1
	}
	if c.LongPollWait <= 0 {
		c.LongPollWait = 20 * time.Second
	}
}

// Scheduler drains scheduling requests from the control channel and
// pre-stages work items onto per-service queues so that worker polls
// are answered from the queue rather than the catalog.
type Scheduler struct {
	registry queue.Registry
	selector *catalog.Selector
	fleet    fleet.PodCounter
	config   SchedulerConfig
}

func NewScheduler(registry queue.Registry, selector *catalog.Selector, counter fleet.PodCounter, config SchedulerConfig) *Scheduler {
	config.SetDefaults()
	return &Scheduler{
		registry: registry,
		selector: selector,
		fleet:    counter,
		config:   config,
	}
}

// Run drains the control channel until the context is canceled. Cycle
// errors are logged and the loop continues; a transient per-service
// failure must never take the scheduler down.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info("starting")
	control := s.registry.ControlQueue()

	for {
		select {
		case <-ctx.Done():
			log.Info("stopping")
			return
		default:
		}

		s.runCycle(ctx, control)
	}
}

func (s *Scheduler) runCycle(ctx context.Context, control queue.Queue) {
	messages := s.drainControl(ctx, control)
	if len(messages) == 0 {
		return
	}

	services := []string{}
	for _, msg := range messages {
		services = append(services, msg.Body)
	}

	// Duplicate requests for the same service are coalesced within a
	// cycle.
	for _, serviceID := range utils.Dedupe(services) {
		if err := s.ProcessService(ctx, serviceID); err != nil {
			log.Errorf("err - schedule - service: %s, %v", serviceID, err)
		}
	}

	for _, msg := range messages {
		if err := control.Delete(ctx, msg.Receipt); err != nil {
			log.Errorf("err - control - delete: %v", err)
		}
	}
}

// Collect a batch of scheduling requests: one bounded long poll followed
// by short polls up to the per-cycle maximum.
func (s *Scheduler) drainControl(ctx context.Context, control queue.Queue) []*queue.Message {
	first, err := control.ReceiveWait(ctx, s.config.LongPollWait)
	if err != nil {
		if ctx.Err() == nil {
			log.Errorf("err - control - receive: %v", err)
		}
		return nil
	}
	if first == nil {
		return nil
	}

	messages := []*queue.Message{first}
	for len(messages) < s.config.MaxRequestsPerCycle {
		msg, err := control.Receive(ctx)
		if err != nil {
			log.Errorf("err - control - receive: %v", err)
			break
		}
		if msg == nil {
			break
		}
		messages = append(messages, msg)
	}
	return messages
}

// ProcessService runs one scheduling pass for a service: estimate the
// outstanding demand from the live pod count and current queue depth,
// then claim and enqueue that much ready work in fixed-size batches.
func (s *Scheduler) ProcessService(ctx context.Context, serviceID string) error {
	q, err := s.registry.ServiceQueue(serviceID)
	if err != nil {
		return err
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		return err
	}

	pods, err := s.fleet.CountServicePods(ctx, serviceID)
	if err != nil {
		return err
	}

	size := int(math.Floor(s.config.Coefficient*float64(pods))) - depth
	if size <= 0 {
		log.Tracef("nop - schedule - service: %s, pods: %d, depth: %d", serviceID, pods, depth)
		return nil
	}

	log.Debugf("run - schedule - service: %s, pods: %d, depth: %d, staging: %d", serviceID, pods, depth, size)

	staged := 0
	for _, n := range utils.SplitBatches(size, s.config.BatchSize) {
		claimed := s.selector.ClaimBatch(ctx, serviceID, n, protocol.WorkItemQueued)

		for _, c := range claimed {
			response := &protocol.WorkResponse{
				WorkItem:       c.Item.View(c.Operation),
				MaxCmrGranules: c.MaxCmrGranules,
			}
			body, err := response.Marshal()
			if err != nil {
				log.Errorf("err - encode - item: %d, %v", c.Item.ID, err)
				continue
			}
			if err := q.Send(ctx, body, fmt.Sprint(c.Item.ID)); err != nil {
				return err
			}
			staged++
		}

		if len(claimed) < n {
			break
		}
	}

	if staged > 0 {
		log.Debugf("add - queue - service: %s, staged: %d", serviceID, staged)
	}
	return nil
}
