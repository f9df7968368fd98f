package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/terrapipe/broker/pkg/catalog"
	"github.com/terrapipe/broker/pkg/protocol"
	"github.com/terrapipe/broker/pkg/queue"
)

// Pod counter that records which services it was asked about.
type countingFleet struct {
	mu    sync.Mutex
	pods  int
	calls []string
}

func (f *countingFleet) CountServicePods(ctx context.Context, serviceID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, serviceID)
	return f.pods, nil
}

type failingRegistry struct{}

func (r *failingRegistry) ServiceQueue(serviceID string) (queue.Queue, error) {
	return nil, errors.New("no queue configured")
}

func (r *failingRegistry) ControlQueue() queue.Queue {
	return queue.NewMemoryQueue()
}

type SchedulerTest struct {
	suite.Suite
	store    *catalog.Store
	registry *queue.MemoryRegistry
	fleet    *countingFleet
	sched    *Scheduler
	ctx      context.Context
}

func (suite *SchedulerTest) SetupTest() {
	store, err := catalog.Open(filepath.Join(suite.T().TempDir(), "catalog.db"), catalog.NopNotifier{})
	suite.Require().NoError(err)
	suite.store = store
	suite.registry = queue.NewMemoryRegistry()
	suite.fleet = &countingFleet{pods: 10}
	suite.sched = NewScheduler(
		suite.registry,
		catalog.NewSelector(store, nil),
		suite.fleet,
		SchedulerConfig{LongPollWait: 50 * time.Millisecond},
	)
	suite.ctx = context.Background()
}

func (suite *SchedulerTest) TearDownTest() {
	suite.store.Close()
}

func (suite *SchedulerTest) seedItems(username, service string, count int) []*catalog.WorkItem {
	job := &catalog.Job{Username: username, NumInputGranules: count}
	suite.Require().NoError(suite.store.CreateJob(suite.ctx, job))
	step := &catalog.WorkflowStep{
		JobID:         job.ID,
		StepIndex:     0,
		ServiceID:     service,
		WorkItemCount: count,
		Operation:     `{"format":"image/tiff"}`,
	}
	suite.Require().NoError(suite.store.CreateWorkflowStep(suite.ctx, step))
	items := make([]*catalog.WorkItem, count)
	for i := range items {
		items[i] = &catalog.WorkItem{JobID: job.ID, StepIndex: 0, ServiceID: service}
	}
	suite.Require().NoError(suite.store.CreateWorkItems(suite.ctx, items...))
	return items
}

func (suite *SchedulerTest) TestProcessServiceSizesFromPodsAndDepth() {
	service := "ghcr.io/example/subset:stable"
	suite.seedItems("alice", service, 12)

	q, err := suite.registry.ServiceQueue(service)
	suite.Require().NoError(err)
	for i := 0; i < 3; i++ {
		suite.Require().NoError(q.Send(suite.ctx, "stale", "stale"))
	}

	// floor(1.1 * 10) - 3 = 8 items staged on top of the existing 3.
	suite.Require().NoError(suite.sched.ProcessService(suite.ctx, service))

	depth, err := q.Depth(suite.ctx)
	suite.Require().NoError(err)
	assert.Equal(suite.T(), 11, depth)
}

func (suite *SchedulerTest) TestProcessServiceStagesQueued() {
	service := "ghcr.io/example/subset:stable"
	items := suite.seedItems("alice", service, 2)

	suite.Require().NoError(suite.sched.ProcessService(suite.ctx, service))

	for _, it := range items {
		got, err := suite.store.GetWorkItem(suite.ctx, it.ID)
		suite.Require().NoError(err)
		assert.Equal(suite.T(), protocol.WorkItemQueued, got.Status)
	}

	q, err := suite.registry.ServiceQueue(service)
	suite.Require().NoError(err)
	msg, err := q.Receive(suite.ctx)
	suite.Require().NoError(err)
	suite.Require().NotNil(msg)

	response, err := protocol.UnmarshalWorkResponse(msg.Body)
	suite.Require().NoError(err)
	assert.Equal(suite.T(), items[0].ID, response.WorkItem.ID)
	assert.Equal(suite.T(), `{"format":"image/tiff"}`, response.WorkItem.Operation)
}

func (suite *SchedulerTest) TestProcessServiceStopsWhenSaturated() {
	service := "ghcr.io/example/subset:stable"
	suite.seedItems("alice", service, 5)

	q, err := suite.registry.ServiceQueue(service)
	suite.Require().NoError(err)
	for i := 0; i < 11; i++ {
		suite.Require().NoError(q.Send(suite.ctx, "stale", "stale"))
	}

	suite.Require().NoError(suite.sched.ProcessService(suite.ctx, service))

	depth, err := q.Depth(suite.ctx)
	suite.Require().NoError(err)
	assert.Equal(suite.T(), 11, depth)
}

func (suite *SchedulerTest) TestRunCycleCoalescesDuplicates() {
	service := "ghcr.io/example/subset:stable"
	suite.seedItems("alice", service, 1)

	control := suite.registry.ControlQueue()
	suite.Require().NoError(control.Send(suite.ctx, service, service))
	suite.Require().NoError(control.Send(suite.ctx, service, service))
	suite.Require().NoError(control.Send(suite.ctx, service, service))

	suite.sched.runCycle(suite.ctx, control)

	assert.Equal(suite.T(), []string{service}, suite.fleet.calls)

	depth, err := control.Depth(suite.ctx)
	suite.Require().NoError(err)
	assert.Equal(suite.T(), 0, depth)
}

func (suite *SchedulerTest) TestRunCycleIsolatesServiceErrors() {
	sched := NewScheduler(
		&failingRegistry{},
		catalog.NewSelector(suite.store, nil),
		suite.fleet,
		SchedulerConfig{LongPollWait: 50 * time.Millisecond},
	)

	control := sched.registry.ControlQueue()
	suite.Require().NoError(control.Send(suite.ctx, "broken-service", "broken-service"))

	// The failing queue lookup is logged, the cycle still completes and
	// acknowledges the request.
	sched.runCycle(suite.ctx, control)

	depth, err := control.Depth(suite.ctx)
	suite.Require().NoError(err)
	assert.Equal(suite.T(), 0, depth)
}

func (suite *SchedulerTest) TestRunStopsOnContextCancel() {
	ctx, cancel := context.WithCancel(suite.ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		suite.sched.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		suite.T().Fatal("scheduler did not stop on context cancel")
	}
}

func TestScheduler(t *testing.T) {
	suite.Run(t, &SchedulerTest{})
}
