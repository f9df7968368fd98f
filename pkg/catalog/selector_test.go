package catalog

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/terrapipe/broker/pkg/protocol"
)

type recordingNotifier struct {
	mu       sync.Mutex
	services []string
}

func (n *recordingNotifier) NotifyWorkAvailable(ctx context.Context, serviceID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.services = append(n.services, serviceID)
}

type SelectorTest struct {
	suite.Suite
	store    *Store
	selector *Selector
	notifier *recordingNotifier
	ctx      context.Context
}

func (suite *SelectorTest) SetupTest() {
	suite.notifier = &recordingNotifier{}
	store, err := Open(filepath.Join(suite.T().TempDir(), "catalog.db"), suite.notifier)
	suite.Require().NoError(err)
	suite.store = store
	suite.selector = NewSelector(store, DefaultCmrLimiter(2000))
	suite.ctx = context.Background()
}

func (suite *SelectorTest) TearDownTest() {
	suite.store.Close()
}

func (suite *SelectorTest) newJob(username string) *Job {
	job := &Job{Username: username, NumInputGranules: 100}
	suite.Require().NoError(suite.store.CreateJob(suite.ctx, job))
	return job
}

func (suite *SelectorTest) newStep(job *Job, serviceID string, count int) *WorkflowStep {
	step := &WorkflowStep{
		JobID:         job.ID,
		StepIndex:     0,
		ServiceID:     serviceID,
		WorkItemCount: count,
		Operation:     `{"format":"image/tiff"}`,
	}
	suite.Require().NoError(suite.store.CreateWorkflowStep(suite.ctx, step))
	return step
}

func (suite *SelectorTest) newItems(job *Job, serviceID string, count int) []*WorkItem {
	suite.newStep(job, serviceID, count)
	items := make([]*WorkItem, count)
	for i := range items {
		items[i] = &WorkItem{JobID: job.ID, StepIndex: 0, ServiceID: serviceID}
	}
	suite.Require().NoError(suite.store.CreateWorkItems(suite.ctx, items...))
	return items
}

func (suite *SelectorTest) setLastWorked(jobID, serviceID string, at time.Time) {
	_, err := suite.store.db.Exec(
		`UPDATE user_work SET last_worked = ? WHERE job_id = ? AND service_id = ?`,
		toMillis(at), jobID, serviceID)
	suite.Require().NoError(err)
}

func (suite *SelectorTest) TestClaimEmptyService() {
	claimed := suite.selector.Claim(suite.ctx, "ghcr.io/example/reproject:stable", protocol.WorkItemRunning, "pod-1")
	assert.Nil(suite.T(), claimed)
}

func (suite *SelectorTest) TestClaimMarksRunning() {
	service := "ghcr.io/example/reproject:stable"
	job := suite.newJob("alice")
	items := suite.newItems(job, service, 1)

	claimed := suite.selector.Claim(suite.ctx, service, protocol.WorkItemRunning, "pod-1")
	suite.Require().NotNil(claimed)
	assert.Equal(suite.T(), items[0].ID, claimed.Item.ID)
	assert.Equal(suite.T(), `{"format":"image/tiff"}`, claimed.Operation)

	item, err := suite.store.GetWorkItem(suite.ctx, items[0].ID)
	suite.Require().NoError(err)
	assert.Equal(suite.T(), protocol.WorkItemRunning, item.Status)
	assert.Equal(suite.T(), "pod-1", item.Runner)

	uw, err := suite.store.GetUserWork(suite.ctx, job.ID, service)
	suite.Require().NoError(err)
	assert.Equal(suite.T(), 0, uw.ReadyCount)
	assert.Equal(suite.T(), 1, uw.RunningCount)
}

func (suite *SelectorTest) TestFIFOWithinJob() {
	service := "ghcr.io/example/subset:stable"
	job := suite.newJob("alice")
	items := suite.newItems(job, service, 3)

	for _, want := range items {
		claimed := suite.selector.Claim(suite.ctx, service, protocol.WorkItemRunning, "pod-1")
		suite.Require().NotNil(claimed)
		assert.Equal(suite.T(), want.ID, claimed.Item.ID)
	}
}

func (suite *SelectorTest) TestFairnessRoundRobin() {
	service := "ghcr.io/example/subset:stable"
	jobA := suite.newJob("alice")
	jobB := suite.newJob("bob")
	suite.newItems(jobA, service, 2)
	suite.newItems(jobB, service, 2)

	// Alice has waited longer than Bob.
	suite.setLastWorked(jobA.ID, service, time.Now().Add(-2*time.Hour))
	suite.setLastWorked(jobB.ID, service, time.Now().Add(-1*time.Hour))

	first := suite.selector.Claim(suite.ctx, service, protocol.WorkItemRunning, "pod-1")
	suite.Require().NotNil(first)
	assert.Equal(suite.T(), jobA.ID, first.Item.JobID)

	// Alice's claim refreshed her last_worked, so Bob goes next.
	second := suite.selector.Claim(suite.ctx, service, protocol.WorkItemRunning, "pod-1")
	suite.Require().NotNil(second)
	assert.Equal(suite.T(), jobB.ID, second.Item.JobID)
}

func (suite *SelectorTest) TestOldestJobFirstForUser() {
	service := "ghcr.io/example/subset:stable"
	jobOld := suite.newJob("alice")
	jobNew := suite.newJob("alice")
	suite.newItems(jobOld, service, 1)
	suite.newItems(jobNew, service, 1)

	// The counters rows share a last_worked; the older row wins.
	now := time.Now()
	suite.setLastWorked(jobOld.ID, service, now)
	suite.setLastWorked(jobNew.ID, service, now)
	_, err := suite.store.db.Exec(
		`UPDATE user_work SET created_at = created_at - 1000 WHERE job_id = ?`, jobOld.ID)
	suite.Require().NoError(err)

	claimed := suite.selector.Claim(suite.ctx, service, protocol.WorkItemRunning, "pod-1")
	suite.Require().NotNil(claimed)
	assert.Equal(suite.T(), jobOld.ID, claimed.Item.JobID)
}

func (suite *SelectorTest) TestDesyncSelfHeal() {
	service := "ghcr.io/example/subset:stable"
	job := suite.newJob("alice")
	suite.newItems(job, service, 1)

	// Make the counters lie: ready work claimed that does not exist.
	_, err := suite.store.db.Exec(
		`UPDATE work_items SET status = ? WHERE job_id = ?`, protocol.WorkItemSuccessful, job.ID)
	suite.Require().NoError(err)

	claimed := suite.selector.Claim(suite.ctx, service, protocol.WorkItemRunning, "pod-1")
	assert.Nil(suite.T(), claimed)

	uw, err := suite.store.GetUserWork(suite.ctx, job.ID, service)
	suite.Require().NoError(err)
	assert.Equal(suite.T(), 0, uw.ReadyCount)
	assert.Equal(suite.T(), 0, uw.RunningCount)
}

func (suite *SelectorTest) TestNoDoubleClaim() {
	service := "ghcr.io/example/subset:stable"
	job := suite.newJob("alice")
	items := suite.newItems(job, service, 10)

	var mu sync.Mutex
	seen := map[int64]int{}
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed := suite.selector.Claim(suite.ctx, service, protocol.WorkItemRunning, "pod-1")
			if claimed == nil {
				return
			}
			mu.Lock()
			seen[claimed.Item.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(suite.T(), seen, len(items))
	for id, count := range seen {
		assert.Equal(suite.T(), 1, count, "work item %d claimed more than once", id)
	}
}

func (suite *SelectorTest) TestClaimBatch() {
	service := "ghcr.io/example/subset:stable"
	job := suite.newJob("alice")
	suite.newItems(job, service, 3)

	claimed := suite.selector.ClaimBatch(suite.ctx, service, 5, protocol.WorkItemQueued)
	assert.Len(suite.T(), claimed, 3)

	for _, c := range claimed {
		item, err := suite.store.GetWorkItem(suite.ctx, c.Item.ID)
		suite.Require().NoError(err)
		assert.Equal(suite.T(), protocol.WorkItemQueued, item.Status)
	}
}

func (suite *SelectorTest) TestQueryCmrLimit() {
	service := "ghcr.io/example/query-cmr:stable"
	job := suite.newJob("alice")
	suite.newItems(job, service, 1)

	claimed := suite.selector.Claim(suite.ctx, service, protocol.WorkItemRunning, "pod-1")
	suite.Require().NotNil(claimed)

	// 100 granules requested, none retrieved yet, page size 2000.
	assert.Equal(suite.T(), 100, claimed.MaxCmrGranules)
}

func TestSelector(t *testing.T) {
	suite.Run(t, &SelectorTest{})
}
