package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadpilot/dispatch"
	"leadpilot/models"
	"leadpilot/queue"
	"leadpilot/scraper"
	"leadpilot/storage"
)

type recordingPublisher struct {
	mu        sync.Mutex
	jobs      []queue.Job
	err       error
	failAfter int // when > 0, publishes beyond this count fail with err
}

func (p *recordingPublisher) Publish(_ context.Context, job queue.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil && (p.failAfter == 0 || len(p.jobs) >= p.failAfter) {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

type fakeDispatcher struct {
	sessions []models.Session
	leads    []*models.Lead
	triggers []models.TriggerType
	err      error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, sess models.Session, lead *models.Lead, trigger models.TriggerType) (dispatch.Result, error) {
	f.sessions = append(f.sessions, sess)
	f.leads = append(f.leads, lead)
	f.triggers = append(f.triggers, trigger)
	return dispatch.Result{Outcome: dispatch.OutcomeSent}, f.err
}

type fakeArchiver struct {
	mu   sync.Mutex
	runs []uuid.UUID
}

func (f *fakeArchiver) ArchiveRun(_ context.Context, run *models.SearchRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run.ID)
	return nil
}

func (f *fakeArchiver) archived() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.runs...)
}

func schedule(t *testing.T, store *storage.MemoryStore, trigger models.TriggerType, due time.Time) uuid.UUID {
	t.Helper()
	leadID := uuid.New()
	require.NoError(t, store.UpsertScheduledDispatch(context.Background(), &models.ScheduledDispatch{
		CustomerID: "c1", LeadID: leadID, Trigger: trigger, DueAt: due,
	}))
	return leadID
}

func TestDispatchPollerPublishesDue(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)

	due1 := schedule(t, store, models.TriggerFollowUp3d, now.Add(-time.Hour))
	due2 := schedule(t, store, models.TriggerNewLead, now)
	later := schedule(t, store, models.TriggerFollowUp7d, now.Add(time.Hour))

	jobs := &recordingPublisher{}
	p := NewDispatchPoller(store, jobs, 1, nil)
	p.now = func() time.Time { return now }

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, jobs.jobs, 2)
	assert.Equal(t, due1, jobs.jobs[0].LeadID)
	assert.Equal(t, models.TriggerFollowUp3d, jobs.jobs[0].Trigger)
	assert.Equal(t, due2, jobs.jobs[1].LeadID)

	assert.Equal(t, models.DispatchPending, store.Dispatches(later)[0].Status)

	// claimed rows are not handed out twice
	n, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatchPollerRearmsOnPublishFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Now().UTC()
	leadID := schedule(t, store, models.TriggerFollowUp3d, now.Add(-time.Minute))

	p := NewDispatchPoller(store, &recordingPublisher{err: errors.New("broker down")}, 10, nil)
	_, err := p.Poll(context.Background())
	require.Error(t, err)

	assert.Equal(t, models.DispatchPending, store.Dispatches(leadID)[0].Status)
}

func TestDispatchPollerRearmsEveryUnpublishedRow(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	first := schedule(t, store, models.TriggerFollowUp3d, now.Add(-3*time.Minute))
	second := schedule(t, store, models.TriggerFollowUp7d, now.Add(-2*time.Minute))
	third := schedule(t, store, models.TriggerNewLead, now.Add(-time.Minute))

	jobs := &recordingPublisher{err: errors.New("broker down"), failAfter: 1}
	p := NewDispatchPoller(store, jobs, 10, nil)
	p.now = func() time.Time { return now }

	n, err := p.Poll(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, models.DispatchDone, store.Dispatches(first)[0].Status)
	assert.Equal(t, models.DispatchPending, store.Dispatches(second)[0].Status)
	assert.Equal(t, models.DispatchPending, store.Dispatches(third)[0].Status)

	// once the broker is back the re-armed rows go out
	jobs.err = nil
	n, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, jobs.jobs, 3)
	assert.Equal(t, second, jobs.jobs[1].LeadID)
	assert.Equal(t, third, jobs.jobs[2].LeadID)
}

func TestStorePublisherHandsJobsToPoller(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)

	sp := NewStorePublisher(store)
	sp.now = func() time.Time { return now }
	leadID := uuid.New()
	job := queue.Job{CustomerID: "c1", LeadID: leadID, Trigger: models.TriggerNewLead}
	require.NoError(t, sp.Publish(context.Background(), job))

	rows := store.Dispatches(leadID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.DispatchPending, rows[0].Status)
	assert.Equal(t, models.TriggerNewLead, rows[0].Trigger)
	assert.True(t, rows[0].DueAt.Equal(now))

	jobs := &recordingPublisher{}
	p := NewDispatchPoller(store, jobs, 10, nil)
	p.now = func() time.Time { return now }
	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []queue.Job{job}, jobs.jobs)
}

func TestDispatchWorkerHandle(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertCustomer(ctx, &models.Customer{ID: "c1", Plan: models.PlanPro}))
	lead := &models.Lead{CustomerID: "c1", Fingerprint: "url:x", Phone: "11987654321"}
	_, err := store.InsertLeadIfAbsent(ctx, lead)
	require.NoError(t, err)

	d := &fakeDispatcher{}
	w := NewDispatchWorker(store, d, nil)

	require.NoError(t, w.Handle(ctx, queue.Job{CustomerID: "c1", LeadID: lead.ID, Trigger: models.TriggerFollowUp7d}))
	require.Len(t, d.leads, 1)
	assert.Equal(t, lead.ID, d.leads[0].ID)
	assert.Equal(t, models.TriggerFollowUp7d, d.triggers[0])
	assert.True(t, d.sessions[0].Entitlements.AIMessages)
	assert.True(t, d.sessions[0].ExpiresAt.IsZero())

	// unknown lead or customer is dropped without error
	require.NoError(t, w.Handle(ctx, queue.Job{CustomerID: "c1", LeadID: uuid.New(), Trigger: models.TriggerNewLead}))
	require.NoError(t, w.Handle(ctx, queue.Job{CustomerID: "gone", LeadID: lead.ID, Trigger: models.TriggerNewLead}))
	assert.Len(t, d.leads, 1)

	d.err = errors.New("store unavailable")
	assert.Error(t, w.Handle(ctx, queue.Job{CustomerID: "c1", LeadID: lead.ID, Trigger: models.TriggerNewLead}))
}

func TestArchiveWorker(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run := &models.SearchRun{ID: uuid.New(), CustomerID: "c1", Status: models.RunStatusCompleted}
	require.NoError(t, store.SaveRun(ctx, run))

	archiver := &fakeArchiver{}
	w := NewArchiveWorker(store, archiver, 4, nil)
	go w.Run(ctx)

	sess := models.Session{CustomerID: "c1"}
	w.HandleRunComplete(ctx, sess, &scraper.Summary{RunID: run.ID})
	w.HandleRunComplete(ctx, sess, &scraper.Summary{RunID: uuid.New()}) // unknown run is logged and skipped

	require.Eventually(t, func() bool { return len(archiver.archived()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, run.ID, archiver.archived()[0])
}

func TestArchiveWorkerBacklogDoesNotBlock(t *testing.T) {
	w := NewArchiveWorker(storage.NewMemoryStore(), &fakeArchiver{}, 1, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			w.HandleRunComplete(context.Background(), models.Session{CustomerID: "c1"}, &scraper.Summary{RunID: uuid.New()})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("completion hook blocked")
	}
}
