package usecase

import (
	"clipqueue/internal/domain/entity"
	"clipqueue/internal/repository/memory"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type executorFunc func(ctx context.Context, params entity.JobParameters, progress ProgressFunc) (json.RawMessage, error)

func (f executorFunc) Process(ctx context.Context, params entity.JobParameters, progress ProgressFunc) (json.RawMessage, error) {
	return f(ctx, params, progress)
}

func succeed(result string) executorFunc {
	return func(context.Context, entity.JobParameters, ProgressFunc) (json.RawMessage, error) {
		return json.RawMessage(result), nil
	}
}

type historyRecorder struct {
	mu   sync.Mutex
	jobs map[string]entity.Job
}

func (h *historyRecorder) RecordJob(_ context.Context, job *entity.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.jobs == nil {
		h.jobs = make(map[string]entity.Job)
	}
	h.jobs[job.ID] = *job
	return nil
}

func (h *historyRecorder) GetJob(_ context.Context, jobID string) (*entity.Job, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	job, ok := h.jobs[jobID]
	if !ok {
		return nil, entity.ErrJobNotFound
	}
	return &job, nil
}

func (h *historyRecorder) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobs)
}

func testProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		LockTTL:           time.Second,
		RenewInterval:     100 * time.Millisecond,
		MaxRenewFailures:  3,
		PollInterval:      5 * time.Millisecond,
		WaitChunk:         20 * time.Millisecond,
		StuckJobThreshold: time.Hour,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startProcessor(t *testing.T, p *Processor) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background()) }()
	waitFor(t, "processor to start", p.IsRunning)
	return done
}

func stopProcessor(t *testing.T, p *Processor, done <-chan error) {
	t.Helper()
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func submit(t *testing.T, store *memory.Store, media ...string) []string {
	t.Helper()
	uc := NewJobUseCase(store, nil, nil)
	ids := make([]string, 0, len(media))
	for _, m := range media {
		job, err := uc.SubmitJob(context.Background(), BatchJobInput{MediaPath: m}, testConfig)
		if err != nil {
			t.Fatalf("submit %s: %v", m, err)
		}
		ids = append(ids, job.ID)
	}
	return ids
}

func jobStatus(store *memory.Store, id string) entity.JobStatus {
	job, err := store.GetJob(context.Background(), id)
	if err != nil {
		return ""
	}
	return job.Status
}

func TestProcessorCompletesJobsInOrder(t *testing.T) {
	store := memory.NewStore()
	ids := submit(t, store, "media/a.mp4", "media/b.mp4")

	var (
		mu    sync.Mutex
		order []string
	)
	exec := executorFunc(func(_ context.Context, params entity.JobParameters, progress ProgressFunc) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, params.MediaPath)
		mu.Unlock()
		progress(50, "Cutting clips")
		return json.RawMessage(`{"output_key":"clips/` + params.Name + `.zip"}`), nil
	})

	history := &historyRecorder{}
	pub := &recordingPublisher{}
	p := NewProcessor(store, exec, testProcessorConfig())
	p.History = history
	p.Publisher = pub

	done := startProcessor(t, p)
	waitFor(t, "both jobs to complete", func() bool {
		return jobStatus(store, ids[0]) == entity.StatusCompleted && jobStatus(store, ids[1]) == entity.StatusCompleted
	})
	stopProcessor(t, p, done)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "media/a.mp4" || order[1] != "media/b.mp4" {
		t.Fatalf("execution order = %v", order)
	}

	job, _ := store.GetJob(context.Background(), ids[0])
	if job.Progress != 100 || job.CompletedAt == nil || string(job.Result) != `{"output_key":"clips/a.zip"}` {
		t.Fatalf("completed job = %+v", job)
	}
	if last, _ := store.LastCompletion(context.Background()); last.IsZero() {
		t.Fatal("last completion time not recorded")
	}
	if store.CacheVersion() != 2 {
		t.Fatalf("cache version = %d, want 2", store.CacheVersion())
	}
	if history.Len() != 2 {
		t.Fatalf("archived %d jobs, want 2", history.Len())
	}
	events := pub.Events()
	if len(events) != 2 || events[0].Type != entity.EventJobCompleted {
		t.Fatalf("events = %+v", events)
	}
	if marker, _ := store.CurrentJob(context.Background()); marker != "" {
		t.Fatalf("processing marker = %q, want empty", marker)
	}
}

func TestProcessorIsolatesFailures(t *testing.T) {
	store := memory.NewStore()
	ids := submit(t, store, "media/broken.mp4", "media/fine.mp4")

	exec := executorFunc(func(_ context.Context, params entity.JobParameters, _ ProgressFunc) (json.RawMessage, error) {
		if params.MediaPath == "media/broken.mp4" {
			return nil, errors.New("no audio track")
		}
		return json.RawMessage(`{}`), nil
	})
	p := NewProcessor(store, exec, testProcessorConfig())

	done := startProcessor(t, p)
	waitFor(t, "second job to complete", func() bool {
		return jobStatus(store, ids[1]) == entity.StatusCompleted
	})
	stopProcessor(t, p, done)

	failed, _ := store.GetJob(context.Background(), ids[0])
	if failed.Status != entity.StatusFailed || failed.Error != "no audio track" || failed.FailedAt == nil {
		t.Fatalf("failed job = %+v", failed)
	}
	if last, _ := store.LastCompletion(context.Background()); last.IsZero() {
		t.Fatal("completion of the second job not recorded")
	}
}

func TestProcessorFailureDoesNotStartRateLimit(t *testing.T) {
	store := memory.NewStore()
	ids := submit(t, store, "media/broken.mp4")

	exec := executorFunc(func(context.Context, entity.JobParameters, ProgressFunc) (json.RawMessage, error) {
		return nil, errors.New("decoder crashed")
	})
	cfg := testProcessorConfig()
	cfg.RateLimitInterval = time.Hour
	p := NewProcessor(store, exec, cfg)

	done := startProcessor(t, p)
	waitFor(t, "job to fail", func() bool { return jobStatus(store, ids[0]) == entity.StatusFailed })
	stopProcessor(t, p, done)

	if last, _ := store.LastCompletion(context.Background()); !last.IsZero() {
		t.Fatalf("failed job set last completion to %v", last)
	}
}

func TestProcessorRecoversStuckJobs(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	old := time.Now().Add(-2 * time.Hour).UTC()
	stuck := &entity.Job{
		ID:         "stuck-1",
		Status:     entity.StatusProcessing,
		Parameters: entity.JobParameters{Name: "stuck", MediaPath: "media/stuck.mp4"},
		CreatedAt:  old,
		UpdatedAt:  old,
	}
	recent := &entity.Job{
		ID:         "recent-1",
		Status:     entity.StatusProcessing,
		Parameters: entity.JobParameters{Name: "recent", MediaPath: "media/recent.mp4"},
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	for _, j := range []*entity.Job{stuck, recent} {
		if err := store.CreateJob(ctx, j); err != nil {
			t.Fatalf("create %s: %v", j.ID, err)
		}
	}

	p := NewProcessor(store, succeed(`{}`), testProcessorConfig())
	done := startProcessor(t, p)
	waitFor(t, "stuck job to fail", func() bool { return jobStatus(store, "stuck-1") == entity.StatusFailed })
	stopProcessor(t, p, done)

	job, _ := store.GetJob(ctx, "stuck-1")
	if !strings.Contains(job.Error, "timed out") {
		t.Fatalf("error = %q, want timeout message", job.Error)
	}
	if got := jobStatus(store, "recent-1"); got != entity.StatusProcessing {
		t.Fatalf("recent job status = %s, want PROCESSING", got)
	}
}

func TestProcessorClearsStaleMarker(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	ids := submit(t, store, "media/next.mp4")
	if err := store.SetCurrentJob(ctx, "vanished"); err != nil {
		t.Fatalf("set marker: %v", err)
	}

	p := NewProcessor(store, succeed(`{}`), testProcessorConfig())
	done := startProcessor(t, p)
	waitFor(t, "queued job to complete", func() bool { return jobStatus(store, ids[0]) == entity.StatusCompleted })
	stopProcessor(t, p, done)
}

func TestProcessorClearsMarkerLeftAfterStartup(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	finished := submit(t, store, "media/finished.mp4")[0]

	p := NewProcessor(store, succeed(`{}`), testProcessorConfig())
	done := startProcessor(t, p)
	waitFor(t, "first job to complete", func() bool { return jobStatus(store, finished) == entity.StatusCompleted })

	// a crashed peer left its marker pointing at a finished job
	if err := store.SetCurrentJob(ctx, finished); err != nil {
		t.Fatalf("set marker: %v", err)
	}
	next := submit(t, store, "media/next.mp4")[0]
	waitFor(t, "next job to complete", func() bool { return jobStatus(store, next) == entity.StatusCompleted })
	stopProcessor(t, p, done)
}

func TestProcessorStopRequeuesInFlightJob(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	ids := submit(t, store, "media/long.mp4", "media/after.mp4")

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	exec := executorFunc(func(_ context.Context, params entity.JobParameters, progress ProgressFunc) (json.RawMessage, error) {
		if params.MediaPath == "media/long.mp4" {
			progress(40, "Transcribing")
			close(started)
			<-release
		}
		return json.RawMessage(`{}`), nil
	})

	p := NewProcessor(store, exec, testProcessorConfig())
	done := startProcessor(t, p)
	<-started
	waitFor(t, "job to be current", func() bool { return p.CurrentJobID() == ids[0] })

	stopProcessor(t, p, done)

	job, _ := store.GetJob(ctx, ids[0])
	if job.Status != entity.StatusQueued || job.Progress != 0 {
		t.Fatalf("job after stop = %s at %d%%, want QUEUED at 0%%", job.Status, job.Progress)
	}
	queued := store.QueuedIDs()
	if len(queued) != 2 || queued[0] != ids[0] || queued[1] != ids[1] {
		t.Fatalf("queue = %v, want %v", queued, ids)
	}
	if marker, _ := store.CurrentJob(ctx); marker != "" {
		t.Fatalf("processing marker = %q after stop", marker)
	}
	if ok, _ := store.AcquireLock(ctx, "someone-else", time.Second); !ok {
		t.Fatal("lock was not released on stop")
	}
	status, _ := store.GetProcessorStatus(ctx)
	if status.State != entity.ProcessorStopped {
		t.Fatalf("status = %s, want stopped", status.State)
	}
	if p.IsRunning() {
		t.Fatal("processor still running after stop")
	}
}

func TestSecondInstanceDoesNotRun(t *testing.T) {
	store := memory.NewStore()
	first := NewProcessor(store, succeed(`{}`), testProcessorConfig())
	done := startProcessor(t, first)

	var calls atomic.Int32
	exec := executorFunc(func(context.Context, entity.JobParameters, ProgressFunc) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{}`), nil
	})
	second := NewProcessor(store, exec, testProcessorConfig())

	returned := make(chan error, 1)
	go func() { returned <- second.Start(context.Background()) }()
	select {
	case err := <-returned:
		if err != nil {
			t.Fatalf("second start: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second instance did not return while the lock was held")
	}
	if second.IsRunning() || calls.Load() != 0 {
		t.Fatal("second instance ran")
	}

	stopProcessor(t, first, done)
}

func TestProcessorWaitsForRateLimit(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	ids := submit(t, store, "media/a.mp4")
	last := time.Now().UTC()
	if err := store.SetLastCompletion(ctx, last); err != nil {
		t.Fatalf("set last completion: %v", err)
	}

	cfg := testProcessorConfig()
	cfg.RateLimitInterval = time.Hour
	p := NewProcessor(store, succeed(`{}`), cfg)
	done := startProcessor(t, p)

	var status *entity.ProcessorStatus
	waitFor(t, "waiting status", func() bool {
		status, _ = store.GetProcessorStatus(ctx)
		return status.State == entity.ProcessorWaiting
	})
	stopProcessor(t, p, done)

	if status.Reason != "rate_limit" || status.ResumeAt == nil {
		t.Fatalf("status = %+v", status)
	}
	if want := last.Add(time.Hour); !status.ResumeAt.Equal(want) {
		t.Fatalf("resume at %v, want %v", status.ResumeAt, want)
	}
	if status.QueueSize != 1 {
		t.Fatalf("queue size = %d, want 1", status.QueueSize)
	}
	if got := jobStatus(store, ids[0]); got != entity.StatusQueued {
		t.Fatalf("job status = %s, want QUEUED", got)
	}
}

// flakyProgressStore fails every progress-only write.
type flakyProgressStore struct {
	*memory.Store
}

func (s flakyProgressStore) UpdateJob(ctx context.Context, jobID string, u entity.JobUpdate) error {
	if u.Status == nil {
		return errors.New("store timeout")
	}
	return s.Store.UpdateJob(ctx, jobID, u)
}

func TestProcessorToleratesProgressFailures(t *testing.T) {
	store := memory.NewStore()
	ids := submit(t, store, "media/a.mp4")

	exec := executorFunc(func(_ context.Context, _ entity.JobParameters, progress ProgressFunc) (json.RawMessage, error) {
		for i := 0; i <= 100; i += 10 {
			progress(i, "working")
		}
		return json.RawMessage(`{"clips":4}`), nil
	})
	p := NewProcessor(flakyProgressStore{store}, exec, testProcessorConfig())
	done := startProcessor(t, p)
	waitFor(t, "job to complete", func() bool { return jobStatus(store, ids[0]) == entity.StatusCompleted })
	stopProcessor(t, p, done)
}

func TestProcessorRecordsExecutorPanic(t *testing.T) {
	store := memory.NewStore()
	ids := submit(t, store, "media/a.mp4", "media/b.mp4")

	exec := executorFunc(func(_ context.Context, params entity.JobParameters, _ ProgressFunc) (json.RawMessage, error) {
		if params.MediaPath == "media/a.mp4" {
			panic("nil frame")
		}
		return json.RawMessage(`{}`), nil
	})
	p := NewProcessor(store, exec, testProcessorConfig())
	done := startProcessor(t, p)
	waitFor(t, "second job to complete", func() bool { return jobStatus(store, ids[1]) == entity.StatusCompleted })
	stopProcessor(t, p, done)

	job, _ := store.GetJob(context.Background(), ids[0])
	if job.Status != entity.StatusFailed || !strings.Contains(job.Error, "nil frame") {
		t.Fatalf("panicking job = %s %q", job.Status, job.Error)
	}
}

type failingValidator struct{}

func (failingValidator) ValidateMedia(context.Context, entity.JobParameters) error {
	return errors.New("object media/missing.mp4 not found")
}

func TestProcessorFailsJobsWithMissingMedia(t *testing.T) {
	store := memory.NewStore()
	ids := submit(t, store, "media/missing.mp4")

	var calls atomic.Int32
	exec := executorFunc(func(context.Context, entity.JobParameters, ProgressFunc) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{}`), nil
	})
	p := NewProcessor(store, exec, testProcessorConfig())
	p.Validator = failingValidator{}
	done := startProcessor(t, p)
	waitFor(t, "job to fail", func() bool { return jobStatus(store, ids[0]) == entity.StatusFailed })
	stopProcessor(t, p, done)

	if calls.Load() != 0 {
		t.Fatal("executor ran for a job with missing media")
	}
}

// renewFailStore cannot confirm lock renewals.
type renewFailStore struct {
	*memory.Store
}

func (renewFailStore) RenewLock(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func TestProcessorStandsDownWhenRenewalFails(t *testing.T) {
	store := memory.NewStore()
	cfg := testProcessorConfig()
	cfg.RenewInterval = 5 * time.Millisecond
	cfg.MaxRenewFailures = 2
	p := NewProcessor(renewFailStore{store}, succeed(`{}`), cfg)

	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("processor kept running without confirming its lock")
	}
	if p.IsRunning() {
		t.Fatal("processor still running after stand-down")
	}
	if ok, _ := store.AcquireLock(context.Background(), "other", time.Second); !ok {
		t.Fatal("lock was not released after stand-down")
	}
}

func TestProcessorUpdatesBatch(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	batches := NewBatchUseCase(store, nil, 0)
	created, err := batches.CreateBatch(ctx, []BatchJobInput{
		{MediaPath: "media/a.mp4"}, {MediaPath: "media/b.mp4"},
	}, testConfig)
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	p := NewProcessor(store, succeed(`{}`), testProcessorConfig())
	p.Batches = batches
	done := startProcessor(t, p)
	waitFor(t, "batch to complete", func() bool {
		b, err := store.GetBatch(ctx, created.BatchID)
		return err == nil && b.Status == entity.BatchCompleted
	})
	stopProcessor(t, p, done)

	b, _ := store.GetBatch(ctx, created.BatchID)
	if b.CompletedCount != 2 || b.FailedCount != 0 {
		t.Fatalf("batch counts = %d/%d, want 2/0", b.CompletedCount, b.FailedCount)
	}
}

func TestPublishWithRetry(t *testing.T) {
	defer func(d time.Duration) { publishBaseDelay = d }(publishBaseDelay)
	publishBaseDelay = time.Millisecond

	pub := &recordingPublisher{fail: 2}
	msg := json.RawMessage(`{"type":"batch.created","batch_id":"b1"}`)
	if err := publishWithRetry(context.Background(), pub, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(pub.Events()) != 1 {
		t.Fatalf("events = %d, want 1", len(pub.Events()))
	}

	pub = &recordingPublisher{fail: 10}
	if err := publishWithRetry(context.Background(), pub, msg); err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
}

func TestProcessorWakeSkipsIdleSleep(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	cfg := testProcessorConfig()
	cfg.PollInterval = time.Hour
	p := NewProcessor(store, succeed(`{}`), cfg)
	done := startProcessor(t, p)

	waitFor(t, "idle status", func() bool {
		status, _ := store.GetProcessorStatus(ctx)
		return status.State == entity.ProcessorIdle
	})
	ids := submit(t, store, "media/late.mp4")
	p.Wake()
	waitFor(t, "woken job to complete", func() bool { return jobStatus(store, ids[0]) == entity.StatusCompleted })
	stopProcessor(t, p, done)
}

// finalWriteFailStore rejects terminal status writes while failing is set.
type finalWriteFailStore struct {
	*memory.Store
	failing  atomic.Bool
	rejected atomic.Int32
}

func (s *finalWriteFailStore) UpdateJob(ctx context.Context, jobID string, u entity.JobUpdate) error {
	if u.Status != nil && s.failing.Load() {
		s.rejected.Add(1)
		return errors.New("store timeout")
	}
	return s.Store.UpdateJob(ctx, jobID, u)
}

func TestProcessorRetriesFailedFinalWrite(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	ids := submit(t, store, "media/a.mp4", "media/b.mp4")
	history := &historyRecorder{}

	flaky := &finalWriteFailStore{Store: store}
	flaky.failing.Store(true)
	p := NewProcessor(flaky, succeed(`{"clips":1}`), testProcessorConfig())
	p.History = history
	done := startProcessor(t, p)

	waitFor(t, "final write to be retried", func() bool { return flaky.rejected.Load() >= 3 })
	if got := jobStatus(store, ids[0]); got != entity.StatusProcessing {
		t.Fatalf("first job = %s, want PROCESSING until its final write lands", got)
	}
	if got := jobStatus(store, ids[1]); got != entity.StatusQueued {
		t.Fatalf("second job = %s, want QUEUED while the first is unresolved", got)
	}
	if marker, _ := store.CurrentJob(ctx); marker != ids[0] {
		t.Fatalf("processing marker = %q, want %q", marker, ids[0])
	}
	if p.CurrentJobID() != ids[0] {
		t.Fatalf("current job = %q, want %q", p.CurrentJobID(), ids[0])
	}
	status, _ := store.GetProcessorStatus(ctx)
	if status.State != entity.ProcessorError || status.JobID != ids[0] {
		t.Fatalf("status = %+v, want error for %s", status, ids[0])
	}

	flaky.failing.Store(false)
	waitFor(t, "both jobs to complete", func() bool {
		return jobStatus(store, ids[0]) == entity.StatusCompleted && jobStatus(store, ids[1]) == entity.StatusCompleted
	})
	waitFor(t, "both jobs to be archived", func() bool { return history.Len() == 2 })
	stopProcessor(t, p, done)
}

func TestProcessorStopStoresPendingFinalWrite(t *testing.T) {
	store := memory.NewStore()
	ids := submit(t, store, "media/a.mp4")

	flaky := &finalWriteFailStore{Store: store}
	flaky.failing.Store(true)
	p := NewProcessor(flaky, succeed(`{}`), testProcessorConfig())
	done := startProcessor(t, p)
	waitFor(t, "final write to fail", func() bool { return flaky.rejected.Load() >= 1 })

	flaky.failing.Store(false)
	stopProcessor(t, p, done)

	if got := jobStatus(store, ids[0]); got != entity.StatusCompleted {
		t.Fatalf("job = %s, want COMPLETED instead of a rerun", got)
	}
	if queued := store.QueuedIDs(); len(queued) != 0 {
		t.Fatalf("queue = %v, want empty", queued)
	}
}

func TestProcessorStopKeepsMarkerOfAnotherJob(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	ids := submit(t, store, "media/long.mp4")

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	exec := executorFunc(func(context.Context, entity.JobParameters, ProgressFunc) (json.RawMessage, error) {
		close(started)
		<-release
		return json.RawMessage(`{}`), nil
	})

	p := NewProcessor(store, exec, testProcessorConfig())
	done := startProcessor(t, p)
	<-started
	waitFor(t, "job to be current", func() bool { return p.CurrentJobID() == ids[0] })

	// a new lock holder has moved on to its own job
	if err := store.SetCurrentJob(ctx, "taken-over"); err != nil {
		t.Fatalf("set marker: %v", err)
	}
	stopProcessor(t, p, done)

	if marker, _ := store.CurrentJob(ctx); marker != "taken-over" {
		t.Fatalf("processing marker = %q, want taken-over", marker)
	}
}

// claimErrStore fails the first claim with a store error.
type claimErrStore struct {
	*memory.Store
	failed atomic.Bool
}

func (s *claimErrStore) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	if s.failed.CompareAndSwap(false, true) {
		return false, errors.New("connection reset")
	}
	return s.Store.ClaimJob(ctx, jobID)
}

func TestProcessorKeepsOrderAfterFailedClaim(t *testing.T) {
	store := memory.NewStore()
	ids := submit(t, store, "media/a.mp4", "media/b.mp4", "media/c.mp4")

	var (
		mu    sync.Mutex
		order []string
	)
	exec := executorFunc(func(_ context.Context, params entity.JobParameters, _ ProgressFunc) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, params.MediaPath)
		mu.Unlock()
		return json.RawMessage(`{}`), nil
	})

	p := NewProcessor(&claimErrStore{Store: store}, exec, testProcessorConfig())
	done := startProcessor(t, p)
	waitFor(t, "all jobs to complete", func() bool {
		for _, id := range ids {
			if jobStatus(store, id) != entity.StatusCompleted {
				return false
			}
		}
		return true
	})
	stopProcessor(t, p, done)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"media/a.mp4", "media/b.mp4", "media/c.mp4"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("run order = %v, want %v", order, want)
	}
}
