package usecase

import (
	"clipqueue/internal/domain/entity"
	"clipqueue/pkg/utils"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ProcessorConfig struct {
	LockTTL           time.Duration
	RenewInterval     time.Duration
	MaxRenewFailures  int
	PollInterval      time.Duration
	WaitChunk         time.Duration
	RateLimitInterval time.Duration
	StuckJobThreshold time.Duration
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		LockTTL:           4 * time.Hour,
		RenewInterval:     30 * time.Minute,
		MaxRenewFailures:  3,
		PollInterval:      5 * time.Second,
		WaitChunk:         time.Minute,
		StuckJobThreshold: time.Hour,
	}
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	d := DefaultProcessorConfig()
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.RenewInterval <= 0 {
		c.RenewInterval = d.RenewInterval
	}
	if c.MaxRenewFailures <= 0 {
		c.MaxRenewFailures = d.MaxRenewFailures
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.WaitChunk <= 0 {
		c.WaitChunk = d.WaitChunk
	}
	if c.StuckJobThreshold <= 0 {
		c.StuckJobThreshold = d.StuckJobThreshold
	}
	if c.RateLimitInterval < 0 {
		c.RateLimitInterval = 0
	}
	return c
}

// Processor runs queued jobs one at a time. Only the instance holding the
// processor lock polls; every other instance returns from Start at once.
type Processor struct {
	Store     JobStore
	Executor  JobExecutor
	Validator MediaValidator
	History   HistoryRepo
	Publisher Publisher
	Batches   BatchRefresher

	cfg        ProcessorConfig
	instanceID string
	now        func() time.Time

	mu            sync.Mutex
	running       bool
	cancel        context.CancelFunc
	renewDone     chan struct{}
	currentJobID  string
	foreignMarker string
	// pending holds a terminal write that failed; the job stays current
	// until it lands.
	pending *outcome

	wake chan struct{}
}

func NewProcessor(store JobStore, executor JobExecutor, cfg ProcessorConfig) *Processor {
	return &Processor{
		Store:      store,
		Executor:   executor,
		cfg:        cfg.withDefaults(),
		instanceID: uuid.New().String(),
		now:        time.Now,
		wake:       make(chan struct{}, 1),
	}
}

// Wake cuts the current poll sleep short, e.g. when new jobs were queued.
func (p *Processor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Processor) InstanceID() string { return p.instanceID }

func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Processor) CurrentJobID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentJobID
}

// Start blocks until Stop is called, ctx is cancelled, the lock is lost, or
// the loop panics. When another instance holds the lock it returns nil
// immediately without touching any job.
func (p *Processor) Start(ctx context.Context) (err error) {
	acquired, err := p.Store.AcquireLock(ctx, p.instanceID, p.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire processor lock: %w", err)
	}
	if !acquired {
		log.Printf("processor lock is held by another instance; %s will not run", p.instanceID)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	renewDone := make(chan struct{})

	p.mu.Lock()
	p.running = true
	p.cancel = cancel
	p.renewDone = renewDone
	p.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("processor loop panic: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("processor loop panic: %v", r)
		}
		if serr := p.shutdown(context.WithoutCancel(ctx)); serr != nil {
			log.Printf("processor cleanup: %v", serr)
		}
	}()

	go p.renewLoop(runCtx, cancel, renewDone)

	log.Printf("processor %s acquired lock (ttl %s, renew every %s)", p.instanceID, p.cfg.LockTTL, p.cfg.RenewInterval)
	p.recoverStuckJobs(runCtx)
	p.loop(runCtx)
	return nil
}

// Stop ends polling, puts an in-flight job back at the head of the queue and
// releases the lock. A running executor is not interrupted; its outcome is
// discarded.
func (p *Processor) Stop(ctx context.Context) error {
	return p.shutdown(ctx)
}

func (p *Processor) shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel, renewDone := p.cancel, p.renewDone
	jobID := p.currentJobID
	pending := p.pending
	p.currentJobID = ""
	p.pending = nil
	p.mu.Unlock()

	cancel()
	<-renewDone

	var errs []error
	finished := false
	if pending != nil {
		if err := p.Store.UpdateJob(ctx, pending.jobID, pending.update); err != nil {
			log.Printf("job %s: record outcome on shutdown: %v", pending.jobID, err)
		} else {
			p.outcomeRecorded(ctx, *pending)
			finished = true
		}
	}
	if jobID != "" {
		if !finished {
			requeued, err := p.Store.RequeueJob(ctx, jobID)
			switch {
			case err != nil:
				errs = append(errs, fmt.Errorf("requeue job %s: %w", jobID, err))
			case requeued:
				log.Printf("job %s returned to the queue on shutdown", jobID)
			}
		}
		if err := p.Store.ClearCurrentJob(ctx, jobID); err != nil {
			errs = append(errs, fmt.Errorf("clear processing marker: %w", err))
		}
	}
	if finished {
		p.afterTerminal(ctx, jobID)
	}

	p.publishStatus(ctx, entity.ProcessorStatus{
		State:   entity.ProcessorStopped,
		Message: "processor stopped",
	})

	if err := p.Store.ReleaseLock(ctx, p.instanceID); err != nil {
		errs = append(errs, fmt.Errorf("release processor lock: %w", err))
	}
	log.Printf("processor %s stopped", p.instanceID)
	return errors.Join(errs...)
}

func (p *Processor) renewLoop(ctx context.Context, standDown context.CancelFunc, done chan<- struct{}) {
	defer close(done)

	t := time.NewTicker(p.cfg.RenewInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			held, err := p.Store.RenewLock(ctx, p.instanceID, p.cfg.LockTTL)
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				failures++
				log.Printf("processor lock renewal failed (%d/%d): %v", failures, p.cfg.MaxRenewFailures, err)
				if failures >= p.cfg.MaxRenewFailures {
					log.Printf("processor %s cannot confirm lock ownership; standing down", p.instanceID)
					standDown()
					return
				}
			case !held:
				log.Printf("processor %s no longer holds the lock; standing down", p.instanceID)
				standDown()
				return
			default:
				failures = 0
			}
		}
	}
}

// recoverStuckJobs fails jobs left in PROCESSING by a crashed instance and
// clears a processing marker that disagrees with the job records.
func (p *Processor) recoverStuckJobs(ctx context.Context) {
	jobs, err := p.Store.ListJobs(ctx)
	if err != nil {
		log.Printf("stuck job recovery: list jobs: %v", err)
	}
	now := p.now()
	recovered := 0
	for i := range jobs {
		job := &jobs[i]
		if job.Status != entity.StatusProcessing || now.Sub(job.UpdatedAt) <= p.cfg.StuckJobThreshold {
			continue
		}
		if p.failStuckJob(ctx, job.ID, now) {
			recovered++
		}
	}
	if recovered > 0 {
		log.Printf("stuck job recovery: failed %d job(s) stuck in processing", recovered)
	}

	marker, err := p.Store.CurrentJob(ctx)
	if err != nil {
		log.Printf("stuck job recovery: read processing marker: %v", err)
		return
	}
	if marker == "" {
		return
	}
	job, err := p.Store.GetJob(ctx, marker)
	if err != nil && !errors.Is(err, entity.ErrJobNotFound) {
		log.Printf("stuck job recovery: get job %s: %v", marker, err)
		return
	}
	if job == nil || job.Status != entity.StatusProcessing {
		log.Printf("stuck job recovery: clearing processing marker for job %s", marker)
		if err := p.Store.ClearCurrentJob(ctx, marker); err != nil {
			log.Printf("stuck job recovery: clear processing marker: %v", err)
		}
	}
}

func (p *Processor) failStuckJob(ctx context.Context, jobID string, now time.Time) bool {
	msg := fmt.Sprintf("job timed out: stuck in processing for more than %s", p.cfg.StuckJobThreshold)
	err := p.Store.UpdateJob(ctx, jobID, entity.JobUpdate{
		Status:      entity.StatusPtr(entity.StatusFailed),
		CurrentStep: entity.StringPtr("Failed"),
		Error:       entity.StringPtr(msg),
		FailedAt:    entity.TimePtr(now.UTC()),
	})
	if err != nil {
		log.Printf("job %s: mark stuck job failed: %v", jobID, err)
		return false
	}
	log.Printf("job %s: %s", jobID, msg)
	p.afterTerminal(ctx, jobID)
	return true
}

func (p *Processor) loop(ctx context.Context) {
	for ctx.Err() == nil {
		wait := p.pollOnce(ctx)
		if wait > 0 && !p.sleep(ctx, wait) {
			return
		}
	}
}

// pollOnce runs one iteration and returns how long to sleep before the next.
func (p *Processor) pollOnce(ctx context.Context) time.Duration {
	if !p.flushPending(ctx) {
		return p.cfg.PollInterval
	}

	marker, err := p.Store.CurrentJob(ctx)
	if err != nil {
		return p.storeError(ctx, "read processing marker", err)
	}
	if marker != "" {
		p.checkForeignMarker(ctx, marker)
		return p.cfg.PollInterval
	}

	if wait, err := p.rateLimitWait(ctx); err != nil {
		return p.storeError(ctx, "read last completion", err)
	} else if wait > 0 {
		return wait
	}

	job, found, err := p.claimNext(ctx)
	if err != nil {
		return p.storeError(ctx, "claim next job", err)
	}
	if !found {
		p.publishStatus(ctx, entity.ProcessorStatus{
			State:   entity.ProcessorIdle,
			Message: "waiting for jobs",
		})
		return p.cfg.PollInterval
	}
	if job == nil {
		return 0
	}

	p.runJob(ctx, job)
	return 0
}

func (p *Processor) storeError(ctx context.Context, op string, err error) time.Duration {
	if ctx.Err() != nil {
		return 0
	}
	log.Printf("processor: %s: %v", op, err)
	p.publishStatus(ctx, entity.ProcessorStatus{
		State:   entity.ProcessorError,
		Reason:  "store_unavailable",
		Message: fmt.Sprintf("%s: %v", op, err),
	})
	return p.cfg.PollInterval
}

// checkForeignMarker handles a processing marker this instance did not set,
// typically left behind by a crash after startup recovery already ran.
func (p *Processor) checkForeignMarker(ctx context.Context, marker string) {
	job, err := p.Store.GetJob(ctx, marker)
	if err != nil && !errors.Is(err, entity.ErrJobNotFound) {
		log.Printf("processor: get marked job %s: %v", marker, err)
		return
	}

	now := p.now()
	switch {
	case job == nil || job.Status != entity.StatusProcessing:
		log.Printf("processor: clearing stale processing marker for job %s", marker)
	case now.Sub(job.UpdatedAt) > p.cfg.StuckJobThreshold:
		p.failStuckJob(ctx, marker, now)
	default:
		if p.foreignMarker != marker {
			p.foreignMarker = marker
			log.Printf("processor: job %s is marked processing; waiting", marker)
		}
		p.publishStatus(ctx, entity.ProcessorStatus{
			State:   entity.ProcessorProcessing,
			JobID:   marker,
			Message: "another job is marked processing",
		})
		return
	}

	p.foreignMarker = ""
	if err := p.Store.ClearCurrentJob(ctx, marker); err != nil {
		log.Printf("processor: clear processing marker: %v", err)
	}
}

// rateLimitWait returns how long to sleep before the quota allows the next
// job, capped at one wait chunk so shutdown is noticed promptly.
func (p *Processor) rateLimitWait(ctx context.Context) (time.Duration, error) {
	if p.cfg.RateLimitInterval <= 0 {
		return 0, nil
	}
	last, err := p.Store.LastCompletion(ctx)
	if err != nil {
		return 0, err
	}
	if last.IsZero() {
		return 0, nil
	}

	now := p.now()
	resumeAt := last.Add(p.cfg.RateLimitInterval)
	remaining := resumeAt.Sub(now)
	if remaining <= 0 {
		return 0, nil
	}

	resume := resumeAt.UTC()
	p.publishStatus(ctx, entity.ProcessorStatus{
		State:    entity.ProcessorWaiting,
		Reason:   "rate_limit",
		Message:  fmt.Sprintf("rate limit reached; next job in %s", remaining.Round(time.Second)),
		ResumeAt: &resume,
	})
	return min(p.cfg.WaitChunk, remaining), nil
}

// claimNext pops the next id and claims it. found is false when the queue is
// empty; a nil job with found set means another instance won the claim.
// The whole step holds p.mu so shutdown either sees the claimed job or none.
func (p *Processor) claimNext(ctx context.Context) (job *entity.Job, found bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil, true, nil
	}

	opCtx := context.WithoutCancel(ctx)
	jobID, err := p.Store.Dequeue(opCtx)
	if err != nil {
		return nil, false, fmt.Errorf("dequeue: %w", err)
	}
	if jobID == "" {
		return nil, false, nil
	}

	claimed, err := p.Store.ClaimJob(opCtx, jobID)
	if err != nil {
		if qerr := p.Store.PushFront(opCtx, jobID); qerr != nil {
			log.Printf("job %s: return to queue head after failed claim: %v", jobID, qerr)
		}
		return nil, true, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !claimed {
		log.Printf("debug: job %s was not claimable; another instance got it first or it already finished", jobID)
		return nil, true, nil
	}

	job, err = p.Store.GetJob(opCtx, jobID)
	if err != nil {
		if _, rerr := p.Store.RequeueJob(opCtx, jobID); rerr != nil {
			log.Printf("job %s: requeue after failed read: %v", jobID, rerr)
		}
		return nil, true, fmt.Errorf("get claimed job %s: %w", jobID, err)
	}

	p.currentJobID = jobID
	if err := p.Store.SetCurrentJob(opCtx, jobID); err != nil {
		log.Printf("job %s: set processing marker: %v", jobID, err)
	}
	return job, true, nil
}

type execResult struct {
	result json.RawMessage
	err    error
}

func (p *Processor) runJob(ctx context.Context, job *entity.Job) {
	log.Printf("job %s claimed (%s)", job.ID, job.Parameters.Name)
	p.publishStatus(ctx, entity.ProcessorStatus{
		State:   entity.ProcessorProcessing,
		JobID:   job.ID,
		Message: "processing " + job.Parameters.Name,
	})

	opCtx := context.WithoutCancel(ctx)
	if err := p.Store.UpdateJob(opCtx, job.ID, entity.JobUpdate{
		Progress:    entity.IntPtr(0),
		CurrentStep: entity.StringPtr("Starting"),
	}); err != nil {
		log.Printf("job %s: record start: %v", job.ID, err)
	}

	if err := p.validate(ctx, job.Parameters); err != nil {
		p.finish(opCtx, job, nil, err)
		return
	}

	reporter := newProgressReporter(p.Store, job.ID)
	go reporter.run(ctx)

	results := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("job %s: executor panic: %v\n%s", job.ID, r, debug.Stack())
				results <- execResult{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		out, err := p.Executor.Process(opCtx, job.Parameters, reporter.report)
		results <- execResult{result: out, err: err}
	}()

	select {
	case res := <-results:
		reporter.close()
		p.finish(opCtx, job, res.result, res.err)
	case <-ctx.Done():
		reporter.close()
		log.Printf("job %s: processor stopping while the executor is still running", job.ID)
	}
}

func (p *Processor) validate(ctx context.Context, params entity.JobParameters) error {
	if params.MediaPath == "" {
		return ErrMissingMedia
	}
	if p.Validator == nil {
		return nil
	}
	if err := p.Validator.ValidateMedia(ctx, params); err != nil {
		return fmt.Errorf("validate media: %w", err)
	}
	return nil
}

// finish records the outcome unless shutdown already took the job back.
func (p *Processor) finish(ctx context.Context, job *entity.Job, result json.RawMessage, execErr error) {
	if !p.recordOutcome(ctx, job.ID, result, execErr) {
		return
	}
	p.afterTerminal(ctx, job.ID)
}

// outcome is a terminal write for the current job.
type outcome struct {
	jobID  string
	update entity.JobUpdate
}

func (o outcome) completed() bool {
	return o.update.Status != nil && *o.update.Status == entity.StatusCompleted
}

// recordOutcome reports whether the terminal state was stored. A failed
// write keeps the job current and is retried by the next poll.
func (p *Processor) recordOutcome(ctx context.Context, jobID string, result json.RawMessage, execErr error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.currentJobID != jobID {
		log.Printf("job %s: outcome discarded, processor already released it", jobID)
		return false
	}

	now := p.now().UTC()
	o := outcome{jobID: jobID}
	if execErr != nil {
		log.Printf("job %s failed: %v", jobID, execErr)
		o.update = entity.JobUpdate{
			Status:      entity.StatusPtr(entity.StatusFailed),
			CurrentStep: entity.StringPtr("Failed"),
			Error:       entity.StringPtr(execErr.Error()),
			FailedAt:    entity.TimePtr(now),
		}
	} else {
		o.update = entity.JobUpdate{
			Status:      entity.StatusPtr(entity.StatusCompleted),
			Progress:    entity.IntPtr(100),
			CurrentStep: entity.StringPtr("Completed"),
			Result:      result,
			CompletedAt: entity.TimePtr(now),
		}
	}
	return p.commitLocked(ctx, o)
}

// flushPending retries a terminal write that failed earlier. It returns
// false while the write is still outstanding; nothing new is claimed then.
func (p *Processor) flushPending(ctx context.Context) bool {
	p.mu.Lock()
	o := p.pending
	if o == nil {
		p.mu.Unlock()
		return true
	}
	if !p.running {
		p.mu.Unlock()
		return false
	}
	opCtx := context.WithoutCancel(ctx)
	ok := p.commitLocked(opCtx, *o)
	p.mu.Unlock()

	if !ok {
		p.publishStatus(ctx, entity.ProcessorStatus{
			State:   entity.ProcessorError,
			Reason:  "store_unavailable",
			JobID:   o.jobID,
			Message: "retrying the final status write of job " + o.jobID,
		})
		return false
	}
	log.Printf("job %s: final status stored after retry", o.jobID)
	p.afterTerminal(opCtx, o.jobID)
	return true
}

// commitLocked writes o and releases the job. Callers hold p.mu.
func (p *Processor) commitLocked(ctx context.Context, o outcome) bool {
	if err := p.Store.UpdateJob(ctx, o.jobID, o.update); err != nil {
		log.Printf("job %s: record outcome: %v", o.jobID, err)
		p.pending = &o
		return false
	}
	p.pending = nil
	p.outcomeRecorded(ctx, o)

	p.currentJobID = ""
	if err := p.Store.ClearCurrentJob(ctx, o.jobID); err != nil {
		log.Printf("job %s: clear processing marker: %v", o.jobID, err)
	}
	return true
}

func (p *Processor) outcomeRecorded(ctx context.Context, o outcome) {
	if !o.completed() {
		return
	}
	log.Printf("job %s completed", o.jobID)
	if err := p.Store.SetLastCompletion(ctx, *o.update.CompletedAt); err != nil {
		log.Printf("job %s: record completion time: %v", o.jobID, err)
	}
	if err := p.Store.InvalidateCache(ctx); err != nil {
		log.Printf("job %s: invalidate cache: %v", o.jobID, err)
	}
}

// afterTerminal runs the best-effort follow-ups of a finished job.
func (p *Processor) afterTerminal(ctx context.Context, jobID string) {
	job, err := p.Store.GetJob(ctx, jobID)
	if err != nil {
		log.Printf("job %s: reload finished job: %v", jobID, err)
		return
	}

	if p.History != nil {
		if err := p.History.RecordJob(ctx, job); err != nil {
			log.Printf("job %s: archive: %v", jobID, err)
		}
	}

	if p.Publisher != nil {
		event := entity.JobEvent{
			Type:    entity.EventJobCompleted,
			JobID:   job.ID,
			BatchID: job.BatchID,
			Status:  job.Status,
			Error:   job.Error,
			At:      p.now().UTC(),
		}
		if job.Status == entity.StatusFailed {
			event.Type = entity.EventJobFailed
		}
		if msg, err := utils.ToRawMessage(event); err != nil {
			log.Printf("job %s: encode event: %v", jobID, err)
		} else if err := p.Publisher.Publish(ctx, msg); err != nil {
			log.Printf("job %s: publish event: %v", jobID, err)
		}
	}

	if job.BatchID != "" && p.Batches != nil {
		view, err := p.Batches.GetBatchStatus(ctx, job.BatchID)
		if err != nil {
			log.Printf("batch %s: refresh status: %v", job.BatchID, err)
		} else {
			log.Printf("batch %s is %s (%d completed, %d failed of %d)",
				view.ID, view.Status, view.CompletedCount, view.FailedCount, view.TotalCount)
		}
	}
}

// publishStatus is advisory; failures are only logged.
func (p *Processor) publishStatus(ctx context.Context, status entity.ProcessorStatus) {
	status.InstanceID = p.instanceID
	status.UpdatedAt = p.now().UTC()
	if n, err := p.Store.QueueLength(ctx); err == nil {
		status.QueueSize = n
	}
	if err := p.Store.SetProcessorStatus(ctx, status); err != nil {
		log.Printf("processor: publish status %s: %v", status.State, err)
	}
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	case <-p.wake:
	}
	return true
}
