package memory

import (
	"clipqueue/internal/domain/entity"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store is an in-process job store with the same contract as the Redis
// store. Several processors may share one Store to model redundant
// instances.
type Store struct {
	mu sync.Mutex

	lockToken   string
	lockExpires time.Time

	current string
	queue   []string
	jobs    map[string]entity.Job
	batches map[string]entity.Batch

	lastCompletion time.Time
	status         *entity.ProcessorStatus
	cacheVersion   int64

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		jobs:    make(map[string]entity.Job),
		batches: make(map[string]entity.Batch),
		now:     time.Now,
	}
}

func (s *Store) AcquireLock(_ context.Context, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.lockToken != "" && s.lockToken != token && now.Before(s.lockExpires) {
		return false, nil
	}
	s.lockToken = token
	s.lockExpires = now.Add(ttl)
	return true, nil
}

func (s *Store) RenewLock(_ context.Context, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.lockToken != token || !now.Before(s.lockExpires) {
		return false, nil
	}
	s.lockExpires = now.Add(ttl)
	return true, nil
}

func (s *Store) ReleaseLock(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockToken == token {
		s.lockToken = ""
		s.lockExpires = time.Time{}
	}
	return nil
}

func (s *Store) CurrentJob(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

func (s *Store) SetCurrentJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = jobID
	return nil
}

func (s *Store) ClearCurrentJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == jobID {
		s.current = ""
	}
	return nil
}

func (s *Store) Enqueue(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, jobID)
	return nil
}

func (s *Store) PushFront(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushFront(jobID)
	return nil
}

func (s *Store) pushFront(jobID string) {
	queue := make([]string, 0, len(s.queue)+1)
	queue = append(queue, jobID)
	for _, id := range s.queue {
		if id != jobID {
			queue = append(queue, id)
		}
	}
	s.queue = queue
}

func (s *Store) Dequeue(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", nil
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	return id, nil
}

func (s *Store) QueueLength(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queue)), nil
}

// QueuedIDs returns a copy of the queue, head first.
func (s *Store) QueuedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queue...)
}

func (s *Store) CreateJob(_ context.Context, job *entity.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(*job)
	return nil
}

func (s *Store) GetJob(_ context.Context, jobID string) (*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, entity.ErrJobNotFound
	}
	out := cloneJob(job)
	return &out, nil
}

func (s *Store) UpdateJob(_ context.Context, jobID string, update entity.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return entity.ErrJobNotFound
	}
	if err := job.Apply(update, s.now()); err != nil {
		return fmt.Errorf("job %s: %w", jobID, err)
	}
	s.jobs[jobID] = cloneJob(job)
	return nil
}

func (s *Store) ListJobs(context.Context) ([]entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ClaimJob(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || !job.Claim(s.now()) {
		return false, nil
	}
	s.jobs[jobID] = job
	return true, nil
}

func (s *Store) RequeueJob(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, entity.ErrJobNotFound
	}
	if !job.Requeue(s.now()) {
		return false, nil
	}
	s.jobs[jobID] = job
	s.pushFront(jobID)
	return true, nil
}

func (s *Store) CreateBatch(_ context.Context, batch *entity.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batch.ID]; ok {
		return fmt.Errorf("batch %s already exists", batch.ID)
	}
	b := *batch
	b.JobIDs = append([]string(nil), batch.JobIDs...)
	s.batches[batch.ID] = b
	return nil
}

func (s *Store) GetBatch(_ context.Context, batchID string) (*entity.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, entity.ErrBatchNotFound
	}
	b.JobIDs = append([]string(nil), b.JobIDs...)
	return &b, nil
}

func (s *Store) UpdateBatchStatus(_ context.Context, batchID string, status entity.BatchStatus, completed, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return entity.ErrBatchNotFound
	}
	b.Status = status
	b.CompletedCount = completed
	b.FailedCount = failed
	b.UpdatedAt = s.now().UTC()
	s.batches[batchID] = b
	return nil
}

func (s *Store) LastCompletion(context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCompletion, nil
}

func (s *Store) SetLastCompletion(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCompletion = at.UTC()
	return nil
}

func (s *Store) SetProcessorStatus(_ context.Context, status entity.ProcessorStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = &status
	return nil
}

func (s *Store) GetProcessorStatus(context.Context) (*entity.ProcessorStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		return &entity.ProcessorStatus{State: entity.ProcessorStopped, Message: "no processor has reported"}, nil
	}
	st := *s.status
	return &st, nil
}

func (s *Store) InvalidateCache(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheVersion++
	return nil
}

func (s *Store) CacheVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cacheVersion
}

func cloneJob(job entity.Job) entity.Job {
	if job.Result != nil {
		job.Result = append([]byte(nil), job.Result...)
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		job.CompletedAt = &t
	}
	if job.FailedAt != nil {
		t := *job.FailedAt
		job.FailedAt = &t
	}
	return job
}
