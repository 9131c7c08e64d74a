package usecase

import (
	"clipqueue/internal/domain/entity"
	"context"
	"encoding/json"
	"time"
)

type ProcessorLock interface {
	AcquireLock(ctx context.Context, token string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, token string) error
}

type ProcessingMarker interface {
	CurrentJob(ctx context.Context) (string, error)
	SetCurrentJob(ctx context.Context, jobID string) error
	// ClearCurrentJob removes the marker only while it still names jobID.
	ClearCurrentJob(ctx context.Context, jobID string) error
}

type JobQueue interface {
	Enqueue(ctx context.Context, jobID string) error
	// PushFront puts jobID at the head of the queue, dropping any other
	// occurrence of it.
	PushFront(ctx context.Context, jobID string) error
	Dequeue(ctx context.Context) (string, error)
	QueueLength(ctx context.Context) (int64, error)
}

type JobRepo interface {
	CreateJob(ctx context.Context, job *entity.Job) error
	GetJob(ctx context.Context, jobID string) (*entity.Job, error)
	UpdateJob(ctx context.Context, jobID string, update entity.JobUpdate) error
	ListJobs(ctx context.Context) ([]entity.Job, error)
	// ClaimJob atomically moves a QUEUED job to PROCESSING. It reports false,
	// without error, when the job is in any other state.
	ClaimJob(ctx context.Context, jobID string) (bool, error)
	// RequeueJob moves a PROCESSING job back to QUEUED and places its id at
	// the head of the queue exactly once.
	RequeueJob(ctx context.Context, jobID string) (bool, error)
}

type BatchRepo interface {
	CreateBatch(ctx context.Context, batch *entity.Batch) error
	GetBatch(ctx context.Context, batchID string) (*entity.Batch, error)
	UpdateBatchStatus(ctx context.Context, batchID string, status entity.BatchStatus, completed, failed int) error
}

type RateLimitBook interface {
	LastCompletion(ctx context.Context) (time.Time, error)
	SetLastCompletion(ctx context.Context, at time.Time) error
}

type StatusBroadcaster interface {
	SetProcessorStatus(ctx context.Context, status entity.ProcessorStatus) error
	GetProcessorStatus(ctx context.Context) (*entity.ProcessorStatus, error)
}

type CacheInvalidator interface {
	InvalidateCache(ctx context.Context) error
}

// JobStore is the shared store every processor instance and the batch
// service talk to.
type JobStore interface {
	ProcessorLock
	ProcessingMarker
	JobQueue
	JobRepo
	BatchRepo
	RateLimitBook
	StatusBroadcaster
	CacheInvalidator
}

// ProgressFunc receives progress in percent (0..100) and a step message.
type ProgressFunc func(percent int, message string)

type JobExecutor interface {
	Process(ctx context.Context, params entity.JobParameters, progress ProgressFunc) (json.RawMessage, error)
}

type MediaValidator interface {
	ValidateMedia(ctx context.Context, params entity.JobParameters) error
}

type HistoryRepo interface {
	RecordJob(ctx context.Context, job *entity.Job) error
	GetJob(ctx context.Context, jobID string) (*entity.Job, error)
}

// BatchArchive lists the archived jobs of one batch.
type BatchArchive interface {
	ListByBatch(ctx context.Context, batchID string) ([]entity.JobHistory, error)
}

type Publisher interface {
	Publish(ctx context.Context, body json.RawMessage) error
}

type ResultLinker interface {
	PresignResult(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type BatchRefresher interface {
	GetBatchStatus(ctx context.Context, batchID string) (*entity.BatchView, error)
}
