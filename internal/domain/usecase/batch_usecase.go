package usecase

import (
	"clipqueue/internal/domain/entity"
	"clipqueue/pkg/utils"
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultMaxBatchSize = 20

var (
	ErrEmptyBatch    = errors.New("batch has no jobs")
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
	ErrMissingConfig = errors.New("batch config is missing required fields")
	ErrNoValidJobs   = errors.New("batch has no job with a media reference")
	ErrMissingMedia  = errors.New("media path is required")
)

// BatchJobInput is one item of a batch submission.
type BatchJobInput struct {
	Name               string `json:"name,omitempty"`
	MediaPath          string `json:"media_path"`
	TargetSubtitlePath string `json:"target_subtitle_path,omitempty"`
	NativeSubtitlePath string `json:"native_subtitle_path,omitempty"`
}

type JobDescriptor struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	MediaPath string           `json:"media_path"`
	Status    entity.JobStatus `json:"status"`
}

type SkippedItem struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

type BatchCreated struct {
	BatchID string          `json:"batch_id"`
	Jobs    []JobDescriptor `json:"jobs"`
	Skipped []SkippedItem   `json:"skipped,omitempty"`
}

type BatchRepoStore interface {
	JobRepo
	JobQueue
	BatchRepo
}

type BatchUseCase struct {
	Store        BatchRepoStore
	Publisher    Publisher
	Archive      BatchArchive
	MaxBatchSize int
	now          func() time.Time
}

func NewBatchUseCase(store BatchRepoStore, pub Publisher, maxBatchSize int) *BatchUseCase {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	return &BatchUseCase{
		Store:        store,
		Publisher:    pub,
		MaxBatchSize: maxBatchSize,
		now:          time.Now,
	}
}

// CreateBatch fans a submission out into one queued job per input. Size and
// config are validated before anything is written; items without media are
// skipped rather than failing the batch.
func (u *BatchUseCase) CreateBatch(ctx context.Context, inputs []BatchJobInput, cfg entity.BatchConfig) (*BatchCreated, error) {
	if len(inputs) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(inputs) > u.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d jobs, maximum is %d", ErrBatchTooLarge, len(inputs), u.MaxBatchSize)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	batchID := uuid.New().String()
	now := u.now().UTC()

	var (
		jobs    []*entity.Job
		skipped []SkippedItem
	)
	for i, in := range inputs {
		job, err := newJob(in, cfg, batchID, now)
		if err != nil {
			log.Printf("batch %s: skipping item %d: %v", batchID, i, err)
			skipped = append(skipped, SkippedItem{Index: i, Reason: err.Error()})
			continue
		}
		jobs = append(jobs, job)
	}
	if len(jobs) == 0 {
		return nil, ErrNoValidJobs
	}

	batch := &entity.Batch{
		ID:        batchID,
		JobIDs:    make([]string, 0, len(jobs)),
		Config:    cfg,
		Status:    entity.BatchPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, job := range jobs {
		batch.JobIDs = append(batch.JobIDs, job.ID)
	}

	// the batch record goes first so a processor finishing one of its jobs
	// can always find it
	if err := u.Store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	created := &BatchCreated{BatchID: batchID, Skipped: skipped}
	for _, job := range jobs {
		if err := u.Store.CreateJob(ctx, job); err != nil {
			return nil, fmt.Errorf("create job %s: %w", job.ID, err)
		}
		if err := u.Store.Enqueue(ctx, job.ID); err != nil {
			return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
		}
		created.Jobs = append(created.Jobs, JobDescriptor{
			ID:        job.ID,
			Name:      job.Parameters.Name,
			MediaPath: job.Parameters.MediaPath,
			Status:    job.Status,
		})
	}

	log.Printf("batch %s created with %d jobs (%d skipped)", batchID, len(created.Jobs), len(skipped))

	if u.Publisher != nil {
		event := entity.JobEvent{
			Type:    entity.EventBatchCreated,
			BatchID: batchID,
			JobIDs:  batch.JobIDs,
			At:      now,
		}
		if msg, err := utils.ToRawMessage(event); err != nil {
			log.Printf("batch %s: encode event: %v", batchID, err)
		} else if err := publishWithRetry(ctx, u.Publisher, msg); err != nil {
			log.Printf("batch %s: publish event: %v", batchID, err)
		}
	}

	return created, nil
}

// GetBatchStatus rereads every job of the batch, derives the status and
// persists it when it moved. The returned status is always the derived one.
func (u *BatchUseCase) GetBatchStatus(ctx context.Context, batchID string) (*entity.BatchView, error) {
	batch, err := u.Store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	jobs, err := u.batchJobs(ctx, batch)
	if err != nil {
		return nil, err
	}

	status := CalculateBatchStatus(jobs)
	completed, failed := countTerminal(jobs)

	if status != batch.Status || completed != batch.CompletedCount || failed != batch.FailedCount {
		if err := u.Store.UpdateBatchStatus(ctx, batchID, status, completed, failed); err != nil {
			return nil, fmt.Errorf("update batch status: %w", err)
		}
		batch.UpdatedAt = u.now().UTC()
	}
	batch.Status = status
	batch.CompletedCount = completed
	batch.FailedCount = failed

	view := &entity.BatchView{
		Batch:      *batch,
		TotalCount: len(batch.JobIDs),
		Jobs:       make([]entity.BatchJobSummary, 0, len(jobs)),
	}
	for _, job := range jobs {
		view.Jobs = append(view.Jobs, entity.BatchJobSummary{
			ID:          job.ID,
			Name:        job.Parameters.Name,
			Status:      job.Status,
			Progress:    job.Progress,
			CurrentStep: job.CurrentStep,
			Error:       job.Error,
		})
	}
	return view, nil
}

// batchJobs loads the jobs of a batch in submission order. Jobs gone from the
// store are taken from the archive when one is configured.
func (u *BatchUseCase) batchJobs(ctx context.Context, batch *entity.Batch) ([]entity.Job, error) {
	found := make(map[string]entity.Job, len(batch.JobIDs))
	var missing []string
	for _, id := range batch.JobIDs {
		job, err := u.Store.GetJob(ctx, id)
		if errors.Is(err, entity.ErrJobNotFound) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get job %s: %w", id, err)
		}
		found[id] = *job
	}

	if len(missing) > 0 && u.Archive != nil {
		rows, err := u.Archive.ListByBatch(ctx, batch.ID)
		if err != nil {
			log.Printf("batch %s: list archived jobs: %v", batch.ID, err)
		}
		for i := range rows {
			if _, ok := found[rows[i].JobID]; !ok {
				found[rows[i].JobID] = *rows[i].ToJob()
			}
		}
	}

	jobs := make([]entity.Job, 0, len(found))
	for _, id := range batch.JobIDs {
		job, ok := found[id]
		if !ok {
			log.Printf("batch %s: job %s not found", batch.ID, id)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// CalculateBatchStatus derives a batch status from the multiset of its job
// statuses. Job order never affects the result.
func CalculateBatchStatus(jobs []entity.Job) entity.BatchStatus {
	if len(jobs) == 0 {
		return entity.BatchPending
	}

	counts := make(map[entity.JobStatus]int, 4)
	for _, job := range jobs {
		counts[job.Status]++
	}
	total := len(jobs)
	queued := counts[entity.StatusQueued]
	processing := counts[entity.StatusProcessing]
	completed := counts[entity.StatusCompleted]
	failed := counts[entity.StatusFailed]

	switch {
	case completed == total:
		return entity.BatchCompleted
	case failed == total:
		return entity.BatchFailed
	case failed > 0 && completed > 0 && processing == 0 && queued == 0:
		return entity.BatchPartiallyFailed
	case queued == total:
		return entity.BatchPending
	case processing > 0 || queued > 0:
		return entity.BatchProcessing
	default:
		return entity.BatchUnknown
	}
}

func countTerminal(jobs []entity.Job) (completed, failed int) {
	for _, job := range jobs {
		switch job.Status {
		case entity.StatusCompleted:
			completed++
		case entity.StatusFailed:
			failed++
		}
	}
	return completed, failed
}

func validateConfig(cfg entity.BatchConfig) error {
	var missing []string
	if strings.TrimSpace(cfg.TargetLanguage) == "" {
		missing = append(missing, "target_language")
	}
	if strings.TrimSpace(cfg.NativeLanguage) == "" {
		missing = append(missing, "native_language")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}
	if cfg.MaxClips < 0 {
		return fmt.Errorf("%w: max_clips must not be negative", ErrMissingConfig)
	}
	return nil
}

func newJob(in BatchJobInput, cfg entity.BatchConfig, batchID string, now time.Time) (*entity.Job, error) {
	media := strings.TrimSpace(in.MediaPath)
	if media == "" {
		return nil, ErrMissingMedia
	}
	return &entity.Job{
		ID:      uuid.New().String(),
		Status:  entity.StatusQueued,
		BatchID: batchID,
		Parameters: entity.JobParameters{
			Name:               displayName(in.Name, media),
			MediaPath:          media,
			TargetSubtitlePath: in.TargetSubtitlePath,
			NativeSubtitlePath: in.NativeSubtitlePath,
			TargetLanguage:     cfg.TargetLanguage,
			NativeLanguage:     cfg.NativeLanguage,
			MaxClips:           cfg.MaxClips,
			OutputDir:          cfg.OutputDir,
		},
		CurrentStep: "Queued",
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// displayName falls back to the media file name without its extension.
func displayName(name, mediaPath string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	base := filepath.Base(mediaPath)
	if stem := strings.TrimSuffix(base, filepath.Ext(base)); stem != "" {
		return stem
	}
	return base
}
