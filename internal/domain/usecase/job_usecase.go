package usecase

import (
	"clipqueue/internal/domain/entity"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"
)

const resultURLExpiry = 24 * time.Hour

type JobStoreReader interface {
	JobRepo
	JobQueue
	StatusBroadcaster
}

// JobView is a job as served to status readers.
type JobView struct {
	entity.Job
	ResultURL string `json:"result_url,omitempty"`
}

type JobUseCase struct {
	Store   JobStoreReader
	History HistoryRepo
	Results ResultLinker
	now     func() time.Time
}

func NewJobUseCase(store JobStoreReader, history HistoryRepo, results ResultLinker) *JobUseCase {
	return &JobUseCase{
		Store:   store,
		History: history,
		Results: results,
		now:     time.Now,
	}
}

// SubmitJob queues a single job outside of any batch.
func (u *JobUseCase) SubmitJob(ctx context.Context, in BatchJobInput, cfg entity.BatchConfig) (*entity.Job, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	job, err := newJob(in, cfg, "", u.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := u.Store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := u.Store.Enqueue(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	log.Printf("job %s submitted (%s)", job.ID, job.Parameters.Name)
	return job, nil
}

// GetJob looks the job up in the live store first and falls back to the
// history archive for jobs that retention already removed.
func (u *JobUseCase) GetJob(ctx context.Context, jobID string) (*JobView, error) {
	job, err := u.Store.GetJob(ctx, jobID)
	if errors.Is(err, entity.ErrJobNotFound) && u.History != nil {
		job, err = u.History.GetJob(ctx, jobID)
	}
	if err != nil {
		return nil, err
	}

	view := &JobView{Job: *job}
	if job.Status == entity.StatusCompleted && u.Results != nil {
		if key := resultKey(job.Result); key != "" {
			url, err := u.Results.PresignResult(ctx, key, resultURLExpiry)
			if err != nil {
				log.Printf("job %s: presign result: %v", jobID, err)
			} else {
				view.ResultURL = url
			}
		}
	}
	return view, nil
}

func (u *JobUseCase) ProcessorStatus(ctx context.Context) (*entity.ProcessorStatus, error) {
	status, err := u.Store.GetProcessorStatus(ctx)
	if err != nil {
		return nil, err
	}
	if n, err := u.Store.QueueLength(ctx); err == nil {
		status.QueueSize = n
	}
	return status, nil
}

func resultKey(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}
	var payload struct {
		OutputKey string `json:"output_key"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return ""
	}
	return payload.OutputKey
}
