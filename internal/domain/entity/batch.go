package entity

import (
	"errors"
	"time"
)

type BatchStatus string

const (
	BatchPending         BatchStatus = "PENDING"
	BatchProcessing      BatchStatus = "PROCESSING"
	BatchCompleted       BatchStatus = "COMPLETED"
	BatchFailed          BatchStatus = "FAILED"
	BatchPartiallyFailed BatchStatus = "PARTIALLY_FAILED"
	BatchUnknown         BatchStatus = "UNKNOWN"
)

var ErrBatchNotFound = errors.New("batch not found")

// BatchConfig holds the settings shared by every job in a batch.
type BatchConfig struct {
	TargetLanguage string `json:"target_language"`
	NativeLanguage string `json:"native_language"`
	MaxClips       int    `json:"max_clips,omitempty"`
	OutputDir      string `json:"output_dir,omitempty"`
}

type Batch struct {
	ID             string      `json:"id"`
	JobIDs         []string    `json:"job_ids"`
	Config         BatchConfig `json:"config"`
	Status         BatchStatus `json:"status"`
	CompletedCount int         `json:"completed_count"`
	FailedCount    int         `json:"failed_count"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

type BatchJobSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Status      JobStatus `json:"status"`
	Progress    int       `json:"progress"`
	CurrentStep string    `json:"current_step,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// BatchView is a batch with its status freshly derived from its jobs.
type BatchView struct {
	Batch
	TotalCount int               `json:"total_count"`
	Jobs       []BatchJobSummary `json:"jobs"`
}
