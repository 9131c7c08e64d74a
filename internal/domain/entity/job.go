package entity

import (
	"encoding/json"
	"errors"
	"time"
)

type JobStatus string

const (
	StatusQueued     JobStatus = "QUEUED"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrJobNotProcessing  = errors.New("job is not processing")
)

// JobParameters is everything the clip pipeline needs for one media item.
type JobParameters struct {
	Name               string `json:"name"`
	MediaPath          string `json:"media_path"`
	TargetSubtitlePath string `json:"target_subtitle_path,omitempty"`
	NativeSubtitlePath string `json:"native_subtitle_path,omitempty"`
	TargetLanguage     string `json:"target_language"`
	NativeLanguage     string `json:"native_language"`
	MaxClips           int    `json:"max_clips,omitempty"`
	OutputDir          string `json:"output_dir,omitempty"`
}

type Job struct {
	ID          string          `json:"id"`
	Status      JobStatus       `json:"status"`
	BatchID     string          `json:"batch_id,omitempty"`
	Parameters  JobParameters   `json:"parameters"`
	Progress    int             `json:"progress"`
	CurrentStep string          `json:"current_step,omitempty"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
}

// JobUpdate is a partial update; nil fields are left untouched.
type JobUpdate struct {
	Status      *JobStatus
	Progress    *int
	CurrentStep *string
	Error       *string
	Result      json.RawMessage
	CompletedAt *time.Time
	FailedAt    *time.Time
}

func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a merge update may move a job from one
// status to another. QUEUED->PROCESSING belongs to the claim operation and
// PROCESSING->QUEUED to requeue, so neither is allowed here.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	return from == StatusProcessing && to.IsTerminal()
}

// Apply merges u into j and stamps UpdatedAt. Updates that do not change
// the status are progress reports and only land on PROCESSING jobs.
func (j *Job) Apply(u JobUpdate, now time.Time) error {
	if u.Status == nil && j.Status != StatusProcessing {
		return ErrJobNotProcessing
	}
	if u.Status != nil {
		if !CanTransition(j.Status, *u.Status) {
			return ErrInvalidTransition
		}
		j.Status = *u.Status
	}
	if u.Progress != nil {
		j.Progress = ClampProgress(*u.Progress)
	}
	if u.CurrentStep != nil {
		j.CurrentStep = *u.CurrentStep
	}
	if u.Error != nil {
		j.Error = *u.Error
	}
	if u.Result != nil {
		j.Result = u.Result
	}
	if u.CompletedAt != nil {
		t := u.CompletedAt.UTC()
		j.CompletedAt = &t
	}
	if u.FailedAt != nil {
		t := u.FailedAt.UTC()
		j.FailedAt = &t
	}
	j.UpdatedAt = now.UTC()
	return nil
}

// Claim moves a QUEUED job to PROCESSING. It returns false for any other status.
func (j *Job) Claim(now time.Time) bool {
	if j.Status != StatusQueued {
		return false
	}
	j.Status = StatusProcessing
	j.UpdatedAt = now.UTC()
	return true
}

// Requeue returns a PROCESSING job to QUEUED and resets its progress so it
// starts over from the beginning.
func (j *Job) Requeue(now time.Time) bool {
	if j.Status != StatusProcessing {
		return false
	}
	j.Status = StatusQueued
	j.Progress = 0
	j.CurrentStep = "Requeued"
	j.UpdatedAt = now.UTC()
	return true
}

func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func StatusPtr(s JobStatus) *JobStatus { return &s }

func IntPtr(v int) *int { return &v }

func StringPtr(v string) *string { return &v }

func TimePtr(t time.Time) *time.Time { return &t }
