package entity

import (
	"time"

	"gorm.io/gorm"
)

// JobHistory is the archived copy of a job that reached a terminal status.
type JobHistory struct {
	JobID       string    `gorm:"primaryKey;type:text"`
	BatchID     string    `gorm:"index;type:text"`
	Name        string    `gorm:"type:text"`
	MediaPath   string    `gorm:"not null;type:text"`
	Status      JobStatus `gorm:"not null;type:text"`
	Error       string    `gorm:"type:text"`
	Result      string    `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
	DeletedAt   gorm.DeletedAt `gorm:"index"`
}

func (JobHistory) TableName() string { return "job_history" }

func NewJobHistory(job *Job) *JobHistory {
	return &JobHistory{
		JobID:       job.ID,
		BatchID:     job.BatchID,
		Name:        job.Parameters.Name,
		MediaPath:   job.Parameters.MediaPath,
		Status:      job.Status,
		Error:       job.Error,
		Result:      string(job.Result),
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		CompletedAt: job.CompletedAt,
		FailedAt:    job.FailedAt,
	}
}

// ToJob rebuilds the public job view from an archived row.
func (h *JobHistory) ToJob() *Job {
	job := &Job{
		ID:      h.JobID,
		Status:  h.Status,
		BatchID: h.BatchID,
		Parameters: JobParameters{
			Name:      h.Name,
			MediaPath: h.MediaPath,
		},
		Error:       h.Error,
		CreatedAt:   h.CreatedAt,
		UpdatedAt:   h.UpdatedAt,
		CompletedAt: h.CompletedAt,
		FailedAt:    h.FailedAt,
	}
	if h.Status == StatusCompleted {
		job.Progress = 100
	}
	if h.Result != "" {
		job.Result = []byte(h.Result)
	}
	return job
}
