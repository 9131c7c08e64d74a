package entity

import "time"

type ProcessorState string

const (
	ProcessorIdle       ProcessorState = "idle"
	ProcessorWaiting    ProcessorState = "waiting"
	ProcessorProcessing ProcessorState = "processing"
	ProcessorError      ProcessorState = "error"
	ProcessorStopped    ProcessorState = "stopped"
)

type ProcessorStatus struct {
	State      ProcessorState `json:"state"`
	Reason     string         `json:"reason,omitempty"`
	Message    string         `json:"message,omitempty"`
	JobID      string         `json:"job_id,omitempty"`
	ResumeAt   *time.Time     `json:"resume_at,omitempty"`
	QueueSize  int64          `json:"queue_size"`
	InstanceID string         `json:"instance_id,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

type EventType string

const (
	EventBatchCreated EventType = "batch.created"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
)

type JobEvent struct {
	Type    EventType `json:"type"`
	JobID   string    `json:"job_id,omitempty"`
	BatchID string    `json:"batch_id,omitempty"`
	JobIDs  []string  `json:"job_ids,omitempty"`
	Status  JobStatus `json:"status,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}
