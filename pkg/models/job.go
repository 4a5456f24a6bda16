package models

import "time"

// JobKind categorizes async operations.
type JobKind string

const (
	JobImport JobKind = "import"
	JobExport JobKind = "export"
	JobBackup JobKind = "backup"
)

// JobStatus is the lifecycle state of an async job.
type JobStatus string

const (
	JobPending             JobStatus = "pending"
	JobRunning             JobStatus = "running"
	JobCompleted           JobStatus = "completed"
	JobCompletedWithErrors JobStatus = "completed_with_errors"
	JobFailed              JobStatus = "failed"
	JobCancelled           JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobCompletedWithErrors, JobFailed, JobCancelled:
		return true
	}
	return false
}

// JobProgress tracks streaming counters during a job.
type JobProgress struct {
	Total     int `json:"total,omitempty"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Job is the status record for an async import/export/backup operation.
type Job struct {
	ID         string      `json:"id"`
	Kind       JobKind     `json:"kind"`
	Status     JobStatus   `json:"status"`
	TenantID   string      `json:"tenant_id,omitempty"`
	DatasetID  string      `json:"dataset_id,omitempty"`
	Progress   JobProgress `json:"progress"`
	Errors     []string    `json:"errors,omitempty"`
	OutputURI  string      `json:"output_uri,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}
