// Package task provides the batch-job model and its persistent store. The
// task table is the single system of record for job state; progress events
// ride a separate ephemeral channel.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Status is the task lifecycle state. Transitions are monotonic and forward
// only: PENDING -> RUNNING -> SUCCESS | FAILURE.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Item is one (brand, article) pair from the submitted batch.
type Item struct {
	Brand string `json:"brand"`
	SKU   string `json:"sku"`
}

// Task is one batch lookup-and-export job.
type Task struct {
	ID             uuid.UUID  `json:"id"`
	Status         Status     `json:"status"`
	Items          []Item     `json:"items"`
	SupplierGroup  string     `json:"supplier_group"`
	ResultLocation string     `json:"result_location,omitempty"`
	ErrorDetail    string     `json:"error_detail,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the task has reached a final state.
func (t *Task) Terminal() bool {
	return t.Status == StatusSuccess || t.Status == StatusFailure
}

// Duration returns the task's execution time so far, or total time once the
// task is terminal.
func (t *Task) Duration() time.Duration {
	if t.CompletedAt != nil {
		return t.CompletedAt.Sub(t.CreatedAt)
	}
	return time.Since(t.CreatedAt)
}
