// Package domain defines background tasks: downloads and transform requests
// dispatched to worker queues.
package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the task variants stored in the tasks table.
type Kind string

const (
	KindDownload  Kind = "DOWNLOAD"
	KindTransform Kind = "TRANSFORM"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusTimeout    Status = "TIMEOUT"
	StatusAborted    Status = "ABORTED"
)

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusAborted:
		return true
	}
	return false
}

// Task is a unit of background work.
type Task struct {
	ID           uuid.UUID
	Kind         Kind
	Status       Status
	Payload      json.RawMessage
	AttemptCount int
	MaxAttempts  int
	// DispatchCount is bumped on every re-publish and keeps dispatch keys unique.
	DispatchCount int
	Timeout       time.Duration
	LastError     *string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

// EnqueueInput contains the parameters of a new task. Zero MaxAttempts and
// Timeout take the configured defaults.
type EnqueueInput struct {
	Kind        Kind
	Payload     json.RawMessage
	MaxAttempts int
	Timeout     time.Duration
}

// NewTask builds a QUEUED task.
func NewTask(
	id uuid.UUID,
	kind Kind,
	payload json.RawMessage,
	maxAttempts int,
	timeout time.Duration,
	now time.Time,
) (*Task, error) {
	if kind != KindDownload && kind != KindTransform {
		return nil, ErrUnknownKind
	}
	if maxAttempts < 1 {
		return nil, ErrInvalidMaxAttempts
	}
	if timeout < time.Second {
		return nil, ErrInvalidTimeout
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}

	return &Task{
		ID:          id,
		Kind:        kind,
		Status:      StatusQueued,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		Timeout:     timeout.Truncate(time.Second),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// IsTerminal reports whether the task reached a final state.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// HasAttemptsLeft reports whether another execution is allowed.
func (t *Task) HasAttemptsLeft() bool {
	return t.AttemptCount < t.MaxAttempts
}

// DispatchKey is the outbox idempotency key of the current dispatch.
func (t *Task) DispatchKey() string {
	return fmt.Sprintf("task:%s:dispatch:%d", t.ID, t.DispatchCount)
}

// IsOverdue reports whether the task sat in its current state past its timeout.
func (t *Task) IsOverdue(now time.Time) bool {
	return t.UpdatedAt.Add(t.Timeout).Before(now)
}

// Start claims a QUEUED task for execution and consumes an attempt.
func (t *Task) Start(now time.Time) error {
	if t.Status != StatusQueued {
		return ErrInvalidTransition
	}
	if !t.HasAttemptsLeft() {
		return ErrAttemptsExhausted
	}
	t.Status = StatusProcessing
	t.AttemptCount++
	t.StartedAt = &now
	t.UpdatedAt = now
	return nil
}

// Complete finishes a PROCESSING task.
func (t *Task) Complete(now time.Time) error {
	if t.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	t.Status = StatusCompleted
	t.CompletedAt = &now
	t.LastError = nil
	t.UpdatedAt = now
	return nil
}

// Fail records a failed execution. The task goes back to QUEUED with a new
// dispatch when attempts remain and to FAILED otherwise. It reports whether the
// task was requeued.
func (t *Task) Fail(now time.Time, cause error) (bool, error) {
	if t.Status != StatusProcessing {
		return false, ErrInvalidTransition
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	t.LastError = &msg
	t.UpdatedAt = now

	if t.HasAttemptsLeft() {
		t.Status = StatusQueued
		t.DispatchCount++
		return true, nil
	}
	t.Status = StatusFailed
	t.CompletedAt = &now
	return false, nil
}

// Redispatch puts a stuck QUEUED or PROCESSING task back on the queue under a
// new dispatch number.
func (t *Task) Redispatch(now time.Time) error {
	if t.Status != StatusQueued && t.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	if !t.HasAttemptsLeft() {
		return ErrAttemptsExhausted
	}
	t.Status = StatusQueued
	t.DispatchCount++
	t.UpdatedAt = now
	return nil
}

// TimeOut terminates a QUEUED or PROCESSING task that will not finish.
func (t *Task) TimeOut(now time.Time) error {
	if t.Status != StatusQueued && t.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	msg := fmt.Sprintf("timed out after %d of %d attempts", t.AttemptCount, t.MaxAttempts)
	t.Status = StatusTimeout
	t.LastError = &msg
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

// Abort cancels a task that has not finished.
func (t *Task) Abort(now time.Time) error {
	if t.IsTerminal() {
		return ErrInvalidTransition
	}
	t.Status = StatusAborted
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

// DispatchMessage is the queue message that asks a worker to run a task.
type DispatchMessage struct {
	TaskID   uuid.UUID `json:"task_id"`
	Kind     Kind      `json:"kind"`
	Dispatch int       `json:"dispatch"`
}

// DownloadPayload is the payload of a DOWNLOAD task.
type DownloadPayload struct {
	SourceURL string `json:"source_url"`
	TargetKey string `json:"target_key"`
}

// TransformPayload is the payload of a TRANSFORM task: copy an object of the
// task bucket to a new key with the given content type.
type TransformPayload struct {
	SourceKey   string `json:"source_key"`
	TargetKey   string `json:"target_key"`
	ContentType string `json:"content_type,omitempty"`
}
