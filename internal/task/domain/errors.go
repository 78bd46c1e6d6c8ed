package domain

import (
	"github.com/allisson/effectd/internal/errors"
)

// Task errors.
var (
	ErrTaskNotFound = errors.Wrap(errors.ErrNotFound, "task not found")

	// ErrInvalidTransition indicates the requested move is not allowed from the current status.
	ErrInvalidTransition = errors.Wrap(errors.ErrConflict, "invalid task transition")

	// ErrStateConflict indicates a conditional update lost to a concurrent writer.
	ErrStateConflict = errors.Wrap(errors.ErrConflict, "task state changed concurrently")

	// ErrNotOverdue indicates a redispatch was asked for a task still within its timeout.
	ErrNotOverdue = errors.Wrap(errors.ErrConflict, "task is not past its timeout")

	ErrAttemptsExhausted = errors.Wrap(errors.ErrExhausted, "task has no attempts left")

	ErrUnknownKind        = errors.Wrap(errors.ErrInvalidInput, "unknown task kind")
	ErrInvalidMaxAttempts = errors.Wrap(errors.ErrInvalidInput, "max attempts must be at least 1")
	ErrInvalidTimeout     = errors.Wrap(errors.ErrInvalidInput, "timeout must be at least one second")
	ErrInvalidPayload     = errors.Wrap(errors.ErrInvalidInput, "task payload must be valid JSON")
)
