// Package domain defines upload sessions and their state machine.
//
// A session moves PREPARING -> ACTIVE -> {COMPLETED, FAILED, EXPIRED, ABORTED}.
// Single sessions start ACTIVE; multipart sessions stay PREPARING until their
// first part arrives. Terminal states are absorbing.
package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the upload variant.
type Kind string

const (
	KindSingle    Kind = "SINGLE"
	KindMultipart Kind = "MULTIPART"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPreparing Status = "PREPARING"
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
	StatusAborted   Status = "ABORTED"
)

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusAborted:
		return true
	}
	return false
}

// Part is an uploaded part of a multipart session.
type Part struct {
	SessionID  uuid.UUID
	PartNumber int
	ETag       string
	Size       int64
	CreatedAt  time.Time
}

// Session is an upload in progress.
type Session struct {
	ID            uuid.UUID
	Kind          Kind
	Status        Status
	Bucket        string
	ObjectKey     string
	UploadID      *string
	TotalParts    int
	ExpiresAt     *time.Time
	AttemptCount  int
	MaxAttempts   int
	FailureReason *string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
	Parts         []Part
}

// CreateSessionInput contains the parameters of a new session.
type CreateSessionInput struct {
	Kind      Kind
	Bucket    string
	ObjectKey string
	// UploadID is the storage multipart upload id. Required for multipart sessions.
	UploadID string
	// TotalParts declares the number of parts up front. Zero leaves it open.
	TotalParts  int
	MaxAttempts int
}

// NewSession builds a session from input. ttl sets ExpiresAt when positive.
func NewSession(id uuid.UUID, input CreateSessionInput, now time.Time, ttl time.Duration) (*Session, error) {
	if strings.TrimSpace(input.Bucket) == "" || strings.TrimSpace(input.ObjectKey) == "" {
		return nil, ErrMissingObject
	}
	if input.TotalParts < 0 {
		return nil, ErrInvalidPart
	}

	s := &Session{
		ID:          id,
		Kind:        input.Kind,
		Bucket:      input.Bucket,
		ObjectKey:   input.ObjectKey,
		MaxAttempts: input.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
		Parts:       []Part{},
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 1
	}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		s.ExpiresAt = &expiresAt
	}

	switch input.Kind {
	case KindSingle:
		s.Status = StatusActive
		s.StartedAt = &now
	case KindMultipart:
		if strings.TrimSpace(input.UploadID) == "" {
			return nil, ErrMissingUploadID
		}
		uploadID := input.UploadID
		s.UploadID = &uploadID
		s.TotalParts = input.TotalParts
		s.Status = StatusPreparing
	default:
		return nil, ErrUnknownKind
	}
	return s, nil
}

// IsTerminal reports whether the session reached a final state.
func (s *Session) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// Activate moves a PREPARING session to ACTIVE.
func (s *Session) Activate(now time.Time) error {
	if s.Status != StatusPreparing {
		return ErrInvalidTransition
	}
	s.Status = StatusActive
	s.StartedAt = &now
	s.UpdatedAt = now
	return nil
}

// AddPart registers part. Re-adding an identical part is a no-op reported as
// added=false; a different etag or size for a known part number is a conflict.
// The first part activates a PREPARING session.
func (s *Session) AddPart(part Part, now time.Time) (bool, error) {
	if s.Status != StatusPreparing && s.Status != StatusActive {
		return false, ErrInvalidTransition
	}
	if s.Kind != KindMultipart {
		return false, ErrInvalidPart
	}
	if part.PartNumber < 1 || (s.TotalParts > 0 && part.PartNumber > s.TotalParts) {
		return false, ErrInvalidPart
	}
	if strings.TrimSpace(part.ETag) == "" || part.Size < 0 {
		return false, ErrInvalidPart
	}

	for _, existing := range s.Parts {
		if existing.PartNumber != part.PartNumber {
			continue
		}
		if existing.ETag == part.ETag && existing.Size == part.Size {
			return false, nil
		}
		return false, ErrPartConflict
	}

	part.SessionID = s.ID
	part.CreatedAt = now
	s.Parts = append(s.Parts, part)
	sort.Slice(s.Parts, func(i, j int) bool { return s.Parts[i].PartNumber < s.Parts[j].PartNumber })

	if s.Status == StatusPreparing {
		return true, s.Activate(now)
	}
	s.UpdatedAt = now
	return true, nil
}

// MissingParts returns the part numbers absent from 1..N, where N is TotalParts
// or the highest part number seen when TotalParts is not declared.
func (s *Session) MissingParts() []int {
	n := s.TotalParts
	present := make(map[int]bool, len(s.Parts))
	for _, p := range s.Parts {
		present[p.PartNumber] = true
		if s.TotalParts == 0 && p.PartNumber > n {
			n = p.PartNumber
		}
	}

	missing := []int{}
	for i := 1; i <= n; i++ {
		if !present[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// Complete finishes an ACTIVE session. Multipart sessions need every part
// 1..N present.
func (s *Session) Complete(now time.Time) error {
	if s.Status != StatusActive {
		return ErrInvalidTransition
	}
	if s.Kind == KindMultipart && (len(s.Parts) == 0 || len(s.MissingParts()) > 0) {
		return ErrPartsIncomplete
	}
	s.Status = StatusCompleted
	s.CompletedAt = &now
	s.UpdatedAt = now
	return nil
}

// Fail terminates the session with reason.
func (s *Session) Fail(now time.Time, reason string) error {
	if err := s.finish(StatusFailed, now); err != nil {
		return err
	}
	s.FailureReason = &reason
	return nil
}

// Expire terminates a PREPARING or ACTIVE session whose deadline passed.
func (s *Session) Expire(now time.Time) error {
	return s.finish(StatusExpired, now)
}

// Abort terminates the session on client request.
func (s *Session) Abort(now time.Time) error {
	return s.finish(StatusAborted, now)
}

func (s *Session) finish(status Status, now time.Time) error {
	if s.Status != StatusPreparing && s.Status != StatusActive {
		return ErrInvalidTransition
	}
	s.Status = status
	s.UpdatedAt = now
	return nil
}

// IsExpired reports whether the session deadline is before now.
func (s *Session) IsExpired(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}
