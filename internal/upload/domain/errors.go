package domain

import (
	"github.com/allisson/effectd/internal/errors"
)

// Upload session errors.
var (
	// ErrSessionNotFound indicates no session has the requested id.
	ErrSessionNotFound = errors.Wrap(errors.ErrNotFound, "upload session not found")

	// ErrInvalidTransition indicates the requested move is not allowed from the current status.
	ErrInvalidTransition = errors.Wrap(errors.ErrConflict, "invalid session transition")

	// ErrStateConflict indicates a conditional update lost to a concurrent writer.
	ErrStateConflict = errors.Wrap(errors.ErrConflict, "upload session state changed concurrently")

	// ErrPartConflict indicates a part number was re-sent with a different etag or size.
	ErrPartConflict = errors.Wrap(errors.ErrConflict, "part already uploaded with different content")

	// ErrPartsIncomplete indicates completion was requested with parts missing.
	ErrPartsIncomplete = errors.Wrap(errors.ErrConflict, "upload parts are incomplete")

	// ErrNotExpirable indicates the session is terminal or its deadline has not passed.
	ErrNotExpirable = errors.Wrap(errors.ErrConflict, "upload session cannot be expired")

	// ErrSessionBusy indicates another worker holds the session lock.
	ErrSessionBusy = errors.Wrap(errors.ErrConflict, "upload session is being modified")

	ErrInvalidPart     = errors.Wrap(errors.ErrInvalidInput, "invalid part")
	ErrMissingObject   = errors.Wrap(errors.ErrInvalidInput, "bucket and object key are required")
	ErrMissingUploadID = errors.Wrap(errors.ErrInvalidInput, "multipart sessions require an upload id")
	ErrUnknownKind     = errors.Wrap(errors.ErrInvalidInput, "unknown session kind")
)
