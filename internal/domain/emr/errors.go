package emr

import (
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
)

var (
	ErrNotFound            = errors.New("clinical record not found")
	ErrConcurrencyConflict = errors.New("clinical record was modified by someone else")
	ErrRecordSigned        = errors.New("clinical record is signed, use amend")
	ErrAlreadySigned       = errors.New("clinical record is already signed")
	ErrNotSigned           = errors.New("clinical record is not signed")
	ErrReasonTooShort      = errors.New("amendment reason must be at least 10 characters")
	ErrRevisionNotFound    = errors.New("revision not found")
	ErrStorageFailure      = errors.New("clinical record storage failure")
	ErrUnknownAnchor       = errors.New("visit not found")
	ErrInvalidData         = errors.New("invalid clinical record data")
)

// ConflictError carries what a client needs to tell the user who changed the
// record and when. It matches ErrConcurrencyConflict.
type ConflictError struct {
	CurrentVersion int64
	YourVersion    int64
	LastEditedBy   string
	LastEditedAt   time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("clinical record was modified by %s at %s: current version %d, yours %d",
		e.LastEditedBy, e.LastEditedAt.Format(time.RFC3339), e.CurrentVersion, e.YourVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// StorageError wraps a persistence failure with the operation that hit it and
// the stack at the point it crossed into this package. It matches
// ErrStorageFailure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("emr %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFailure
}

func newStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: pkgerrors.WithStack(err)}
}

var domainErrors = []error{
	ErrNotFound,
	ErrConcurrencyConflict,
	ErrRecordSigned,
	ErrAlreadySigned,
	ErrNotSigned,
	ErrReasonTooShort,
	ErrRevisionNotFound,
	ErrUnknownAnchor,
	ErrInvalidData,
	ErrStorageFailure,
}

// isDomainError reports whether err already carries one of this package's
// sentinels and must reach the caller unchanged.
func isDomainError(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
