package emr

import (
	"context"

	"github.com/google/uuid"

	"github.com/clinic/emr/internal/domain/auditlog"
	"github.com/clinic/emr/internal/platform/learning"
)

// Repository persists records and their revisions. Lookups return ErrNotFound
// and ErrRevisionNotFound for missing rows; every other error is a storage
// failure.
type Repository interface {
	// WithinTx runs fn in one transaction carried by the ctx passed to fn.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error

	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	GetByAnchor(ctx context.Context, anchorID int64) (*Record, error)
	// GetByAnchorForUpdate locks the record row until the transaction ends.
	GetByAnchorForUpdate(ctx context.Context, anchorID int64) (*Record, error)
	ListBySubject(ctx context.Context, subjectID int64, limit int) ([]*Record, error)

	// Insert reports false when a record for the anchor already exists.
	Insert(ctx context.Context, rec *Record) (bool, error)
	// Update writes rec only if the stored row version is still prevRowVersion,
	// returning ErrConcurrencyConflict otherwise.
	Update(ctx context.Context, rec *Record, prevRowVersion int64) error

	AppendRevision(ctx context.Context, rev *Revision) error
	GetRevision(ctx context.Context, recordID uuid.UUID, version int64) (*Revision, error)
	// ListRevisions returns the newest revisions first.
	ListRevisions(ctx context.Context, recordID uuid.UUID, limit int) ([]*RevisionSummary, error)
}

// Auditor records who did what to a record. LogAction joins the transaction in
// ctx; LogView is best effort.
type Auditor interface {
	LogAction(ctx context.Context, e *auditlog.Entry) error
	LogView(ctx context.Context, target auditlog.Target, actor auditlog.Actor)
}

// AnchorResolver finds the patient a visit belongs to. It returns an error
// matching visit.ErrNotFound for unknown visits.
type AnchorResolver interface {
	SubjectForAnchor(ctx context.Context, anchorID int64) (int64, error)
}

// PatternHook receives clinical patterns from signed records. Submit must not
// block.
type PatternHook interface {
	Submit(p learning.Pattern) bool
}
