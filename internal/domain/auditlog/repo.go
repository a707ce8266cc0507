package auditlog

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Append(ctx context.Context, e *Entry) error
	// AppendViewIfAbsent inserts the view entry e unless a view of the same
	// record by the same actor exists at or after since. The check and the
	// insert are atomic. It reports whether e was written.
	AppendViewIfAbsent(ctx context.Context, e *Entry, since time.Time) (bool, error)
	ListByRecord(ctx context.Context, recordID uuid.UUID, limit int) ([]*Entry, error)
}

// ViewGate is an optional fast path in front of the conditional append that
// LogView performs. Admit returns false when a view by actorID on recordID was
// already admitted within window.
type ViewGate interface {
	Admit(ctx context.Context, recordID uuid.UUID, actorID string, window time.Duration) (bool, error)
}
