// Package visit resolves visits, which anchor clinical records, to the patient
// they belong to. Visits are owned by the scheduling side of the clinic; this
// package only reads them.
package visit

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no visit exists for an anchor id.
var ErrNotFound = errors.New("visit not found")

type Resolver interface {
	SubjectForAnchor(ctx context.Context, anchorID int64) (int64, error)
}
