package emr

// CheckMode selects how strictly CheckVersion treats a stale expected version.
type CheckMode int

const (
	// AllowSameSession accepts a stale version when the same editing session
	// of the same user made the last write, so an editor racing its own
	// autosave is not rejected.
	AllowSameSession CheckMode = iota
	// Strict rejects any stale version.
	Strict
)

// Decision is how CheckVersion accepted a write.
type Decision int

const (
	DecisionSkipped Decision = iota
	DecisionAccepted
	DecisionRelaxed
)

func (d Decision) String() string {
	switch d {
	case DecisionSkipped:
		return "skipped"
	case DecisionAccepted:
		return "accepted"
	case DecisionRelaxed:
		return "relaxed"
	default:
		return "unknown"
	}
}

// CheckVersion compares the caller's expected row version with the stored
// record. expected == 0 means the caller did not ask for a check. On rejection
// the error is a *ConflictError describing the last write.
func CheckVersion(stored *Record, expected int64, actor Actor, mode CheckMode) (Decision, error) {
	if expected == 0 {
		return DecisionSkipped, nil
	}
	if expected == stored.RowVersion {
		return DecisionAccepted, nil
	}
	if mode == AllowSameSession &&
		actor.SessionID != "" &&
		actor.SessionID == stored.LastWriterSessionID &&
		actor.ID == stored.UpdatedBy {
		return DecisionRelaxed, nil
	}
	return 0, &ConflictError{
		CurrentVersion: stored.RowVersion,
		YourVersion:    expected,
		LastEditedBy:   stored.UpdatedBy,
		LastEditedAt:   stored.UpdatedAt,
	}
}

// nextStatus is the state reached by a plain save.
func nextStatus(current Status, isDraft bool) Status {
	if current == StatusDraft && isDraft {
		return StatusDraft
	}
	return StatusInProgress
}
