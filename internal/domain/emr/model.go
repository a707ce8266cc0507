package emr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/emr/internal/domain/auditlog"
)

// Status is the lifecycle state of a clinical record.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusInProgress Status = "in_progress"
	StatusSigned     Status = "signed"
	StatusAmended    Status = "amended"
)

// Locked reports whether the record only accepts amendments and restores.
func (s Status) Locked() bool {
	return s == StatusSigned || s == StatusAmended
}

// ChangeType classifies the write that produced a revision.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeUpdated  ChangeType = "updated"
	ChangeSigned   ChangeType = "signed"
	ChangeAmended  ChangeType = "amended"
	ChangeRestored ChangeType = "restored"
)

// Data is the free-form clinical document. It is always held in its JSON
// decoded form so in-memory values compare equal to stored snapshots.
// Numbers decode as json.Number and keep their exact digits.
type Data map[string]any

// UnmarshalJSON decodes a JSON object keeping numbers as json.Number.
func (d *Data) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return err
	}
	*d = m
	return nil
}

// normalize round-trips d through JSON. A nil document becomes empty.
func normalize(d Data) (Data, error) {
	if d == nil {
		return Data{}, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	out := Data{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return out, nil
}

// Record is the current materialized state of the clinical record for one
// visit (the anchor).
type Record struct {
	ID                        uuid.UUID  `json:"id"`
	AnchorID                  int64      `json:"anchor_id"`
	SubjectID                 int64      `json:"subject_id"`
	Version                   int64      `json:"version"`
	RowVersion                int64      `json:"row_version"`
	Data                      Data       `json:"data"`
	ExtractedDiagnosisSummary string     `json:"extracted_diagnosis_summary"`
	ExtractedCode             string     `json:"extracted_code"`
	Status                    Status     `json:"status"`
	CreatedBy                 string     `json:"created_by"`
	CreatedAt                 time.Time  `json:"created_at"`
	UpdatedBy                 string     `json:"updated_by"`
	UpdatedAt                 time.Time  `json:"updated_at"`
	SignedBy                  *string    `json:"signed_by,omitempty"`
	SignedAt                  *time.Time `json:"signed_at,omitempty"`
	LastWriterSessionID       string     `json:"-"`
}

// apply is the single mutation path for record state: both version counters
// advance together and the extracted fields are recomputed from data.
func (r *Record) apply(data Data, actor Actor, now time.Time) {
	r.Version++
	r.RowVersion++
	r.Data = data
	r.ExtractedDiagnosisSummary, r.ExtractedCode = extract(data)
	r.UpdatedBy = actor.ID
	r.UpdatedAt = now
	r.LastWriterSessionID = actor.SessionID
}

func (r *Record) target() auditlog.Target {
	return auditlog.Target{RecordID: r.ID, AnchorID: r.AnchorID, SubjectID: r.SubjectID}
}

// Revision is an immutable snapshot of a record after one write.
type Revision struct {
	RecordID      uuid.UUID  `json:"record_id"`
	Version       int64      `json:"version"`
	Data          Data       `json:"data"`
	ChangeType    ChangeType `json:"change_type"`
	ChangeSummary string     `json:"change_summary"`
	AuthoredBy    string     `json:"authored_by"`
	AuthoredAt    time.Time  `json:"authored_at"`
}

// RevisionSummary is a history line without the snapshot.
type RevisionSummary struct {
	Version       int64      `json:"version"`
	ChangeType    ChangeType `json:"change_type"`
	ChangeSummary string     `json:"change_summary"`
	AuthoredBy    string     `json:"authored_by"`
	AuthoredAt    time.Time  `json:"authored_at"`
}

// Actor is the caller an operation is attributed to. Identity is trusted as
// supplied.
type Actor struct {
	ID            string
	Role          string
	SessionID     string
	SourceAddress string
	UserAgent     string
}

func (a Actor) audit() auditlog.Actor {
	return auditlog.Actor{
		ID:            a.ID,
		Role:          a.Role,
		SourceAddress: a.SourceAddress,
		UserAgent:     a.UserAgent,
	}
}

type SaveRequest struct {
	AnchorID           int64
	Data               Data
	ExpectedRowVersion int64
	IsDraft            bool
}

// SignRequest finalizes the record. A nil Data signs the current content.
type SignRequest struct {
	AnchorID           int64
	Data               Data
	ExpectedRowVersion int64
}

// AmendRequest changes a signed record. A nil Data keeps the current content.
type AmendRequest struct {
	AnchorID           int64
	Data               Data
	Reason             string
	ExpectedRowVersion int64
}

type RestoreRequest struct {
	AnchorID      int64
	TargetVersion int64
	Reason        string
}
