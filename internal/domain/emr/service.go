package emr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinic/emr/internal/domain/auditlog"
	"github.com/clinic/emr/internal/domain/visit"
	"github.com/clinic/emr/internal/platform/learning"
)

var tracer = otel.Tracer("github.com/clinic/emr/internal/domain/emr")

const (
	// MinReasonLength is the minimum amendment reason, in characters after
	// trimming.
	MinReasonLength = 10

	DefaultListLimit = 20

	restoreDefaultReason = "Not specified"
)

type Service struct {
	repo    Repository
	audit   Auditor
	anchors AnchorResolver
	hook    PatternHook
	logger  zerolog.Logger
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithPatternHook sets where signed records send their clinical pattern.
func WithPatternHook(h PatternHook) Option {
	return func(s *Service) { s.hook = h }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, audit Auditor, anchors AnchorResolver, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		audit:   audit,
		anchors: anchors,
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// timestamp matches what Postgres keeps, so returned records equal reloaded ones.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// -- Reads --

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, s.fail(ctx, "get", err)
	}
	return rec, nil
}

func (s *Service) GetByAnchor(ctx context.Context, anchorID int64) (*Record, error) {
	rec, err := s.repo.GetByAnchor(ctx, anchorID)
	if err != nil {
		return nil, s.fail(ctx, "get_by_anchor", err)
	}
	return rec, nil
}

func (s *Service) ListBySubject(ctx context.Context, subjectID int64, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	recs, err := s.repo.ListBySubject(ctx, subjectID, limit)
	if err != nil {
		return nil, s.fail(ctx, "list_by_subject", err)
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs, nil
}

// Revision returns the snapshot written as version of the anchor's record.
func (s *Service) Revision(ctx context.Context, anchorID, version int64) (*Revision, error) {
	rec, err := s.repo.GetByAnchor(ctx, anchorID)
	if err != nil {
		return nil, s.fail(ctx, "revision", err)
	}
	rev, err := s.repo.GetRevision(ctx, rec.ID, version)
	if err != nil {
		return nil, s.fail(ctx, "revision", err)
	}
	return rev, nil
}

func (s *Service) History(ctx context.Context, anchorID int64, limit int) ([]*RevisionSummary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rec, err := s.repo.GetByAnchor(ctx, anchorID)
	if err != nil {
		return nil, s.fail(ctx, "history", err)
	}
	items, err := s.repo.ListRevisions(ctx, rec.ID, limit)
	if err != nil {
		return nil, s.fail(ctx, "history", err)
	}
	return items, nil
}

// Diff compares the snapshots of two versions of the anchor's record.
func (s *Service) Diff(ctx context.Context, anchorID, from, to int64) ([]FieldChange, error) {
	rec, err := s.repo.GetByAnchor(ctx, anchorID)
	if err != nil {
		return nil, s.fail(ctx, "diff", err)
	}
	a, err := s.repo.GetRevision(ctx, rec.ID, from)
	if err != nil {
		return nil, s.fail(ctx, "diff", err)
	}
	b, err := s.repo.GetRevision(ctx, rec.ID, to)
	if err != nil {
		return nil, s.fail(ctx, "diff", err)
	}
	return DiffData(a.Data, b.Data), nil
}

// LogView records that actor read rec. It never fails.
func (s *Service) LogView(ctx context.Context, rec *Record, actor Actor) {
	s.audit.LogView(ctx, rec.target(), actor.audit())
}

// -- Writes --

// Save creates the anchor's record on first use, otherwise updates it after the
// optimistic version check.
func (s *Service) Save(ctx context.Context, req SaveRequest, actor Actor) (rec *Record, err error) {
	ctx, span := s.startSpan(ctx, "save", req.AnchorID, actor)
	defer func() { endSpan(span, err) }()

	data, err := normalize(req.Data)
	if err != nil {
		return nil, err
	}

	var out *Record
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.repo.GetByAnchorForUpdate(ctx, req.AnchorID)
		if errors.Is(err, ErrNotFound) {
			created, ok, err := s.create(ctx, req.AnchorID, data, actor)
			if err != nil {
				return err
			}
			if ok {
				out = created
				return nil
			}
			// Another writer created it first; continue as an update.
			cur, err = s.repo.GetByAnchorForUpdate(ctx, req.AnchorID)
			if err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		if cur.Status.Locked() {
			return ErrRecordSigned
		}
		if err := s.checkVersion(ctx, "save", cur, req.ExpectedRowVersion, actor, AllowSameSession); err != nil {
			return err
		}

		prev, prevRowVersion := cur.Data, cur.RowVersion
		cur.apply(data, actor, s.timestamp())
		cur.Status = nextStatus(cur.Status, req.IsDraft)

		if err := s.commitWrite(ctx, cur, prevRowVersion, ChangeUpdated, ChangeSummary(prev, data),
			auditlog.ActionUpdate, actor, nil); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, "save", err)
	}

	op := "update"
	if out.Version == 1 {
		op = "create"
	}
	writesTotal.WithLabelValues(op).Inc()
	return out, nil
}

// create inserts version 1 for anchorID. ok is false when the anchor already
// has a record.
func (s *Service) create(ctx context.Context, anchorID int64, data Data, actor Actor) (*Record, bool, error) {
	subjectID, err := s.anchors.SubjectForAnchor(ctx, anchorID)
	if errors.Is(err, visit.ErrNotFound) {
		return nil, false, fmt.Errorf("%w: %d", ErrUnknownAnchor, anchorID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("resolve anchor %d: %w", anchorID, err)
	}

	now := s.timestamp()
	rec := &Record{
		ID:                  uuid.New(),
		AnchorID:            anchorID,
		SubjectID:           subjectID,
		Version:             1,
		RowVersion:          1,
		Data:                data,
		Status:              StatusDraft,
		CreatedBy:           actor.ID,
		CreatedAt:           now,
		UpdatedBy:           actor.ID,
		UpdatedAt:           now,
		LastWriterSessionID: actor.SessionID,
	}
	rec.ExtractedDiagnosisSummary, rec.ExtractedCode = extract(data)

	ok, err := s.repo.Insert(ctx, rec)
	if err != nil || !ok {
		return nil, false, err
	}
	if err := s.appendRevision(ctx, rec, ChangeCreated, ChangeSummary(nil, data), actor); err != nil {
		return nil, false, err
	}
	if err := s.logAction(ctx, rec, auditlog.ActionCreate, actor, nil); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Sign finalizes the record in a single write and hands its clinical pattern to
// the learning hook after commit.
func (s *Service) Sign(ctx context.Context, req SignRequest, actor Actor) (rec *Record, err error) {
	ctx, span := s.startSpan(ctx, "sign", req.AnchorID, actor)
	defer func() { endSpan(span, err) }()

	var data Data
	if req.Data != nil {
		if data, err = normalize(req.Data); err != nil {
			return nil, err
		}
	}

	var out *Record
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.repo.GetByAnchorForUpdate(ctx, req.AnchorID)
		if err != nil {
			return err
		}
		if cur.Status.Locked() {
			return ErrAlreadySigned
		}
		if err := s.checkVersion(ctx, "sign", cur, req.ExpectedRowVersion, actor, AllowSameSession); err != nil {
			return err
		}

		next := data
		if next == nil {
			next = cur.Data
		}
		prev, prevRowVersion := cur.Data, cur.RowVersion
		now := s.timestamp()
		cur.apply(next, actor, now)
		cur.Status = StatusSigned
		signer := actor.ID
		cur.SignedBy = &signer
		cur.SignedAt = &now

		if err := s.commitWrite(ctx, cur, prevRowVersion, ChangeSigned, ChangeSummary(prev, next),
			auditlog.ActionSign, actor, nil); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, "sign", err)
	}

	writesTotal.WithLabelValues("sign").Inc()
	s.dispatchPattern(out, actor)
	return out, nil
}

// Amend changes a signed record. The reason is mandatory and the version check
// is strict.
func (s *Service) Amend(ctx context.Context, req AmendRequest, actor Actor) (rec *Record, err error) {
	ctx, span := s.startSpan(ctx, "amend", req.AnchorID, actor)
	defer func() { endSpan(span, err) }()

	reason := strings.TrimSpace(req.Reason)
	if utf8.RuneCountInString(reason) < MinReasonLength {
		return nil, ErrReasonTooShort
	}
	var data Data
	if req.Data != nil {
		if data, err = normalize(req.Data); err != nil {
			return nil, err
		}
	}

	var out *Record
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.repo.GetByAnchorForUpdate(ctx, req.AnchorID)
		if err != nil {
			return err
		}
		if !cur.Status.Locked() {
			return ErrNotSigned
		}
		if err := s.checkVersion(ctx, "amend", cur, req.ExpectedRowVersion, actor, Strict); err != nil {
			return err
		}

		next := data
		if next == nil {
			next = cur.Data
		}
		prev, prevRowVersion := cur.Data, cur.RowVersion
		cur.apply(next, actor, s.timestamp())
		cur.Status = StatusAmended

		summary := withReason(ChangeSummary(prev, next), reason)
		if err := s.commitWrite(ctx, cur, prevRowVersion, ChangeAmended, summary,
			auditlog.ActionAmend, actor, map[string]any{"reason": reason}); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, "amend", err)
	}

	writesTotal.WithLabelValues("amend").Inc()
	return out, nil
}

// Restore writes the data of an earlier revision as a new version. Status is
// left as it is.
func (s *Service) Restore(ctx context.Context, req RestoreRequest, actor Actor) (rec *Record, err error) {
	ctx, span := s.startSpan(ctx, "restore", req.AnchorID, actor)
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int64("emr.restore_from", req.TargetVersion))

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = restoreDefaultReason
	}

	var out *Record
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.repo.GetByAnchorForUpdate(ctx, req.AnchorID)
		if err != nil {
			return err
		}
		target, err := s.repo.GetRevision(ctx, cur.ID, req.TargetVersion)
		if err != nil {
			return err
		}
		if err := s.checkVersion(ctx, "restore", cur, cur.RowVersion, actor, Strict); err != nil {
			return err
		}

		prevRowVersion := cur.RowVersion
		cur.apply(target.Data, actor, s.timestamp())

		summary := withReason(fmt.Sprintf("Restored from version %d", target.Version), reason)
		extra := map[string]any{"from_version": target.Version, "reason": reason}
		if err := s.commitWrite(ctx, cur, prevRowVersion, ChangeRestored, summary,
			auditlog.ActionRestore, actor, extra); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, "restore", err)
	}

	writesTotal.WithLabelValues("restore").Inc()
	return out, nil
}

// -- Write helpers --

func (s *Service) checkVersion(ctx context.Context, op string, cur *Record, expected int64, actor Actor, mode CheckMode) error {
	decision, err := CheckVersion(cur, expected, actor, mode)
	if err != nil {
		versionChecks.WithLabelValues("conflict").Inc()
		return err
	}
	versionChecks.WithLabelValues(decision.String()).Inc()
	if decision == DecisionRelaxed {
		s.logger.Debug().
			Str("op", op).
			Str("record_id", cur.ID.String()).
			Str("actor_id", actor.ID).
			Str("session_id", actor.SessionID).
			Int64("expected_row_version", expected).
			Int64("row_version", cur.RowVersion).
			Msg("stale version accepted for same editing session")
	}
	return nil
}

// commitWrite persists an applied record with its revision and audit entry. It
// must run inside the transaction holding the record lock.
func (s *Service) commitWrite(ctx context.Context, rec *Record, prevRowVersion int64, change ChangeType, summary string,
	action auditlog.Action, actor Actor, extra map[string]any) error {
	if err := s.repo.Update(ctx, rec, prevRowVersion); err != nil {
		return err
	}
	if err := s.appendRevision(ctx, rec, change, summary, actor); err != nil {
		return err
	}
	return s.logAction(ctx, rec, action, actor, extra)
}

func (s *Service) appendRevision(ctx context.Context, rec *Record, change ChangeType, summary string, actor Actor) error {
	return s.repo.AppendRevision(ctx, &Revision{
		RecordID:      rec.ID,
		Version:       rec.Version,
		Data:          rec.Data,
		ChangeType:    change,
		ChangeSummary: summary,
		AuthoredBy:    actor.ID,
		AuthoredAt:    rec.UpdatedAt,
	})
}

func (s *Service) logAction(ctx context.Context, rec *Record, action auditlog.Action, actor Actor, extra map[string]any) error {
	e := auditlog.NewEntry(rec.target(), action, actor.audit(), extra)
	e.Timestamp = rec.UpdatedAt
	return s.audit.LogAction(ctx, e)
}

func (s *Service) dispatchPattern(rec *Record, actor Actor) {
	if s.hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn().
				Str("record_id", rec.ID.String()).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("clinical pattern hook panicked")
		}
	}()
	s.hook.Submit(learning.Pattern{
		ActorID:       actor.ID,
		Code:          rec.ExtractedCode,
		TreatmentText: treatmentText(rec.Data),
		RecordID:      rec.ID,
	})
}

// fail passes domain errors through and turns anything else into a logged
// *StorageError.
func (s *Service) fail(ctx context.Context, op string, err error) error {
	if isDomainError(err) {
		return err
	}
	serr := newStorageError(op, err)
	storageFailures.WithLabelValues(op).Inc()
	s.logger.Error().Stack().Err(serr).
		Str("op", op).
		Str("trace_id", trace.SpanContextFromContext(ctx).TraceID().String()).
		Msg("clinical record storage failure")
	return serr
}

func (s *Service) startSpan(ctx context.Context, op string, anchorID int64, actor Actor) (context.Context, trace.Span) {
	return tracer.Start(ctx, "emr."+op, trace.WithAttributes(
		attribute.Int64("emr.anchor_id", anchorID),
		attribute.String("emr.actor_id", actor.ID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
