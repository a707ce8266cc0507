package auditlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultViewWindow is how long a view by one actor on one record suppresses
// further view entries.
const DefaultViewWindow = 5 * time.Minute

var (
	ErrInvalidAction = errors.New("invalid audit action")
	// ErrViewAction is returned by LogAction for views, which go through LogView.
	ErrViewAction = errors.New("view actions must be logged with LogView")
)

type Service struct {
	repo   Repository
	gate   ViewGate
	window time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

type Option func(*Service)

func WithViewGate(g ViewGate) Option {
	return func(s *Service) { s.gate = g }
}

func WithViewWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.window = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		window: DefaultViewWindow,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LogAction appends e unconditionally. When ctx carries a transaction the entry
// commits or rolls back with it.
func (s *Service) LogAction(ctx context.Context, e *Entry) error {
	if !e.Action.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAction, e.Action)
	}
	if e.Action == ActionView {
		return ErrViewAction
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	if err := s.repo.Append(ctx, e); err != nil {
		return fmt.Errorf("append %s audit entry: %w", e.Action, err)
	}
	return nil
}

// LogView records that actor viewed target, at most once per window per
// (record, actor). It never fails the caller.
func (s *Service) LogView(ctx context.Context, target Target, actor Actor) {
	log := s.logger.With().
		Str("record_id", target.RecordID.String()).
		Str("actor_id", actor.ID).
		Logger()

	if s.gate != nil {
		admitted, err := s.gate.Admit(ctx, target.RecordID, actor.ID, s.window)
		if err != nil {
			log.Warn().Err(err).Msg("view gate unavailable, falling back to database")
		} else if !admitted {
			return
		}
	}

	now := s.now().UTC()
	e := NewEntry(target, ActionView, actor, nil)
	e.Timestamp = now
	if _, err := s.repo.AppendViewIfAbsent(ctx, e, now.Add(-s.window)); err != nil {
		log.Warn().Err(err).Msg("failed to record view")
	}
}

func (s *Service) ListByRecord(ctx context.Context, recordID uuid.UUID, limit int) ([]*Entry, error) {
	return s.repo.ListByRecord(ctx, recordID, limit)
}
