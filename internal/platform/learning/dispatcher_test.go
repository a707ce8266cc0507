package learning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type recordingLearner struct {
	mu    sync.Mutex
	got   []Pattern
	err   error
	block chan struct{}
}

func (l *recordingLearner) Learn(ctx context.Context, p Pattern) error {
	if l.block != nil {
		<-l.block
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, p)
	return l.err
}

func (l *recordingLearner) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.got)
}

type panickingLearner struct{}

func (panickingLearner) Learn(context.Context, Pattern) error { panic("learner exploded") }

func pattern(code string) Pattern {
	return Pattern{ActorID: "dr-a", Code: code, TreatmentText: "rest", RecordID: uuid.New()}
}

func TestDispatcher_DeliversAll(t *testing.T) {
	l := &recordingLearner{}
	d := NewDispatcher(l, 8, 2, zerolog.Nop())

	for i := 0; i < 5; i++ {
		if !d.Submit(pattern("J06.9")) {
			t.Fatalf("submit %d rejected", i)
		}
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if l.count() != 5 {
		t.Errorf("expected 5 delivered patterns, got %d", l.count())
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	l := &recordingLearner{block: make(chan struct{})}
	d := NewDispatcher(l, 1, 1, zerolog.Nop())
	before := testutil.ToFloat64(patternsDropped)

	// The single worker takes one pattern and blocks; the queue holds one more.
	accepted := 0
	for i := 0; i < 10; i++ {
		if d.Submit(pattern("I10")) {
			accepted++
		}
	}
	if accepted < 1 || accepted > 2 {
		t.Errorf("expected 1 or 2 accepted patterns, got %d", accepted)
	}
	if dropped := testutil.ToFloat64(patternsDropped) - before; int(dropped) != 10-accepted {
		t.Errorf("expected %d dropped, got %v", 10-accepted, dropped)
	}

	close(l.block)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if l.count() != accepted {
		t.Errorf("expected %d delivered, got %d", accepted, l.count())
	}
}

func TestDispatcher_LearnerFailureIsSwallowed(t *testing.T) {
	l := &recordingLearner{err: errors.New("redis down")}
	d := NewDispatcher(l, 4, 1, zerolog.Nop())
	before := testutil.ToFloat64(patternsFailed)

	d.Submit(pattern("E11"))
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := testutil.ToFloat64(patternsFailed) - before; got != 1 {
		t.Errorf("expected one failure counted, got %v", got)
	}
}

func TestDispatcher_LearnerPanicIsRecovered(t *testing.T) {
	d := NewDispatcher(panickingLearner{}, 4, 1, zerolog.Nop())
	d.Submit(pattern("E11"))
	d.Submit(pattern("E12"))
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close after panics: %v", err)
	}
}

func TestDispatcher_SubmitAfterClose(t *testing.T) {
	d := NewDispatcher(&recordingLearner{}, 4, 1, zerolog.Nop())
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if d.Submit(pattern("I10")) {
		t.Error("expected submit after close to be rejected")
	}
	if err := d.Close(context.Background()); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("expected ErrDispatcherClosed on second close, got %v", err)
	}
}

func TestDispatcher_CloseHonoursContext(t *testing.T) {
	l := &recordingLearner{block: make(chan struct{})}
	defer close(l.block)
	d := NewDispatcher(l, 4, 1, zerolog.Nop())
	d.Submit(pattern("I10"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded while worker is blocked, got %v", err)
	}
}

func TestLogLearner(t *testing.T) {
	if err := NewLogLearner(zerolog.Nop()).Learn(context.Background(), pattern("I10")); err != nil {
		t.Errorf("log learner returned %v", err)
	}
}
