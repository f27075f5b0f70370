package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"framestream/internal/analysis"
	"framestream/internal/domain"
	"framestream/internal/framequeue"
)

type recordingSink struct {
	mu      sync.Mutex
	results []domain.AnalysisResult
	err     error
	notify  chan struct{}
}

func (r *recordingSink) AddResult(_ context.Context, res domain.AnalysisResult) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.results = append(r.results, res)
	if r.notify != nil {
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
	return "1-0", nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

type failingAnalyzer struct {
	failFor uint64
}

func (f failingAnalyzer) Analyze(ctx context.Context, ev domain.FrameEvent) (analysis.Outcome, error) {
	if ev.SequenceNumber == f.failFor {
		return analysis.Outcome{}, errors.New("backend timeout")
	}
	return analysis.Stub{}.Analyze(ctx, ev)
}

func TestWorkerProcessesQueuedEvents(t *testing.T) {
	q, _ := framequeue.New[domain.FrameEvent](10)
	sink := &recordingSink{notify: make(chan struct{}, 10)}
	w := NewWorker(q, analysis.Stub{}, sink, Config{ModelVersion: "test_model"})

	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	q.Push(domain.FrameEvent{SequenceNumber: 30, SourceID: 1})
	q.Push(domain.FrameEvent{SequenceNumber: 60, SourceID: 1})

	waitFor(t, sink.notify, 2)
	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}

	if sink.count() != 2 {
		t.Fatalf("sink has %d results, want 2", sink.count())
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.results[0].SequenceNumber != 30 || sink.results[1].SequenceNumber != 60 {
		t.Fatalf("results out of order: %+v", sink.results)
	}
	if sink.results[0].ModelVersion != "test_model" || sink.results[0].ResponsePayload == "" {
		t.Fatalf("result missing fields: %+v", sink.results[0])
	}
	if w.Processed() != 2 {
		t.Fatalf("processed = %d", w.Processed())
	}
}

func TestAnalysisFailureDoesNotStopWorker(t *testing.T) {
	q, _ := framequeue.New[domain.FrameEvent](10)
	sink := &recordingSink{notify: make(chan struct{}, 10)}
	w := NewWorker(q, failingAnalyzer{failFor: 2}, sink, Config{})

	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	q.Push(domain.FrameEvent{SequenceNumber: 1})
	q.Push(domain.FrameEvent{SequenceNumber: 2}) // fails
	q.Push(domain.FrameEvent{SequenceNumber: 3})

	waitFor(t, sink.notify, 2)
	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}
	if sink.count() != 2 {
		t.Fatalf("sink has %d results, want 2", sink.count())
	}
	if w.Failed() != 1 {
		t.Fatalf("failed = %d, want 1", w.Failed())
	}
}

func TestSinkFailureDropsResult(t *testing.T) {
	q, _ := framequeue.New[domain.FrameEvent](10)
	sink := &recordingSink{err: errors.New("storage unreachable")}
	w := NewWorker(q, analysis.Stub{}, sink, Config{})

	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	q.Push(domain.FrameEvent{SequenceNumber: 1})

	deadline := time.Now().Add(2 * time.Second)
	for w.Failed() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}
	if w.Failed() != 1 || w.Processed() != 0 {
		t.Fatalf("failed=%d processed=%d", w.Failed(), w.Processed())
	}
}

func TestLifecycleStates(t *testing.T) {
	q, _ := framequeue.New[domain.FrameEvent](1)
	w := NewWorker(q, analysis.Stub{}, &recordingSink{}, Config{})

	if got := w.State(); got != StateStopped {
		t.Fatalf("initial state = %s", got)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if got := w.State(); got != StateRunning {
		t.Fatalf("state after start = %s", got)
	}
	if err := w.Start(); err == nil {
		t.Fatalf("second start while running must fail")
	}
	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}
	if got := w.State(); got != StateStopped {
		t.Fatalf("state after stop = %s", got)
	}
	// Stop is idempotent; restart is refused.
	if err := w.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if err := w.Start(); !errors.Is(err, ErrNotRestartable) {
		t.Fatalf("restart error = %v", err)
	}
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	q, _ := framequeue.New[domain.FrameEvent](1)
	w := NewWorker(q, analysis.Stub{}, &recordingSink{}, Config{})
	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, ch chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for result %d of %d", i+1, n)
		}
	}
}
