// Package dispatch runs the single worker that drains the frame queue and
// calls the analysis backend. One analysis call is in flight at a time by
// construction; a slow backend shows up as queue shedding upstream, never
// as a blocked producer.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"framestream/internal/analysis"
	"framestream/internal/domain"
	"framestream/internal/framequeue"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var ErrNotRestartable = errors.New("dispatch worker cannot be restarted; construct a new one")

// ResultSink receives successful analysis results. Satisfied by
// streams.Manager.
type ResultSink interface {
	AddResult(ctx context.Context, res domain.AnalysisResult) (string, error)
}

type Config struct {
	// ModelVersion is recorded on every result.
	ModelVersion string
	// JoinTimeout bounds how long Stop waits for the worker to exit. An
	// in-flight analysis call is not cancelled; its own timeout applies
	// first. Defaults to 30s.
	JoinTimeout time.Duration
	Logger      *slog.Logger
}

type Worker struct {
	queue    *framequeue.Queue[domain.FrameEvent]
	analyzer analysis.Analyzer
	sink     ResultSink
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	state   State
	started bool
	done    chan struct{}

	processed atomic.Uint64
	failed    atomic.Uint64
}

func NewWorker(queue *framequeue.Queue[domain.FrameEvent], analyzer analysis.Analyzer, sink ResultSink, cfg Config) *Worker {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ModelVersion == "" {
		cfg.ModelVersion = "deepstream_vlm_v1"
	}
	return &Worker{queue: queue, analyzer: analyzer, sink: sink, cfg: cfg, logger: cfg.Logger, done: make(chan struct{})}
}

// Start spawns the worker goroutine. A worker runs at most once.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateStopped {
		return fmt.Errorf("dispatch worker already %s", w.state)
	}
	if w.started {
		return ErrNotRestartable
	}
	w.started = true
	w.state = StateRunning
	go w.run()
	w.logger.Info("dispatch worker started", "model", w.cfg.ModelVersion)
	return nil
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		ev, ok := w.queue.Pop()
		if !ok {
			return
		}
		w.process(ev)
	}
}

// process performs one analysis call. Failures are logged with enough
// context to identify the event and the loop moves on; nothing here can
// stop the worker.
func (w *Worker) process(ev domain.FrameEvent) {
	outcome, err := w.analyzer.Analyze(context.Background(), ev)
	if err != nil {
		w.failed.Add(1)
		w.logger.Error("analysis call failed, dropping event",
			"sequence_number", ev.SequenceNumber,
			"source_id", ev.SourceID,
			"timestamp", ev.Timestamp,
			"err", err)
		return
	}

	res := domain.AnalysisResult{
		SequenceNumber:  ev.SequenceNumber,
		SourceID:        ev.SourceID,
		ResponsePayload: outcome.Raw,
		ModelVersion:    w.cfg.ModelVersion,
		ProducedAt:      uint64(time.Now().UnixMilli()),
	}
	if _, err := w.sink.AddResult(context.Background(), res); err != nil {
		// Dropping beats retrying here: retries against an unavailable
		// store would stall the queue and grow the backlog.
		w.failed.Add(1)
		w.logger.Error("storing analysis result failed, dropping",
			"sequence_number", ev.SequenceNumber,
			"source_id", ev.SourceID,
			"err", err)
		return
	}
	w.processed.Add(1)
}

// Stop terminates the queue and waits, bounded by JoinTimeout, for the
// worker goroutine to exit. Safe to call any number of times.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.started || w.state == StateStopped {
		w.mu.Unlock()
		return nil
	}
	alreadyStopping := w.state == StateStopping
	w.state = StateStopping
	w.mu.Unlock()

	if !alreadyStopping {
		w.queue.Terminate()
	}

	select {
	case <-w.done:
	case <-time.After(w.cfg.JoinTimeout):
		return fmt.Errorf("dispatch worker did not exit within %s", w.cfg.JoinTimeout)
	}

	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()
	w.logger.Info("dispatch worker stopped",
		"processed", w.processed.Load(), "failed", w.failed.Load())
	return nil
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) Processed() uint64 { return w.processed.Load() }
func (w *Worker) Failed() uint64    { return w.failed.Load() }
