// Package streams composes the frame-metadata and analysis-results stream
// logs behind one facade. The dispatch worker writes through it; dashboards
// and batch readers consume through it.
package streams

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"framestream/internal/domain"
	"framestream/internal/storage"
	"framestream/internal/streamlog"
)

const (
	DefaultFrameStream  = "frame-metadata"
	DefaultResultStream = "analysis-results"
	DefaultGroup        = "vlm_processors"
	DefaultConsumer     = "framestream_worker"
)

type Config struct {
	FrameStream  string
	ResultStream string
	Group        string
	Consumer     string

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (c *Config) withDefaults() {
	if c.FrameStream == "" {
		c.FrameStream = DefaultFrameStream
	}
	if c.ResultStream == "" {
		c.ResultStream = DefaultResultStream
	}
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Consumer == "" {
		c.Consumer = DefaultConsumer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the two stream logs. The storage engine handle is provided
// by the caller, which keeps lifecycle explicit and lets tests run on the
// in-memory engine.
type Manager struct {
	cfg     Config
	frames  *streamlog.Log
	results *streamlog.Log
	logger  *slog.Logger
}

// NewManager opens both logs from the engine and creates the default
// consumer group on each, so consumers can attach without a separate
// provisioning step. Group creation is idempotent across restarts.
func NewManager(ctx context.Context, cfg Config, engine storage.Engine) (*Manager, error) {
	cfg.withDefaults()

	frames, err := streamlog.Open(ctx, cfg.FrameStream, engine, cfg.Logger)
	if err != nil {
		return nil, err
	}
	results, err := streamlog.Open(ctx, cfg.ResultStream, engine, cfg.Logger)
	if err != nil {
		return nil, err
	}
	if err := frames.CreateGroup(ctx, cfg.Group, "0"); err != nil {
		return nil, err
	}
	if err := results.CreateGroup(ctx, cfg.Group, "0"); err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, frames: frames, results: results, logger: cfg.Logger}, nil
}

// AddFrameMetadata appends a sampled frame's descriptor to the
// frame-metadata stream.
func (m *Manager) AddFrameMetadata(ctx context.Context, ev domain.FrameEvent) (string, error) {
	return m.frames.Append(ctx, map[string]string{
		"sequence_number": strconv.FormatUint(ev.SequenceNumber, 10),
		"source_id":       strconv.FormatUint(uint64(ev.SourceID), 10),
		"width":           strconv.FormatUint(uint64(ev.Width), 10),
		"height":          strconv.FormatUint(uint64(ev.Height), 10),
		"format":          ev.Format,
		"timestamp":       strconv.FormatUint(ev.Timestamp, 10),
		"type":            "frame_metadata",
	})
}

// AddResult appends an analysis result to the analysis-results stream.
func (m *Manager) AddResult(ctx context.Context, res domain.AnalysisResult) (string, error) {
	return m.results.Append(ctx, map[string]string{
		"sequence_number": strconv.FormatUint(res.SequenceNumber, 10),
		"source_id":       strconv.FormatUint(uint64(res.SourceID), 10),
		"vlm_response":    res.ResponsePayload,
		"model_name":      res.ModelVersion,
		"timestamp":       strconv.FormatUint(res.ProducedAt, 10),
		"type":            "analysis_result",
	})
}

// LatestResults delivers unread results to the default group, advancing its
// cursor. With block > 0 and nothing unread it waits up to that long for a
// new result.
func (m *Manager) LatestResults(ctx context.Context, count int, block time.Duration) ([]domain.StreamEntry, error) {
	return m.results.ReadGroup(ctx, m.cfg.Group, m.cfg.Consumer, count, block)
}

// ResultsInRange scans results whose ID falls between the two coarse
// timestamps (unix millis, inclusive). Cursor-free. The end bound covers
// every sequence number within the end millisecond.
func (m *Manager) ResultsInRange(ctx context.Context, startMs, endMs uint64, count int) ([]domain.StreamEntry, error) {
	start := domain.EntryID{Ms: startMs}.String()
	end := domain.EntryID{Ms: endMs, Seq: math.MaxUint64}.String()
	return m.results.ReadRange(ctx, start, end, count)
}

// ResultsForSource filters results by source. This is a full scan kept for
// diagnostics, not a hot path; entries with an unparseable source_id are
// skipped with a diagnostic.
func (m *Manager) ResultsForSource(ctx context.Context, sourceID uint32, count int) ([]domain.StreamEntry, error) {
	scan := count * 2
	entries, err := m.results.ReadRange(ctx, streamlog.BeginID, streamlog.EndID, scan)
	if err != nil {
		return nil, err
	}
	var out []domain.StreamEntry
	for _, entry := range entries {
		raw, ok := entry.Fields["source_id"]
		if !ok {
			continue
		}
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			m.logger.Warn("skipping result with malformed source_id",
				"stream", entry.Stream, "id", entry.ID, "source_id", raw)
			continue
		}
		if uint32(parsed) != sourceID {
			continue
		}
		out = append(out, entry)
		if count > 0 && len(out) >= count {
			break
		}
	}
	return out, nil
}

// Ack acknowledges one delivered entry on the named stream for the default
// group. An unknown stream name is a caller bug and returns an error;
// unknown IDs return false without error.
func (m *Manager) Ack(ctx context.Context, streamName, id string) (bool, error) {
	switch streamName {
	case m.cfg.FrameStream:
		return m.frames.Ack(ctx, m.cfg.Group, id)
	case m.cfg.ResultStream:
		return m.results.Ack(ctx, m.cfg.Group, id)
	default:
		return false, fmt.Errorf("unknown stream %q", streamName)
	}
}

// Stats reports both streams.
func (m *Manager) Stats() []domain.StreamStats {
	return []domain.StreamStats{m.frames.Stats(), m.results.Stats()}
}

// Health reports whether both stream logs are serving. A log that fails
// to report stats indicates a torn-down manager.
func (m *Manager) Health(ctx context.Context) (bool, string) {
	if err := ctx.Err(); err != nil {
		return false, err.Error()
	}
	frames := m.frames.Stats()
	results := m.results.Stats()
	return true, fmt.Sprintf("%s=%d %s=%d", frames.Stream, frames.EntryCount, results.Stream, results.EntryCount)
}

func (m *Manager) FrameStream() string  { return m.cfg.FrameStream }
func (m *Manager) ResultStream() string { return m.cfg.ResultStream }
func (m *Manager) Group() string        { return m.cfg.Group }
