// Package pipeline is the producer-side entry point: every frame event,
// whether from an in-process source or a broker adapter, goes through
// Offer. The sampler decides, metadata is recorded, and the frame is
// handed to the bounded queue.
package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"

	"framestream/internal/domain"
	"framestream/internal/framequeue"
	"framestream/internal/sampler"
	"framestream/internal/streams"
)

type Config struct {
	// RecordFrameMetadata appends sampled frames to the frame-metadata
	// stream before queueing.
	RecordFrameMetadata bool
	Logger              *slog.Logger
}

type Pipeline struct {
	sampler *sampler.Sampler
	queue   *framequeue.Queue[domain.FrameEvent]
	streams *streams.Manager
	cfg     Config
	logger  *slog.Logger

	offered atomic.Uint64
	sampled atomic.Uint64
}

func New(s *sampler.Sampler, q *framequeue.Queue[domain.FrameEvent], m *streams.Manager, cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{sampler: s, queue: q, streams: m, cfg: cfg, logger: cfg.Logger}
}

// Offer runs one frame event through the sampling decision. It never
// blocks: a full queue sheds its oldest entry. A metadata append failure
// is logged and does not keep the frame out of the queue.
func (p *Pipeline) Offer(ctx context.Context, ev domain.FrameEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.offered.Add(1)
	if !p.sampler.ShouldSample(ev.SourceID) {
		return nil
	}
	p.sampled.Add(1)

	if p.cfg.RecordFrameMetadata {
		if _, err := p.streams.AddFrameMetadata(ctx, ev); err != nil {
			p.logger.Error("recording frame metadata failed",
				"sequence_number", ev.SequenceNumber,
				"source_id", ev.SourceID,
				"err", err)
		}
	}
	p.queue.Push(ev)
	return nil
}

// Offered counts all events seen; Sampled counts those that passed the
// sampling decision. Shed events are visible via the queue's own counter.
func (p *Pipeline) Offered() uint64 { return p.offered.Load() }
func (p *Pipeline) Sampled() uint64 { return p.sampled.Load() }
