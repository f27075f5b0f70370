package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"framestream/internal/domain"

	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	ParseModeJSON   = "json_envelope"
	ParseModeCustom = "custom_mapper"
)

// FrameSink accepts decoded frame events. Offer may shed the frame
// internally; a nil return only means the event was accepted for
// consideration.
type FrameSink interface {
	Offer(context.Context, domain.FrameEvent) error
}

type Mapper interface {
	MapKafkaRecord(*kgo.Record) (domain.FrameEvent, error)
}

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	ParseMode      string
	TLS            TLSConfig
	Fetch          FetchConfig

	CustomMapper Mapper
	Logger       *slog.Logger
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

type jsonEnvelope struct {
	SequenceNumber uint64 `json:"sequence_number"`
	SourceID       uint32 `json:"source_id"`
	Timestamp      uint64 `json:"timestamp"`
	Width          uint32 `json:"width"`
	Height         uint32 `json:"height"`
	Format         string `json:"format"`
}

type Adapter struct {
	cfg    Config
	logger *slog.Logger

	client  *kgo.Client
	records chan *kgo.Record
	acks    chan recordAck
	closed  atomic.Bool

	pauseMux sync.Mutex
	paused   bool

	sink         FrameSink
	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record *kgo.Record
	err    error
}

func NewAdapter(cfg Config, sink FrameSink, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := &Adapter{
		cfg:     cfg,
		logger:  cfg.Logger,
		client:  cl,
		sink:    sink,
		records: make(chan *kgo.Record, cfg.QueueCapacity),
		acks:    make(chan recordAck, cfg.QueueCapacity),
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.ParseMode == "" {
		c.ParseMode = ParseModeJSON
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	if c.ParseMode != ParseModeJSON && c.ParseMode != ParseModeCustom {
		return fmt.Errorf("unsupported parse mode %q", c.ParseMode)
	}
	return nil
}

func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	var workers sync.WaitGroup
	for i := 0; i < a.cfg.WorkerCount; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			a.runWorker(ctx)
		}()
	}
	ackDone := make(chan struct{})
	go func() {
		defer close(ackDone)
		a.handleAcks(ctx)
	}()

	for {
		if ctx.Err() != nil || a.closed.Load() {
			// Workers drain the record queue first; closing acks after
			// they exit lets the ack loop finish every buffered ack.
			close(a.records)
			workers.Wait()
			close(a.acks)
			<-ackDone
			return ctx.Err()
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if errs := fetches.Errors(); len(errs) > 0 {
			return errs[0].Err
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				for {
					select {
					case a.records <- rec:
						a.maybeResume()
						goto next
					default:
						a.maybePause()
						time.Sleep(5 * time.Millisecond)
					}
				}
			next:
			}
		})
		a.client.AllowRebalance()
	}
}

func (a *Adapter) runWorker(ctx context.Context) {
	for rec := range a.records {
		ev, err := a.normalizeRecord(rec)
		if err != nil {
			// Poison messages are committed so they are not redelivered
			// forever. The payload is logged for operator follow-up.
			a.logger.Warn("skipping malformed frame event",
				"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
			a.acks <- recordAck{record: rec}
			continue
		}
		err = a.sink.Offer(ctx, ev)
		a.acks <- recordAck{record: rec, err: err}
	}
}

// handleAcks runs until the acks channel closes, so every ack a worker
// produced is observed even during shutdown.
func (a *Adapter) handleAcks(ctx context.Context) {
	for ack := range a.acks {
		if ack.record == nil {
			continue
		}
		if ack.err != nil {
			continue
		}
		a.markCommit(ack.record)
		_ = a.commitMarked(ctx)
	}
}

func (a *Adapter) normalizeRecord(rec *kgo.Record) (domain.FrameEvent, error) {
	var ev domain.FrameEvent
	switch a.cfg.ParseMode {
	case ParseModeJSON:
		decoded, err := parseJSONEnvelope(rec.Value)
		if err != nil {
			return ev, err
		}
		ev = decoded
	case ParseModeCustom:
		if a.cfg.CustomMapper == nil {
			return ev, errors.New("custom mapper not configured")
		}
		decoded, err := a.cfg.CustomMapper.MapKafkaRecord(rec)
		if err != nil {
			return ev, err
		}
		ev = decoded
	default:
		return ev, fmt.Errorf("unsupported parse mode %q", a.cfg.ParseMode)
	}
	return ev, validateEvent(ev)
}

func parseJSONEnvelope(payload []byte) (domain.FrameEvent, error) {
	var in jsonEnvelope
	if err := json.Unmarshal(payload, &in); err != nil {
		return domain.FrameEvent{}, fmt.Errorf("parse json envelope: %w", err)
	}
	return domain.FrameEvent{
		SequenceNumber: in.SequenceNumber,
		SourceID:       in.SourceID,
		Timestamp:      in.Timestamp,
		Width:          in.Width,
		Height:         in.Height,
		Format:         in.Format,
	}, nil
}

func validateEvent(ev domain.FrameEvent) error {
	if ev.SequenceNumber == 0 {
		return errors.New("sequence_number is required")
	}
	if ev.Width == 0 || ev.Height == 0 {
		return errors.New("width and height are required")
	}
	return nil
}

// Close makes the poll loop shut down on its next cycle; Start returns
// after the workers and ack loop have drained. Safe to call more than
// once and from a goroutine other than the one running Start.
func (a *Adapter) Close() {
	a.closed.Store(true)
}

func (a *Adapter) maybePause() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	if len(a.records) < cap(a.records) {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	if len(a.records) > cap(a.records)/2 {
		return
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}
