// Package streamlog implements a durable, append-only, ID-ordered stream
// with consumer-group delivery and acknowledgment. IDs follow the
// "<unix_millis>-<seq>" format; the sequence component disambiguates
// appends that land in the same millisecond.
package streamlog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"framestream/internal/domain"
	"framestream/internal/storage"
)

// Sentinel IDs accepted by range reads and group creation.
const (
	BeginID = "-"
	EndID   = "+"
)

type group struct {
	cursor  domain.EntryID
	pending map[domain.EntryID]string
}

// Log is one named append-only stream. All mutation happens under the
// stream's own lock; the storage engine is written through inside that
// critical section so no two concurrent appends can observe the same ID.
type Log struct {
	name   string
	engine storage.Engine
	logger *slog.Logger

	mu      sync.Mutex
	entries []domain.StreamEntry
	ids     []domain.EntryID
	lastID  domain.EntryID
	groups  map[string]*group
	waiters []chan struct{}
}

// Open loads the stream's persisted entries and group state from the
// engine. Entries with unparseable IDs are skipped with a diagnostic.
func Open(ctx context.Context, name string, engine storage.Engine, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{name: name, engine: engine, logger: logger, groups: make(map[string]*group)}

	stored, err := engine.LoadEntries(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load stream %q: %w", name, err)
	}
	for _, entry := range stored {
		id, err := domain.ParseEntryID(entry.ID)
		if err != nil {
			logger.Warn("skipping entry with malformed id", "stream", name, "id", entry.ID, "err", err)
			continue
		}
		l.entries = append(l.entries, entry)
		l.ids = append(l.ids, id)
		if l.lastID.Less(id) {
			l.lastID = id
		}
	}

	groups, err := engine.LoadGroups(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load groups for stream %q: %w", name, err)
	}
	for gname, state := range groups {
		pending := state.Pending
		if pending == nil {
			pending = map[domain.EntryID]string{}
		}
		l.groups[gname] = &group{cursor: state.Cursor, pending: pending}
	}
	return l, nil
}

func (l *Log) Name() string { return l.name }

// Append stores fields as the next entry and returns its ID. ID generation
// and storage are a single atomic unit under the stream lock.
func (l *Log) Append(ctx context.Context, fields map[string]string) (string, error) {
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextIDLocked()
	if err := l.engine.AppendEntry(ctx, l.name, id, copied); err != nil {
		return "", fmt.Errorf("append to stream %q: %w", l.name, err)
	}
	l.lastID = id
	l.entries = append(l.entries, domain.StreamEntry{ID: id.String(), Stream: l.name, Fields: copied})
	l.ids = append(l.ids, id)

	for _, ch := range l.waiters {
		close(ch)
	}
	l.waiters = nil
	return id.String(), nil
}

// nextIDLocked returns the first ID strictly greater than lastID. The
// per-millisecond sequence resets when the wall clock advances; a clock
// that stands still or steps backward keeps incrementing the sequence so
// IDs stay strictly increasing.
func (l *Log) nextIDLocked() domain.EntryID {
	ms := uint64(time.Now().UnixMilli())
	if ms <= l.lastID.Ms {
		return domain.EntryID{Ms: l.lastID.Ms, Seq: l.lastID.Seq + 1}
	}
	return domain.EntryID{Ms: ms, Seq: 0}
}

// ReadRange returns entries with start <= ID <= end in ID order. The "-"
// and "+" sentinels mean beginning and end of the log; a bare millisecond
// value is accepted for either bound. limit <= 0 means no limit. Range
// reads never move consumer-group cursors.
func (l *Log) ReadRange(_ context.Context, start, end string, limit int) ([]domain.StreamEntry, error) {
	startID, endID, err := parseRange(start, end)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lo := sort.Search(len(l.ids), func(i int) bool { return !l.ids[i].Less(startID) })
	var out []domain.StreamEntry
	for i := lo; i < len(l.ids); i++ {
		if endID.Less(l.ids[i]) {
			break
		}
		out = append(out, l.entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func parseRange(start, end string) (domain.EntryID, domain.EntryID, error) {
	startID := domain.EntryID{}
	endID := domain.EntryID{Ms: ^uint64(0), Seq: ^uint64(0)}
	if start != "" && start != BeginID {
		parsed, err := domain.ParseEntryID(start)
		if err != nil {
			return domain.EntryID{}, domain.EntryID{}, err
		}
		startID = parsed
	}
	if end != "" && end != EndID {
		parsed, err := domain.ParseEntryID(end)
		if err != nil {
			return domain.EntryID{}, domain.EntryID{}, err
		}
		endID = parsed
	}
	return startID, endID, nil
}

// CreateGroup registers a consumer group. Creation is idempotent: an
// existing group keeps its cursor. startID accepts "0" or "-" for the
// beginning of the log and "$" for the current end.
func (l *Log) CreateGroup(ctx context.Context, name, startID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.groups[name]; ok {
		return nil
	}

	var cursor domain.EntryID
	switch startID {
	case "", "0", BeginID:
		// zero cursor: deliver everything
	case "$":
		cursor = l.lastID
	default:
		parsed, err := domain.ParseEntryID(startID)
		if err != nil {
			return err
		}
		cursor = parsed
	}

	if err := l.engine.SaveGroupCursor(ctx, l.name, name, cursor); err != nil {
		return fmt.Errorf("create group %q: %w", name, err)
	}
	l.groups[name] = &group{cursor: cursor, pending: map[domain.EntryID]string{}}
	return nil
}

// ReadGroup delivers entries past the group's cursor, advances the cursor,
// and marks the delivered entries pending for consumer. With no entries
// available and block > 0 the caller is suspended until a new append, the
// timeout, or context cancellation; timeout and cancellation return an
// empty batch without error.
func (l *Log) ReadGroup(ctx context.Context, groupName, consumer string, limit int, block time.Duration) ([]domain.StreamEntry, error) {
	deadline := time.Now().Add(block)

	l.mu.Lock()
	g, ok := l.groups[groupName]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("unknown consumer group %q on stream %q", groupName, l.name)
	}

	for {
		batchIdx := l.afterCursorLocked(g.cursor, limit)
		if len(batchIdx) > 0 {
			entries, err := l.deliverLocked(ctx, groupName, g, consumer, batchIdx)
			l.mu.Unlock()
			return entries, err
		}
		if block <= 0 {
			l.mu.Unlock()
			return nil, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			l.mu.Unlock()
			return nil, nil
		}

		ch := make(chan struct{})
		l.waiters = append(l.waiters, ch)
		l.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-ch:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		}
		timer.Stop()
		l.mu.Lock()
	}
}

func (l *Log) afterCursorLocked(cursor domain.EntryID, limit int) []int {
	lo := sort.Search(len(l.ids), func(i int) bool { return cursor.Less(l.ids[i]) })
	var idx []int
	for i := lo; i < len(l.ids); i++ {
		idx = append(idx, i)
		if limit > 0 && len(idx) >= limit {
			break
		}
	}
	return idx
}

// deliverLocked persists the pending records before the cursor. A crash or
// engine failure between the two leaves the cursor behind the delivered
// entries, so a reopen re-delivers them (AddPending is an upsert) instead
// of skipping entries that were never handed to a consumer.
func (l *Log) deliverLocked(ctx context.Context, groupName string, g *group, consumer string, batchIdx []int) ([]domain.StreamEntry, error) {
	written := make([]domain.EntryID, 0, len(batchIdx))
	rollback := func() {
		for _, id := range written {
			if err := l.engine.RemovePending(ctx, l.name, groupName, id); err != nil {
				l.logger.Warn("rollback of pending delivery failed",
					"stream", l.name, "group", groupName, "id", id.String(), "err", err)
			}
		}
	}
	for _, i := range batchIdx {
		if err := l.engine.AddPending(ctx, l.name, groupName, l.ids[i], consumer); err != nil {
			rollback()
			return nil, fmt.Errorf("record pending delivery for group %q: %w", groupName, err)
		}
		written = append(written, l.ids[i])
	}
	newCursor := l.ids[batchIdx[len(batchIdx)-1]]
	if err := l.engine.SaveGroupCursor(ctx, l.name, groupName, newCursor); err != nil {
		rollback()
		return nil, fmt.Errorf("advance cursor for group %q: %w", groupName, err)
	}

	g.cursor = newCursor
	out := make([]domain.StreamEntry, 0, len(batchIdx))
	for _, i := range batchIdx {
		g.pending[l.ids[i]] = consumer
		out = append(out, l.entries[i])
	}
	return out, nil
}

// Ack removes id from the group's pending set. Acknowledging an unknown
// group, a malformed ID, or an ID that was never delivered returns false
// with no other effect.
func (l *Log) Ack(ctx context.Context, groupName, id string) (bool, error) {
	parsed, err := domain.ParseEntryID(id)
	if err != nil {
		return false, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.groups[groupName]
	if !ok {
		return false, nil
	}
	if _, ok := g.pending[parsed]; !ok {
		return false, nil
	}
	if err := l.engine.RemovePending(ctx, l.name, groupName, parsed); err != nil {
		return false, fmt.Errorf("ack %s on stream %q: %w", id, l.name, err)
	}
	delete(g.pending, parsed)
	return true, nil
}

// Stats reports entry count, last ID, and per-group lag (entries past the
// group's cursor).
func (l *Log) Stats() domain.StreamStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := domain.StreamStats{Stream: l.name, EntryCount: int64(len(l.entries))}
	if len(l.entries) > 0 {
		stats.LastID = l.lastID.String()
	}
	for name, g := range l.groups {
		lo := sort.Search(len(l.ids), func(i int) bool { return g.cursor.Less(l.ids[i]) })
		stats.Groups = append(stats.Groups, domain.GroupStats{
			Name:            name,
			LastDeliveredID: g.cursor.String(),
			Pending:         len(g.pending),
			Lag:             int64(len(l.ids) - lo),
		})
	}
	sort.Slice(stats.Groups, func(i, j int) bool { return stats.Groups[i].Name < stats.Groups[j].Name })
	return stats
}
