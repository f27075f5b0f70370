package storage

import (
	"context"

	"framestream/internal/domain"
)

// GroupState is the persisted position of one consumer group over one
// stream: the last-delivered cursor and the pending set (entry ID to the
// consumer it was delivered to).
type GroupState struct {
	Cursor  domain.EntryID
	Pending map[domain.EntryID]string
}

// Engine is the durable persistence contract behind a stream log. A stream
// log calls it under its own lock, so implementations only need to be safe
// across distinct streams.
type Engine interface {
	AppendEntry(ctx context.Context, stream string, id domain.EntryID, fields map[string]string) error
	LoadEntries(ctx context.Context, stream string) ([]domain.StreamEntry, error)

	SaveGroupCursor(ctx context.Context, stream, group string, cursor domain.EntryID) error
	LoadGroups(ctx context.Context, stream string) (map[string]GroupState, error)
	AddPending(ctx context.Context, stream, group string, id domain.EntryID, consumer string) error
	RemovePending(ctx context.Context, stream, group string, id domain.EntryID) error

	Close() error
}
