// Package memory provides an in-memory storage engine for tests and
// ephemeral runs. It mirrors the sqlite engine's contract without touching
// disk; durability obviously ends with the process.
package memory

import (
	"context"
	"fmt"
	"sync"

	"framestream/internal/domain"
	"framestream/internal/storage"
)

type streamState struct {
	entries []domain.StreamEntry
	groups  map[string]*storage.GroupState
}

type Store struct {
	mu      sync.Mutex
	streams map[string]*streamState
}

func NewStore() *Store {
	return &Store{streams: make(map[string]*streamState)}
}

func (s *Store) AppendEntry(_ context.Context, stream string, id domain.EntryID, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stream(stream)
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	st.entries = append(st.entries, domain.StreamEntry{ID: id.String(), Stream: stream, Fields: copied})
	return nil
}

func (s *Store) LoadEntries(_ context.Context, stream string) ([]domain.StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.StreamEntry(nil), s.stream(stream).entries...), nil
}

func (s *Store) SaveGroupCursor(_ context.Context, stream, group string, cursor domain.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stream(stream)
	state, ok := st.groups[group]
	if !ok {
		state = &storage.GroupState{Pending: map[domain.EntryID]string{}}
		st.groups[group] = state
	}
	state.Cursor = cursor
	return nil
}

func (s *Store) LoadGroups(_ context.Context, stream string) (map[string]storage.GroupState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]storage.GroupState{}
	for name, state := range s.stream(stream).groups {
		pending := make(map[domain.EntryID]string, len(state.Pending))
		for id, consumer := range state.Pending {
			pending[id] = consumer
		}
		out[name] = storage.GroupState{Cursor: state.Cursor, Pending: pending}
	}
	return out, nil
}

func (s *Store) AddPending(_ context.Context, stream, group string, id domain.EntryID, consumer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.stream(stream).groups[group]
	if !ok {
		return fmt.Errorf("unknown group %q", group)
	}
	state.Pending[id] = consumer
	return nil
}

func (s *Store) RemovePending(_ context.Context, stream, group string, id domain.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.stream(stream).groups[group]; ok {
		delete(state.Pending, id)
	}
	return nil
}

func (s *Store) Close() error { return nil }

func (s *Store) stream(name string) *streamState {
	st, ok := s.streams[name]
	if !ok {
		st = &streamState{groups: make(map[string]*storage.GroupState)}
		s.streams[name] = st
	}
	return st
}
