// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"context"
	"sync"
)

// MemoryStore keeps transcripts in process memory. Contents are lost
// when the process exits.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Event
	order    []string
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Lister = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Event)}
}

// Append records event for sessionID.
func (s *MemoryStore) Append(ctx context.Context, sessionID string, event Event) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "append", SessionID: sessionID, Err: err}
	}
	s.mu.Lock()
	if _, known := s.sessions[sessionID]; !known {
		s.order = append(s.order, sessionID)
	}
	s.sessions[sessionID] = append(s.sessions[sessionID], event)
	s.mu.Unlock()
	return nil
}

// Transcript returns a copy of the events recorded for sessionID.
func (s *MemoryStore) Transcript(ctx context.Context, sessionID string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "fetch", SessionID: sessionID, Err: err}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(make([]Event, 0, len(s.sessions[sessionID])), s.sessions[sessionID]...), nil
}

// SessionIDs returns sessions in reverse order of their first event.
func (s *MemoryStore) SessionIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.order))
	for index := len(s.order) - 1; index >= 0; index-- {
		ids = append(ids, s.order[index])
	}
	return ids, nil
}
