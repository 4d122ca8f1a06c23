package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps dedup rows in process memory. Every session opened
// from the same backend shares the rows; closing a session does not drop
// them. Used by tests and the memory:// DSN scheme.
type MemoryBackend struct {
	mu     sync.Mutex
	tables map[string]map[int64]*time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tables: map[string]map[int64]*time.Time{}}
}

func (b *MemoryBackend) Open(ctx context.Context) (Store, error) {
	return &memoryStore{backend: b}, nil
}

type memoryStore struct {
	backend *MemoryBackend
}

func (s *memoryStore) GetStorageInfo(ctx context.Context, table string, id int64) (StorageInfo, error) {
	if !validTable(table) {
		return StorageInfo{}, ErrInvalidInput
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	rows, ok := s.backend.tables[table]
	if !ok {
		return StorageInfo{}, nil
	}
	at, ok := rows[id]
	if !ok {
		return StorageInfo{}, nil
	}
	info := StorageInfo{Exists: true}
	if at != nil {
		copied := *at
		info.ReprocessTime = &copied
	}
	return info, nil
}

func (s *memoryStore) Upsert(ctx context.Context, table string, id int64, delayMinutes int) error {
	if !validTable(table) {
		return ErrInvalidInput
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	rows, ok := s.backend.tables[table]
	if !ok {
		rows = map[int64]*time.Time{}
		s.backend.tables[table] = rows
	}
	rows[id] = reprocessAt(time.Now(), delayMinutes)
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
