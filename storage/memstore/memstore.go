// Package memstore is the in-memory persistence gateway. It serializes all
// writes behind one mutex so revision assignment stays atomic, which makes
// it suitable for tests and single-process ephemeral deployments, not for
// durability.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/c360/replicant/storage"
)

// Store implements storage.Gateway entirely in process memory.
type Store struct {
	mu      sync.Mutex
	records map[string]*storage.Record
	history map[string][]storage.HistoryEntry
}

// New creates an empty in-memory gateway.
func New() *Store {
	return &Store{
		records: make(map[string]*storage.Record),
		history: make(map[string][]storage.HistoryEntry),
	}
}

// FindByKey returns the record, or (nil, nil) when absent.
func (s *Store) FindByKey(_ context.Context, namespace, name string) (*storage.Record, error) {
	if err := storage.ValidateKey(namespace, name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[storage.Key(namespace, name)]
	if !ok {
		return nil, nil
	}
	return copyRecord(record), nil
}

// Upsert creates at revision 0 or increments the revision by exactly 1.
func (s *Store) Upsert(
	_ context.Context, namespace, name string, value json.RawMessage, schemaRef string,
) (*storage.Record, error) {
	if err := storage.ValidateKey(namespace, name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := storage.Key(namespace, name)

	record, ok := s.records[key]
	if !ok {
		record = &storage.Record{
			Namespace: namespace,
			Name:      name,
			Revision:  0,
			CreatedAt: now,
		}
		s.records[key] = record
	} else {
		record.Revision++
	}

	record.Value = append([]byte(nil), value...)
	record.UpdatedAt = now
	if schemaRef != "" {
		record.SchemaRef = schemaRef
	}

	return copyRecord(record), nil
}

// DeleteByKey removes the record and its history. Returns false when absent.
func (s *Store) DeleteByKey(_ context.Context, namespace, name string) (bool, error) {
	if err := storage.ValidateKey(namespace, name); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := storage.Key(namespace, name)
	if _, ok := s.records[key]; !ok {
		return false, nil
	}

	delete(s.records, key)
	delete(s.history, key)
	return true, nil
}

// AppendHistory records one past value.
func (s *Store) AppendHistory(_ context.Context, namespace, name string, entry storage.HistoryEntry) error {
	if err := storage.ValidateKey(namespace, name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry.Value = append([]byte(nil), entry.Value...)
	key := storage.Key(namespace, name)
	s.history[key] = append(s.history[key], entry)
	return nil
}

// QueryHistory returns up to limit entries, most recent first.
func (s *Store) QueryHistory(
	_ context.Context, namespace, name string, limit int,
) ([]storage.HistoryEntry, error) {
	if err := storage.ValidateKey(namespace, name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.history[storage.Key(namespace, name)]

	result := make([]storage.HistoryEntry, 0, min(limit, len(entries)))
	for i := len(entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := entries[i]
		e.Value = append([]byte(nil), e.Value...)
		result = append(result, e)
	}
	return result, nil
}

// ListByNamespace returns metadata for every record in the namespace.
func (s *Store) ListByNamespace(_ context.Context, namespace string) ([]storage.Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var metas []storage.Meta
	for _, record := range s.records {
		if record.Namespace == namespace {
			metas = append(metas, record.Meta())
		}
	}
	sortMetas(metas)
	return metas, nil
}

// ListAll returns metadata for every record.
func (s *Store) ListAll(_ context.Context) ([]storage.Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metas := make([]storage.Meta, 0, len(s.records))
	for _, record := range s.records {
		metas = append(metas, record.Meta())
	}
	sortMetas(metas)
	return metas, nil
}

// Ping always succeeds for the in-memory gateway.
func (s *Store) Ping(_ context.Context) error {
	return nil
}

// Close drops all records and history.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*storage.Record)
	s.history = make(map[string][]storage.HistoryEntry)
	return nil
}

func copyRecord(r *storage.Record) *storage.Record {
	dup := *r
	dup.Value = append([]byte(nil), r.Value...)
	return &dup
}

func sortMetas(metas []storage.Meta) {
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].Namespace != metas[j].Namespace {
			return metas[i].Namespace < metas[j].Namespace
		}
		return metas[i].Name < metas[j].Name
	})
}
