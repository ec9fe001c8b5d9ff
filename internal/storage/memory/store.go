// Package memory provides an in-process storage.Store. Nothing survives a
// restart; it backs tests and STORAGE_BACKEND=memory.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/italolelis/batch_downloader/internal/storage"
)

type state struct {
	order   []string
	batches map[string]storage.BatchRecord
	files   map[string][]storage.FileRecord
}

func (s *state) clone() *state {
	c := &state{
		order:   append([]string(nil), s.order...),
		batches: make(map[string]storage.BatchRecord, len(s.batches)),
		files:   make(map[string][]storage.FileRecord, len(s.files)),
	}

	for id, b := range s.batches {
		c.batches[id] = b
	}

	for id, fs := range s.files {
		c.files[id] = append([]storage.FileRecord(nil), fs...)
	}

	return c
}

// Store keeps records in memory. Transactions work on a copy that replaces the
// committed state only on success.
type Store struct {
	txMu sync.Mutex // serializes transactions
	mu   sync.RWMutex
	data *state
}

func NewStore() *Store {
	return &Store{data: &state{
		batches: make(map[string]storage.BatchRecord),
		files:   make(map[string][]storage.FileRecord),
	}}
}

func (s *Store) RunTransaction(ctx context.Context, work func(tx storage.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return &storage.TransactionError{Operation: "begin", Err: err}
	}

	s.mu.RLock()
	staged := s.data.clone()
	s.mu.RUnlock()

	if err := work(&tx{state: staged}); err != nil {
		return &storage.TransactionError{Operation: "work", Err: err}
	}

	s.mu.Lock()
	s.data = staged
	s.mu.Unlock()

	return nil
}

func (s *Store) LoadBatches(context.Context) ([]storage.BatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]storage.BatchRecord, 0, len(s.data.order))
	for _, id := range s.data.order {
		records = append(records, s.data.batches[id])
	}

	return records, nil
}

func (s *Store) LoadFiles(_ context.Context, batchID string) ([]storage.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]storage.FileRecord(nil), s.data.files[batchID]...), nil
}

type tx struct {
	state *state
}

func (t *tx) InsertBatch(ctx context.Context, record storage.BatchRecord) error {
	if _, ok := t.state.batches[record.ID]; ok {
		return fmt.Errorf("batch %s: %w", record.ID, storage.ErrAlreadyExists)
	}

	return t.PersistBatch(ctx, record)
}

func (t *tx) PersistBatch(_ context.Context, record storage.BatchRecord) error {
	now := time.Now().UTC()

	existing, ok := t.state.batches[record.ID]
	if ok {
		record.CreatedAt = existing.CreatedAt
	} else {
		if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}

		t.state.order = append(t.state.order, record.ID)
	}

	record.UpdatedAt = now
	t.state.batches[record.ID] = record

	return nil
}

func (t *tx) PersistFile(_ context.Context, record storage.FileRecord) error {
	files := t.state.files[record.BatchID]

	for i := range files {
		if files[i].FileID == record.FileID {
			files[i] = record

			return nil
		}
	}

	t.state.files[record.BatchID] = append(files, record)

	return nil
}

func (t *tx) Update(_ context.Context, batchID, status string) error {
	record, ok := t.state.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s: %w", batchID, storage.ErrNotFound)
	}

	record.Status = status
	record.UpdatedAt = time.Now().UTC()
	t.state.batches[batchID] = record

	return nil
}

func (t *tx) Delete(_ context.Context, batchID string) error {
	if _, ok := t.state.batches[batchID]; !ok {
		delete(t.state.files, batchID)

		return nil
	}

	delete(t.state.batches, batchID)
	delete(t.state.files, batchID)

	for i, id := range t.state.order {
		if id == batchID {
			t.state.order = append(t.state.order[:i], t.state.order[i+1:]...)

			break
		}
	}

	return nil
}
