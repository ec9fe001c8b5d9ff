// Package persistence keeps durable batch state in step with live batches.
package persistence

import (
	"context"
	"fmt"

	"github.com/italolelis/batch_downloader/internal/batch"
	"github.com/italolelis/batch_downloader/internal/storage"
)

// Adapter runs every batch mutation inside its own storage transaction. It
// implements batch.Persister.
type Adapter struct {
	store storage.Store
}

func NewAdapter(store storage.Store) *Adapter {
	return &Adapter{store: store}
}

// RunTransaction hands work a transaction that commits only when work returns nil.
func (a *Adapter) RunTransaction(ctx context.Context, work func(tx storage.Tx) error) error {
	return a.store.RunTransaction(ctx, work)
}

func (a *Adapter) LoadBatches(ctx context.Context) ([]storage.BatchRecord, error) {
	return a.store.LoadBatches(ctx)
}

func (a *Adapter) LoadFiles(ctx context.Context, id batch.ID) ([]storage.FileRecord, error) {
	return a.store.LoadFiles(ctx, string(id))
}

// Create writes a new batch together with its file records. It fails with
// storage.ErrAlreadyExists when a record with the same ID is stored.
func (a *Adapter) Create(ctx context.Context, b *batch.Batch) error {
	snap := b.Status()
	files := b.Files()

	return a.store.RunTransaction(ctx, func(tx storage.Tx) error {
		if err := tx.InsertBatch(ctx, storage.BatchRecord{
			ID:     string(b.ID()),
			Title:  b.Title(),
			Status: snap.Status.String(),
		}); err != nil {
			return err
		}

		return persistFiles(ctx, tx, b.ID(), files)
	})
}

func (a *Adapter) UpdateStatus(ctx context.Context, id batch.ID, status batch.Status) error {
	return a.store.RunTransaction(ctx, func(tx storage.Tx) error {
		return tx.Update(ctx, string(id), status.String())
	})
}

// Checkpoint stores a status change along with the latest known file sizes.
func (a *Adapter) Checkpoint(ctx context.Context, id batch.ID, status batch.Status, files []batch.File) error {
	return a.store.RunTransaction(ctx, func(tx storage.Tx) error {
		if err := tx.Update(ctx, string(id), status.String()); err != nil {
			return err
		}

		return persistFiles(ctx, tx, id, files)
	})
}

func (a *Adapter) Delete(ctx context.Context, id batch.ID) error {
	return a.store.RunTransaction(ctx, func(tx storage.Tx) error {
		return tx.Delete(ctx, string(id))
	})
}

func persistFiles(ctx context.Context, tx storage.Tx, id batch.ID, files []batch.File) error {
	for _, f := range files {
		if err := tx.PersistFile(ctx, storage.FileRecord{
			BatchID: string(id),
			FileID:  string(f.ID),
			URL:     f.URL,
			Path:    f.Path,
			Size:    f.Size,
		}); err != nil {
			return fmt.Errorf("file %s: %w", f.ID, err)
		}
	}

	return nil
}
