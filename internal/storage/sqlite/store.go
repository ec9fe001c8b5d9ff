package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/italolelis/batch_downloader/internal/storage"
)

// Store implements storage.Store on SQLite. Batches and files are returned in
// the order they were first persisted.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes transactions
}

func NewStore(dbConn *sql.DB) *Store {
	return &Store{db: dbConn}
}

func (s *Store) RunTransaction(ctx context.Context, work func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &storage.TransactionError{Operation: "begin", Err: err}
	}

	committed := false

	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err := work(&tx{tx: sqlTx}); err != nil {
		return &storage.TransactionError{Operation: "work", Err: err}
	}

	if err := sqlTx.Commit(); err != nil {
		return &storage.TransactionError{Operation: "commit", Err: err}
	}

	committed = true

	return nil
}

func (s *Store) LoadBatches(ctx context.Context) ([]storage.BatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT batch_id, title, status, created_at, updated_at FROM batches ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var batches []storage.BatchRecord

	for rows.Next() {
		var (
			record               storage.BatchRecord
			createdAt, updatedAt string
		)

		if err := rows.Scan(&record.ID, &record.Title, &record.Status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}

		record.CreatedAt = parseTime(createdAt)
		record.UpdatedAt = parseTime(updatedAt)

		batches = append(batches, record)
	}

	return batches, rows.Err()
}

func (s *Store) LoadFiles(ctx context.Context, batchID string) ([]storage.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, file_id, url, path, size FROM batch_files WHERE batch_id = ? ORDER BY seq`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []storage.FileRecord

	for rows.Next() {
		var record storage.FileRecord
		if err := rows.Scan(&record.BatchID, &record.FileID, &record.URL, &record.Path, &record.Size); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}

		files = append(files, record)
	}

	return files, rows.Err()
}

type tx struct {
	tx *sql.Tx
}

func (t *tx) InsertBatch(ctx context.Context, record storage.BatchRecord) error {
	now := time.Now().UTC()

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO batches (batch_id, title, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, record.ID, record.Title, record.Status, formatTime(createdAt), formatTime(now))

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("batch %s: %w", record.ID, storage.ErrAlreadyExists)
	}

	if err != nil {
		return fmt.Errorf("failed to insert batch %s: %w", record.ID, err)
	}

	return nil
}

func (t *tx) PersistBatch(ctx context.Context, record storage.BatchRecord) error {
	now := time.Now().UTC()

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO batches (batch_id, title, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(batch_id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, record.ID, record.Title, record.Status, formatTime(createdAt), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to persist batch %s: %w", record.ID, err)
	}

	return nil
}

func (t *tx) PersistFile(ctx context.Context, record storage.FileRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO batch_files (batch_id, file_id, url, path, size)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(batch_id, file_id) DO UPDATE SET
			url = excluded.url,
			path = excluded.path,
			size = excluded.size
	`, record.BatchID, record.FileID, record.URL, record.Path, record.Size)
	if err != nil {
		return fmt.Errorf("failed to persist file %s of batch %s: %w", record.FileID, record.BatchID, err)
	}

	return nil
}

// Update sets the status for a batch.
func (t *tx) Update(ctx context.Context, batchID, status string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE batches SET status = ?, updated_at = ? WHERE batch_id = ?`,
		status, formatTime(time.Now().UTC()), batchID)
	if err != nil {
		return fmt.Errorf("failed to update batch %s: %w", batchID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return fmt.Errorf("batch %s: %w", batchID, storage.ErrNotFound)
	}

	return nil
}

func (t *tx) Delete(ctx context.Context, batchID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM batch_files WHERE batch_id = ?`, batchID); err != nil {
		return fmt.Errorf("failed to delete files of batch %s: %w", batchID, err)
	}

	if _, err := t.tx.ExecContext(ctx, `DELETE FROM batches WHERE batch_id = ?`, batchID); err != nil {
		return fmt.Errorf("failed to delete batch %s: %w", batchID, err)
	}

	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}

	return t
}
