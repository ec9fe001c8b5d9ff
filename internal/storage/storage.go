package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when an update targets a batch that has no record.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when an insert targets a batch ID that is taken.
	ErrAlreadyExists = errors.New("record already exists")
)

// BatchRecord is the durable projection of a batch.
type BatchRecord struct {
	ID        string
	Title     string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FileRecord is the durable projection of one file of a batch.
type FileRecord struct {
	BatchID string
	FileID  string
	URL     string
	Path    string
	Size    int64
}

// Tx is the unit of work handed to RunTransaction. Its writes become visible
// only when the transaction commits.
type Tx interface {
	InsertBatch(ctx context.Context, record BatchRecord) error  // fails with ErrAlreadyExists
	PersistBatch(ctx context.Context, record BatchRecord) error // upsert by ID
	PersistFile(ctx context.Context, record FileRecord) error   // upsert by (BatchID, FileID)
	Update(ctx context.Context, batchID, status string) error
	Delete(ctx context.Context, batchID string) error // removes the batch and its files
}

// BatchReader reads durable records in storage order.
type BatchReader interface {
	LoadBatches(ctx context.Context) ([]BatchRecord, error)
	LoadFiles(ctx context.Context, batchID string) ([]FileRecord, error)
}

// Store is a transactional durable store for batch and file records.
// Transactions on the same store are serialized.
type Store interface {
	BatchReader

	// RunTransaction commits only when work returns nil; otherwise every write
	// made through tx is discarded and a *TransactionError is returned.
	RunTransaction(ctx context.Context, work func(tx Tx) error) error
}

// TransactionError reports a transaction that did not commit. Durable state is
// unchanged when it is returned.
type TransactionError struct {
	Operation string // begin, work, commit
	Err       error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction failed during %s: %v", e.Operation, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}
