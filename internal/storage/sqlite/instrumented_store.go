package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/batch_downloader/internal/storage"
	"github.com/italolelis/batch_downloader/internal/telemetry"
)

// InstrumentedStore wraps Store with telemetry.
type InstrumentedStore struct {
	store     *Store
	telemetry *telemetry.Telemetry
}

// NewInstrumentedStore creates a new instrumented store.
func NewInstrumentedStore(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{
		store:     NewStore(dbConn),
		telemetry: tel,
	}
}

// RunTransaction runs work in a transaction with telemetry.
func (s *InstrumentedStore) RunTransaction(ctx context.Context, work func(tx storage.Tx) error) error {
	return s.telemetry.InstrumentDBOperation(ctx, "run_transaction", func(ctx context.Context) error {
		return s.store.RunTransaction(ctx, work)
	})
}

// LoadBatches retrieves all batch records with telemetry.
func (s *InstrumentedStore) LoadBatches(ctx context.Context) ([]storage.BatchRecord, error) {
	var result []storage.BatchRecord

	err := s.telemetry.InstrumentDBOperation(ctx, "load_batches", func(ctx context.Context) error {
		var err error

		result, err = s.store.LoadBatches(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// LoadFiles retrieves the file records of a batch with telemetry.
func (s *InstrumentedStore) LoadFiles(ctx context.Context, batchID string) ([]storage.FileRecord, error) {
	var result []storage.FileRecord

	err := s.telemetry.InstrumentDBOperation(ctx, "load_files", func(ctx context.Context) error {
		var err error

		result, err = s.store.LoadFiles(ctx, batchID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
