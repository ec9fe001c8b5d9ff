package memory_test

import (
	"context"
	"testing"

	"github.com/italolelis/batch_downloader/internal/storage"
	"github.com/italolelis/batch_downloader/internal/storage/memory"
	"github.com/italolelis/batch_downloader/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	storagetest.TestStore(t, func(t *testing.T) storage.Store {
		return memory.NewStore()
	})
}

func TestRunTransaction_CanceledContext(t *testing.T) {
	store := memory.NewStore()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.RunTransaction(ctx, func(tx storage.Tx) error {
		called = true

		return nil
	})

	var txErr *storage.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "begin", txErr.Operation)
	assert.False(t, called)
}

func TestLoadFiles_ReturnsCopy(t *testing.T) {
	store := memory.NewStore()

	require.NoError(t, store.RunTransaction(context.Background(), func(tx storage.Tx) error {
		if err := tx.PersistBatch(context.Background(), storage.BatchRecord{ID: "a", Title: "a", Status: "queued"}); err != nil {
			return err
		}

		return tx.PersistFile(context.Background(), storage.FileRecord{BatchID: "a", FileID: "f", URL: "u", Path: "p", Size: 1})
	}))

	files, err := store.LoadFiles(context.Background(), "a")
	require.NoError(t, err)
	files[0].Size = 42

	files, err = store.LoadFiles(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), files[0].Size)
}
