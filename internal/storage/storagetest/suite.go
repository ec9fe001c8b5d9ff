// Package storagetest holds the behaviour every storage.Store must show.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/italolelis/batch_downloader/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStore runs the store conformance suite. newStore must return an empty store.
func TestStore(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("PersistAndLoadInOrder", func(t *testing.T) {
		testPersistAndLoadInOrder(t, newStore(t))
	})
	t.Run("UpsertKeepsPosition", func(t *testing.T) {
		testUpsertKeepsPosition(t, newStore(t))
	})
	t.Run("InsertRejectsExisting", func(t *testing.T) {
		testInsertRejectsExisting(t, newStore(t))
	})
	t.Run("Update", func(t *testing.T) {
		testUpdate(t, newStore(t))
	})
	t.Run("UpdateUnknown", func(t *testing.T) {
		testUpdateUnknown(t, newStore(t))
	})
	t.Run("DeleteCascadesToFiles", func(t *testing.T) {
		testDeleteCascadesToFiles(t, newStore(t))
	})
	t.Run("FailedWorkIsRolledBack", func(t *testing.T) {
		testFailedWorkIsRolledBack(t, newStore(t))
	})
	t.Run("ConcurrentTransactions", func(t *testing.T) {
		testConcurrentTransactions(t, newStore(t))
	})
	t.Run("EmptyStore", func(t *testing.T) {
		testEmptyStore(t, newStore(t))
	})
}

func seed(t *testing.T, store storage.Store, ids ...string) {
	t.Helper()

	err := store.RunTransaction(context.Background(), func(tx storage.Tx) error {
		for _, id := range ids {
			if err := tx.PersistBatch(context.Background(), storage.BatchRecord{ID: id, Title: "title " + id, Status: "queued"}); err != nil {
				return err
			}

			for _, fileID := range []string{"f1", "f2"} {
				if err := tx.PersistFile(context.Background(), storage.FileRecord{
					BatchID: id,
					FileID:  fileID,
					URL:     "http://example.com/" + id + "/" + fileID,
					Path:    fileID + ".bin",
					Size:    10,
				}); err != nil {
					return err
				}
			}
		}

		return nil
	})
	require.NoError(t, err)
}

func batchIDs(t *testing.T, store storage.Store) []string {
	t.Helper()

	records, err := store.LoadBatches(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}

	return ids
}

func testPersistAndLoadInOrder(t *testing.T, store storage.Store) {
	seed(t, store, "b", "a", "c")

	assert.Equal(t, []string{"b", "a", "c"}, batchIDs(t, store))

	records, err := store.LoadBatches(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "title b", records[0].Title)
	assert.Equal(t, "queued", records[0].Status)
	assert.False(t, records[0].CreatedAt.IsZero())
	assert.False(t, records[0].UpdatedAt.IsZero())

	files, err := store.LoadFiles(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "f1", files[0].FileID)
	assert.Equal(t, "f2", files[1].FileID)
	assert.Equal(t, "http://example.com/a/f1", files[0].URL)
	assert.Equal(t, int64(10), files[0].Size)
}

func testUpsertKeepsPosition(t *testing.T, store storage.Store) {
	seed(t, store, "a", "b")

	err := store.RunTransaction(context.Background(), func(tx storage.Tx) error {
		if err := tx.PersistBatch(context.Background(), storage.BatchRecord{ID: "a", Title: "renamed", Status: "paused"}); err != nil {
			return err
		}

		return tx.PersistFile(context.Background(), storage.FileRecord{BatchID: "a", FileID: "f1", URL: "http://x", Path: "f1.bin", Size: 99})
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, batchIDs(t, store))

	records, err := store.LoadBatches(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "renamed", records[0].Title)
	assert.Equal(t, "paused", records[0].Status)

	files, err := store.LoadFiles(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "f1", files[0].FileID)
	assert.Equal(t, int64(99), files[0].Size)
}

func testInsertRejectsExisting(t *testing.T, store storage.Store) {
	ctx := context.Background()

	require.NoError(t, store.RunTransaction(ctx, func(tx storage.Tx) error {
		return tx.InsertBatch(ctx, storage.BatchRecord{ID: "c", Title: "fresh", Status: "queued"})
	}))

	seed(t, store, "a")

	require.NoError(t, store.RunTransaction(ctx, func(tx storage.Tx) error {
		return tx.Update(ctx, "a", "downloaded")
	}))

	err := store.RunTransaction(ctx, func(tx storage.Tx) error {
		if err := tx.InsertBatch(ctx, storage.BatchRecord{ID: "a", Title: "replacement", Status: "queued"}); err != nil {
			return err
		}

		return tx.PersistFile(ctx, storage.FileRecord{BatchID: "a", FileID: "new", URL: "http://x", Path: "new.bin"})
	})
	require.ErrorIs(t, err, storage.ErrAlreadyExists)

	var txErr *storage.TransactionError
	require.ErrorAs(t, err, &txErr)

	assert.Equal(t, []string{"c", "a"}, batchIDs(t, store))

	records, err := store.LoadBatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, "title a", records[1].Title)
	assert.Equal(t, "downloaded", records[1].Status)

	files, err := store.LoadFiles(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func testUpdate(t *testing.T, store storage.Store) {
	seed(t, store, "a")

	err := store.RunTransaction(context.Background(), func(tx storage.Tx) error {
		return tx.Update(context.Background(), "a", "downloading")
	})
	require.NoError(t, err)

	records, err := store.LoadBatches(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "downloading", records[0].Status)
}

func testUpdateUnknown(t *testing.T, store storage.Store) {
	err := store.RunTransaction(context.Background(), func(tx storage.Tx) error {
		return tx.Update(context.Background(), "ghost", "paused")
	})

	var txErr *storage.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDeleteCascadesToFiles(t *testing.T, store storage.Store) {
	seed(t, store, "a", "b")

	err := store.RunTransaction(context.Background(), func(tx storage.Tx) error {
		return tx.Delete(context.Background(), "a")
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, batchIDs(t, store))

	files, err := store.LoadFiles(context.Background(), "a")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func testFailedWorkIsRolledBack(t *testing.T, store storage.Store) {
	seed(t, store, "a")

	boom := errors.New("boom")

	err := store.RunTransaction(context.Background(), func(tx storage.Tx) error {
		if err := tx.PersistBatch(context.Background(), storage.BatchRecord{ID: "b", Title: "b", Status: "queued"}); err != nil {
			return err
		}

		if err := tx.PersistFile(context.Background(), storage.FileRecord{BatchID: "b", FileID: "f", URL: "u", Path: "p"}); err != nil {
			return err
		}

		if err := tx.Update(context.Background(), "a", "paused"); err != nil {
			return err
		}

		if err := tx.Delete(context.Background(), "a"); err != nil {
			return err
		}

		return boom
	})

	var txErr *storage.TransactionError
	require.ErrorAs(t, err, &txErr)
	require.ErrorIs(t, err, boom)

	records, err := store.LoadBatches(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].ID)
	assert.Equal(t, "queued", records[0].Status)

	files, err := store.LoadFiles(context.Background(), "a")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	files, err = store.LoadFiles(context.Background(), "b")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func testConcurrentTransactions(t *testing.T, store storage.Store) {
	const writers = 8

	var wg sync.WaitGroup

	for i := 0; i < writers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			id := string(rune('a' + i))
			err := store.RunTransaction(context.Background(), func(tx storage.Tx) error {
				return tx.PersistBatch(context.Background(), storage.BatchRecord{ID: id, Title: id, Status: "queued"})
			})
			assert.NoError(t, err)
		}(i)
	}

	wg.Wait()

	assert.Len(t, batchIDs(t, store), writers)
}

func testEmptyStore(t *testing.T, store storage.Store) {
	records, err := store.LoadBatches(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)

	files, err := store.LoadFiles(context.Background(), "none")
	require.NoError(t, err)
	assert.Empty(t, files)
}
