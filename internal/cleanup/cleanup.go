package cleanup

import (
	"context"
	"errors"
	"time"

	"github.com/italolelis/batch_downloader/internal/batch"
	"github.com/italolelis/batch_downloader/internal/logctx"
	"github.com/italolelis/batch_downloader/internal/storage"
)

// Deleter removes a batch together with its files and records.
type Deleter interface {
	Delete(ctx context.Context, id batch.ID) error
}

// DeleteExpiredBatches deletes downloaded batches whose last update is older
// than keep. A non-positive keep disables retention.
func DeleteExpiredBatches(ctx context.Context, records []storage.BatchRecord, deleter Deleter, keep time.Duration) error {
	if keep <= 0 {
		return nil
	}

	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	var errs []error

	for _, rec := range records {
		if rec.Status != batch.StatusDownloaded.String() {
			continue
		}

		if now.Sub(rec.UpdatedAt) <= keep {
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if err := deleter.Delete(ctx, batch.ID(rec.ID)); err != nil {
			logger.Error("failed to delete expired batch", "batch_id", rec.ID, "err", err)
			errs = append(errs, err)

			continue
		}

		logger.Info("deleted expired batch", "batch_id", rec.ID, "title", rec.Title, "downloaded_at", rec.UpdatedAt)
	}

	return errors.Join(errs...)
}
