package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/italolelis/batch_downloader/internal/batch"
	"github.com/italolelis/batch_downloader/internal/logctx"
	"golang.org/x/sync/errgroup"
)

const hydrateConcurrency = 4

// FileInspector reports how much of a file already sits on disk.
type FileInspector interface {
	Size(id batch.ID, rel string) (int64, error)
}

// DepsFunc supplies the collaborators of a restored batch.
type DepsFunc func(id batch.ID) batch.Deps

// HydrationError reports a hydration that could not restore every batch.
// Loaded holds what was restored; Failed names the batches that were skipped.
type HydrationError struct {
	Loaded int
	Failed []batch.ID
	Err    error
}

func (e *HydrationError) Error() string {
	if len(e.Failed) == 0 {
		return fmt.Sprintf("hydration failed after %d batches: %v", e.Loaded, e.Err)
	}

	ids := make([]string, len(e.Failed))
	for i, id := range e.Failed {
		ids[i] = string(id)
	}

	return fmt.Sprintf("hydration restored %d batches, failed %s: %v", e.Loaded, strings.Join(ids, ","), e.Err)
}

func (e *HydrationError) Unwrap() error {
	return e.Err
}

// Hydrate rebuilds live batches from durable records in storage order. Batches
// whose records cannot be read or decoded are skipped; the returned slice then
// holds the rest and the error is a *HydrationError.
func (a *Adapter) Hydrate(ctx context.Context, files FileInspector, deps DepsFunc) ([]*batch.Batch, error) {
	logger := logctx.LoggerFromContext(ctx)

	records, err := a.store.LoadBatches(ctx)
	if err != nil {
		return nil, &HydrationError{Err: fmt.Errorf("failed to load batches: %w", err)}
	}

	restored := make([]*batch.Batch, len(records))
	failures := make([]error, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(hydrateConcurrency)

	for i, record := range records {
		g.Go(func() error {
			b, err := a.restore(gctx, record.ID, record.Title, record.Status, files, deps)
			if err != nil {
				failures[i] = err

				return nil
			}

			restored[i] = b

			return nil
		})
	}

	_ = g.Wait()

	var (
		loaded []*batch.Batch
		failed []batch.ID
		errs   []error
	)

	for i, b := range restored {
		if failures[i] != nil {
			failed = append(failed, batch.ID(records[i].ID))
			errs = append(errs, failures[i])

			logger.Error("failed to hydrate batch", "batch_id", records[i].ID, "err", failures[i])

			continue
		}

		loaded = append(loaded, b)
	}

	if len(failed) > 0 {
		return loaded, &HydrationError{Loaded: len(loaded), Failed: failed, Err: errors.Join(errs...)}
	}

	logger.Debug("hydrated batches", "count", len(loaded))

	return loaded, nil
}

// HydrateAsync runs Hydrate in the background and calls onLoaded exactly once.
func (a *Adapter) HydrateAsync(ctx context.Context, files FileInspector, deps DepsFunc, onLoaded func([]*batch.Batch, error)) {
	go func() {
		batches, err := a.Hydrate(ctx, files, deps)
		onLoaded(batches, err)
	}()
}

func (a *Adapter) restore(ctx context.Context, id, title, rawStatus string, files FileInspector, deps DepsFunc) (*batch.Batch, error) {
	status, err := batch.ParseStatus(rawStatus)
	if err != nil {
		return nil, fmt.Errorf("batch %s: %w", id, err)
	}

	records, err := a.store.LoadFiles(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load files of batch %s: %w", id, err)
	}

	bid := batch.ID(id)
	descriptors := make([]batch.File, 0, len(records))

	for _, r := range records {
		f := batch.File{
			ID:   batch.FileID(r.FileID),
			URL:  r.URL,
			Path: r.Path,
			Size: r.Size,
		}

		if files != nil {
			downloaded, err := files.Size(bid, r.Path)
			if err != nil {
				return nil, fmt.Errorf("failed to inspect %s of batch %s: %w", r.Path, id, err)
			}

			f.Downloaded = downloaded
		}

		if status == batch.StatusDownloaded && f.Size > 0 {
			f.Downloaded = f.Size
		}

		descriptors = append(descriptors, f)
	}

	var d batch.Deps
	if deps != nil {
		d = deps(bid)
	}

	return batch.Restore(bid, title, status, descriptors, d), nil
}
