// Package downloader is the HTTP transfer engine. It fetches the files of
// delegated batches into the download directory and resumes partial files
// with range requests.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/italolelis/batch_downloader/internal/batch"
	"github.com/italolelis/batch_downloader/internal/downloader/progress"
	"github.com/italolelis/batch_downloader/internal/logctx"
	"github.com/italolelis/batch_downloader/internal/telemetry"
	"github.com/italolelis/batch_downloader/internal/transfer"
)

const defaultProgressInterval = 8 * 1024 * 1024

var (
	// ErrClosed is returned for batches delegated after Close.
	ErrClosed = errors.New("downloader closed")

	errHalted = errors.New("batch transfer halted")
)

// HTTPStatusError reports a response the engine cannot write to disk.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d for %s", e.StatusCode, e.URL)
}

// FileStore is where transferred bytes land.
type FileStore interface {
	Size(id batch.ID, rel string) (int64, error)
	OpenAppend(id batch.ID, rel string) (billy.File, error)
	Create(id batch.ID, rel string) (billy.File, error)
}

type Options struct {
	Files              FileStore
	Client             *http.Client
	MaxParallelFiles   int
	MaxParallelBatches int
	// ProgressInterval is the byte distance between progress reports of a file.
	ProgressInterval int64
	Telemetry        *telemetry.Telemetry
}

type run struct {
	cancel context.CancelFunc
	halted bool
	done   chan struct{}
}

// Downloader implements transfer.Engine and batch.Halter.
type Downloader struct {
	files            FileStore
	client           *http.Client
	maxParallel      int
	batches          *semaphore.Weighted
	progressInterval int64
	telemetry        *telemetry.Telemetry

	bound     chan struct{}
	bindOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	endpoint transfer.Endpoint
	active   map[batch.ID]*run

	// OnBatchReleased receives every delegated batch once the engine has
	// started its transfer or decided to skip it.
	OnBatchReleased chan *batch.Batch
}

func NewDownloader(opts Options) *Downloader {
	client := opts.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	maxParallel := max(opts.MaxParallelFiles, 1)
	maxBatches := max(opts.MaxParallelBatches, 1)

	interval := opts.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}

	return &Downloader{
		files:            opts.Files,
		client:           client,
		maxParallel:      maxParallel,
		batches:          semaphore.NewWeighted(int64(maxBatches)),
		progressInterval: interval,
		telemetry:        opts.Telemetry,
		bound:            make(chan struct{}),
		closed:           make(chan struct{}),
		active:           make(map[batch.ID]*run),
		OnBatchReleased:  make(chan *batch.Batch),
	}
}

// BindEndpoint sets the execution context of future transfers. Delegated
// batches wait for the first binding.
func (d *Downloader) BindEndpoint(ep transfer.Endpoint) {
	d.mu.Lock()
	d.endpoint = ep
	d.mu.Unlock()

	d.bindOnce.Do(func() { close(d.bound) })
}

// Close stops accepting batches. Transfers already running end with their endpoint.
func (d *Downloader) Close() {
	d.closeOnce.Do(func() { close(d.closed) })
}

// Download starts the transfer of b in the background.
func (d *Downloader) Download(b *batch.Batch, all batch.Batches) error {
	if b == nil {
		return errors.New("nil batch")
	}

	select {
	case <-d.closed:
		return ErrClosed
	default:
	}

	go d.run(b, all)

	return nil
}

// Halt cancels the transfer of a batch. It does not wait for it to stop.
func (d *Downloader) Halt(id batch.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.active[id]; ok {
		r.halted = true
		r.cancel()
	}
}

func (d *Downloader) run(b *batch.Batch, all batch.Batches) {
	select {
	case <-d.bound:
	case <-d.closed:
		return
	}

	d.mu.Lock()
	ctx := d.endpoint.Context()
	d.mu.Unlock()

	ctx = logctx.WithBatchID(ctx, string(b.ID()))
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("batch transfer panic", "panic", r, "stack", string(debug.Stack()))
			d.telemetry.RecordSystemError("downloader", "panic")
		}
	}()

	r, ok := d.claim(ctx, b)
	if !ok {
		d.release(ctx, b)

		return
	}

	defer d.finish(b.ID(), r)

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	r.cancel = cancel
	halted := r.halted
	d.mu.Unlock()

	defer cancel()

	if halted {
		d.release(ctx, b)

		return
	}

	switch status := b.Status().Status; status {
	case batch.StatusQueued:
		if err := b.Resume(runCtx); err != nil {
			logger.Warn("could not start queued batch", "err", err)
			d.release(ctx, b)

			return
		}
	case batch.StatusDownloading:
	default:
		logger.Debug("skipping batch", "status", status, "terminal", status.IsTerminal())
		d.release(ctx, b)

		return
	}

	d.release(ctx, b)

	if err := d.batches.Acquire(runCtx, 1); err != nil {
		return
	}
	defer d.batches.Release(1)

	parallel := d.filesBudget(b.ID(), all)
	start := time.Now()

	logger.Info("batch transfer started", "file_count", len(b.Files()), "parallel_files", parallel)

	err := d.telemetry.InstrumentBatchDownload(runCtx, func(ctx context.Context) error {
		return d.transfer(ctx, r, b, parallel)
	})

	d.mu.Lock()
	halted = r.halted
	d.mu.Unlock()

	switch {
	case halted:
		logger.Info("batch transfer halted")
	case ctx.Err() != nil:
		logger.Info("batch transfer interrupted by shutdown")
	case err != nil:
		logger.Error("batch transfer failed", "err", err)

		if ferr := b.Fail(ctx, err); ferr != nil {
			logger.Error("failed to record batch failure", "err", ferr)
		}
	default:
		if cerr := b.Complete(ctx); cerr != nil {
			logger.Error("failed to record batch completion", "err", cerr)

			return
		}

		snap := b.Status()
		logger.Info("batch downloaded",
			"size", humanize.Bytes(uint64(snap.BytesTotal)),
			"took", time.Since(start).Round(time.Millisecond))
	}
}

// claim registers a run for b. A batch that is already transferring is not
// claimed again; a halted run is waited out first.
func (d *Downloader) claim(ctx context.Context, b *batch.Batch) (*run, bool) {
	for {
		d.mu.Lock()

		prev, ok := d.active[b.ID()]
		if !ok {
			r := &run{cancel: func() {}, done: make(chan struct{})}
			d.active[b.ID()] = r
			d.mu.Unlock()

			return r, true
		}

		halted := prev.halted
		d.mu.Unlock()

		if !halted {
			logctx.LoggerFromContext(ctx).Debug("batch already transferring")

			return nil, false
		}

		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (d *Downloader) finish(id batch.ID, r *run) {
	d.mu.Lock()
	if d.active[id] == r {
		delete(d.active, id)
	}
	d.mu.Unlock()

	close(r.done)
}

func (d *Downloader) release(ctx context.Context, b *batch.Batch) {
	select {
	case d.OnBatchReleased <- b:
	case <-ctx.Done():
	case <-d.closed:
	}
}

// filesBudget splits the file parallelism evenly between this batch and the
// other batches currently downloading.
func (d *Downloader) filesBudget(self batch.ID, all batch.Batches) int {
	others := 0

	for _, b := range all {
		if b.ID() != self && b.Status().Status == batch.StatusDownloading {
			others++
		}
	}

	return max(d.maxParallel/(others+1), 1)
}

func (d *Downloader) transfer(ctx context.Context, r *run, b *batch.Batch, parallel int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for _, f := range b.Files() {
		g.Go(func() error {
			return d.downloadFile(gctx, r, b, f)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to download files: %w", err)
	}

	return nil
}

// openFile opens the destination of a file unless the run was halted. It shares
// d.mu with Halt, so nothing is created on disk for a batch once Halt returned.
//
//nolint:ireturn // billy.File is the upstream handle type
func (d *Downloader) openFile(r *run, id batch.ID, rel string, resume bool) (billy.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r.halted {
		return nil, errHalted
	}

	if resume {
		return d.files.OpenAppend(id, rel)
	}

	return d.files.Create(id, rel)
}

func (d *Downloader) downloadFile(ctx context.Context, r *run, b *batch.Batch, f batch.File) error {
	logger := logctx.LoggerFromContext(ctx).With("file_id", f.ID)

	offset, err := d.files.Size(b.ID(), f.Path)
	if err != nil {
		return err
	}

	if f.Size > 0 && offset >= f.Size {
		b.RecordProgress(f.ID, f.Size, f.Size)

		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", f.URL, err)
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to request %s: %w", f.URL, err)
	}
	defer resp.Body.Close()

	var out billy.File

	switch resp.StatusCode {
	case http.StatusPartialContent:
		out, err = d.openFile(r, b.ID(), f.Path, true)
	case http.StatusOK:
		offset = 0
		out, err = d.openFile(r, b.ID(), f.Path, false)
	case http.StatusRequestedRangeNotSatisfiable:
		logger.Debug("file already complete", "size", humanize.Bytes(uint64(offset)))
		b.RecordProgress(f.ID, offset, offset)

		return nil
	default:
		return &HTTPStatusError{URL: f.URL, StatusCode: resp.StatusCode}
	}

	if err != nil {
		return err
	}
	defer out.Close()

	total := f.Size
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}

	b.RecordProgress(f.ID, offset, total)

	logger.Debug("downloading file", "path", f.Path, "offset", humanize.Bytes(uint64(offset)), "size", humanize.Bytes(uint64(total)))

	pr := progress.NewReader(resp.Body, offset, total, d.progressInterval, func(written, total int64) {
		b.RecordProgress(f.ID, written, total)
	})

	n, err := io.Copy(out, pr)
	d.telemetry.RecordBytes(n)

	if err != nil {
		return fmt.Errorf("failed to write %s: %w", f.Path, err)
	}

	written := pr.Written()
	b.RecordProgress(f.ID, written, max(total, written))

	logger.Debug("downloaded file", "path", f.Path, "size", humanize.Bytes(uint64(written)))

	return nil
}
