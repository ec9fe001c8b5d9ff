package downloader

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/batch_downloader/internal/batch"
	"github.com/italolelis/batch_downloader/internal/fileops"
	"github.com/italolelis/batch_downloader/internal/transfer"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var modTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// contentServer serves fixed bodies by path and honours Range requests.
type contentServer struct {
	*httptest.Server

	mu     sync.Mutex
	ranges []string
	hits   atomic.Int32
}

func newContentServer(t *testing.T, bodies map[string]string) *contentServer {
	t.Helper()

	cs := &contentServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.hits.Add(1)

		cs.mu.Lock()
		cs.ranges = append(cs.ranges, r.Header.Get("Range"))
		cs.mu.Unlock()

		body, ok := bodies[r.URL.Path]
		if !ok {
			http.NotFound(w, r)

			return
		}

		http.ServeContent(w, r, r.URL.Path, modTime, strings.NewReader(body))
	}))
	t.Cleanup(cs.Close)

	return cs
}

func (cs *contentServer) seenRanges() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return append([]string(nil), cs.ranges...)
}

type harness struct {
	d        *Downloader
	files    *fileops.Files
	released chan *batch.Batch
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	files := fileops.NewInMemory()
	opts.Files = files

	if opts.ProgressInterval == 0 {
		opts.ProgressInterval = 4
	}

	d := NewDownloader(opts)
	released := make(chan *batch.Batch, 16)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case b := <-d.OnBatchReleased:
				released <- b
			case <-done:
				return
			}
		}
	}()

	t.Cleanup(func() {
		d.Close()
		close(done)
	})

	return &harness{d: d, files: files, released: released}
}

func (h *harness) bind(t *testing.T) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h.d.BindEndpoint(transfer.ContextEndpoint(ctx))

	return cancel
}

func (h *harness) read(t *testing.T, id batch.ID, rel string) string {
	t.Helper()

	name, err := h.files.Path(id, rel)
	require.NoError(t, err)

	f, err := h.files.Raw().Open(name)
	require.NoError(t, err)

	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err)

	return string(data)
}

func (h *harness) write(t *testing.T, id batch.ID, rel, content string) {
	t.Helper()

	f, err := h.files.Create(id, rel)
	require.NoError(t, err)

	_, err = f.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func (h *harness) idle() bool {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()

	return len(h.d.active) == 0
}

func newBatch(t *testing.T, h *harness, files ...batch.File) *batch.Batch {
	t.Helper()

	b, err := batch.New(batch.Spec{ID: "b1", Title: "holiday", Files: files}, batch.Deps{Halter: h.d})
	require.NoError(t, err)

	return b
}

func waitStatus(t *testing.T, b *batch.Batch, want batch.Status) {
	t.Helper()

	require.Eventually(t, func() bool {
		return b.Status().Status == want
	}, waitFor, tick, "batch never reached %s, last status %s", want, b.Status().Status)
}

func TestDownloader_DownloadsEveryFile(t *testing.T) {
	srv := newContentServer(t, map[string]string{
		"/a.bin": "hello world",
		"/b.bin": strings.Repeat("x", 100),
	})

	h := newHarness(t, Options{MaxParallelFiles: 2})
	h.bind(t)

	b := newBatch(t, h,
		batch.File{ID: "a", URL: srv.URL + "/a.bin", Path: "a.bin"},
		batch.File{ID: "b", URL: srv.URL + "/b.bin", Path: "nested/b.bin", Size: 100},
	)

	require.NoError(t, h.d.Download(b, batch.Batches{b}))

	waitStatus(t, b, batch.StatusDownloaded)

	assert.Equal(t, "hello world", h.read(t, b.ID(), "a.bin"))
	assert.Equal(t, strings.Repeat("x", 100), h.read(t, b.ID(), "nested/b.bin"))

	snap := b.Status()
	assert.Equal(t, 100, snap.Percentage)
	assert.Equal(t, int64(111), snap.BytesDownloaded)
	assert.Equal(t, int64(111), snap.BytesTotal)

	select {
	case released := <-h.released:
		assert.Same(t, b, released)
	case <-time.After(waitFor):
		t.Fatal("batch was never released")
	}

	require.Eventually(t, h.idle, waitFor, tick)
}

func TestDownloader_ResumesPartialFileWithRange(t *testing.T) {
	srv := newContentServer(t, map[string]string{"/movie.mkv": "0123456789"})

	h := newHarness(t, Options{})
	h.bind(t)

	b := newBatch(t, h, batch.File{ID: "m", URL: srv.URL + "/movie.mkv", Path: "movie.mkv", Size: 10})
	h.write(t, b.ID(), "movie.mkv", "0123")

	require.NoError(t, h.d.Download(b, nil))

	waitStatus(t, b, batch.StatusDownloaded)

	assert.Equal(t, "0123456789", h.read(t, b.ID(), "movie.mkv"))
	assert.Equal(t, []string{"bytes=4-"}, srv.seenRanges())
}

func TestDownloader_SkipsCompleteFiles(t *testing.T) {
	srv := newContentServer(t, map[string]string{"/done.bin": "abc"})

	h := newHarness(t, Options{})
	h.bind(t)

	b := newBatch(t, h, batch.File{ID: "d", URL: srv.URL + "/done.bin", Path: "done.bin", Size: 3})
	h.write(t, b.ID(), "done.bin", "abc")

	require.NoError(t, h.d.Download(b, nil))

	waitStatus(t, b, batch.StatusDownloaded)
	assert.Zero(t, srv.hits.Load())
}

func TestDownloader_RestartsWhenRangeIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("fresh content"))
	}))
	t.Cleanup(srv.Close)

	h := newHarness(t, Options{})
	h.bind(t)

	b := newBatch(t, h, batch.File{ID: "f", URL: srv.URL + "/f", Path: "f.txt"})
	h.write(t, b.ID(), "f.txt", "stale")

	require.NoError(t, h.d.Download(b, nil))

	waitStatus(t, b, batch.StatusDownloaded)
	assert.Equal(t, "fresh content", h.read(t, b.ID(), "f.txt"))
}

func TestDownloader_FailsOnUnexpectedStatus(t *testing.T) {
	srv := newContentServer(t, map[string]string{"/ok.bin": "ok"})

	h := newHarness(t, Options{})
	h.bind(t)

	b := newBatch(t, h,
		batch.File{ID: "ok", URL: srv.URL + "/ok.bin", Path: "ok.bin"},
		batch.File{ID: "missing", URL: srv.URL + "/missing.bin", Path: "missing.bin"},
	)

	require.NoError(t, h.d.Download(b, nil))

	waitStatus(t, b, batch.StatusError)
	require.Eventually(t, h.idle, waitFor, tick)
}

func TestDownloader_ReleasesBatchesItDoesNotStart(t *testing.T) {
	srv := newContentServer(t, map[string]string{"/a": "a"})

	h := newHarness(t, Options{})
	h.bind(t)

	b := batch.Restore("paused", "paused batch", batch.StatusPaused,
		[]batch.File{{ID: "a", URL: srv.URL + "/a", Path: "a"}}, batch.Deps{Halter: h.d})

	require.NoError(t, h.d.Download(b, nil))

	select {
	case released := <-h.released:
		assert.Same(t, b, released)
	case <-time.After(waitFor):
		t.Fatal("batch was never released")
	}

	assert.Equal(t, batch.StatusPaused, b.Status().Status)
	assert.Zero(t, srv.hits.Load())
}

// blockingServer writes a prefix and then holds the response open until the
// client goes away.
func blockingServer(t *testing.T) (*httptest.Server, <-chan struct{}, <-chan struct{}) {
	t.Helper()

	started := make(chan struct{}, 16)
	gone := make(chan struct{}, 16)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(bytes.Repeat([]byte("x"), 10))
		w.(http.Flusher).Flush()

		started <- struct{}{}

		<-r.Context().Done()

		gone <- struct{}{}
	}))
	t.Cleanup(srv.Close)

	return srv, started, gone
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestDownloader_HaltStopsTransferQuietly(t *testing.T) {
	srv, started, gone := blockingServer(t)

	h := newHarness(t, Options{})
	h.bind(t)

	b := newBatch(t, h, batch.File{ID: "slow", URL: srv.URL + "/slow", Path: "slow.bin"})

	require.NoError(t, h.d.Download(b, nil))
	waitSignal(t, started, "transfer start")

	require.NoError(t, b.Pause(context.Background()))

	waitSignal(t, gone, "request cancellation")
	require.Eventually(t, h.idle, waitFor, tick)

	assert.Equal(t, batch.StatusPaused, b.Status().Status)
}

// afterResponse runs hook once a response has arrived, before the engine touches the disk.
type afterResponse struct {
	base http.RoundTripper
	once sync.Once
	hook func()
}

func (a *afterResponse) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := a.base.RoundTrip(req)
	if err == nil {
		a.once.Do(a.hook)
	}

	return resp, err
}

func TestDownloader_DeleteDuringRequestLeavesNoFiles(t *testing.T) {
	srv := newContentServer(t, map[string]string{"/a.bin": "payload"})

	rt := &afterResponse{base: http.DefaultTransport}
	h := newHarness(t, Options{Client: &http.Client{Transport: rt}})
	h.bind(t)

	b, err := batch.New(batch.Spec{
		ID:    "b1",
		Title: "holiday",
		Files: []batch.File{{ID: "a", URL: srv.URL + "/a.bin", Path: "a.bin"}},
	}, batch.Deps{Halter: h.d, Files: h.files})
	require.NoError(t, err)

	deleted := make(chan error, 1)
	rt.hook = func() { deleted <- b.Delete(context.Background()) }

	require.NoError(t, h.d.Download(b, nil))

	select {
	case err := <-deleted:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("batch was never deleted")
	}

	require.Eventually(t, h.idle, waitFor, tick)

	_, err = h.files.Raw().Stat("b1")
	assert.Error(t, err, "batch directory was recreated after delete")
	assert.Equal(t, batch.StatusDeleted, b.Status().Status)
}

func TestDownloader_EndpointCancellationKeepsStatus(t *testing.T) {
	srv, started, gone := blockingServer(t)

	h := newHarness(t, Options{})
	cancel := h.bind(t)

	b := newBatch(t, h, batch.File{ID: "slow", URL: srv.URL + "/slow", Path: "slow.bin"})

	require.NoError(t, h.d.Download(b, nil))
	waitSignal(t, started, "transfer start")

	cancel()

	waitSignal(t, gone, "request cancellation")
	require.Eventually(t, h.idle, waitFor, tick)

	assert.Equal(t, batch.StatusDownloading, b.Status().Status)
}

func TestDownloader_DuplicateDelegationIsReleased(t *testing.T) {
	srv, started, _ := blockingServer(t)

	h := newHarness(t, Options{})
	h.bind(t)

	b := newBatch(t, h, batch.File{ID: "slow", URL: srv.URL + "/slow", Path: "slow.bin"})

	require.NoError(t, h.d.Download(b, nil))
	waitSignal(t, started, "transfer start")

	require.NoError(t, h.d.Download(b, nil))

	for range 2 {
		select {
		case released := <-h.released:
			assert.Same(t, b, released)
		case <-time.After(waitFor):
			t.Fatal("batch was not released twice")
		}
	}

	assert.Len(t, started, 0, "second delegation must not start another transfer")
	assert.Equal(t, batch.StatusDownloading, b.Status().Status)

	h.d.Halt(b.ID())
	require.Eventually(t, h.idle, waitFor, tick)
}

func TestDownloader_WaitsForEndpoint(t *testing.T) {
	srv := newContentServer(t, map[string]string{"/a": "abc"})

	h := newHarness(t, Options{})

	b := newBatch(t, h, batch.File{ID: "a", URL: srv.URL + "/a", Path: "a"})

	require.NoError(t, h.d.Download(b, nil))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, srv.hits.Load())
	assert.Equal(t, batch.StatusQueued, b.Status().Status)

	h.bind(t)

	waitStatus(t, b, batch.StatusDownloaded)
}

func TestDownloader_RejectsAfterClose(t *testing.T) {
	h := newHarness(t, Options{})
	h.d.Close()

	b := newBatch(t, h, batch.File{ID: "a", URL: "http://example.invalid/a", Path: "a"})

	require.ErrorIs(t, h.d.Download(b, nil), ErrClosed)
	require.Error(t, h.d.Download(nil, nil))
}

func TestDownloader_FilesBudget(t *testing.T) {
	d := NewDownloader(Options{MaxParallelFiles: 6})

	mk := func(id batch.ID, status batch.Status) *batch.Batch {
		return batch.Restore(id, string(id), status, nil, batch.Deps{})
	}

	self := mk("self", batch.StatusDownloading)

	tests := []struct {
		name string
		all  batch.Batches
		want int
	}{
		{name: "alone", all: batch.Batches{self}, want: 6},
		{name: "one other", all: batch.Batches{self, mk("o1", batch.StatusDownloading)}, want: 3},
		{name: "others not downloading", all: batch.Batches{self, mk("p", batch.StatusPaused), mk("q", batch.StatusQueued)}, want: 6},
		{
			name: "more batches than slots",
			all: batch.Batches{
				self,
				mk("o1", batch.StatusDownloading), mk("o2", batch.StatusDownloading),
				mk("o3", batch.StatusDownloading), mk("o4", batch.StatusDownloading),
				mk("o5", batch.StatusDownloading), mk("o6", batch.StatusDownloading),
			},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.filesBudget(self.ID(), tt.all))
		})
	}
}

func TestHTTPStatusError(t *testing.T) {
	err := &HTTPStatusError{URL: "http://x/y", StatusCode: http.StatusNotFound}
	assert.Equal(t, "unexpected HTTP status 404 for http://x/y", err.Error())
}
