package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/batch_downloader/internal/batch"
)

func TestDiscordNotifier_Notify(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(srv.URL)

	require.NoError(t, n.Notify(context.Background(), "hello"))
	assert.Equal(t, map[string]string{"content": "hello"}, got)
}

func TestDiscordNotifier_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := (&DiscordNotifier{WebhookURL: srv.URL}).Notify(context.Background(), "x")
	require.ErrorContains(t, err, "status 429")

	err = (&DiscordNotifier{}).Notify(context.Background(), "x")
	require.ErrorContains(t, err, "webhook URL is not set")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = NewDiscordNotifier(srv.URL).Notify(ctx, "x")
	require.ErrorIs(t, err, context.Canceled)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingNotifier) Notify(_ context.Context, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, content)

	return nil
}

func (r *recordingNotifier) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.messages...)
}

func TestStatusNotifier_AnnouncesFinishedBatchesOnce(t *testing.T) {
	rec := &recordingNotifier{}
	sn := NewStatusNotifier(rec, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sn.Run(ctx)

	sn.OnUpdate(batch.Snapshot{ID: "a", Title: "Movies", Status: batch.StatusDownloading, Percentage: 50})
	sn.OnUpdate(batch.Snapshot{ID: "a", Title: "Movies", Status: batch.StatusDownloaded, Percentage: 100, BytesTotal: 2_000_000})
	sn.OnUpdate(batch.Snapshot{ID: "a", Title: "Movies", Status: batch.StatusDownloaded, Percentage: 100, BytesTotal: 2_000_000})
	sn.OnUpdate(batch.Snapshot{ID: "b", Title: "Shows", Status: batch.StatusError, Percentage: 12})

	require.Eventually(t, func() bool { return len(rec.sent()) == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{
		"✅ Download finished for batch: Movies (a, 2.0 MB)",
		"❌ Download failed for batch: Shows (b) at 12%",
	}, rec.sent())
}

func TestStatusNotifier_DropsWhenQueueIsFull(t *testing.T) {
	sn := NewStatusNotifier(&recordingNotifier{}, 1)

	sn.OnUpdate(batch.Snapshot{ID: "a", Status: batch.StatusDownloaded})
	sn.OnUpdate(batch.Snapshot{ID: "b", Status: batch.StatusDownloaded})

	assert.Len(t, sn.queue, 1)
}

func TestStatusNotifier_ForgetsDeletedBatches(t *testing.T) {
	sn := NewStatusNotifier(&recordingNotifier{}, 4)

	sn.OnUpdate(batch.Snapshot{ID: "a", Status: batch.StatusDownloaded})
	sn.OnUpdate(batch.Snapshot{ID: "a", Status: batch.StatusDeleted})

	sn.mu.Lock()
	_, tracked := sn.last["a"]
	sn.mu.Unlock()

	assert.False(t, tracked)
	assert.Len(t, sn.queue, 1)
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "Batch Movies (a) is paused", Message(batch.Snapshot{ID: "a", Title: "Movies", Status: batch.StatusPaused}))
}
