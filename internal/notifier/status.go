package notifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/batch_downloader/internal/batch"
	"github.com/italolelis/batch_downloader/internal/logctx"
)

const defaultQueueSize = 32

// StatusNotifier is a batch.Observer announcing finished and failed batches.
// OnUpdate never blocks; announcements beyond the queue size are dropped.
type StatusNotifier struct {
	notifier Notifier
	queue    chan batch.Snapshot

	mu   sync.Mutex
	last map[batch.ID]batch.Status
}

func NewStatusNotifier(n Notifier, queueSize int) *StatusNotifier {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &StatusNotifier{
		notifier: n,
		queue:    make(chan batch.Snapshot, queueSize),
		last:     make(map[batch.ID]batch.Status),
	}
}

func (s *StatusNotifier) OnUpdate(snap batch.Snapshot) {
	if !s.changed(snap) {
		return
	}

	switch snap.Status {
	case batch.StatusDownloaded, batch.StatusError:
	default:
		return
	}

	select {
	case s.queue <- snap:
	default:
	}
}

// changed remembers the last status per batch so repeated snapshots of a
// finished batch are announced once.
func (s *StatusNotifier) changed(snap batch.Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Status == batch.StatusDeleted {
		delete(s.last, snap.ID)

		return false
	}

	prev, ok := s.last[snap.ID]
	s.last[snap.ID] = snap.Status

	return !ok || prev != snap.Status
}

// Run delivers queued announcements until ctx is done.
func (s *StatusNotifier) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-s.queue:
			if err := s.notifier.Notify(ctx, Message(snap)); err != nil {
				logger.Error("failed to send notification", "batch_id", snap.ID, "err", err)
			}
		}
	}
}

// Message renders the announcement for a snapshot.
func Message(snap batch.Snapshot) string {
	switch snap.Status {
	case batch.StatusDownloaded:
		return fmt.Sprintf("✅ Download finished for batch: %s (%s, %s)", snap.Title, snap.ID, humanize.Bytes(uint64(max(snap.BytesTotal, 0))))
	case batch.StatusError:
		return fmt.Sprintf("❌ Download failed for batch: %s (%s) at %d%%", snap.Title, snap.ID, snap.Percentage)
	default:
		return fmt.Sprintf("Batch %s (%s) is %s", snap.Title, snap.ID, snap.Status)
	}
}
