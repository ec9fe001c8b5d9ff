package throttle

import (
	"log/slog"
	"sync"
	"time"

	"github.com/italolelis/batch_downloader/internal/batch"
)

// Interval forwards at most one snapshot per interval. A snapshot whose status
// differs from the last delivered one is forwarded at once. Snapshots arriving
// inside the window replace each other and the latest one is delivered when the
// window closes.
//
// Only one goroutine delivers at a time. Update and StopUpdates called while a
// delivery is running, including from inside the observer, leave their work to
// that delivery and return without waiting.
type Interval struct {
	interval time.Duration
	logger   *slog.Logger

	mu            sync.Mutex
	observer      batch.Observer
	pending       batch.Snapshot
	hasPending    bool
	lastStatus    batch.Status
	lastDelivered time.Time
	delivered     bool
	timer         *time.Timer
	delivering    bool
	stopping      bool
	stopped       bool
}

func NewInterval(interval time.Duration, logger *slog.Logger) *Interval {
	return &Interval{interval: interval, logger: orDefault(logger)}
}

func (t *Interval) SetCallback(o batch.Observer) {
	t.mu.Lock()
	t.observer = o
	t.stopped = false
	t.stopping = false
	t.mu.Unlock()
}

func (t *Interval) Update(s batch.Snapshot) {
	t.mu.Lock()

	if t.stopped {
		t.mu.Unlock()

		return
	}

	t.pending = s
	t.hasPending = true

	due, wait := t.dueLocked(time.Now())
	if !due {
		t.armLocked(wait)
		t.mu.Unlock()

		return
	}

	t.mu.Unlock()

	t.flush()
}

// StopUpdates delivers what is pending and detaches the observer. Later
// updates are dropped until SetCallback attaches a new observer.
func (t *Interval) StopUpdates() {
	t.mu.Lock()

	if t.stopped {
		t.mu.Unlock()

		return
	}

	t.stopping = true
	t.mu.Unlock()

	t.flush()
}

func (t *Interval) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.delivering {
		return
	}

	t.delivering = true

	for t.hasPending && t.observer != nil {
		if due, wait := t.dueLocked(time.Now()); !due && !t.stopping {
			t.armLocked(wait)

			break
		}

		s, o := t.pending, t.observer
		t.hasPending = false
		t.lastStatus = s.Status
		t.lastDelivered = time.Now()
		t.delivered = true

		t.mu.Unlock()
		deliver(t.logger, o, s)
		t.mu.Lock()
	}

	if t.stopping {
		t.observer = nil
		t.hasPending = false
		t.stopping = false
		t.stopped = true

		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
	}

	t.delivering = false
}

// dueLocked reports whether the pending snapshot may go out now, or how long
// until it may.
func (t *Interval) dueLocked(now time.Time) (bool, time.Duration) {
	if !t.delivered || t.pending.Status != t.lastStatus {
		return true, 0
	}

	elapsed := now.Sub(t.lastDelivered)
	if elapsed >= t.interval {
		return true, 0
	}

	return false, t.interval - elapsed
}

func (t *Interval) armLocked(wait time.Duration) {
	if t.timer != nil {
		return
	}

	t.timer = time.AfterFunc(wait, func() {
		t.mu.Lock()
		t.timer = nil
		t.mu.Unlock()

		t.flush()
	})
}
