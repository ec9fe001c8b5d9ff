package throttle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/batch_downloader/internal/batch"
)

type recorder struct {
	mu    sync.Mutex
	snaps []batch.Snapshot
}

func (r *recorder) OnUpdate(s batch.Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) all() []batch.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]batch.Snapshot(nil), r.snaps...)
}

func (r *recorder) last() (batch.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.snaps) == 0 {
		return batch.Snapshot{}, false
	}

	return r.snaps[len(r.snaps)-1], true
}

type panicker struct{}

func (panicker) OnUpdate(batch.Snapshot) { panic("observer exploded") }

func snap(status batch.Status, pct int) batch.Snapshot {
	return batch.Snapshot{ID: "b1", Title: "t", Status: status, Percentage: pct}
}

func TestNewFactory(t *testing.T) {
	f, err := NewFactory(KindNone, 0, nil)
	require.NoError(t, err)
	assert.IsType(t, &PassThrough{}, f())

	f, err = NewFactory(KindInterval, time.Second, nil)
	require.NoError(t, err)
	assert.IsType(t, &Interval{}, f())
	assert.NotSame(t, f(), f())

	_, err = NewFactory(KindInterval, 0, nil)
	require.Error(t, err)

	_, err = NewFactory("bogus", time.Second, nil)
	require.Error(t, err)
}

func TestPassThrough(t *testing.T) {
	p := NewPassThrough(nil)

	// No observer attached.
	p.Update(snap(batch.StatusQueued, 0))

	first := &recorder{}
	second := &recorder{}

	p.SetCallback(first)
	p.Update(snap(batch.StatusDownloading, 10))

	p.SetCallback(second)
	p.Update(snap(batch.StatusDownloading, 20))

	p.StopUpdates()
	p.Update(snap(batch.StatusDownloading, 30))

	assert.Equal(t, []batch.Snapshot{snap(batch.StatusDownloading, 10)}, first.all())
	assert.Equal(t, []batch.Snapshot{snap(batch.StatusDownloading, 20)}, second.all())
}

func TestPassThrough_ObserverPanicIsContained(t *testing.T) {
	p := NewPassThrough(nil)
	p.SetCallback(panicker{})

	assert.NotPanics(t, func() { p.Update(snap(batch.StatusDownloading, 1)) })
}

func TestInterval_FirstAndStatusChangesGoOutImmediately(t *testing.T) {
	it := NewInterval(time.Hour, nil)
	rec := &recorder{}
	it.SetCallback(rec)

	it.Update(snap(batch.StatusQueued, 0))
	it.Update(snap(batch.StatusDownloading, 0))
	it.Update(snap(batch.StatusPaused, 0))

	assert.Equal(t, []batch.Snapshot{
		snap(batch.StatusQueued, 0),
		snap(batch.StatusDownloading, 0),
		snap(batch.StatusPaused, 0),
	}, rec.all())
}

func TestInterval_CoalescesAndDeliversLatest(t *testing.T) {
	it := NewInterval(50*time.Millisecond, nil)
	rec := &recorder{}
	it.SetCallback(rec)

	it.Update(snap(batch.StatusDownloading, 1))

	for pct := 2; pct <= 40; pct++ {
		it.Update(snap(batch.StatusDownloading, pct))
	}

	require.Eventually(t, func() bool {
		last, ok := rec.last()
		return ok && last.Percentage == 40
	}, time.Second, 5*time.Millisecond)

	assert.Less(t, len(rec.all()), 10)
}

func TestInterval_StopUpdatesFlushesPending(t *testing.T) {
	it := NewInterval(time.Hour, nil)
	rec := &recorder{}
	it.SetCallback(rec)

	it.Update(snap(batch.StatusDownloading, 10))
	it.Update(snap(batch.StatusDownloading, 55))

	it.StopUpdates()

	assert.Equal(t, []batch.Snapshot{
		snap(batch.StatusDownloading, 10),
		snap(batch.StatusDownloading, 55),
	}, rec.all())

	it.Update(snap(batch.StatusDownloading, 60))
	assert.Len(t, rec.all(), 2)
}

func TestInterval_SetCallbackAfterStop(t *testing.T) {
	it := NewInterval(time.Hour, nil)
	it.SetCallback(&recorder{})
	it.StopUpdates()

	rec := &recorder{}
	it.SetCallback(rec)
	it.Update(snap(batch.StatusDeleted, 0))

	assert.Equal(t, []batch.Snapshot{snap(batch.StatusDeleted, 0)}, rec.all())
}

func TestInterval_NoObserverIsNoop(t *testing.T) {
	it := NewInterval(time.Millisecond, nil)

	assert.NotPanics(t, func() {
		it.Update(snap(batch.StatusDownloading, 1))
		it.Update(snap(batch.StatusDownloading, 2))
		it.StopUpdates()
	})
}

type reentrant struct {
	recorder
	throttle *Interval
	once     sync.Once
}

func (r *reentrant) OnUpdate(s batch.Snapshot) {
	r.recorder.OnUpdate(s)

	r.once.Do(func() {
		r.throttle.Update(snap(batch.StatusDeleted, 0))
		r.throttle.StopUpdates()
	})
}

func TestInterval_ReentrantObserverDoesNotDeadlock(t *testing.T) {
	it := NewInterval(time.Hour, nil)
	obs := &reentrant{throttle: it}
	it.SetCallback(obs)

	done := make(chan struct{})

	go func() {
		it.Update(snap(batch.StatusDownloading, 5))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reentrant update deadlocked")
	}

	assert.Equal(t, []batch.Snapshot{
		snap(batch.StatusDownloading, 5),
		snap(batch.StatusDeleted, 0),
	}, obs.all())
}

func TestInterval_ObserverPanicIsContained(t *testing.T) {
	it := NewInterval(time.Hour, nil)
	it.SetCallback(panicker{})

	assert.NotPanics(t, func() {
		it.Update(snap(batch.StatusDownloading, 1))
		it.StopUpdates()
	})
}

func TestInterval_ConcurrentUpdatesKeepLatest(t *testing.T) {
	it := NewInterval(20*time.Millisecond, nil)
	rec := &recorder{}
	it.SetCallback(rec)

	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := 0; i < 100; i++ {
				it.Update(snap(batch.StatusDownloading, i%99))
			}
		}()
	}

	wg.Wait()
	it.Update(snap(batch.StatusDownloaded, 100))

	require.Eventually(t, func() bool {
		last, ok := rec.last()
		return ok && last.Status == batch.StatusDownloaded
	}, time.Second, 5*time.Millisecond)
}
