// Package throttle decides how often batch snapshots reach an observer.
package throttle

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/italolelis/batch_downloader/internal/batch"
)

// CallbackThrottle forwards snapshots to a single attached observer.
//
// Implementations may coalesce bursts but always deliver the most recent
// snapshot to the observer attached at delivery time. StopUpdates delivers a
// pending snapshot before detaching the observer.
type CallbackThrottle interface {
	// SetCallback replaces the attached observer; the last call wins.
	SetCallback(o batch.Observer)
	Update(s batch.Snapshot)
	StopUpdates()
}

const (
	KindNone     = "none"
	KindInterval = "interval"
)

// Factory builds one throttle per batch.
type Factory func() CallbackThrottle

// NewFactory returns the factory for the named policy.
func NewFactory(kind string, interval time.Duration, logger *slog.Logger) (Factory, error) {
	switch kind {
	case KindNone:
		return func() CallbackThrottle { return NewPassThrough(logger) }, nil
	case KindInterval:
		if interval <= 0 {
			return nil, fmt.Errorf("throttle interval must be positive, got %s", interval)
		}

		return func() CallbackThrottle { return NewInterval(interval, logger) }, nil
	default:
		return nil, fmt.Errorf("unknown throttle %q", kind)
	}
}

// deliver calls the observer and keeps its panics away from the caller.
func deliver(logger *slog.Logger, o batch.Observer, s batch.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("status observer panicked", "batch_id", s.ID, "status", s.Status, "panic", r)
		}
	}()

	o.OnUpdate(s)
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}

	return logger
}
