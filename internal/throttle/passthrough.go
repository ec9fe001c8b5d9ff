package throttle

import (
	"log/slog"
	"sync"

	"github.com/italolelis/batch_downloader/internal/batch"
)

// PassThrough delivers every snapshot synchronously on the caller's goroutine.
type PassThrough struct {
	logger *slog.Logger

	mu       sync.Mutex
	observer batch.Observer
}

func NewPassThrough(logger *slog.Logger) *PassThrough {
	return &PassThrough{logger: orDefault(logger)}
}

func (p *PassThrough) SetCallback(o batch.Observer) {
	p.mu.Lock()
	p.observer = o
	p.mu.Unlock()
}

func (p *PassThrough) Update(s batch.Snapshot) {
	p.mu.Lock()
	o := p.observer
	p.mu.Unlock()

	if o != nil {
		deliver(p.logger, o, s)
	}
}

// StopUpdates detaches the observer. Nothing is ever pending here.
func (p *PassThrough) StopUpdates() {
	p.SetCallback(nil)
}
