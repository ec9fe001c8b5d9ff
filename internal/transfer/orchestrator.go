package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/italolelis/batch_downloader/internal/batch"
	"github.com/italolelis/batch_downloader/internal/logctx"
	"github.com/italolelis/batch_downloader/internal/persistence"
	"github.com/italolelis/batch_downloader/internal/storage"
	"github.com/italolelis/batch_downloader/internal/telemetry"
	"github.com/italolelis/batch_downloader/internal/throttle"
)

// Persistence is the durable side of the orchestrator.
type Persistence interface {
	batch.Persister
	Create(ctx context.Context, b *batch.Batch) error
	HydrateAsync(ctx context.Context, files persistence.FileInspector, deps persistence.DepsFunc, onLoaded func([]*batch.Batch, error))
}

// FileOps inspects and removes the artifacts of batches.
type FileOps interface {
	persistence.FileInspector
	batch.FileRemover
}

// Options configure an Orchestrator. Engine and Persistence are required.
type Options struct {
	Engine      Engine
	Persistence Persistence
	Files       FileOps
	// Halter stops transfers on pause and delete. Defaults to Engine when it implements batch.Halter.
	Halter    batch.Halter
	Throttles throttle.Factory
	Telemetry *telemetry.Telemetry
	Logger    *slog.Logger
}

// gate is closed once hydration completes. Each initialisation epoch has its own gate.
type gate struct {
	ch   chan struct{}
	once sync.Once
}

func newGate() *gate {
	return &gate{ch: make(chan struct{})}
}

func (g *gate) open() {
	g.once.Do(func() { close(g.ch) })
}

func (g *gate) isOpen() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// Orchestrator owns the registry of idle batches, routes lifecycle commands to
// them and hands active work to the transfer engine. Status queries wait until
// the batches stored on disk have been loaded.
type Orchestrator struct {
	engine      Engine
	persistence Persistence
	files       FileOps
	halter      batch.Halter
	throttles   throttle.Factory
	telemetry   *telemetry.Telemetry
	logger      *slog.Logger

	mu       sync.Mutex
	registry *batch.Registry
	// delegated holds batches the engine owns, with their former registry position.
	delegated map[batch.ID]int
	gate      *gate

	obsMu     sync.Mutex
	observers []batch.Observer

	closed    chan struct{}
	closeOnce sync.Once

	// OnHydrationFailed receives hydration errors. Sends never block; while
	// one error is unread newer ones are dropped.
	OnHydrationFailed chan error
}

func NewOrchestrator(opts Options) *Orchestrator {
	o := &Orchestrator{
		engine:      opts.Engine,
		persistence: opts.Persistence,
		files:       opts.Files,
		halter:      opts.Halter,
		throttles:   opts.Throttles,
		telemetry:   opts.Telemetry,
		logger:      opts.Logger,

		registry:  batch.NewRegistry(),
		delegated: make(map[batch.ID]int),
		gate:      newGate(),
		closed:    make(chan struct{}),

		OnHydrationFailed: make(chan error, 1),
	}

	if o.halter == nil {
		if h, ok := opts.Engine.(batch.Halter); ok {
			o.halter = h
		}
	}

	if o.throttles == nil {
		o.throttles = func() throttle.CallbackThrottle { return throttle.NewPassThrough(o.logger) }
	}

	if o.logger == nil {
		o.logger = slog.Default()
	}

	return o
}

// Initialise binds the transfer engine to ep and loads stored batches in the
// background. Status queries are released once loading completes. Calling it
// again after that reloads the registry from storage.
func (o *Orchestrator) Initialise(ep Endpoint) {
	o.engine.BindEndpoint(ep)

	o.mu.Lock()
	if o.gate.isOpen() {
		o.gate = newGate()
	}

	g := o.gate
	o.mu.Unlock()

	ctx := ep.Context()
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("hydrating stored batches")

	o.persistence.HydrateAsync(ctx, o.files, func(batch.ID) batch.Deps { return o.newDeps() },
		func(batches []*batch.Batch, err error) {
			o.hydrated(logger, g, batches, err)
		})
}

func (o *Orchestrator) hydrated(logger *slog.Logger, g *gate, batches []*batch.Batch, err error) {
	defer g.open()

	o.mu.Lock()

	next := batch.NewRegistry()

	for _, b := range batches {
		if live, ok := o.registry.Get(b.ID()); ok {
			next.Add(live)

			continue
		}

		if _, owned := o.delegated[b.ID()]; owned {
			continue
		}

		next.Add(b)
	}

	// Batches submitted while hydration was running.
	for _, b := range o.registry.Values() {
		next.Add(b)
	}

	o.registry = next
	count := next.Len()
	o.mu.Unlock()

	if err != nil {
		logger.Error("hydration incomplete", "loaded", len(batches), "err", err)
		o.telemetry.RecordSystemError("orchestrator", "hydration")

		select {
		case o.OnHydrationFailed <- err:
		default:
		}
	}

	logger.Info("orchestrator ready", "batch_count", count)
}

// Ready is closed once the current initialisation has loaded stored batches.
func (o *Orchestrator) Ready() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.gate.ch
}

// Close releases status queries still waiting for readiness. Their callbacks are not called.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() { close(o.closed) })
}

// SubmitAllStoredDownloads hands every registered batch to the engine in
// registry order and then calls onSubmitted. A batch the engine refuses is
// logged and skipped.
func (o *Orchestrator) SubmitAllStoredDownloads(ctx context.Context, onSubmitted func()) {
	logger := logctx.LoggerFromContext(ctx)

	o.mu.Lock()
	all := o.registry.Values()
	o.mu.Unlock()

	for _, b := range all {
		if err := o.delegate(b, all); err != nil {
			logger.Error("failed to submit stored batch", "batch_id", b.ID(), "err", err)

			continue
		}
	}

	logger.Debug("stored batches submitted", "batch_count", len(all))

	if onSubmitted != nil {
		onSubmitted()
	}
}

// Download creates a batch from spec, stores it, registers it and hands it to
// the engine. A spec whose id is already tracked or stored fails with a
// *DuplicateBatchError.
// When only the hand-off fails the batch stays registered and a
// *DelegationError is returned with it.
func (o *Orchestrator) Download(ctx context.Context, spec batch.Spec) (*batch.Batch, error) {
	o.mu.Lock()

	if spec.ID != "" && o.knownLocked(spec.ID) {
		o.mu.Unlock()

		return nil, &DuplicateBatchError{ID: spec.ID}
	}

	b, err := batch.New(spec, o.newDeps())
	if err != nil {
		o.mu.Unlock()

		return nil, err
	}

	if err := o.persistence.Create(ctx, b); err != nil {
		o.mu.Unlock()

		// Stored but not loaded yet, or not loadable at all.
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, &DuplicateBatchError{ID: b.ID()}
		}

		return nil, fmt.Errorf("failed to store batch %s: %w", b.ID(), err)
	}

	o.registry.Add(b)
	all := o.registry.Values()
	o.mu.Unlock()

	logctx.LoggerFromContext(ctx).Info("batch created", "batch_id", b.ID(), "title", b.Title(), "file_count", len(spec.Files))

	if err := o.delegate(b, all); err != nil {
		return b, err
	}

	return b, nil
}

// Pause pauses a registered batch. Unknown ids are ignored.
func (o *Orchestrator) Pause(ctx context.Context, id batch.ID) error {
	b, ok := o.lookup(id)
	if !ok {
		return nil
	}

	ctx = logctx.WithBatchID(ctx, string(id))

	return o.telemetry.InstrumentTransition(ctx, "pause", func(ctx context.Context) error {
		return b.Pause(ctx)
	})
}

// Resume takes a registered batch out of the registry, moves it to downloading
// and hands it to the engine together with the remaining batches. Unknown ids
// and batches already downloading are ignored. On failure the batch returns to
// its registry position.
func (o *Orchestrator) Resume(ctx context.Context, id batch.ID) error {
	o.mu.Lock()

	b, ok := o.registry.Get(id)
	if !ok {
		o.mu.Unlock()

		return nil
	}

	if b.Status().Status == batch.StatusDownloading {
		o.mu.Unlock()

		return nil
	}

	_, pos, _ := o.registry.Remove(id)
	o.delegated[id] = pos
	remaining := o.registry.Values()
	o.mu.Unlock()

	ctx = logctx.WithBatchID(ctx, string(id))

	err := o.telemetry.InstrumentTransition(ctx, "resume", func(ctx context.Context) error {
		return b.Resume(ctx)
	})
	if err == nil {
		err = o.delegate(b, remaining)
	}

	if err != nil {
		o.mu.Lock()
		delete(o.delegated, id)
		o.registry.Insert(pos, b)
		o.mu.Unlock()

		return err
	}

	logctx.LoggerFromContext(ctx).Info("batch resumed")

	return nil
}

// Delete removes a registered batch from the registry and deletes it. Unknown
// ids are ignored. A batch whose stored records could not be removed returns
// to its registry position.
func (o *Orchestrator) Delete(ctx context.Context, id batch.ID) error {
	o.mu.Lock()
	b, pos, ok := o.registry.Remove(id)
	o.mu.Unlock()

	if !ok {
		return nil
	}

	ctx = logctx.WithBatchID(ctx, string(id))

	err := o.telemetry.InstrumentTransition(ctx, "delete", func(ctx context.Context) error {
		return b.Delete(ctx)
	})
	if err != nil && b.Status().Status != batch.StatusDeleted {
		o.mu.Lock()
		o.registry.Insert(pos, b)
		o.mu.Unlock()
	}

	return err
}

// Track returns a batch released by the engine to the registry, at the
// position it left from when known. Deleted and already registered batches are ignored.
func (o *Orchestrator) Track(b *batch.Batch) {
	o.mu.Lock()
	defer o.mu.Unlock()

	pos, wasDelegated := o.delegated[b.ID()]
	delete(o.delegated, b.ID())

	if b.Status().Status == batch.StatusDeleted {
		return
	}

	if wasDelegated {
		o.registry.Insert(pos, b)

		return
	}

	o.registry.Add(b)
}

// Status returns the snapshot of one tracked batch.
func (o *Orchestrator) Status(id batch.ID) (batch.Snapshot, error) {
	b, ok := o.lookup(id)
	if !ok {
		return batch.Snapshot{}, fmt.Errorf("batch %s: %w", id, ErrUnknownBatch)
	}

	return b.Status(), nil
}

// GetAllBatchStatuses calls onReceived once with the snapshots of all
// registered batches in registry order. It returns at once; the collection
// runs on its own goroutine and waits for readiness first.
func (o *Orchestrator) GetAllBatchStatuses(onReceived func([]batch.Snapshot)) {
	o.mu.Lock()
	g := o.gate
	o.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("status consumer panicked", "panic", r, "stack", string(debug.Stack()))
			}
		}()

		select {
		case <-g.ch:
		case <-o.closed:
			return
		}

		o.mu.Lock()
		all := o.registry.Values()
		o.mu.Unlock()

		snaps := make([]batch.Snapshot, 0, len(all))
		for _, b := range all {
			snaps = append(snaps, b.Status())
		}

		onReceived(snaps)
	}()
}

// AddObserver registers obs for every batch snapshot. Observers are compared by
// identity, so pointer implementations are expected.
func (o *Orchestrator) AddObserver(obs batch.Observer) {
	o.obsMu.Lock()
	o.observers = append(o.observers, obs)
	o.obsMu.Unlock()
}

// RemoveObserver drops the first registration of obs.
func (o *Orchestrator) RemoveObserver(obs batch.Observer) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()

	for i, registered := range o.observers {
		if registered == obs {
			o.observers = append(o.observers[:i:i], o.observers[i+1:]...)

			return
		}
	}
}

// fanout is the observer attached to every batch throttle.
type fanout struct {
	o *Orchestrator
}

func (f fanout) OnUpdate(s batch.Snapshot) {
	f.o.broadcast(s)
}

func (o *Orchestrator) broadcast(s batch.Snapshot) {
	o.obsMu.Lock()
	observers := append([]batch.Observer(nil), o.observers...)
	o.obsMu.Unlock()

	for _, obs := range observers {
		o.notify(obs, s)
	}
}

func (o *Orchestrator) notify(obs batch.Observer, s batch.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("status observer panicked", "batch_id", s.ID, "panic", r)
			o.telemetry.RecordObserverDelivery("panic")
		}
	}()

	obs.OnUpdate(s)
	o.telemetry.RecordObserverDelivery("success")
}

func (o *Orchestrator) delegate(b *batch.Batch, all batch.Batches) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panicked: %v", r)
		}

		if err != nil {
			err = &DelegationError{BatchID: b.ID(), Err: err}
		}
	}()

	return o.engine.Download(b, all)
}

func (o *Orchestrator) newDeps() batch.Deps {
	t := o.throttles()
	t.SetCallback(fanout{o: o})

	return batch.Deps{
		Persister: o.persistence,
		Files:     o.files,
		Halter:    o.halter,
		Notifier:  t,
	}
}

func (o *Orchestrator) lookup(id batch.ID) (*batch.Batch, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.registry.Get(id)
}

func (o *Orchestrator) knownLocked(id batch.ID) bool {
	if _, ok := o.registry.Get(id); ok {
		return true
	}

	_, ok := o.delegated[id]

	return ok
}
