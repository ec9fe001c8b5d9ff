package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Persister durably records batch lifecycle changes. Every call runs inside its
// own transaction; a returned error means nothing was written.
type Persister interface {
	UpdateStatus(ctx context.Context, id ID, status Status) error
	Checkpoint(ctx context.Context, id ID, status Status, files []File) error
	Delete(ctx context.Context, id ID) error
}

// FileRemover deletes the on-disk artifacts of a batch.
type FileRemover interface {
	RemoveFiles(id ID, files []File) error
}

// Halter stops in-flight transfers of a batch. Halt must not block on the
// transfer finishing.
type Halter interface {
	Halt(id ID)
}

// Notifier receives every snapshot a batch emits. It is usually a callback throttle.
type Notifier interface {
	Update(s Snapshot)
	StopUpdates()
}

// Deps are the collaborators a batch drives during its transitions. Nil
// collaborators are skipped.
type Deps struct {
	Persister Persister
	Files     FileRemover
	Halter    Halter
	Notifier  Notifier
}

// File describes one download of a batch.
type File struct {
	ID         FileID `json:"id"`
	URL        string `json:"url"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	Downloaded int64  `json:"downloaded"`
}

// Spec is a request to create a batch.
type Spec struct {
	ID    ID     `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
	Files []File `json:"files" yaml:"files"`
}

// Batch is a group of file downloads managed as a unit. Its status only changes
// through its own operations.
type Batch struct {
	mu     sync.Mutex
	id     ID
	title  string
	status Status
	files  []File
	deps   Deps
}

// New builds a queued batch from spec. Missing batch and file IDs are generated.
func New(spec Spec, deps Deps) (*Batch, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	id := spec.ID
	if id == "" {
		id = NewID()
	}

	files := make([]File, len(spec.Files))
	for i, f := range spec.Files {
		if f.ID == "" {
			f.ID = NewFileID()
		}

		f.Downloaded = 0
		files[i] = f
	}

	return &Batch{
		id:     id,
		title:  spec.Title,
		status: StatusQueued,
		files:  files,
		deps:   deps,
	}, nil
}

// Restore rebuilds a batch from durable state without touching any collaborator.
func Restore(id ID, title string, status Status, files []File, deps Deps) *Batch {
	return &Batch{
		id:     id,
		title:  title,
		status: status,
		files:  append([]File(nil), files...),
		deps:   deps,
	}
}

// Validate checks the spec before a batch is built from it.
func (s Spec) Validate() error {
	if s.ID != "" {
		if err := s.ID.Validate(); err != nil {
			return &ValidationError{Field: "id", Reason: "must be a single path element like a uuid"}
		}
	}

	if strings.TrimSpace(s.Title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}

	if len(s.Files) == 0 {
		return &ValidationError{Field: "files", Reason: "at least one file is required"}
	}

	seen := make(map[FileID]struct{}, len(s.Files))

	for i, f := range s.Files {
		if f.URL == "" {
			return &ValidationError{Field: fmt.Sprintf("files[%d].url", i), Reason: "must not be empty"}
		}

		if f.Path == "" {
			return &ValidationError{Field: fmt.Sprintf("files[%d].path", i), Reason: "must not be empty"}
		}

		if f.Size < 0 {
			return &ValidationError{Field: fmt.Sprintf("files[%d].size", i), Reason: "must not be negative"}
		}

		if f.ID == "" {
			continue
		}

		if _, dup := seen[f.ID]; dup {
			return &ValidationError{Field: fmt.Sprintf("files[%d].id", i), Reason: "duplicate file id " + string(f.ID)}
		}

		seen[f.ID] = struct{}{}
	}

	return nil
}

func (b *Batch) ID() ID {
	return b.id
}

func (b *Batch) Title() string {
	return b.title
}

// Files returns a copy of the file descriptors.
func (b *Batch) Files() []File {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]File(nil), b.files...)
}

// Status returns a fresh snapshot. It never mutates the batch.
func (b *Batch) Status() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.snapshotLocked()
}

// Pause moves a queued or downloading batch to paused, persists it and asks the
// transfer engine to stop its transfers.
func (b *Batch) Pause(ctx context.Context) error {
	snap, err := b.transition(ctx, StatusPaused, StatusQueued, StatusDownloading)
	if err != nil {
		return err
	}

	if b.deps.Halter != nil {
		b.deps.Halter.Halt(b.id)
	}

	b.notify(snap)

	return nil
}

// Resume moves a paused or queued batch to downloading and persists it. Callers
// are expected to skip batches that are already downloading.
func (b *Batch) Resume(ctx context.Context) error {
	snap, err := b.transition(ctx, StatusDownloading, StatusPaused, StatusQueued)
	if err != nil {
		return err
	}

	b.notify(snap)

	return nil
}

// Delete removes the durable records of the batch and its files, stops any
// transfer, cleans up partial artifacts and marks the batch deleted.
func (b *Batch) Delete(ctx context.Context) error {
	b.mu.Lock()

	if b.status == StatusDeleted {
		from := b.status
		b.mu.Unlock()

		return &TransitionError{ID: b.id, From: from, To: StatusDeleted}
	}

	if b.deps.Persister != nil {
		if err := b.deps.Persister.Delete(ctx, b.id); err != nil {
			b.mu.Unlock()

			return fmt.Errorf("failed to delete batch %s: %w", b.id, err)
		}
	}

	b.status = StatusDeleted
	files := append([]File(nil), b.files...)
	snap := b.snapshotLocked()
	n := b.deps.Notifier
	b.mu.Unlock()

	if b.deps.Halter != nil {
		b.deps.Halter.Halt(b.id)
	}

	var removeErr error
	if b.deps.Files != nil {
		removeErr = b.deps.Files.RemoveFiles(b.id, files)
	}

	if n != nil {
		n.Update(snap)
		n.StopUpdates()
	}

	if removeErr != nil {
		return fmt.Errorf("batch %s deleted but its files could not be removed: %w", b.id, removeErr)
	}

	return nil
}

// RecordProgress updates the byte counters of one file. A non-positive total
// keeps the previously known size.
func (b *Batch) RecordProgress(fileID FileID, downloaded, total int64) {
	b.mu.Lock()

	found := false

	for i := range b.files {
		if b.files[i].ID != fileID {
			continue
		}

		if total > 0 {
			b.files[i].Size = total
		}

		b.files[i].Downloaded = downloaded
		found = true

		break
	}

	if !found || b.status == StatusDeleted {
		b.mu.Unlock()

		return
	}

	snap := b.snapshotLocked()
	b.mu.Unlock()

	b.notify(snap)
}

// Complete marks a downloading batch as downloaded and checkpoints its files.
func (b *Batch) Complete(ctx context.Context) error {
	b.mu.Lock()

	if !b.status.CanTransitionTo(StatusDownloaded) {
		from := b.status
		b.mu.Unlock()

		return &TransitionError{ID: b.id, From: from, To: StatusDownloaded}
	}

	if b.deps.Persister != nil {
		if err := b.deps.Persister.Checkpoint(ctx, b.id, StatusDownloaded, append([]File(nil), b.files...)); err != nil {
			b.mu.Unlock()

			return fmt.Errorf("failed to persist completion of batch %s: %w", b.id, err)
		}
	}

	b.status = StatusDownloaded
	snap := b.snapshotLocked()
	b.mu.Unlock()

	b.notify(snap)

	return nil
}

// Fail marks a downloading batch as errored. The cause is only used for the
// returned error when persisting fails.
func (b *Batch) Fail(ctx context.Context, cause error) error {
	snap, err := b.transition(ctx, StatusError, StatusDownloading)
	if err != nil {
		return fmt.Errorf("failed to record failure %v: %w", cause, err)
	}

	b.notify(snap)

	return nil
}

// transition moves the batch to next when its current status is one of from.
// The in-memory status is only changed once the persister accepted it.
func (b *Batch) transition(ctx context.Context, next Status, from ...Status) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	allowed := false

	for _, s := range from {
		if b.status == s {
			allowed = true

			break
		}
	}

	if !allowed || !b.status.CanTransitionTo(next) {
		return Snapshot{}, &TransitionError{ID: b.id, From: b.status, To: next}
	}

	if b.deps.Persister != nil {
		if err := b.deps.Persister.UpdateStatus(ctx, b.id, next); err != nil {
			return Snapshot{}, fmt.Errorf("failed to persist %s status for batch %s: %w", next, b.id, err)
		}
	}

	b.status = next

	return b.snapshotLocked(), nil
}

func (b *Batch) notify(s Snapshot) {
	b.mu.Lock()
	n := b.deps.Notifier
	b.mu.Unlock()

	if n != nil {
		n.Update(s)
	}
}

func (b *Batch) snapshotLocked() Snapshot {
	var downloaded, total int64

	for _, f := range b.files {
		downloaded += f.Downloaded
		total += f.Size
	}

	return Snapshot{
		ID:              b.id,
		Title:           b.title,
		Status:          b.status,
		Percentage:      percentage(b.status, downloaded, total),
		BytesDownloaded: downloaded,
		BytesTotal:      total,
	}
}
