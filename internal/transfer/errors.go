package transfer

import (
	"errors"
	"fmt"

	"github.com/italolelis/batch_downloader/internal/batch"
)

var (
	// ErrBatchExists matches a DuplicateBatchError.
	ErrBatchExists = errors.New("batch already exists")

	// ErrUnknownBatch is returned by lookups for ids the orchestrator does not track.
	// Commands on unknown ids are no-ops and never return it.
	ErrUnknownBatch = errors.New("unknown batch")
)

// DuplicateBatchError rejects a submission whose id is already tracked.
type DuplicateBatchError struct {
	ID batch.ID
}

func (e *DuplicateBatchError) Error() string {
	return fmt.Sprintf("batch %s already exists", e.ID)
}

func (e *DuplicateBatchError) Is(target error) bool {
	return target == ErrBatchExists
}

// DelegationError reports a batch the transfer engine refused to take.
type DelegationError struct {
	BatchID batch.ID
	Err     error
}

func (e *DelegationError) Error() string {
	return fmt.Sprintf("failed to delegate batch %s to the transfer engine: %v", e.BatchID, e.Err)
}

func (e *DelegationError) Unwrap() error {
	return e.Err
}
