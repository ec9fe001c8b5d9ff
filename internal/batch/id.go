package batch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidID is returned for batch IDs that cannot name a directory of their own.
var ErrInvalidID = errors.New("invalid batch id")

// ID identifies a batch. Two IDs are equal when their string values are equal.
type ID string

// FileID identifies a file within a batch.
type FileID string

// NewID returns a random batch ID.
func NewID() ID {
	return ID(uuid.NewString())
}

// NewFileID returns a random file ID.
func NewFileID() FileID {
	return FileID(uuid.NewString())
}

// Validate accepts IDs that are a single path element: not empty, not "." or
// "..", and free of separators and NUL bytes.
func (id ID) Validate() error {
	switch {
	case strings.TrimSpace(string(id)) == "":
		return fmt.Errorf("%w: must not be empty", ErrInvalidID)
	case id == "." || id == "..":
		return fmt.Errorf("%w: %q is reserved", ErrInvalidID, string(id))
	case strings.ContainsAny(string(id), "/\\\x00"):
		return fmt.Errorf("%w: %q must not contain path separators", ErrInvalidID, string(id))
	}

	return nil
}

func (id ID) String() string {
	return string(id)
}

func (id FileID) String() string {
	return string(id)
}
