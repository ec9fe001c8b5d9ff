package batch

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a batch. A batch holds exactly one status at a time.
type Status int

const (
	StatusQueued Status = iota
	StatusDownloading
	StatusPaused
	StatusDeleted
	StatusDownloaded
	StatusError
)

var statusNames = map[Status]string{
	StatusQueued:      "queued",
	StatusDownloading: "downloading",
	StatusPaused:      "paused",
	StatusDeleted:     "deleted",
	StatusDownloaded:  "downloaded",
	StatusError:       "error",
}

// transitions lists the allowed edges of the batch state machine.
var transitions = map[Status][]Status{
	StatusQueued:      {StatusDownloading, StatusPaused, StatusDeleted},
	StatusDownloading: {StatusPaused, StatusDownloaded, StatusError, StatusDeleted},
	StatusPaused:      {StatusDownloading, StatusDeleted},
	StatusDownloaded:  {StatusDeleted},
	StatusError:       {StatusDeleted},
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("status(%d)", int(s))
}

// IsTerminal reports whether no further work happens for a batch in this status.
func (s Status) IsTerminal() bool {
	return s == StatusDeleted || s == StatusDownloaded || s == StatusError
}

// CanTransitionTo reports whether the state machine has an edge from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(value string) (Status, error) {
	for status, name := range statusNames {
		if strings.EqualFold(name, value) {
			return status, nil
		}
	}

	return 0, fmt.Errorf("unknown batch status %q", value)
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}

	*s = parsed

	return nil
}
