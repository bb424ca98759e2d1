package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrLockHeld means another run is active for the mission. CLI exit 3.
	ErrLockHeld = errors.New("another run is currently processing")

	// ErrNoActiveCode means no code row is active and newest for the
	// process on the requested date.
	ErrNoActiveCode = errors.New("no active code for process")

	// ErrNoMatch means a filename matched no product template.
	ErrNoMatch = errors.New("filename matches no product template")

	// ErrAmbiguousMatch means a filename matched several product templates
	// with the same number of free wildcards.
	ErrAmbiguousMatch = errors.New("filename matches multiple product templates")

	// ErrDependencyMissing means a required input product has no file in
	// the candidate's window. Candidates are dropped, never fatal.
	ErrDependencyMissing = errors.New("required input missing")
)

// ConfigError marks a malformed mission/product/process graph. Fatal;
// observed before lock acquisition.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Reason
}

// CommitConflict wraps a transactional insert that violated a uniqueness
// constraint. The job is rolled back; re-planning observes the other
// producer's state.
type CommitConflict struct {
	Filename string
	Err      error
}

func (e *CommitConflict) Error() string {
	return fmt.Sprintf("commit conflict for %s: %v", e.Filename, e.Err)
}

func (e *CommitConflict) Unwrap() error {
	return e.Err
}

// InspectorFault marks an inspector crash (as opposed to a well-formed
// negative). The candidate file is quarantined and ingestion continues.
type InspectorFault struct {
	Product string
	Path    string
	Err     error
}

func (e *InspectorFault) Error() string {
	return fmt.Sprintf("inspector for %s faulted on %s: %v", e.Product, e.Path, e.Err)
}

func (e *InspectorFault) Unwrap() error {
	return e.Err
}
