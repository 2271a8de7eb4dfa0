// Package cacheerr defines the error kinds shared by the result cache and
// its collaborators. Every collaborator maps its own failures into one of
// these kinds at its boundary so the cache can decide whether a failure
// aborts an update cycle or only skips a single run.
package cacheerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is reported for errors that were not produced by this package.
	KindUnknown Kind = iota
	// KindUpstream covers network, authorization and rate-limit failures
	// talking to the CI system. Aborts the update cycle.
	KindUpstream
	// KindArchive covers unreadable or corrupt artifact archives. Scoped to
	// a single run.
	KindArchive
	// KindValidation covers payloads that do not describe a valid result
	// record. Scoped to a single run.
	KindValidation
	// KindDisk covers persistence failures. Aborts the update cycle.
	KindDisk
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindUpstream:
		return "upstream"
	case KindArchive:
		return "archive"
	case KindValidation:
		return "validation"
	case KindDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Op)
	}

	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Upstream wraps err as a KindUpstream error.
func Upstream(op string, err error) *Error {
	return New(KindUpstream, op, err)
}

// Archive wraps err as a KindArchive error.
func Archive(op string, err error) *Error {
	return New(KindArchive, op, err)
}

// Validation wraps err as a KindValidation error.
func Validation(op string, err error) *Error {
	return New(KindValidation, op, err)
}

// Disk wraps err as a KindDisk error.
func Disk(op string, err error) *Error {
	return New(KindDisk, op, err)
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}

	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}

	return KindOf(err) == kind
}

// Aborting reports whether an error of this kind must abort the whole
// update cycle rather than only the run that produced it.
func (k Kind) Aborting() bool {
	switch k {
	case KindArchive, KindValidation:
		return false
	default:
		return true
	}
}
