package vektor

import (
	"errors"
	"fmt"

	"github.com/vektordb/vektor/engine"
	"github.com/vektordb/vektor/maintenance"
	"github.com/vektordb/vektor/persistence"
	"github.com/vektordb/vektor/vectorstore"
)

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("record not found")

	// ErrCollectionClosed is returned for operations on a closed collection.
	ErrCollectionClosed = errors.New("collection is closed")

	// ErrRebuildInProgress is returned when maintenance is already running.
	ErrRebuildInProgress = errors.New("maintenance already in progress")

	// ErrNoSnapshotDir is returned when persistence is used without a
	// configured snapshot directory.
	ErrNoSnapshotDir = errors.New("no snapshot directory configured")
)

// Validation error codes. Stable across releases; callers may switch on them.
const (
	CodeDimensionMismatch = "dimension_mismatch"
	CodeInvalidVector     = "invalid_vector"
	CodeEmptyID           = "empty_id"
	CodeDuplicateID       = "duplicate_id"
	CodeInvalidK          = "invalid_k"
)

// ValidationError indicates rejected input. Code is a stable machine-readable
// identifier; Message is human-readable.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ValidationError struct {
	Code    string
	Message string
	cause   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Code, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.cause }

// StorageError indicates a storage-layer failure. Retryable hints whether the
// same call may succeed later (e.g. after freeing space).
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type StorageError struct {
	Op        string
	Retryable bool
	cause     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.cause)
}

func (e *StorageError) Unwrap() error { return e.cause }

// IndexCorruptionError indicates a snapshot failed integrity verification or
// the index violated a structural invariant.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type IndexCorruptionError struct {
	Detail string
	cause  error
}

func (e *IndexCorruptionError) Error() string {
	return fmt.Sprintf("index corruption: %s", e.Detail)
}

func (e *IndexCorruptionError) Unwrap() error { return e.cause }

// translateError maps internal package errors onto the public taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Not found unification.
	if errors.Is(err, vectorstore.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	// Validation normalization.
	if errors.Is(err, vectorstore.ErrEmptyID) {
		return &ValidationError{Code: CodeEmptyID, Message: "record id must not be empty", cause: err}
	}
	if errors.Is(err, vectorstore.ErrDuplicateID) {
		return &ValidationError{Code: CodeDuplicateID, Message: err.Error(), cause: err}
	}
	if errors.Is(err, engine.ErrInvalidK) {
		return &ValidationError{Code: CodeInvalidK, Message: "k must be positive", cause: err}
	}
	if errors.Is(err, engine.ErrZeroQueryVector) {
		return &ValidationError{Code: CodeInvalidVector, Message: err.Error(), cause: err}
	}
	var dm *vectorstore.DimensionMismatchError
	if errors.As(err, &dm) {
		return &ValidationError{Code: CodeDimensionMismatch, Message: dm.Error(), cause: err}
	}
	var iv *vectorstore.InvalidVectorError
	if errors.As(err, &iv) {
		return &ValidationError{Code: CodeInvalidVector, Message: iv.Error(), cause: err}
	}

	// Storage failures.
	var ce *vectorstore.CapacityError
	if errors.As(err, &ce) {
		return &StorageError{Op: "store", Retryable: true, cause: err}
	}

	// Snapshot corruption.
	if persistence.IsChecksumMismatch(err) {
		return &IndexCorruptionError{Detail: err.Error(), cause: err}
	}

	// Maintenance contention.
	if errors.Is(err, maintenance.ErrInProgress) {
		return fmt.Errorf("%w: %w", ErrRebuildInProgress, err)
	}

	return err
}
