package ivex

import (
	"errors"
	"fmt"

	"github.com/ivexdb/ivex/distance"
	"github.com/ivexdb/ivex/index/ivf"
	"github.com/ivexdb/ivex/store"
)

var (
	// ErrInvalidArgument is returned for calls that violate a precondition,
	// such as a non-positive topK or unsorted ids.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrEmptyStore is returned when retrieving from a database with no
	// records or no built index.
	ErrEmptyStore = errors.New("store is empty")

	// ErrBuildFailure is returned when an index build cannot complete. The
	// previously published index, if any, remains in use.
	ErrBuildFailure = errors.New("index build failed")

	// ErrIOFailure is returned when an underlying read or write fails.
	ErrIOFailure = errors.New("i/o failure")

	// ErrZeroNorm is returned when a query or stored vector has zero length
	// and cosine similarity is undefined.
	ErrZeroNorm = distance.ErrZeroNorm

	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("database is closed")
)

// ErrOutOfRange indicates a record id outside [0, Count).
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrOutOfRange struct {
	ID    uint32
	Count uint64
	cause error
}

func (e *ErrOutOfRange) Error() string {
	return fmt.Sprintf("id %d out of range [0, %d)", e.ID, e.Count)
}

func (e *ErrOutOfRange) Unwrap() error { return e.cause }

// ErrDimensionMismatch indicates a vector whose length differs from the
// database dimension.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// translateError normalizes subpackage errors into the public taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var oor *store.ErrOutOfRange
	if errors.As(err, &oor) {
		return &ErrOutOfRange{ID: oor.ID, Count: oor.Count, cause: err}
	}

	var sdm *store.ErrDimensionMismatch
	if errors.As(err, &sdm) {
		return &ErrDimensionMismatch{Expected: sdm.Expected, Actual: sdm.Actual, cause: err}
	}
	var idm *ivf.ErrDimensionMismatch
	if errors.As(err, &idm) {
		return &ErrDimensionMismatch{Expected: idm.Expected, Actual: idm.Actual, cause: err}
	}
	var sid *store.ErrInvalidDimension
	if errors.As(err, &sid) {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	if errors.Is(err, store.ErrUnsortedIDs) {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if errors.Is(err, ivf.ErrNoRows) || errors.Is(err, ivf.ErrNoCentroids) {
		return fmt.Errorf("%w: %w", ErrEmptyStore, err)
	}
	if errors.Is(err, ivf.ErrPartition) {
		return fmt.Errorf("%w: %w", ErrBuildFailure, err)
	}
	if errors.Is(err, store.ErrCorrupt) || errors.Is(err, store.ErrIO) || errors.Is(err, ivf.ErrIO) {
		return fmt.Errorf("%w: %w", ErrIOFailure, err)
	}

	return err
}
