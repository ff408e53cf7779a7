// Package store implements the durable, append-only vector store.
//
// Vectors are fixed-dimension float32 rows persisted as their raw
// concatenation: row id i occupies byte offset i*D*4 with length D*4, no
// header. Row ids are the dense range [0, N) and are never reused or
// reordered. The file size is always an exact multiple of the row size.
//
// Reads are served from a read-only memory mapping and copied out, so
// returned slices stay valid across appends. The store is
// multi-reader/single-writer: concurrent reads are safe, appends are
// serialized by the caller (one writer assumed).
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"unsafe"

	"github.com/ivexdb/ivex/internal/fs"
	"github.com/ivexdb/ivex/internal/mmap"
)

// ElementSize is the width of a single vector component in bytes.
const ElementSize = 4

var (
	// ErrUnsortedIDs is returned by GetRows when the id slice is not
	// strictly ascending.
	ErrUnsortedIDs = errors.New("store: ids must be strictly ascending")

	// ErrCorrupt is returned when the backing file size is not a multiple
	// of the row size.
	ErrCorrupt = errors.New("store: file size is not a multiple of the row size")

	// ErrIO wraps a read or write failure on the backing file.
	ErrIO = errors.New("store: i/o failure")
)

// ErrInvalidDimension indicates a missing or non-positive dimension.
type ErrInvalidDimension struct {
	Dimension int
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("store: invalid dimension: %d", e.Dimension)
}

// ErrDimensionMismatch indicates a row whose length does not match the
// store dimension.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("store: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrOutOfRange indicates a row id outside [0, Count).
type ErrOutOfRange struct {
	ID    uint32
	Count uint64
}

func (e *ErrOutOfRange) Error() string {
	return fmt.Sprintf("store: row id %d out of range [0, %d)", e.ID, e.Count)
}

// Store is a file-backed, append-only sequence of fixed-dimension vectors.
type Store struct {
	mu      sync.RWMutex
	fsys    fs.FileSystem
	path    string
	dim     int
	mapping *mmap.Mapping
	data    []float32 // zero-copy view into the mapping
	count   uint64
}

// Create allocates a new store file at path, truncating any existing file,
// and writes the initial rows. dim must be positive and every initial row
// must have length dim.
func Create(fsys fs.FileSystem, path string, dim int, initial [][]float32) (*Store, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if dim <= 0 {
		return nil, &ErrInvalidDimension{Dimension: dim}
	}
	for _, row := range initial {
		if len(row) != dim {
			return nil, &ErrDimensionMismatch{Expected: dim, Actual: len(row)}
		}
	}

	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrIO, path, err)
	}
	if len(initial) > 0 {
		if _, err := f.Write(encodeRows(dim, initial)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%w: write initial rows: %w", ErrIO, err)
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: sync %s: %w", ErrIO, path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("%w: close %s: %w", ErrIO, path, err)
	}

	return Open(fsys, path, dim)
}

// Open opens an existing store file. The file size must be an exact
// multiple of dim*4 bytes.
func Open(fsys fs.FileSystem, path string, dim int) (*Store, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if dim <= 0 {
		return nil, &ErrInvalidDimension{Dimension: dim}
	}

	s := &Store{fsys: fsys, path: path, dim: dim}
	if err := s.remap(); err != nil {
		return nil, err
	}
	return s, nil
}

// remap (re)opens the read-only mapping and refreshes the row count.
// Callers must hold the write lock (or own the store exclusively).
func (s *Store) remap() error {
	fi, err := s.fsys.Stat(s.path)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", ErrIO, s.path, err)
	}
	rowBytes := int64(s.dim) * ElementSize
	if fi.Size()%rowBytes != 0 {
		return fmt.Errorf("%w: size %d, row size %d", ErrCorrupt, fi.Size(), rowBytes)
	}

	m, err := mmap.Open(s.path)
	if err != nil {
		return fmt.Errorf("%w: mmap %s: %w", ErrIO, s.path, err)
	}
	_ = m.Advise(mmap.AccessRandom)

	if s.mapping != nil {
		_ = s.mapping.Close()
	}
	s.mapping = m
	s.count = uint64(fi.Size() / rowBytes)
	if b := m.Bytes(); len(b) > 0 {
		s.data = unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/ElementSize)
	} else {
		s.data = nil
	}
	return nil
}

// Dimension returns the fixed vector dimension of the store.
func (s *Store) Dimension() int { return s.dim }

// Count returns the current number of rows. O(1).
func (s *Store) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Append writes rows after the current last row and returns the new total
// count. Every row must have length Dimension(). Data is synced before the
// method returns; a failed write is rolled back to the previous size so the
// row-multiple invariant holds.
func (s *Store) Append(rows [][]float32) (uint64, error) {
	for _, row := range rows {
		if len(row) != s.dim {
			return 0, &ErrDimensionMismatch{Expected: s.dim, Actual: len(row)}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(rows) == 0 {
		return s.count, nil
	}

	oldSize := int64(s.count) * int64(s.dim) * ElementSize

	f, err := s.fsys.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: open for append: %w", ErrIO, err)
	}
	if _, err := f.Write(encodeRows(s.dim, rows)); err != nil {
		_ = f.Close()
		_ = s.fsys.Truncate(s.path, oldSize)
		return 0, fmt.Errorf("%w: append: %w", ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = s.fsys.Truncate(s.path, oldSize)
		return 0, fmt.Errorf("%w: sync append: %w", ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("%w: close after append: %w", ErrIO, err)
	}

	if err := s.remap(); err != nil {
		return 0, err
	}
	return s.count, nil
}

// GetRow returns a copy of the vector at id.
func (s *Store) GetRow(id uint32) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if uint64(id) >= s.count {
		return nil, &ErrOutOfRange{ID: id, Count: s.count}
	}
	out := make([]float32, s.dim)
	copy(out, s.data[int(id)*s.dim:(int(id)+1)*s.dim])
	return out, nil
}

// GetRows returns copies of the vectors for the given ids, in input order.
//
/// Precondition: ids must be strictly ascending; ErrUnsortedIDs is returned
// otherwise. Ids are grouped into maximal contiguous runs and each run is
// copied out of the mapping in a single bulk operation. An empty id slice
// yields an empty result without error.
func (s *Store) GetRows(ids []uint32) ([][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(ids) == 0 {
		return [][]float32{}, nil
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			return nil, ErrUnsortedIDs
		}
	}
	if last := ids[len(ids)-1]; uint64(last) >= s.count {
		return nil, &ErrOutOfRange{ID: last, Count: s.count}
	}

	backing := make([]float32, len(ids)*s.dim)
	out := make([][]float32, len(ids))

	// One bulk copy per maximal contiguous run.
	written := 0
	runStart := 0
	for i := 1; i <= len(ids); i++ {
		if i < len(ids) && ids[i] == ids[i-1]+1 {
			continue
		}
		first := int(ids[runStart])
		runLen := i - runStart
		n := copy(backing[written*s.dim:], s.data[first*s.dim:(first+runLen)*s.dim])
		if n != runLen*s.dim {
			return nil, fmt.Errorf("store: short read for rows [%d, %d)", first, first+runLen)
		}
		written += runLen
		runStart = i
	}

	for i := range ids {
		out[i] = backing[i*s.dim : (i+1)*s.dim : (i+1)*s.dim]
	}
	return out, nil
}

// GetAllRows returns a copy of every vector in id order.
//
// The whole dataset is materialized in memory; this is intended for
// bounded-N uses such as index training and must not be called on datasets
// exceeding available memory.
func (s *Store) GetAllRows() ([][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count > uint64(math.MaxInt/max(s.dim, 1)) {
		return nil, fmt.Errorf("store: dataset too large to materialize (%d rows)", s.count)
	}

	n := int(s.count)
	backing := make([]float32, n*s.dim)
	copy(backing, s.data)

	out := make([][]float32, n)
	for i := 0; i < n; i++ {
		out[i] = backing[i*s.dim : (i+1)*s.dim : (i+1)*s.dim]
	}
	return out, nil
}

// RawVectors returns the zero-copy flattened view of all rows
// (count * dim entries). The slice aliases the memory mapping and is valid
// only until the next Append or Close; it must not be modified. Intended
// for the index builder, which runs while the writer lock is held.
func (s *Store) RawVectors() []float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

// WriteTo streams the raw store bytes to w. Used by snapshotting.
func (s *Store) WriteTo(w io.Writer) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.mapping == nil || len(s.mapping.Bytes()) == 0 {
		return 0, nil
	}
	n, err := w.Write(s.mapping.Bytes())
	return int64(n), err
}

// Close releases the memory mapping. The row count drops to zero, so reads
// after Close fail out of range instead of hitting the released mapping.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = nil
	s.count = 0
	if s.mapping != nil {
		err := s.mapping.Close()
		s.mapping = nil
		return err
	}
	return nil
}

// encodeRows flattens rows into little-endian float32 bytes.
func encodeRows(dim int, rows [][]float32) []byte {
	buf := make([]byte, 0, len(rows)*dim*ElementSize)
	for _, row := range rows {
		for _, v := range row {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	return buf
}
