package ivex

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/time/rate"

	"github.com/ivexdb/ivex/blobstore"
)

// Compression selects the codec used for snapshot payloads.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

const (
	snapshotMagic   = "IVEXSNP1"
	snapshotVersion = 1
)

// ErrInvalidSnapshot is returned when a blob is not a readable snapshot.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// snapshotHeader describes the payload that follows it. The header is JSON
// so future fields can be added without breaking older readers.
type snapshotHeader struct {
	Version     int         `json:"version"`
	Dimension   int         `json:"dimension"`
	Rows        uint64      `json:"rows"`
	Compression Compression `json:"compression"`
}

// Snapshot writes the complete store contents as a compressed blob named
// name in bs. The snapshot is a consistent point-in-time copy: concurrent
// inserts are blocked while it streams. The index is not included; Restore
// rebuilds it, which is deterministic for a fixed seed.
func (db *DB) Snapshot(ctx context.Context, bs blobstore.BlobStore, name string) error {
	start := time.Now()

	n, err := db.snapshot(ctx, bs, name)
	db.opts.metricsCollector.RecordSnapshot(n, time.Since(start), err)
	db.opts.logger.logSnapshot(name, n, time.Since(start), err)
	return err
}

func (db *DB) snapshot(ctx context.Context, bs blobstore.BlobStore, name string) (int64, error) {
	if db.closed.Load() {
		return 0, ErrClosed
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	w, err := bs.Create(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("%w: create snapshot blob: %w", ErrIOFailure, err)
	}

	cw := &countingWriter{w: newRateLimitedWriter(ctx, w, db.opts.snapshotRate)}
	if err := db.writeSnapshot(cw); err != nil {
		_ = w.Close()
		return cw.n, err
	}
	if err := w.Close(); err != nil {
		return cw.n, fmt.Errorf("%w: finalize snapshot blob: %w", ErrIOFailure, err)
	}
	return cw.n, nil
}

func (db *DB) writeSnapshot(w io.Writer) error {
	header, err := gojson.Marshal(snapshotHeader{
		Version:     snapshotVersion,
		Dimension:   db.dim,
		Rows:        db.vs.Count(),
		Compression: db.opts.compression,
	})
	if err != nil {
		return fmt.Errorf("encode snapshot header: %w", err)
	}

	var preamble bytes.Buffer
	preamble.WriteString(snapshotMagic)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(header)))
	preamble.Write(lenBuf[:])
	preamble.Write(header)
	if _, err := w.Write(preamble.Bytes()); err != nil {
		return fmt.Errorf("%w: write snapshot header: %w", ErrIOFailure, err)
	}

	cw, closeCodec, err := compressingWriter(w, db.opts.compression)
	if err != nil {
		return err
	}
	if _, err := db.vs.WriteTo(cw); err != nil {
		_ = closeCodec()
		return fmt.Errorf("%w: write snapshot payload: %w", ErrIOFailure, err)
	}
	if err := closeCodec(); err != nil {
		return fmt.Errorf("%w: flush snapshot payload: %w", ErrIOFailure, err)
	}
	return nil
}

// Restore materializes the snapshot blob name from bs into a new store file
// at storePath, rebuilds the index under indexPath and opens the database.
// Any existing file at storePath is replaced.
func Restore(ctx context.Context, bs blobstore.BlobStore, name, storePath, indexPath string, optFns ...Option) (*DB, error) {
	opts := applyOptions(optFns...)
	start := time.Now()

	db, n, err := restore(ctx, bs, name, storePath, indexPath, opts, optFns)
	opts.metricsCollector.RecordSnapshot(n, time.Since(start), err)
	opts.logger.logSnapshot(name, n, time.Since(start), err)
	return db, err
}

func restore(ctx context.Context, bs blobstore.BlobStore, name, storePath, indexPath string, opts options, optFns []Option) (*DB, int64, error) {
	blob, err := bs.Open(ctx, name)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: open snapshot blob: %w", ErrIOFailure, err)
	}
	defer blob.Close()

	data, err := blobstore.ReadAll(blob)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read snapshot blob: %w", ErrIOFailure, err)
	}

	header, payload, err := parseSnapshot(data)
	if err != nil {
		return nil, int64(len(data)), err
	}

	cr, err := decompressingReader(bytes.NewReader(payload), header.Compression)
	if err != nil {
		return nil, int64(len(data)), err
	}

	f, err := opts.fsys.OpenFile(storePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, int64(len(data)), fmt.Errorf("%w: create store file: %w", ErrIOFailure, err)
	}
	if _, err := io.Copy(f, cr); err != nil {
		_ = f.Close()
		return nil, int64(len(data)), fmt.Errorf("%w: restore store file: %w", ErrIOFailure, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, int64(len(data)), fmt.Errorf("%w: sync store file: %w", ErrIOFailure, err)
	}
	if err := f.Close(); err != nil {
		return nil, int64(len(data)), fmt.Errorf("%w: close store file: %w", ErrIOFailure, err)
	}

	db, err := Open(ctx, storePath, indexPath, header.Dimension, optFns...)
	if err != nil {
		return nil, int64(len(data)), err
	}
	if db.RecordCount() != header.Rows {
		_ = db.Close()
		return nil, int64(len(data)), fmt.Errorf("%w: expected %d rows, restored %d", ErrInvalidSnapshot, header.Rows, db.RecordCount())
	}
	return db, int64(len(data)), nil
}

func parseSnapshot(data []byte) (snapshotHeader, []byte, error) {
	var h snapshotHeader
	if len(data) < len(snapshotMagic)+4 || string(data[:len(snapshotMagic)]) != snapshotMagic {
		return h, nil, fmt.Errorf("%w: bad magic", ErrInvalidSnapshot)
	}
	rest := data[len(snapshotMagic):]
	headerLen := int(binary.LittleEndian.Uint32(rest[:4]))
	rest = rest[4:]
	if headerLen > len(rest) {
		return h, nil, fmt.Errorf("%w: truncated header", ErrInvalidSnapshot)
	}
	if err := gojson.Unmarshal(rest[:headerLen], &h); err != nil {
		return h, nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	if h.Version != snapshotVersion {
		return h, nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, h.Version)
	}
	if h.Dimension <= 0 {
		return h, nil, fmt.Errorf("%w: dimension %d", ErrInvalidSnapshot, h.Dimension)
	}
	return h, rest[headerLen:], nil
}

func compressingWriter(w io.Writer, c Compression) (io.Writer, func() error, error) {
	switch c {
	case CompressionNone:
		return w, func() error { return nil }, nil
	case CompressionZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, fmt.Errorf("init zstd writer: %w", err)
		}
		return zw, zw.Close, nil
	case CompressionLZ4:
		lw := lz4.NewWriter(w)
		return lw, lw.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown compression %q", ErrInvalidArgument, c)
	}
}

func decompressingReader(r io.Reader, c Compression) (io.Reader, error) {
	switch c {
	case CompressionNone:
		return r, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: init zstd reader: %w", ErrInvalidSnapshot, err)
		}
		return zr.IOReadCloser(), nil
	case CompressionLZ4:
		return lz4.NewReader(r), nil
	default:
		return nil, fmt.Errorf("%w: unknown compression %q", ErrInvalidSnapshot, c)
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// rateLimitedWriter throttles writes to a byte rate, keeping snapshot
// uploads from starving foreground traffic.
type rateLimitedWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

func newRateLimitedWriter(ctx context.Context, w io.Writer, bytesPerSecond int) io.Writer {
	if bytesPerSecond <= 0 {
		return w
	}
	return &rateLimitedWriter{
		ctx:     ctx,
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond),
	}
}

func (r *rateLimitedWriter) Write(p []byte) (int, error) {
	var written int
	for len(p) > 0 {
		chunk := p
		if burst := r.limiter.Burst(); len(chunk) > burst {
			chunk = chunk[:burst]
		}
		if err := r.limiter.WaitN(r.ctx, len(chunk)); err != nil {
			return written, err
		}
		n, err := r.w.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
