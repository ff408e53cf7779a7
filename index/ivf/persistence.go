package ivf

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	gojson "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/ivexdb/ivex/internal/fs"
)

const (
	manifestName    = "MANIFEST"
	manifestTmpName = "MANIFEST.tmp"
	centroidsName   = "centroids.vec"
	postingsDirName = "postings"

	manifestVersion = 1
	elementSize     = 4
)

// manifest is the published description of the current index epoch.
// It is the single atomically-replaced file that makes a build visible.
type manifest struct {
	Version   int    `json:"version"`
	Epoch     uint64 `json:"epoch"`
	Dimension int    `json:"dimension"`
	Centroids int    `json:"centroids"`
	Rows      uint64 `json:"rows"`
	Seed      int64  `json:"seed"`
}

func epochDirName(epoch uint64) string {
	return fmt.Sprintf("epoch-%06d", epoch)
}

func loadManifest(fsys fs.FileSystem, dir string) (manifest, error) {
	var m manifest

	f, err := fsys.OpenFile(filepath.Join(dir, manifestName), os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m, ErrNotFound
		}
		return m, fmt.Errorf("%w: open manifest: %w", ErrIO, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return m, fmt.Errorf("%w: read manifest: %w", ErrIO, err)
	}
	if err := gojson.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("ivf: decode manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return m, fmt.Errorf("ivf: unsupported manifest version %d", m.Version)
	}
	return m, nil
}

// publishManifest writes the manifest to a temp file and atomically renames
// it into place. A crash before the rename leaves the previous index intact.
func publishManifest(fsys fs.FileSystem, dir string, m manifest) error {
	data, err := gojson.Marshal(m)
	if err != nil {
		return fmt.Errorf("ivf: encode manifest: %w", err)
	}

	tmp := filepath.Join(dir, manifestTmpName)
	f, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create manifest: %w", ErrIO, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: write manifest: %w", ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: sync manifest: %w", ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close manifest: %w", ErrIO, err)
	}

	if err := fsys.Rename(tmp, filepath.Join(dir, manifestName)); err != nil {
		return fmt.Errorf("%w: publish manifest: %w", ErrIO, err)
	}
	return nil
}

// removeStaleEpochs deletes every epoch directory other than the published
// one. Posting lists and centroids are held in memory by live Index
// snapshots, so removal cannot disturb in-flight readers.
func removeStaleEpochs(fsys fs.FileSystem, dir string, keep uint64) error {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: scan index dir: %w", ErrIO, err)
	}
	keepName := epochDirName(keep)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "epoch-") || e.Name() == keepName {
			continue
		}
		if err := fsys.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("%w: remove stale epoch %s: %w", ErrIO, e.Name(), err)
		}
	}
	return nil
}

// fileCentroidStore persists centroids as the raw concatenation of
// little-endian float32 values, position = centroid id.
type fileCentroidStore struct {
	fsys fs.FileSystem
	path string
	dim  int
}

func (s *fileCentroidStore) WriteCentroids(centroids []float32) error {
	buf := make([]byte, 0, len(centroids)*elementSize)
	for _, v := range centroids {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}

	f, err := s.fsys.OpenFile(s.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create centroid file: %w", ErrIO, err)
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: write centroids: %w", ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: sync centroids: %w", ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close centroids: %w", ErrIO, err)
	}
	return nil
}

func (s *fileCentroidStore) ReadCentroids() ([]float32, error) {
	f, err := s.fsys.OpenFile(s.path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open centroid file: %w", ErrIO, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: read centroids: %w", ErrIO, err)
	}
	if len(data)%(s.dim*elementSize) != 0 {
		return nil, fmt.Errorf("ivf: centroid file size %d is not a multiple of %d", len(data), s.dim*elementSize)
	}

	out := make([]float32, len(data)/elementSize)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*elementSize:]))
	}
	return out, nil
}

// filePostingStore persists each posting list as one serialized roaring
// bitmap file per centroid id.
type filePostingStore struct {
	fsys fs.FileSystem
	dir  string
}

func (s *filePostingStore) listPath(centroid int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%06d.pl", centroid))
}

func (s *filePostingStore) WriteList(centroid int, ids *roaring.Bitmap) error {
	var buf bytes.Buffer
	if _, err := ids.WriteTo(&buf); err != nil {
		return fmt.Errorf("ivf: serialize posting list %d: %w", centroid, err)
	}

	f, err := s.fsys.OpenFile(s.listPath(centroid), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create posting list %d: %w", ErrIO, centroid, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: write posting list %d: %w", ErrIO, centroid, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: sync posting list %d: %w", ErrIO, centroid, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close posting list %d: %w", ErrIO, centroid, err)
	}
	return nil
}

func (s *filePostingStore) ReadList(centroid int) (*roaring.Bitmap, error) {
	f, err := s.fsys.OpenFile(s.listPath(centroid), os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open posting list %d: %w", ErrIO, centroid, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: read posting list %d: %w", ErrIO, centroid, err)
	}

	bm := roaring.New()
	if _, err := bm.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("ivf: decode posting list %d: %w", centroid, err)
	}
	return bm, nil
}

// Open loads the published index snapshot from dir. Posting lists are loaded
// in parallel and held in memory on the returned Index.
func Open(ctx context.Context, fsys fs.FileSystem, dir string, dim int) (*Index, error) {
	if fsys == nil {
		fsys = fs.Default
	}

	m, err := loadManifest(fsys, dir)
	if err != nil {
		return nil, err
	}
	if m.Dimension != dim {
		return nil, &ErrDimensionMismatch{Expected: dim, Actual: m.Dimension}
	}

	epochDir := filepath.Join(dir, epochDirName(m.Epoch))
	cs := &fileCentroidStore{fsys: fsys, path: filepath.Join(epochDir, centroidsName), dim: dim}
	centroids, err := cs.ReadCentroids()
	if err != nil {
		return nil, err
	}
	if len(centroids) != m.Centroids*dim {
		return nil, fmt.Errorf("ivf: manifest expects %d centroids, file holds %d values", m.Centroids, len(centroids))
	}

	ps := &filePostingStore{fsys: fsys, dir: filepath.Join(epochDir, postingsDirName)}
	postings := make([]*roaring.Bitmap, m.Centroids)

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for c := 0; c < m.Centroids; c++ {
		c := c
		g.Go(func() error {
			bm, err := ps.ReadList(c)
			if err != nil {
				return err
			}
			postings[c] = bm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return newIndex(m, centroids, postings), nil
}
