package mmap

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestOpenAndRead(t *testing.T) {
	path := writeTemp(t, []byte("hello mmap"))

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 10, m.Size())
	assert.Equal(t, []byte("hello mmap"), m.Bytes())

	p := make([]byte, 4)
	n, err := m.ReadAt(p, 6)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("mmap"), p)
}

func TestOpenEmptyFile(t *testing.T) {
	path := writeTemp(t, nil)

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 0, m.Size())
	assert.Nil(t, m.Bytes())
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.bin"))
	assert.Error(t, err)
}

func TestCloseIdempotent(t *testing.T) {
	path := writeTemp(t, []byte{1, 2, 3})

	m, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Nil(t, m.Bytes())
	_, err = m.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReadAtBounds(t *testing.T) {
	path := writeTemp(t, []byte{1, 2, 3})

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.ReadAt(make([]byte, 1), -1)
	assert.ErrorIs(t, err, ErrInvalidOffset)

	_, err = m.ReadAt(make([]byte, 1), 3)
	assert.ErrorIs(t, err, io.EOF)

	// Short read at the tail.
	p := make([]byte, 8)
	n, err := m.ReadAt(p, 1)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, n)
}

func TestAdvise(t *testing.T) {
	path := writeTemp(t, []byte("advise me"))

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	assert.NoError(t, m.Advise(AccessRandom))
	assert.NoError(t, m.Advise(AccessSequential))
}
