package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// Fault describes an injected failure for files matching a pattern.
type Fault struct {
	FailAfterBytes int64 // fail writes after this many bytes written to the file; -1 disables
	FailOnSync     bool
	FailOnClose    bool
	Err            error
}

// FaultyFS wraps a FileSystem and injects errors into matching files.
// It is intended for tests that exercise I/O failure paths.
type FaultyFS struct {
	FS FileSystem

	mu    sync.Mutex
	rules map[string]Fault
	err   error
}

// NewFaultyFS creates a FaultyFS wrapping fsys (or Default if nil).
func NewFaultyFS(fsys FileSystem) *FaultyFS {
	if fsys == nil {
		fsys = Default
	}
	return &FaultyFS{
		FS:    fsys,
		rules: make(map[string]Fault),
		err:   errors.New("injected fault"),
	}
}

// AddRule injects the fault for any file whose name contains pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = fault
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	fault := Fault{FailAfterBytes: -1}
	matched := false
	for pattern, rule := range f.rules {
		if strings.Contains(name, pattern) {
			fault = rule
			matched = true
		}
	}
	if fault.Err == nil {
		fault.Err = f.err
	}
	f.mu.Unlock()

	if !matched {
		return file, nil
	}
	return &faultyFile{File: file, fault: fault}, nil
}

func (f *FaultyFS) Remove(name string) error              { return f.FS.Remove(name) }
func (f *FaultyFS) RemoveAll(path string) error           { return f.FS.RemoveAll(path) }
func (f *FaultyFS) Rename(oldpath, newpath string) error  { return f.FS.Rename(oldpath, newpath) }
func (f *FaultyFS) Stat(name string) (os.FileInfo, error) { return f.FS.Stat(name) }
func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}
func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) { return f.FS.ReadDir(name) }
func (f *FaultyFS) Truncate(name string, size int64) error     { return f.FS.Truncate(name, size) }

type faultyFile struct {
	File
	fault   Fault
	written int64
}

func (f *faultyFile) Write(p []byte) (int, error) {
	if f.fault.FailAfterBytes >= 0 && f.written+int64(len(p)) > f.fault.FailAfterBytes {
		allowed := f.fault.FailAfterBytes - f.written
		if allowed < 0 {
			allowed = 0
		}
		n, _ := f.File.Write(p[:allowed])
		f.written += int64(n)
		return n, f.fault.Err
	}
	n, err := f.File.Write(p)
	f.written += int64(n)
	return n, err
}

func (f *faultyFile) Sync() error {
	if f.fault.FailOnSync {
		return f.fault.Err
	}
	return f.File.Sync()
}

func (f *faultyFile) Close() error {
	if f.fault.FailOnClose {
		_ = f.File.Close()
		return f.fault.Err
	}
	return f.File.Close()
}
