//go:build windows

package mmap

import (
	"os"
	"syscall"
	"unsafe"
)

func osMap(f *os.File, size int) ([]byte, func([]byte) error, error) {
	h, err := syscall.CreateFileMapping(syscall.Handle(f.Fd()), nil, syscall.PAGE_READONLY, 0, 0, nil)
	if err != nil {
		return nil, nil, err
	}
	defer syscall.CloseHandle(h)

	addr, err := syscall.MapViewOfFile(h, syscall.FILE_MAP_READ, 0, 0, uintptr(size))
	if err != nil {
		return nil, nil, err
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return data, func(b []byte) error {
		if len(b) == 0 {
			return nil
		}
		return syscall.UnmapViewOfFile(uintptr(unsafe.Pointer(&b[0])))
	}, nil
}

func osAdvise(data []byte, pattern AccessPattern) error {
	return nil // No madvise equivalent is wired on Windows.
}
