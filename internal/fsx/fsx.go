// Package fsx provides the filesystem primitives shared by the region and
// barrier packages: a thin wrapper over the os package for opening/sizing
// named files, and flock-based advisory locking for the process barrier's
// named mutexes.
//
// Named shared-memory regions and named barrier mutexes are both, in this
// implementation, ordinary files under a base directory (see pkg/region and
// pkg/barrier) - fsx is the one place that talks to the OS for both.
package fsx

import (
	"os"
)

// File is the subset of *os.File operations region/barrier code needs.
type File interface {
	Fd() uintptr
	Stat() (os.FileInfo, error)
	Close() error
	Truncate(size int64) error
}

// FS is the filesystem interface used by pkg/region and pkg/barrier. Real is
// the only implementation shipped; the interface exists so tests can swap in
// a fake for error-path coverage without touching the real filesystem.
type FS interface {
	OpenFile(path string, flag int, perm os.FileMode) (File, error)
	Stat(path string) (os.FileInfo, error)
	Exists(path string) (bool, error)
	MkdirAll(path string, perm os.FileMode) error
	Remove(path string) error
}

// Real implements FS using the os package.
type Real struct{}

// NewReal returns a new Real filesystem.
func NewReal() *Real { return &Real{} }

func (r *Real) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

func (r *Real) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

func (r *Real) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return false, err
}

func (r *Real) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (r *Real) Remove(path string) error {
	return os.Remove(path)
}

var _ FS = (*Real)(nil)
