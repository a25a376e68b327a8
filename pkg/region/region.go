// Package region implements the Shared Region Manager: a uniform API over
// named, fixed-size, mmap'd regions that outlive the process that created
// them.
//
// Named regions are backed by ordinary files under a base directory. On
// Linux, pointing that base directory at a tmpfs mount (/dev/shm is the
// conventional choice) gives true shared-memory semantics; any other
// filesystem works too, just with page-cache-backed rather than RAM-backed
// storage. This mirrors how System V and POSIX shared memory are themselves
// implemented under the hood, and is the same approach the one mmap'd file
// in this module's ancestry already took - generalized here to an arbitrary
// number of named regions instead of a single cache file.
package region

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/meridian-routing/shmds/internal/fsx"
)

var (
	// ErrRegionExists classifies a region found at the requested name with
	// a different size. Manager never returns it: OpenOrCreate removes such
	// a region and recreates it at the requested size.
	ErrRegionExists = errors.New("region: exists with different size")

	// ErrRegionMissing is returned by AttachRead/AttachWrite/Remove when
	// no region exists at the requested name.
	ErrRegionMissing = errors.New("region: missing")

	// ErrRegionSizeMismatch is returned by AttachRead/AttachWrite when the
	// named region exists but is zero bytes long, so it cannot be mapped.
	ErrRegionSizeMismatch = errors.New("region: size mismatch")
)

const (
	regionFilePerm = 0o600
	regionDirPerm  = 0o755
)

// Manager creates, attaches, detaches, and removes named regions rooted at
// a base directory.
type Manager struct {
	baseDir string
	fs      fsx.FS
}

// NewManager returns a Manager rooted at baseDir. baseDir is created lazily
// on first use.
func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir, fs: fsx.NewReal()}
}

// Region is a live mmap'd mapping of a named region.
type Region struct {
	Bytes []byte // the mapped bytes; valid until Detach

	name string
	mgr  *Manager
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.baseDir, name)
}

// Exists reports whether a region by this name currently exists.
func (m *Manager) Exists(name string) bool {
	ok, err := m.fs.Exists(m.path(name))
	return err == nil && ok
}

// OpenOrCreate creates the named region with zero-filled contents if it
// does not exist, or opens the existing one. If a region already exists
// under this name at a different size, it is removed and recreated at the
// requested size (the "stale region" case from the loader's target-slot
// setup).
//
// OpenOrCreate does not map the region; call AttachWrite/AttachRead next.
func (m *Manager) OpenOrCreate(name string, size int64) error {
	if err := m.fs.MkdirAll(m.baseDir, regionDirPerm); err != nil {
		return fmt.Errorf("region: creating base dir: %w", err)
	}

	p := m.path(name)

	info, err := m.fs.Stat(p)
	switch {
	case err == nil:
		if info.Size() == size {
			return nil
		}

		if err := m.Remove(name); err != nil {
			return fmt.Errorf("region: removing stale region %q: %w", name, err)
		}
	case os.IsNotExist(err):
		// fall through to create
	default:
		return fmt.Errorf("region: stat %q: %w", name, err)
	}

	f, err := m.fs.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, regionFilePerm)
	if err != nil {
		return fmt.Errorf("region: creating %q: %w", name, err)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("region: sizing %q to %d: %w", name, size, err)
	}

	return nil
}

// AttachWrite maps the named region read/write into this process.
func (m *Manager) AttachWrite(name string) (*Region, error) {
	return m.attach(name, unix.PROT_READ|unix.PROT_WRITE)
}

// AttachRead maps the named region read-only into this process.
func (m *Manager) AttachRead(name string) (*Region, error) {
	return m.attach(name, unix.PROT_READ)
}

func (m *Manager) attach(name string, prot int) (*Region, error) {
	p := m.path(name)

	flag := os.O_RDONLY
	if prot&unix.PROT_WRITE != 0 {
		flag = os.O_RDWR
	}

	f, err := m.fs.OpenFile(p, flag, regionFilePerm)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("region: %q: %w", name, ErrRegionMissing)
		}

		return nil, fmt.Errorf("region: opening %q: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("region: stat %q: %w", name, err)
	}

	size := info.Size()
	if size == 0 {
		return nil, fmt.Errorf("region: %q: %w: zero-size region", name, ErrRegionSizeMismatch)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("region: mmap %q: %w", name, err)
	}

	return &Region{Bytes: data, name: name, mgr: m}, nil
}

// Detach unmaps the region from this process. A second call is a no-op
// that returns nil.
func (r *Region) Detach() error {
	if r.Bytes == nil {
		return nil
	}

	err := unix.Munmap(r.Bytes)
	r.Bytes = nil

	return err
}

// Remove unlinks the named region. Safe to call even while other processes
// hold mappings: the name vanishes immediately, but pages already mapped
// elsewhere remain valid until every mapping is detached - ordinary Unix
// unlink-while-open semantics.
func (m *Manager) Remove(name string) error {
	err := m.fs.Remove(m.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("region: %q: %w", name, ErrRegionMissing)
		}

		return fmt.Errorf("region: removing %q: %w", name, err)
	}

	return nil
}
