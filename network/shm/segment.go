// Package shm maps the file-backed shared memory segments PIPC sockets live in and
// provides a process-shared counting semaphore on top of them.
package shm

import (
	"fmt"
	"os"

	"github.com/linchenxuan/pipc/log"
	"github.com/linchenxuan/pipc/network/retcode"
	"golang.org/x/sys/unix"
)

// DefaultPerm is the permission of newly created segments.
const DefaultPerm os.FileMode = 0o600

// Segment is a shared read/write mapping of a file.
type Segment struct {
	path string
	data []byte
}

// Create creates the file at path, which must not exist yet, sizes it and maps it.
// On failure nothing is left behind.
func Create(path string, size int, perm os.FileMode) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm create %s: invalid size %d: %w", path, size, retcode.GeneralError)
	}
	if perm == 0 {
		perm = DefaultPerm
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, uint32(perm.Perm()))
	if err != nil {
		return nil, fmt.Errorf("shm create %s: %v: %w", path, err, retcode.GeneralError)
	}
	defer unix.Close(fd)

	// umask may have narrowed the mode
	if err = unix.Fchmod(fd, uint32(perm.Perm())); err == nil {
		err = unix.Ftruncate(fd, int64(size))
	}
	var data []byte
	if err == nil {
		data, err = unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	}
	if err != nil {
		if rmErr := unix.Unlink(path); rmErr != nil {
			log.Error().Str("path", path).Err(rmErr).Msg("shm create cleanup failed")
		}
		return nil, fmt.Errorf("shm create %s: %v: %w", path, err, retcode.GeneralError)
	}
	return &Segment{path: path, data: data}, nil
}

// Open maps an existing segment with its current size.
func Open(path string) (*Segment, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("shm open %s: %v: %w", path, err, retcode.GeneralError)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("shm stat %s: %v: %w", path, err, retcode.GeneralError)
	}
	if st.Size <= 0 {
		return nil, fmt.Errorf("shm open %s: empty segment: %w", path, retcode.GeneralError)
	}

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm mmap %s: %v: %w", path, err, retcode.GeneralError)
	}
	return &Segment{path: path, data: data}, nil
}

// Path returns the file backing the segment.
func (s *Segment) Path() string { return s.path }

// Bytes returns the mapped memory. It is invalid after Close.
func (s *Segment) Bytes() []byte { return s.data }

// Size returns the mapped length in bytes.
func (s *Segment) Size() int { return len(s.data) }

// Close unmaps the segment. Calling it twice is a no-op.
func (s *Segment) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	if err != nil {
		return fmt.Errorf("shm munmap %s: %w", s.path, err)
	}
	return nil
}

// Unlink removes the backing file. Existing mappings stay valid.
func (s *Segment) Unlink() error {
	if err := unix.Unlink(s.path); err != nil && err != unix.ENOENT {
		return fmt.Errorf("shm unlink %s: %w", s.path, err)
	}
	return nil
}
