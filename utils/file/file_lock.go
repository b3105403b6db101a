// Package file provides advisory file locks.
package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/linchenxuan/pipc/log"
	"golang.org/x/sys/unix"
)

var (
	// ErrFileNotExist is returned by RLock when the file does not exist.
	ErrFileNotExist = errors.New("file not exist")
	// ErrLocked is returned when another holder has the lock.
	ErrLocked = errors.New("file locked")

	_fileMode fs.FileMode = 0o600
)

// FileLock is a non-blocking flock(2) on a file. The lock belongs to the open file
// and is dropped by the kernel when the process exits.
type FileLock struct {
	Path string
	File *os.File
}

// NewFileLock returns an unlocked lock on p.
func NewFileLock(p string) *FileLock {
	return &FileLock{
		Path: p,
	}
}

// IsLock reports whether another holder has an exclusive or shared lock on p.
func IsLock(p string) bool {
	fl := NewFileLock(p)
	if err := fl.Lock(); err != nil {
		return errors.Is(err, ErrLocked)
	}
	_ = fl.Unlock()
	return false
}

// Lock takes an exclusive lock, creating the file if needed.
func (l *FileLock) Lock() error {
	f, err := os.OpenFile(l.Path, os.O_RDWR|os.O_CREATE, _fileMode)
	if err != nil {
		return err
	}
	return l.flock(f, unix.LOCK_EX)
}

// RLock takes a shared lock on an existing file.
func (l *FileLock) RLock() error {
	f, err := os.OpenFile(l.Path, os.O_RDONLY, _fileMode)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrFileNotExist
		}
		return err
	}
	return l.flock(f, unix.LOCK_SH)
}

func (l *FileLock) flock(f *os.File, how int) error {
	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		if err2 := f.Close(); err2 != nil {
			log.Error().Err(err2).Str("path", l.Path).Msg("Close file fail")
		}
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%s: %w", l.Path, ErrLocked)
		}
		return fmt.Errorf("flock %s: %w", l.Path, err)
	}
	l.File = f
	return nil
}

// Unlock releases the lock and closes the file.
func (l *FileLock) Unlock() error {
	if l.File == nil {
		return nil
	}
	defer func() {
		l.File.Close()
		l.File = nil
	}()
	return unix.Flock(int(l.File.Fd()), unix.LOCK_UN)
}

// RUnlock releases a shared lock.
func (l *FileLock) RUnlock() error {
	return l.Unlock()
}
