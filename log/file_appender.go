package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	_defaultFileMode = 0o644
	_defaultDirMode  = 0o755
)

// FileAppender writes log lines to a file and rotates it by size. A rotated file is
// renamed to "<path>.<yyyymmdd-hhmmss>" and a fresh file is opened.
type FileAppender struct {
	lock     sync.Mutex
	fileName string
	splitMB  int
	fileFd   *os.File
	size     int64
}

// NewFileAppender opens (or creates) the configured log file.
func NewFileAppender(cfg *LogCfg) (*FileAppender, error) {
	a := &FileAppender{
		fileName: cfg.LogPath,
		splitMB:  cfg.FileSplitMB,
	}
	if err := a.open(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *FileAppender) open() error {
	if err := os.MkdirAll(filepath.Dir(a.fileName), _defaultDirMode); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	fd, err := os.OpenFile(a.fileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, _defaultFileMode)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	fi, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	a.fileFd = fd
	a.size = fi.Size()
	return nil
}

func (a *FileAppender) rotate(now time.Time) error {
	if a.fileFd != nil {
		if err := a.fileFd.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
		a.fileFd = nil
	}
	backup := a.fileName + "." + now.Format("20060102-150405.000")
	if err := os.Rename(a.fileName, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("move log file: %w", err)
	}
	return a.open()
}

// Write appends buf, rotating first when the file is full.
func (a *FileAppender) Write(buf []byte) (int, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.fileFd == nil {
		return 0, os.ErrClosed
	}
	if a.size+int64(len(buf)) > int64(a.splitMB)<<20 {
		if err := a.rotate(time.Now()); err != nil {
			return 0, err
		}
	}
	n, err := a.fileFd.Write(buf)
	a.size += int64(n)
	return n, err
}

// Refresh syncs the file to disk.
func (a *FileAppender) Refresh() error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.fileFd == nil {
		return nil
	}
	return a.fileFd.Sync()
}

// Close closes the current file.
func (a *FileAppender) Close() error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.fileFd == nil {
		return nil
	}
	err := a.fileFd.Close()
	a.fileFd = nil
	return err
}
