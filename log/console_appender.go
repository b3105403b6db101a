package log

import (
	"os"
)

// ConsoleAppender writes log lines to stderr, leaving stdout to the host program.
type ConsoleAppender struct{}

// NewConsoleAppender returns a stateless console appender.
func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{}
}

func (ca *ConsoleAppender) Write(buf []byte) (int, error) {
	return os.Stderr.Write(buf)
}

// Refresh is a no-op; writes are unbuffered.
func (ca *ConsoleAppender) Refresh() error {
	return nil
}

// Close is a no-op.
func (ca *ConsoleAppender) Close() error {
	return nil
}
