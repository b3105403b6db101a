package log

// LogAppender is an output destination for formatted log lines.
// Implementations must be safe for concurrent use.
type LogAppender interface {
	// Write outputs one formatted line.
	Write(buf []byte) (n int, err error)

	// Refresh flushes buffered output.
	Refresh() error

	// Close flushes and releases the destination.
	Close() error
}
