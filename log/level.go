package log

import "strings"

// Level is the severity of a log event. Higher values are more severe.
type Level int8

const (
	// TraceLevel is for per-message tracing on hot paths (queue, listener).
	TraceLevel Level = iota + 1
	// DebugLevel is for protocol state transitions.
	DebugLevel
	// InfoLevel is for lifecycle events such as registration and offers.
	InfoLevel
	// WarnLevel is for dropped messages and benign races.
	WarnLevel
	// ErrorLevel is for failures the process survives.
	ErrorLevel
	// FatalLevel panics after the event is written.
	FatalLevel
)

// String returns the upper-case level name.
func (l Level) String() string {
	switch l {
	case TraceLevel:
		return "TRACE"
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name, case-insensitively. Unknown names map to InfoLevel.
func ParseLevel(levelStr string) Level {
	switch strings.ToUpper(levelStr) {
	case "TRACE":
		return TraceLevel
	case "DEBUG":
		return DebugLevel
	case "INFO":
		return InfoLevel
	case "WARN":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	case "FATAL":
		return FatalLevel
	}
	return InfoLevel
}
