package log

import "sync/atomic"

// Logger is a leveled structured logger.
type Logger interface {
	Trace() *LogEvent
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	GetAppender() []LogAppender
	AddAppender(appender LogAppender)
	OnEventEnd(e *LogEvent)
}

var _defaultLogger atomic.Pointer[ProcLogger]

func init() {
	_defaultLogger.Store(NewLogger(getDefaultCfg()))
}

// Initialize replaces the default logger with one built from cfg.
// A nil cfg selects console-only output at info level.
func Initialize(cfg *LogCfg) error {
	if cfg == nil {
		cfg = getDefaultCfg()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	l, err := NewFileLogger(cfg)
	if err != nil {
		return err
	}
	SetDefaultLogger(l)
	return nil
}

// Default returns the package-level logger.
func Default() *ProcLogger {
	return _defaultLogger.Load()
}

// SetDefaultLogger replaces the package-level logger.
func SetDefaultLogger(logger *ProcLogger) {
	_defaultLogger.Store(logger)
}

// AddAppender adds an appender to the default logger.
func AddAppender(appender LogAppender) {
	Default().AddAppender(appender)
}

// Refresh flushes all appenders of the default logger.
func Refresh() {
	Default().Refresh()
}

// Close flushes and closes the default logger's appenders.
func Close() {
	Default().Close()
}

// Trace starts an event on the default logger.
func Trace() *LogEvent {
	return Default().Trace()
}

func Debug() *LogEvent {
	return Default().Debug()
}

// Info starts an event on the default logger.
func Info() *LogEvent {
	return Default().Info()
}

func Warn() *LogEvent {
	return Default().Warn()
}

func Error() *LogEvent {
	return Default().Error()
}

// Fatal creates a fatal event; ending it panics.
func Fatal() *LogEvent {
	return Default().Fatal()
}
