package log

import (
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ProcLogger is the logger used by every PIPC process. Events are pooled and
// written to all appenders when ended.
//
//	logger := NewLogger(&LogCfg{LogLevel: InfoLevel, ConsoleAppender: true})
//	logger.Info().Uint16("node", 3).Msg("registered")
type ProcLogger struct {
	lock              sync.RWMutex
	appenders         []LogAppender
	minLevel          atomic.Int32
	callerSkip        int
	eventPool         *sync.Pool
	callerCache       sync.Map
	enabledCallerInfo bool
	fields            []byte
}

// NewLogger creates a logger with a console appender when cfg asks for one.
// File output is set up by NewFileLogger, which can fail.
func NewLogger(cfg *LogCfg) *ProcLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}

	logger := &ProcLogger{
		callerSkip:        cfg.CallerSkip,
		enabledCallerInfo: cfg.EnabledCallerInfo,
	}
	logger.minLevel.Store(int32(cfg.LogLevel))
	logger.eventPool = &sync.Pool{
		New: func() any {
			return newEvent(logger)
		},
	}

	if cfg.ConsoleAppender {
		logger.AddAppender(NewConsoleAppender())
	}
	return logger
}

// NewFileLogger creates a logger with every appender cfg enables.
func NewFileLogger(cfg *LogCfg) (*ProcLogger, error) {
	logger := NewLogger(cfg)
	if cfg.FileAppender {
		a, err := NewFileAppender(cfg)
		if err != nil {
			return nil, err
		}
		logger.AddAppender(a)
	}
	return logger, nil
}

// With returns a child logger that prefixes every event with a string field.
// Appenders are shared with the parent.
func (x *ProcLogger) With(key, value string) *ProcLogger {
	x.lock.RLock()
	appenders := append([]LogAppender(nil), x.appenders...)
	x.lock.RUnlock()

	child := &ProcLogger{
		appenders:         appenders,
		callerSkip:        x.callerSkip,
		enabledCallerInfo: x.enabledCallerInfo,
	}
	child.minLevel.Store(x.minLevel.Load())
	child.eventPool = &sync.Pool{
		New: func() any {
			return newEvent(child)
		},
	}

	e := newEvent(child)
	e.buf.Write(x.fields)
	e.Str(key, value)
	child.fields = append([]byte(nil), e.buf.Bytes()...)
	return child
}

// SetLevel changes the minimum level at runtime.
func (x *ProcLogger) SetLevel(level Level) {
	x.minLevel.Store(int32(level))
}

func (x *ProcLogger) checkLevel(level Level) bool {
	return Level(x.minLevel.Load()) <= level
}

// AddAppender adds an output for every later event.
func (x *ProcLogger) AddAppender(appender LogAppender) {
	x.lock.Lock()
	defer x.lock.Unlock()
	x.appenders = append(x.appenders, appender)
}

// GetAppender returns the current outputs.
func (x *ProcLogger) GetAppender() []LogAppender {
	x.lock.RLock()
	defer x.lock.RUnlock()
	return append([]LogAppender(nil), x.appenders...)
}

// Refresh flushes every appender.
func (x *ProcLogger) Refresh() {
	for _, appender := range x.GetAppender() {
		_ = appender.Refresh()
	}
}

// Close closes every appender.
func (x *ProcLogger) Close() {
	for _, appender := range x.GetAppender() {
		_ = appender.Close()
	}
}

// OnEventEnd writes a finished event and recycles it. Fatal events panic
// after they are written.
func (x *ProcLogger) OnEventEnd(e *LogEvent) {
	x.lock.RLock()
	for _, appender := range x.appenders {
		_, _ = appender.Write(e.buf.Bytes())
	}
	x.lock.RUnlock()

	if e.level == FatalLevel {
		panic(strings.TrimSpace(e.buf.String()))
	}
	x.eventPool.Put(e)
}

// Trace and the other level methods start an event, or return nil below the minimum level.
func (x *ProcLogger) Trace() *LogEvent { return x.log(TraceLevel) }
func (x *ProcLogger) Debug() *LogEvent { return x.log(DebugLevel) }
func (x *ProcLogger) Info() *LogEvent  { return x.log(InfoLevel) }
func (x *ProcLogger) Warn() *LogEvent  { return x.log(WarnLevel) }
func (x *ProcLogger) Error() *LogEvent { return x.log(ErrorLevel) }
func (x *ProcLogger) Fatal() *LogEvent { return x.log(FatalLevel) }

// getCallerInfo resolves the caller of the public logging method, caching by pc.
func (x *ProcLogger) getCallerInfo() *callerInfo {
	pc, file, line, ok := runtime.Caller(3 + x.callerSkip)
	if !ok {
		return _unknownCallerInfo
	}
	if cached, found := x.callerCache.Load(pc); found {
		return cached.(*callerInfo)
	}

	c := resolveCaller(pc, file, line)
	x.callerCache.Store(pc, c)
	return c
}

func (x *ProcLogger) log(level Level) *LogEvent {
	if !x.checkLevel(level) {
		return nil
	}

	e := x.eventPool.Get().(*LogEvent)
	e.Reset()
	e.level = level

	t := time.Now()
	e.Time("time", &t)
	e.Str("level", level.String())
	if x.enabledCallerInfo {
		e.Str("caller", x.getCallerInfo().String())
	}
	if len(x.fields) > 0 {
		e.buf.WriteByte(',')
		e.buf.Write(x.fields)
	}
	return e
}
