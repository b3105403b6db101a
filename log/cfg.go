package log

import (
	"errors"
	"fmt"
	"path/filepath"
)

// LogCfg configures the process logger. It is decoded from the "log" section of the
// process configuration.
type LogCfg struct {
	// LogPath is the target file when FileAppender is enabled.
	LogPath string `mapstructure:"path"`

	// LogLevel is the minimum level written.
	LogLevel Level `mapstructure:"level"`

	// FileSplitMB rotates the log file once it grows past this size.
	FileSplitMB int `mapstructure:"splitMB"`

	// CallerSkip is the number of extra stack frames to skip for caller info.
	CallerSkip int `mapstructure:"callerSkip"`

	FileAppender    bool `mapstructure:"fileAppender"`
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`
}

// GetName returns the configuration section name.
func (cfg *LogCfg) GetName() string {
	return "log"
}

// Validate checks the configuration and fills defaults for zero values.
func (cfg *LogCfg) Validate() error {
	if cfg.LogLevel == 0 {
		cfg.LogLevel = InfoLevel
	}
	if cfg.LogLevel < TraceLevel || cfg.LogLevel > FatalLevel {
		return fmt.Errorf("invalid log level: %d, must be between %d (Trace) and %d (Fatal)",
			cfg.LogLevel, TraceLevel, FatalLevel)
	}

	if cfg.FileSplitMB == 0 {
		cfg.FileSplitMB = 50
	}
	if cfg.FileSplitMB < 1 || cfg.FileSplitMB > 1024 {
		return fmt.Errorf("file split size must be between 1MB and 1024MB, got %dMB", cfg.FileSplitMB)
	}

	if cfg.CallerSkip < 0 {
		return fmt.Errorf("caller skip must be non-negative, got %d", cfg.CallerSkip)
	}

	if cfg.FileAppender {
		if cfg.LogPath == "" {
			return errors.New("log path cannot be empty when file appender is enabled")
		}
		cfg.LogPath = filepath.Clean(cfg.LogPath)
	}

	if !cfg.FileAppender && !cfg.ConsoleAppender {
		return errors.New("at least one appender (file or console) must be enabled")
	}
	return nil
}

func getDefaultCfg() *LogCfg {
	return &LogCfg{
		LogLevel:          InfoLevel,
		FileSplitMB:       50,
		CallerSkip:        1,
		ConsoleAppender:   true,
		EnabledCallerInfo: true,
	}
}
