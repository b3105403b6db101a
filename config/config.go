// Package config is the process configuration. Every section lives next to the code
// it configures and is checked by its own Validate.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"

	"github.com/linchenxuan/pipc/log"
	"github.com/linchenxuan/pipc/network/dispatcher"
	"github.com/linchenxuan/pipc/network/protocol/session"
	"github.com/linchenxuan/pipc/network/socket"
	"github.com/linchenxuan/pipc/sd"
	"github.com/mitchellh/mapstructure"
)

// Section is one named, self-validating part of the configuration.
type Section interface {
	GetName() string
	Validate() error
}

// MaxEndpoints is the most sessions a provider can hold. Session id 255 is reserved.
const MaxEndpoints = session.MaxSessions

// Config is the root configuration of a PIPC process.
type Config struct {
	// Prefix is prepended to every shared-memory and socket path.
	Prefix string `mapstructure:"prefix"`
	// Perm is the mode of created shared-memory files. It is written as an octal string.
	Perm os.FileMode `mapstructure:"perm"`
	// ProcessName identifies the process to the daemon and selects its grants.
	ProcessName string `mapstructure:"processName"`
	// Endpoints is the number of sessions each provider can hold.
	Endpoints int `mapstructure:"endpoints"`

	Socket     socket.Config               `mapstructure:"socket"`
	Dispatcher dispatcher.DispatcherConfig `mapstructure:"dispatcher"`
	Log        log.LogCfg                  `mapstructure:"log"`
	Daemon     sd.Config                   `mapstructure:"daemon"`

	// Plugin is handed to plugin.Manager.SetupPlugins as is.
	Plugin map[string]any `mapstructure:"plugin"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() *Config {
	return &Config{
		Prefix:      "/dev/shm/pipc_",
		Perm:        0o600,
		ProcessName: filepath.Base(os.Args[0]),
		Endpoints:   32,
		Socket:      defaultSocket(),
		Dispatcher:  *dispatcher.DefaultConfig(),
		Log: log.LogCfg{
			LogLevel:          log.InfoLevel,
			FileSplitMB:       50,
			CallerSkip:        1,
			ConsoleAppender:   true,
			EnabledCallerInfo: true,
		},
		Daemon: sd.DefaultConfig(),
	}
}

// defaultSocket leaves Perm unset so that Validate can fill it from the root perm.
func defaultSocket() socket.Config {
	sc := socket.DefaultConfig()
	sc.Perm = 0
	return sc
}

// GetName implements Section.
func (c *Config) GetName() string {
	return "pipc"
}

// Validate checks the root keys and then every section. Perm is copied to the socket
// section when that one sets none.
func (c *Config) Validate() error {
	if c.Prefix == "" {
		return fmt.Errorf("prefix cannot be empty")
	}
	if c.ProcessName == "" {
		return fmt.Errorf("processName cannot be empty")
	}
	if c.Endpoints <= 0 || c.Endpoints > MaxEndpoints {
		return fmt.Errorf("endpoints must be in [1,%d], got %d", MaxEndpoints, c.Endpoints)
	}
	if c.Socket.Perm == 0 {
		c.Socket.Perm = c.Perm
	}
	for _, s := range c.sections() {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.GetName(), err)
		}
	}
	return nil
}

func (c *Config) sections() []Section {
	return []Section{&c.Socket, &c.Dispatcher, &c.Log, &c.Daemon}
}

// Paths names the files of this configuration's PIPC domain.
func (c *Config) Paths() sd.Paths {
	return sd.Paths{Prefix: c.Prefix}
}

// Decode overlays m on the defaults and validates the result.
func Decode(m map[string]any) (*Config, error) {
	cfg := Default()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			fileModeHook,
			logLevelHook,
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		Result:           cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads a JSON configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return Decode(m)
}

var (
	fileModeType = reflect.TypeOf(os.FileMode(0))
	levelType    = reflect.TypeOf(log.Level(0))
)

// fileModeHook reads "0600" style strings as octal.
func fileModeHook(from, to reflect.Type, data any) (any, error) {
	if to != fileModeType || from.Kind() != reflect.String {
		return data, nil
	}
	v, err := strconv.ParseUint(data.(string), 8, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid file mode %q: %w", data, err)
	}
	return os.FileMode(v), nil
}

func logLevelHook(from, to reflect.Type, data any) (any, error) {
	if to != levelType || from.Kind() != reflect.String {
		return data, nil
	}
	return log.ParseLevel(data.(string)), nil
}
