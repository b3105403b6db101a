package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufAppender struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *bufAppender) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}
func (b *bufAppender) Refresh() error { return nil }
func (b *bufAppender) Close() error   { return nil }

func (b *bufAppender) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func TestEventIsValidJSON(t *testing.T) {
	l := NewLogger(&LogCfg{LogLevel: DebugLevel})
	out := &bufAppender{}
	l.AddAppender(out)

	l.Info().Str("path", "/dev/shm/pipc_\"x\"").Uint16("node", 7).
		Err(errors.New("boom")).Bool("ok", true).Msg("socket created")

	lines := out.lines()
	require.Len(t, lines, 1)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &m))
	assert.Equal(t, "INFO", m["level"])
	assert.Equal(t, "socket created", m["msg"])
	assert.Equal(t, float64(7), m["node"])
	assert.Equal(t, "boom", m["error"])
	assert.Equal(t, `/dev/shm/pipc_"x"`, m["path"])
}

func TestLevelFilter(t *testing.T) {
	l := NewLogger(&LogCfg{LogLevel: WarnLevel})
	out := &bufAppender{}
	l.AddAppender(out)

	assert.Nil(t, l.Debug())
	l.Info().Msg("dropped")
	l.Warn().Msg("kept")
	assert.Equal(t, []string{"kept"}, msgs(t, out))

	l.SetLevel(DebugLevel)
	l.Debug().Msg("now kept")
	assert.Len(t, out.lines(), 2)
}

func TestWithPrefixesFields(t *testing.T) {
	l := NewLogger(&LogCfg{LogLevel: InfoLevel})
	out := &bufAppender{}
	l.AddAppender(out)

	child := l.With("component", "listener").With("socket", "s0")
	child.Info().Msg("started")

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out.lines()[0]), &m))
	assert.Equal(t, "listener", m["component"])
	assert.Equal(t, "s0", m["socket"])
}

func TestFatalPanics(t *testing.T) {
	l := NewLogger(&LogCfg{LogLevel: InfoLevel})
	l.AddAppender(&bufAppender{})
	assert.Panics(t, func() { l.Fatal().Msg("unrecoverable") })
}

func TestFileLogging(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "pipc.log")
	cfg := &LogCfg{
		LogPath:      logPath,
		LogLevel:     DebugLevel,
		FileAppender: true,
	}
	require.NoError(t, Initialize(cfg))
	defer func() { _ = Initialize(nil) }()

	Info().Msg("this is a test message")
	Refresh()
	Close()

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "this is a test message")
	assert.Contains(t, string(content), "INFO")
}

func TestFileRotation(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileAppender(&LogCfg{LogPath: filepath.Join(dir, "r.log"), FileSplitMB: 1})
	require.NoError(t, err)
	defer a.Close()

	line := bytes.Repeat([]byte("x"), 600<<10)
	_, err = a.Write(line)
	require.NoError(t, err)
	_, err = a.Write(line)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCfgValidate(t *testing.T) {
	cfg := &LogCfg{ConsoleAppender: true}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, InfoLevel, cfg.LogLevel)

	assert.Error(t, (&LogCfg{}).Validate())
	assert.Error(t, (&LogCfg{FileAppender: true}).Validate())
	assert.Error(t, (&LogCfg{ConsoleAppender: true, LogLevel: 9}).Validate())
	assert.Equal(t, WarnLevel, ParseLevel("warn"))
	assert.Equal(t, InfoLevel, ParseLevel("nope"))
}

func msgs(t *testing.T, out *bufAppender) []string {
	t.Helper()
	var res []string
	for _, line := range out.lines() {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		res = append(res, m["msg"].(string))
	}
	return res
}
