package plugin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConfig struct {
	Addr string
	Tag  string
	Fail bool
}

func (c *mockConfig) Validate() error {
	if c.Fail {
		return errors.New("forced failure")
	}
	return nil
}

type mockFactory struct {
	typ          Type
	name         string
	setupCount   int
	destroyCount int
	lastCfg      *mockConfig
}

func (m *mockFactory) Type() Type      { return m.typ }
func (m *mockFactory) Name() string    { return m.name }
func (m *mockFactory) ConfigType() any { return &mockConfig{} }
func (m *mockFactory) Setup(cfg any) (Plugin, error) {
	m.setupCount++
	m.lastCfg = cfg.(*mockConfig)
	return &mockPlugin{name: m.name}, nil
}
func (m *mockFactory) Destroy(Plugin) { m.destroyCount++ }

type mockPlugin struct {
	name string
}

func (p *mockPlugin) FactoryName() string { return p.name }

func TestManager(t *testing.T) {
	t.Run("RegisterFactory", func(t *testing.T) {
		m := NewManager()
		f := &mockFactory{typ: Metrics, name: "prom"}
		m.RegisterFactory(f)
		assert.Equal(t, f, m.factories[Metrics]["prom"])
	})

	t.Run("SetupAndGetPlugins", func(t *testing.T) {
		m := NewManager()
		prom := &mockFactory{typ: Metrics, name: "prom"}
		other := &mockFactory{typ: Metrics, name: "other"}
		m.RegisterFactory(prom)
		m.RegisterFactory(other)

		err := m.SetupPlugins(map[string]any{
			"metrics": map[string]any{
				"prom":  map[string]any{"addr": ":9100", "tag": "default"},
				"other": map[string]any{},
			},
			"unknown": map[string]any{"x": map[string]any{}},
		})
		require.NoError(t, err)
		assert.Equal(t, ":9100", prom.lastCfg.Addr)

		p, err := m.GetPlugin(Metrics, "default")
		require.NoError(t, err)
		dp, err := m.GetDefaultPlugin(Metrics)
		require.NoError(t, err)
		assert.Equal(t, p, dp)
		assert.Equal(t, "prom", dp.FactoryName())

		_, err = m.GetPlugin(Metrics, "other")
		assert.NoError(t, err)
		_, err = m.GetPlugin(Metrics, "missing")
		assert.ErrorIs(t, err, ErrPluginNotFound)
		_, err = m.GetPlugin("unknown", "x")
		assert.ErrorIs(t, err, ErrPluginNotFound)
	})

	t.Run("DuplicateTag", func(t *testing.T) {
		m := NewManager()
		m.RegisterFactory(&mockFactory{typ: Metrics, name: "a"})
		m.RegisterFactory(&mockFactory{typ: Metrics, name: "b"})
		err := m.SetupPlugins(map[string]any{
			"metrics": map[string]any{
				"a": map[string]any{"tag": "default"},
				"b": map[string]any{"tag": "default"},
			},
		})
		assert.ErrorIs(t, err, ErrDuplicatePlugin)
	})

	t.Run("MissingFactory", func(t *testing.T) {
		m := NewManager()
		m.RegisterFactory(&mockFactory{typ: Metrics, name: "prom"})
		err := m.SetupPlugins(map[string]any{
			"metrics": map[string]any{"nonexistent": map[string]any{}},
		})
		assert.ErrorIs(t, err, ErrPluginNotFound)
	})

	t.Run("DecodeErrors", func(t *testing.T) {
		newManager := func() *Manager {
			m := NewManager()
			m.RegisterFactory(&mockFactory{typ: Metrics, name: "prom"})
			return m
		}

		err := newManager().SetupPlugins(map[string]any{
			"metrics": map[string]any{"prom": map[string]any{"addr": 123}},
		})
		assert.ErrorIs(t, err, ErrConfigDecode)

		err = newManager().SetupPlugins(map[string]any{"metrics": "not-a-map"})
		assert.ErrorIs(t, err, ErrInvalidConfigFormat)

		err = newManager().SetupPlugins(map[string]any{
			"metrics": map[string]any{"prom": "not-a-map"},
		})
		assert.ErrorIs(t, err, ErrInvalidConfigFormat)

		err = newManager().SetupPlugins(map[string]any{
			"metrics": map[string]any{"prom": map[string]any{"fail": true}},
		})
		assert.ErrorIs(t, err, ErrConfigDecode)
	})

	t.Run("DestroyPlugins", func(t *testing.T) {
		m := NewManager()
		f := &mockFactory{typ: Metrics, name: "prom"}
		m.RegisterFactory(f)
		require.NoError(t, m.SetupPlugins(map[string]any{
			"metrics": map[string]any{"prom": map[string]any{}},
		}))
		assert.Equal(t, 1, f.setupCount)

		m.DestroyPlugins()
		assert.Equal(t, 1, f.destroyCount)
		_, err := m.GetPlugin(Metrics, "prom")
		assert.ErrorIs(t, err, ErrPluginNotFound)

		m.DestroyPlugins()
		assert.Equal(t, 1, f.destroyCount)
	})
}
