package plugin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConfig struct {
	Endpoint string
	Interval time.Duration
	Tag      string
}

type mockFactory struct {
	ptype Type
	name  string

	setupCount   int
	destroyCount int
	lastConfig   *mockConfig
}

func (m *mockFactory) Type() Type      { return m.ptype }
func (m *mockFactory) Name() string    { return m.name }
func (m *mockFactory) ConfigType() any { return &mockConfig{} }
func (m *mockFactory) Setup(config any) (Plugin, error) {
	m.setupCount++
	m.lastConfig = config.(*mockConfig)
	return &mockPlugin{name: m.name}, nil
}
func (m *mockFactory) Destroy(p Plugin) {
	m.destroyCount++
}

type mockPlugin struct {
	name string
}

func (mp *mockPlugin) FactoryName() string {
	return mp.name
}

func TestManager(t *testing.T) {
	t.Run("RegisterFactory", func(t *testing.T) {
		f := &mockFactory{ptype: Reporter, name: "stdout"}
		manager := NewManager()
		manager.RegisterFactory(f)
		assert.Equal(t, f, manager.factories[Reporter]["stdout"])
	})

	t.Run("SetupAndGetPlugins", func(t *testing.T) {
		manager := NewManager()
		stdout := &mockFactory{ptype: Reporter, name: "stdout"}
		file := &mockFactory{ptype: Reporter, name: "file"}
		manager.RegisterFactory(stdout)
		manager.RegisterFactory(file)

		err := manager.SetupPlugins(map[string]any{
			"reporter": map[string]any{
				"stdout": map[string]any{
					"endpoint": "-",
					"interval": "5s",
					"tag":      "default",
				},
				"file": map[string]any{
					"endpoint": "/tmp/vigil.out",
				},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, stdout.lastConfig.Interval)

		p, err := manager.GetPlugin(Reporter, "default")
		require.NoError(t, err)
		assert.IsType(t, &mockPlugin{}, p)

		dp, err := manager.GetDefaultPlugin(Reporter)
		require.NoError(t, err)
		assert.Equal(t, p, dp)

		np, err := manager.GetPlugin(Reporter, "file")
		require.NoError(t, err)
		assert.Equal(t, "file", np.FactoryName())

		all := manager.Plugins(Reporter)
		require.Len(t, all, 2)
		assert.Equal(t, "stdout", all[0].FactoryName(), "ordered by key")
	})

	t.Run("DestroyPlugins", func(t *testing.T) {
		manager := NewManager()
		f := &mockFactory{ptype: Reporter, name: "stdout"}
		manager.RegisterFactory(f)
		require.NoError(t, manager.SetupPlugins(map[string]any{
			"reporter": map[string]any{"stdout": map[string]any{}},
		}))

		manager.DestroyPlugins()
		assert.Equal(t, 1, f.destroyCount)
		assert.Empty(t, manager.Plugins(Reporter))
		_, err := manager.GetPlugin(Reporter, "stdout")
		assert.ErrorIs(t, err, ErrPluginNotFound)
	})

	t.Run("ErrorOnDuplicateTag", func(t *testing.T) {
		manager := NewManager()
		a := &mockFactory{ptype: Reporter, name: "a"}
		b := &mockFactory{ptype: Reporter, name: "b"}
		manager.RegisterFactory(a)
		manager.RegisterFactory(b)

		err := manager.SetupPlugins(map[string]any{
			"reporter": map[string]any{
				"a": map[string]any{"tag": "default"},
				"b": map[string]any{"tag": "default"},
			},
		})
		assert.ErrorIs(t, err, ErrDuplicatePlugin)
		assert.Equal(t, 1, a.setupCount)
		assert.Zero(t, b.setupCount, "duplicate is rejected before setup")
	})

	t.Run("ErrorOnMissingFactory", func(t *testing.T) {
		manager := NewManager()
		manager.RegisterFactory(&mockFactory{ptype: Reporter, name: "stdout"})

		err := manager.SetupPlugins(map[string]any{
			"reporter": map[string]any{"nonexistent": map[string]any{}},
		})
		assert.ErrorIs(t, err, ErrPluginNotFound)
	})

	t.Run("UnknownTypeIgnored", func(t *testing.T) {
		manager := NewManager()
		err := manager.SetupPlugins(map[string]any{
			"unknown": map[string]any{"x": map[string]any{}},
		})
		assert.NoError(t, err)
	})

	t.Run("FailedDecoding_InvalidType", func(t *testing.T) {
		manager := NewManager()
		manager.RegisterFactory(&mockFactory{ptype: Reporter, name: "stdout"})

		err := manager.SetupPlugins(map[string]any{
			"reporter": map[string]any{
				"stdout": map[string]any{"endpoint": 123},
			},
		})
		assert.ErrorIs(t, err, ErrConfigDecode)
	})

	t.Run("FailedDecoding_InvalidFormat", func(t *testing.T) {
		manager := NewManager()
		manager.RegisterFactory(&mockFactory{ptype: Reporter, name: "stdout"})

		err := manager.SetupPlugins(map[string]any{"reporter": "not-a-map"})
		assert.ErrorIs(t, err, ErrInvalidConfigFormat)
	})
}
