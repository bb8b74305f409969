package plugin

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/linchenxuan/vigil/log"
	"github.com/mitchellh/mapstructure"
)

// DefaultInsName is the tag of the default instance of a type.
const DefaultInsName = "default"

var (
	ErrPluginNotFound      = errors.New("plugin not found")
	ErrDuplicatePlugin     = errors.New("duplicate plugin")
	ErrInvalidConfigFormat = errors.New("invalid config format")
	ErrConfigDecode        = errors.New("config decode error")
	ErrFactorySetup        = errors.New("factory setup error")
)

type instance struct {
	plugin  Plugin
	factory Factory
}

// Manager owns the registered factories and the instances built from configuration.
type Manager struct {
	lock      sync.RWMutex
	factories map[Type]map[string]Factory
	plugins   map[Type]map[string]instance
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{
		factories: make(map[Type]map[string]Factory),
		plugins:   make(map[Type]map[string]instance),
	}
}

// RegisterFactory makes f available to SetupPlugins. A later factory with the same type and
// name replaces the earlier one.
func (m *Manager) RegisterFactory(f Factory) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.factories[f.Type()] == nil {
		m.factories[f.Type()] = make(map[string]Factory)
	}
	m.factories[f.Type()][f.Name()] = f
}

// SetupPlugins builds every instance named in conf, laid out as type -> name -> settings.
// Sections of a type without registered factories are skipped with a warning. Types and
// names are processed in sorted order so failures are reproducible.
func (m *Manager) SetupPlugins(conf map[string]any) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, typeName := range slices.Sorted(maps.Keys(conf)) {
		typ := Type(typeName)
		factories, ok := m.factories[typ]
		if !ok {
			log.Warn().Str("type", typeName).Msg("no factory registered for plugin type")
			continue
		}

		section, ok := conf[typeName].(map[string]any)
		if !ok {
			return fmt.Errorf("%w for plugin type '%s'", ErrInvalidConfigFormat, typ)
		}
		for _, name := range slices.Sorted(maps.Keys(section)) {
			f, ok := factories[name]
			if !ok {
				return fmt.Errorf("%w: plugin factory not found for type '%s' and name '%s'", ErrPluginNotFound, typ, name)
			}
			if err := m.setupLocked(f, section[name]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) setupLocked(f Factory, raw any) error {
	typ, name := f.Type(), f.Name()
	settings, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("%w for plugin '%s':'%s'", ErrInvalidConfigFormat, typ, name)
	}

	cfg := f.ConfigType()
	if cfg == nil {
		return fmt.Errorf("%w: plugin factory '%s':'%s' did not provide a configuration type", ErrInvalidConfigFormat, typ, name)
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     cfg,
	})
	if err == nil {
		err = decoder.Decode(settings)
	}
	if err != nil {
		return fmt.Errorf("%w for plugin '%s':'%s': %v", ErrConfigDecode, typ, name, err)
	}

	// The tag, when present, names the instance.
	key := name
	if tag, ok := settings["tag"].(string); ok && tag != "" {
		key = tag
	}
	if _, exists := m.plugins[typ][key]; exists {
		return fmt.Errorf("%w: duplicate plugin tag/name '%s' for type '%s'", ErrDuplicatePlugin, key, typ)
	}

	p, err := f.Setup(cfg)
	if err != nil {
		return fmt.Errorf("%w for plugin '%s':'%s': %v", ErrFactorySetup, typ, name, err)
	}
	if m.plugins[typ] == nil {
		m.plugins[typ] = make(map[string]instance)
	}
	m.plugins[typ][key] = instance{plugin: p, factory: f}
	log.Info().Str("type", string(typ)).Str("name", name).Str("key", key).Msg("plugin setup")
	return nil
}

// GetPlugin returns the instance of typ keyed by its tag, or by its name when untagged.
func (m *Manager) GetPlugin(typ Type, key string) (Plugin, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	plugins, ok := m.plugins[typ]
	if !ok {
		return nil, fmt.Errorf("%w: no plugins found for type '%s'", ErrPluginNotFound, typ)
	}
	ins, ok := plugins[key]
	if !ok {
		return nil, fmt.Errorf("%w: plugin '%s' not found for type '%s'", ErrPluginNotFound, key, typ)
	}
	return ins.plugin, nil
}

// GetDefaultPlugin returns the instance of typ tagged DefaultInsName.
func (m *Manager) GetDefaultPlugin(typ Type) (Plugin, error) {
	return m.GetPlugin(typ, DefaultInsName)
}

// Plugins returns every instance of typ ordered by key.
func (m *Manager) Plugins(typ Type) []Plugin {
	m.lock.RLock()
	defer m.lock.RUnlock()

	out := make([]Plugin, 0, len(m.plugins[typ]))
	for _, k := range slices.Sorted(maps.Keys(m.plugins[typ])) {
		out = append(out, m.plugins[typ][k].plugin)
	}
	return out
}

// DestroyPlugins hands every instance back to its factory.
func (m *Manager) DestroyPlugins() {
	m.lock.Lock()
	defer m.lock.Unlock()

	for typ, plugins := range m.plugins {
		for key, ins := range plugins {
			ins.factory.Destroy(ins.plugin)
			log.Info().Str("type", string(typ)).Str("key", key).Msg("plugin destroyed")
		}
	}
	clear(m.plugins)
}
