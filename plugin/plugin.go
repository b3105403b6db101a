// Package plugin sets up optional components (metrics reporters and the like) from
// the "plugin" section of the process configuration.
package plugin

// Type is the kind of a plugin.
type Type string

const (
	// Metrics reporters.
	Metrics Type = "metrics"
)

// Factory builds plugin instances of one implementation.
type Factory interface {
	Type() Type
	// Name is the implementation name, and the config key under the type section.
	Name() string
	// ConfigType returns a pointer to an empty config struct that the manager
	// decodes into with mapstructure.
	ConfigType() any
	Setup(any) (Plugin, error)
	Destroy(Plugin)
}

// Plugin is a running plugin instance.
type Plugin interface {
	FactoryName() string
}
