// Package plugin builds optional agent components, such as local batch reporters, from the
// plugin section of the agent configuration.
package plugin

// Type groups plugins by the role they play in the agent.
type Type string

// Reporter plugins receive every harvested batch before delivery. Instances must implement
// metrics.Reporter to be attached to the harvest cycle.
const Reporter Type = "reporter"

// Factory creates and destroys the instances of one plugin implementation.
type Factory interface {
	Type() Type
	// Name is the key of the implementation inside its type section.
	Name() string
	// ConfigType returns a pointer to a zero config struct. The manager decodes the
	// instance settings into it with mapstructure before calling Setup.
	ConfigType() any
	Setup(cfg any) (Plugin, error)
	Destroy(p Plugin)
}

// Plugin is a running instance.
type Plugin interface {
	FactoryName() string
}
