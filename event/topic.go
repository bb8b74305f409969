package event

import "time"

// Topics published by the agent.
const (
	// ChannelStateChanged carries a transport.StateChange whenever a channel changes state.
	ChannelStateChanged = "ChannelStateChanged"
	// HarvestCompleted carries a harvest.Report after every harvest tick.
	HarvestCompleted = "HarvestCompleted"
	// ReloadConfig carries a *config.AgentConfig when the agent configuration is reloaded.
	ReloadConfig = "ReloadConfig"
)

// Subscriber receives published values. It runs on its own goroutine.
type Subscriber func(param any)

// Topic subscription list for a single topic.
type Topic struct {
	timeout     time.Duration // Publish waits at most this long for subscribers.
	subscribers []Subscriber
}
