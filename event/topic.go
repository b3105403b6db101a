package event

import "time"

// Topics published by the runtime.
const (
	// ReloadConfig carries a new *config.Config.
	ReloadConfig = "ReloadConfig"
	// ProviderOnline carries an sd.ProviderOnline.
	ProviderOnline = "ProviderOnline"
	// ProviderOffline carries an sd.ProviderOffline.
	ProviderOffline = "ProviderOffline"
	// SocketOffline carries an sd.SocketOffline.
	SocketOffline = "SocketOffline"
)

type subscription struct {
	id uint64
	fn Subscriber
}

// Topic subscription list for a single topic.
type Topic struct {
	timeout     time.Duration // Publish timeout, 0 waits forever.
	subscribers []subscription
}
