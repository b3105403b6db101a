// Package metrics collects process metrics and hands them to pluggable reporters.
package metrics

// Policy is how successive values of one metric combine.
type Policy int

const (
	Policy_None Policy = iota
	Policy_Set         // last value wins
	Policy_Sum         // values accumulate
	Policy_Max         // highest value wins
)

// Value is a metric value.
type Value float64

// Dimension labels a metric observation.
type Dimension map[string]string

// Group names.
const (
	// GroupPIPC is the group of every metric emitted by this module.
	GroupPIPC = "pipc"
)

// Metric names. The comment tags list the group and dimensions used.
const (
	// NamePoolCreateTotal: objects created because a pool was empty.
	// group:pipc dimension:poolname
	NamePoolCreateTotal = "pool_create_total"

	// NameQueueFullTotal: sends rejected because the tx queue was full.
	// group:pipc dimension:socket
	NameQueueFullTotal = "queue_full_total"

	// NameQueueUsageMaxPercent: highest tx queue occupancy seen at send time.
	// group:pipc dimension:socket
	NameQueueUsageMaxPercent = "queue_usage_max_percent"

	// NameChecksumErrorTotal: protected slots that failed validation.
	// group:pipc dimension:socket
	NameChecksumErrorTotal = "checksum_error_total"

	// NameListenerFatalTotal: polls that failed after a successful wait.
	// group:pipc dimension:socket,retcode
	NameListenerFatalTotal = "listener_fatal_total"

	// NameDispatchRecvTotal: messages routed by the dispatcher.
	// group:pipc dimension:plane
	NameDispatchRecvTotal = "dispatch_recv_total"

	// NameDispatchUnknownPortTotal: messages for ports with no handler.
	// group:pipc dimension:port
	NameDispatchUnknownPortTotal = "dispatch_unknown_port_total"

	// NameDispatchLimitedTotal: messages that waited on the receive limiter.
	// group:pipc
	NameDispatchLimitedTotal = "dispatch_limited_total"

	// NameLayerDropTotal: messages dropped by layer validation.
	// group:pipc dimension:layer,retcode
	NameLayerDropTotal = "layer_drop_total"

	// NamePtmpSessions: sessions currently allocated by a provider.
	// group:pipc dimension:provider
	NamePtmpSessions = "ptmp_sessions"

	// NameSdProviders: providers registered with the daemon.
	// group:pipc
	NameSdProviders = "sd_providers"

	// NameSdUsers: users registered with the daemon.
	// group:pipc
	NameSdUsers = "sd_users"

	// NameSdNotifyQueueMax: deepest backlog of the find-service dispatcher.
	// group:pipc
	NameSdNotifyQueueMax = "sd_notify_queue_max"

	// NameCriticalErrorTotal: critical errors raised by a runtime.
	// group:pipc
	NameCriticalErrorTotal = "critical_error_total"
)

// Dimension keys.
const (
	DimPoolName = "poolname"
	DimSocket   = "socket"
	DimRetCode  = "retcode"
	DimPlane    = "plane"
	DimPort     = "port"
	DimLayer    = "layer"
	DimProvider = "provider"
)
