package app

// StopReason is used for structured shutdown tracing. It is also the reason
// recorded on a session that is still open when the app stops.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)
