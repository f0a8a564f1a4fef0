package quota

import "time"

// Tumbling window names. Token windows meter model tokens; request windows
// meter call counts. All windows are UTC-aligned.
const (
	WindowTokensPerMinute   = "tokens_per_minute"
	WindowTokensPerDay      = "tokens_per_day"
	WindowRequestsPerMinute = "requests_per_minute"
	WindowRequestsPerDay    = "requests_per_day"
)

// Windows lists every metered window.
var Windows = []string{
	WindowTokensPerMinute,
	WindowTokensPerDay,
	WindowRequestsPerMinute,
	WindowRequestsPerDay,
}

// DefaultLimits are the built-in Gemini free-tier shaped limits, overridable
// per service through persisted quota_limit rows.
var DefaultLimits = map[string]int64{
	WindowTokensPerMinute:   4_000_000,
	WindowTokensPerDay:      1_000_000_000,
	WindowRequestsPerMinute: 15,
	WindowRequestsPerDay:    1500,
}

// tokenWindow reports whether the window meters tokens rather than requests.
func tokenWindow(window string) bool {
	return window == WindowTokensPerMinute || window == WindowTokensPerDay
}

// windowLength returns the tumbling interval of the window.
func windowLength(window string) time.Duration {
	switch window {
	case WindowTokensPerMinute, WindowRequestsPerMinute:
		return time.Minute
	default:
		return 24 * time.Hour
	}
}

// windowStart truncates now to the window's UTC-aligned boundary.
func windowStart(window string, now time.Time) time.Time {
	return now.UTC().Truncate(windowLength(window))
}

// windowReset returns the instant the current window tumbles.
func windowReset(window string, now time.Time) time.Time {
	return windowStart(window, now).Add(windowLength(window))
}
