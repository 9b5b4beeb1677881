package utils

import "time"

// unixMilliThreshold separates second from millisecond timestamps. Second values stay below
// it until the year 33658.
const unixMilliThreshold = 1e12

// Now returns the current time in UTC
func Now() time.Time {
	return time.Now().UTC()
}

// UnixToTime converts a platform timestamp to UTC. Platforms disagree on the unit, so values
// large enough to be milliseconds are read as milliseconds. Non-positive values give the zero time.
func UnixToTime(timestamp int64) time.Time {
	switch {
	case timestamp <= 0:
		return time.Time{}
	case timestamp >= unixMilliThreshold:
		return time.UnixMilli(timestamp).UTC()
	default:
		return time.Unix(timestamp, 0).UTC()
	}
}

// FormatISO8601 formats t as RFC3339 in UTC
func FormatISO8601(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
