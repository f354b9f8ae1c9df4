package dispatch

import "time"

// InQuietHours reports whether hour falls in the [start, end) window. start > end wraps midnight;
// start == end means no quiet window.
func InQuietHours(hour, start, end int) bool {
	switch {
	case start == end:
		return false
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}

// NextAllowed returns the first instant at local end:00 strictly after now.
func NextAllowed(now time.Time, loc *time.Location, end int) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), end, 0, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, end, 0, 0, 0, loc)
	}
	return next
}
