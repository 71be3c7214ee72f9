package cachegate

import "time"

// Fresh reports whether an entry stored at storedAt is still within maxAge.
// An entry whose age equals maxAge is already stale.
func Fresh(storedAt time.Time, maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 || storedAt.IsZero() {
		return false
	}
	return now.Sub(storedAt) < maxAge
}
