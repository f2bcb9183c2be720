package common

import "time"

// Freshness TTLs for data components
const (
	FreshnessFundamentals    = 7 * 24 * time.Hour
	FreshnessCorporateAction = 30 * 24 * time.Hour
)

// IsFresh returns true if the given timestamp is within the TTL
func IsFresh(updated time.Time, ttl time.Duration) bool {
	return IsFreshAt(updated, ttl, time.Now())
}

// IsFreshAt is IsFresh against an explicit clock.
func IsFreshAt(updated time.Time, ttl time.Duration, now time.Time) bool {
	if updated.IsZero() {
		return false
	}
	return now.Sub(updated) < ttl
}
