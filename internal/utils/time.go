package utils

import "time"

// NowUTC is truncated to milliseconds so values survive a BSON round trip unchanged.
func NowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
