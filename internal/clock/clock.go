// Package clock converts between the store's unix-millisecond timestamps
// and the RFC3339 strings exposed to subscribers. Published message shapes
// never carry store-native timestamp values.
package clock

import "time"

// NowMillis returns the current wall clock in unix milliseconds, the
// store's native representation.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// ToISO converts a unix-millisecond timestamp to an RFC3339 UTC string.
// Zero maps to the empty string (field absent).
func ToISO(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// MapToISO converts a per-user millisecond timestamp map to RFC3339
// strings, skipping zero entries. Returns nil for an empty input.
func MapToISO(m map[string]int64) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v != 0 {
			out[k] = ToISO(v)
		}
	}
	return out
}
