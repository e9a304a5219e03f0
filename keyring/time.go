package keyring

import "time"

// timeLayout is the RFC-3339 layout used throughout the credential core for
// `created`/`added` timestamps.
const timeLayout = time.RFC3339

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
