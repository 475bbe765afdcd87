package recorder

import (
	"strings"
	"time"
)

const (
	busyRetries = 5
	busyBackoff = 10 * time.Millisecond
)

// isSQLiteBusy reports whether err is a transient SQLITE_BUSY failure.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy runs fn, retrying with a linear backoff while the database
// reports busy. Any other error is returned immediately.
func retryOnBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = fn()
		if !isSQLiteBusy(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * busyBackoff)
	}
	return err
}
