package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// retryTransient runs fn up to attempts times, sleeping backoff between tries,
// but only while transient(err) holds. Any other error returns at once.
func retryTransient(ctx context.Context, attempts int, backoff time.Duration, transient func(error) bool, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !transient(err) || attempt == attempts {
			return err
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// isTransientIOError matches the "disk I/O error" class that network and
// bind-mounted filesystems raise intermittently on open.
func isTransientIOError(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrIoErr {
		return true
	}
	return strings.Contains(err.Error(), "disk I/O error")
}
