package journal

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// retryConfig controls retry behavior for transient SQLite errors.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// defaultRetryConfig is used for all journal writes.
var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// isTransientSQLiteErr reports whether err is BUSY, LOCKED or a WAL short
// read, any of which can clear up on retry. Typed driver errors are checked
// by code; anything else falls back to the message text.
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_IOERR_SHORT_READ:
			return true
		}
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",   // SQLITE_BUSY
		"(6)",   // SQLITE_LOCKED
		"(522)", // SQLITE_IOERR_SHORT_READ
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOp runs fn, retrying transient errors with exponential backoff and
// jitter. It stops early when ctx is done and returns the last error from
// fn.
func retryOp(ctx context.Context, cfg retryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransientSQLiteErr(lastErr) {
			return lastErr
		}
		if attempt == cfg.maxRetries {
			break
		}
		t := time.NewTimer(backoffDelay(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return lastErr
		case <-t.C:
		}
	}
	return lastErr
}

// backoffDelay is baseDelay * 2^attempt, capped at maxDelay, plus jitter in
// [0, baseDelay).
func backoffDelay(cfg retryConfig, attempt int) time.Duration {
	delay := cfg.baseDelay << uint(attempt)
	if delay > cfg.maxDelay || delay <= 0 {
		delay = cfg.maxDelay
	}
	if cfg.baseDelay <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int64N(int64(cfg.baseDelay)))
}
