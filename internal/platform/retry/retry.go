// Package retry implements the retry policy used for calls to external
// dependencies. The policy is an explicit value so that callers declare
// their attempt budget and backoff instead of open-coding loops.
package retry

import (
	"context"
	"time"
)

// Policy describes how often an operation is attempted and how long to wait
// between attempts. The delay doubles after every failed attempt starting
// from BaseDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Do runs op up to MaxAttempts times, sleeping BaseDelay*2^n between
// attempts. It returns nil on the first success, the last error once the
// budget is exhausted, or the context error if ctx is done while waiting.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := p.BaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = op(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}
