// Package retry wraps outbound gateway calls in an explicit, bounded retry policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofiber/fiber/v2/log"
)

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean a single attempt.
	MaxAttempts int
	NewBackOff  func() backoff.BackOff
	// Retryable decides whether a failed attempt may be repeated. Nil retries everything.
	Retryable func(error) bool
	// NeedsRefresh marks errors that Refresh can fix, e.g. expired credentials.
	NeedsRefresh func(error) bool
	Refresh      func(ctx context.Context) error
	// Name is used in log lines only.
	Name string
}

// Default returns a three attempt exponential policy suitable for gateway HTTP calls.
func Default(name string) Policy {
	return Policy{
		Name:        name,
		MaxAttempts: 3,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
	}
}

// Do runs op until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if p.NewBackOff != nil {
		b = p.NewBackOff()
	}
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if p.NeedsRefresh != nil && p.NeedsRefresh(err) {
			if p.Refresh == nil {
				return backoff.Permanent(err)
			}
			if rerr := p.Refresh(ctx); rerr != nil {
				return backoff.Permanent(fmt.Errorf("refresh after %w: %v", err, rerr))
			}
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		log.Warnf("[Retry] %s attempt %d/%d failed, retrying in %s: %v", p.name(), attempt, attempts, wait, err)
	}

	err := backoff.RetryNotify(wrapped, b, notify)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func (p Policy) name() string {
	if p.Name == "" {
		return "operation"
	}
	return p.Name
}
