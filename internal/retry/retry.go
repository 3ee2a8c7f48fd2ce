// Package retry runs bounded, cancellable retry and poll loops on top of a
// constant backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// ErrExhausted is returned by Poll when the condition never held.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Do calls op until it succeeds, returns a Permanent error, ctx is done or
// attempts calls have been made, sleeping interval between calls. The error
// of the last call is returned; if ctx ended the loop, ctx.Err() is returned
// instead.
func Do(ctx context.Context, attempts int, interval time.Duration, op func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)),
		ctx,
	)
	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return op(ctx)
	}, b)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Permanent marks err so that Do stops retrying and returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Poll evaluates cond immediately and then every interval, at most attempts
// times in total. It returns nil as soon as cond reports true, ErrExhausted
// when every attempt failed, or ctx.Err() when ctx ends first.
func Poll(ctx context.Context, attempts int, interval time.Duration, cond func(ctx context.Context) bool) error {
	err := Do(ctx, attempts, interval, func(ctx context.Context) error {
		if cond(ctx) {
			return nil
		}
		return ErrExhausted
	})
	return err
}
