// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package retry implements the exponential backoff policy shared by
// the storage backend and the snapshot engine: base 200ms, factor 2,
// capped at a configurable attempt count.
package retry

import (
	"context"

	"github.com/sandboxd/sandboxd/errs"
	"github.com/sandboxd/sandboxd/lib/clock"

	"time"
)

// Policy configures a retry loop.
type Policy struct {
	// BaseDelay is the delay before the first retry. Defaults to
	// 200ms if zero.
	BaseDelay time.Duration

	// Factor multiplies the delay after each attempt. Defaults to 2
	// if zero.
	Factor float64

	// MaxAttempts is the maximum number of attempts, including the
	// first. Defaults to 5 if zero.
	MaxAttempts int

	// Clock provides time for the backoff sleep. Defaults to
	// clock.Real() if nil.
	Clock clock.Clock
}

// DefaultPolicy returns the spec-mandated backoff: base 200ms, factor
// 2, max 5 attempts.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   200 * time.Millisecond,
		Factor:      2,
		MaxAttempts: 5,
		Clock:       clock.Real(),
	}
}

func (p Policy) normalized() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	if p.Factor <= 0 {
		p.Factor = 2
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.Clock == nil {
		p.Clock = clock.Real()
	}
	return p
}

// Do runs fn, retrying on errors tagged errs.Transient up to
// MaxAttempts, with exponential backoff between attempts. Any other
// error kind (or an untagged error) is returned immediately without
// retry. Context cancellation aborts the wait between attempts.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	policy = policy.normalized()

	delay := policy.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errs.Is(lastErr, errs.Transient) {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-policy.Clock.After(delay):
		}
		delay = time.Duration(float64(delay) * policy.Factor)
	}
	return errs.Wrap(errs.Fatal, lastErr, "retry: exhausted %d attempts", policy.MaxAttempts)
}
