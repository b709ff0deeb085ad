// Copyright 2024 the Localsync Server authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry provides a pure retry/backoff decision policy. The policy
// computes delays, it never sleeps; callers own the clock and cancellation.
package retry

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// Decision is the outcome of a single retry decision: either stop, or retry
// after the computed delay.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Stop is the decision to give up.
var Stop = Decision{}

// RetryAfter is the decision to retry after the given delay.
func RetryAfter(d time.Duration) Decision {
	return Decision{Retry: true, Delay: d}
}

// Policy is an immutable retry configuration. The zero value never retries.
type Policy struct {
	// MaxRetries is the number of retries after the original call.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// Multiplier grows the delay between successive retries. Values below 1.0
	// are treated as 1.0 (constant backoff).
	Multiplier float64

	// MaxDelay clamps the computed delay. Zero means no clamp.
	MaxDelay time.Duration

	// Jitter is a random offset drawn uniformly from [-Jitter, +Jitter] and
	// added to the computed delay, decorrelating simultaneous retries across
	// callers.
	Jitter time.Duration

	// ShouldRetry classifies an error as retriable. When nil, every error is
	// retriable unless it is marked fatal with MarkFatal.
	ShouldRetry func(error) bool
}

// NextDelay decides whether the call should be retried after the given error.
// attempt is the zero-based retry index: the original call is not a retry, so
// the first failure is decided with attempt 0. NextDelay is a pure function
// and is safe for concurrent use.
func (p Policy) NextDelay(attempt int, err error) Decision {
	if attempt >= p.MaxRetries {
		return Stop
	}
	if !p.shouldRetry(err) {
		return Stop
	}

	mult := p.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}

	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	d := time.Duration(delay)
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(2*p.Jitter))) - p.Jitter
	}
	if d < 0 {
		d = 0
	}
	return RetryAfter(d)
}

func (p Policy) shouldRetry(err error) bool {
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	return !IsFatal(err)
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return e.err.Error()
}

func (e *fatalError) Unwrap() error {
	return e.err
}

// MarkFatal marks an error as fatal so the default classification will not
// retry it. A nil error stays nil.
func MarkFatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err}
}

// IsFatal reports whether err was marked fatal anywhere in its chain.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
