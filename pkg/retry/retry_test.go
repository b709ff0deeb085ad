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

package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNextDelay_Budget(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 2, BaseDelay: time.Second}
	err := errors.New("transient")

	if d := p.NextDelay(0, err); !d.Retry {
		t.Errorf("attempt 0: expected retry, got stop")
	}
	if d := p.NextDelay(1, err); !d.Retry {
		t.Errorf("attempt 1: expected retry, got stop")
	}
	if d := p.NextDelay(2, err); d.Retry {
		t.Errorf("attempt 2: expected stop, got retry after %v", d.Delay)
	}
}

func TestNextDelay_ZeroPolicy(t *testing.T) {
	t.Parallel()

	var p Policy
	if d := p.NextDelay(0, errors.New("boom")); d.Retry {
		t.Errorf("zero policy should never retry")
	}
}

func TestNextDelay_Exponential(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 10, BaseDelay: 100 * time.Millisecond, Multiplier: 2.0}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(fmt.Sprintf("attempt_%d", tc.attempt), func(t *testing.T) {
			t.Parallel()

			d := p.NextDelay(tc.attempt, errors.New("transient"))
			if !d.Retry {
				t.Fatalf("expected retry")
			}
			if d.Delay != tc.want {
				t.Errorf("wrong delay want: %v, got: %v", tc.want, d.Delay)
			}
		})
	}
}

func TestNextDelay_ConstantBackoff(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 5, BaseDelay: 50 * time.Millisecond, Multiplier: 1.0}
	for attempt := 0; attempt < 5; attempt++ {
		d := p.NextDelay(attempt, errors.New("transient"))
		if !d.Retry {
			t.Fatalf("attempt %d: expected retry", attempt)
		}
		if d.Delay != 50*time.Millisecond {
			t.Errorf("attempt %d: wrong delay want: 50ms, got: %v", attempt, d.Delay)
		}
	}
}

func TestNextDelay_Clamp(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 20, BaseDelay: time.Second, Multiplier: 10.0, MaxDelay: 5 * time.Second}
	d := p.NextDelay(6, errors.New("transient"))
	if !d.Retry {
		t.Fatalf("expected retry")
	}
	if d.Delay != 5*time.Second {
		t.Errorf("wrong delay want: 5s, got: %v", d.Delay)
	}
}

func TestNextDelay_Jitter(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 5, BaseDelay: time.Second, Jitter: 100 * time.Millisecond}
	for i := 0; i < 100; i++ {
		d := p.NextDelay(0, errors.New("transient"))
		if !d.Retry {
			t.Fatalf("expected retry")
		}
		if d.Delay < 900*time.Millisecond || d.Delay > 1100*time.Millisecond {
			t.Fatalf("delay %v outside jitter window", d.Delay)
		}
	}
}

func TestNextDelay_FatalError(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 5, BaseDelay: time.Second}

	if d := p.NextDelay(0, MarkFatal(errors.New("denied"))); d.Retry {
		t.Errorf("fatal error should not be retried")
	}

	// Fatal marker survives wrapping.
	wrapped := fmt.Errorf("calling remote: %w", MarkFatal(errors.New("denied")))
	if d := p.NextDelay(0, wrapped); d.Retry {
		t.Errorf("wrapped fatal error should not be retried")
	}
}

func TestNextDelay_CustomPredicate(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("sentinel")
	p := Policy{
		MaxRetries: 5,
		BaseDelay:  time.Second,
		ShouldRetry: func(err error) bool {
			return !errors.Is(err, sentinel)
		},
	}

	if d := p.NextDelay(0, errors.New("other")); !d.Retry {
		t.Errorf("expected retry for non-sentinel error")
	}
	if d := p.NextDelay(0, sentinel); d.Retry {
		t.Errorf("expected stop for sentinel error")
	}
}

func TestMarkFatal_Nil(t *testing.T) {
	t.Parallel()

	if err := MarkFatal(nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if IsFatal(nil) {
		t.Error("nil is not fatal")
	}
}
