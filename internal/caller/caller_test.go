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

package caller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/localsync/localsync-server/pkg/cache"
	"github.com/localsync/localsync-server/pkg/retry"
)

func TestCall_RetryBudget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(cache.New())

	wantErr := errors.New("remote unavailable")
	var calls int
	_, err := c.Call(ctx, "k", 0, retry.Policy{MaxRetries: 2}, func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got err %v, want %v", err, wantErr)
	}
	// Original call plus two retries.
	if calls != 3 {
		t.Errorf("got %d calls, want 3", calls)
	}
	if got := c.Attempts("k"); got != 3 {
		t.Errorf("Attempts = %d, want 3", got)
	}
}

func TestCall_SuccessStopsRetrying(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(cache.New())

	var calls int
	got, err := c.Call(ctx, "k", 0, retry.Policy{MaxRetries: 5}, func(ctx context.Context) (interface{}, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "ok" {
		t.Errorf("got %v, want ok", got)
	}
	if calls != 2 {
		t.Errorf("got %d calls, want 2", calls)
	}
}

func TestCall_CacheHitSkipsOperation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(cache.New())

	var calls int
	op := func(ctx context.Context) (interface{}, error) {
		calls++
		return calls, nil
	}

	got, err := c.Call(ctx, "k", time.Minute, retry.Policy{}, op)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Errorf("got %v, want 1", got)
	}

	got, err = c.Call(ctx, "k", time.Minute, retry.Policy{}, op)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Errorf("got %v from cache, want 1", got)
	}
	if calls != 1 {
		t.Errorf("operation ran %d times, want 1", calls)
	}
}

func TestCall_ZeroTTLNotCached(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(cache.New())

	var calls int
	op := func(ctx context.Context) (interface{}, error) {
		calls++
		return calls, nil
	}

	for i := 0; i < 2; i++ {
		if _, err := c.Call(ctx, "k", 0, retry.Policy{}, op); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 2 {
		t.Errorf("operation ran %d times, want 2", calls)
	}
}

func TestCall_FatalErrorNotRetried(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(cache.New())

	var calls int
	_, err := c.Call(ctx, "k", 0, retry.Policy{MaxRetries: 5}, func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, retry.MarkFatal(errors.New("bad request"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("got %d calls, want 1", calls)
	}
}

func TestCall_CancellationInterruptsBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	c := New(cache.New())

	policy := retry.Policy{MaxRetries: 1, BaseDelay: time.Minute}

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "k", 0, policy, func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("transient")
		})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got err %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("call did not return promptly after cancellation")
	}
}

func TestCall_InvalidateForcesRefetch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(cache.New())

	var calls int
	op := func(ctx context.Context) (interface{}, error) {
		calls++
		return calls, nil
	}

	if _, err := c.Call(ctx, "k", time.Minute, retry.Policy{}, op); err != nil {
		t.Fatal(err)
	}
	c.Invalidate("k")
	got, err := c.Call(ctx, "k", time.Minute, retry.Policy{}, op)
	if err != nil {
		t.Fatal(err)
	}
	if got != 2 {
		t.Errorf("got %v, want 2", got)
	}
}

func TestCall_NilCacheDisablesCaching(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(nil)

	var calls int
	op := func(ctx context.Context) (interface{}, error) {
		calls++
		return calls, nil
	}

	for i := 0; i < 2; i++ {
		if _, err := c.Call(ctx, "k", time.Minute, retry.Policy{}, op); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 2 {
		t.Errorf("operation ran %d times, want 2", calls)
	}
}
