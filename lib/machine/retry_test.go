// Strata
// Copyright (C) 2024 StrataDB, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package machine

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/lib/defaults"
)

func TestMergeRetry(t *testing.T) {
	t.Run("engine defaults", func(t *testing.T) {
		merged := mergeRetry()
		require.Equal(t, defaults.RetryMaxAttempts, merged.MaxAttempts)
		require.Equal(t, BackoffExponential, merged.Backoff)
		require.Equal(t, defaults.RetryInitialDelay, merged.InitialDelay)
		require.Equal(t, defaults.RetryMaxDelay, merged.MaxDelay)
	})

	t.Run("later layers win field by field", func(t *testing.T) {
		global := &RetryPolicy{MaxAttempts: 5}
		machine := &RetryPolicy{Backoff: BackoffLinear}
		state := &RetryPolicy{MaxAttempts: 1, InitialDelay: 2 * time.Second}
		merged := mergeRetry(global, machine, state)
		require.Equal(t, 1, merged.MaxAttempts)
		require.Equal(t, BackoffLinear, merged.Backoff)
		require.Equal(t, 2*time.Second, merged.InitialDelay)
		require.Equal(t, defaults.RetryMaxDelay, merged.MaxDelay)
	})

	t.Run("nil layers are skipped", func(t *testing.T) {
		merged := mergeRetry(nil, &RetryPolicy{MaxAttempts: -1}, nil)
		require.Equal(t, -1, merged.MaxAttempts)
	})

	t.Run("classification lists replace, not append", func(t *testing.T) {
		lower := &RetryPolicy{RetriableErrors: []string{"timeout"}}
		upper := &RetryPolicy{RetriableErrors: []string{"unavailable"}}
		merged := mergeRetry(lower, upper)
		require.Equal(t, []string{"unavailable"}, merged.RetriableErrors)
	})
}

func TestRetryPolicyClassification(t *testing.T) {
	err := trace.ConnectionProblem(nil, "gateway timeout while capturing")

	require.False(t, RetryPolicy{}.retriable(nil))
	require.True(t, RetryPolicy{}.retriable(err))
	require.False(t, RetryPolicy{NonRetriableErrors: []string{"gateway timeout"}}.retriable(err))
	require.True(t, RetryPolicy{RetriableErrors: []string{"gateway timeout"}}.retriable(err))
	require.False(t, RetryPolicy{RetriableErrors: []string{"unavailable"}}.retriable(err))

	// The denylist wins when both match.
	both := RetryPolicy{
		RetriableErrors:    []string{"gateway timeout"},
		NonRetriableErrors: []string{"capturing"},
	}
	require.False(t, both.retriable(err))
}

func TestRetryPolicyDelay(t *testing.T) {
	within := func(t *testing.T, p RetryPolicy, retry int, lo, hi time.Duration) {
		t.Helper()
		for range 100 {
			d := p.delay(retry)
			require.GreaterOrEqual(t, d, lo)
			require.Less(t, d, hi)
		}
	}

	t.Run("zero and negative seeds skip the pause", func(t *testing.T) {
		require.Zero(t, RetryPolicy{Backoff: BackoffExponential}.delay(1))
		require.Zero(t, RetryPolicy{InitialDelay: -time.Second}.delay(3))
	})

	t.Run("exponential", func(t *testing.T) {
		p := RetryPolicy{Backoff: BackoffExponential, InitialDelay: time.Second}
		within(t, p, 1, 800*time.Millisecond, 1200*time.Millisecond)
		within(t, p, 3, 3200*time.Millisecond, 4800*time.Millisecond)
	})

	t.Run("linear", func(t *testing.T) {
		p := RetryPolicy{Backoff: BackoffLinear, InitialDelay: time.Second}
		within(t, p, 3, 2400*time.Millisecond, 3600*time.Millisecond)
	})

	t.Run("fixed", func(t *testing.T) {
		p := RetryPolicy{Backoff: BackoffFixed, InitialDelay: time.Second}
		within(t, p, 5, 800*time.Millisecond, 1200*time.Millisecond)
	})

	t.Run("cap applies after jitter", func(t *testing.T) {
		p := RetryPolicy{Backoff: BackoffExponential, InitialDelay: 10 * time.Second, MaxDelay: 2 * time.Second}
		for range 100 {
			require.Equal(t, 2*time.Second, p.delay(4))
		}
	})

	t.Run("deep retries do not overflow", func(t *testing.T) {
		p := RetryPolicy{Backoff: BackoffExponential, InitialDelay: time.Second, MaxDelay: 30 * time.Second}
		require.Equal(t, 30*time.Second, p.delay(100))
	})
}

func TestRetryPersistencePolicy(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:        7,
		Backoff:            BackoffFixed,
		InitialDelay:       time.Second,
		MaxDelay:           time.Minute,
		RetriableErrors:    []string{"timeout"},
		NonRetriableErrors: []string{"declined"},
		OnRetry:            func(ctx context.Context, attempt int, err error) error { return nil },
	}
	stripped := p.persistence()
	require.Equal(t, 7, stripped.MaxAttempts)
	require.Equal(t, BackoffExponential, stripped.Backoff)
	require.Equal(t, time.Second, stripped.InitialDelay)
	require.Equal(t, time.Minute, stripped.MaxDelay)
	require.Nil(t, stripped.RetriableErrors)
	require.Nil(t, stripped.NonRetriableErrors)
	require.Nil(t, stripped.OnRetry)
}

func TestRetryRunner(t *testing.T) {
	ctx := context.Background()
	pack := newMachinePack(t, Config{
		Machines: map[string]Machine{
			"noop": {InitialState: "idle", States: map[string]State{"idle": {}}},
		},
	}, nil)

	t.Run("first attempt success", func(t *testing.T) {
		calls := 0
		err := pack.plugin.retry(ctx, RetryPolicy{MaxAttempts: 3, InitialDelay: -1}, "entry action", func(ctx context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, calls)
	})

	t.Run("budget exhaustion", func(t *testing.T) {
		calls := 0
		err := pack.plugin.retry(ctx, RetryPolicy{MaxAttempts: 2, InitialDelay: -1}, "entry action", func(ctx context.Context) error {
			calls++
			return trace.ConnectionProblem(nil, "gateway timeout")
		})
		require.Error(t, err)
		require.ErrorContains(t, err, "entry action failed after 3 attempts")
		require.Equal(t, 3, calls)
	})

	t.Run("negative budget disables retries", func(t *testing.T) {
		calls := 0
		err := pack.plugin.retry(ctx, RetryPolicy{MaxAttempts: -1, InitialDelay: -1}, "exit action", func(ctx context.Context) error {
			calls++
			return trace.ConnectionProblem(nil, "gateway timeout")
		})
		require.Error(t, err)
		require.ErrorContains(t, err, "after 1 attempts")
		require.Equal(t, 1, calls)
	})

	t.Run("non-retriable short-circuits", func(t *testing.T) {
		calls := 0
		policy := RetryPolicy{MaxAttempts: 5, InitialDelay: -1, NonRetriableErrors: []string{"declined"}}
		err := pack.plugin.retry(ctx, policy, "exit action", func(ctx context.Context) error {
			calls++
			return trace.BadParameter("card declined")
		})
		require.Error(t, err)
		require.True(t, trace.IsBadParameter(err))
		require.Equal(t, 1, calls)
	})

	t.Run("hook failures are swallowed", func(t *testing.T) {
		calls := 0
		policy := RetryPolicy{
			MaxAttempts:  2,
			InitialDelay: -1,
			OnRetry: func(ctx context.Context, attempt int, err error) error {
				return trace.BadParameter("hook exploded")
			},
		}
		err := pack.plugin.retry(ctx, policy, "entry action", func(ctx context.Context) error {
			calls++
			if calls < 2 {
				return trace.ConnectionProblem(nil, "gateway timeout")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 2, calls)
	})

	t.Run("canceled context stops the pause", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		calls := 0
		err := pack.plugin.retry(canceled, RetryPolicy{MaxAttempts: 3, InitialDelay: time.Hour}, "entry action", func(ctx context.Context) error {
			calls++
			return trace.ConnectionProblem(nil, "gateway timeout")
		})
		require.Error(t, err)
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, calls)
	})
}
