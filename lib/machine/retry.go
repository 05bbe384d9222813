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
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/stratadb/strata/lib/defaults"
	"github.com/stratadb/strata/lib/utils"
)

// Backoff selects how retry delays grow between attempts.
type Backoff string

const (
	// BackoffExponential doubles the delay each attempt.
	BackoffExponential Backoff = "exponential"
	// BackoffLinear grows the delay by InitialDelay each attempt.
	BackoffLinear Backoff = "linear"
	// BackoffFixed keeps the delay constant.
	BackoffFixed Backoff = "fixed"
)

// RetryPolicy bounds how failing actions are retried. Policies layer:
// the engine policy is overridden field by field per machine, then per
// state; zero values inherit from the layer below.
type RetryPolicy struct {
	// MaxAttempts is the retry budget after the first attempt.
	// Negative disables retries.
	MaxAttempts int
	// Backoff selects the delay curve.
	Backoff Backoff
	// InitialDelay seeds the delay curve. Negative retries
	// immediately.
	InitialDelay time.Duration
	// MaxDelay caps the delay after jitter.
	MaxDelay time.Duration
	// RetriableErrors, when set, is an allowlist: only failures whose
	// message contains one of the fragments are retried.
	RetriableErrors []string
	// NonRetriableErrors short-circuits retries for matching failures.
	// It wins over RetriableErrors.
	NonRetriableErrors []string
	// OnRetry runs before each retry. Its failures are logged, never
	// propagated.
	OnRetry func(ctx context.Context, attempt int, err error) error
}

func (p *RetryPolicy) check() error {
	switch p.Backoff {
	case "", BackoffExponential, BackoffLinear, BackoffFixed:
	default:
		return trace.BadParameter("Backoff must be one of %q, %q or %q, got %q",
			BackoffExponential, BackoffLinear, BackoffFixed, p.Backoff)
	}
	return nil
}

// mergeRetry layers policies over the engine defaults, later layers
// overriding earlier ones field by field. Nil layers are skipped.
func mergeRetry(layers ...*RetryPolicy) RetryPolicy {
	merged := RetryPolicy{
		MaxAttempts:  defaults.RetryMaxAttempts,
		Backoff:      BackoffExponential,
		InitialDelay: defaults.RetryInitialDelay,
		MaxDelay:     defaults.RetryMaxDelay,
	}
	for _, layer := range layers {
		if layer == nil {
			continue
		}
		if layer.MaxAttempts != 0 {
			merged.MaxAttempts = layer.MaxAttempts
		}
		if layer.Backoff != "" {
			merged.Backoff = layer.Backoff
		}
		if layer.InitialDelay != 0 {
			merged.InitialDelay = layer.InitialDelay
		}
		if layer.MaxDelay != 0 {
			merged.MaxDelay = layer.MaxDelay
		}
		if layer.RetriableErrors != nil {
			merged.RetriableErrors = layer.RetriableErrors
		}
		if layer.NonRetriableErrors != nil {
			merged.NonRetriableErrors = layer.NonRetriableErrors
		}
		if layer.OnRetry != nil {
			merged.OnRetry = layer.OnRetry
		}
	}
	return merged
}

// persistence strips classification and hooks: storage writes always
// qualify for the full retry budget with exponential backoff.
func (p RetryPolicy) persistence() RetryPolicy {
	p.Backoff = BackoffExponential
	p.RetriableErrors = nil
	p.NonRetriableErrors = nil
	p.OnRetry = nil
	return p
}

// retriable reports whether err qualifies for another attempt.
func (p RetryPolicy) retriable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, frag := range p.NonRetriableErrors {
		if strings.Contains(msg, frag) {
			return false
		}
	}
	if len(p.RetriableErrors) == 0 {
		return true
	}
	for _, frag := range p.RetriableErrors {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// retryJitter spreads delays within [0.8d, 1.2d) so concurrent
// retriers drift apart.
var retryJitter = newRetryJitter()

func newRetryJitter() utils.Jitter {
	proportional := utils.NewProportionalJitter(0.5)
	return func(d time.Duration) time.Duration {
		return proportional(4 * d / 5)
	}
}

// delay computes the jittered pause before the given retry, starting
// at 1. The MaxDelay cap applies after jitter.
func (p RetryPolicy) delay(retry int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	base := p.InitialDelay
	switch p.Backoff {
	case BackoffLinear:
		base = p.InitialDelay * time.Duration(retry)
	case BackoffFixed:
	default:
		shift := retry - 1
		if shift > 30 {
			shift = 30
		}
		base = p.InitialDelay << shift
	}
	d := retryJitter(base)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// retry runs fn under the policy. kind names the operation for logs
// and error context.
func (p *Plugin) retry(ctx context.Context, policy RetryPolicy, kind string, fn func(context.Context) error) error {
	budget := policy.MaxAttempts
	if budget < 0 {
		budget = 0
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt == budget {
			break
		}
		if !policy.retriable(err) {
			return trace.Wrap(err, "%s failed", kind)
		}
		if policy.OnRetry != nil {
			if hookErr := policy.OnRetry(ctx, attempt+1, err); hookErr != nil {
				p.Logger().WarnContext(ctx, "Retry hook failed.",
					"kind", kind, "error", hookErr)
			}
		}
		if delay := policy.delay(attempt + 1); delay > 0 {
			select {
			case <-p.cfg.Clock.After(delay):
			case <-ctx.Done():
				return trace.Wrap(ctx.Err())
			}
		}
		p.Logger().DebugContext(ctx, "Retrying.",
			"kind", kind, "attempt", attempt+1, "error", err)
	}
	return trace.Wrap(err, "%s failed after %v attempts", kind, budget+1)
}
