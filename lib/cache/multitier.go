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

package cache

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gravitational/trace"
)

// Strategy selects how writes propagate through the tiers.
type Strategy string

const (
	// WriteThrough writes every tier synchronously.
	WriteThrough Strategy = "write-through"
	// WriteBack writes the first tier synchronously and the rest in
	// the background.
	WriteBack Strategy = "write-back"
	// ReadThrough writes only the last tier; upper tiers fill on
	// read promotion.
	ReadThrough Strategy = "read-through"
)

// MultiTierConfig configures the layered driver.
type MultiTierConfig struct {
	// Tiers are the layered drivers, fastest first. The last tier is
	// authoritative. The multi-tier driver owns them: Close closes
	// every tier.
	Tiers []Driver
	// Strategy is the write propagation mode. Defaults to
	// WriteThrough.
	Strategy Strategy
	// FallbackOnError serves reads from the next tier when one
	// errors, instead of failing the read.
	FallbackOnError bool
	// Logger emits structured logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *MultiTierConfig) CheckAndSetDefaults() error {
	if len(c.Tiers) < 2 {
		return trace.BadParameter("multi-tier requires at least two tiers, got %v", len(c.Tiers))
	}
	switch c.Strategy {
	case "":
		c.Strategy = WriteThrough
	case WriteThrough, WriteBack, ReadThrough:
	default:
		return trace.BadParameter("unknown strategy %q", c.Strategy)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// MultiTier layers drivers so that hot entries live in the fast upper
// tiers while the last tier holds everything. Hits promote entries
// into the tiers above the one that served them.
type MultiTier struct {
	cfg MultiTierConfig
	wg  sync.WaitGroup
}

// NewMultiTier returns a layered driver over cfg.Tiers.
func NewMultiTier(cfg MultiTierConfig) (*MultiTier, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &MultiTier{cfg: cfg}, nil
}

// Kind implements Driver.
func (m *MultiTier) Kind() DriverKind { return KindMultiTier }

// AddEvictionNotifier implements EvictionNotifier, forwarding to
// every tier that supports it.
func (m *MultiTier) AddEvictionNotifier(fn func(Eviction)) {
	for _, tier := range m.cfg.Tiers {
		if notifier, ok := tier.(EvictionNotifier); ok {
			notifier.AddEvictionNotifier(fn)
		}
	}
}

// last returns the authoritative tier.
func (m *MultiTier) last() Driver {
	return m.cfg.Tiers[len(m.cfg.Tiers)-1]
}

// Get implements Driver. Tiers are walked in order; a hit below the
// top promotes the entry into every tier above it.
func (m *MultiTier) Get(ctx context.Context, key string) ([]byte, error) {
	for i, tier := range m.cfg.Tiers {
		value, err := tier.Get(ctx, key)
		switch {
		case err == nil:
			m.promote(ctx, key, value, i)
			return value, nil
		case trace.IsNotFound(err):
			continue
		case m.cfg.FallbackOnError:
			m.cfg.Logger.WarnContext(ctx, "Cache tier failed, falling back.",
				"tier", tier.Kind(), "error", err)
			continue
		default:
			return nil, trace.Wrap(err)
		}
	}
	return nil, trace.NotFound("key %q is not cached", key)
}

// promote fills the tiers above the one that served a hit.
func (m *MultiTier) promote(ctx context.Context, key string, value []byte, servedBy int) {
	for i := servedBy - 1; i >= 0; i-- {
		if err := m.cfg.Tiers[i].Set(ctx, key, value); err != nil {
			m.cfg.Logger.WarnContext(ctx, "Cache promotion failed.",
				"tier", m.cfg.Tiers[i].Kind(), "error", err)
		}
	}
}

// Set implements Driver.
func (m *MultiTier) Set(ctx context.Context, key string, value []byte) error {
	switch m.cfg.Strategy {
	case WriteBack:
		if err := m.cfg.Tiers[0].Set(ctx, key, value); err != nil {
			return trace.Wrap(err)
		}
		lower := m.cfg.Tiers[1:]
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			// The write outlives the request that triggered it.
			ctx := context.WithoutCancel(ctx)
			for _, tier := range lower {
				if err := tier.Set(ctx, key, value); err != nil {
					m.cfg.Logger.WarnContext(ctx, "Write-back to cache tier failed.",
						"tier", tier.Kind(), "error", err)
				}
			}
		}()
		return nil
	case ReadThrough:
		return trace.Wrap(m.last().Set(ctx, key, value))
	default: // WriteThrough
		var errs []error
		stored := 0
		for _, tier := range m.cfg.Tiers {
			if err := tier.Set(ctx, key, value); err != nil {
				errs = append(errs, trace.Wrap(err))
				continue
			}
			stored++
		}
		if len(errs) == 0 {
			return nil
		}
		if m.cfg.FallbackOnError && stored > 0 {
			m.cfg.Logger.WarnContext(ctx, "Write-through skipped failing cache tiers.",
				"stored", stored, "failed", len(errs))
			return nil
		}
		return trace.NewAggregate(errs...)
	}
}

// Delete implements Driver. Every tier is cleared regardless of
// strategy so no stale copy survives.
func (m *MultiTier) Delete(ctx context.Context, key string) error {
	var errs []error
	for _, tier := range m.cfg.Tiers {
		if err := tier.Delete(ctx, key); err != nil && !trace.IsNotFound(err) {
			errs = append(errs, trace.Wrap(err))
		}
	}
	return trace.NewAggregate(errs...)
}

// Clear implements Driver. The count reported is the authoritative
// tier's.
func (m *MultiTier) Clear(ctx context.Context, prefix string) (int, error) {
	var errs []error
	removed := 0
	for i, tier := range m.cfg.Tiers {
		n, err := tier.Clear(ctx, prefix)
		if err != nil && !trace.IsNotFound(err) {
			errs = append(errs, trace.Wrap(err))
		}
		if i == len(m.cfg.Tiers)-1 {
			removed = n
		}
	}
	return removed, trace.NewAggregate(errs...)
}

// Keys implements Driver, listing the authoritative tier.
func (m *MultiTier) Keys(ctx context.Context, prefix string) ([]string, error) {
	return m.last().Keys(ctx, prefix)
}

// Size implements Driver, reporting the authoritative tier.
func (m *MultiTier) Size(ctx context.Context) (int, error) {
	return m.last().Size(ctx)
}

// Close implements Driver. Pending write-backs drain first.
func (m *MultiTier) Close() error {
	m.wg.Wait()
	var errs []error
	for _, tier := range m.cfg.Tiers {
		if err := tier.Close(); err != nil {
			errs = append(errs, trace.Wrap(err))
		}
	}
	return trace.NewAggregate(errs...)
}
