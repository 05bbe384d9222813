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

package resource

import (
	"context"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareOrder(t *testing.T) {
	ctx := context.Background()
	r := newTestResource(t, Schema{})
	_, err := r.Insert(ctx, Record{"id": "x"})
	require.NoError(t, err)

	var order []string
	for _, tag := range []string{"a", "b", "c"} {
		require.NoError(t, r.UseMiddleware(MethodGet, func(ctx context.Context, call *Call, next Next) (Result, error) {
			order = append(order, tag+" in")
			res, err := next(ctx)
			order = append(order, tag+" out")
			return res, err
		}))
	}

	_, err = r.Get(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, []string{"a in", "b in", "c in", "c out", "b out", "a out"}, order)
}

func TestMiddlewareShortCircuit(t *testing.T) {
	ctx := context.Background()
	r := newTestResource(t, Schema{})

	canned := Record{"id": "cached", "from": "middleware"}
	require.NoError(t, r.UseMiddleware(MethodGet, func(ctx context.Context, call *Call, next Next) (Result, error) {
		return Result{Record: canned}, nil
	}))

	// The record does not exist; the middleware answers without
	// calling next, so no NotFound surfaces.
	rec, err := r.Get(ctx, "missing")
	require.NoError(t, err)
	require.Equal(t, canned, rec)
}

func TestMiddlewareSeesOptions(t *testing.T) {
	ctx := context.Background()
	r := newTestResource(t, Schema{})
	_, err := r.Insert(ctx, Record{"id": "x"})
	require.NoError(t, err)

	var sawSkip bool
	require.NoError(t, r.UseMiddleware(MethodGet, func(ctx context.Context, call *Call, next Next) (Result, error) {
		sawSkip = call.Options.SkipCache
		return next(ctx)
	}))

	_, err = r.Get(ctx, "x", WithSkipCache())
	require.NoError(t, err)
	require.True(t, sawSkip)
}

func TestWrapMethodComposesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestResource(t, Schema{})
	_, err := r.Insert(ctx, Record{"id": "x", "n": float64(1)})
	require.NoError(t, err)

	var calls []string
	first := func(ctx context.Context, result Result, call *Call) (Result, error) {
		calls = append(calls, "first")
		return result, nil
	}
	second := func(ctx context.Context, result Result, call *Call) (Result, error) {
		calls = append(calls, "second")
		return result, nil
	}

	require.NoError(t, r.WrapMethod(MethodGet, first))
	require.NoError(t, r.WrapMethod(MethodGet, second))
	// Same function registered again: no-op.
	require.NoError(t, r.WrapMethod(MethodGet, first))

	_, err = r.Get(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, calls)
}

func TestWrapperCanRewriteResult(t *testing.T) {
	ctx := context.Background()
	r := newTestResource(t, Schema{})
	_, err := r.Insert(ctx, Record{"id": "x"})
	require.NoError(t, err)

	require.NoError(t, r.WrapMethod(MethodGet, func(ctx context.Context, result Result, call *Call) (Result, error) {
		result.Record["decorated"] = true
		return result, nil
	}))

	rec, err := r.Get(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, true, rec["decorated"])
}

func TestRegistrationRemove(t *testing.T) {
	ctx := context.Background()
	r := newTestResource(t, Schema{})
	_, err := r.Insert(ctx, Record{"id": "x"})
	require.NoError(t, err)

	var pluginCalls, otherCalls int
	reg := r.NewRegistration()
	require.NoError(t, reg.Use(MethodGet, func(ctx context.Context, call *Call, next Next) (Result, error) {
		pluginCalls++
		return next(ctx)
	}))
	require.NoError(t, reg.Wrap(MethodGet, func(ctx context.Context, result Result, call *Call) (Result, error) {
		pluginCalls++
		return result, nil
	}))
	require.NoError(t, r.UseMiddleware(MethodGet, func(ctx context.Context, call *Call, next Next) (Result, error) {
		otherCalls++
		return next(ctx)
	}))

	_, err = r.Get(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, 2, pluginCalls)
	require.Equal(t, 1, otherCalls)

	reg.Remove()
	_, err = r.Get(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, 2, pluginCalls, "removed middleware must not run")
	require.Equal(t, 2, otherCalls, "other registrations survive removal")
}

func TestUnknownMethod(t *testing.T) {
	r := newTestResource(t, Schema{})
	err := r.UseMiddleware(Method("frobnicate"), func(ctx context.Context, call *Call, next Next) (Result, error) {
		return next(ctx)
	})
	require.True(t, trace.IsBadParameter(err))

	_, err = r.Dispatch(context.Background(), &Call{Method: Method("frobnicate")})
	require.True(t, trace.IsBadParameter(err))
}

func TestMethodClassification(t *testing.T) {
	require.True(t, MethodInsert.IsWrite())
	require.True(t, MethodDeleteContent.IsWrite())
	require.False(t, MethodGet.IsWrite())
	require.False(t, MethodQuery.IsWrite())
	for _, m := range ReadMethods {
		require.True(t, m.IsValid())
		require.False(t, m.IsWrite())
	}
	for _, m := range WriteMethods {
		require.True(t, m.IsValid())
	}
}

func TestMiddlewareErrorStopsWrappers(t *testing.T) {
	ctx := context.Background()
	r := newTestResource(t, Schema{})

	require.NoError(t, r.UseMiddleware(MethodGet, func(ctx context.Context, call *Call, next Next) (Result, error) {
		return Result{}, trace.ConnectionProblem(nil, "backend down")
	}))
	wrapperRan := false
	require.NoError(t, r.WrapMethod(MethodGet, func(ctx context.Context, result Result, call *Call) (Result, error) {
		wrapperRan = true
		return result, nil
	}))

	_, err := r.Get(ctx, "x")
	require.True(t, trace.IsConnectionProblem(err))
	require.False(t, wrapperRan)
}
