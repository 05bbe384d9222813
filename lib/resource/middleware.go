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
	"reflect"
	"slices"

	"github.com/gravitational/trace"
)

// Method names one resource operation. Plugins register middleware
// against these names.
type Method string

// Read methods.
const (
	MethodGet              Method = "get"
	MethodExists           Method = "exists"
	MethodCount            Method = "count"
	MethodListIDs          Method = "listIds"
	MethodGetMany          Method = "getMany"
	MethodGetAll           Method = "getAll"
	MethodPage             Method = "page"
	MethodList             Method = "list"
	MethodQuery            Method = "query"
	MethodGetFromPartition Method = "getFromPartition"
	MethodContent          Method = "content"
	MethodHasContent       Method = "hasContent"
)

// Write methods.
const (
	MethodInsert        Method = "insert"
	MethodUpdate        Method = "update"
	MethodPatch         Method = "patch"
	MethodDelete        Method = "delete"
	MethodDeleteMany    Method = "deleteMany"
	MethodReplace       Method = "replace"
	MethodSetContent    Method = "setContent"
	MethodDeleteContent Method = "deleteContent"
)

// ReadMethods lists every read operation.
var ReadMethods = []Method{
	MethodCount, MethodListIDs, MethodGetMany, MethodGetAll, MethodPage,
	MethodList, MethodGet, MethodExists, MethodContent, MethodHasContent,
	MethodQuery, MethodGetFromPartition,
}

// WriteMethods lists every write operation.
var WriteMethods = []Method{
	MethodInsert, MethodUpdate, MethodPatch, MethodDelete, MethodDeleteMany,
	MethodReplace, MethodSetContent, MethodDeleteContent,
}

// IsWrite reports whether the method mutates the resource.
func (m Method) IsWrite() bool {
	return slices.Contains(WriteMethods, m)
}

// IsValid reports whether m names a known operation.
func (m Method) IsValid() bool {
	return slices.Contains(ReadMethods, m) || slices.Contains(WriteMethods, m)
}

// Options carries per-call modifiers. Middleware reads them; only the
// fields relevant to the method are set.
type Options struct {
	// SkipCache bypasses any cache middleware for this call.
	SkipCache bool `json:"skipCache,omitempty"`
	// Partition scopes the call to one partition.
	Partition string `json:"partition,omitempty"`
	// PartitionValues are the raw field values identifying the
	// partition cluster; the resource applies the declared transforms.
	PartitionValues map[string]any `json:"partitionValues,omitempty"`
	// Offset/Size page through results.
	Offset int `json:"offset,omitempty"`
	Size   int `json:"size,omitempty"`
	// Limit bounds Query and ListIDs results; zero means no limit.
	Limit int `json:"limit,omitempty"`
}

// Option mutates call options.
type Option func(*Options)

// WithSkipCache bypasses cache middleware for this call.
func WithSkipCache() Option {
	return func(o *Options) { o.SkipCache = true }
}

// WithPartition scopes a read to the named partition cluster.
func WithPartition(name string, values map[string]any) Option {
	return func(o *Options) {
		o.Partition = name
		o.PartitionValues = values
	}
}

// WithLimit bounds the number of results.
func WithLimit(limit int) Option {
	return func(o *Options) { o.Limit = limit }
}

// WithOffset skips the first n results.
func WithOffset(offset int) Option {
	return func(o *Options) { o.Offset = offset }
}

// Call is one resource operation flowing through the middleware chain.
type Call struct {
	Method  Method
	ID      string
	IDs     []string
	Record  Record
	Changes Record
	// Filter is the equality filter for Query.
	Filter  Record
	Options Options
	// Bytes is the payload for SetContent.
	Bytes []byte
}

// Result is the envelope every operation resolves to. Only the fields
// meaningful for the method are populated; the envelope round-trips
// through JSON so cache drivers can store it as-is.
type Result struct {
	Record  Record   `json:"record,omitempty"`
	Records []Record `json:"records,omitempty"`
	IDs     []string `json:"ids,omitempty"`
	Count   int      `json:"count,omitempty"`
	Bool    bool     `json:"bool,omitempty"`
	Bytes   []byte   `json:"bytes,omitempty"`
}

// Next invokes the rest of the chain, ending at the original handler.
type Next func(ctx context.Context) (Result, error)

// Middleware intercepts one method. It may short-circuit by not
// calling next.
type Middleware func(ctx context.Context, call *Call, next Next) (Result, error)

// Wrapper post-processes a successful result.
type Wrapper func(ctx context.Context, result Result, call *Call) (Result, error)

// handler is an original method implementation, captured once at
// construction.
type handler func(ctx context.Context, call *Call) (Result, error)

type middlewareEntry struct {
	id uint64
	fn Middleware
}

type wrapperEntry struct {
	id uint64
	// ptr is the function code pointer, used only for the WrapMethod
	// idempotence check.
	ptr uintptr
	fn  Wrapper
}

// UseMiddleware appends fn to the method's chain. Order of
// registration is the order of execution.
func (r *Resource) UseMiddleware(method Method, fn Middleware) error {
	_, err := r.useMiddleware(method, fn)
	return trace.Wrap(err)
}

func (r *Resource) useMiddleware(method Method, fn Middleware) (uint64, error) {
	if !method.IsValid() {
		return 0, trace.BadParameter("unknown method %q", method)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextRegID++
	r.chains[method] = append(r.chains[method], middlewareEntry{id: r.nextRegID, fn: fn})
	return r.nextRegID, nil
}

// WrapMethod appends a post-hook running after the original handler
// and any middleware. Registering the same function twice is a no-op.
func (r *Resource) WrapMethod(method Method, fn Wrapper) error {
	_, err := r.wrapMethod(method, fn)
	return trace.Wrap(err)
}

func (r *Resource) wrapMethod(method Method, fn Wrapper) (uint64, error) {
	if !method.IsValid() {
		return 0, trace.BadParameter("unknown method %q", method)
	}
	ptr := reflect.ValueOf(fn).Pointer()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.wrappers[method] {
		if entry.ptr == ptr {
			return entry.id, nil
		}
	}
	r.nextRegID++
	r.wrappers[method] = append(r.wrappers[method], wrapperEntry{id: r.nextRegID, ptr: ptr, fn: fn})
	return r.nextRegID, nil
}

func (r *Resource) removeRegistrations(middleware, wrappers map[Method][]uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for method, ids := range middleware {
		live := r.chains[method][:0]
		for _, entry := range r.chains[method] {
			if !slices.Contains(ids, entry.id) {
				live = append(live, entry)
			}
		}
		r.chains[method] = live
	}
	for method, ids := range wrappers {
		live := r.wrappers[method][:0]
		for _, entry := range r.wrappers[method] {
			if !slices.Contains(ids, entry.id) {
				live = append(live, entry)
			}
		}
		r.wrappers[method] = live
	}
}

// Registration tracks what one plugin attached to a resource so
// uninstall can tear it down precisely, without touching other
// plugins' chains.
type Registration struct {
	resource   *Resource
	middleware map[Method][]uint64
	wrappers   map[Method][]uint64
}

// NewRegistration returns an empty registration bound to the resource.
func (r *Resource) NewRegistration() *Registration {
	return &Registration{
		resource:   r,
		middleware: make(map[Method][]uint64),
		wrappers:   make(map[Method][]uint64),
	}
}

// Use registers middleware through the registration so Remove can
// detach it later.
func (reg *Registration) Use(method Method, fn Middleware) error {
	id, err := reg.resource.useMiddleware(method, fn)
	if err != nil {
		return trace.Wrap(err)
	}
	reg.middleware[method] = append(reg.middleware[method], id)
	return nil
}

// Wrap registers a post-hook through the registration.
func (reg *Registration) Wrap(method Method, fn Wrapper) error {
	id, err := reg.resource.wrapMethod(method, fn)
	if err != nil {
		return trace.Wrap(err)
	}
	if !slices.Contains(reg.wrappers[method], id) {
		reg.wrappers[method] = append(reg.wrappers[method], id)
	}
	return nil
}

// Remove detaches everything registered through this registration.
func (reg *Registration) Remove() {
	reg.resource.removeRegistrations(reg.middleware, reg.wrappers)
}

// Dispatch runs a call through the middleware chain, the original
// handler, and the post-hook wrappers, then emits change events for
// successful writes. Engines use it for calls they assemble
// themselves; the named methods on Resource are thin shims over it.
func (r *Resource) Dispatch(ctx context.Context, call *Call) (Result, error) {
	r.mu.Lock()
	original, ok := r.handlers[call.Method]
	chain := slices.Clone(r.chains[call.Method])
	wrappers := slices.Clone(r.wrappers[call.Method])
	r.mu.Unlock()
	if !ok {
		return Result{}, trace.BadParameter("unknown method %q", call.Method)
	}

	next := Next(func(ctx context.Context) (Result, error) {
		return original(ctx, call)
	})
	for i := len(chain) - 1; i >= 0; i-- {
		mw, inner := chain[i].fn, next
		next = func(ctx context.Context) (Result, error) {
			return mw(ctx, call, inner)
		}
	}

	result, err := next(ctx)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	for _, entry := range wrappers {
		result, err = entry.fn(ctx, result, call)
		if err != nil {
			return Result{}, trace.Wrap(err)
		}
	}
	if call.Method.IsWrite() {
		r.emitChange(ctx, call, result)
	}
	return result, nil
}
