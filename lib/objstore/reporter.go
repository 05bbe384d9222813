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

package objstore

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stratadb/strata/lib/utils"
)

// ReporterConfig configures the reporter wrapper.
type ReporterConfig struct {
	// Client is the client to wrap.
	Client Client
	// Clock is used to measure latencies. Defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (r *ReporterConfig) CheckAndSetDefaults() error {
	if r.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if r.Clock == nil {
		r.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Reporter wraps a Client and reports request counts and latencies about
// the store operations.
type Reporter struct {
	// ReporterConfig contains reporter wrapper configuration.
	ReporterConfig
}

// NewReporter returns a new Reporter.
func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(
		writeRequests, writeRequestsFailed, writeLatencies,
		readRequests, readRequestsFailed, readLatencies,
		listRequests, listRequestsFailed, listLatencies,
	); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Reporter{ReporterConfig: cfg}, nil
}

// PutObject stores body under key.
func (r *Reporter) PutObject(ctx context.Context, key string, body []byte, opts PutOptions) error {
	start := r.Clock.Now()
	err := r.Client.PutObject(ctx, key, body, opts)
	writeLatencies.Observe(time.Since(start).Seconds())
	writeRequests.Inc()
	if err != nil && !trace.IsAlreadyExists(err) {
		writeRequestsFailed.Inc()
	}
	return err
}

// GetObject returns the object body or NotFound.
func (r *Reporter) GetObject(ctx context.Context, key string) ([]byte, error) {
	start := r.Clock.Now()
	data, err := r.Client.GetObject(ctx, key)
	readLatencies.Observe(time.Since(start).Seconds())
	readRequests.Inc()
	if err != nil && !trace.IsNotFound(err) {
		readRequestsFailed.Inc()
	}
	return data, err
}

// DeleteObject removes the object.
func (r *Reporter) DeleteObject(ctx context.Context, key string) error {
	start := r.Clock.Now()
	err := r.Client.DeleteObject(ctx, key)
	writeLatencies.Observe(time.Since(start).Seconds())
	writeRequests.Inc()
	if err != nil && !trace.IsNotFound(err) {
		writeRequestsFailed.Inc()
	}
	return err
}

// ListObjects returns one page of keys under prefix.
func (r *Reporter) ListObjects(ctx context.Context, prefix, startAfter string, limit int) (*ListResult, error) {
	start := r.Clock.Now()
	result, err := r.Client.ListObjects(ctx, prefix, startAfter, limit)
	listLatencies.Observe(time.Since(start).Seconds())
	listRequests.Inc()
	if err != nil {
		listRequestsFailed.Inc()
	}
	return result, err
}

// HeadObject returns object metadata without the body.
func (r *Reporter) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	start := r.Clock.Now()
	info, err := r.Client.HeadObject(ctx, key)
	readLatencies.Observe(time.Since(start).Seconds())
	readRequests.Inc()
	if err != nil && !trace.IsNotFound(err) {
		readRequestsFailed.Inc()
	}
	return info, err
}

// Close releases the wrapped client.
func (r *Reporter) Close() error {
	return r.Client.Close()
}

var (
	writeRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "objstore_write_requests_total",
			Help: "Number of write requests to the object store",
		},
	)
	writeRequestsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "objstore_write_requests_failed_total",
			Help: "Number of failed write requests to the object store",
		},
	)
	readRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "objstore_read_requests_total",
			Help: "Number of read requests to the object store",
		},
	)
	readRequestsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "objstore_read_requests_failed_total",
			Help: "Number of failed read requests to the object store",
		},
	)
	listRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "objstore_list_requests_total",
			Help: "Number of list requests to the object store",
		},
	)
	listRequestsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "objstore_list_requests_failed_total",
			Help: "Number of failed list requests to the object store",
		},
	)
	writeLatencies = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "objstore_write_seconds",
			Help: "Latency for object store write operations",
			// lowest bucket start of upper bound 0.001 sec (1 ms) with factor 2
			// highest bucket start of 0.001 sec * 2^15 == 32.768 sec
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)
	readLatencies = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "objstore_read_seconds",
			Help: "Latency for object store read operations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)
	listLatencies = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "objstore_list_seconds",
			Help: "Latency for object store list operations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)
)
