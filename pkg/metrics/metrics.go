// Package metrics provides the centralized Prometheus metrics registry for
// the pipeline. All metrics are defined in their respective packages (client,
// ratelimit, load, pipeline, checkpoint) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the pipeline.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - tornpipe_rate_limit_wait_seconds (Histogram): Time spent waiting on the request interval
//   - tornpipe_rate_limit_throttles_total (Counter): Requests delayed by the rate limiter
//
// Request Metrics (pkg/client):
//   - tornpipe_api_requests_total{endpoint, status} (Counter): Total requests by endpoint and HTTP status
//   - tornpipe_api_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - tornpipe_api_errors_total{class} (Counter): Errors by class (auth, throttle, transient, api)
//
// Retry Metrics (pkg/client):
//   - tornpipe_retries_total{error_class} (Counter): Retry attempts by error class
//   - tornpipe_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - tornpipe_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Pagination Metrics (pkg/client):
//   - tornpipe_paginator_keyless_records_total{endpoint} (Counter): Records without a natural key
//
// Load Metrics (pkg/load):
//   - tornpipe_loads_total{mode, status} (Counter): Load operations by mode and outcome
//   - tornpipe_records_loaded_total{table} (Counter): Records loaded by table
//   - tornpipe_records_skipped_total{table} (Counter): Records dropped by validation
//   - tornpipe_schema_fields_added_total (Counter): Columns added by schema evolution
//
// Pipeline Metrics (pkg/pipeline):
//   - tornpipe_pipeline_runs_total{endpoint, status} (Counter): Runs by endpoint and outcome
//   - tornpipe_pipeline_run_duration_seconds{endpoint} (Histogram): Run duration by endpoint
//   - tornpipe_pipeline_records_fetched_total{endpoint} (Counter): Records fetched by endpoint
//
// Checkpoint Metrics (pkg/checkpoint):
//   - tornpipe_checkpoint_errors_total{operation} (Counter): Checkpoint store errors
//
// Example Prometheus Queries:
//
//   # Request Error Rate
//   rate(tornpipe_api_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(tornpipe_api_request_duration_seconds_bucket[5m]))
//
//   # Failed Runs
//   increase(tornpipe_pipeline_runs_total{status="error"}[1h])
//
//   # Schema Drift
//   increase(tornpipe_schema_fields_added_total[24h])
