// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics implements the C7 metrics component: counters,
// gauges, and fixed-bucket histograms for the series spec.md §4.7
// requires, exposed as a text format (one metric per line, #HELP/#TYPE
// preambles, {k="v",...} labels).
//
// [Registry] owns every required series and implements the narrow
// recorder interfaces C4 (quota.ViolationRecorder), C5
// (sandbox.MetricsRecorder), C2 (snapshot.MetricsRecorder), and C6
// (proxy.MetricsRecorder) declare, so none of those packages import
// metrics directly — metrics imports them only for the label-typed
// constant (errs.QuotaViolationKind), never the other way around.
// [Registry.ServeHTTP] answers GET /metrics; [Registry.HTTPMiddleware]
// wraps a façade handler to record http_requests_total and
// http_request_duration_seconds.
package metrics
