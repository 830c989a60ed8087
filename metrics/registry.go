// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sandboxd/sandboxd/errs"
)

// Registry owns every series spec.md §4.7 requires and implements the
// recorder interfaces C2, C4, C5, and C6 declare.
type Registry struct {
	sandboxCreated      *counterVec
	sandboxActive       *gaugeVec
	sandboxExecTotal    *counterVec
	sandboxExecDuration *histogramVec

	snapshotCreated  *counterVec
	snapshotRestored *counterVec
	snapshotSize     *histogramVec

	httpRequestsTotal    *counterVec
	httpRequestDuration  *histogramVec
	quotaViolationsTotal *counterVec
	previewProxyInFlight *gaugeVec
}

// NewRegistry constructs a Registry with every required series
// registered and at zero value.
func NewRegistry() *Registry {
	return &Registry{
		sandboxCreated:      newCounterVec("sandbox_created_total", "Total sandboxes created."),
		sandboxActive:       newGaugeVec("sandbox_active", "Sandboxes currently running."),
		sandboxExecTotal:    newCounterVec("sandbox_exec_total", "Total exec calls.", "sandbox", "command"),
		sandboxExecDuration: newHistogramVec("sandbox_exec_duration_seconds", "Exec call duration.", durationBuckets),

		snapshotCreated:  newCounterVec("snapshot_created_total", "Total snapshots created."),
		snapshotRestored: newCounterVec("snapshot_restored_total", "Total snapshots restored."),
		snapshotSize:     newHistogramVec("snapshot_size_bytes", "Snapshot archive size in bytes.", sizeBuckets),

		httpRequestsTotal:    newCounterVec("http_requests_total", "Total façade HTTP requests.", "method", "path", "status"),
		httpRequestDuration:  newHistogramVec("http_request_duration_seconds", "Façade HTTP request duration.", durationBuckets),
		quotaViolationsTotal: newCounterVec("quota_violations_total", "Total quota admission rejections.", "kind"),
		previewProxyInFlight: newGaugeVec("preview_proxy_in_flight", "Preview proxy requests currently in flight."),
	}
}

// RecordQuotaViolation implements quota.ViolationRecorder.
func (r *Registry) RecordQuotaViolation(kind errs.QuotaViolationKind) {
	r.quotaViolationsTotal.Inc(string(kind))
}

// IncSandboxCreated implements sandbox.MetricsRecorder.
func (r *Registry) IncSandboxCreated() {
	r.sandboxCreated.Inc()
}

// IncSandboxActive implements sandbox.MetricsRecorder.
func (r *Registry) IncSandboxActive(delta int) {
	r.sandboxActive.Add(int64(delta))
}

// ObserveExec implements sandbox.MetricsRecorder.
func (r *Registry) ObserveExec(sandboxID, command string, duration time.Duration) {
	r.sandboxExecTotal.Inc(sandboxID, command)
	r.sandboxExecDuration.Observe(duration.Seconds())
}

// IncSnapshotCreated implements snapshot.MetricsRecorder.
func (r *Registry) IncSnapshotCreated() {
	r.snapshotCreated.Inc()
}

// IncSnapshotRestored implements snapshot.MetricsRecorder.
func (r *Registry) IncSnapshotRestored() {
	r.snapshotRestored.Inc()
}

// ObserveSnapshotSize implements snapshot.MetricsRecorder.
func (r *Registry) ObserveSnapshotSize(bytes int64) {
	r.snapshotSize.Observe(float64(bytes))
}

// IncPreviewInFlight implements proxy.MetricsRecorder.
func (r *Registry) IncPreviewInFlight() {
	r.previewProxyInFlight.Add(1)
}

// DecPreviewInFlight implements proxy.MetricsRecorder.
func (r *Registry) DecPreviewInFlight() {
	r.previewProxyInFlight.Add(-1)
}

// RecordHTTPRequest records one completed façade request.
func (r *Registry) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	r.httpRequestsTotal.Inc(method, path, strconv.Itoa(status))
	r.httpRequestDuration.Observe(duration.Seconds())
}

// HTTPMiddleware wraps next, recording http_requests_total and
// http_request_duration_seconds for every request it serves.
func (r *Registry) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		r.RecordHTTPRequest(req.Method, normalizePathPattern(req.URL.Path), rec.status, time.Since(start))
	})
}

// normalizePathPattern reduces a façade request path to the
// "/sandboxes/{id}/exec"-shaped route, replacing the variable id
// segment with "{id}" so the http_requests_total series stays
// low-cardinality regardless of how many sandboxes or snapshots exist.
func normalizePathPattern(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segments {
		if i == 1 && (strings.HasPrefix(seg, "sbx_") || strings.HasPrefix(seg, "snap_") || strings.HasPrefix(seg, "job_")) {
			segments[i] = "{id}"
		}
	}
	return "/" + strings.Join(segments, "/")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// ServeHTTP answers GET /metrics with the full text exposition.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var lines []string
	lines = append(lines, r.sandboxCreated.render()...)
	lines = append(lines, r.sandboxActive.render()...)
	lines = append(lines, r.sandboxExecTotal.render()...)
	lines = append(lines, r.sandboxExecDuration.render()...)
	lines = append(lines, r.snapshotCreated.render()...)
	lines = append(lines, r.snapshotRestored.render()...)
	lines = append(lines, r.snapshotSize.render()...)
	lines = append(lines, r.httpRequestsTotal.render()...)
	lines = append(lines, r.httpRequestDuration.render()...)
	lines = append(lines, r.quotaViolationsTotal.render()...)
	lines = append(lines, r.previewProxyInFlight.render()...)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Write([]byte(strings.Join(lines, "\n") + "\n"))
}
