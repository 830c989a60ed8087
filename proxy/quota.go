// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

// QuotaRecorder receives per-sandbox egress byte counts as responses
// stream back to the client, the same narrow-interface seam
// MetricsRecorder gives the metrics package: quota.Manager implements
// this without proxy importing quota directly.
type QuotaRecorder interface {
	RecordEgress(sandboxID string, delta int64)
}

type noopQuota struct{}

func (noopQuota) RecordEgress(string, int64) {}
