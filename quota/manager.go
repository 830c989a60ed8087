// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package quota implements the C4 quota manager: per-sandbox rolling
// exec-rate, concurrency, and resource-usage tracking with hard-cap
// admission and soft-cap crossing warnings.
package quota

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sandboxd/sandboxd/errs"
	"github.com/sandboxd/sandboxd/lib/clock"
	"github.com/sandboxd/sandboxd/lib/config"
)

// ViolationRecorder is the narrow interface the metrics package
// implements to receive quota_violations_total increments, kept
// separate from any concrete metrics type so this package does not
// need to import it.
type ViolationRecorder interface {
	RecordQuotaViolation(kind errs.QuotaViolationKind)
}

type noopRecorder struct{}

func (noopRecorder) RecordQuotaViolation(errs.QuotaViolationKind) {}

// Manager tracks quota state for every sandbox it has seen and
// enforces spec.md §4.4's admission rule.
type Manager struct {
	policy    *config.QuotaPolicy
	clock     clock.Clock
	log       *slog.Logger
	violation ViolationRecorder

	mu        sync.Mutex
	sandboxes map[string]*sandboxQuota
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Policy    *config.QuotaPolicy
	Clock     clock.Clock
	Logger    *slog.Logger
	Violation ViolationRecorder
}

func NewManager(cfg ManagerConfig) *Manager {
	policy := cfg.Policy
	if policy == nil {
		policy = &config.QuotaPolicy{
			Default:                config.DefaultLimits(),
			MaxConcurrentSandboxes: config.DefaultMaxConcurrentSandboxes,
		}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Violation
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Manager{
		policy:    policy,
		clock:     clk,
		log:       logger,
		violation: recorder,
		sandboxes: make(map[string]*sandboxQuota),
	}
}

// sandboxQuota holds one sandbox's mutable counters. Its own mutex
// totally orders admission for that sandbox, per spec.md §4.4's
// ordering requirement — two concurrent admit_exec calls against the
// same sandbox cannot both observe headroom only one request's worth
// exists.
type sandboxQuota struct {
	mu sync.Mutex

	userID string
	window *execWindow

	concurrentExec int
	memoryBytes    int64
	storageBytes   int64
	egressBytes    int64
	cpuSeconds     float64

	// warnedAbove80 tracks which dimensions already emitted their
	// one-per-crossing soft-cap warning; cleared when utilization
	// drops back under 80%.
	warnedAbove80 map[errs.QuotaViolationKind]bool
}

func newSandboxQuota(userID string) *sandboxQuota {
	return &sandboxQuota{
		userID:        userID,
		window:        newExecWindow(),
		warnedAbove80: make(map[errs.QuotaViolationKind]bool),
	}
}

func (m *Manager) sandbox(sandboxID, userID string) *sandboxQuota {
	m.mu.Lock()
	defer m.mu.Unlock()
	sq, ok := m.sandboxes[sandboxID]
	if !ok {
		sq = newSandboxQuota(userID)
		m.sandboxes[sandboxID] = sq
	}
	return sq
}

// Register ensures sandboxID has a quota bucket, so usage recorded
// before any exec has somewhere to go. It skips the fleet-wide cap
// check; the sandbox runtime's Create registers through AdmitCreate.
func (m *Manager) Register(sandboxID, userID string) {
	m.sandbox(sandboxID, userID)
}

// AdmitCreate enforces the fleet-wide concurrent-sandbox cap before
// sandboxID is registered: a dimension distinct from any single
// user's per-sandbox limits, so one heavy user can't starve the whole
// daemon and a daemon-wide ceiling holds regardless of whose quota
// has headroom. The cap check and the registration happen under the
// same lock so two concurrent Create calls racing for the fleet's
// last slot cannot both succeed.
func (m *Manager) AdmitCreate(sandboxID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := m.policy.MaxConcurrentSandboxes
	if limit > 0 && len(m.sandboxes) >= limit {
		m.violation.RecordQuotaViolation(errs.ViolationFleetConcurrency)
		return errs.NewQuotaExceeded(errs.ViolationFleetConcurrency,
			"quota: fleet-wide concurrent sandbox cap (%d) reached", limit)
	}
	if _, ok := m.sandboxes[sandboxID]; !ok {
		m.sandboxes[sandboxID] = newSandboxQuota(userID)
	}
	return nil
}

// Forget discards sandboxID's quota state, called on sandbox destroy.
func (m *Manager) Forget(sandboxID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sandboxes, sandboxID)
}

func (m *Manager) limitsFor(userID string) config.QuotaLimits {
	return m.policy.LimitsFor(userID)
}

// checkCap evaluates one dimension's hard and soft caps, emitting a
// one-per-crossing warning log and reporting whether the hard cap was
// exceeded.
func (sq *sandboxQuota) checkCap(log *slog.Logger, sandboxID string, kind errs.QuotaViolationKind, current, limit int64) bool {
	if limit <= 0 {
		return false // zero/negative limit means unlimited
	}
	utilization := float64(current) / float64(limit)
	if utilization >= 0.8 {
		if !sq.warnedAbove80[kind] {
			sq.warnedAbove80[kind] = true
			log.Warn("quota soft cap crossed", "sandbox_id", sandboxID, "kind", kind, "utilization", utilization)
		}
	} else {
		sq.warnedAbove80[kind] = false
	}
	return current > limit
}

// AdmitExec atomically checks every hard cap for sandboxID and, if all
// pass, records one exec admission (incrementing the rolling exec
// count and concurrent_exec). On rejection it increments
// quota_violations_total{kind} and returns the specific violation.
func (m *Manager) AdmitExec(ctx context.Context, sandboxID, userID string) error {
	sq := m.sandbox(sandboxID, userID)
	limits := m.limitsFor(sq.userID)

	sq.mu.Lock()
	defer sq.mu.Unlock()

	now := m.clock.Now()
	execCount := sq.window.count(now)

	type check struct {
		kind    errs.QuotaViolationKind
		current int64
		limit   int64
	}
	checks := []check{
		{errs.ViolationExecRate, int64(execCount + 1), int64(limits.ExecPerHour)},
		{errs.ViolationConcurrent, int64(sq.concurrentExec + 1), int64(limits.ConcurrentExec)},
		{errs.ViolationMemory, sq.memoryBytes, limits.MemoryBytes},
		{errs.ViolationStorage, sq.storageBytes, limits.StorageBytes},
		{errs.ViolationEgress, sq.egressBytes, limits.EgressBytes},
		{errs.ViolationCPU, int64(sq.cpuSeconds), int64(limits.CPUSeconds)},
	}

	for _, c := range checks {
		if sq.checkCap(m.log, sandboxID, c.kind, c.current, c.limit) {
			m.violation.RecordQuotaViolation(c.kind)
			return errs.NewQuotaExceeded(c.kind, "sandbox %s exceeded %s quota", sandboxID, c.kind)
		}
	}

	sq.window.record(now)
	sq.concurrentExec++
	return nil
}

// ReleaseExec decrements concurrent_exec for sandboxID. Releasing a
// sandbox with no outstanding admissions is a no-op rather than
// going negative.
func (m *Manager) ReleaseExec(sandboxID string) {
	m.mu.Lock()
	sq, ok := m.sandboxes[sandboxID]
	m.mu.Unlock()
	if !ok {
		return
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if sq.concurrentExec > 0 {
		sq.concurrentExec--
	}
}

// RecordMemoryEstimate sets sandboxID's current memory estimate,
// called by the sandbox runtime after each exec or background job
// state change.
func (m *Manager) RecordMemoryEstimate(sandboxID string, bytes int64) {
	m.mutate(sandboxID, func(sq *sandboxQuota) { sq.memoryBytes = bytes })
}

// RecordStorage sets sandboxID's current workspace storage usage.
func (m *Manager) RecordStorage(sandboxID string, bytes int64) {
	m.mutate(sandboxID, func(sq *sandboxQuota) { sq.storageBytes = bytes })
}

// RecordEgress adds delta bytes to sandboxID's cumulative egress,
// called by the preview proxy as response bytes are streamed back.
func (m *Manager) RecordEgress(sandboxID string, delta int64) {
	m.mutate(sandboxID, func(sq *sandboxQuota) { sq.egressBytes += delta })
}

// RecordCPU adds delta seconds of CPU time to sandboxID's cumulative
// usage.
func (m *Manager) RecordCPU(sandboxID string, delta float64) {
	m.mutate(sandboxID, func(sq *sandboxQuota) { sq.cpuSeconds += delta })
}

func (m *Manager) mutate(sandboxID string, f func(*sandboxQuota)) {
	m.mu.Lock()
	sq, ok := m.sandboxes[sandboxID]
	m.mu.Unlock()
	if !ok {
		return
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	f(sq)
}
