// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// QuotaLimits are the per-sandbox hard caps the quota manager admits
// against. The soft-warning threshold is fixed at 80% of each hard
// cap and is not independently configurable.
type QuotaLimits struct {
	ExecPerHour     int     `json:"exec_per_hour"`
	ConcurrentExec  int     `json:"concurrent_exec"`
	MemoryBytes     int64   `json:"memory_bytes"`
	StorageBytes    int64   `json:"storage_bytes"`
	EgressBytes     int64   `json:"egress_bytes"`
	CPUSeconds      float64 `json:"cpu_seconds"`
}

// DefaultLimits are the conservative caps applied to any sandbox with
// no matching policy entry (spec.md's Open Question on default quota
// values resolves to "ship conservative defaults, expose via config").
func DefaultLimits() QuotaLimits {
	return QuotaLimits{
		ExecPerHour:    600,
		ConcurrentExec: 4,
		MemoryBytes:    2 << 30,  // 2 GiB
		StorageBytes:   10 << 30, // 10 GiB
		EgressBytes:    5 << 30,  // 5 GiB
		CPUSeconds:     3600,
	}
}

// DefaultMaxConcurrentSandboxes caps the fleet-wide number of
// simultaneously live sandboxes when a policy file doesn't say
// otherwise. A prior implementation of this system shipped a
// ResourceQuota.max_concurrent_sandboxes default of 10; this default
// is scaled up for a single-daemon deployment serving many users
// rather than one process per tenant.
const DefaultMaxConcurrentSandboxes = 256

// QuotaPolicy is the decoded shape of the quota-policy file: a default
// limit set plus optional per-user overrides and a fleet-wide
// concurrent-sandbox cap independent of any single user's limits.
type QuotaPolicy struct {
	Default                QuotaLimits            `json:"default"`
	PerUser                map[string]QuotaLimits `json:"per_user"`
	MaxConcurrentSandboxes int                    `json:"max_concurrent_sandboxes,omitempty"`
}

// LimitsFor returns the limits that apply to userID: the per-user
// override if present, otherwise the policy default.
func (p *QuotaPolicy) LimitsFor(userID string) QuotaLimits {
	if p == nil {
		return DefaultLimits()
	}
	if l, ok := p.PerUser[userID]; ok {
		return l
	}
	return p.Default
}

// LoadQuotaPolicy reads and strictly decodes a JSONC quota-policy
// file. Comments and trailing commas are stripped by jsonc.ToJSON
// before decoding; unknown keys are rejected so a typo in the file
// fails loudly instead of being silently ignored.
func LoadQuotaPolicy(path string) (*QuotaPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading quota policy %s: %w", path, err)
	}

	policy := &QuotaPolicy{Default: DefaultLimits(), MaxConcurrentSandboxes: DefaultMaxConcurrentSandboxes}
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(policy); err != nil {
		return nil, fmt.Errorf("config: parsing quota policy %s: %w", path, err)
	}
	return policy, nil
}
