// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"

	"github.com/caarlos0/env/v6"
)

// Config is the environment-derived configuration shared by the
// daemon and its façade. Fields map directly to the environment
// variables named in the control-plane contract.
type Config struct {
	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"local"`
	StorageRoot    string `env:"STORAGE_ROOT" envDefault:"/var/lib/sandboxd/storage"`

	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3Bucket    string `env:"S3_BUCKET"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`

	IsolationBackend string `env:"ISOLATION_BACKEND" envDefault:"auto"`
	WorkspacesRoot   string `env:"WORKSPACES_ROOT" envDefault:"/srv/workspaces"`

	SnapshotRetention int `env:"SNAPSHOT_RETENTION" envDefault:"5"`

	ExecTimeoutSeconds          int `env:"EXEC_TIMEOUT_SECONDS" envDefault:"30"`
	ProxyUpstreamTimeoutSeconds int `env:"PROXY_UPSTREAM_TIMEOUT_SECONDS" envDefault:"5"`

	// QuotaPolicyFile, when set, points to a JSONC file of per-sandbox
	// quota caps (see QuotaPolicy). Unset means "use DefaultLimits".
	QuotaPolicyFile string `env:"QUOTA_POLICY_FILE"`

	// DriverProfileFile, when set, points to a YAML file describing
	// microVM/container driver profiles. Unset means "use the
	// built-in process-driver-only profile set".
	DriverProfileFile string `env:"DRIVER_PROFILE_FILE"`

	// AuditLogFile is where the append-only sandbox lifecycle audit
	// log is written. Unset disables audit logging entirely rather
	// than defaulting to a path the operator didn't choose.
	AuditLogFile string `env:"AUDIT_LOG_FILE"`

	// CheckpointFile is where the periodic sandbox-registry checkpoint
	// is written. Unset disables checkpointing.
	CheckpointFile string `env:"CHECKPOINT_FILE"`

	CheckpointIntervalSeconds int `env:"CHECKPOINT_INTERVAL_SECONDS" envDefault:"60"`

	// ListenAddr is where the HTTP façade (sandbox/snapshot/preview/
	// health/metrics endpoints) binds. Not part of the normative env
	// var list in the control-plane contract, but required to run the
	// daemon; defaults to a loopback-friendly address.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8080"`

	// PreviewListenAddr, when set, gives the preview proxy its own
	// listener (useful when preview traffic is routed by a different
	// subdomain/port than the control-plane façade). Left unset, the
	// preview proxy is mounted inside the façade's own mux under
	// /preview/ instead.
	PreviewListenAddr string `env:"PREVIEW_LISTEN_ADDR"`
}

var validStorageBackends = map[string]bool{"local": true, "s3": true}
var validIsolationBackends = map[string]bool{"auto": true, "microvm": true, "container": true, "process": true}

// Load reads Config from the process environment, applying defaults
// for anything unset, then validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg, env.Options{RequiredIfNoDef: false}); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects malformed or unrecognized option values. It does
// not check filesystem reachability of StorageRoot/WorkspacesRoot —
// that is the caller's readiness concern, not a config-shape concern.
func (c *Config) Validate() error {
	if !validStorageBackends[c.StorageBackend] {
		return fmt.Errorf("config: STORAGE_BACKEND %q must be one of local, s3", c.StorageBackend)
	}
	if c.StorageBackend == "s3" {
		if c.S3Endpoint == "" || c.S3Bucket == "" {
			return fmt.Errorf("config: STORAGE_BACKEND=s3 requires S3_ENDPOINT and S3_BUCKET")
		}
	}
	if !validIsolationBackends[c.IsolationBackend] {
		return fmt.Errorf("config: ISOLATION_BACKEND %q must be one of auto, microvm, container, process", c.IsolationBackend)
	}
	if c.WorkspacesRoot == "" {
		return fmt.Errorf("config: WORKSPACES_ROOT is required")
	}
	if c.SnapshotRetention < 1 {
		return fmt.Errorf("config: SNAPSHOT_RETENTION must be >= 1, got %d", c.SnapshotRetention)
	}
	if c.ExecTimeoutSeconds < 1 {
		return fmt.Errorf("config: EXEC_TIMEOUT_SECONDS must be >= 1, got %d", c.ExecTimeoutSeconds)
	}
	if c.ProxyUpstreamTimeoutSeconds < 1 {
		return fmt.Errorf("config: PROXY_UPSTREAM_TIMEOUT_SECONDS must be >= 1, got %d", c.ProxyUpstreamTimeoutSeconds)
	}
	return nil
}
