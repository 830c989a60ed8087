// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Sandboxd is the control-plane daemon: it owns every live sandbox,
// serves the C8 HTTP façades (sandbox lifecycle, snapshots, preview
// proxying, health, metrics), and reaps expired sandboxes in the
// background.
//
// It holds no long-lived credentials beyond what the configured
// storage backend needs; isolation driver selection and quota limits
// come from the files named by DRIVER_PROFILE_FILE and
// QUOTA_POLICY_FILE, or from conservative built-in defaults when
// those are unset.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sandboxd/sandboxd/api"
	"github.com/sandboxd/sandboxd/audit"
	"github.com/sandboxd/sandboxd/isolation"
	"github.com/sandboxd/sandboxd/lib/clock"
	"github.com/sandboxd/sandboxd/lib/config"
	"github.com/sandboxd/sandboxd/lib/version"
	"github.com/sandboxd/sandboxd/metrics"
	"github.com/sandboxd/sandboxd/proxy"
	"github.com/sandboxd/sandboxd/quota"
	"github.com/sandboxd/sandboxd/sandbox"
	"github.com/sandboxd/sandboxd/snapshot"
	"github.com/sandboxd/sandboxd/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("sandboxd %s\n", version.Info())
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := buildStorage(cfg)
	if err != nil {
		return fmt.Errorf("building storage backend: %w", err)
	}

	driverProfiles, err := buildDriverProfiles(cfg)
	if err != nil {
		return fmt.Errorf("loading driver profiles: %w", err)
	}
	profile, err := driverProfiles.Resolve("")
	if err != nil {
		return fmt.Errorf("resolving driver profile: %w", err)
	}
	microvm, container, process, err := buildDrivers(cfg, profile, logger)
	if err != nil {
		return err
	}

	quotaPolicy, err := buildQuotaPolicy(cfg)
	if err != nil {
		return fmt.Errorf("loading quota policy: %w", err)
	}

	registry := metrics.NewRegistry()
	clk := clock.Real()

	quotaManager := quota.NewManager(quota.ManagerConfig{
		Policy:    quotaPolicy,
		Clock:     clk,
		Logger:    logger,
		Violation: registry,
	})

	snapshotEngine := snapshot.NewEngine(snapshot.EngineConfig{
		Backend:       backend,
		Metrics:       registry,
		RetentionKeep: cfg.SnapshotRetention,
		PreserveMTime: true,
	})

	// auditRecorder stays a nil sandbox.AuditRecorder (not a typed-nil
	// *audit.Recorder boxed in the interface) when unconfigured, so
	// sandbox.NewManager's nil check falls through to its no-op
	// implementation instead of calling Record on a nil receiver.
	var auditRecorder sandbox.AuditRecorder
	if cfg.AuditLogFile != "" {
		rec, err := audit.NewRecorder(cfg.AuditLogFile, clk)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer rec.Close()
		auditRecorder = rec
	}

	sandboxes := sandbox.NewManager(sandbox.ManagerConfig{
		WorkspacesRoot: cfg.WorkspacesRoot,
		MicroVM:        microvm,
		Container:      container,
		Process:        process,
		Quota:          quotaManager,
		Snapshots:      snapshotEngine,
		Clock:          clk,
		Logger:         logger,
		Metrics:        registry,
		Audit:          auditRecorder,
		ExecTimeout:    time.Duration(cfg.ExecTimeoutSeconds) * time.Second,
		DialTimeout:    time.Duration(cfg.ProxyUpstreamTimeoutSeconds) * time.Second,
	})

	previewHandler := proxy.NewHandler(proxy.HandlerConfig{
		Resolver:    sandboxes,
		Metrics:     registry,
		Quota:       quotaManager,
		Logger:      logger,
		DialTimeout: time.Duration(cfg.ProxyUpstreamTimeoutSeconds) * time.Second,
	})

	apiCfg := api.Config{
		Sandboxes:      sandboxes,
		Snapshots:      snapshotEngine,
		Metrics:        registry,
		StorageProbe:   backend,
		IsolationProbe: sandboxes,
		Logger:         logger,
	}
	var previewServer *proxy.Server
	if cfg.PreviewListenAddr != "" {
		previewServer, err = proxy.NewServer(proxy.ServerConfig{
			ListenAddr: cfg.PreviewListenAddr,
			Handler:    previewHandler,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("building preview proxy server: %w", err)
		}
	} else {
		apiCfg.Preview = previewHandler
	}

	handler := api.NewHandler(apiCfg)
	server := api.NewServer(api.ServerConfig{
		ListenAddr: cfg.ListenAddr,
		Handler:    handler,
		Logger:     logger,
	})

	reapCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go sandboxes.RunReaper(reapCtx, 30*time.Second)

	if cfg.CheckpointFile != "" {
		if prior, err := sandbox.ReadCheckpoint(cfg.CheckpointFile); err != nil {
			logger.Warn("reading prior checkpoint", "path", cfg.CheckpointFile, "error", err)
		} else if len(prior) > 0 {
			logger.Info("found prior checkpoint; isolation driver handles are not reattached across restarts",
				"path", cfg.CheckpointFile, "sandboxes", len(prior))
		}
		checkpointCtx, stopCheckpointer := context.WithCancel(ctx)
		defer stopCheckpointer()
		go sandboxes.RunCheckpointer(checkpointCtx, cfg.CheckpointFile, time.Duration(cfg.CheckpointIntervalSeconds)*time.Second)
	}

	if previewServer != nil {
		if err := previewServer.Start(); err != nil {
			return fmt.Errorf("starting preview proxy: %w", err)
		}
		logger.Info("preview proxy listening", "addr", cfg.PreviewListenAddr)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("starting façade: %w", err)
	}
	logger.Info("sandboxd listening", "addr", cfg.ListenAddr, "version", version.Info())

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("façade shutdown error", "error", err)
	}
	if previewServer != nil {
		if err := previewServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("preview proxy shutdown error", "error", err)
		}
	}
	return nil
}

func buildStorage(cfg *config.Config) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case "s3":
		return storage.NewS3(storage.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	default:
		return storage.NewLocal(cfg.StorageRoot)
	}
}

func buildDriverProfiles(cfg *config.Config) (*config.DriverProfileSet, error) {
	if cfg.DriverProfileFile == "" {
		return config.DefaultDriverProfileSet(), nil
	}
	return config.LoadDriverProfiles(cfg.DriverProfileFile)
}

func buildQuotaPolicy(cfg *config.Config) (*config.QuotaPolicy, error) {
	if cfg.QuotaPolicyFile == "" {
		return &config.QuotaPolicy{
			Default:                config.DefaultLimits(),
			MaxConcurrentSandboxes: config.DefaultMaxConcurrentSandboxes,
		}, nil
	}
	return config.LoadQuotaPolicy(cfg.QuotaPolicyFile)
}

// buildDrivers constructs only the drivers ISOLATION_BACKEND permits,
// leaving the others nil so isolation.Select's auto-detection (used
// by sandbox.Manager.Create regardless of backend) can only ever fall
// through to what was actually requested.
func buildDrivers(cfg *config.Config, profile config.DriverProfile, logger *slog.Logger) (*isolation.MicroVMDriver, *isolation.ContainerDriver, *isolation.ProcessDriver, error) {
	var microvm *isolation.MicroVMDriver
	var container *isolation.ContainerDriver
	var process *isolation.ProcessDriver

	wantMicroVM := cfg.IsolationBackend == "auto" || cfg.IsolationBackend == "microvm"
	wantContainer := cfg.IsolationBackend == "auto" || cfg.IsolationBackend == "container"
	wantProcess := cfg.IsolationBackend == "auto" || cfg.IsolationBackend == "process"

	if wantMicroVM && profile.Microvm != nil {
		microvm = isolation.NewMicroVMDriver("firecracker", profile.Microvm.KernelPath, profile.Microvm.RootfsPath, profile.Microvm.ControlSock, logger)
	}
	if wantContainer && profile.Container != nil {
		var err error
		container, err = isolation.NewContainerDriver(profile.Container.Image, profile.Container.Hostname, profile.Container.RestartPolicy, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("building container driver: %w", err)
		}
	}
	if wantProcess {
		allowList := []string{}
		if profile.Process != nil {
			allowList = profile.Process.AllowList
		}
		process = isolation.NewProcessDriver(allowList, false, logger)
	}
	return microvm, container, process, nil
}
