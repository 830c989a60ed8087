// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MicroVMProfile configures the microVM isolation driver.
type MicroVMProfile struct {
	KernelPath  string `yaml:"kernel_path"`
	RootfsPath  string `yaml:"rootfs_path"`
	VCPUCount   int    `yaml:"vcpu_count"`
	MemSizeMiB  int    `yaml:"mem_size_mib"`
	ControlSock string `yaml:"control_socket_dir"`
}

// ContainerProfile configures the container isolation driver.
type ContainerProfile struct {
	Image         string `yaml:"image"`
	Hostname      string `yaml:"hostname"`
	RestartPolicy string `yaml:"restart_policy"`
}

// ProcessProfile configures the process-fallback isolation driver.
// AllowList is mandatory per spec.md §4.3: the process driver must
// reject any command outside a per-deployment allow-list.
type ProcessProfile struct {
	AllowList []string `yaml:"allow_list"`
}

// DriverProfile bundles the per-driver-kind settings selected by a
// named profile. Only the fields relevant to the active
// ISOLATION_BACKEND are consulted; the others may be nil.
type DriverProfile struct {
	Microvm   *MicroVMProfile   `yaml:"microvm,omitempty"`
	Container *ContainerProfile `yaml:"container,omitempty"`
	Process   *ProcessProfile   `yaml:"process,omitempty"`
}

// DriverProfileSet is the decoded shape of the driver-profile file.
type DriverProfileSet struct {
	Default  string                   `yaml:"default"`
	Profiles map[string]DriverProfile `yaml:"profiles"`
}

// DefaultDriverProfileSet is used when DRIVER_PROFILE_FILE is unset:
// a single "default" profile carrying only a process driver with an
// empty allow-list (reject everything until configured explicitly).
func DefaultDriverProfileSet() *DriverProfileSet {
	return &DriverProfileSet{
		Default: "default",
		Profiles: map[string]DriverProfile{
			"default": {Process: &ProcessProfile{AllowList: nil}},
		},
	}
}

// Resolve returns the named profile, or the set's default profile
// when name is empty.
func (s *DriverProfileSet) Resolve(name string) (DriverProfile, error) {
	if name == "" {
		name = s.Default
	}
	p, ok := s.Profiles[name]
	if !ok {
		return DriverProfile{}, fmt.Errorf("config: driver profile %q not found", name)
	}
	return p, nil
}

// LoadDriverProfiles reads and strictly decodes a YAML driver-profile
// file. Unknown keys are rejected.
func LoadDriverProfiles(path string) (*DriverProfileSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading driver profiles %s: %w", path, err)
	}

	set := &DriverProfileSet{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(set); err != nil {
		return nil, fmt.Errorf("config: parsing driver profiles %s: %w", path, err)
	}
	if _, ok := set.Profiles[set.Default]; set.Default != "" && !ok {
		return nil, fmt.Errorf("config: driver profiles %s: default %q has no matching profile", path, set.Default)
	}
	return set, nil
}
