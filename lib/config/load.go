// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ghodss/yaml"
)

const (
	defaultScanInterval             = 15 * time.Second
	defaultQueueUpdateInterval      = 10 * time.Second
	defaultBuilderSyncInterval      = time.Minute
	defaultProbeTimeout             = 5 * time.Second
	defaultDispatchTimeout          = time.Minute
	defaultStaleDispatchTimeout     = 5 * time.Minute
	defaultFailureThreshold         = 3
	defaultProtocolFailureThreshold = 2
	defaultMaxRequeues              = 5
)

// DefaultConfigPath is where Load looks when no path is given.
const DefaultConfigPath = "/etc/buildfarm/dispatcher.yml"

// Load reads, parses, and validates the YAML config file at the
// given path, filling in defaults for any omitted values.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return Parse(buf)
}

// Parse parses and validates a YAML config document.
func Parse(buf []byte) (*Config, error) {
	cfg := DefaultConfig()
	err := yaml.Unmarshal(buf, cfg)
	if err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	cfg.Dispatch.setDefaults()
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) check() error {
	switch cfg.SystemLogs.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("unsupported log format %q", cfg.SystemLogs.Format)
	}
	if cfg.Dispatch.ProbeTimeout.Duration() >= cfg.Dispatch.ScanInterval.Duration()*10 {
		return fmt.Errorf("ProbeTimeout (%s) is unreasonably long compared to ScanInterval (%s)",
			cfg.Dispatch.ProbeTimeout, cfg.Dispatch.ScanInterval)
	}
	return nil
}
