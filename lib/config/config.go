// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config defines the buildfarm dispatcher configuration file
// format and defaults.
package config

// Config is the root of the dispatcher's YAML configuration file.
type Config struct {
	// Address (host:port) where the management API, metrics, and
	// health endpoints listen.
	Listen string

	// Token required (as "Authorization: Bearer ...") by the
	// management API. If empty, the management API is disabled.
	ManagementToken string

	// PostgreSQL connection string for the job queue and builder
	// records, e.g.
	// "host=/var/run/postgresql dbname=buildfarm sslmode=disable".
	PostgresDSN string

	// Base URL of the upload/publication collaborator that
	// ingests finished build artifacts. If empty, artifacts are
	// acknowledged locally (useful in development).
	UploadServiceURL string

	SystemLogs SystemLogs
	Dispatch   Dispatch
}

// SystemLogs configures process logging.
type SystemLogs struct {
	LogLevel string // "debug", "info", "warn", "error"
	Format   string // "json" or "text"
}

// Dispatch holds the scan/dispatch tunables. Zero values mean "use
// the default".
type Dispatch struct {
	// How often every builder is scanned. All builders are
	// scanned concurrently within one interval.
	ScanInterval Duration

	// How often the job queue cache is refreshed from the store.
	QueueUpdateInterval Duration

	// How often the builder list is refreshed from the store.
	BuilderSyncInterval Duration

	// Timeout for status/info/abort/clean calls to a builder.
	ProbeTimeout Duration

	// Timeout for dispatch (ensurepresent + build) calls, which
	// involve transferring build inputs.
	DispatchTimeout Duration

	// How long a job may stay in the Dispatching state before a
	// restarting dispatcher decides its previous incarnation died
	// mid-dispatch and requeues it.
	StaleDispatchTimeout Duration

	// Consecutive transport-fault count at which a builder is
	// quarantined (removed from automatic rotation).
	FailureThreshold int

	// Consecutive protocol-fault count at which a builder is
	// quarantined. Protocol faults indicate a corrupted worker,
	// so this is typically lower than FailureThreshold.
	ProtocolFailureThreshold int

	// Maximum number of builder-fault requeues per job before the
	// job is failed with reason "too-many-requeues".
	MaxRequeues int
}

// DefaultConfig returns a Config with all defaults filled in.
func DefaultConfig() *Config {
	cfg := &Config{
		Listen: ":9500",
		SystemLogs: SystemLogs{
			LogLevel: "info",
			Format:   "json",
		},
	}
	cfg.Dispatch.setDefaults()
	return cfg
}

func (d *Dispatch) setDefaults() {
	if d.ScanInterval == 0 {
		d.ScanInterval = Duration(defaultScanInterval)
	}
	if d.QueueUpdateInterval == 0 {
		d.QueueUpdateInterval = Duration(defaultQueueUpdateInterval)
	}
	if d.BuilderSyncInterval == 0 {
		d.BuilderSyncInterval = Duration(defaultBuilderSyncInterval)
	}
	if d.ProbeTimeout == 0 {
		d.ProbeTimeout = Duration(defaultProbeTimeout)
	}
	if d.DispatchTimeout == 0 {
		d.DispatchTimeout = Duration(defaultDispatchTimeout)
	}
	if d.StaleDispatchTimeout == 0 {
		d.StaleDispatchTimeout = Duration(defaultStaleDispatchTimeout)
	}
	if d.FailureThreshold == 0 {
		d.FailureThreshold = defaultFailureThreshold
	}
	if d.ProtocolFailureThreshold == 0 {
		d.ProtocolFailureThreshold = defaultProtocolFailureThreshold
	}
	if d.MaxRequeues == 0 {
		d.MaxRequeues = defaultMaxRequeues
	}
}
