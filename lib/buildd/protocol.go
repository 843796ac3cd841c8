// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package buildd implements the client side of the worker RPC
// protocol spoken by builder machines.
//
// The client is a thin transport layer: every call either succeeds,
// returns a fault reported by the worker, or returns a transport or
// protocol error. It never retries, and never touches builder or job
// records -- classification and recovery policy belong to the
// dispatcher.
package buildd

// Status is a worker's self-reported state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusBuilding Status = "building"
	StatusAborting Status = "aborting"
	// StatusWaiting means the worker finished (or aborted) a job
	// and is holding the result until the dispatcher collects it
	// and calls clean.
	StatusWaiting Status = "waiting"
)

// Outcome is the final disposition of a job as reported by the
// worker in StatusWaiting.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeFailed  Outcome = "failed"
	OutcomeDepWait Outcome = "depwait"
	OutcomeAborted Outcome = "aborted"
)

// Info is the worker's capability report (the "info" method).
type Info struct {
	ProtocolVersion string   `json:"protocol_version"`
	Methods         []string `json:"methods"`
	Architecture    string   `json:"architecture"`
	Virtualized     bool     `json:"virtualized"`
}

// StatusReply is the worker's answer to the "status" method.
type StatusReply struct {
	Status Status `json:"status"`
	// JobID is the job the worker is running (or holding results
	// for). Empty when idle.
	JobID string `json:"job_id,omitempty"`
	// Outcome is set only in StatusWaiting.
	Outcome Outcome `json:"outcome,omitempty"`
	// Artifact is a retrievable artifact reference, set when
	// Outcome is OutcomeOK.
	Artifact string `json:"artifact,omitempty"`
	// Reason is the worker's machine-readable failure reason, set
	// when Outcome indicates a failed build.
	Reason string `json:"reason,omitempty"`
}

// BuildRequest is the payload of the "build" method.
type BuildRequest struct {
	JobID        string `json:"job_id"`
	Architecture string `json:"architecture"`
	Virtualized  bool   `json:"virtualized"`
	// Inputs maps input file names to digests. The worker fetches
	// anything it doesn't already have (see EnsurePresent).
	Inputs map[string]string `json:"inputs,omitempty"`
}

// Fault is a structured failure reported by the worker for an RPC
// call, e.g. "build" when it is already building something.
type Fault struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

func (f *Fault) Error() string {
	return "worker fault " + f.Code + ": " + f.Info
}
