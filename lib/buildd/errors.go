// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package buildd

import (
	"errors"
	"fmt"
)

// FaultKind classifies an interaction failure for retry/quarantine
// policy.
type FaultKind string

const (
	// FaultTransport: timeout, connection refused, etc. Always
	// builder-attributed, never terminal for the job.
	FaultTransport FaultKind = "transport"
	// FaultProtocol: malformed response, unexpected state report,
	// worker-side RPC fault. Builder-attributed, escalates faster
	// than transport faults.
	FaultProtocol FaultKind = "protocol"
	// FaultBuild: the worker ran the job and it failed.
	// Job-attributed and terminal.
	FaultBuild FaultKind = "build"
)

// TransportError wraps a network-level failure (including an expired
// call deadline).
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %s", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError indicates the worker responded, but not in a way the
// protocol allows.
type ProtocolError struct {
	Method string
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: protocol error: %s: %s", e.Method, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: protocol error: %s", e.Method, e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Classify maps a client call error to a FaultKind. Unrecognized
// errors count as transport faults: they indicate we couldn't
// complete a conversation with the worker, not that the worker is
// corrupted.
func Classify(err error) FaultKind {
	var pe *ProtocolError
	var f *Fault
	if errors.As(err, &pe) || errors.As(err, &f) {
		return FaultProtocol
	}
	return FaultTransport
}
