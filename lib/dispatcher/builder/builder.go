// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package builder tracks the farm's builder machines: it keeps a
// monitor per builder that probes the remote worker on every scan,
// reserves idle builders for dispatch, and quarantines builders that
// fail too many probes in a row.
package builder

import (
	"context"
	"sync"
	"time"

	"github.com/openbuildfarm/buildfarm/lib/buildd"
	"github.com/sirupsen/logrus"
)

// State indicates whether a builder is available to run a job, and
// (if not) why.
type State int

const (
	StateUnknown     State = iota // no successful probe yet
	StateIdle                     // reachable, not running anything
	StateBusy                     // dispatching or running a job
	StateQuarantined              // removed from rotation after repeated faults
)

var stateString = map[State]string{
	StateUnknown:     "unknown",
	StateIdle:        "idle",
	StateBusy:        "busy",
	StateQuarantined: "quarantined",
}

// String implements fmt.Stringer.
func (s State) String() string {
	return stateString[s]
}

// MarshalText implements encoding.TextMarshaler so a JSON encoding of
// map[State]anything uses the state's string representation.
func (s State) MarshalText() ([]byte, error) {
	return []byte(stateString[s]), nil
}

// A Builder is the stored record for one builder machine: where its
// worker listens, what it can build, and whether the farm may use it.
type Builder struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	Architecture string `json:"architecture"`
	Virtualized  bool   `json:"virtualized"`

	// OpenArchiveOnly builders never receive jobs from private
	// archives.
	OpenArchiveOnly bool `json:"open_archive_only"`

	// Manual builders are probed (so operators can see them) but
	// never dispatched to automatically.
	Manual bool `json:"manual"`

	// Active is cleared when a builder is quarantined. Inactive
	// builders are neither probed nor dispatched to until an
	// operator reactivates them.
	Active bool `json:"active"`

	// FailureNote records why the builder was last quarantined.
	FailureNote string `json:"failure_note,omitempty"`
}

// A BuilderUpdate changes part of a stored builder record. Nil fields
// are left alone.
type BuilderUpdate struct {
	Active      *bool
	Manual      *bool
	FailureNote *string
}

// A BuilderSource is where builder records live (normally the
// dispatcher's database).
type BuilderSource interface {
	ListBuilders(ctx context.Context) ([]Builder, error)
	UpdateBuilder(ctx context.Context, name string, upd BuilderUpdate) error
}

// A Report is a monitor's view of one builder after its most recent
// successful probe, used by the scheduler to reconcile the job queue
// with what the builders are actually doing.
type Report struct {
	Builder Builder
	State   State
	// Status is the worker's own answer to the last status probe.
	Status buildd.StatusReply
	// Updated is when Status was obtained.
	Updated time.Time
}

type monitor struct {
	logger logrus.FieldLogger
	client buildd.API
	reg    *Registry

	mtx         sync.Locker // must be reg's Locker.
	builder     Builder
	state       State
	currentJob  string // job reserved/dispatched by this process
	dispatching bool   // dispatch RPCs in flight for currentJob
	appeared    time.Time
	probed      time.Time // last probe attempt
	updated     time.Time
	lastContact time.Time // last successful RPC of any kind
	lastStatus  buildd.StatusReply
	failures    map[buildd.FaultKind]int
	probing     chan struct{}
}

// ProbeAndUpdate runs a status probe unless one is already in flight.
//
// It should be called in a new goroutine.
func (mon *monitor) ProbeAndUpdate() {
	select {
	case mon.probing <- struct{}{}:
		mon.probeAndUpdate()
		<-mon.probing
	default:
		mon.logger.Debug("still waiting for last probe to finish")
	}
}

func (mon *monitor) probeAndUpdate() {
	mon.mtx.Lock()
	updated := mon.updated
	initialState := mon.state
	active := mon.builder.Active
	mon.mtx.Unlock()

	if initialState == StateQuarantined || !active {
		return
	}

	probeStart := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), mon.reg.probeTimeout)
	reply, err := mon.client.Status(ctx)
	cancel()

	mon.mtx.Lock()
	defer mon.mtx.Unlock()
	mon.probed = probeStart
	if err != nil {
		kind := buildd.Classify(err)
		mon.logger.WithFields(logrus.Fields{
			"FaultKind": kind,
			"Duration":  time.Since(probeStart),
		}).WithError(err).Warn("probe failed")
		mon.recordFault(kind, err.Error())
		return
	}

	if mon.updated.After(updated) {
		// A dispatch or release happened while the probe was
		// in flight; the reply may predate it. Wait for the
		// next probe instead of clobbering fresher state.
		return
	}

	now := time.Now()
	mon.lastContact = now
	mon.lastStatus = reply
	mon.failures = map[buildd.FaultKind]int{}

	state := StateBusy
	if reply.Status == buildd.StatusIdle && mon.currentJob == "" && !mon.dispatching {
		state = StateIdle
	}
	changed := state != mon.state
	mon.state = state
	mon.updated = now
	if changed {
		if initialState == StateUnknown {
			mon.logger.WithField("State", state).Info("probe succeeded, builder is in service")
		} else {
			mon.logger.WithFields(logrus.Fields{
				"From": initialState,
				"To":   state,
			}).Debug("builder state changed")
		}
		go mon.reg.notify()
	}
}

// recordFault counts a builder-attributed fault and quarantines the
// builder when a threshold is crossed. Caller must have lock.
func (mon *monitor) recordFault(kind buildd.FaultKind, reason string) {
	if kind == buildd.FaultBuild {
		// The job failed, not the builder.
		return
	}
	mon.failures[kind]++
	mon.updated = time.Now()
	mon.reg.mFaults.WithLabelValues(mon.builder.Name, string(kind)).Inc()

	threshold := mon.reg.failureThreshold
	if kind == buildd.FaultProtocol {
		threshold = mon.reg.protocolFailureThreshold
	}
	if mon.failures[kind] < threshold {
		return
	}

	mon.state = StateQuarantined
	mon.builder.Active = false
	mon.builder.FailureNote = reason
	mon.reg.mQuarantines.Inc()
	mon.logger.WithFields(logrus.Fields{
		"FaultKind":           kind,
		"ConsecutiveFailures": mon.failures[kind],
		"Reason":              reason,
	}).Error("quarantining builder")

	name := mon.builder.Name
	active := false
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		err := mon.reg.source.UpdateBuilder(ctx, name, BuilderUpdate{
			Active:      &active,
			FailureNote: &reason,
		})
		if err != nil {
			mon.reg.logger.WithField("Builder", name).WithError(err).Error("error saving quarantine")
		}
		mon.reg.notify()
	}()
}
