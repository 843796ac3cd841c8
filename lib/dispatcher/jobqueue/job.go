// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobqueue presents the queue of build-farm jobs to the
// scheduler, and owns the job lifecycle state machine.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openbuildfarm/buildfarm/lib/config"
)

// State is a job's lifecycle state.
type State string

const (
	StatePending     State = "Pending"
	StateDispatching State = "Dispatching"
	StateBuilding    State = "Building"
	StateUploading   State = "Uploading"
	StateSucceeded   State = "Succeeded"
	StateFailed      State = "Failed"
	StateCancelled   State = "Cancelled"
	StateSuperseded  State = "Superseded"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateSuperseded:
		return true
	}
	return false
}

// legalTransition defines the legal lifecycle edges. Failed and
// Cancelled are reachable from any non-terminal state; Succeeded only
// from Uploading; Superseded only from Pending (the enqueuer replaces
// a job before it is dispatched).
var legalTransition = map[State]map[State]bool{
	StatePending: {
		StateDispatching: true,
		StateFailed:      true,
		StateCancelled:   true,
		StateSuperseded:  true,
	},
	StateDispatching: {
		StateBuilding:  true,
		StatePending:   true, // requeue after builder fault
		StateFailed:    true,
		StateCancelled: true,
	},
	StateBuilding: {
		StateUploading: true,
		StatePending:   true, // requeue after builder fault
		StateFailed:    true,
		StateCancelled: true,
	},
	StateUploading: {
		StateSucceeded: true,
		StatePending:   true, // requeue after failed artifact collection
		StateFailed:    true,
		StateCancelled: true,
	},
}

// CheckTransition returns an error unless from→to is a legal
// lifecycle edge. A self-transition is always allowed (it only
// updates non-state fields).
func CheckTransition(from, to State) error {
	if from == to {
		return nil
	}
	if legalTransition[from][to] {
		return nil
	}
	return fmt.Errorf("illegal job state transition %s→%s", from, to)
}

// A Job is one unit of build work, annotated with the requirements a
// builder must satisfy to run it.
type Job struct {
	ID           string `json:"id"`
	Architecture string `json:"architecture"`
	Virtualized  bool   `json:"virtualized"`

	// Owning archive and its restriction class. Builders flagged
	// open-archive-only never see jobs with ArchivePrivate.
	Archive        string `json:"archive"`
	ArchivePrivate bool   `json:"archive_private"`

	// Higher priority dispatches first; ties break by CreatedAt,
	// then ID.
	Priority          int             `json:"priority"`
	EstimatedDuration config.Duration `json:"estimated_duration"`

	State           State  `json:"state"`
	AssignedBuilder string `json:"assigned_builder,omitempty"`

	// Requeues counts builder-fault requeues. It is not a retry
	// budget for the job's own failures: build faults are
	// terminal.
	Requeues        int    `json:"requeues"`
	CancelRequested bool   `json:"cancel_requested,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`

	// Inputs maps build input names to digests, handed to the
	// worker verbatim at dispatch.
	Inputs map[string]string `json:"inputs,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var (
	// ErrUnknownJob is returned for operations on job IDs the
	// store has never seen.
	ErrUnknownJob = errors.New("no such job")
	// ErrStateChanged is returned by Store.CompareAndUpdate when
	// the compare step fails.
	ErrStateChanged = errors.New("job state changed by someone else")
	// ErrNotPending is returned by Claim when the job has already
	// been claimed (or otherwise left Pending) -- i.e., the caller
	// lost a dispatch race and should just try the next job.
	ErrNotPending = errors.New("job is not pending")
)

// JobUpdate is the set of changes applied atomically by
// Store.CompareAndUpdate. Nil pointer fields are left unchanged.
type JobUpdate struct {
	State           State
	AssignedBuilder *string
	IncRequeues     bool
	FailureReason   *string
	CancelRequested *bool
}

// A Store is the persistence seam under the Queue. Implementations
// must provide compare-and-set semantics: CompareAndUpdate applies
// the update if and only if the job's current state equals from, so
// two concurrent scan cycles can never both claim the same job.
//
// On ErrStateChanged the returned Job is the stored record as it was
// when the compare failed, letting the caller retry from fresh state.
type Store interface {
	// LoadJobs returns all jobs in a non-terminal state.
	LoadJobs(ctx context.Context) ([]Job, error)
	CompareAndUpdate(ctx context.Context, id string, from State, upd JobUpdate) (Job, error)
}
