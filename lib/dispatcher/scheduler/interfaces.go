// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"time"

	"github.com/openbuildfarm/buildfarm/lib/buildd"
	"github.com/openbuildfarm/buildfarm/lib/dispatcher/builder"
	"github.com/openbuildfarm/buildfarm/lib/dispatcher/jobqueue"
)

// A JobQueue is the set of jobs that need to be dispatched, watched,
// or finished. Implemented by jobqueue.Queue and test stubs.
type JobQueue interface {
	Entries() (entries map[string]jobqueue.Job, updated time.Time)
	Get(id string) (jobqueue.Job, bool)
	Claim(id, builderName string) error
	Start(id string) error
	Uploading(id string) error
	Requeue(id, reason string) error
	Complete(id string, outcome jobqueue.State, reason string) (jobqueue.State, error)
	FinishCancel(id string) error
	Forget(id string)
	Subscribe() <-chan struct{}
	Unsubscribe(<-chan struct{})
	Update() error
}

// A BuilderRegistry probes builders and runs jobs on them.
// Implemented by builder.Registry and test stubs.
type BuilderRegistry interface {
	Eligible() []builder.Builder
	Reserve(name, jobID string) bool
	StartJob(ctx context.Context, name, jobID, architecture string, virtualized bool, inputs map[string]string) error
	AbortJob(name string)
	ReleaseJob(name string, clean bool)
	RecordFault(name string, kind buildd.FaultKind, reason string)
	CountBuilders() map[builder.State]int
	Reports() map[string]builder.Report
	Subscribe() <-chan struct{}
	Unsubscribe(<-chan struct{})
}

// An Uploader ingests a finished build's artifact from the builder
// that is holding it. Implemented by the dispatcher's upload client
// and test stubs.
type Uploader interface {
	Collect(ctx context.Context, job jobqueue.Job, artifact string) error
}
