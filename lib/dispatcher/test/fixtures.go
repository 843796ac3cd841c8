// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package test provides fixtures and stub collaborators for
// dispatcher tests.
package test

import (
	"fmt"

	"github.com/openbuildfarm/buildfarm/lib/dispatcher/builder"
	"github.com/openbuildfarm/buildfarm/lib/dispatcher/jobqueue"
)

// JobID returns a fake job ID.
func JobID(i int) string {
	return fmt.Sprintf("job-%015d", i)
}

// BuilderName returns a fake builder name.
func BuilderName(i int) string {
	return fmt.Sprintf("bm-test-%03d", i)
}

// Job returns a fake Pending amd64 job with priority i.
func Job(i int) jobqueue.Job {
	return jobqueue.Job{
		ID:           JobID(i),
		Architecture: "amd64",
		Archive:      "primary",
		Priority:     i,
		State:        jobqueue.StatePending,
		Inputs:       map[string]string{"source.tar.gz": fmt.Sprintf("sha256:%064d", i)},
	}
}

// Builder returns a fake active amd64 builder record.
func Builder(i int) builder.Builder {
	return builder.Builder{
		Name:         BuilderName(i),
		URL:          fmt.Sprintf("http://bm-test-%03d:8221", i),
		Architecture: "amd64",
		Active:       true,
	}
}
