// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"errors"

	"github.com/openbuildfarm/buildfarm/lib/dispatcher/builder"
	"github.com/openbuildfarm/buildfarm/lib/dispatcher/jobqueue"
	"github.com/openbuildfarm/buildfarm/lib/dispatcher/test"
	check "gopkg.in/check.v1"
)

func (s *SchedulerSuite) TestDispatchPriorityOrder(c *check.C) {
	for i := 1; i <= 3; i++ {
		s.store.AddJob(test.Job(i))
	}
	s.registry.builders = []builder.Builder{test.Builder(1), test.Builder(2)}
	c.Assert(s.queue.Update(), check.IsNil)

	s.sch.runQueue()

	// The two highest-priority jobs start building; the third has
	// no builder left.
	s.waitState(c, test.JobID(3), jobqueue.StateBuilding)
	s.waitState(c, test.JobID(2), jobqueue.StateBuilding)
	job, ok := s.store.Job(test.JobID(1))
	c.Assert(ok, check.Equals, true)
	c.Check(job.State, check.Equals, jobqueue.StatePending)

	s.registry.Lock()
	defer s.registry.Unlock()
	c.Check(s.registry.started[test.JobID(3)], check.Not(check.Equals), "")
	c.Check(s.registry.started[test.JobID(2)], check.Not(check.Equals), "")
	c.Check(s.registry.started[test.JobID(1)], check.Equals, "")
}

func (s *SchedulerSuite) TestDispatchEligibility(c *check.C) {
	private := test.Job(1)
	private.ArchivePrivate = true
	armOnly := test.Job(2)
	armOnly.Architecture = "arm64"
	needsVM := test.Job(3)
	needsVM.Virtualized = true
	for _, job := range []jobqueue.Job{private, armOnly, needsVM} {
		s.store.AddJob(job)
	}
	restricted := test.Builder(1)
	restricted.OpenArchiveOnly = true
	s.registry.builders = []builder.Builder{restricted}
	c.Assert(s.queue.Update(), check.IsNil)

	s.sch.runQueue()

	// No builder satisfies any job: wrong architecture, no
	// virtualization, and the open-archive-only builder must not
	// see the private-archive job.
	s.registry.Lock()
	c.Check(s.registry.started, check.HasLen, 0)
	c.Check(s.registry.reserved, check.HasLen, 0)
	s.registry.Unlock()
	for i := 1; i <= 3; i++ {
		job, ok := s.store.Job(test.JobID(i))
		c.Assert(ok, check.Equals, true)
		c.Check(job.State, check.Equals, jobqueue.StatePending)
	}
}

func (s *SchedulerSuite) TestDispatchSkipsRestrictedJobForOpenBuilder(c *check.C) {
	// The higher-priority job needs a private archive; the only
	// idle builder is open-archive-only. The lower-priority open
	// job must be dispatched in the same pass, leaving the
	// restricted job pending without blocking the queue.
	restricted := test.Job(2)
	restricted.ArchivePrivate = true
	open := test.Job(1)
	s.store.AddJob(restricted)
	s.store.AddJob(open)
	b := test.Builder(1)
	b.OpenArchiveOnly = true
	s.registry.builders = []builder.Builder{b}
	c.Assert(s.queue.Update(), check.IsNil)

	s.sch.runQueue()

	job := s.waitState(c, test.JobID(1), jobqueue.StateBuilding)
	c.Check(job.AssignedBuilder, check.Equals, b.Name)
	skipped, ok := s.store.Job(test.JobID(2))
	c.Assert(ok, check.Equals, true)
	c.Check(skipped.State, check.Equals, jobqueue.StatePending)
	s.registry.Lock()
	defer s.registry.Unlock()
	c.Check(s.registry.started[test.JobID(1)], check.Equals, b.Name)
	c.Check(s.registry.started[test.JobID(2)], check.Equals, "")
}

func (s *SchedulerSuite) TestDispatchFailureRequeues(c *check.C) {
	s.store.AddJob(test.Job(1))
	b := test.Builder(1)
	s.registry.builders = []builder.Builder{b}
	s.registry.startErr[b.Name] = errors.New("worker fault busy: already building")
	c.Assert(s.queue.Update(), check.IsNil)

	s.sch.runQueue()

	// The failed dispatch puts the job back in the queue without
	// burning its place, and charges the requeue to the builder.
	job := s.waitState(c, test.JobID(1), jobqueue.StatePending)
	s.waitFor(c, func() bool {
		job, _ = s.store.Job(test.JobID(1))
		return job.Requeues == 1
	})
	c.Check(job.AssignedBuilder, check.Equals, "")
	s.registry.Lock()
	defer s.registry.Unlock()
	c.Check(s.registry.started, check.HasLen, 0)
}

func (s *SchedulerSuite) TestDispatchClaimRace(c *check.C) {
	s.store.AddJob(test.Job(1))
	b := test.Builder(1)
	s.registry.builders = []builder.Builder{b}
	c.Assert(s.queue.Update(), check.IsNil)

	// Another dispatcher claims the job after our cache was read.
	raced := test.Job(1)
	raced.State = jobqueue.StateDispatching
	raced.AssignedBuilder = "bm-elsewhere-000"
	s.store.AddJob(raced)

	s.sch.runQueue()

	// The losing claim releases the builder reservation without a
	// clean cycle, and nothing is dispatched.
	s.waitFor(c, func() bool {
		s.registry.Lock()
		defer s.registry.Unlock()
		clean, released := s.registry.released[b.Name]
		return released && !clean
	})
	s.registry.Lock()
	defer s.registry.Unlock()
	c.Check(s.registry.started, check.HasLen, 0)
	c.Check(s.registry.reserved, check.HasLen, 0)
}

func (s *SchedulerSuite) TestCancelRequestedPendingJob(c *check.C) {
	job := test.Job(1)
	job.CancelRequested = true
	s.store.AddJob(job)
	s.registry.builders = []builder.Builder{test.Builder(1)}
	c.Assert(s.queue.Update(), check.IsNil)

	s.sch.runQueue()
	s.sch.sync()

	// The dispatch pass skips the job; the reconcile pass cancels
	// it without builder involvement.
	s.waitState(c, test.JobID(1), jobqueue.StateCancelled)
	s.registry.Lock()
	defer s.registry.Unlock()
	c.Check(s.registry.started, check.HasLen, 0)
	c.Check(s.registry.reserved, check.HasLen, 0)
}
