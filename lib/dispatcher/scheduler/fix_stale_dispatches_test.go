// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"github.com/openbuildfarm/buildfarm/lib/buildd"
	"github.com/openbuildfarm/buildfarm/lib/dispatcher/jobqueue"
	"github.com/openbuildfarm/buildfarm/lib/dispatcher/test"
	check "gopkg.in/check.v1"
)

// addDispatching stores a job left in StateDispatching by a previous
// dispatcher process and refreshes the queue cache.
func (s *SchedulerSuite) addDispatching(c *check.C, i int, builderName string) {
	job := test.Job(i)
	job.State = jobqueue.StateDispatching
	job.AssignedBuilder = builderName
	s.store.AddJob(job)
	c.Assert(s.queue.Update(), check.IsNil)
}

func (s *SchedulerSuite) TestFixStaleDispatchesAdopt(c *check.C) {
	b := test.Builder(1)
	s.addDispatching(c, 1, b.Name)
	// The previous process's dispatch did land: the builder is
	// running the job.
	s.registry.setReport(b, buildd.StatusReply{
		Status: buildd.StatusBuilding,
		JobID:  test.JobID(1),
	})
	s.registry.notify <- struct{}{}

	s.sch.fixStaleDispatches()

	job, ok := s.store.Job(test.JobID(1))
	c.Assert(ok, check.Equals, true)
	c.Check(job.State, check.Equals, jobqueue.StateBuilding)
	c.Check(job.Requeues, check.Equals, 0)
}

func (s *SchedulerSuite) TestFixStaleDispatchesRequeue(c *check.C) {
	b := test.Builder(1)
	s.addDispatching(c, 1, b.Name)
	// Every builder has been probed and none mentions the job: the
	// dispatch never landed.
	s.registry.setReport(b, buildd.StatusReply{Status: buildd.StatusIdle})
	s.registry.notify <- struct{}{}

	s.sch.fixStaleDispatches()

	job, ok := s.store.Job(test.JobID(1))
	c.Assert(ok, check.Equals, true)
	c.Check(job.State, check.Equals, jobqueue.StatePending)
	c.Check(job.Requeues, check.Equals, 1)
	c.Check(job.AssignedBuilder, check.Equals, "")
}

func (s *SchedulerSuite) TestFixStaleDispatchesTimeout(c *check.C) {
	s.addDispatching(c, 1, test.BuilderName(1))
	// One builder never answers its probe. After staleDispatchLimit
	// the job is requeued anyway.
	s.registry.Lock()
	s.registry.unknown = 1
	s.registry.Unlock()
	s.registry.notify <- struct{}{}

	s.sch.fixStaleDispatches()

	job, ok := s.store.Job(test.JobID(1))
	c.Assert(ok, check.Equals, true)
	c.Check(job.State, check.Equals, jobqueue.StatePending)
	c.Check(job.Requeues, check.Equals, 1)
}
