// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobqueue_test

import (
	"sync"

	"github.com/openbuildfarm/buildfarm/lib/dispatcher/jobqueue"
	"github.com/openbuildfarm/buildfarm/lib/dispatcher/test"
	check "gopkg.in/check.v1"
)

const maxRequeues = 3

var _ = check.Suite(&QueueSuite{})

type QueueSuite struct {
	store *test.Store
	queue *jobqueue.Queue
}

func (s *QueueSuite) SetUpTest(c *check.C) {
	s.store = &test.Store{}
	s.queue = jobqueue.NewQueue(test.Logger(), nil, s.store, maxRequeues)
}

func (s *QueueSuite) TestUpdate(c *check.C) {
	s.store.AddJob(test.Job(1))
	s.store.AddJob(test.Job(2))
	done := test.Job(3)
	done.State = jobqueue.StateSucceeded
	s.store.AddJob(done)

	c.Assert(s.queue.Update(), check.IsNil)
	entries, _ := s.queue.Entries()
	c.Check(entries, check.HasLen, 2)
	_, ok := s.queue.Get(test.JobID(3))
	c.Check(ok, check.Equals, false)
	job, ok := s.queue.Get(test.JobID(1))
	c.Check(ok, check.Equals, true)
	c.Check(job.State, check.Equals, jobqueue.StatePending)
}

func (s *QueueSuite) TestClaimRace(c *check.C) {
	s.store.AddJob(test.Job(1))
	c.Assert(s.queue.Update(), check.IsNil)

	// At most one concurrent Claim can win.
	const claimers = 50
	var wg sync.WaitGroup
	errs := make([]error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.queue.Claim(test.JobID(1), test.BuilderName(i))
		}(i)
	}
	wg.Wait()
	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			c.Check(err, check.Equals, jobqueue.ErrNotPending)
		}
	}
	c.Check(won, check.Equals, 1)

	job, ok := s.store.Job(test.JobID(1))
	c.Assert(ok, check.Equals, true)
	c.Check(job.State, check.Equals, jobqueue.StateDispatching)
	c.Check(job.AssignedBuilder, check.Not(check.Equals), "")
}

func (s *QueueSuite) TestClaimUpdatesCache(c *check.C) {
	s.store.AddJob(test.Job(1))
	c.Assert(s.queue.Update(), check.IsNil)
	c.Assert(s.queue.Claim(test.JobID(1), "bm-1"), check.IsNil)
	job, ok := s.queue.Get(test.JobID(1))
	c.Assert(ok, check.Equals, true)
	c.Check(job.State, check.Equals, jobqueue.StateDispatching)
	c.Check(job.AssignedBuilder, check.Equals, "bm-1")
}

func (s *QueueSuite) TestIllegalTransitions(c *check.C) {
	s.store.AddJob(test.Job(1))
	c.Assert(s.queue.Update(), check.IsNil)

	// Pending job has not been dispatched, so it cannot start or
	// finish uploading.
	c.Check(s.queue.Start(test.JobID(1)), check.NotNil)
	c.Check(s.queue.Uploading(test.JobID(1)), check.NotNil)
	// Succeeded is only reachable from Uploading.
	_, err := s.queue.Complete(test.JobID(1), jobqueue.StateSucceeded, "")
	c.Check(err, check.ErrorMatches, `illegal job state transition Pending→Succeeded`)
	// Failed is reachable from anywhere non-terminal.
	state, err := s.queue.Complete(test.JobID(1), jobqueue.StateFailed, "invalid definition")
	c.Check(err, check.IsNil)
	c.Check(state, check.Equals, jobqueue.StateFailed)
}

func (s *QueueSuite) TestLifecycle(c *check.C) {
	s.store.AddJob(test.Job(1))
	c.Assert(s.queue.Update(), check.IsNil)

	c.Assert(s.queue.Claim(test.JobID(1), "bm-1"), check.IsNil)
	c.Assert(s.queue.Start(test.JobID(1)), check.IsNil)
	c.Assert(s.queue.Uploading(test.JobID(1)), check.IsNil)
	state, err := s.queue.Complete(test.JobID(1), jobqueue.StateSucceeded, "")
	c.Assert(err, check.IsNil)
	c.Check(state, check.Equals, jobqueue.StateSucceeded)

	job, _ := s.store.Job(test.JobID(1))
	c.Check(job.AssignedBuilder, check.Equals, "")

	// Completing a finished job is a no-op reporting the existing
	// outcome.
	state, err = s.queue.Complete(test.JobID(1), jobqueue.StateFailed, "never mind")
	c.Check(err, check.IsNil)
	c.Check(state, check.Equals, jobqueue.StateSucceeded)
	job, _ = s.store.Job(test.JobID(1))
	c.Check(job.FailureReason, check.Equals, "")
}

func (s *QueueSuite) TestRequeue(c *check.C) {
	s.store.AddJob(test.Job(1))
	c.Assert(s.queue.Update(), check.IsNil)
	c.Assert(s.queue.Claim(test.JobID(1), "bm-1"), check.IsNil)

	c.Assert(s.queue.Requeue(test.JobID(1), "dispatch timed out"), check.IsNil)
	job, _ := s.store.Job(test.JobID(1))
	c.Check(job.State, check.Equals, jobqueue.StatePending)
	c.Check(job.AssignedBuilder, check.Equals, "")
	c.Check(job.Requeues, check.Equals, 1)

	// Requeueing an already-pending job changes nothing.
	c.Assert(s.queue.Requeue(test.JobID(1), "dispatch timed out"), check.IsNil)
	job, _ = s.store.Job(test.JobID(1))
	c.Check(job.Requeues, check.Equals, 1)
}

func (s *QueueSuite) TestRequeueCap(c *check.C) {
	s.store.AddJob(test.Job(1))
	c.Assert(s.queue.Update(), check.IsNil)

	for i := 0; i < maxRequeues; i++ {
		c.Assert(s.queue.Claim(test.JobID(1), "bm-1"), check.IsNil)
		c.Assert(s.queue.Requeue(test.JobID(1), "builder fault"), check.IsNil)
	}
	job, _ := s.store.Job(test.JobID(1))
	c.Check(job.State, check.Equals, jobqueue.StatePending)
	c.Check(job.Requeues, check.Equals, maxRequeues)

	// The next builder fault exhausts the cap and fails the job.
	c.Assert(s.queue.Claim(test.JobID(1), "bm-1"), check.IsNil)
	c.Assert(s.queue.Requeue(test.JobID(1), "builder fault"), check.IsNil)
	job, _ = s.store.Job(test.JobID(1))
	c.Check(job.State, check.Equals, jobqueue.StateFailed)
	c.Check(job.FailureReason, check.Equals, "too-many-requeues: builder fault")
}

func (s *QueueSuite) TestRequeueTerminal(c *check.C) {
	job := test.Job(1)
	job.State = jobqueue.StateCancelled
	s.store.AddJob(job)
	c.Check(s.queue.Requeue(test.JobID(1), "oops"), check.ErrorMatches, `cannot requeue job .* in state Cancelled`)
}

func (s *QueueSuite) TestCancelPending(c *check.C) {
	s.store.AddJob(test.Job(1))
	c.Assert(s.queue.Update(), check.IsNil)
	c.Assert(s.queue.Cancel(test.JobID(1)), check.IsNil)
	job, _ := s.store.Job(test.JobID(1))
	c.Check(job.State, check.Equals, jobqueue.StateCancelled)
}

func (s *QueueSuite) TestCancelBuilding(c *check.C) {
	s.store.AddJob(test.Job(1))
	c.Assert(s.queue.Update(), check.IsNil)
	c.Assert(s.queue.Claim(test.JobID(1), "bm-1"), check.IsNil)
	c.Assert(s.queue.Start(test.JobID(1)), check.IsNil)

	// A job already on a builder is only flagged; the scheduler
	// finishes the cancellation after the builder aborts.
	c.Assert(s.queue.Cancel(test.JobID(1)), check.IsNil)
	job, _ := s.store.Job(test.JobID(1))
	c.Check(job.State, check.Equals, jobqueue.StateBuilding)
	c.Check(job.CancelRequested, check.Equals, true)

	// Cancel again: no-op.
	c.Assert(s.queue.Cancel(test.JobID(1)), check.IsNil)

	c.Assert(s.queue.FinishCancel(test.JobID(1)), check.IsNil)
	job, _ = s.store.Job(test.JobID(1))
	c.Check(job.State, check.Equals, jobqueue.StateCancelled)
	c.Check(job.AssignedBuilder, check.Equals, "")

	// Cancelling a cancelled job: no-op.
	c.Assert(s.queue.Cancel(test.JobID(1)), check.IsNil)
}

func (s *QueueSuite) TestForget(c *check.C) {
	s.store.AddJob(test.Job(1))
	c.Assert(s.queue.Update(), check.IsNil)

	// Forget declines until the job is finished.
	s.queue.Forget(test.JobID(1))
	_, ok := s.queue.Get(test.JobID(1))
	c.Check(ok, check.Equals, true)

	_, err := s.queue.Complete(test.JobID(1), jobqueue.StateFailed, "x")
	c.Assert(err, check.IsNil)
	s.queue.Forget(test.JobID(1))
	_, ok = s.queue.Get(test.JobID(1))
	c.Check(ok, check.Equals, false)
}

func (s *QueueSuite) TestSubscribe(c *check.C) {
	s.store.AddJob(test.Job(1))
	ch := s.queue.Subscribe()
	defer s.queue.Unsubscribe(ch)
	c.Assert(s.queue.Update(), check.IsNil)
	select {
	case <-ch:
	default:
		c.Error("expected notification after Update")
	}
}
