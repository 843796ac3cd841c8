// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openbuildfarm/buildfarm/lib/buildd"
	"github.com/openbuildfarm/buildfarm/lib/dispatcher/builder"
	"github.com/openbuildfarm/buildfarm/lib/dispatcher/jobqueue"
)

// fixStaleDispatches settles jobs left in the Dispatching state by a
// prior dispatcher process. It waits for the builder registry to
// recover its state (every builder probed at least once), adopting
// jobs that did reach their assigned builder and requeueing the rest.
// If some builders still haven't answered when the timer expires, the
// remaining jobs are requeued anyway.
func (sch *Scheduler) fixStaleDispatches() {
	ch := sch.registry.Subscribe()
	defer sch.registry.Unsubscribe(ch)
	timeout := time.NewTimer(sch.staleDispatchLimit)
	defer timeout.Stop()
waiting:
	for {
		requeue := false
		select {
		case <-ch:
			// If every builder has been probed, any
			// dispatch that never reached a builder is
			// known lost.
			requeue = sch.registry.CountBuilders()[builder.StateUnknown] == 0
		case <-timeout.C:
			// Give up waiting for unresponsive builders
			// and requeue, even though a builder might
			// still be working on the job. The stale
			// report handling in sync() cleans that up if
			// it surfaces later.
			requeue = true
		case <-sch.stop:
			return
		}

		reports := sch.registry.Reports()
		entries, _ := sch.queue.Entries()
		for id, job := range entries {
			if job.State != jobqueue.StateDispatching {
				continue
			}
			logger := sch.logger.WithFields(logrus.Fields{
				"JobID":   id,
				"Builder": job.AssignedBuilder,
			})
			rep, ok := reports[job.AssignedBuilder]
			if ok && rep.Status.JobID == id && rep.Status.Status != buildd.StatusIdle {
				// The previous process's dispatch did
				// land; adopt it.
				logger.Info("adopting dispatch from previous process")
				if err := sch.queue.Start(id); err != nil {
					logger.WithError(err).Warn("error adopting dispatched job")
				}
				continue
			}
			if !requeue {
				continue waiting
			}
			logger.Info("requeueing stale dispatch from previous process")
			if err := sch.queue.Requeue(id, "stale dispatch"); err != nil {
				logger.WithError(err).Warn("error requeueing stale dispatch")
			}
		}
		return
	}
}
