// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openbuildfarm/buildfarm/lib/dispatcher/builder"
	"github.com/openbuildfarm/buildfarm/lib/dispatcher/jobqueue"
)

// eligibleBuilder reports whether b satisfies all of job's
// requirements.
func eligibleBuilder(b builder.Builder, job jobqueue.Job) bool {
	return b.Architecture == job.Architecture &&
		b.Virtualized == job.Virtualized &&
		!(job.ArchivePrivate && b.OpenArchiveOnly)
}

// runQueue claims pending jobs for matching idle builders, highest
// priority first. Ties break by age (oldest first), then by job ID so
// repeated passes over an unchanged queue make the same decisions.
func (sch *Scheduler) runQueue() {
	unsorted, _ := sch.queue.Entries()
	sorted := make([]jobqueue.Job, 0, len(unsorted))
	for _, job := range unsorted {
		if job.State == jobqueue.StatePending && !job.CancelRequested {
			sorted = append(sorted, job)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if pi, pj := sorted[i].Priority, sorted[j].Priority; pi != pj {
			return pi > pj
		}
		if ci, cj := sorted[i].CreatedAt, sorted[j].CreatedAt; !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return sorted[i].ID < sorted[j].ID
	})

	idle := sch.registry.Eligible()

	sch.logger.WithFields(logrus.Fields{
		"Pending":      len(sorted),
		"IdleBuilders": len(idle),
	}).Debug("runQueue")

	notDispatchable := 0
	for _, job := range sorted {
		var match *builder.Builder
		for i, b := range idle {
			if eligibleBuilder(b, job) {
				match = &idle[i]
				break
			}
		}
		if match == nil {
			notDispatchable++
			continue
		}
		b := *match
		// Remove the chosen builder from this pass's pool.
		for i := range idle {
			if idle[i].Name == b.Name {
				idle = append(idle[:i], idle[i+1:]...)
				break
			}
		}
		logger := sch.logger.WithFields(logrus.Fields{
			"JobID":   job.ID,
			"Builder": b.Name,
		})
		if !sch.idLock(job.ID, "dispatch") {
			continue
		}
		if !sch.registry.Reserve(b.Name, job.ID) {
			// Someone grabbed the builder between
			// Eligible() and now.
			logger.Debug("builder no longer reservable")
			sch.idUnlock(job.ID)
			continue
		}
		err := sch.queue.Claim(job.ID, b.Name)
		if err == jobqueue.ErrNotPending {
			// Lost a dispatch race (or the job was
			// cancelled/superseded since the cache was
			// read). Move on; the next queue update
			// brings the fresh record.
			logger.Debug("job no longer pending by the time we claimed it")
			sch.registry.ReleaseJob(b.Name, false)
			sch.idUnlock(job.ID)
			continue
		} else if err != nil {
			logger.WithError(err).Warn("error claiming job")
			sch.registry.ReleaseJob(b.Name, false)
			sch.idUnlock(job.ID)
			continue
		}
		go sch.startJob(logger, b, job)
	}
	sch.mJobsNotDispatchable.Set(float64(notDispatchable))
}

// startJob hands a claimed job to its reserved builder and records
// the outcome. Runs in its own goroutine; the job's idLock is held
// and released here.
func (sch *Scheduler) startJob(logger logrus.FieldLogger, b builder.Builder, job jobqueue.Job) {
	defer sch.idUnlock(job.ID)
	err := sch.registry.StartJob(context.Background(), b.Name, job.ID, job.Architecture, job.Virtualized, job.Inputs)
	if err != nil {
		// The registry has already recorded the builder
		// fault and released the reservation; the job goes
		// back in the queue without losing its place.
		err := sch.queue.Requeue(job.ID, err.Error())
		if err != nil {
			logger.WithError(err).Warn("error requeueing job after failed dispatch")
		}
		return
	}
	err = sch.queue.Start(job.ID)
	if err != nil {
		logger.WithError(err).Warn("builder acknowledged dispatch but job could not be started")
	}
}

// idLock acquires the dispatcher's exclusive operation slot for the
// given job. It returns false (and arranges a prompt retry) if
// another operation is already in progress for the job.
func (sch *Scheduler) idLock(id, op string) bool {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	logger := sch.logger.WithFields(logrus.Fields{
		"JobID": id,
		"Op":    op,
	})
	if op, locked := sch.idOp[id]; locked {
		logger.Debugf("idLock not available, Op=%s in progress", op)
		// Make sure the scheduler loop wakes up to retry.
		sch.wakeup.Reset(time.Second / 4)
		return false
	}
	logger.Debug("idLock acquired")
	sch.idOp[id] = op
	return true
}

func (sch *Scheduler) idUnlock(id string) {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	delete(sch.idOp, id)
}
