// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/openbuildfarm/buildfarm/lib/buildd"
	"github.com/openbuildfarm/buildfarm/lib/dispatcher/builder"
	"github.com/openbuildfarm/buildfarm/lib/dispatcher/jobqueue"
)

// sync resolves discrepancies between the queue and the builders'
// probe reports:
//
// Jobs whose builder reports a finished build are collected
// (successful artifacts) or failed (with the worker's reason,
// verbatim).
//
// Jobs whose assigned builder turns out to be idle, gone, or working
// on something else are requeued.
//
// Cancel requests are delivered to the builder, and completed once
// the builder lets go.
//
// Builders reporting a job they were never given are told to abort
// and clean it.
func (sch *Scheduler) sync() {
	anyUnknownBuilders := sch.registry.CountBuilders()[builder.StateUnknown] > 0
	reports := sch.registry.Reports()
	entries, _ := sch.queue.Entries()

	for id, job := range entries {
		switch job.State {
		case jobqueue.StatePending:
			if job.CancelRequested {
				go sch.finishCancel(job, "")
			}
		case jobqueue.StateDispatching:
			// A dispatch is in flight (startJob holds the
			// job's idLock). Nothing to reconcile until
			// it settles; a dispatch orphaned by a
			// previous process was already handled by
			// fixStaleDispatches.
		case jobqueue.StateBuilding:
			rep, ok := reports[job.AssignedBuilder]
			switch {
			case ok && rep.State == builder.StateQuarantined:
				// The builder went dark and was
				// quarantined; its last report is no
				// longer meaningful, so the worker
				// fault must not become the job's.
				go sch.requeue(job, "assigned builder quarantined", false)
			case ok && rep.Status.JobID == id:
				sch.syncAssigned(job, rep)
			case ok && rep.Updated.After(job.UpdatedAt):
				// The builder answers probes but makes
				// no mention of our job.
				go sch.requeue(job, "not running on assigned builder", false)
			case !ok && !anyUnknownBuilders:
				go sch.requeue(job, "assigned builder unavailable", false)
			}
		case jobqueue.StateUploading:
			rep, ok := reports[job.AssignedBuilder]
			if ok && rep.State == builder.StateQuarantined {
				go sch.requeue(job, "assigned builder quarantined", false)
			} else if ok && rep.Status.JobID == id && rep.Status.Status == buildd.StatusWaiting && rep.Status.Outcome == buildd.OutcomeOK {
				// First collection attempt failed;
				// the builder is still holding the
				// artifact, so try again.
				go sch.collect(job, rep)
			} else if !ok && !anyUnknownBuilders {
				go sch.requeue(job, "builder disappeared before artifact collection", false)
			}
		default:
			sch.logger.WithFields(logrus.Fields{
				"JobID": id,
				"State": job.State,
			}).Info("job finished -- dropping from queue")
			sch.queue.Forget(id)
		}
	}

	sch.syncStaleReports(entries, reports)
}

// syncAssigned reconciles one Building job with its own builder's
// report.
func (sch *Scheduler) syncAssigned(job jobqueue.Job, rep builder.Report) {
	switch rep.Status.Status {
	case buildd.StatusBuilding:
		if job.CancelRequested {
			sch.registry.AbortJob(job.AssignedBuilder)
		}
	case buildd.StatusAborting:
		// Wait for the worker to settle.
	case buildd.StatusWaiting:
		switch rep.Status.Outcome {
		case buildd.OutcomeOK:
			go sch.collect(job, rep)
		case buildd.OutcomeFailed:
			go sch.fail(job, rep.Status.Reason)
		case buildd.OutcomeDepWait:
			go sch.requeue(job, "dependency wait", true)
		case buildd.OutcomeAborted:
			if job.CancelRequested {
				go sch.finishCancel(job, job.AssignedBuilder)
			} else {
				go sch.requeue(job, "aborted on builder", true)
			}
		}
	}
}

// syncStaleReports handles builders working on (or holding results
// for) jobs this dispatcher never gave them: jobs from a previous
// dispatcher process, or jobs that have since been reassigned.
func (sch *Scheduler) syncStaleReports(entries map[string]jobqueue.Job, reports map[string]builder.Report) {
	for name, rep := range reports {
		jobID := rep.Status.JobID
		if jobID == "" {
			sch.forgetStaleReport(name)
			continue
		}
		job, known := entries[jobID]
		if known && job.AssignedBuilder == name && !job.State.Terminal() {
			sch.forgetStaleReport(name)
			continue
		}
		if known && !rep.Updated.After(job.UpdatedAt) {
			// The report predates the queue record; wait
			// for a fresher probe before deciding
			// anything.
			continue
		}
		sch.mtx.Lock()
		firstSeen := sch.staleReported[name] != jobID
		sch.staleReported[name] = jobID
		sch.mtx.Unlock()
		if firstSeen {
			logger := sch.logger.WithFields(logrus.Fields{
				"Builder": name,
				"JobID":   jobID,
			})
			logger.Warn("builder reports a job it was not given")
			if known && job.AssignedBuilder != name {
				// Two builders claiming one job means
				// this one is confused, not just
				// stale.
				sch.registry.RecordFault(name, buildd.FaultProtocol,
					fmt.Sprintf("reports job %s, which is assigned to %s", jobID, job.AssignedBuilder))
			}
		}
		switch rep.Status.Status {
		case buildd.StatusBuilding:
			sch.registry.AbortJob(name)
		case buildd.StatusWaiting:
			sch.registry.ReleaseJob(name, true)
		}
	}
}

func (sch *Scheduler) forgetStaleReport(name string) {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	delete(sch.staleReported, name)
}

// collect ingests a finished build's artifact and completes the job.
// Should be called in a new goroutine.
func (sch *Scheduler) collect(job jobqueue.Job, rep builder.Report) {
	if !sch.idLock(job.ID, "collect") {
		return
	}
	defer sch.idUnlock(job.ID)
	logger := sch.logger.WithFields(logrus.Fields{
		"JobID":    job.ID,
		"Builder":  job.AssignedBuilder,
		"Artifact": rep.Status.Artifact,
	})
	if job.State == jobqueue.StateBuilding {
		if err := sch.queue.Uploading(job.ID); err != nil {
			logger.WithError(err).Warn("error marking job uploading")
			return
		}
	}
	err := sch.uploader.Collect(context.Background(), job, rep.Status.Artifact)
	if err != nil {
		// The builder keeps holding the result; the next
		// sync pass retries.
		logger.WithError(err).Warn("error collecting artifact")
		return
	}
	if _, err := sch.queue.Complete(job.ID, jobqueue.StateSucceeded, ""); err != nil {
		logger.WithError(err).Warn("error completing job")
		return
	}
	logger.Info("job succeeded")
	sch.registry.ReleaseJob(job.AssignedBuilder, true)
}

// fail finishes a job whose builder reported a failed build. The
// worker's reason is recorded verbatim. Should be called in a new
// goroutine.
func (sch *Scheduler) fail(job jobqueue.Job, reason string) {
	if !sch.idLock(job.ID, "fail") {
		return
	}
	defer sch.idUnlock(job.ID)
	logger := sch.logger.WithFields(logrus.Fields{
		"JobID":   job.ID,
		"Builder": job.AssignedBuilder,
		"Reason":  reason,
	})
	if _, err := sch.queue.Complete(job.ID, jobqueue.StateFailed, reason); err != nil {
		logger.WithError(err).Warn("error failing job")
		return
	}
	logger.Info("job failed")
	sch.registry.ReleaseJob(job.AssignedBuilder, true)
}

// requeue returns a job to the pending queue after a builder-side
// problem. Should be called in a new goroutine.
func (sch *Scheduler) requeue(job jobqueue.Job, reason string, clean bool) {
	if !sch.idLock(job.ID, "requeue") {
		return
	}
	defer sch.idUnlock(job.ID)
	logger := sch.logger.WithFields(logrus.Fields{
		"JobID":   job.ID,
		"Builder": job.AssignedBuilder,
		"State":   job.State,
	})
	logger.Infof("requeueing job because %s", reason)
	err := sch.queue.Requeue(job.ID, reason)
	if err != nil {
		logger.WithError(err).Error("error requeueing job")
		return
	}
	if job.AssignedBuilder != "" {
		sch.registry.ReleaseJob(job.AssignedBuilder, clean)
	}
}

// finishCancel completes a cancel request once no builder is working
// on the job. Should be called in a new goroutine.
func (sch *Scheduler) finishCancel(job jobqueue.Job, builderName string) {
	if !sch.idLock(job.ID, "cancel") {
		return
	}
	defer sch.idUnlock(job.ID)
	logger := sch.logger.WithField("JobID", job.ID)
	if err := sch.queue.FinishCancel(job.ID); err != nil {
		logger.WithError(err).Warn("error cancelling job")
		return
	}
	logger.Info("job cancelled")
	if builderName != "" {
		sch.registry.ReleaseJob(builderName, true)
	}
}
