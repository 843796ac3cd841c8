// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scheduler maps queued jobs onto idle builders in priority
// order, and reconciles the job queue with what the builders report
// they are actually doing.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/openbuildfarm/buildfarm/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/openbuildfarm/buildfarm/lib/dispatcher/jobqueue"
)

// A Scheduler runs one dispatch pass and one reconcile pass on every
// scheduling event: a queue change, a builder state change, or a
// wakeup timer.
//
// The dispatch pass (runQueue) claims Pending jobs for matching idle
// builders, highest priority first. The reconcile pass (sync)
// resolves discrepancies between the queue's idea of the farm and the
// builders' probe reports: finished builds get collected, lost jobs
// get requeued, cancel requests get delivered.
type Scheduler struct {
	logger              logrus.FieldLogger
	queue               JobQueue
	registry            BuilderRegistry
	uploader            Uploader
	staleDispatchLimit  time.Duration
	queueUpdateInterval time.Duration

	idOp map[string]string // operation in progress: "dispatch", "collect", ...
	mtx  sync.Mutex

	// staleReported remembers builder→job pairs already counted
	// as a stale-report fault, so one wedged builder is not
	// penalized again on every scan.
	staleReported map[string]string

	wakeup *time.Timer

	runOnce sync.Once
	stop    chan struct{}
	stopped chan struct{}

	mJobsNotDispatchable prometheus.Gauge
	mLongestWaitTime     prometheus.Gauge
}

// New returns a new unstarted Scheduler.
//
// Any given queue and registry should not be used by more than one
// scheduler at a time.
func New(ctx context.Context, queue JobQueue, registry BuilderRegistry, uploader Uploader, reg *prometheus.Registry, staleDispatchLimit, queueUpdateInterval time.Duration) *Scheduler {
	sch := &Scheduler{
		logger:              ctxlog.FromContext(ctx),
		queue:               queue,
		registry:            registry,
		uploader:            uploader,
		staleDispatchLimit:  staleDispatchLimit,
		queueUpdateInterval: queueUpdateInterval,
		idOp:                map[string]string{},
		staleReported:       map[string]string{},
		wakeup:              time.NewTimer(time.Second),
		stop:                make(chan struct{}),
		stopped:             make(chan struct{}),
	}
	sch.registerMetrics(reg)
	return sch
}

func (sch *Scheduler) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	sch.mJobsNotDispatchable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "buildfarm",
		Subsystem: "dispatcher",
		Name:      "jobs_not_dispatchable",
		Help:      "Number of pending jobs with no eligible builder on the last dispatch pass.",
	})
	reg.MustRegister(sch.mJobsNotDispatchable)
	sch.mLongestWaitTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "buildfarm",
		Subsystem: "dispatcher",
		Name:      "jobs_longest_wait_time_seconds",
		Help:      "Current longest wait time of any pending job since it was enqueued.",
	})
	reg.MustRegister(sch.mLongestWaitTime)
}

func (sch *Scheduler) updateMetrics() {
	earliest := time.Time{}
	entries, _ := sch.queue.Entries()
	for _, job := range entries {
		if job.State == jobqueue.StatePending &&
			(job.CreatedAt.Before(earliest) || earliest.IsZero()) {
			earliest = job.CreatedAt
		}
	}
	if !earliest.IsZero() {
		sch.mLongestWaitTime.Set(time.Since(earliest).Seconds())
	} else {
		sch.mLongestWaitTime.Set(0)
	}
}

// Start starts the scheduler.
func (sch *Scheduler) Start() {
	go sch.runOnce.Do(sch.run)
}

// Stop stops the scheduler. No other method should be called after
// Stop.
func (sch *Scheduler) Stop() {
	close(sch.stop)
	<-sch.stopped
}

func (sch *Scheduler) run() {
	defer close(sch.stopped)

	// Ensure the queue is fetched once before attempting anything.
	for err := sch.queue.Update(); err != nil; err = sch.queue.Update() {
		sch.logger.Errorf("error updating queue: %s", err)
		d := sch.queueUpdateInterval / 10
		if d < time.Second {
			d = time.Second
		}
		sch.logger.Infof("waiting %s before retry", d)
		time.Sleep(d)
	}

	// Keep the queue up to date.
	poll := time.NewTicker(sch.queueUpdateInterval)
	defer poll.Stop()
	go func() {
		for range poll.C {
			err := sch.queue.Update()
			if err != nil {
				sch.logger.Errorf("error updating queue: %s", err)
			}
		}
	}()

	t0 := time.Now()
	sch.logger.Infof("fixStaleDispatches starting.")
	sch.fixStaleDispatches()
	sch.logger.Infof("fixStaleDispatches finished (%s), starting scheduling.", time.Since(t0))

	registryNotify := sch.registry.Subscribe()
	defer sch.registry.Unsubscribe(registryNotify)

	queueNotify := sch.queue.Subscribe()
	defer sch.queue.Unsubscribe(queueNotify)

	for {
		sch.runQueue()
		sch.sync()
		sch.updateMetrics()
		select {
		case <-sch.stop:
			return
		case <-queueNotify:
		case <-registryNotify:
		case <-sch.wakeup.C:
		}
	}
}
