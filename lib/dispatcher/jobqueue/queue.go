// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// casAttempts bounds the retry loop around optimistic transitions.
const casAttempts = 4

// A Queue is the scheduler's interface to the set of build-farm jobs
// that are eligible to run, are running, or have recently run on this
// farm's builders.
//
// Entries and Get do not block: they return immediately, using cached
// data. The transition methods (Claim, Start, Requeue, Complete, ...)
// do block: they return only after the store has applied (or
// rejected) the transition.
//
// A Queue's Update method should be called periodically to keep the
// cache up to date.
type Queue struct {
	logger      logrus.FieldLogger
	store       Store
	maxRequeues int

	current map[string]Job
	updated time.Time
	mtx     sync.Mutex

	// Transition methods add the affected job IDs to dontupdate.
	// When applying a batch of records received from the store,
	// anything appearing in dontupdate is skipped, in case the
	// loaded record has already been superseded by the locally
	// initiated transition. When no load is in progress, this
	// protection is not needed, and dontupdate is nil.
	dontupdate map[string]struct{}

	subscribers map[<-chan struct{}]chan struct{}

	mJobStates *prometheus.GaugeVec
}

// NewQueue returns a new Queue backed by store. maxRequeues caps the
// number of builder-fault requeues per job before the job is failed
// outright.
func NewQueue(logger logrus.FieldLogger, reg *prometheus.Registry, store Store, maxRequeues int) *Queue {
	q := &Queue{
		logger:      logger,
		store:       store,
		maxRequeues: maxRequeues,
		current:     map[string]Job{},
		subscribers: map[<-chan struct{}]chan struct{}{},
	}
	q.registerMetrics(reg)
	return q
}

func (q *Queue) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	q.mJobStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "buildfarm",
		Subsystem: "dispatcher",
		Name:      "jobs",
		Help:      "Number of cached jobs in each state.",
	}, []string{"state"})
	reg.MustRegister(q.mJobStates)
}

// Subscribe returns a channel that becomes ready to receive when an
// entry in the Queue is updated.
//
//	ch := q.Subscribe()
//	defer q.Unsubscribe(ch)
//	for range ch {
//		// ...
//	}
func (q *Queue) Subscribe() <-chan struct{} {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	ch := make(chan struct{}, 1)
	q.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel. See
// Subscribe.
func (q *Queue) Unsubscribe(ch <-chan struct{}) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	delete(q.subscribers, ch)
}

// Caller must have lock.
func (q *Queue) notify() {
	for _, ch := range q.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Entries returns all cache entries, keyed by job ID.
//
// The returned threshold indicates the maximum age of any cached data
// returned in the map, so a caller can tell whether a cached record
// predates or postdates some remote event it has observed.
func (q *Queue) Entries() (entries map[string]Job, threshold time.Time) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	entries = make(map[string]Job, len(q.current))
	for id, job := range q.current {
		entries[id] = job
	}
	return entries, q.updated
}

// Get returns the cached record for the given job. Like a map lookup,
// its second return value is false if the job is not in the Queue.
func (q *Queue) Get(id string) (Job, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	job, ok := q.current[id]
	return job, ok
}

// Forget drops the given job from the cache. It is a no-op unless the
// cached record is in a terminal state, so in-flight work is never
// forgotten by accident.
func (q *Queue) Forget(id string) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if job, ok := q.current[id]; ok && job.State.Terminal() {
		delete(q.current, id)
	}
}

// Update refreshes the cache from the store. It adds newly enqueued
// jobs, updates the state of previously cached jobs, and drops jobs
// that have reached a terminal state.
func (q *Queue) Update() error {
	q.mtx.Lock()
	q.dontupdate = map[string]struct{}{}
	updateStarted := time.Now()
	q.mtx.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	loaded, err := q.store.LoadJobs(ctx)
	if err != nil {
		q.mtx.Lock()
		q.dontupdate = nil
		q.mtx.Unlock()
		return err
	}

	next := make(map[string]Job, len(loaded))
	for _, job := range loaded {
		next[job.ID] = job
	}

	q.mtx.Lock()
	defer q.mtx.Unlock()
	for id, job := range next {
		if _, keep := q.dontupdate[id]; keep {
			continue
		}
		q.current[id] = job
	}
	for id := range q.current {
		if _, keep := q.dontupdate[id]; keep {
			continue
		} else if _, keep = next[id]; keep {
			continue
		} else {
			delete(q.current, id)
		}
	}
	q.dontupdate = nil
	q.updated = updateStarted
	q.updateMetrics()
	q.notify()
	return nil
}

// Caller must have lock.
func (q *Queue) updateMetrics() {
	counts := map[State]int{}
	for _, job := range q.current {
		counts[job.State]++
	}
	for _, state := range []State{StatePending, StateDispatching, StateBuilding, StateUploading} {
		q.mJobStates.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// Claim atomically transitions the given Pending job to Dispatching
// and assigns it to the named builder. At most one concurrent Claim
// per job can succeed; losers get ErrNotPending and should move on to
// another job.
func (q *Queue) Claim(id, builderName string) error {
	job, err := q.store.CompareAndUpdate(context.Background(), id, StatePending, JobUpdate{
		State:           StateDispatching,
		AssignedBuilder: &builderName,
	})
	if err == ErrStateChanged {
		return ErrNotPending
	}
	if err != nil {
		return err
	}
	q.applyLocal(job, "claim")
	return nil
}

// Start records a builder's dispatch acknowledgement: Dispatching →
// Building.
func (q *Queue) Start(id string) error {
	job, err := q.store.CompareAndUpdate(context.Background(), id, StateDispatching, JobUpdate{State: StateBuilding})
	if err != nil {
		return err
	}
	q.applyLocal(job, "start")
	return nil
}

// Uploading records that the builder finished the job and the
// artifact handoff has begun: Building → Uploading.
func (q *Queue) Uploading(id string) error {
	job, err := q.store.CompareAndUpdate(context.Background(), id, StateBuilding, JobUpdate{State: StateUploading})
	if err != nil {
		return err
	}
	q.applyLocal(job, "uploading")
	return nil
}

// Requeue returns a job to Pending after a builder fault, clearing
// its assigned builder. The failure was not the job's, so its
// builder-fault requeue count (not a job retry budget) is
// incremented; a job requeued more than maxRequeues times is instead
// failed with reason "too-many-requeues" so a permanently broken job
// definition cannot cycle forever.
//
// Requeue on a job that is already Pending is a no-op.
func (q *Queue) Requeue(id, reason string) error {
	clear := ""
	job, err := q.transition(id, "requeue", func(job Job) (JobUpdate, bool, error) {
		switch {
		case job.State == StatePending:
			return JobUpdate{}, true, nil
		case job.State.Terminal():
			return JobUpdate{}, true, fmt.Errorf("cannot requeue job %s in state %s", id, job.State)
		}
		if job.Requeues+1 > q.maxRequeues {
			failReason := "too-many-requeues: " + reason
			return JobUpdate{
				State:           StateFailed,
				AssignedBuilder: &clear,
				FailureReason:   &failReason,
			}, false, nil
		}
		return JobUpdate{
			State:           StatePending,
			AssignedBuilder: &clear,
			IncRequeues:     true,
		}, false, nil
	})
	if err != nil {
		return err
	}
	if job.State == StateFailed {
		q.logger.WithFields(logrus.Fields{
			"JobID":    id,
			"Requeues": job.Requeues,
			"Reason":   reason,
		}).Warn("job exceeded builder-fault requeue cap, failing")
	}
	return nil
}

// Complete moves a job to a terminal outcome (StateSucceeded or
// StateFailed). It returns the job's resulting state: calling
// Complete on an already-terminal job is a no-op that returns the
// existing terminal state.
func (q *Queue) Complete(id string, outcome State, reason string) (State, error) {
	if outcome != StateSucceeded && outcome != StateFailed {
		return "", fmt.Errorf("invalid completion outcome %q", outcome)
	}
	clear := ""
	job, err := q.transition(id, "complete", func(job Job) (JobUpdate, bool, error) {
		if job.State.Terminal() {
			return JobUpdate{}, true, nil
		}
		if err := CheckTransition(job.State, outcome); err != nil {
			return JobUpdate{}, true, err
		}
		return JobUpdate{
			State:           outcome,
			AssignedBuilder: &clear,
			FailureReason:   &reason,
		}, false, nil
	})
	if err != nil {
		return "", err
	}
	return job.State, nil
}

// Cancel requests cancellation of a job. A Pending job is cancelled
// immediately (no builder involvement needed). A job that has already
// been handed to a builder is flagged cancel-requested; the scheduler
// aborts it on the next scan and calls FinishCancel once the builder
// lets go. Cancel on a terminal job is a no-op.
func (q *Queue) Cancel(id string) error {
	clear := ""
	requested := true
	_, err := q.transition(id, "cancel", func(job Job) (JobUpdate, bool, error) {
		switch {
		case job.State.Terminal():
			return JobUpdate{}, true, nil
		case job.State == StatePending:
			return JobUpdate{State: StateCancelled, AssignedBuilder: &clear}, false, nil
		case job.CancelRequested:
			return JobUpdate{}, true, nil
		default:
			return JobUpdate{State: job.State, CancelRequested: &requested}, false, nil
		}
	})
	return err
}

// FinishCancel completes a deferred cancellation once the assigned
// builder has acknowledged the abort (or turned out to be idle).
func (q *Queue) FinishCancel(id string) error {
	clear := ""
	_, err := q.transition(id, "finish cancel", func(job Job) (JobUpdate, bool, error) {
		if job.State == StateCancelled {
			return JobUpdate{}, true, nil
		}
		if job.State.Terminal() {
			return JobUpdate{}, true, fmt.Errorf("cannot cancel job %s in state %s", id, job.State)
		}
		return JobUpdate{State: StateCancelled, AssignedBuilder: &clear}, false, nil
	})
	return err
}

// transition runs an optimistic compare-and-set loop: decide is
// called with the job's current record and returns the update to
// attempt, or done=true to stop without updating. When the compare
// step fails the loop retries with the fresh record returned by the
// store.
func (q *Queue) transition(id, op string, decide func(Job) (upd JobUpdate, done bool, err error)) (Job, error) {
	job, ok := q.Get(id)
	if !ok {
		var err error
		job, err = q.readThrough(id)
		if err != nil {
			return Job{}, err
		}
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		upd, done, err := decide(job)
		if done || err != nil {
			return job, err
		}
		stored, err := q.store.CompareAndUpdate(context.Background(), id, job.State, upd)
		if err == ErrStateChanged {
			// Lost a race (or our cache was stale): retry
			// against the stored record.
			job = stored
			continue
		}
		if err != nil {
			return Job{}, err
		}
		q.applyLocal(stored, op)
		return stored, nil
	}
	return job, ErrStateChanged
}

// readThrough fetches a job's stored record without changing it, by
// way of a compare that can never match.
func (q *Queue) readThrough(id string) (Job, error) {
	job, err := q.store.CompareAndUpdate(context.Background(), id, "", JobUpdate{})
	if err == ErrStateChanged {
		err = nil
	}
	return job, err
}

// applyLocal folds a locally initiated transition into the cache
// without waiting for the next Update.
func (q *Queue) applyLocal(job Job, op string) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.dontupdate != nil {
		q.dontupdate[job.ID] = struct{}{}
	}
	from := State("")
	if old, ok := q.current[job.ID]; ok {
		from = old.State
	}
	q.current[job.ID] = job
	q.logger.WithFields(logrus.Fields{
		"JobID":   job.ID,
		"Builder": job.AssignedBuilder,
		"From":    from,
		"To":      job.State,
		"Reason":  op,
	}).Info("job state changed")
	q.updateMetrics()
	q.notify()
}
