// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package builder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openbuildfarm/buildfarm/lib/buildd"
	"github.com/openbuildfarm/buildfarm/lib/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A BuilderView shows one builder's current state and recent activity
// in the management API.
type BuilderView struct {
	Name            string    `json:"name"`
	URL             string    `json:"url"`
	Architecture    string    `json:"architecture"`
	Virtualized     bool      `json:"virtualized"`
	OpenArchiveOnly bool      `json:"open_archive_only"`
	Manual          bool      `json:"manual"`
	Active          bool      `json:"active"`
	BuilderState    string    `json:"builder_state"`
	CurrentJob      string    `json:"current_job,omitempty"`
	LastContact     time.Time `json:"last_contact"`
	FailureNote     string    `json:"failure_note,omitempty"`
}

// NewRegistry creates a Registry of builder monitors backed by
// source.
//
// newClient makes the RPC client for one builder; pass nil to use
// buildd.NewClient. Tests substitute stub clients here.
func NewRegistry(logger logrus.FieldLogger, reg *prometheus.Registry, source BuilderSource, newClient func(Builder) buildd.API, dispatch config.Dispatch) *Registry {
	if newClient == nil {
		newClient = func(b Builder) buildd.API { return buildd.NewClient(b.URL) }
	}
	breg := &Registry{
		logger:                   logger,
		source:                   source,
		newClient:                newClient,
		scanInterval:             time.Duration(dispatch.ScanInterval),
		syncInterval:             time.Duration(dispatch.BuilderSyncInterval),
		probeTimeout:             time.Duration(dispatch.ProbeTimeout),
		dispatchTimeout:          time.Duration(dispatch.DispatchTimeout),
		failureThreshold:         dispatch.FailureThreshold,
		protocolFailureThreshold: dispatch.ProtocolFailureThreshold,
		stop:                     make(chan bool),
	}
	breg.registerMetrics(reg)
	go func() {
		breg.setupOnce.Do(breg.setup)
		go breg.runMetrics()
		go breg.runScans()
		go breg.runSync()
	}()
	return breg
}

// Registry maintains one monitor per known builder. A zero Registry
// should not be used. Call NewRegistry to create a new Registry.
type Registry struct {
	// configuration
	logger                   logrus.FieldLogger
	source                   BuilderSource
	newClient                func(Builder) buildd.API
	scanInterval             time.Duration
	syncInterval             time.Duration
	probeTimeout             time.Duration
	dispatchTimeout          time.Duration
	failureThreshold         int
	protocolFailureThreshold int

	// private state
	subscribers map[<-chan struct{}]chan<- struct{}
	monitors    map[string]*monitor
	loaded      bool // loaded builder list from source at least once
	stop        chan bool
	mtx         sync.RWMutex
	setupOnce   sync.Once

	mBuilders    *prometheus.GaugeVec
	mFaults      *prometheus.CounterVec
	mQuarantines prometheus.Counter
	mDispatches  prometheus.Counter
}

// Subscribe returns a buffered channel that becomes ready after any
// change to the registry's state that could have scheduling
// implications: a builder goes idle, a probe fails, a new builder
// appears, etc.
//
// Additional events that occur while the channel is already ready
// will be dropped, so it is OK if the caller services the channel
// slowly.
func (breg *Registry) Subscribe() <-chan struct{} {
	breg.setupOnce.Do(breg.setup)
	breg.mtx.Lock()
	defer breg.mtx.Unlock()
	ch := make(chan struct{}, 1)
	breg.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel.
func (breg *Registry) Unsubscribe(ch <-chan struct{}) {
	breg.setupOnce.Do(breg.setup)
	breg.mtx.Lock()
	defer breg.mtx.Unlock()
	delete(breg.subscribers, ch)
}

// Eligible returns the records of builders that are currently able to
// accept a dispatch: probed idle, active, not manual, and not already
// reserved by this process.
func (breg *Registry) Eligible() []Builder {
	breg.setupOnce.Do(breg.setup)
	breg.mtx.RLock()
	defer breg.mtx.RUnlock()
	var eligible []Builder
	for _, mon := range breg.monitors {
		if mon.state != StateIdle || !mon.builder.Active || mon.builder.Manual || mon.currentJob != "" {
			continue
		}
		eligible = append(eligible, mon.builder)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Name < eligible[j].Name })
	return eligible
}

// Reserve marks the named builder busy with the given job, so no
// concurrent dispatch pass picks it. It returns false if the builder
// is not currently eligible.
//
// The caller owns the reservation: it must follow up with StartJob,
// or ReleaseJob if the job could not be claimed after all.
func (breg *Registry) Reserve(name, jobID string) bool {
	breg.setupOnce.Do(breg.setup)
	breg.mtx.Lock()
	defer breg.mtx.Unlock()
	mon, ok := breg.monitors[name]
	if !ok || mon.state != StateIdle || !mon.builder.Active || mon.builder.Manual || mon.currentJob != "" {
		return false
	}
	mon.currentJob = jobID
	mon.dispatching = true
	mon.state = StateBusy
	mon.updated = time.Now()
	return true
}

// StartJob sends the reserved job to the named builder: inputs are
// pushed first (ensurepresent), then the build request. It blocks
// until the builder acknowledges or the dispatch timeout expires.
//
// On failure the reservation is released and the builder keeps its
// fault score; the caller decides what happens to the job.
func (breg *Registry) StartJob(ctx context.Context, name string, jobID, architecture string, virtualized bool, inputs map[string]string) error {
	breg.setupOnce.Do(breg.setup)
	breg.mtx.Lock()
	mon, ok := breg.monitors[name]
	if !ok || mon.currentJob != jobID {
		breg.mtx.Unlock()
		return fmt.Errorf("builder %s is not reserved for job %s", name, jobID)
	}
	client := mon.client
	logger := mon.logger.WithField("JobID", jobID)
	breg.mtx.Unlock()

	ctx, cancel := context.WithTimeout(ctx, breg.dispatchTimeout)
	defer cancel()

	err := func() error {
		for input, digest := range inputs {
			if err := client.EnsurePresent(ctx, input, digest); err != nil {
				return fmt.Errorf("error sending input %s: %w", input, err)
			}
		}
		return client.Build(ctx, buildd.BuildRequest{
			JobID:        jobID,
			Architecture: architecture,
			Virtualized:  virtualized,
			Inputs:       inputs,
		})
	}()

	breg.mtx.Lock()
	defer breg.mtx.Unlock()
	now := time.Now()
	mon.updated = now
	mon.dispatching = false
	if err != nil {
		logger.WithError(err).Warn("dispatch failed")
		mon.recordFault(buildd.Classify(err), err.Error())
		mon.currentJob = ""
		if mon.state == StateBusy {
			mon.state = StateUnknown
		}
		go breg.notify()
		return err
	}
	mon.lastContact = now
	mon.failures = map[buildd.FaultKind]int{}
	breg.mDispatches.Inc()
	logger.Info("dispatched")
	return nil
}

// AbortJob tells the named builder to abort whatever it is running.
// It returns immediately; the abort RPC runs in the background and
// the next scan observes its effect.
func (breg *Registry) AbortJob(name string) {
	breg.setupOnce.Do(breg.setup)
	breg.mtx.RLock()
	mon, ok := breg.monitors[name]
	breg.mtx.RUnlock()
	if !ok {
		breg.logger.WithField("Builder", name).Debug("cannot abort: builder disappeared")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), breg.probeTimeout)
		defer cancel()
		if err := mon.client.Abort(ctx); err != nil {
			mon.logger.WithError(err).Warn("abort failed")
			breg.mtx.Lock()
			mon.recordFault(buildd.Classify(err), err.Error())
			breg.mtx.Unlock()
			return
		}
		mon.logger.Info("abort requested")
	}()
}

// ReleaseJob drops the named builder's reservation. If clean is true
// the worker is also told to discard its held result, returning it to
// idle.
func (breg *Registry) ReleaseJob(name string, clean bool) {
	breg.setupOnce.Do(breg.setup)
	breg.mtx.Lock()
	mon, ok := breg.monitors[name]
	if !ok {
		breg.mtx.Unlock()
		return
	}
	mon.currentJob = ""
	mon.dispatching = false
	mon.updated = time.Now()
	client := mon.client
	breg.mtx.Unlock()

	if clean {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), breg.probeTimeout)
			defer cancel()
			if err := client.Clean(ctx); err != nil {
				// The next probe sees the worker still
				// in waiting state and sync retries.
				mon.logger.WithError(err).Warn("clean failed")
				return
			}
			breg.mtx.Lock()
			if mon.currentJob == "" && mon.state == StateBusy {
				mon.state = StateIdle
				mon.updated = time.Now()
			}
			breg.mtx.Unlock()
			breg.notify()
		}()
	} else {
		go breg.notify()
	}
}

// RecordFault counts a builder-attributed fault detected outside the
// registry's own probes, e.g. the scheduler finding a builder
// reporting a job it was never given.
func (breg *Registry) RecordFault(name string, kind buildd.FaultKind, reason string) {
	breg.setupOnce.Do(breg.setup)
	breg.mtx.Lock()
	defer breg.mtx.Unlock()
	if mon, ok := breg.monitors[name]; ok {
		mon.recordFault(kind, reason)
	}
}

// SetManual flags or unflags a builder for manual use only.
func (breg *Registry) SetManual(name string, manual bool) error {
	breg.setupOnce.Do(breg.setup)
	breg.mtx.Lock()
	mon, ok := breg.monitors[name]
	if !ok {
		breg.mtx.Unlock()
		return errors.New("requested builder does not exist")
	}
	mon.builder.Manual = manual
	mon.updated = time.Now()
	breg.mtx.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	err := breg.source.UpdateBuilder(ctx, name, BuilderUpdate{Manual: &manual})
	breg.notify()
	return err
}

// Reactivate returns a quarantined (or manually deactivated) builder
// to rotation: its fault score is reset and it is probed again on the
// next scan.
func (breg *Registry) Reactivate(name string) error {
	breg.setupOnce.Do(breg.setup)
	breg.mtx.Lock()
	mon, ok := breg.monitors[name]
	if !ok {
		breg.mtx.Unlock()
		return errors.New("requested builder does not exist")
	}
	mon.builder.Active = true
	mon.builder.FailureNote = ""
	mon.failures = map[buildd.FaultKind]int{}
	mon.state = StateUnknown
	mon.updated = time.Now()
	mon.logger.Info("builder reactivated")
	breg.mtx.Unlock()

	active := true
	note := ""
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	err := breg.source.UpdateBuilder(ctx, name, BuilderUpdate{Active: &active, FailureNote: &note})
	breg.notify()
	return err
}

// CountBuilders returns the current number of builders in each state.
func (breg *Registry) CountBuilders() map[State]int {
	breg.setupOnce.Do(breg.setup)
	breg.mtx.RLock()
	defer breg.mtx.RUnlock()
	r := map[State]int{}
	for _, mon := range breg.monitors {
		r[mon.state]++
	}
	return r
}

// Reports returns the most recent successful probe result for each
// builder that has ever been probed successfully, keyed by builder
// name.
func (breg *Registry) Reports() map[string]Report {
	breg.setupOnce.Do(breg.setup)
	breg.mtx.RLock()
	defer breg.mtx.RUnlock()
	r := map[string]Report{}
	for name, mon := range breg.monitors {
		if mon.lastContact.IsZero() {
			continue
		}
		r[name] = Report{
			Builder: mon.builder,
			State:   mon.state,
			Status:  mon.lastStatus,
			Updated: mon.lastContact,
		}
	}
	return r
}

// Views returns a BuilderView for each builder in the registry,
// summarizing its current state and recent activity.
func (breg *Registry) Views() []BuilderView {
	breg.setupOnce.Do(breg.setup)
	breg.mtx.RLock()
	var r []BuilderView
	for _, mon := range breg.monitors {
		r = append(r, BuilderView{
			Name:            mon.builder.Name,
			URL:             mon.builder.URL,
			Architecture:    mon.builder.Architecture,
			Virtualized:     mon.builder.Virtualized,
			OpenArchiveOnly: mon.builder.OpenArchiveOnly,
			Manual:          mon.builder.Manual,
			Active:          mon.builder.Active,
			BuilderState:    mon.state.String(),
			CurrentJob:      mon.currentJob,
			LastContact:     mon.lastContact,
			FailureNote:     mon.builder.FailureNote,
		})
	}
	breg.mtx.RUnlock()
	sort.Slice(r, func(i, j int) bool { return r[i].Name < r[j].Name })
	return r
}

// CheckHealth reports an error until the initial builder list has
// been loaded from the source.
func (breg *Registry) CheckHealth() error {
	breg.setupOnce.Do(breg.setup)
	breg.mtx.RLock()
	defer breg.mtx.RUnlock()
	if !breg.loaded {
		return errors.New("builder list not loaded yet")
	}
	return nil
}

// Stop synchronizing with the BuilderSource and probing builders.
func (breg *Registry) Stop() {
	breg.setupOnce.Do(breg.setup)
	close(breg.stop)
}

func (breg *Registry) setup() {
	breg.monitors = map[string]*monitor{}
	breg.subscribers = map[<-chan struct{}]chan<- struct{}{}
}

func (breg *Registry) notify() {
	breg.mtx.RLock()
	defer breg.mtx.RUnlock()
	for _, send := range breg.subscribers {
		select {
		case send <- struct{}{}:
		default:
		}
	}
}

func (breg *Registry) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	breg.mBuilders = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "buildfarm",
		Subsystem: "dispatcher",
		Name:      "builders",
		Help:      "Number of builders in each state.",
	}, []string{"state"})
	reg.MustRegister(breg.mBuilders)
	breg.mFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildfarm",
		Subsystem: "dispatcher",
		Name:      "builder_faults_total",
		Help:      "Number of builder-attributed interaction faults, by builder and kind.",
	}, []string{"builder", "kind"})
	reg.MustRegister(breg.mFaults)
	breg.mQuarantines = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "buildfarm",
		Subsystem: "dispatcher",
		Name:      "builder_quarantines_total",
		Help:      "Number of times a builder has been quarantined.",
	})
	reg.MustRegister(breg.mQuarantines)
	breg.mDispatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "buildfarm",
		Subsystem: "dispatcher",
		Name:      "dispatches_total",
		Help:      "Number of jobs successfully handed to a builder.",
	})
	reg.MustRegister(breg.mDispatches)
}

func (breg *Registry) runMetrics() {
	ch := breg.Subscribe()
	defer breg.Unsubscribe(ch)
	for range ch {
		breg.updateMetrics()
	}
}

func (breg *Registry) updateMetrics() {
	counts := breg.CountBuilders()
	for state, label := range stateString {
		breg.mBuilders.WithLabelValues(label).Set(float64(counts[state]))
	}
}

func (breg *Registry) runScans() {
	ticker := time.NewTicker(breg.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-breg.stop:
			return
		case <-ticker.C:
		}
		breg.mtx.RLock()
		monitors := make([]*monitor, 0, len(breg.monitors))
		for _, mon := range breg.monitors {
			monitors = append(monitors, mon)
		}
		breg.mtx.RUnlock()
		for _, mon := range monitors {
			go mon.ProbeAndUpdate()
		}
	}
}

func (breg *Registry) runSync() {
	// sync once immediately, then wait syncInterval, sync again,
	// etc.
	timer := time.NewTimer(1)
	for {
		select {
		case <-timer.C:
			err := breg.getBuildersAndSync()
			if err != nil {
				breg.logger.WithError(err).Warn("sync failed")
			}
			timer.Reset(breg.syncInterval)
		case <-breg.stop:
			breg.logger.Debug("builder.Registry stopped")
			return
		}
	}
}

func (breg *Registry) getBuildersAndSync() error {
	breg.setupOnce.Do(breg.setup)
	threshold := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	builders, err := breg.source.ListBuilders(ctx)
	if err != nil {
		return err
	}
	breg.sync(threshold, builders)
	return nil
}

// Add/remove/update monitors based on builders, which was obtained
// from the source. However, don't clobber any other updates that
// already happened after threshold.
func (breg *Registry) sync(threshold time.Time, builders []Builder) {
	breg.mtx.Lock()
	defer breg.mtx.Unlock()
	breg.logger.WithField("Builders", len(builders)).Debug("sync builders")
	notify := false

	for _, b := range builders {
		mon, ok := breg.monitors[b.Name]
		if !ok {
			logger := breg.logger.WithFields(logrus.Fields{
				"Builder":      b.Name,
				"Architecture": b.Architecture,
				"URL":          b.URL,
			})
			logger.Info("builder appeared in source")
			now := time.Now()
			state := StateUnknown
			if !b.Active {
				state = StateQuarantined
			}
			breg.monitors[b.Name] = &monitor{
				mtx:      &breg.mtx,
				reg:      breg,
				logger:   logger,
				client:   breg.newClient(b),
				builder:  b,
				state:    state,
				appeared: now,
				probed:   now,
				updated:  now,
				failures: map[buildd.FaultKind]int{},
				probing:  make(chan struct{}, 1),
			}
			notify = true
			continue
		}
		if mon.updated.After(threshold) {
			// Local change (quarantine, reservation, flag
			// update) happened after the list was read;
			// the next sync picks up the stored record.
			continue
		}
		if mon.builder != b {
			if b.Active && !mon.builder.Active {
				// Reactivated out of band.
				mon.failures = map[buildd.FaultKind]int{}
				mon.state = StateUnknown
			} else if !b.Active && mon.builder.Active {
				mon.state = StateQuarantined
			}
			mon.builder = b
			mon.updated = time.Now()
			notify = true
		}
	}

	known := map[string]bool{}
	for _, b := range builders {
		known[b.Name] = true
	}
	for name, mon := range breg.monitors {
		if known[name] || mon.updated.After(threshold) {
			continue
		}
		breg.logger.WithFields(logrus.Fields{
			"Builder":      name,
			"BuilderState": mon.state,
		}).Info("builder disappeared from source")
		delete(breg.monitors, name)
		notify = true
	}

	if !breg.loaded {
		breg.loaded = true
		breg.logger.WithField("N", len(breg.monitors)).Info("loaded initial builder list")
	}

	if notify {
		go breg.notify()
	}
}
