// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatcher ties the job queue, the builder registry, and
// the scheduler together into a service.
package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/openbuildfarm/buildfarm/lib/buildd"
	"github.com/openbuildfarm/buildfarm/lib/config"
	"github.com/openbuildfarm/buildfarm/lib/dispatcher/builder"
	"github.com/openbuildfarm/buildfarm/lib/dispatcher/jobqueue"
	"github.com/openbuildfarm/buildfarm/lib/dispatcher/scheduler"
	"github.com/openbuildfarm/buildfarm/lib/dispatcher/store"
	"github.com/openbuildfarm/buildfarm/sdk/go/auth"
	"github.com/openbuildfarm/buildfarm/sdk/go/ctxlog"
	"github.com/openbuildfarm/buildfarm/sdk/go/health"
	"github.com/openbuildfarm/buildfarm/sdk/go/httpserver"
)

type jobQueue interface {
	scheduler.JobQueue
	Cancel(id string) error
}

type builderRegistry interface {
	scheduler.BuilderRegistry
	CheckHealth() error
	Views() []builder.BuilderView
	SetManual(name string, manual bool) error
	Reactivate(name string) error
	Stop()
}

type dispatcher struct {
	Config   *config.Config
	Context  context.Context
	Registry *prometheus.Registry

	logger      logrus.FieldLogger
	store       *store.Postgres
	queue       jobQueue
	builders    builderRegistry
	uploader    scheduler.Uploader
	httpHandler http.Handler

	// Test seams: when non-nil before Start, these replace the
	// PostgreSQL-backed defaults.
	testJobStore      jobqueue.Store
	testBuilderSource builder.BuilderSource
	testBuilddClient  func(builder.Builder) buildd.API

	setupOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// Start starts the dispatcher. Start can be called multiple times
// with no ill effect.
func (disp *dispatcher) Start() {
	disp.setupOnce.Do(disp.setup)
}

// ServeHTTP implements service.Handler.
func (disp *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	disp.Start()
	disp.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (disp *dispatcher) CheckHealth() error {
	disp.Start()
	return disp.builders.CheckHealth()
}

// Done implements service.Handler.
func (disp *dispatcher) Done() <-chan struct{} {
	return disp.stopped
}

// Close stops dispatching jobs and releases resources. Typically
// used in tests.
func (disp *dispatcher) Close() {
	disp.Start()
	select {
	case disp.stop <- struct{}{}:
	default:
	}
	<-disp.stopped
}

func (disp *dispatcher) setup() {
	disp.initialize()
	go disp.run()
}

func (disp *dispatcher) initialize() {
	disp.logger = ctxlog.FromContext(disp.Context)
	disp.stop = make(chan struct{}, 1)
	disp.stopped = make(chan struct{})

	jobStore := disp.testJobStore
	builderSource := disp.testBuilderSource
	if jobStore == nil || builderSource == nil {
		pg, err := store.New(disp.Context, disp.logger, disp.Config.PostgresDSN)
		if err != nil {
			disp.logger.Fatalf("error connecting to database: %s", err)
		}
		disp.store = pg
		if jobStore == nil {
			jobStore = pg
		}
		if builderSource == nil {
			builderSource = pg
		}
	}

	disp.queue = jobqueue.NewQueue(disp.logger, disp.Registry, jobStore, disp.Config.Dispatch.MaxRequeues)
	disp.builders = builder.NewRegistry(disp.logger, disp.Registry, builderSource, disp.testBuilddClient, disp.Config.Dispatch)

	if disp.uploader == nil {
		if disp.Config.UploadServiceURL != "" {
			disp.uploader = &httpUploader{url: disp.Config.UploadServiceURL}
		} else {
			disp.uploader = &logUploader{logger: disp.logger}
		}
	}

	if disp.Config.ManagementToken == "" {
		disp.httpHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
	} else {
		mux := httprouter.New()
		mux.HandlerFunc("GET", "/buildfarm/v1/dispatch/jobs", disp.apiJobs)
		mux.HandlerFunc("POST", "/buildfarm/v1/dispatch/jobs/cancel", disp.apiJobCancel)
		mux.HandlerFunc("GET", "/buildfarm/v1/dispatch/builders", disp.apiBuilders)
		mux.HandlerFunc("POST", "/buildfarm/v1/dispatch/builders/manual", disp.apiBuilderManual)
		mux.HandlerFunc("POST", "/buildfarm/v1/dispatch/builders/run", disp.apiBuilderRun)
		mux.HandlerFunc("POST", "/buildfarm/v1/dispatch/builders/reactivate", disp.apiBuilderReactivate)
		metricsH := promhttp.HandlerFor(disp.Registry, promhttp.HandlerOpts{
			ErrorLog: disp.logger,
		})
		mux.Handler("GET", "/metrics", metricsH)
		mux.Handler("GET", "/metrics.json", metricsH)
		mux.Handler("GET", "/_health/:check", &health.Handler{
			Token:  disp.Config.ManagementToken,
			Prefix: "/_health/",
			Routes: health.Routes{"ping": disp.CheckHealth},
		})
		disp.httpHandler = auth.RequireLiteralToken(disp.Config.ManagementToken, mux)
	}
}

func (disp *dispatcher) run() {
	defer close(disp.stopped)
	defer disp.builders.Stop()
	if disp.store != nil {
		defer disp.store.Close()
	}

	sched := scheduler.New(disp.Context, disp.queue, disp.builders, disp.uploader, disp.Registry,
		time.Duration(disp.Config.Dispatch.StaleDispatchTimeout),
		time.Duration(disp.Config.Dispatch.QueueUpdateInterval))
	sched.Start()
	defer sched.Stop()

	<-disp.stop
}

// Management API: all active and queued jobs.
func (disp *dispatcher) apiJobs(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []jobqueue.Job `json:"items"`
	}
	entries, _ := disp.queue.Entries()
	for _, job := range entries {
		resp.Items = append(resp.Items, job)
	}
	json.NewEncoder(w).Encode(resp)
}

// Management API: request cancellation of the specified job.
func (disp *dispatcher) apiJobCancel(w http.ResponseWriter, r *http.Request) {
	id := r.FormValue("job_id")
	if id == "" {
		httpserver.Error(w, "job_id parameter not provided", http.StatusBadRequest)
		return
	}
	err := disp.queue.Cancel(id)
	if err != nil {
		httpserver.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"job_id": id})
}

// Management API: all known builders.
func (disp *dispatcher) apiBuilders(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []builder.BuilderView `json:"items"`
	}
	resp.Items = disp.builders.Views()
	json.NewEncoder(w).Encode(resp)
}

// Management API: flag the specified builder for manual use only.
func (disp *dispatcher) apiBuilderManual(w http.ResponseWriter, r *http.Request) {
	disp.apiBuilderSetManual(w, r, true)
}

// Management API: return the specified builder to automatic rotation.
func (disp *dispatcher) apiBuilderRun(w http.ResponseWriter, r *http.Request) {
	disp.apiBuilderSetManual(w, r, false)
}

func (disp *dispatcher) apiBuilderSetManual(w http.ResponseWriter, r *http.Request, manual bool) {
	name := r.FormValue("builder")
	if name == "" {
		httpserver.Error(w, "builder parameter not provided", http.StatusBadRequest)
		return
	}
	err := disp.builders.SetManual(name, manual)
	if err != nil {
		httpserver.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"builder": name, "manual": manual})
}

// Management API: clear the specified builder's quarantine.
func (disp *dispatcher) apiBuilderReactivate(w http.ResponseWriter, r *http.Request) {
	name := r.FormValue("builder")
	if name == "" {
		httpserver.Error(w, "builder parameter not provided", http.StatusBadRequest)
		return
	}
	err := disp.builders.Reactivate(name)
	if err != nil {
		httpserver.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"builder": name})
}
