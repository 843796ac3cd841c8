// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/openbuildfarm/buildfarm/lib/buildd"
)

// A StubWorker implements buildd.API, simulating one builder's
// worker process. Tests drive it through the API and through
// FinishBuild, and inject failures through the *Error fields.
type StubWorker struct {
	Name string

	// Injected call failures. A non-nil entry is returned by the
	// corresponding method instead of doing anything.
	StatusError error
	BuildError  error
	AbortError  error
	CleanError  error

	// OnBuild, if non-nil, is called (with the lock held) for
	// every accepted build request.
	OnBuild func(buildd.BuildRequest)

	mtx      sync.Mutex
	status   buildd.Status
	jobID    string
	outcome  buildd.Outcome
	artifact string
	reason   string
	present  map[string]string
}

func (sw *StubWorker) Echo(ctx context.Context, message string) (string, error) {
	return message, nil
}

func (sw *StubWorker) Info(ctx context.Context) (buildd.Info, error) {
	return buildd.Info{
		ProtocolVersion: "1.0",
		Methods:         []string{"echo", "info", "status", "ensurepresent", "build", "abort", "clean"},
		Architecture:    "amd64",
	}, nil
}

func (sw *StubWorker) Status(ctx context.Context) (buildd.StatusReply, error) {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	if sw.StatusError != nil {
		return buildd.StatusReply{}, sw.StatusError
	}
	if sw.status == "" {
		sw.status = buildd.StatusIdle
	}
	return buildd.StatusReply{
		Status:   sw.status,
		JobID:    sw.jobID,
		Outcome:  sw.outcome,
		Artifact: sw.artifact,
		Reason:   sw.reason,
	}, nil
}

func (sw *StubWorker) EnsurePresent(ctx context.Context, name, digest string) error {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	if sw.present == nil {
		sw.present = map[string]string{}
	}
	sw.present[name] = digest
	return nil
}

func (sw *StubWorker) Build(ctx context.Context, req buildd.BuildRequest) error {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	if sw.BuildError != nil {
		return sw.BuildError
	}
	if sw.status == buildd.StatusBuilding || sw.status == buildd.StatusWaiting {
		return &buildd.Fault{Code: "busy", Info: "already running job " + sw.jobID}
	}
	sw.status = buildd.StatusBuilding
	sw.jobID = req.JobID
	sw.outcome, sw.artifact, sw.reason = "", "", ""
	if sw.OnBuild != nil {
		sw.OnBuild(req)
	}
	return nil
}

func (sw *StubWorker) Abort(ctx context.Context) error {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	if sw.AbortError != nil {
		return sw.AbortError
	}
	if sw.status == buildd.StatusBuilding {
		sw.status = buildd.StatusWaiting
		sw.outcome = buildd.OutcomeAborted
	}
	return nil
}

func (sw *StubWorker) Clean(ctx context.Context) error {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	if sw.CleanError != nil {
		return sw.CleanError
	}
	sw.status = buildd.StatusIdle
	sw.jobID, sw.outcome, sw.artifact, sw.reason = "", "", "", ""
	return nil
}

// SetStatusError arranges for subsequent Status calls to return err,
// as if the worker stopped answering probes. Safe to call while the
// stub is in use.
func (sw *StubWorker) SetStatusError(err error) {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	sw.StatusError = err
}

// FinishBuild moves a building stub to the waiting state with the
// given result, as if the build had run to completion.
func (sw *StubWorker) FinishBuild(outcome buildd.Outcome, artifact, reason string) {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	sw.status = buildd.StatusWaiting
	sw.outcome, sw.artifact, sw.reason = outcome, artifact, reason
}

// JobID returns the job the stub is running or holding results for.
func (sw *StubWorker) JobID() string {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	return sw.jobID
}

// Present returns the inputs pushed so far via EnsurePresent.
func (sw *StubWorker) Present() map[string]string {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	r := map[string]string{}
	for k, v := range sw.present {
		r[k] = v
	}
	return r
}

// Server returns an HTTP test server speaking the worker wire
// protocol on behalf of the stub, for tests that exercise the real
// buildd.Client.
func (sw *StubWorker) Server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc/", func(w http.ResponseWriter, req *http.Request) {
		method := req.URL.Path[len("/rpc/"):]
		var result interface{}
		var err error
		switch method {
		case "echo":
			var params struct {
				Message string `json:"message"`
			}
			json.NewDecoder(req.Body).Decode(&params)
			var message string
			message, err = sw.Echo(req.Context(), params.Message)
			result = map[string]string{"message": message}
		case "info":
			result, err = sw.Info(req.Context())
		case "status":
			result, err = sw.Status(req.Context())
		case "ensurepresent":
			var params struct {
				Name   string `json:"name"`
				Digest string `json:"digest"`
			}
			json.NewDecoder(req.Body).Decode(&params)
			err = sw.EnsurePresent(req.Context(), params.Name, params.Digest)
			result = struct{}{}
		case "build":
			var breq buildd.BuildRequest
			json.NewDecoder(req.Body).Decode(&breq)
			err = sw.Build(req.Context(), breq)
			result = map[string]string{"job_id": breq.JobID}
		case "abort":
			err = sw.Abort(req.Context())
			result = struct{}{}
		case "clean":
			err = sw.Clean(req.Context())
			result = struct{}{}
		default:
			http.Error(w, "unknown method", http.StatusNotFound)
			return
		}
		var envelope struct {
			Result interface{}   `json:"result,omitempty"`
			Fault  *buildd.Fault `json:"fault,omitempty"`
		}
		if fault, ok := err.(*buildd.Fault); ok {
			envelope.Fault = fault
		} else if err != nil {
			envelope.Fault = &buildd.Fault{Code: "internal", Info: err.Error()}
		} else {
			envelope.Result = result
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(envelope)
	})
	return httptest.NewServer(mux)
}
