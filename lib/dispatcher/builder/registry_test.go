// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/openbuildfarm/buildfarm/lib/buildd"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&RegistrySuite{})

type RegistrySuite struct {
	source  *stubSource
	clients map[string]*stubClient
	reg     *Registry
}

// stubSource is an in-memory BuilderSource.
type stubSource struct {
	mtx      sync.Mutex
	builders map[string]Builder
}

func (src *stubSource) add(b Builder) {
	src.mtx.Lock()
	defer src.mtx.Unlock()
	if src.builders == nil {
		src.builders = map[string]Builder{}
	}
	src.builders[b.Name] = b
}

func (src *stubSource) get(name string) Builder {
	src.mtx.Lock()
	defer src.mtx.Unlock()
	return src.builders[name]
}

func (src *stubSource) ListBuilders(ctx context.Context) ([]Builder, error) {
	src.mtx.Lock()
	defer src.mtx.Unlock()
	var r []Builder
	for _, b := range src.builders {
		r = append(r, b)
	}
	return r, nil
}

func (src *stubSource) UpdateBuilder(ctx context.Context, name string, upd BuilderUpdate) error {
	src.mtx.Lock()
	defer src.mtx.Unlock()
	b, ok := src.builders[name]
	if !ok {
		return errors.New("no such builder")
	}
	if upd.Active != nil {
		b.Active = *upd.Active
	}
	if upd.Manual != nil {
		b.Manual = *upd.Manual
	}
	if upd.FailureNote != nil {
		b.FailureNote = *upd.FailureNote
	}
	src.builders[name] = b
	return nil
}

// stubClient is a scriptable buildd.API.
type stubClient struct {
	mtx        sync.Mutex
	statusErr  error
	reply      buildd.StatusReply
	buildErr   error
	built      []buildd.BuildRequest
	ensured    map[string]string
	abortCalls int
	cleanCalls int
	cleanErr   error
}

func (cl *stubClient) Echo(ctx context.Context, message string) (string, error) { return message, nil }
func (cl *stubClient) Info(ctx context.Context) (buildd.Info, error)            { return buildd.Info{}, nil }

func (cl *stubClient) Status(ctx context.Context) (buildd.StatusReply, error) {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	if cl.statusErr != nil {
		return buildd.StatusReply{}, cl.statusErr
	}
	if cl.reply.Status == "" {
		return buildd.StatusReply{Status: buildd.StatusIdle}, nil
	}
	return cl.reply, nil
}

func (cl *stubClient) EnsurePresent(ctx context.Context, name, digest string) error {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	if cl.ensured == nil {
		cl.ensured = map[string]string{}
	}
	cl.ensured[name] = digest
	return nil
}

func (cl *stubClient) Build(ctx context.Context, req buildd.BuildRequest) error {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	if cl.buildErr != nil {
		return cl.buildErr
	}
	cl.built = append(cl.built, req)
	return nil
}

func (cl *stubClient) Abort(ctx context.Context) error {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	cl.abortCalls++
	return nil
}

func (cl *stubClient) Clean(ctx context.Context) error {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	cl.cleanCalls++
	return cl.cleanErr
}

func (cl *stubClient) setStatusErr(err error) {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	cl.statusErr = err
}

func (s *RegistrySuite) SetUpTest(c *check.C) {
	s.source = &stubSource{}
	s.clients = map[string]*stubClient{}
	logger := logrus.StandardLogger()
	if os.Getenv("BUILDFARM_DEBUG") != "" {
		logger.SetLevel(logrus.DebugLevel)
	}
	s.reg = &Registry{
		logger: logger,
		source: s.source,
		newClient: func(b Builder) buildd.API {
			return s.clients[b.Name]
		},
		probeTimeout:             time.Second,
		dispatchTimeout:          time.Second,
		failureThreshold:         3,
		protocolFailureThreshold: 2,
		stop:                     make(chan bool),
	}
	s.reg.registerMetrics(nil)
	s.reg.setupOnce.Do(s.reg.setup)
}

// addBuilder adds a builder to the source, syncs the registry, and
// probes it once.
func (s *RegistrySuite) addBuilder(c *check.C, i int) (string, *stubClient) {
	name := fmt.Sprintf("bm-test-%03d", i)
	b := Builder{
		Name:         name,
		URL:          "http://" + name + ":8221",
		Architecture: "amd64",
		Active:       true,
	}
	s.source.add(b)
	s.clients[name] = &stubClient{}
	c.Assert(s.reg.getBuildersAndSync(), check.IsNil)
	s.probe(name)
	return name, s.clients[name]
}

func (s *RegistrySuite) probe(name string) {
	s.reg.mtx.RLock()
	mon := s.reg.monitors[name]
	s.reg.mtx.RUnlock()
	mon.probeAndUpdate()
}

func (s *RegistrySuite) state(name string) State {
	s.reg.mtx.RLock()
	defer s.reg.mtx.RUnlock()
	return s.reg.monitors[name].state
}

func waitFor(c *check.C, f func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !f() {
		if time.Now().After(deadline) {
			c.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *RegistrySuite) TestProbeSuccess(c *check.C) {
	name, _ := s.addBuilder(c, 1)
	c.Check(s.state(name), check.Equals, StateIdle)
	eligible := s.reg.Eligible()
	c.Assert(eligible, check.HasLen, 1)
	c.Check(eligible[0].Name, check.Equals, name)
	c.Check(s.reg.CheckHealth(), check.IsNil)
}

func (s *RegistrySuite) TestTransportFaultQuarantine(c *check.C) {
	name, client := s.addBuilder(c, 1)

	// Failures below the threshold leave the builder in service
	// if a probe succeeds in between.
	client.setStatusErr(&buildd.TransportError{Method: "status", Err: errors.New("connection refused")})
	s.probe(name)
	s.probe(name)
	c.Check(s.state(name), check.Not(check.Equals), StateQuarantined)
	client.setStatusErr(nil)
	s.probe(name)
	c.Check(s.state(name), check.Equals, StateIdle)

	// Three consecutive transport faults quarantine the builder.
	client.setStatusErr(&buildd.TransportError{Method: "status", Err: errors.New("connection refused")})
	s.probe(name)
	s.probe(name)
	s.probe(name)
	c.Check(s.state(name), check.Equals, StateQuarantined)
	c.Check(s.reg.Eligible(), check.HasLen, 0)

	// The quarantine is persisted to the source.
	waitFor(c, func() bool { return !s.source.get(name).Active })
	c.Check(s.source.get(name).FailureNote, check.Not(check.Equals), "")
}

func (s *RegistrySuite) TestProtocolFaultQuarantinesFaster(c *check.C) {
	name, client := s.addBuilder(c, 1)
	client.setStatusErr(&buildd.ProtocolError{Method: "status", Detail: "malformed response"})
	s.probe(name)
	c.Check(s.state(name), check.Not(check.Equals), StateQuarantined)
	s.probe(name)
	c.Check(s.state(name), check.Equals, StateQuarantined)
	waitFor(c, func() bool { return !s.source.get(name).Active })
}

func (s *RegistrySuite) TestQuarantinedBuilderNotProbed(c *check.C) {
	name, client := s.addBuilder(c, 1)
	client.setStatusErr(&buildd.ProtocolError{Method: "status", Detail: "x"})
	s.probe(name)
	s.probe(name)
	c.Assert(s.state(name), check.Equals, StateQuarantined)

	// Even a healthy worker stays out of rotation until an
	// operator reactivates the builder.
	client.setStatusErr(nil)
	s.probe(name)
	c.Check(s.state(name), check.Equals, StateQuarantined)
	c.Check(s.reg.Eligible(), check.HasLen, 0)
}

func (s *RegistrySuite) TestReactivate(c *check.C) {
	name, client := s.addBuilder(c, 1)
	client.setStatusErr(&buildd.ProtocolError{Method: "status", Detail: "x"})
	s.probe(name)
	s.probe(name)
	waitFor(c, func() bool { return !s.source.get(name).Active })

	client.setStatusErr(nil)
	c.Assert(s.reg.Reactivate(name), check.IsNil)
	c.Check(s.source.get(name).Active, check.Equals, true)
	c.Check(s.source.get(name).FailureNote, check.Equals, "")
	c.Check(s.state(name), check.Equals, StateUnknown)
	s.probe(name)
	c.Check(s.state(name), check.Equals, StateIdle)
	c.Check(s.reg.Eligible(), check.HasLen, 1)
}

func (s *RegistrySuite) TestReserveAndStartJob(c *check.C) {
	name, client := s.addBuilder(c, 1)
	c.Assert(s.reg.Reserve(name, "job-1"), check.Equals, true)
	// Reserved builders can't be reserved again.
	c.Check(s.reg.Reserve(name, "job-2"), check.Equals, false)
	c.Check(s.reg.Eligible(), check.HasLen, 0)

	inputs := map[string]string{"source.tar.gz": "sha256:abc"}
	err := s.reg.StartJob(context.Background(), name, "job-1", "amd64", false, inputs)
	c.Assert(err, check.IsNil)
	c.Check(client.ensured["source.tar.gz"], check.Equals, "sha256:abc")
	c.Assert(client.built, check.HasLen, 1)
	c.Check(client.built[0].JobID, check.Equals, "job-1")
	c.Check(client.built[0].Architecture, check.Equals, "amd64")

	// The builder reports the running job on the next probe.
	client.reply = buildd.StatusReply{Status: buildd.StatusBuilding, JobID: "job-1"}
	s.probe(name)
	rep, ok := s.reg.Reports()[name]
	c.Assert(ok, check.Equals, true)
	c.Check(rep.Status.JobID, check.Equals, "job-1")
	c.Check(rep.State, check.Equals, StateBusy)
}

func (s *RegistrySuite) TestStartJobFailureReleasesBuilder(c *check.C) {
	name, client := s.addBuilder(c, 1)
	client.buildErr = &buildd.TransportError{Method: "build", Err: errors.New("timeout")}
	c.Assert(s.reg.Reserve(name, "job-1"), check.Equals, true)
	err := s.reg.StartJob(context.Background(), name, "job-1", "amd64", false, nil)
	c.Assert(err, check.NotNil)

	// The reservation is dropped and the fault counted, but one
	// fault is not enough to quarantine.
	c.Check(s.state(name), check.Not(check.Equals), StateQuarantined)
	client.buildErr = nil
	s.probe(name)
	c.Check(s.reg.Reserve(name, "job-2"), check.Equals, true)
}

func (s *RegistrySuite) TestReleaseJobClean(c *check.C) {
	name, client := s.addBuilder(c, 1)
	c.Assert(s.reg.Reserve(name, "job-1"), check.Equals, true)
	c.Assert(s.reg.StartJob(context.Background(), name, "job-1", "amd64", false, nil), check.IsNil)

	s.reg.ReleaseJob(name, true)
	waitFor(c, func() bool {
		client.mtx.Lock()
		defer client.mtx.Unlock()
		return client.cleanCalls == 1
	})
	waitFor(c, func() bool { return s.state(name) == StateIdle })
	c.Check(s.reg.Eligible(), check.HasLen, 1)
}

func (s *RegistrySuite) TestAbortJob(c *check.C) {
	name, client := s.addBuilder(c, 1)
	c.Assert(s.reg.Reserve(name, "job-1"), check.Equals, true)
	c.Assert(s.reg.StartJob(context.Background(), name, "job-1", "amd64", false, nil), check.IsNil)

	s.reg.AbortJob(name)
	waitFor(c, func() bool {
		client.mtx.Lock()
		defer client.mtx.Unlock()
		return client.abortCalls == 1
	})
}

func (s *RegistrySuite) TestManualBuilderNotEligible(c *check.C) {
	name, _ := s.addBuilder(c, 1)
	c.Assert(s.reg.SetManual(name, true), check.IsNil)
	c.Check(s.source.get(name).Manual, check.Equals, true)
	c.Check(s.reg.Eligible(), check.HasLen, 0)
	c.Check(s.reg.Reserve(name, "job-1"), check.Equals, false)

	// Manual builders are still probed and reported.
	s.probe(name)
	_, ok := s.reg.Reports()[name]
	c.Check(ok, check.Equals, true)

	c.Assert(s.reg.SetManual(name, false), check.IsNil)
	c.Check(s.reg.Eligible(), check.HasLen, 1)
}

func (s *RegistrySuite) TestSyncRemovesDisappearedBuilder(c *check.C) {
	name, _ := s.addBuilder(c, 1)
	s.source.mtx.Lock()
	delete(s.source.builders, name)
	s.source.mtx.Unlock()
	c.Assert(s.reg.getBuildersAndSync(), check.IsNil)
	c.Check(s.reg.CountBuilders()[StateIdle], check.Equals, 0)
	c.Check(s.reg.Views(), check.HasLen, 0)
}
