// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openbuildfarm/buildfarm/lib/dispatcher/builder"
	"github.com/openbuildfarm/buildfarm/lib/dispatcher/jobqueue"
)

// Store is an in-memory implementation of jobqueue.Store and
// builder.BuilderSource, with the same compare-and-set semantics as
// the PostgreSQL store.
type Store struct {
	// LoadError, if set, is returned by LoadJobs and
	// ListBuilders.
	LoadError error

	mtx      sync.Mutex
	jobs     map[string]jobqueue.Job
	builders map[string]builder.Builder
}

// AddJob inserts or replaces a job record.
func (s *Store) AddJob(job jobqueue.Job) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.jobs == nil {
		s.jobs = map[string]jobqueue.Job{}
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	s.jobs[job.ID] = job
}

// Job returns the stored record for the given job.
func (s *Store) Job(id string) (jobqueue.Job, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	job, ok := s.jobs[id]
	return job, ok
}

// LoadJobs implements jobqueue.Store.
func (s *Store) LoadJobs(ctx context.Context) ([]jobqueue.Job, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.LoadError != nil {
		return nil, s.LoadError
	}
	var jobs []jobqueue.Job
	for _, job := range s.jobs {
		if !job.State.Terminal() {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// CompareAndUpdate implements jobqueue.Store.
func (s *Store) CompareAndUpdate(ctx context.Context, id string, from jobqueue.State, upd jobqueue.JobUpdate) (jobqueue.Job, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return jobqueue.Job{}, jobqueue.ErrUnknownJob
	}
	if job.State != from {
		return job, jobqueue.ErrStateChanged
	}
	if upd.State != "" {
		job.State = upd.State
	}
	if upd.AssignedBuilder != nil {
		job.AssignedBuilder = *upd.AssignedBuilder
	}
	if upd.IncRequeues {
		job.Requeues++
	}
	if upd.FailureReason != nil {
		job.FailureReason = *upd.FailureReason
	}
	if upd.CancelRequested != nil {
		job.CancelRequested = *upd.CancelRequested
	}
	job.UpdatedAt = time.Now()
	s.jobs[id] = job
	return job, nil
}

// AddBuilder inserts or replaces a builder record.
func (s *Store) AddBuilder(b builder.Builder) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.builders == nil {
		s.builders = map[string]builder.Builder{}
	}
	s.builders[b.Name] = b
}

// Builder returns the stored record for the given builder.
func (s *Store) Builder(name string) (builder.Builder, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	b, ok := s.builders[name]
	return b, ok
}

// ListBuilders implements builder.BuilderSource.
func (s *Store) ListBuilders(ctx context.Context) ([]builder.Builder, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.LoadError != nil {
		return nil, s.LoadError
	}
	var builders []builder.Builder
	for _, b := range s.builders {
		builders = append(builders, b)
	}
	return builders, nil
}

// UpdateBuilder implements builder.BuilderSource.
func (s *Store) UpdateBuilder(ctx context.Context, name string, upd builder.BuilderUpdate) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	b, ok := s.builders[name]
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
	s.builders[name] = b
	return nil
}
