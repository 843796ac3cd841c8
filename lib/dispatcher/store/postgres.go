// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package store persists job and builder records in PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/openbuildfarm/buildfarm/lib/config"
	"github.com/openbuildfarm/buildfarm/lib/dispatcher/builder"
	"github.com/openbuildfarm/buildfarm/lib/dispatcher/jobqueue"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id text PRIMARY KEY,
	architecture text NOT NULL,
	virtualized boolean NOT NULL DEFAULT false,
	archive text NOT NULL DEFAULT '',
	archive_private boolean NOT NULL DEFAULT false,
	priority integer NOT NULL DEFAULT 0,
	estimated_duration bigint NOT NULL DEFAULT 0,
	state text NOT NULL,
	assigned_builder text NOT NULL DEFAULT '',
	requeues integer NOT NULL DEFAULT 0,
	cancel_requested boolean NOT NULL DEFAULT false,
	failure_reason text NOT NULL DEFAULT '',
	inputs jsonb NOT NULL DEFAULT '{}',
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now());
CREATE INDEX IF NOT EXISTS jobs_by_state ON jobs (state);
CREATE TABLE IF NOT EXISTS builders (
	name text PRIMARY KEY,
	url text NOT NULL,
	architecture text NOT NULL,
	virtualized boolean NOT NULL DEFAULT false,
	open_archive_only boolean NOT NULL DEFAULT false,
	manual boolean NOT NULL DEFAULT false,
	active boolean NOT NULL DEFAULT true,
	failure_note text NOT NULL DEFAULT '');
`

// Postgres implements the job queue's Store and the builder
// registry's BuilderSource on a PostgreSQL database.
type Postgres struct {
	logger logrus.FieldLogger
	db     *sqlx.DB
}

// New opens a connection pool for the given DSN, creates the schema
// if needed, and returns the store.
func New(ctx context.Context, logger logrus.FieldLogger, dsn string) (*Postgres, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgresql open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgresql connect: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema setup: %w", err)
	}
	return &Postgres{logger: logger, db: db}, nil
}

// Close releases the connection pool.
func (ps *Postgres) Close() error {
	return ps.db.Close()
}

// inputsMap round-trips a job's inputs through a jsonb column.
type inputsMap map[string]string

func (m inputsMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *inputsMap) Scan(src interface{}) error {
	buf, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into inputs map", src)
	}
	return json.Unmarshal(buf, m)
}

type jobRow struct {
	ID                string    `db:"id"`
	Architecture      string    `db:"architecture"`
	Virtualized       bool      `db:"virtualized"`
	Archive           string    `db:"archive"`
	ArchivePrivate    bool      `db:"archive_private"`
	Priority          int       `db:"priority"`
	EstimatedDuration int64     `db:"estimated_duration"`
	State             string    `db:"state"`
	AssignedBuilder   string    `db:"assigned_builder"`
	Requeues          int       `db:"requeues"`
	CancelRequested   bool      `db:"cancel_requested"`
	FailureReason     string    `db:"failure_reason"`
	Inputs            inputsMap `db:"inputs"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (row jobRow) job() jobqueue.Job {
	return jobqueue.Job{
		ID:                row.ID,
		Architecture:      row.Architecture,
		Virtualized:       row.Virtualized,
		Archive:           row.Archive,
		ArchivePrivate:    row.ArchivePrivate,
		Priority:          row.Priority,
		EstimatedDuration: config.Duration(row.EstimatedDuration),
		State:             jobqueue.State(row.State),
		AssignedBuilder:   row.AssignedBuilder,
		Requeues:          row.Requeues,
		CancelRequested:   row.CancelRequested,
		FailureReason:     row.FailureReason,
		Inputs:            row.Inputs,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}
}

const jobColumns = `id, architecture, virtualized, archive, archive_private, priority, estimated_duration, state, assigned_builder, requeues, cancel_requested, failure_reason, inputs, created_at, updated_at`

// LoadJobs returns all jobs that have not reached a terminal state.
func (ps *Postgres) LoadJobs(ctx context.Context) ([]jobqueue.Job, error) {
	var rows []jobRow
	err := ps.db.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM jobs WHERE state IN ($1, $2, $3, $4) ORDER BY created_at`,
		jobqueue.StatePending, jobqueue.StateDispatching, jobqueue.StateBuilding, jobqueue.StateUploading)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	jobs := make([]jobqueue.Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.job())
	}
	return jobs, nil
}

// CompareAndUpdate applies upd to the given job if and only if its
// stored state equals from. On a state mismatch it returns the stored
// record along with jobqueue.ErrStateChanged so the caller can retry
// against fresh data.
func (ps *Postgres) CompareAndUpdate(ctx context.Context, id string, from jobqueue.State, upd jobqueue.JobUpdate) (jobqueue.Job, error) {
	tx, err := ps.db.BeginTxx(ctx, nil)
	if err != nil {
		return jobqueue.Job{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var row jobRow
	err = tx.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return jobqueue.Job{}, jobqueue.ErrUnknownJob
	} else if err != nil {
		return jobqueue.Job{}, fmt.Errorf("select job %s: %w", id, err)
	}
	if jobqueue.State(row.State) != from {
		return row.job(), jobqueue.ErrStateChanged
	}

	if upd.State != "" {
		row.State = string(upd.State)
	}
	if upd.AssignedBuilder != nil {
		row.AssignedBuilder = *upd.AssignedBuilder
	}
	if upd.IncRequeues {
		row.Requeues++
	}
	if upd.FailureReason != nil {
		row.FailureReason = *upd.FailureReason
	}
	if upd.CancelRequested != nil {
		row.CancelRequested = *upd.CancelRequested
	}
	row.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `UPDATE jobs SET state=$2, assigned_builder=$3, requeues=$4, cancel_requested=$5, failure_reason=$6, updated_at=$7 WHERE id=$1`,
		row.ID, row.State, row.AssignedBuilder, row.Requeues, row.CancelRequested, row.FailureReason, row.UpdatedAt)
	if err != nil {
		return jobqueue.Job{}, fmt.Errorf("update job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return jobqueue.Job{}, fmt.Errorf("commit: %w", err)
	}
	return row.job(), nil
}

// EnqueueJob inserts a new Pending job, minting an ID if the caller
// did not supply one, and returns the stored record.
func (ps *Postgres) EnqueueJob(ctx context.Context, job jobqueue.Job) (jobqueue.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.State == "" {
		job.State = jobqueue.StatePending
	}
	if job.State != jobqueue.StatePending {
		return jobqueue.Job{}, fmt.Errorf("new job must be %s, not %s", jobqueue.StatePending, job.State)
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	_, err := ps.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		job.ID, job.Architecture, job.Virtualized, job.Archive, job.ArchivePrivate,
		job.Priority, int64(job.EstimatedDuration), job.State, job.AssignedBuilder,
		job.Requeues, job.CancelRequested, job.FailureReason, inputsMap(job.Inputs),
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return jobqueue.Job{}, fmt.Errorf("insert job: %w", err)
	}
	ps.logger.WithFields(logrus.Fields{
		"JobID":        job.ID,
		"Architecture": job.Architecture,
		"Priority":     job.Priority,
	}).Info("job enqueued")
	return job, nil
}

// SupersedeJob marks a Pending job Superseded, normally because the
// enqueuer replaced it with a newer version before it was dispatched.
func (ps *Postgres) SupersedeJob(ctx context.Context, id string) error {
	_, err := ps.CompareAndUpdate(ctx, id, jobqueue.StatePending, jobqueue.JobUpdate{State: jobqueue.StateSuperseded})
	return err
}

type builderRow struct {
	Name            string `db:"name"`
	URL             string `db:"url"`
	Architecture    string `db:"architecture"`
	Virtualized     bool   `db:"virtualized"`
	OpenArchiveOnly bool   `db:"open_archive_only"`
	Manual          bool   `db:"manual"`
	Active          bool   `db:"active"`
	FailureNote     string `db:"failure_note"`
}

// ListBuilders returns all stored builder records.
func (ps *Postgres) ListBuilders(ctx context.Context) ([]builder.Builder, error) {
	var rows []builderRow
	err := ps.db.SelectContext(ctx, &rows, `SELECT name, url, architecture, virtualized, open_archive_only, manual, active, failure_note FROM builders ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("load builders: %w", err)
	}
	builders := make([]builder.Builder, 0, len(rows))
	for _, row := range rows {
		builders = append(builders, builder.Builder{
			Name:            row.Name,
			URL:             row.URL,
			Architecture:    row.Architecture,
			Virtualized:     row.Virtualized,
			OpenArchiveOnly: row.OpenArchiveOnly,
			Manual:          row.Manual,
			Active:          row.Active,
			FailureNote:     row.FailureNote,
		})
	}
	return builders, nil
}

// UpdateBuilder applies the given flag changes to a stored builder
// record.
func (ps *Postgres) UpdateBuilder(ctx context.Context, name string, upd builder.BuilderUpdate) error {
	res, err := ps.db.ExecContext(ctx, `UPDATE builders SET
		active = COALESCE($2, active),
		manual = COALESCE($3, manual),
		failure_note = COALESCE($4, failure_note)
		WHERE name=$1`,
		name, nullBool(upd.Active), nullBool(upd.Manual), nullString(upd.FailureNote))
	if err != nil {
		return fmt.Errorf("update builder %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update builder %s: no such builder", name)
	}
	return nil
}

// AddBuilder inserts or replaces a builder record.
func (ps *Postgres) AddBuilder(ctx context.Context, b builder.Builder) error {
	_, err := ps.db.ExecContext(ctx, `INSERT INTO builders (name, url, architecture, virtualized, open_archive_only, manual, active, failure_note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET url=EXCLUDED.url, architecture=EXCLUDED.architecture, virtualized=EXCLUDED.virtualized, open_archive_only=EXCLUDED.open_archive_only, manual=EXCLUDED.manual, active=EXCLUDED.active, failure_note=EXCLUDED.failure_note`,
		b.Name, b.URL, b.Architecture, b.Virtualized, b.OpenArchiveOnly, b.Manual, b.Active, b.FailureNote)
	if err != nil {
		return fmt.Errorf("add builder %s: %w", b.Name, err)
	}
	return nil
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
