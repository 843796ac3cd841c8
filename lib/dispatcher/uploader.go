// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/openbuildfarm/buildfarm/lib/dispatcher/jobqueue"
)

// httpUploader hands finished artifacts to the upload service, which
// fetches them from the builder and publishes them to the archive.
type httpUploader struct {
	url    string
	client *http.Client
}

func (up *httpUploader) Collect(ctx context.Context, job jobqueue.Job, artifact string) error {
	body, err := json.Marshal(map[string]string{
		"job_id":   job.ID,
		"archive":  job.Archive,
		"builder":  job.AssignedBuilder,
		"artifact": artifact,
	})
	if err != nil {
		return err
	}
	url := strings.TrimSuffix(up.url, "/") + "/ingest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := up.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("upload service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload service: unexpected response status %d", resp.StatusCode)
	}
	return nil
}

// logUploader acknowledges artifacts without ingesting them anywhere.
// Used when no upload service is configured.
type logUploader struct {
	logger logrus.FieldLogger
}

func (up *logUploader) Collect(ctx context.Context, job jobqueue.Job, artifact string) error {
	up.logger.WithFields(logrus.Fields{
		"JobID":    job.ID,
		"Artifact": artifact,
	}).Info("no upload service configured, artifact acknowledged without collection")
	return nil
}
