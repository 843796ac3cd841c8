// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package buildd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// An API performs RPC calls to one builder's worker process.
// Implemented by Client and test stubs.
type API interface {
	Echo(ctx context.Context, message string) (string, error)
	Info(ctx context.Context) (Info, error)
	Status(ctx context.Context) (StatusReply, error)
	EnsurePresent(ctx context.Context, name, digest string) error
	Build(ctx context.Context, req BuildRequest) error
	Abort(ctx context.Context) error
	Clean(ctx context.Context) error
}

// Client calls one builder's worker over HTTP/JSON. Methods are safe
// to call concurrently.
//
// Callers are expected to supply a deadline on every call's context;
// the Client itself imposes none.
type Client struct {
	// Base URL of the worker, e.g. "http://bm-amd64-001:8221".
	URL string

	// HTTPClient to use instead of http.DefaultClient.
	HTTPClient *http.Client
}

// NewClient returns a Client for the worker at the given base URL.
func NewClient(url string) *Client {
	return &Client{URL: url}
}

func (c *Client) Echo(ctx context.Context, message string) (string, error) {
	var reply struct {
		Message string `json:"message"`
	}
	err := c.call(ctx, "echo", map[string]string{"message": message}, &reply)
	return reply.Message, err
}

func (c *Client) Info(ctx context.Context) (Info, error) {
	var info Info
	err := c.call(ctx, "info", nil, &info)
	return info, err
}

func (c *Client) Status(ctx context.Context) (StatusReply, error) {
	var reply StatusReply
	err := c.call(ctx, "status", nil, &reply)
	if err != nil {
		return reply, err
	}
	switch reply.Status {
	case StatusIdle, StatusBuilding, StatusAborting, StatusWaiting:
	default:
		return reply, &ProtocolError{Method: "status", Detail: fmt.Sprintf("unknown status %q", reply.Status)}
	}
	return reply, nil
}

func (c *Client) EnsurePresent(ctx context.Context, name, digest string) error {
	return c.call(ctx, "ensurepresent", map[string]string{
		"name":   name,
		"digest": digest,
	}, nil)
}

func (c *Client) Build(ctx context.Context, req BuildRequest) error {
	var reply struct {
		JobID string `json:"job_id"`
	}
	err := c.call(ctx, "build", req, &reply)
	if err != nil {
		return err
	}
	if reply.JobID != req.JobID {
		return &ProtocolError{Method: "build", Detail: fmt.Sprintf("worker acknowledged job %q, expected %q", reply.JobID, req.JobID)}
	}
	return nil
}

func (c *Client) Abort(ctx context.Context) error {
	return c.call(ctx, "abort", nil, nil)
}

func (c *Client) Clean(ctx context.Context) error {
	return c.call(ctx, "clean", nil, nil)
}

func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	var body bytes.Buffer
	if params == nil {
		params = struct{}{}
	}
	if err := json.NewEncoder(&body).Encode(params); err != nil {
		return fmt.Errorf("error encoding %s request: %w", method, err)
	}
	url := strings.TrimSuffix(c.URL, "/") + "/rpc/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("error preparing %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return &TransportError{Method: method, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &ProtocolError{Method: method, Detail: fmt.Sprintf("unexpected response status %d", resp.StatusCode)}
	}
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Fault  *Fault          `json:"fault"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return &ProtocolError{Method: method, Detail: "malformed response", Err: err}
	}
	if envelope.Fault != nil {
		return envelope.Fault
	}
	if result != nil {
		if envelope.Result == nil {
			return &ProtocolError{Method: method, Detail: "response has no result"}
		}
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return &ProtocolError{Method: method, Detail: "malformed result", Err: err}
		}
	}
	return nil
}
