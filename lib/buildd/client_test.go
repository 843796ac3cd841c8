// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package buildd

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ClientSuite{})

type ClientSuite struct{}

func (*ClientSuite) newServer(c *check.C, handler http.HandlerFunc) (*httptest.Server, *Client) {
	srv := httptest.NewServer(handler)
	return srv, NewClient(srv.URL)
}

func (s *ClientSuite) TestStatus(c *check.C) {
	srv, client := s.newServer(c, func(w http.ResponseWriter, req *http.Request) {
		c.Check(req.Method, check.Equals, "POST")
		c.Check(req.URL.Path, check.Equals, "/rpc/status")
		w.Write([]byte(`{"result": {"status": "building", "job_id": "job-123"}}`))
	})
	defer srv.Close()
	reply, err := client.Status(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(reply.Status, check.Equals, StatusBuilding)
	c.Check(reply.JobID, check.Equals, "job-123")
}

func (s *ClientSuite) TestStatusUnknownState(c *check.C) {
	srv, client := s.newServer(c, func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"result": {"status": "exploded"}}`))
	})
	defer srv.Close()
	_, err := client.Status(context.Background())
	c.Check(err, check.FitsTypeOf, &ProtocolError{})
	c.Check(Classify(err), check.Equals, FaultProtocol)
}

func (s *ClientSuite) TestWorkerFault(c *check.C) {
	srv, client := s.newServer(c, func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"fault": {"code": "busy", "info": "already building"}}`))
	})
	defer srv.Close()
	err := client.Build(context.Background(), BuildRequest{JobID: "job-123"})
	c.Assert(err, check.NotNil)
	c.Check(err, check.ErrorMatches, `worker fault busy: already building`)
	c.Check(Classify(err), check.Equals, FaultProtocol)
}

func (s *ClientSuite) TestMalformedResponse(c *check.C) {
	for _, body := range []string{`ha ha only kidding`, `{}`, `{"result": "not an object"}`} {
		srv, client := s.newServer(c, func(w http.ResponseWriter, req *http.Request) {
			w.Write([]byte(body))
		})
		_, err := client.Status(context.Background())
		srv.Close()
		c.Check(err, check.NotNil, check.Commentf("body %q", body))
		c.Check(Classify(err), check.Equals, FaultProtocol, check.Commentf("body %q", body))
	}
}

func (s *ClientSuite) TestBadResponseStatus(c *check.C) {
	srv, client := s.newServer(c, func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "out to lunch", http.StatusBadGateway)
	})
	defer srv.Close()
	err := client.Abort(context.Background())
	c.Check(err, check.FitsTypeOf, &ProtocolError{})
}

func (s *ClientSuite) TestConnectionRefused(c *check.C) {
	srv, client := s.newServer(c, func(w http.ResponseWriter, req *http.Request) {})
	srv.Close() // refuse all connections
	err := client.Clean(context.Background())
	c.Check(err, check.FitsTypeOf, &TransportError{})
	c.Check(Classify(err), check.Equals, FaultTransport)
}

func (s *ClientSuite) TestDeadlineExpired(c *check.C) {
	srv, client := s.newServer(c, func(w http.ResponseWriter, req *http.Request) {
		// Stall until the client gives up, then return so
		// srv.Close() isn't left waiting for this handler.
		// Drain the body first: the server only detects the
		// client disconnect (and cancels req.Context()) once
		// the request body has been consumed.
		io.Copy(io.Discard, req.Body)
		<-req.Context().Done()
	})
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	_, err := client.Status(ctx)
	c.Check(err, check.FitsTypeOf, &TransportError{})
	c.Check(Classify(err), check.Equals, FaultTransport)
}

func (s *ClientSuite) TestBuildEchoMismatch(c *check.C) {
	srv, client := s.newServer(c, func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"result": {"job_id": "job-somebody-else"}}`))
	})
	defer srv.Close()
	err := client.Build(context.Background(), BuildRequest{JobID: "job-123", Architecture: "amd64"})
	c.Check(err, check.FitsTypeOf, &ProtocolError{})
	c.Check(err, check.ErrorMatches, `.*acknowledged job "job-somebody-else", expected "job-123"`)
}

func (s *ClientSuite) TestEnsurePresent(c *check.C) {
	var gotName, gotDigest string
	srv, client := s.newServer(c, func(w http.ResponseWriter, req *http.Request) {
		c.Check(req.URL.Path, check.Equals, "/rpc/ensurepresent")
		var params map[string]string
		c.Check(json.NewDecoder(req.Body).Decode(&params), check.IsNil)
		gotName, gotDigest = params["name"], params["digest"]
		w.Write([]byte(`{"result": {}}`))
	})
	defer srv.Close()
	err := client.EnsurePresent(context.Background(), "source.tar.gz", "sha256:abc")
	c.Assert(err, check.IsNil)
	c.Check(gotName, check.Equals, "source.tar.gz")
	c.Check(gotDigest, check.Equals, "sha256:abc")
}
