// Copyright 2021 - 2023 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import "github.com/matrixorigin/mxgate/pkg/buffer"

// ReplyRoute describes where a reply came from.
type ReplyRoute struct {
	// Target is the backend server name, empty for a short-circuited
	// reply produced inside the proxy.
	Target string
	// Endpoint is the producing endpoint, nil for short circuits.
	Endpoint Endpoint
}

// Reply describes the state of a backend response.
type Reply struct {
	// Complete is true when the response for the current query is
	// finished.
	Complete bool
	// Error carries a backend-reported error, if any.
	Error error
}

// Downstream receives buffers travelling from the client towards the
// backends.
type Downstream interface {
	// RouteQuery transfers ownership of buf down the pipeline.
	RouteQuery(buf *buffer.Chain) error
}

// Upstream receives buffers travelling from the backends towards the
// client.
type Upstream interface {
	// ClientReply transfers ownership of buf up the pipeline.
	ClientReply(buf *buffer.Chain, route ReplyRoute, reply *Reply) error
}

// Filter sits between the client protocol and the router. It sees
// queries on the way down and replies on the way up.
type Filter interface {
	Downstream
	Upstream
	// HandleError is called when an endpoint fails. Returning false
	// makes the core terminate the session after forwarding the error.
	HandleError(err error, from Endpoint, reply *Reply) bool
}

// FilterModule creates per-session filter instances.
type FilterModule interface {
	// Name is the module name.
	Name() string
	// NewFilterSession creates the filter instance of one session.
	// down and up are the neighbours the instance forwards to.
	NewFilterSession(s *Session, down Downstream, up Upstream) (Filter, error)
}

// Router is the terminal filter: RouteQuery targets one or more
// backend endpoints, ClientReply is called when any backend replies.
type Router interface {
	Downstream
	Upstream
	// HandleError is called when an endpoint fails. Returning false
	// makes the core terminate the session after forwarding the error.
	HandleError(err error, from Endpoint, reply *Reply) bool
	// Close releases router resources when the session ends.
	Close()
}

// RouterModule creates per-session router instances.
type RouterModule interface {
	// Name is the module name.
	Name() string
	// NewRouterSession connects a session to the router. endpoints
	// address the service targets; the router decides which to open.
	NewRouterSession(s *Session, endpoints []Endpoint) (Router, error)
}

// Endpoint is the opaque handle a router uses to address one backend
// destination. The core does not interpret user data stored on it.
type Endpoint interface {
	// Connect opens the backend connection.
	Connect() error
	// RouteQuery sends buf to the backend, deferring it while the
	// handshake is still in flight.
	RouteQuery(buf *buffer.Chain) error
	// Close tears the backend connection down.
	Close()
	// IsOpen reports whether the endpoint has an open connection.
	IsOpen() bool
	// Target returns the backend server name.
	Target() string
	// SetUserData attaches router-private state.
	SetUserData(v any)
	// UserData returns the attached router-private state.
	UserData() any
}
