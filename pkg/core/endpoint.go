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

import (
	"github.com/matrixorigin/mxgate/pkg/buffer"
	"github.com/matrixorigin/mxgate/pkg/moerr"
	"golang.org/x/sys/unix"
)

// backendEndpoint is the concrete endpoint handle a router addresses a
// backend target through. The connection is owned by the session's
// worker; the endpoint only forwards.
type backendEndpoint struct {
	s        *Session
	server   *Server
	dcb      *DCB
	protocol BackendProtocol
	userData any
	open     bool
}

var _ Endpoint = (*backendEndpoint)(nil)

func newBackendEndpoint(s *Session, server *Server) *backendEndpoint {
	return &backendEndpoint{s: s, server: server}
}

// Connect implements Endpoint. It opens a non-blocking connection to
// the target; the handshake continues on writable readiness and
// writes routed before that are deferred in the delay queue.
func (e *backendEndpoint) Connect() error {
	if e.open {
		return nil
	}
	connector, ok := e.s.ClientProtocol().(BackendConnector)
	if !ok {
		return moerr.NewProtocolError("client protocol of session %d cannot create backend connections", e.s.ID())
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return moerr.NewIOError(err, "cannot create backend socket for %s", e.server.Name)
	}
	sa := &unix.SockaddrInet4{Port: e.server.Port}
	copy(sa.Addr[:], parseIPv4(e.server.Address))
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return moerr.NewIOError(err, "cannot connect to %s", e.server.Name)
	}

	e.protocol = connector.NewBackendProtocol(e.s, e.server.Name, routerReply{s: e.s})
	e.dcb = NewBackendDCB(e.s.Worker(), fd, e.server.Name, e.protocol,
		backendDCBManager{s: e.s, ep: e},
		e.s.Service().WriteqHighWater(), e.s.Service().WriteqLowWater())
	// Writable readiness signals connect completion.
	e.dcb.writableArmed = true
	if err := e.dcb.EnableEvents(); err != nil {
		e.dcb.Close()
		return err
	}
	e.s.AttachBackend(e.dcb)
	e.open = true
	if err := e.protocol.InitConnection(e.dcb); err != nil {
		e.Close()
		return err
	}
	return nil
}

// RouteQuery implements Endpoint. Buffers routed before the backend
// handshake completes are delayed, preserving order.
func (e *backendEndpoint) RouteQuery(buf *buffer.Chain) error {
	if !e.open || e.dcb == nil || e.dcb.IsClosed() {
		return moerr.NewClosed("endpoint %s is not open", e.server.Name)
	}
	if !e.protocol.Established() {
		e.dcb.DelayqAppend(buf)
		return nil
	}
	return e.dcb.ProtocolWrite(buf)
}

// Close implements Endpoint.
func (e *backendEndpoint) Close() {
	if !e.open {
		return
	}
	e.open = false
	if e.protocol != nil {
		e.protocol.FinishConnection(e.dcb)
	}
	if e.dcb != nil {
		e.dcb.Close()
	}
}

// IsOpen implements Endpoint.
func (e *backendEndpoint) IsOpen() bool { return e.open }

// Target implements Endpoint.
func (e *backendEndpoint) Target() string { return e.server.Name }

// SetUserData implements Endpoint.
func (e *backendEndpoint) SetUserData(v any) { e.userData = v }

// UserData implements Endpoint.
func (e *backendEndpoint) UserData() any { return e.userData }

// DCB exposes the backend DCB to protocols that stream through
// ProtocolWrite.
func (e *backendEndpoint) DCB() *DCB { return e.dcb }

// routerReply is the upstream handed to backend protocols: every
// backend reply enters the pipeline at the router, which forwards it
// through the filter chain to the client.
type routerReply struct {
	s *Session
}

var _ Upstream = routerReply{}

// ClientReply implements Upstream.
func (r routerReply) ClientReply(buf *buffer.Chain, route ReplyRoute, reply *Reply) error {
	if r.s.Router() == nil {
		return moerr.NewInternalError("session %d has no router session", r.s.ID())
	}
	return r.s.Router().ClientReply(buf, route, reply)
}

// backendDCBManager detaches a destroyed backend DCB from its session
// and endpoint.
type backendDCBManager struct {
	s  *Session
	ep *backendEndpoint
}

var _ Manager = backendDCBManager{}

// Destroy implements Manager.
func (m backendDCBManager) Destroy(d *DCB) {
	m.ep.open = false
	m.s.DetachBackend(d)
}
