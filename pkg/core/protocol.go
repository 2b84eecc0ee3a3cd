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

// Protocol turns raw bytes in a DCB read queue into protocol messages.
// Every method runs on the DCB's owner worker. ReadReady is never
// re-entered for the same DCB and is always called with a non-empty
// read queue or a pending triggered event; the protocol may leave
// partial data in the read queue and will be called again when more
// data arrives.
type Protocol interface {
	// ReadReady consumes the read queue.
	ReadReady(d *DCB) error
	// WriteReady observes writable readiness after the core drained
	// the write queue. Backend protocols use it to finish connecting.
	WriteReady(d *DCB) error
	// Hangup handles a peer close. Returning nil lets the core close
	// the DCB.
	Hangup(d *DCB) error
}

// ProtocolWriter frames outbound data. DCB.ProtocolWrite routes
// through it when the protocol implements it.
type ProtocolWriter interface {
	// Write frames buf and appends it to the write queue.
	Write(d *DCB, buf *buffer.Chain) error
}

// ClientProtocol drives the client side of a session: the
// authentication handshake and the translation between wire messages
// and routed queries.
type ClientProtocol interface {
	Protocol
	ProtocolWriter
	// InitConnection is called exactly once after the client DCB has
	// been registered, before any ReadReady. Returning an error closes
	// the DCB.
	InitConnection(d *DCB) error
	// FinishConnection is called when the session ends.
	FinishConnection(d *DCB)
}

// BackendConnector is implemented by client protocols that can create
// the matching backend side.
type BackendConnector interface {
	// NewBackendProtocol creates the protocol driving a backend
	// connection of the same wire dialect.
	NewBackendProtocol(s *Session, target string, up Upstream) BackendProtocol
}

// BackendProtocol drives a proxy-to-server connection.
type BackendProtocol interface {
	Protocol
	// InitConnection starts the backend handshake once the socket is
	// connected.
	InitConnection(d *DCB) error
	// FinishConnection is called when the backend detaches.
	FinishConnection(d *DCB)
	// ReuseConnection rebinds a pooled backend connection to a new
	// upstream. Returns false if the connection cannot be reused.
	ReuseConnection(d *DCB, up Upstream) bool
	// Established reports whether the full backend handshake has
	// completed.
	Established() bool
}

// ProtocolModule is the per-listener protocol factory.
type ProtocolModule interface {
	// Name is the module name stored in the listener config.
	Name() string
	// NewClientProtocol creates the protocol instance for one accepted
	// client.
	NewClientProtocol(s *Session) ClientProtocol
	// RejectMessage renders the deny message sent to a remote that is
	// over the failed-authentication limit.
	RejectMessage(host string) []byte
	// ConnLimitMessage renders the "too many connections" message.
	ConnLimitMessage(limit int) []byte
}
