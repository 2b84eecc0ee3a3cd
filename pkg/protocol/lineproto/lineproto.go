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

// Package lineproto is a newline-delimited protocol module. One line is
// one message; the first line of a connection is "USER <name>" and
// authenticates the session. It exists to exercise the connection core
// without a heavyweight wire dialect.
package lineproto

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/matrixorigin/mxgate/pkg/buffer"
	"github.com/matrixorigin/mxgate/pkg/core"
	"github.com/matrixorigin/mxgate/pkg/moerr"
)

const (
	greeting  = "OK ready\n"
	userCmd   = "USER "
	denyReply = "ERR access denied\n"
)

// Module is the lineproto protocol factory.
type Module struct {
	// Authenticate validates a user name; nil accepts everything.
	Authenticate func(user string) bool
}

var _ core.ProtocolModule = (*Module)(nil)

// Name implements core.ProtocolModule.
func (m *Module) Name() string { return "lineproto" }

// NewClientProtocol implements core.ProtocolModule.
func (m *Module) NewClientProtocol(s *core.Session) core.ClientProtocol {
	return &clientProtocol{module: m, session: s}
}

// RejectMessage implements core.ProtocolModule.
func (m *Module) RejectMessage(host string) []byte {
	return []byte(fmt.Sprintf("ERR host %s is temporarily blocked\n", host))
}

// ConnLimitMessage implements core.ProtocolModule.
func (m *Module) ConnLimitMessage(limit int) []byte {
	return []byte(fmt.Sprintf("ERR too many connections (limit %d)\n", limit))
}

// clientProtocol drives one client connection: greeting, the USER
// handshake, then line-by-line routing.
type clientProtocol struct {
	module        *Module
	session       *core.Session
	greeted       bool
	authenticated bool
}

var _ core.ClientProtocol = (*clientProtocol)(nil)
var _ core.BackendConnector = (*clientProtocol)(nil)

// InitConnection implements core.ClientProtocol.
func (p *clientProtocol) InitConnection(d *core.DCB) error {
	if d.SSLState() == core.SSLStateRequired {
		// The greeting waits until the handshake establishes, see
		// WriteReady.
		if d.SslHandshake() < 0 {
			return moerr.NewTlsError(nil, "tls handshake failed during init")
		}
	} else {
		if err := p.greet(d); err != nil {
			return err
		}
	}
	return p.session.Start()
}

func (p *clientProtocol) greet(d *core.DCB) error {
	if p.greeted {
		return nil
	}
	p.greeted = true
	if !d.WriteqAppend(buffer.FromString(greeting), true) {
		return moerr.NewClosed("client closed during init")
	}
	return nil
}

// FinishConnection implements core.ClientProtocol.
func (p *clientProtocol) FinishConnection(d *core.DCB) {}

// ReadReady implements core.Protocol. Complete lines are routed; a
// trailing partial line stays in the read queue for the next call.
func (p *clientProtocol) ReadReady(d *core.DCB) error {
	if d.SSLState() == core.SSLStateRequired || d.SSLState() == core.SSLStateDone {
		switch d.SslHandshake() {
		case -1:
			return moerr.NewTlsError(nil, "tls handshake failed")
		case 0:
			return nil
		}
	}
	for {
		line, ok := takeLine(d)
		if !ok {
			return nil
		}
		if err := p.dispatch(d, line); err != nil {
			return err
		}
	}
}

func takeLine(d *core.DCB) ([]byte, bool) {
	data := d.ReadQueue().Data()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, false
	}
	line := d.ReadQueue().Split(idx + 1)
	return line.Data(), true
}

func (p *clientProtocol) dispatch(d *core.DCB, line []byte) error {
	if !p.authenticated {
		text := strings.TrimRight(string(line), "\r\n")
		if !strings.HasPrefix(text, userCmd) {
			p.failAuth(d)
			return moerr.NewProtocolError("authentication expected")
		}
		user := strings.TrimSpace(text[len(userCmd):])
		if p.module.Authenticate != nil && !p.module.Authenticate(user) {
			p.failAuth(d)
			return moerr.NewProtocolError("authentication failed for %q", user)
		}
		p.authenticated = true
		p.session.SetUser(user)
		return p.Write(d, buffer.FromString("OK authenticated\n"))
	}
	return p.session.RouteQuery(buffer.FromBytes(line))
}

func (p *clientProtocol) failAuth(d *core.DCB) {
	// The listener tracks the failure so a flooding host gets
	// rejected at accept.
	if lst := p.session.Listener(); lst != nil {
		lst.MarkAuthAsFailed(d.Remote())
	}
	_ = d.WriteqAppend(buffer.FromString(denyReply), true)
}

// WriteReady implements core.Protocol.
func (p *clientProtocol) WriteReady(d *core.DCB) error {
	if d.SSLState() == core.SSLStateEstablished {
		return p.greet(d)
	}
	return nil
}

// Hangup implements core.Protocol.
func (p *clientProtocol) Hangup(d *core.DCB) error { return nil }

// Write implements core.ProtocolWriter. Lineproto needs no outbound
// framing beyond the terminating newline.
func (p *clientProtocol) Write(d *core.DCB, buf *buffer.Chain) error {
	data := buf.Data()
	if len(data) == 0 || data[len(data)-1] != '\n' {
		buf.AppendBytes([]byte{'\n'})
	}
	if !d.WriteqAppend(buf, true) {
		return moerr.NewClosed("write on closed client")
	}
	return nil
}

// NewBackendProtocol implements core.BackendConnector.
func (p *clientProtocol) NewBackendProtocol(s *core.Session, target string, up core.Upstream) core.BackendProtocol {
	return &backendProtocol{session: s, target: target, up: up}
}

// backendProtocol drives one proxy-to-server connection of the line
// dialect. The backend greeting completes the handshake; deferred
// writes flush at that point.
type backendProtocol struct {
	session     *core.Session
	target      string
	up          core.Upstream
	established bool
}

var _ core.BackendProtocol = (*backendProtocol)(nil)

// InitConnection implements core.BackendProtocol.
func (p *backendProtocol) InitConnection(d *core.DCB) error { return nil }

// FinishConnection implements core.BackendProtocol.
func (p *backendProtocol) FinishConnection(d *core.DCB) {}

// ReadReady implements core.Protocol. The first line is the server
// greeting; every later line is a reply forwarded upstream.
func (p *backendProtocol) ReadReady(d *core.DCB) error {
	for {
		line, ok := takeLine(d)
		if !ok {
			return nil
		}
		if !p.established {
			p.established = true
			d.FlushDelayq()
			continue
		}
		err := p.up.ClientReply(buffer.FromBytes(line),
			core.ReplyRoute{Target: p.target},
			&core.Reply{Complete: true})
		if err != nil {
			return err
		}
	}
}

// WriteReady implements core.Protocol.
func (p *backendProtocol) WriteReady(d *core.DCB) error {
	if p.established {
		d.FlushDelayq()
	}
	return nil
}

// Hangup implements core.Protocol.
func (p *backendProtocol) Hangup(d *core.DCB) error {
	p.session.HandleError(moerr.NewPeerClose("server %s closed the connection", p.target),
		nil, &core.Reply{Complete: false})
	return nil
}

// ReuseConnection implements core.BackendProtocol.
func (p *backendProtocol) ReuseConnection(d *core.DCB, up core.Upstream) bool {
	if !p.established {
		return false
	}
	p.up = up
	return true
}

// Established implements core.BackendProtocol.
func (p *backendProtocol) Established() bool { return p.established }
