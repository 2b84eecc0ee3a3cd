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
	"strings"
	"sync/atomic"
	"time"

	"github.com/matrixorigin/mxgate/pkg/buffer"
	"github.com/matrixorigin/mxgate/pkg/config"
	"github.com/matrixorigin/mxgate/pkg/logutil"
	"github.com/matrixorigin/mxgate/pkg/moerr"
	"go.uber.org/zap"
)

// SessionState is the lifecycle state of a session.
type SessionState int32

const (
	// SessionCreated is the state before the router connects.
	SessionCreated SessionState = iota
	// SessionStarted means the router connected successfully.
	SessionStarted
	// SessionStopping means close or terminate has begun.
	SessionStopping
	// SessionFailed means the router never connected.
	SessionFailed
	// SessionFree means every reference has been dropped.
	SessionFree
)

// String implements fmt.Stringer.
func (s SessionState) String() string {
	switch s {
	case SessionCreated:
		return "Created"
	case SessionStarted:
		return "Started"
	case SessionStopping:
		return "Stopping"
	case SessionFailed:
		return "Failed"
	default:
		return "Free"
	}
}

// CloseReason records why a session was closed, surfaced in the admin
// JSON.
type CloseReason int32

const (
	// CloseNone means no abnormal close.
	CloseNone CloseReason = iota
	// CloseTimeout means the idle sweep closed the session.
	CloseTimeout
	// CloseHandleErrorFailed means the router could not recover from
	// connection errors.
	CloseHandleErrorFailed
	// CloseRoutingFailed means the router could not route a query.
	CloseRoutingFailed
	// CloseKilled means another connection killed this session.
	CloseKilled
	// CloseTooManyConnections means the connection limit was hit.
	CloseTooManyConnections
)

// String returns the admin-visible close reason text.
func (r CloseReason) String() string {
	switch r {
	case CloseTimeout:
		return "Timed out by MaxScale"
	case CloseHandleErrorFailed:
		return "Router could not recover from connection errors"
	case CloseRoutingFailed:
		return "Router could not route query"
	case CloseKilled:
		return "Killed by another connection"
	case CloseTooManyConnections:
		return "Too many connections"
	default:
		return ""
	}
}

// TrxState describes the transaction state of a session as a bitmask.
type TrxState int32

const (
	// TrxInactive means no transaction is open.
	TrxInactive TrxState = 0
	// TrxActive means a transaction is open.
	TrxActive TrxState = 1 << 0
	// TrxReadOnly marks an open read-only transaction.
	TrxReadOnly TrxState = 1 << 1
	// TrxReadWrite marks an open read-write transaction.
	TrxReadWrite TrxState = 1 << 2
	// TrxEnding marks the statement that terminates the transaction.
	TrxEnding TrxState = 1 << 3
)

var sessionID uint64

func nextSessionID() uint64 {
	return atomic.AddUint64(&sessionID, 1)
}

// Process-global knobs, read-mostly.
var (
	globalRetainLastStatements uint32
	globalSessionTrace         uint32
	globalDumpStatements       int32
)

// SetRetainLastStatements sets the process-global query ring depth.
func SetRetainLastStatements(n uint32) {
	atomic.StoreUint32(&globalRetainLastStatements, n)
}

// RetainLastStatements returns the process-global query ring depth.
func RetainLastStatements() uint32 {
	return atomic.LoadUint32(&globalRetainLastStatements)
}

// SetSessionTrace sets the process-global session trace depth.
func SetSessionTrace(n uint32) {
	atomic.StoreUint32(&globalSessionTrace, n)
}

// SessionTrace returns the process-global session trace depth.
func SessionTrace() uint32 {
	return atomic.LoadUint32(&globalSessionTrace)
}

// SetDumpStatements sets the process-global statement dump mode.
func SetDumpStatements(mode config.DumpStatements) {
	atomic.StoreInt32(&globalDumpStatements, int32(mode))
}

// DumpStatementsMode returns the process-global statement dump mode.
func DumpStatementsMode() config.DumpStatements {
	return config.DumpStatements(atomic.LoadInt32(&globalDumpStatements))
}

// Session couples one client DCB, a chain of filters, a router session
// and a set of backend DCBs. It is pinned to the worker that accepted
// the client; the refcount is the only field touched cross-thread.
type Session struct {
	id     uint64
	state  SessionState
	worker *Worker

	service  *Service
	listener *Listener

	clientDCB      *DCB
	clientProtocol ClientProtocol

	router    Router
	filters   []Filter
	endpoints []Endpoint

	backendDCBs map[uint64]*DCB

	// refcount holders: the client DCB, every attached backend DCB and
	// any delayed task referring to the session.
	refcount int32

	user        string
	connectedAt time.Time
	closeReason CloseReason

	// query ring, newest first.
	retain       uint32
	lastQueries  []*QueryInfo
	currentQuery int

	variables map[string]sessionVariable

	// response is the short-circuit slot a filter fills through
	// SetResponse during RouteQuery. At most one per query.
	response struct {
		up  Upstream
		buf *buffer.Chain
		set bool
	}

	// log is the bounded trace ring, newest first.
	log []string

	// protoData is protocol-specific opaque state.
	protoData any

	autocommit bool
	trxState   TrxState
}

// NewSession creates a session bound to worker for a client accepted by
// listener. The caller attaches the client DCB afterwards.
func NewSession(worker *Worker, service *Service, listener *Listener) *Session {
	s := &Session{
		id:           nextSessionID(),
		state:        SessionCreated,
		worker:       worker,
		service:      service,
		listener:     listener,
		backendDCBs:  make(map[uint64]*DCB),
		refcount:     1,
		connectedAt:  time.Now(),
		currentQuery: -1,
		variables:    make(map[string]sessionVariable),
		autocommit:   true,
	}
	if service != nil && service.RetainLastStatements() >= 0 {
		s.retain = uint32(service.RetainLastStatements())
	} else {
		s.retain = RetainLastStatements()
	}
	if listener != nil {
		listener.retain()
	}
	return s
}

// ID returns the process-unique session id.
func (s *Session) ID() uint64 { return s.id }

// State returns the lifecycle state.
func (s *Session) State() SessionState { return s.state }

// Worker returns the worker the session is pinned to.
func (s *Session) Worker() *Worker { return s.worker }

// Service returns the service the session belongs to.
func (s *Session) Service() *Service { return s.service }

// Listener returns the listener that accepted this session, or nil.
func (s *Session) Listener() *Listener { return s.listener }

// ClientDCB returns the client side DCB.
func (s *Session) ClientDCB() *DCB { return s.clientDCB }

// ClientProtocol returns the protocol driving the client DCB.
func (s *Session) ClientProtocol() ClientProtocol { return s.clientProtocol }

// Router returns the router session.
func (s *Session) Router() Router { return s.router }

// User returns the authenticated user name.
func (s *Session) User() string { return s.user }

// SetUser records the authenticated user name.
func (s *Session) SetUser(user string) { s.user = user }

// CloseReason returns the recorded close reason.
func (s *Session) CloseReason() CloseReason { return s.closeReason }

// SetCloseReason records why the session is being closed.
func (s *Session) SetCloseReason(r CloseReason) { s.closeReason = r }

// ProtoData returns the protocol-specific opaque data.
func (s *Session) ProtoData() any { return s.protoData }

// SetProtoData stores protocol-specific opaque data.
func (s *Session) SetProtoData(v any) { s.protoData = v }

// Autocommit reports the session autocommit flag.
func (s *Session) Autocommit() bool { return s.autocommit }

// SetAutocommit sets the session autocommit flag.
func (s *Session) SetAutocommit(v bool) { s.autocommit = v }

// TrxState returns the transaction state.
func (s *Session) TrxState() TrxState { return s.trxState }

// SetTrxState sets the transaction state.
func (s *Session) SetTrxState(t TrxState) { s.trxState = t }

// Retain increments the session refcount.
func (s *Session) Retain() {
	atomic.AddInt32(&s.refcount, 1)
}

// Release decrements the session refcount; the last release frees the
// session on its worker.
func (s *Session) Release() {
	if atomic.AddInt32(&s.refcount, -1) != 0 {
		return
	}
	s.worker.Execute(func() { s.free() }, ExecAuto)
}

// Refcount returns the current reference count.
func (s *Session) Refcount() int {
	return int(atomic.LoadInt32(&s.refcount))
}

func (s *Session) free() {
	if s.state == SessionFree {
		return
	}
	s.state = SessionFree
	if s.listener != nil {
		s.listener.release()
	}
	logutil.Debug("session freed", zap.Uint64("session", s.id))
}

// SetClient binds the client DCB and its protocol. Called by the
// listener during accept.
func (s *Session) SetClient(d *DCB, p ClientProtocol) {
	s.clientDCB = d
	s.clientProtocol = p
	d.setSession(s)
	s.worker.attachSession(s)
}

// Start connects the router. On success the session enters Started and
// the service connection counters are bumped.
func (s *Session) Start() error {
	if s.service == nil || s.service.Router() == nil {
		return moerr.NewInternalError("session %d has no router", s.id)
	}
	s.endpoints = s.service.NewEndpoints(s)
	r, err := s.service.Router().NewRouterSession(s, s.endpoints)
	if err != nil {
		s.state = SessionFailed
		return moerr.NewRouterError("cannot create router session for session %d: %v", s.id, err)
	}
	s.router = r
	if err := s.setupFilters(); err != nil {
		s.state = SessionFailed
		return err
	}
	s.state = SessionStarted
	s.service.sessionStarted(s)
	return nil
}

func (s *Session) setupFilters() error {
	mods := s.service.Filters()
	s.filters = make([]Filter, 0, len(mods))
	for i, m := range mods {
		f, err := m.NewFilterSession(s,
			filterDown{s: s, next: i + 1},
			filterUp{s: s, next: i - 1})
		if err != nil {
			return moerr.NewInternalError("cannot create filter %s for session %d: %v",
				m.Name(), s.id, err)
		}
		s.filters = append(s.filters, f)
	}
	return nil
}

// filterDown forwards a query to filter `next`, or to the router when
// the chain is exhausted.
type filterDown struct {
	s    *Session
	next int
}

// RouteQuery implements Downstream.
func (f filterDown) RouteQuery(buf *buffer.Chain) error {
	if f.next < len(f.s.filters) {
		return f.s.filters[f.next].RouteQuery(buf)
	}
	return f.s.router.RouteQuery(buf)
}

// filterUp forwards a reply to filter `next`, or to the client when
// the chain is exhausted.
type filterUp struct {
	s    *Session
	next int
}

// ClientReply implements Upstream.
func (f filterUp) ClientReply(buf *buffer.Chain, route ReplyRoute, reply *Reply) error {
	if f.next >= 0 && f.next < len(f.s.filters) {
		return f.s.filters[f.next].ClientReply(buf, route, reply)
	}
	return f.s.deliverToClient(buf, route, reply)
}

// RouterUpstream returns the upstream the router (and through it the
// backend protocols) replies into: the tail of the filter chain, or
// the client when there are no filters.
func (s *Session) RouterUpstream() Upstream {
	return filterUp{s: s, next: len(s.filters) - 1}
}

func (s *Session) down() Downstream {
	return filterDown{s: s, next: 0}
}

// RouteQuery transfers buf to the head of the filter chain. A response
// short-circuited through SetResponse is drained before returning.
func (s *Session) RouteQuery(buf *buffer.Chain) error {
	if s.state != SessionStarted {
		return moerr.NewClosed("session %d not started", s.id)
	}
	s.RetainStatement(buf)
	if err := s.down().RouteQuery(buf); err != nil {
		s.closeReason = CloseRoutingFailed
		s.Terminate(err)
		return err
	}
	s.deliverResponse()
	return nil
}

// SetResponse short-circuits the current query: buf is delivered to up
// once RouteQuery unwinds. Only one response may be set per query; a
// second call is rejected.
func (s *Session) SetResponse(up Upstream, buf *buffer.Chain) error {
	if s.response.set {
		return moerr.NewDuplicate("response already set for session %d", s.id)
	}
	s.response.up = up
	s.response.buf = buf
	s.response.set = true
	return nil
}

func (s *Session) deliverResponse() {
	if !s.response.set {
		return
	}
	up, buf := s.response.up, s.response.buf
	s.response.up, s.response.buf, s.response.set = nil, nil, false
	if err := up.ClientReply(buf, ReplyRoute{}, &Reply{Complete: true}); err != nil {
		logutil.Error("cannot deliver short-circuited response",
			zap.Uint64("session", s.id), zap.Error(err))
	}
}

// ClientReply hands buf to the client connection's write path.
func (s *Session) ClientReply(buf *buffer.Chain, route ReplyRoute, reply *Reply) error {
	return s.deliverToClient(buf, route, reply)
}

func (s *Session) deliverToClient(buf *buffer.Chain, route ReplyRoute, reply *Reply) error {
	if s.clientDCB == nil || s.clientDCB.IsClosed() {
		return moerr.NewClosed("client of session %d is gone", s.id)
	}
	if err := s.clientProtocol.Write(s.clientDCB, buf); err != nil {
		return err
	}
	if reply != nil && reply.Complete {
		if route.Target != "" {
			s.BookServerResponse(route.Target, true)
		} else {
			s.BookLastAsComplete()
		}
	}
	return nil
}

// HandleError surfaces an endpoint failure to the router. If the
// router cannot continue the session terminates after forwarding the
// error.
func (s *Session) HandleError(err error, from Endpoint, reply *Reply) {
	if s.state != SessionStarted {
		return
	}
	if s.router != nil && s.router.HandleError(err, from, reply) {
		return
	}
	s.closeReason = CloseHandleErrorFailed
	s.Terminate(err)
}

// Terminate stops a started session, optionally writing err to the
// client first. Memory is not freed here; references drain as the
// DCBs detach.
func (s *Session) Terminate(err error) {
	if s.state != SessionStarted {
		return
	}
	s.state = SessionStopping
	if err != nil && s.clientDCB != nil && !s.clientDCB.IsClosed() {
		if werr := s.clientProtocol.Write(s.clientDCB, buffer.FromString(err.Error())); werr != nil {
			logutil.Debug("cannot write terminate error",
				zap.Uint64("session", s.id), zap.Error(werr))
		}
	}
	if s.clientDCB != nil {
		s.clientDCB.Close()
	}
}

// AttachBackend registers a backend DCB with the session, taking a
// reference.
func (s *Session) AttachBackend(d *DCB) {
	s.backendDCBs[d.UID()] = d
	d.setSession(s)
	s.Retain()
}

// DetachBackend drops a backend DCB, releasing its reference.
func (s *Session) DetachBackend(d *DCB) {
	if _, ok := s.backendDCBs[d.UID()]; !ok {
		return
	}
	delete(s.backendDCBs, d.UID())
	s.Release()
}

// BackendDCBs returns the currently attached backend DCBs.
func (s *Session) BackendDCBs() []*DCB {
	out := make([]*DCB, 0, len(s.backendDCBs))
	for _, d := range s.backendDCBs {
		out = append(out, d)
	}
	return out
}

// clientGone runs when the client DCB has been destroyed: the session
// winds down and drops the client reference.
func (s *Session) clientGone() {
	if s.state == SessionStarted {
		s.state = SessionStopping
	}
	switch DumpStatementsMode() {
	case config.DumpOnClose:
		s.DumpStatements()
	case config.DumpOnError:
		if s.closeReason != CloseNone {
			s.DumpStatements()
		}
	}
	s.DumpSessionLog()
	if s.clientProtocol != nil {
		s.clientProtocol.FinishConnection(s.clientDCB)
	}
	for _, ep := range s.endpoints {
		if ep.IsOpen() {
			ep.Close()
		}
	}
	if s.router != nil {
		s.router.Close()
	}
	s.worker.detachSession(s)
	if s.service != nil {
		s.service.sessionEnded(s)
	}
	s.Release()
}

// clientDCBManager destroys client DCBs of a session.
type clientDCBManager struct {
	s *Session
}

var _ Manager = clientDCBManager{}

// Destroy implements Manager.
func (m clientDCBManager) Destroy(d *DCB) {
	m.s.clientGone()
}

// AppendSessionLog pushes a trace line into the bounded session log.
func (s *Session) AppendSessionLog(line string) {
	depth := SessionTrace()
	if depth == 0 {
		return
	}
	s.log = append([]string{line}, s.log...)
	if uint32(len(s.log)) > depth {
		s.log = s.log[:depth]
	}
}

// DumpSessionLog logs the accumulated trace, newest first.
func (s *Session) DumpSessionLog() {
	if len(s.log) == 0 {
		return
	}
	logutil.Info("session log",
		zap.Uint64("session", s.id),
		zap.String("log", strings.Join(s.log, "")))
}

// SessionLog returns a copy of the trace ring, newest first.
func (s *Session) SessionLog() []string {
	out := make([]string, len(s.log))
	copy(out, s.log)
	return out
}

// IdleSeconds returns the seconds since the last client I/O.
func (s *Session) IdleSeconds() int64 {
	if s.clientDCB == nil {
		return 0
	}
	last := s.clientDCB.lastReadMs
	if s.clientDCB.lastWriteMs > last {
		last = s.clientDCB.lastWriteMs
	}
	idle := (s.worker.EpochMs() - last) / 1000
	if idle < 0 {
		idle = 0
	}
	return idle
}
