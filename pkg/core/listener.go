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
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/axiomhq/hyperloglog"
	"github.com/matrixorigin/mxgate/pkg/config"
	"github.com/matrixorigin/mxgate/pkg/logutil"
	"github.com/matrixorigin/mxgate/pkg/moerr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ListenerState is the lifecycle state of a listener.
type ListenerState int32

const (
	// ListenerCreated is the state before the first Listen.
	ListenerCreated ListenerState = iota
	// ListenerStarted means the listener is accepting.
	ListenerStarted
	// ListenerStopped means accepting is paused; the fds stay open.
	ListenerStopped
	// ListenerFailed means binding failed.
	ListenerFailed
	// ListenerDestroyed is terminal; the fds are closed.
	ListenerDestroyed
)

// String implements fmt.Stringer.
func (s ListenerState) String() string {
	switch s {
	case ListenerCreated:
		return "Created"
	case ListenerStarted:
		return "Started"
	case ListenerStopped:
		return "Stopped"
	case ListenerFailed:
		return "Failed"
	default:
		return "Destroyed"
	}
}

// listenerRegistry is the process-wide listener set, written only at
// config and admin time.
var listenerRegistry = struct {
	sync.Mutex
	byName map[string]*Listener
}{byName: make(map[string]*Listener)}

// FindListener looks a listener up by name.
func FindListener(name string) *Listener {
	listenerRegistry.Lock()
	defer listenerRegistry.Unlock()
	return listenerRegistry.byName[name]
}

// Listeners returns the registered listeners.
func Listeners() []*Listener {
	listenerRegistry.Lock()
	defer listenerRegistry.Unlock()
	out := make([]*Listener, 0, len(listenerRegistry.byName))
	for _, l := range listenerRegistry.byName {
		out = append(out, l)
	}
	return out
}

const maxAcceptPerEvent = 64

// listenerPoll binds one listening fd to the listener for one worker's
// readiness set.
type listenerPoll struct {
	l  *Listener
	fd int
}

// Fd implements Pollable.
func (p *listenerPoll) Fd() int { return p.fd }

// HandlePollEvents implements Pollable.
func (p *listenerPoll) HandlePollEvents(w *Worker, events uint32) {
	if events&unix.EPOLLIN != 0 {
		p.l.acceptLoop(w, p.fd)
	}
}

// Listener is a bound accept socket with a protocol factory. Accepted
// clients share ownership of the listener, so destruction is safe
// while sessions still reference it.
type Listener struct {
	cfg      config.ListenerConfig
	service  *Service
	protocol ProtocolModule
	group    *WorkerGroup

	sslConfig *tls.Config

	state int32

	// polls holds the per-worker registered fds: one entry per worker
	// for UniqueTcp, a single shared entry otherwise.
	polls []*listenerPoll

	// refs counts the registry reference plus one per accepted client.
	refs int32

	authFail *authFailTracker

	// uniqueClients estimates the number of distinct remotes seen.
	ucMu          sync.Mutex
	uniqueClients *hyperloglog.Sketch
}

// NewListener creates a listener from its config block and registers
// it. It does not bind; call Listen.
func NewListener(cfg config.ListenerConfig, service *Service, protocol ProtocolModule,
	group *WorkerGroup, decayPerSecond float64) (*Listener, error) {
	l := &Listener{
		cfg:           cfg,
		service:       service,
		protocol:      protocol,
		group:         group,
		refs:          1,
		authFail:      newAuthFailTracker(decayPerSecond),
		uniqueClients: hyperloglog.New14(),
	}
	if cfg.SSLCert != "" {
		sslCfg, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		l.sslConfig = sslCfg
	}
	listenerRegistry.Lock()
	defer listenerRegistry.Unlock()
	if _, ok := listenerRegistry.byName[cfg.Name]; ok {
		return nil, moerr.NewDuplicate("listener %s already exists", cfg.Name)
	}
	listenerRegistry.byName[cfg.Name] = l
	return l, nil
}

func buildTLSConfig(cfg config.ListenerConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.SSLCert, cfg.SSLKey)
	if err != nil {
		return nil, moerr.NewTlsError(err, "cannot load listener %s certificate", cfg.Name)
	}
	out := &tls.Config{Certificates: []tls.Certificate{cert}}
	if cfg.SSLCA != "" {
		ca, err := os.ReadFile(cfg.SSLCA)
		if err != nil {
			return nil, moerr.NewTlsError(err, "cannot read listener %s CA", cfg.Name)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, moerr.NewTlsError(nil, "listener %s CA contains no certificates", cfg.Name)
		}
		out.ClientCAs = pool
		out.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return out, nil
}

// Name returns the listener name.
func (l *Listener) Name() string { return l.cfg.Name }

// Config returns the listener configuration.
func (l *Listener) Config() config.ListenerConfig { return l.cfg }

// State returns the lifecycle state.
func (l *Listener) State() ListenerState {
	return ListenerState(atomic.LoadInt32(&l.state))
}

func (l *Listener) setState(s ListenerState) {
	atomic.StoreInt32(&l.state, int32(s))
}

// Service returns the service the listener feeds.
func (l *Listener) Service() *Service { return l.service }

// SSLConfig returns the TLS configuration, or nil.
func (l *Listener) SSLConfig() *tls.Config { return l.sslConfig }

func (l *Listener) retain() {
	atomic.AddInt32(&l.refs, 1)
}

func (l *Listener) release() {
	if atomic.AddInt32(&l.refs, -1) == 0 {
		logutil.Debug("listener released", zap.String("listener", l.cfg.Name))
	}
}

// UniqueClientEstimate returns the estimated number of distinct
// remotes seen by this listener.
func (l *Listener) UniqueClientEstimate() uint64 {
	l.ucMu.Lock()
	defer l.ucMu.Unlock()
	return l.uniqueClients.Estimate()
}

func (l *Listener) noteRemote(host string) {
	l.ucMu.Lock()
	l.uniqueClients.Insert([]byte(host))
	l.ucMu.Unlock()
}

func newListenSocket(network string) (int, error) {
	domain := unix.AF_INET
	if network == "unix" {
		domain = unix.AF_UNIX
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, moerr.NewIOError(err, "cannot create listening socket")
	}
	return fd, nil
}

func (l *Listener) bindTCP(reusePort bool) (int, error) {
	fd, err := newListenSocket("tcp")
	if err != nil {
		return -1, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if reusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			_ = unix.Close(fd)
			return -1, moerr.NewIOError(err, "cannot set SO_REUSEPORT on listener %s", l.cfg.Name)
		}
	}
	sa := &unix.SockaddrInet4{Port: l.cfg.Port}
	copy(sa.Addr[:], parseIPv4(l.cfg.Address))
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, moerr.NewIOError(err, "cannot bind listener %s to %s:%d",
			l.cfg.Name, l.cfg.Address, l.cfg.Port)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return -1, moerr.NewIOError(err, "cannot listen on %s", l.cfg.Name)
	}
	return fd, nil
}

func (l *Listener) bindUnix() (int, error) {
	fd, err := newListenSocket("unix")
	if err != nil {
		return -1, err
	}
	_ = os.Remove(l.cfg.Socket)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: l.cfg.Socket}); err != nil {
		_ = unix.Close(fd)
		return -1, moerr.NewIOError(err, "cannot bind listener %s to socket %s",
			l.cfg.Name, l.cfg.Socket)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return -1, moerr.NewIOError(err, "cannot listen on %s", l.cfg.Name)
	}
	return fd, nil
}

func parseIPv4(addr string) []byte {
	var out [4]byte
	if addr == "" || addr == "0.0.0.0" {
		return out[:]
	}
	part := 0
	for i := 0; i < len(addr) && part < 4; i++ {
		c := addr[i]
		if c == '.' {
			part++
			continue
		}
		if c < '0' || c > '9' {
			return out[:]
		}
		out[part] = out[part]*10 + (c - '0')
	}
	return out[:]
}

// Listen binds the listening sockets and registers them with the
// workers according to the listener type.
func (l *Listener) Listen() error {
	switch l.State() {
	case ListenerCreated:
	case ListenerStopped:
		// The fds are still bound, re-registering is enough.
		return l.Start()
	case ListenerStarted:
		return nil
	default:
		return moerr.NewClosed("listener %s cannot listen in state %s", l.cfg.Name, l.State())
	}

	switch l.cfg.Type {
	case config.ListenerUniqueTcp:
		// One fd per worker, kernel-balanced with SO_REUSEPORT.
		for _, w := range l.group.Workers() {
			fd, err := l.bindTCP(true)
			if err != nil {
				l.setState(ListenerFailed)
				l.closeFds()
				return err
			}
			l.polls = append(l.polls, &listenerPoll{l: l, fd: fd})
			if l.cfg.Port == 0 {
				// A requested port of zero must resolve once so every
				// worker binds the same address.
				if sa, err := unix.Getsockname(fd); err == nil {
					if in4, ok := sa.(*unix.SockaddrInet4); ok {
						l.cfg.Port = in4.Port
					}
				}
			}
			l.registerOn(w, l.polls[len(l.polls)-1])
		}
	case config.ListenerUnixSocket:
		fd, err := l.bindUnix()
		if err != nil {
			l.setState(ListenerFailed)
			return err
		}
		p := &listenerPoll{l: l, fd: fd}
		l.polls = append(l.polls, p)
		for _, w := range l.group.Workers() {
			l.registerOn(w, p)
		}
	case config.ListenerMainWorker:
		fd, err := l.bindTCP(false)
		if err != nil {
			l.setState(ListenerFailed)
			return err
		}
		p := &listenerPoll{l: l, fd: fd}
		l.polls = append(l.polls, p)
		l.registerOn(l.group.Worker(0), p)
	default: // shared tcp
		fd, err := l.bindTCP(false)
		if err != nil {
			l.setState(ListenerFailed)
			return err
		}
		p := &listenerPoll{l: l, fd: fd}
		l.polls = append(l.polls, p)
		for _, w := range l.group.Workers() {
			l.registerOn(w, p)
		}
	}
	l.setState(ListenerStarted)
	logutil.Info("listener started",
		zap.String("listener", l.cfg.Name),
		zap.String("type", string(l.cfg.Type)))
	return nil
}

func (l *Listener) registerOn(w *Worker, p *listenerPoll) {
	w.Execute(func() {
		if err := w.Register(p, unix.EPOLLIN); err != nil {
			logutil.Error("cannot register listener",
				zap.String("listener", l.cfg.Name),
				zap.Int("worker", w.ID()), zap.Error(err))
		}
	}, ExecAuto)
}

func (l *Listener) unregisterOn(w *Worker, p *listenerPoll) {
	w.Execute(func() {
		_ = w.Unregister(p)
	}, ExecAuto)
}

func (l *Listener) forEachRegistration(f func(w *Worker, p *listenerPoll)) {
	switch l.cfg.Type {
	case config.ListenerUniqueTcp:
		for i, w := range l.group.Workers() {
			f(w, l.polls[i])
		}
	case config.ListenerMainWorker:
		f(l.group.Worker(0), l.polls[0])
	default:
		for _, w := range l.group.Workers() {
			f(w, l.polls[0])
		}
	}
}

// Stop pauses accepting. The listening fds stay open so Start resumes
// on the same address without dropping already-accepted sessions.
func (l *Listener) Stop() error {
	if l.State() != ListenerStarted {
		return nil
	}
	l.forEachRegistration(l.unregisterOn)
	l.setState(ListenerStopped)
	return nil
}

// Start resumes accepting after Stop.
func (l *Listener) Start() error {
	if l.State() != ListenerStopped {
		return nil
	}
	l.forEachRegistration(l.registerOn)
	l.setState(ListenerStarted)
	return nil
}

func (l *Listener) closeFds() {
	for _, p := range l.polls {
		if p.fd >= 0 {
			_ = unix.Close(p.fd)
			p.fd = -1
		}
	}
	l.polls = nil
}

// Destroy stops the listener, closes its fds and removes it from the
// registry. Accepted clients still holding a reference keep the shared
// object alive until they drop it.
func (l *Listener) Destroy() {
	if l.State() == ListenerDestroyed {
		return
	}
	_ = l.Stop()
	l.closeFds()
	if l.cfg.Type == config.ListenerUnixSocket {
		_ = os.Remove(l.cfg.Socket)
	}
	l.setState(ListenerDestroyed)
	listenerRegistry.Lock()
	delete(listenerRegistry.byName, l.cfg.Name)
	listenerRegistry.Unlock()
	l.release()
}

// BoundPort returns the actual TCP port of the first listening fd,
// which differs from the configured one when port 0 was requested.
func (l *Listener) BoundPort() int {
	if len(l.polls) == 0 || l.polls[0].fd < 0 {
		return l.cfg.Port
	}
	sa, err := unix.Getsockname(l.polls[0].fd)
	if err != nil {
		return l.cfg.Port
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return in4.Port
	}
	return l.cfg.Port
}

// MarkAuthAsFailed records a failed authentication for a remote host.
// Protocols call this; enough failures get the host rejected at
// accept.
func (l *Listener) MarkAuthAsFailed(remote string) {
	l.authFail.markFailed(remote)
	if l.service != nil {
		l.service.counters.authFailed.Add(1)
	}
}

// acceptLoop accepts until the socket would block, bounded per event
// so other DCBs on the worker make progress.
func (l *Listener) acceptLoop(w *Worker, fd int) {
	for i := 0; i < maxAcceptPerEvent; i++ {
		nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				logutil.Error("accept failed",
					zap.String("listener", l.cfg.Name), zap.Error(err))
			}
			return
		}
		host := remoteHost(sa)
		l.noteRemote(host)

		if limit := l.service.AuthFailLimit(); limit > 0 &&
			l.authFail.failures(host) >= float64(limit) {
			l.rejectConnection(nfd, host)
			continue
		}
		if l.service.OverConnectionLimit() {
			l.refuseConnection(nfd)
			continue
		}

		switch l.cfg.Type {
		case config.ListenerMainWorker:
			target := l.group.LeastLoaded()
			target.Execute(func() { l.newClient(target, nfd, host) }, ExecQueued)
		default:
			l.newClient(w, nfd, host)
		}
	}
}

func remoteHost(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3])
	case *unix.SockaddrInet6:
		// Numeric form, no DNS during accept.
		return fmt.Sprintf("%x:%x:%x:%x:%x:%x:%x:%x",
			uint16(a.Addr[0])<<8|uint16(a.Addr[1]), uint16(a.Addr[2])<<8|uint16(a.Addr[3]),
			uint16(a.Addr[4])<<8|uint16(a.Addr[5]), uint16(a.Addr[6])<<8|uint16(a.Addr[7]),
			uint16(a.Addr[8])<<8|uint16(a.Addr[9]), uint16(a.Addr[10])<<8|uint16(a.Addr[11]),
			uint16(a.Addr[12])<<8|uint16(a.Addr[13]), uint16(a.Addr[14])<<8|uint16(a.Addr[15]))
	case *unix.SockaddrUnix:
		return "localhost"
	default:
		return "unknown"
	}
}

// rejectConnection asks the protocol for a deny message, writes it and
// closes the fd. The protocol's InitConnection is never reached.
func (l *Listener) rejectConnection(fd int, host string) {
	if msg := l.protocol.RejectMessage(host); len(msg) > 0 {
		_, _ = unix.Write(fd, msg)
	}
	_ = unix.Close(fd)
	l.service.counters.connRefused.Add(1)
	logutil.Warn("connection rejected after repeated authentication failures",
		zap.String("listener", l.cfg.Name), zap.String("remote", host))
}

func (l *Listener) refuseConnection(fd int) {
	if msg := l.protocol.ConnLimitMessage(l.service.ConnLimit()); len(msg) > 0 {
		_, _ = unix.Write(fd, msg)
	}
	_ = unix.Close(fd)
	l.service.counters.connRefused.Add(1)
}

// newClient builds the session and client DCB for an accepted fd on
// its owner worker.
func (l *Listener) newClient(w *Worker, fd int, host string) {
	s := NewSession(w, l.service, l)
	proto := l.protocol.NewClientProtocol(s)
	d := NewClientDCB(w, fd, host, proto, clientDCBManager{s: s},
		l.service.WriteqHighWater(), l.service.WriteqLowWater())
	s.SetClient(d, proto)
	if l.sslConfig != nil {
		d.SetSSL(l.sslConfig, true)
	}
	l.service.counters.connAccepted.Add(1)
	if err := d.EnableEvents(); err != nil {
		logutil.Error("cannot poll accepted client",
			zap.String("listener", l.cfg.Name), zap.Error(err))
		d.Close()
		return
	}
	if err := proto.InitConnection(d); err != nil {
		logutil.Debug("client init failed",
			zap.String("listener", l.cfg.Name),
			zap.String("remote", host), zap.Error(err))
		d.Close()
	}
}

// ToJSON renders the listener for the admin API.
func (l *Listener) ToJSON() map[string]any {
	out := map[string]any{
		"name":     l.cfg.Name,
		"state":    l.State().String(),
		"type":     string(l.cfg.Type),
		"protocol": l.cfg.Protocol,
		"unique_clients": l.UniqueClientEstimate(),
	}
	if l.cfg.Socket != "" {
		out["socket"] = l.cfg.Socket
	} else {
		out["address"] = l.cfg.Address
		out["port"] = strconv.Itoa(l.cfg.Port)
	}
	if l.service != nil {
		out["service"] = l.service.Name()
	}
	return out
}
