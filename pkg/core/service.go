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
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matrixorigin/mxgate/pkg/logutil"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Counter is an atomic event counter.
type Counter struct {
	v int64
}

// Add increments the counter by n.
func (c *Counter) Add(n int64) { atomic.AddInt64(&c.v, n) }

// Load returns the counter value.
func (c *Counter) Load() int64 { return atomic.LoadInt64(&c.v) }

// counterSet contains all items tracked per service.
type counterSet struct {
	connAccepted   Counter
	connRefused    Counter
	authFailed     Counter
	sessionsActive Counter
	sessionsTotal  Counter
}

// Export renders the counters as log fields.
func (s *counterSet) Export() []zap.Field {
	return []zap.Field{
		zap.Int64("accepted connections", s.connAccepted.Load()),
		zap.Int64("refused connections", s.connRefused.Load()),
		zap.Int64("auth failed", s.authFailed.Load()),
		zap.Int64("active sessions", s.sessionsActive.Load()),
		zap.Int64("total sessions", s.sessionsTotal.Load()),
	}
}

// Server is one backend target of a service.
type Server struct {
	Name    string
	Address string
	Port    int
}

// ServiceOption configures a service.
type ServiceOption func(*Service)

// WithFilters sets the service filter chain, head first.
func WithFilters(filters ...FilterModule) ServiceOption {
	return func(s *Service) { s.filters = filters }
}

// WithConnLimit bounds the number of concurrent sessions, zero is
// unlimited.
func WithConnLimit(n int) ServiceOption {
	return func(s *Service) { s.connLimit = n }
}

// WithRetainLastStatements overrides the process-global query ring
// depth for sessions of this service.
func WithRetainLastStatements(n uint32) ServiceOption {
	return func(s *Service) { s.retainLastStatements = int32(n) }
}

// WithWatermarks sets the write queue watermarks of DCBs created for
// this service.
func WithWatermarks(high, low uint64) ServiceOption {
	return func(s *Service) { s.writeqHigh, s.writeqLow = high, low }
}

// WithAuthFailLimit sets the failed-auth rejection threshold.
func WithAuthFailLimit(n uint32) ServiceOption {
	return func(s *Service) { s.authFailLimit = n }
}

// WithConnectionTimeout enables the idle sweep with the given limit.
func WithConnectionTimeout(d time.Duration) ServiceOption {
	return func(s *Service) { s.connectionTimeout = d }
}

// Service binds listeners to a router over a set of backend targets.
type Service struct {
	name    string
	router  RouterModule
	filters []FilterModule
	targets []*Server
	group   *WorkerGroup

	counters counterSet

	connLimit int
	// retainLastStatements overrides the global knob when >= 0; a
	// service either configures its own depth or follows the global
	// one, never both.
	retainLastStatements int32
	writeqHigh           uint64
	writeqLow            uint64
	authFailLimit        uint32
	connectionTimeout    time.Duration

	// pool runs background work that must not block a worker, such as
	// reverse DNS for the admin API.
	pool *ants.Pool

	sweepOnce sync.Once
	stopSweep chan struct{}
}

// NewService creates a service.
func NewService(name string, router RouterModule, targets []*Server,
	group *WorkerGroup, opts ...ServiceOption) (*Service, error) {
	pool, err := ants.NewPool(8)
	if err != nil {
		return nil, err
	}
	s := &Service{
		name:                 name,
		router:               router,
		targets:              targets,
		group:                group,
		retainLastStatements: -1,
		writeqHigh:           16 * 1024 * 1024,
		writeqLow:            8 * 1024 * 1024,
		authFailLimit:        10,
		pool:                 pool,
		stopSweep:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Router returns the router module.
func (s *Service) Router() RouterModule { return s.router }

// Filters returns the filter modules, head first.
func (s *Service) Filters() []FilterModule { return s.filters }

// Targets returns the backend targets.
func (s *Service) Targets() []*Server { return s.targets }

// Group returns the worker group.
func (s *Service) Group() *WorkerGroup { return s.group }

// ConnLimit returns the session limit, zero is unlimited.
func (s *Service) ConnLimit() int { return s.connLimit }

// RetainLastStatements returns the service override, or -1 when the
// process-global knob applies.
func (s *Service) RetainLastStatements() int32 { return s.retainLastStatements }

// WriteqHighWater returns the DCB high watermark.
func (s *Service) WriteqHighWater() uint64 { return s.writeqHigh }

// WriteqLowWater returns the DCB low watermark.
func (s *Service) WriteqLowWater() uint64 { return s.writeqLow }

// AuthFailLimit returns the failed-auth rejection threshold.
func (s *Service) AuthFailLimit() uint32 { return s.authFailLimit }

// ConnectionTimeout returns the idle limit, zero when disabled.
func (s *Service) ConnectionTimeout() time.Duration { return s.connectionTimeout }

// Counters exposes the service counters for logging and the admin API.
func (s *Service) Counters() *counterSet { return &s.counters }

// OverConnectionLimit reports whether a new session would exceed the
// limit.
func (s *Service) OverConnectionLimit() bool {
	return s.connLimit > 0 && s.counters.sessionsActive.Load() >= int64(s.connLimit)
}

func (s *Service) sessionStarted(sess *Session) {
	s.counters.sessionsActive.Add(1)
	s.counters.sessionsTotal.Add(1)
}

func (s *Service) sessionEnded(sess *Session) {
	s.counters.sessionsActive.Add(-1)
}

// NewEndpoints creates one endpoint per target for a session.
func (s *Service) NewEndpoints(sess *Session) []Endpoint {
	out := make([]Endpoint, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, newBackendEndpoint(sess, t))
	}
	return out
}

// Async runs f on the service background pool.
func (s *Service) Async(f func()) {
	if err := s.pool.Submit(f); err != nil {
		logutil.Error("cannot submit background task",
			zap.String("service", s.name), zap.Error(err))
	}
}

// resolveRemote reverse-resolves host off the worker threads with a
// bounded wait, falling back to the numeric form.
func (s *Service) resolveRemote(host string) string {
	ch := make(chan string, 1)
	if err := s.pool.Submit(func() {
		names, err := net.LookupAddr(host)
		if err != nil || len(names) == 0 {
			ch <- host
			return
		}
		ch <- names[0]
	}); err != nil {
		return host
	}
	select {
	case name := <-ch:
		return name
	case <-time.After(200 * time.Millisecond):
		return host
	}
}

// ProcessTimeouts closes sessions on w whose client has been idle
// beyond the connection timeout. Runs on w.
func (s *Service) ProcessTimeouts(w *Worker) {
	if s.connectionTimeout <= 0 {
		return
	}
	limitMs := s.connectionTimeout.Milliseconds()
	now := w.EpochMs()
	// Terminate mutates the worker session shard, collect first.
	var expired []*Session
	for _, sess := range w.sessions {
		if sess.service != s || sess.state != SessionStarted {
			continue
		}
		d := sess.clientDCB
		if d == nil || d.IsClosed() {
			continue
		}
		last := d.lastReadMs
		if d.lastWriteMs > last {
			last = d.lastWriteMs
		}
		if now-last >= limitMs {
			expired = append(expired, sess)
		}
	}
	for _, sess := range expired {
		logutil.Warn("closing idle session",
			zap.Uint64("session", sess.id),
			zap.String("service", s.name))
		sess.SetCloseReason(CloseTimeout)
		sess.Terminate(nil)
	}
}

// StartTimeoutSweep arms a periodic idle sweep on every worker.
func (s *Service) StartTimeoutSweep(interval time.Duration) {
	if s.connectionTimeout <= 0 {
		return
	}
	s.sweepOnce.Do(func() {
		for _, w := range s.group.Workers() {
			w := w
			var rearm func()
			rearm = func() {
				select {
				case <-s.stopSweep:
					return
				default:
				}
				s.ProcessTimeouts(w)
				w.DelayedCall(interval, rearm)
			}
			w.DelayedCall(interval, rearm)
		}
	})
}

// Stop releases service resources.
func (s *Service) Stop() {
	close(s.stopSweep)
	s.pool.Release()
}

// CollectSessions snapshots every session of the service across all
// workers, using a broadcast with a result aggregator.
func (s *Service) CollectSessions() []*Session {
	var mu sync.Mutex
	var out []*Session
	var wg sync.WaitGroup
	wg.Add(s.group.Size())
	s.group.Broadcast(func(w *Worker) {
		defer wg.Done()
		mu.Lock()
		defer mu.Unlock()
		for _, sess := range w.sessions {
			if sess.service == s {
				out = append(out, sess)
			}
		}
	})
	wg.Wait()
	return out
}
