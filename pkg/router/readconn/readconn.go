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

// Package readconn routes every query of a session to one backend
// connection, picked at connect time. It is the smallest useful
// router over the core's endpoint contract.
package readconn

import (
	"github.com/matrixorigin/mxgate/pkg/buffer"
	"github.com/matrixorigin/mxgate/pkg/core"
	"github.com/matrixorigin/mxgate/pkg/logutil"
	"github.com/matrixorigin/mxgate/pkg/moerr"
	"go.uber.org/zap"
)

// Module is the readconn router factory.
type Module struct{}

var _ core.RouterModule = (*Module)(nil)

// Name implements core.RouterModule.
func (m *Module) Name() string { return "readconn" }

// NewRouterSession implements core.RouterModule. The first endpoint
// that connects becomes the session's backend.
func (m *Module) NewRouterSession(s *core.Session, endpoints []core.Endpoint) (core.Router, error) {
	r := &router{session: s}
	for _, ep := range endpoints {
		if err := ep.Connect(); err != nil {
			logutil.Warn("cannot connect backend",
				zap.Uint64("session", s.ID()),
				zap.String("target", ep.Target()),
				zap.Error(err))
			continue
		}
		r.backend = ep
		break
	}
	if r.backend == nil {
		return nil, moerr.NewRouterError("no backend available for session %d", s.ID())
	}
	return r, nil
}

type router struct {
	session *core.Session
	backend core.Endpoint
}

var _ core.Router = (*router)(nil)

// RouteQuery implements core.Downstream.
func (r *router) RouteQuery(buf *buffer.Chain) error {
	if r.backend == nil || !r.backend.IsOpen() {
		return moerr.NewRouterError("backend of session %d is gone", r.session.ID())
	}
	return r.backend.RouteQuery(buf)
}

// ClientReply implements core.Upstream, forwarding the reply through
// the filter chain to the client.
func (r *router) ClientReply(buf *buffer.Chain, route core.ReplyRoute, reply *core.Reply) error {
	return r.session.RouterUpstream().ClientReply(buf, route, reply)
}

// HandleError implements core.Router. A single-backend session cannot
// survive its backend.
func (r *router) HandleError(err error, from core.Endpoint, reply *core.Reply) bool {
	logutil.Debug("backend error",
		zap.Uint64("session", r.session.ID()), zap.Error(err))
	return false
}

// Close implements core.Router.
func (r *router) Close() {
	if r.backend != nil && r.backend.IsOpen() {
		r.backend.Close()
	}
	r.backend = nil
}
