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

package lineproto

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/matrixorigin/mxgate/pkg/config"
	"github.com/matrixorigin/mxgate/pkg/core"
	"github.com/matrixorigin/mxgate/pkg/router/readconn"
	"github.com/stretchr/testify/require"
)

// startEchoBackend runs a lineproto server: greeting first, then each
// line echoed back.
func startEchoBackend(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				if _, err := c.Write([]byte("SERVER ready\n")); err != nil {
					return
				}
				sc := bufio.NewScanner(c)
				for sc.Scan() {
					if _, err := c.Write([]byte(sc.Text() + "\n")); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

type proxyHarness struct {
	group    *core.WorkerGroup
	service  *core.Service
	listener *core.Listener
}

func startProxy(t *testing.T, module *Module, opts ...core.ServiceOption) *proxyHarness {
	t.Helper()
	backendPort := startEchoBackend(t)

	g, err := core.NewWorkerGroup(2)
	require.NoError(t, err)
	svc, err := core.NewService("line-service", &readconn.Module{},
		[]*core.Server{{Name: "server1", Address: "127.0.0.1", Port: backendPort}},
		g, opts...)
	require.NoError(t, err)

	l, err := core.NewListener(config.ListenerConfig{
		Name:     fmt.Sprintf("line-listener-%d", time.Now().UnixNano()),
		Address:  "127.0.0.1",
		Port:     0,
		Type:     config.ListenerSharedTcp,
		Protocol: module.Name(),
	}, svc, module, g, 1)
	require.NoError(t, err)
	require.NoError(t, l.Listen())

	t.Cleanup(func() {
		l.Destroy()
		svc.Stop()
		g.Stop()
	})
	return &proxyHarness{group: g, service: svc, listener: l}
}

func dial(t *testing.T, h *proxyHarness) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp",
		fmt.Sprintf("127.0.0.1:%d", h.listener.BoundPort()), 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn, bufio.NewReader(conn)
}

func TestProxyEndToEnd(t *testing.T) {
	h := startProxy(t, &Module{})
	conn, r := dial(t, h)
	defer conn.Close()

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "OK ready\n", line)

	_, err = conn.Write([]byte("USER bob\n"))
	require.NoError(t, err)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "OK authenticated\n", line)

	// Queries stream to the backend and the replies come back in
	// order.
	_, err = conn.Write([]byte("ping\npong\n"))
	require.NoError(t, err)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ping\n", line)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "pong\n", line)

	sessions := h.service.CollectSessions()
	require.Len(t, sessions, 1)
	require.Equal(t, "bob", sessions[0].User())
}

func TestProxyAuthFailure(t *testing.T) {
	h := startProxy(t, &Module{
		Authenticate: func(user string) bool { return user == "alice" },
	})
	conn, r := dial(t, h)
	defer conn.Close()

	_, err := r.ReadString('\n') // greeting
	require.NoError(t, err)
	_, err = conn.Write([]byte("USER mallory\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ERR access denied\n", line)

	// The connection closes after the failure.
	_, err = r.ReadString('\n')
	require.Error(t, err)
}

func TestProxyRejectsFloodingHost(t *testing.T) {
	h := startProxy(t, &Module{
		Authenticate: func(user string) bool { return false },
	}, core.WithAuthFailLimit(3))

	// Fail authentication until the host is over the limit.
	for i := 0; i < 5; i++ {
		conn, r := dial(t, h)
		_, _ = r.ReadString('\n')
		_, err := conn.Write([]byte("USER nope\n"))
		require.NoError(t, err)
		_, _ = r.ReadString('\n')
		conn.Close()
	}

	require.Eventually(t, func() bool {
		conn, r := dial(t, h)
		defer conn.Close()
		line, err := r.ReadString('\n')
		if err != nil {
			return false
		}
		return strings.Contains(line, "temporarily blocked")
	}, 3*time.Second, 50*time.Millisecond)
}

func TestProxyRetainedStatements(t *testing.T) {
	h := startProxy(t, &Module{}, core.WithRetainLastStatements(8))
	conn, r := dial(t, h)
	defer conn.Close()

	_, _ = r.ReadString('\n')
	_, err := conn.Write([]byte("USER bob\n"))
	require.NoError(t, err)
	_, _ = r.ReadString('\n')

	_, err = conn.Write([]byte("select 1\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "select 1\n", line)

	sessions := h.service.CollectSessions()
	require.Len(t, sessions, 1)
	require.Eventually(t, func() bool {
		qs := sessions[0].LastQueries()
		return len(qs) == 1 && qs[0].Complete()
	}, 2*time.Second, 10*time.Millisecond)
}
