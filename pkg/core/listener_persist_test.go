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
	"os"
	"path/filepath"
	"testing"

	"github.com/matrixorigin/mxgate/pkg/config"
	"github.com/stretchr/testify/require"
)

func TestListenerSerializeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := config.ListenerConfig{
		Name:          "rw-listener",
		Service:       "rw",
		Protocol:      "lineproto",
		Address:       "127.0.0.1",
		Port:          4006,
		Type:          config.ListenerSharedTcp,
		Authenticator: "plain",
		AuthOptions:   "case_sensitive=false",
		SSLCert:       "/etc/certs/server.pem",
		SSLKey:        "/etc/certs/server.key",
		SSLCA:         "/etc/certs/ca.pem",
	}
	l := &Listener{cfg: in}
	require.NoError(t, l.Serialize(dir))

	out, err := ReadListenerConfig(filepath.Join(dir, "rw-listener.cnf"))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestListenerSerializeUnixSocket(t *testing.T) {
	dir := t.TempDir()
	in := config.ListenerConfig{
		Name:     "admin-sock",
		Service:  "admin",
		Protocol: "lineproto",
		Socket:   "/tmp/mxgate.sock",
		Type:     config.ListenerUnixSocket,
	}
	l := &Listener{cfg: in}
	require.NoError(t, l.Serialize(dir))

	out, err := ReadListenerConfig(filepath.Join(dir, "admin-sock.cnf"))
	require.NoError(t, err)
	require.Equal(t, in.Socket, out.Socket)
	require.Equal(t, in.Type, out.Type)
	require.Equal(t, in.Name, out.Name)
}

func TestReadListenerConfigRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.cnf")
	require.NoError(t, os.WriteFile(path, []byte("not an ini file"), 0644))
	_, err := ReadListenerConfig(path)
	require.Error(t, err)
}
