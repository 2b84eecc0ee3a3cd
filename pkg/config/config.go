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

package config

import (
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matrixorigin/mxgate/pkg/logutil"
	"github.com/matrixorigin/mxgate/pkg/moerr"
)

// DumpStatements selects when a session dumps its retained statements
// to the log.
type DumpStatements int32

const (
	// DumpNever disables statement dumping.
	DumpNever DumpStatements = iota
	// DumpOnClose dumps statements whenever a session closes.
	DumpOnClose
	// DumpOnError dumps statements when a session closes due to an error.
	DumpOnError
)

// String implements fmt.Stringer.
func (d DumpStatements) String() string {
	switch d {
	case DumpOnClose:
		return "on_close"
	case DumpOnError:
		return "on_error"
	default:
		return "never"
	}
}

// ParseDumpStatements parses the config value of dump-statements.
func ParseDumpStatements(s string) (DumpStatements, error) {
	switch s {
	case "", "never":
		return DumpNever, nil
	case "on_close":
		return DumpOnClose, nil
	case "on_error":
		return DumpOnError, nil
	}
	return DumpNever, moerr.NewInvalidInput("unknown dump-statements value: %s", s)
}

// ListenerType selects the accept strategy of a listener.
type ListenerType string

const (
	// ListenerSharedTcp is one listening fd polled by every worker.
	ListenerSharedTcp ListenerType = "shared"
	// ListenerUniqueTcp is one listening fd per worker with SO_REUSEPORT.
	ListenerUniqueTcp ListenerType = "unique"
	// ListenerUnixSocket is a unix domain socket polled by every worker.
	ListenerUnixSocket ListenerType = "unix"
	// ListenerMainWorker keeps the fd on one worker and dispatches
	// accepted connections to the least loaded worker.
	ListenerMainWorker ListenerType = "main"
)

// ListenerConfig describes one listener.
type ListenerConfig struct {
	Name          string       `toml:"name"`
	Service       string       `toml:"service"`
	Protocol      string       `toml:"protocol"`
	Address       string       `toml:"address"`
	Port          int          `toml:"port"`
	Socket        string       `toml:"socket"`
	Type          ListenerType `toml:"type"`
	Authenticator string       `toml:"authenticator"`
	AuthOptions   string       `toml:"authenticator-options"`
	SSLCert       string       `toml:"ssl-cert"`
	SSLKey        string       `toml:"ssl-key"`
	SSLCA         string       `toml:"ssl-ca"`
}

// Validate checks one listener block.
func (c *ListenerConfig) Validate() error {
	if c.Name == "" {
		return moerr.NewInvalidInput("listener requires a name")
	}
	if c.Socket == "" && c.Port == 0 {
		return moerr.NewInvalidInput("listener %s requires a port or a socket", c.Name)
	}
	switch c.Type {
	case ListenerSharedTcp, ListenerUniqueTcp, ListenerMainWorker:
		if c.Socket != "" {
			return moerr.NewInvalidInput("listener %s: socket is only valid for type unix", c.Name)
		}
	case ListenerUnixSocket:
		if c.Socket == "" {
			return moerr.NewInvalidInput("listener %s: type unix requires a socket path", c.Name)
		}
	case "":
	default:
		return moerr.NewInvalidInput("listener %s: unknown type %s", c.Name, c.Type)
	}
	return nil
}

// FillDefault fills unset listener fields.
func (c *ListenerConfig) FillDefault() {
	if c.Type == "" {
		if c.Socket != "" {
			c.Type = ListenerUnixSocket
		} else {
			c.Type = ListenerSharedTcp
		}
	}
	if c.Address == "" && c.Type != ListenerUnixSocket {
		c.Address = "0.0.0.0"
	}
}

// ServerConfig describes one backend target.
type ServerConfig struct {
	Name    string `toml:"name"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Validate checks one server block.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return moerr.NewInvalidInput("server requires a name")
	}
	if c.Address == "" || c.Port == 0 {
		return moerr.NewInvalidInput("server %s requires an address and port", c.Name)
	}
	return nil
}

// Config is the process configuration.
type Config struct {
	// Workers is the number of event loop threads.
	Workers int `toml:"workers"`
	// RetainLastStatements is the depth of the per-session query ring.
	// Zero disables statement retention.
	RetainLastStatements uint32 `toml:"retain-last-statements"`
	// DumpStatementsStr is one of never, on_close, on_error.
	DumpStatementsStr string `toml:"dump-statements"`
	// SessionTrace is the depth of the per-session log ring.
	SessionTrace uint32 `toml:"session-trace"`
	// WriteqHighWater is the write queue backpressure threshold in bytes.
	WriteqHighWater uint64 `toml:"writeq-high-water"`
	// WriteqLowWater must be below WriteqHighWater.
	WriteqLowWater uint64 `toml:"writeq-low-water"`
	// AuthFailLimit is the failed authentication count per remote host
	// at or above which new connections from that host are rejected.
	AuthFailLimit uint32 `toml:"auth-fail-limit"`
	// AuthFailDecayPerSecond is the linear decay rate of the failed
	// authentication counter, floor zero.
	AuthFailDecayPerSecond float64 `toml:"auth-fail-decay-per-second"`
	// ConnectionTimeoutSeconds closes idle client connections, zero
	// disables the sweep.
	ConnectionTimeoutSeconds int `toml:"connection-timeout"`

	Log logutil.LogConfig `toml:"log"`

	Listeners []ListenerConfig `toml:"listener"`
	Servers   []ServerConfig   `toml:"server"`

	// DumpStatements is the parsed form of DumpStatementsStr.
	DumpStatements DumpStatements `toml:"-"`
}

// FillDefault fills unset fields with defaults.
func (c *Config) FillDefault() {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.WriteqHighWater == 0 {
		c.WriteqHighWater = 16 * 1024 * 1024
	}
	if c.WriteqLowWater == 0 {
		c.WriteqLowWater = c.WriteqHighWater / 2
	}
	if c.AuthFailLimit == 0 {
		c.AuthFailLimit = 10
	}
	if c.AuthFailDecayPerSecond == 0 {
		c.AuthFailDecayPerSecond = 1
	}
	for i := range c.Listeners {
		c.Listeners[i].FillDefault()
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.WriteqLowWater >= c.WriteqHighWater {
		return moerr.NewInvalidInput("writeq-low-water %d must be below writeq-high-water %d",
			c.WriteqLowWater, c.WriteqHighWater)
	}
	d, err := ParseDumpStatements(c.DumpStatementsStr)
	if err != nil {
		return err
	}
	c.DumpStatements = d
	names := make(map[string]struct{}, len(c.Listeners))
	for i := range c.Listeners {
		if err := c.Listeners[i].Validate(); err != nil {
			return err
		}
		if _, ok := names[c.Listeners[i].Name]; ok {
			return moerr.NewDuplicate("duplicate listener name %s", c.Listeners[i].Name)
		}
		names[c.Listeners[i].Name] = struct{}{}
	}
	for i := range c.Servers {
		if err := c.Servers[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ConnectionTimeout returns the idle limit as a duration.
func (c *Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutSeconds) * time.Second
}

// ParseFile loads a TOML config file, fills defaults and validates.
func ParseFile(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, moerr.NewInvalidInput("cannot parse config %s: %v", path, err)
	}
	c.FillDefault()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Parse loads a TOML config from a string, fills defaults and validates.
func Parse(data string) (*Config, error) {
	var c Config
	if _, err := toml.Decode(data, &c); err != nil {
		return nil, moerr.NewInvalidInput("cannot parse config: %v", err)
	}
	c.FillDefault()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
