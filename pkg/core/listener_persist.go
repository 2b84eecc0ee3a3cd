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
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/matrixorigin/mxgate/pkg/config"
	"github.com/matrixorigin/mxgate/pkg/moerr"
)

// Serialize writes the listener definition as an INI-like file under
// dir, named after the listener. Files written this way are read back
// at startup with ReadListenerConfig.
func (l *Listener) Serialize(dir string) error {
	path := filepath.Join(dir, l.cfg.Name+".cnf")
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return moerr.NewIOError(err, "cannot serialize listener %s", l.cfg.Name)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "[%s]\n", l.cfg.Name)
	fmt.Fprintf(w, "type=listener\n")
	writeKV := func(k, v string) {
		if v != "" {
			fmt.Fprintf(w, "%s=%s\n", k, v)
		}
	}
	writeKV("service", l.cfg.Service)
	writeKV("protocol", l.cfg.Protocol)
	if l.cfg.Socket != "" {
		writeKV("socket", l.cfg.Socket)
	} else {
		writeKV("address", l.cfg.Address)
		writeKV("port", strconv.Itoa(l.cfg.Port))
	}
	writeKV("listener_type", string(l.cfg.Type))
	writeKV("authenticator", l.cfg.Authenticator)
	writeKV("authenticator_options", l.cfg.AuthOptions)
	writeKV("ssl_cert", l.cfg.SSLCert)
	writeKV("ssl_key", l.cfg.SSLKey)
	writeKV("ssl_ca_cert", l.cfg.SSLCA)
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return moerr.NewIOError(err, "cannot serialize listener %s", l.cfg.Name)
	}
	if err := f.Close(); err != nil {
		return moerr.NewIOError(err, "cannot serialize listener %s", l.cfg.Name)
	}
	return os.Rename(tmp, path)
}

// ReadListenerConfig parses a file written by Serialize back into a
// listener config block.
func ReadListenerConfig(path string) (config.ListenerConfig, error) {
	var cfg config.ListenerConfig
	f, err := os.Open(path)
	if err != nil {
		return cfg, moerr.NewIOError(err, "cannot read listener file %s", path)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			cfg.Name = line[1 : len(line)-1]
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return cfg, moerr.NewInvalidInput("malformed line in %s: %q", path, line)
		}
		switch k {
		case "type":
			if v != "listener" {
				return cfg, moerr.NewInvalidInput("%s is not a listener file", path)
			}
		case "service":
			cfg.Service = v
		case "protocol":
			cfg.Protocol = v
		case "address":
			cfg.Address = v
		case "port":
			p, err := strconv.Atoi(v)
			if err != nil {
				return cfg, moerr.NewInvalidInput("bad port in %s: %q", path, v)
			}
			cfg.Port = p
		case "socket":
			cfg.Socket = v
		case "listener_type":
			cfg.Type = config.ListenerType(v)
		case "authenticator":
			cfg.Authenticator = v
		case "authenticator_options":
			cfg.AuthOptions = v
		case "ssl_cert":
			cfg.SSLCert = v
		case "ssl_key":
			cfg.SSLKey = v
		case "ssl_ca_cert":
			cfg.SSLCA = v
		}
	}
	if err := sc.Err(); err != nil {
		return cfg, moerr.NewIOError(err, "cannot read listener file %s", path)
	}
	if cfg.Name == "" {
		return cfg, moerr.NewInvalidInput("listener file %s has no section header", path)
	}
	cfg.FillDefault()
	return cfg, cfg.Validate()
}
