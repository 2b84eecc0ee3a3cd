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

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matrixorigin/mxgate/pkg/config"
	"github.com/matrixorigin/mxgate/pkg/core"
	"github.com/matrixorigin/mxgate/pkg/logutil"
	"github.com/matrixorigin/mxgate/pkg/protocol/lineproto"
	"github.com/matrixorigin/mxgate/pkg/router/readconn"
	"go.uber.org/zap"
)

var (
	configFile   = flag.String("config", "mxgate.toml", "configuration file")
	persistDir   = flag.String("persist-dir", "", "directory listener definitions are serialized to")
	sweepSeconds = flag.Int("sweep-interval", 1, "idle sweep interval in seconds")
)

func main() {
	flag.Parse()

	cfg, err := config.ParseFile(*configFile)
	if err != nil {
		logutil.Fatal("cannot load configuration", zap.Error(err))
	}
	logutil.SetupLogger(cfg.Log)

	core.SetRetainLastStatements(cfg.RetainLastStatements)
	core.SetSessionTrace(cfg.SessionTrace)
	core.SetDumpStatements(cfg.DumpStatements)

	group, err := core.NewWorkerGroup(cfg.Workers)
	if err != nil {
		logutil.Fatal("cannot start workers", zap.Error(err))
	}

	targets := make([]*core.Server, 0, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		targets = append(targets, &core.Server{
			Name:    sc.Name,
			Address: sc.Address,
			Port:    sc.Port,
		})
	}

	svc, err := core.NewService("mxgate", &readconn.Module{}, targets, group,
		core.WithWatermarks(cfg.WriteqHighWater, cfg.WriteqLowWater),
		core.WithAuthFailLimit(cfg.AuthFailLimit),
		core.WithConnectionTimeout(cfg.ConnectionTimeout()))
	if err != nil {
		logutil.Fatal("cannot create service", zap.Error(err))
	}

	protocol := &lineproto.Module{}
	var listeners []*core.Listener
	for _, lc := range cfg.Listeners {
		l, err := core.NewListener(lc, svc, protocol, group, cfg.AuthFailDecayPerSecond)
		if err != nil {
			logutil.Fatal("cannot create listener",
				zap.String("listener", lc.Name), zap.Error(err))
		}
		if err := l.Listen(); err != nil {
			logutil.Fatal("cannot start listener",
				zap.String("listener", lc.Name), zap.Error(err))
		}
		if *persistDir != "" {
			if err := l.Serialize(*persistDir); err != nil {
				logutil.Error("cannot persist listener",
					zap.String("listener", lc.Name), zap.Error(err))
			}
		}
		listeners = append(listeners, l)
	}
	svc.StartTimeoutSweep(time.Duration(*sweepSeconds) * time.Second)

	logutil.Info("mxgate started",
		zap.Int("workers", group.Size()),
		zap.Int("listeners", len(listeners)),
		zap.Int("servers", len(targets)))

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	<-sigC

	logutil.Info("shutting down", zap.Any("counters", svc.Counters().Export()))
	for _, l := range listeners {
		l.Destroy()
	}
	svc.Stop()
	group.Stop()
}
