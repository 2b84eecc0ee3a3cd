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
	"testing"

	"github.com/smartystreets/goconvey/convey"
)

func TestParseConfig(t *testing.T) {
	convey.Convey("a full config parses", t, func() {
		c, err := Parse(`
workers = 4
retain-last-statements = 16
dump-statements = "on_error"
session-trace = 32
writeq-high-water = 1024
writeq-low-water = 256
auth-fail-limit = 10
auth-fail-decay-per-second = 0.5

[[listener]]
name = "rw-listener"
service = "rw"
protocol = "lineproto"
port = 4006

[[listener]]
name = "admin-sock"
service = "rw"
protocol = "lineproto"
socket = "/tmp/mxgate.sock"

[[server]]
name = "server1"
address = "127.0.0.1"
port = 3306
`)
		convey.So(err, convey.ShouldBeNil)
		convey.So(c.Workers, convey.ShouldEqual, 4)
		convey.So(c.DumpStatements, convey.ShouldEqual, DumpOnError)
		convey.So(c.RetainLastStatements, convey.ShouldEqual, 16)
		convey.So(len(c.Listeners), convey.ShouldEqual, 2)
		convey.So(c.Listeners[0].Type, convey.ShouldEqual, ListenerSharedTcp)
		convey.So(c.Listeners[0].Address, convey.ShouldEqual, "0.0.0.0")
		convey.So(c.Listeners[1].Type, convey.ShouldEqual, ListenerUnixSocket)
		convey.So(len(c.Servers), convey.ShouldEqual, 1)
	})

	convey.Convey("defaults fill in", t, func() {
		c, err := Parse(``)
		convey.So(err, convey.ShouldBeNil)
		convey.So(c.Workers, convey.ShouldBeGreaterThan, 0)
		convey.So(c.WriteqHighWater, convey.ShouldBeGreaterThan, uint64(0))
		convey.So(c.WriteqLowWater, convey.ShouldBeLessThan, c.WriteqHighWater)
		convey.So(c.AuthFailLimit, convey.ShouldEqual, 10)
		convey.So(c.AuthFailDecayPerSecond, convey.ShouldEqual, 1)
		convey.So(c.DumpStatements, convey.ShouldEqual, DumpNever)
	})

	convey.Convey("watermark inversion is rejected", t, func() {
		_, err := Parse(`
writeq-high-water = 100
writeq-low-water = 200
`)
		convey.So(err, convey.ShouldNotBeNil)
	})

	convey.Convey("duplicate listener names are rejected", t, func() {
		_, err := Parse(`
[[listener]]
name = "l1"
port = 4006

[[listener]]
name = "l1"
port = 4007
`)
		convey.So(err, convey.ShouldNotBeNil)
	})

	convey.Convey("a listener without port or socket is rejected", t, func() {
		_, err := Parse(`
[[listener]]
name = "l1"
`)
		convey.So(err, convey.ShouldNotBeNil)
	})

	convey.Convey("unknown dump-statements is rejected", t, func() {
		_, err := Parse(`dump-statements = "sometimes"`)
		convey.So(err, convey.ShouldNotBeNil)
	})
}

func TestParseDumpStatements(t *testing.T) {
	convey.Convey("dump statement modes parse", t, func() {
		for in, want := range map[string]DumpStatements{
			"":         DumpNever,
			"never":    DumpNever,
			"on_close": DumpOnClose,
			"on_error": DumpOnError,
		} {
			got, err := ParseDumpStatements(in)
			convey.So(err, convey.ShouldBeNil)
			convey.So(got, convey.ShouldEqual, want)
		}
		convey.So(DumpOnClose.String(), convey.ShouldEqual, "on_close")
	})
}
