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
	"time"

	"github.com/matrixorigin/mxgate/pkg/buffer"
	"github.com/matrixorigin/mxgate/pkg/logutil"
	"go.uber.org/zap"
)

// isoTimeFormat is local ISO-8601 with millisecond precision, the
// shape the admin API reports timestamps in.
const isoTimeFormat = "2006-01-02T15:04:05.000"

// serverResponse records when one server answered a query.
type serverResponse struct {
	server    string
	processed time.Time
}

// QueryInfo is one entry of the session query ring: a clone of the
// query buffer, its receive time, the servers that processed it and a
// completion flag.
type QueryInfo struct {
	query     *buffer.Chain
	received  time.Time
	completed time.Time
	complete  bool
	responses []serverResponse
}

func newQueryInfo(q *buffer.Chain) *QueryInfo {
	return &QueryInfo{
		query:    q.Clone(),
		received: time.Now(),
	}
}

// Statement returns the retained statement bytes.
func (q *QueryInfo) Statement() []byte {
	return q.query.Data()
}

// Complete reports whether the response finished.
func (q *QueryInfo) Complete() bool {
	return q.complete
}

func (q *QueryInfo) bookServerResponse(server string, final bool) {
	now := time.Now()
	q.responses = append(q.responses, serverResponse{server: server, processed: now})
	if final {
		q.bookAsComplete(now)
	}
}

func (q *QueryInfo) bookAsComplete(now time.Time) {
	if !q.complete {
		q.complete = true
		q.completed = now
	}
}

func (q *QueryInfo) resetServerBookkeeping() {
	q.responses = q.responses[:0]
	q.complete = false
	q.completed = time.Time{}
}

// ToJSON renders one query ring entry for the admin API.
func (q *QueryInfo) ToJSON() map[string]any {
	stmt := q.query.Clone().StringUnsafe()
	out := map[string]any{
		"statement": stmt,
		"received":  q.received.Format(isoTimeFormat),
	}
	if cmd, rest, ok := splitCommand(stmt); ok {
		out["command"] = cmd
		out["statement"] = rest
	}
	if q.complete {
		out["completed"] = q.completed.Format(isoTimeFormat)
	}
	responses := make([]map[string]any, 0, len(q.responses))
	for _, r := range q.responses {
		responses = append(responses, map[string]any{
			"server":   r.server,
			"duration": r.processed.Sub(q.received).Milliseconds(),
		})
	}
	out["responses"] = responses
	return out
}

// splitCommand separates the leading command word of a retained
// statement. The core does not parse any wire protocol; a statement
// without a recognisable word form stays whole.
func splitCommand(stmt string) (string, string, bool) {
	for i := 0; i < len(stmt); i++ {
		if stmt[i] == ' ' {
			if i == 0 {
				return "", "", false
			}
			return stmt[:i], stmt[i+1:], true
		}
	}
	return "", "", false
}

// RetainStatement stores a clone of buf at the front of the query
// ring. With streamed requests the current-query index may grow past
// the ring end; booking clamps it back.
func (s *Session) RetainStatement(buf *buffer.Chain) {
	if s.retain == 0 {
		return
	}
	s.lastQueries = append([]*QueryInfo{newQueryInfo(buf)}, s.lastQueries...)
	if uint32(len(s.lastQueries)) > s.retain {
		s.lastQueries = s.lastQueries[:s.retain]
	}
	if len(s.lastQueries) == 1 {
		s.currentQuery = 0
	} else {
		s.currentQuery++
	}
}

// BookServerResponse records that server processed the current query.
// With final true the query is marked complete and the current index
// steps towards the newest entry.
func (s *Session) BookServerResponse(server string, final bool) {
	if s.retain == 0 || len(s.lastQueries) == 0 {
		return
	}
	// With enough streamed queries the entry may already have been
	// pushed out of the ring; the index then points past the end and
	// the result is ignored.
	if s.currentQuery >= 0 && s.currentQuery < len(s.lastQueries) {
		s.lastQueries[s.currentQuery].bookServerResponse(server, final)
	}
	if final && s.currentQuery >= 0 {
		s.currentQuery--
	}
}

// BookLastAsComplete marks the current query complete without a server
// response, as happens when a filter short-circuits.
func (s *Session) BookLastAsComplete() {
	if s.retain == 0 || len(s.lastQueries) == 0 {
		return
	}
	if s.currentQuery >= 0 && s.currentQuery < len(s.lastQueries) {
		s.lastQueries[s.currentQuery].bookAsComplete(time.Now())
	}
}

// ResetServerBookkeeping clears the response records of the current
// query, used when a transaction is replayed.
func (s *Session) ResetServerBookkeeping() {
	if s.retain == 0 || len(s.lastQueries) == 0 {
		return
	}
	if s.currentQuery >= 0 && s.currentQuery < len(s.lastQueries) {
		s.lastQueries[s.currentQuery].resetServerBookkeeping()
	}
}

// LastQueries returns the query ring, newest first.
func (s *Session) LastQueries() []*QueryInfo {
	out := make([]*QueryInfo, len(s.lastQueries))
	copy(out, s.lastQueries)
	return out
}

// DumpStatements logs the retained statements, newest first.
func (s *Session) DumpStatements() {
	for i, q := range s.lastQueries {
		logutil.Info("retained statement",
			zap.Uint64("session", s.id),
			zap.Int("index", i),
			zap.ByteString("statement", q.Statement()))
	}
}
