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

// ToJSON renders a DCB summary for the admin API.
func (d *DCB) ToJSON() map[string]any {
	out := map[string]any{
		"uid":        d.uid,
		"role":       d.role.String(),
		"state":      d.state.String(),
		"writeq_len": d.writeqLen,
		"hung_up":    d.hungUp,
	}
	if d.remote != "" {
		out["remote"] = d.remote
	}
	if d.target != "" {
		out["server"] = d.target
	}
	if d.tls != nil {
		out["ssl"] = d.tls.state.String()
	}
	return out
}

// ToJSON renders the session for the admin API. With resolve true the
// remote address is reverse-resolved off the worker threads.
func (s *Session) ToJSON(resolve bool) map[string]any {
	out := map[string]any{
		"id":        s.id,
		"state":     s.state.String(),
		"user":      s.user,
		"connected": s.connectedAt.Format(isoTimeFormat),
		"idle":      s.IdleSeconds(),
	}
	if s.service != nil {
		out["service"] = s.service.Name()
	}
	if r := s.closeReason.String(); r != "" {
		out["close_reason"] = r
	}
	if s.clientDCB != nil {
		remote := s.clientDCB.Remote()
		if resolve && s.service != nil {
			remote = s.service.resolveRemote(remote)
		}
		out["remote"] = remote
	}

	dcbs := make([]map[string]any, 0, 1+len(s.backendDCBs))
	if s.clientDCB != nil {
		dcbs = append(dcbs, s.clientDCB.ToJSON())
	}
	for _, d := range s.backendDCBs {
		dcbs = append(dcbs, d.ToJSON())
	}
	out["connections"] = dcbs

	queries := make([]map[string]any, 0, len(s.lastQueries))
	for _, q := range s.lastQueries {
		queries = append(queries, q.ToJSON())
	}
	out["queries"] = queries
	out["log"] = s.SessionLog()
	return out
}
