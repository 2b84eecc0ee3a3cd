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
	"fmt"
	"strings"

	"github.com/matrixorigin/mxgate/pkg/moerr"
)

// sessionVariablePrefix is the required, case-insensitive name prefix
// of session-scoped variables.
const sessionVariablePrefix = "@MAXSCALE."

// SessionVariableHandler validates and applies a variable assignment.
// It receives the raw value slice and returns an error message for the
// client, or "" to accept.
type SessionVariableHandler func(context any, name string, value []byte) string

type sessionVariable struct {
	handler SessionVariableHandler
	context any
}

// AddVariable registers a session variable. The name must carry the
// @MAXSCALE. prefix; names are stored case-insensitively and a
// duplicate add fails.
func (s *Session) AddVariable(name string, handler SessionVariableHandler, context any) error {
	if !strings.HasPrefix(strings.ToUpper(name), sessionVariablePrefix) {
		return moerr.NewInvalidInput("session variable '%s' is not of the correct format", name)
	}
	key := strings.ToLower(name)
	if _, ok := s.variables[key]; ok {
		return moerr.NewDuplicate("session variable '%s' has been added already", name)
	}
	s.variables[key] = sessionVariable{handler: handler, context: context}
	return nil
}

// SetVariableValue invokes the handler of a registered variable with
// the raw value slice. The returned string is an error message for the
// client, empty on success.
func (s *Session) SetVariableValue(name string, value []byte) string {
	key := strings.ToLower(name)
	v, ok := s.variables[key]
	if !ok {
		return fmt.Sprintf("Attempt to set unknown MaxScale user variable %s", name)
	}
	return v.handler(v.context, key, value)
}

// RemoveVariable drops a registered variable and returns its context.
func (s *Session) RemoveVariable(name string) (any, bool) {
	key := strings.ToLower(name)
	v, ok := s.variables[key]
	if !ok {
		return nil, false
	}
	delete(s.variables, key)
	return v.context, true
}
