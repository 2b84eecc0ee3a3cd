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

package moerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorCodes(t *testing.T) {
	err := NewInternalError("worker %d died", 3)
	require.Equal(t, "worker 3 died", err.Error())
	require.Equal(t, ErrInternal, CodeOf(err))

	require.Equal(t, ErrPeerClose, CodeOf(NewPeerClose("eof")))
	require.True(t, IsPeerClose(NewPeerClose("eof")))
	require.True(t, IsClosed(NewClosed("gone")))
	require.True(t, IsTransient(NewIOError(nil, "eagain")))
}

func TestErrorIsMatchesByCode(t *testing.T) {
	a := NewClosed("dcb 1")
	b := NewClosed("dcb 2")
	require.True(t, errors.Is(a, b))
	require.False(t, errors.Is(a, NewInternalError("x")))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewIOError(cause, "read failed")
	require.Equal(t, cause, errors.Unwrap(err))

	wrapped := fmt.Errorf("outer: %w", err)
	require.Equal(t, ErrTransientIo, CodeOf(wrapped))
}

func TestForeignErrorCode(t *testing.T) {
	require.Equal(t, ErrInternal, CodeOf(errors.New("plain")))
	require.Equal(t, Ok, CodeOf(nil))
}
