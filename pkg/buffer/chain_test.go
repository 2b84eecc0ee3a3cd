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

package buffer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChainAppendTransfersOwnership(t *testing.T) {
	a := FromString("hello ")
	b := FromString("world")
	a.Append(b)
	require.Equal(t, 11, a.Len())
	require.Equal(t, 0, b.Len())
	require.True(t, b.Empty())
	require.Equal(t, "hello world", a.String())
}

func TestChainPrepend(t *testing.T) {
	a := FromString("world")
	b := FromString("hello ")
	a.Prepend(b)
	require.Equal(t, "hello world", a.String())
	require.True(t, b.Empty())
}

func TestChainSplitConcatRoundTrip(t *testing.T) {
	orig := []byte("the quick brown fox jumps over the lazy dog")
	for k := 0; k <= len(orig); k++ {
		c := NewChain()
		// Build from several segments so splits land both on and off
		// segment boundaries.
		c.AppendBytes(orig[:10])
		c.AppendBytes(orig[10:17])
		c.AppendBytes(orig[17:])

		left := c.Split(k)
		require.Equal(t, k, left.Len())
		require.Equal(t, len(orig)-k, c.Len())

		left.Append(c)
		require.True(t, bytes.Equal(orig, left.Data()))
	}
}

func TestChainSplitPastEnd(t *testing.T) {
	c := FromString("abc")
	left := c.Split(100)
	require.Equal(t, "abc", left.String())
	require.True(t, c.Empty())
}

func TestChainCopyOut(t *testing.T) {
	c := NewChain()
	c.AppendBytes([]byte("abcde"))
	c.AppendBytes([]byte("fghij"))

	dst := make([]byte, 4)
	n := c.CopyOut(3, dst)
	require.Equal(t, 4, n)
	require.Equal(t, "defg", string(dst))
	// The chain is unchanged.
	require.Equal(t, 10, c.Len())

	require.Equal(t, 0, c.CopyOut(10, dst))
	require.Equal(t, 0, c.CopyOut(-1, dst))
}

func TestChainCloneIsDeep(t *testing.T) {
	c := NewChain()
	c.AppendBytes([]byte("abc"))
	c.AppendBytes([]byte("def"))
	clone := c.Clone()
	require.Equal(t, "abcdef", clone.String())
	require.True(t, clone.Contiguous())

	c.Consume(3)
	require.Equal(t, "abcdef", clone.String())
}

func TestChainFirstConsume(t *testing.T) {
	c := NewChain()
	c.AppendBytes([]byte("abc"))
	c.AppendBytes([]byte("def"))

	require.Equal(t, "abc", string(c.First()))
	c.Consume(2)
	require.Equal(t, "c", string(c.First()))
	c.Consume(4)
	require.True(t, c.Empty())
	require.Nil(t, c.First())
}

func TestChainContiguous(t *testing.T) {
	c := NewChain()
	require.True(t, c.Contiguous())
	c.AppendBytes([]byte("abc"))
	require.True(t, c.Contiguous())
	c.AppendBytes([]byte("def"))
	require.False(t, c.Contiguous())
	c.Data()
	require.True(t, c.Contiguous())
}
