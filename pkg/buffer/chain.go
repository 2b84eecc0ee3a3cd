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
	"container/list"

	"github.com/fagongzi/util/hack"
)

// Chain is an ordered sequence of byte segments with a total length.
// A chain is owned by exactly one holder at a time; passing it to
// another component transfers ownership. Clones are explicit and deep.
//
// The zero value is not usable, call NewChain.
type Chain struct {
	segments *list.List // of []byte
	length   int
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{segments: list.New()}
}

// FromBytes creates a chain holding a copy of data.
func FromBytes(data []byte) *Chain {
	c := NewChain()
	c.AppendBytes(data)
	return c
}

// FromString creates a chain holding a copy of s.
func FromString(s string) *Chain {
	return FromBytes(hack.StringToSlice(s))
}

// Len returns the total number of bytes in the chain.
func (c *Chain) Len() int {
	return c.length
}

// Empty reports whether the chain holds no bytes.
func (c *Chain) Empty() bool {
	return c.length == 0
}

// Contiguous reports whether the chain is stored in at most one segment.
func (c *Chain) Contiguous() bool {
	return c.segments.Len() <= 1
}

// AppendBytes copies data into the chain as a new tail segment.
func (c *Chain) AppendBytes(data []byte) {
	if len(data) == 0 {
		return
	}
	seg := make([]byte, len(data))
	copy(seg, data)
	c.segments.PushBack(seg)
	c.length += len(seg)
}

// Append moves every segment of other to the tail of c. After the call
// other is empty; ownership of the bytes transfers to c. Amortised O(1),
// no copying.
func (c *Chain) Append(other *Chain) {
	if other == nil || other.length == 0 {
		return
	}
	c.segments.PushBackList(other.segments)
	c.length += other.length
	other.segments.Init()
	other.length = 0
}

// Prepend moves every segment of other to the head of c. After the call
// other is empty.
func (c *Chain) Prepend(other *Chain) {
	if other == nil || other.length == 0 {
		return
	}
	c.segments.PushFrontList(other.segments)
	c.length += other.length
	other.segments.Init()
	other.length = 0
}

// Clone returns a deep copy of the chain, flattened into one segment.
func (c *Chain) Clone() *Chain {
	clone := NewChain()
	if c.length == 0 {
		return clone
	}
	seg := make([]byte, 0, c.length)
	for e := c.segments.Front(); e != nil; e = e.Next() {
		seg = append(seg, e.Value.([]byte)...)
	}
	clone.segments.PushBack(seg)
	clone.length = len(seg)
	return clone
}

// CopyOut copies up to len(dst) bytes starting at offset into dst and
// returns the number of bytes copied. The chain is not modified.
func (c *Chain) CopyOut(offset int, dst []byte) int {
	if offset < 0 || offset >= c.length || len(dst) == 0 {
		return 0
	}
	copied := 0
	for e := c.segments.Front(); e != nil && copied < len(dst); e = e.Next() {
		seg := e.Value.([]byte)
		if offset >= len(seg) {
			offset -= len(seg)
			continue
		}
		n := copy(dst[copied:], seg[offset:])
		copied += n
		offset = 0
	}
	return copied
}

// Split removes the first k bytes from the chain and returns them as a
// new chain. Splitting inside a segment copies only that segment's
// remainder. k larger than the chain length takes everything.
func (c *Chain) Split(k int) *Chain {
	left := NewChain()
	if k <= 0 {
		return left
	}
	for k > 0 && c.segments.Len() > 0 {
		e := c.segments.Front()
		seg := e.Value.([]byte)
		if len(seg) <= k {
			c.segments.Remove(e)
			left.segments.PushBack(seg)
			left.length += len(seg)
			c.length -= len(seg)
			k -= len(seg)
			continue
		}
		head := make([]byte, k)
		copy(head, seg[:k])
		left.segments.PushBack(head)
		left.length += k
		e.Value = seg[k:]
		c.length -= k
		k = 0
	}
	return left
}

// First returns the head segment without removing it, or nil if the
// chain is empty. The worker drains the write queue through this.
func (c *Chain) First() []byte {
	e := c.segments.Front()
	if e == nil {
		return nil
	}
	return e.Value.([]byte)
}

// Consume discards the first n bytes of the chain.
func (c *Chain) Consume(n int) {
	for n > 0 && c.segments.Len() > 0 {
		e := c.segments.Front()
		seg := e.Value.([]byte)
		if len(seg) <= n {
			c.segments.Remove(e)
			c.length -= len(seg)
			n -= len(seg)
			continue
		}
		e.Value = seg[n:]
		c.length -= n
		n = 0
	}
}

// Data flattens the chain into a single segment and returns it. The
// returned slice aliases the chain storage; it stays valid until the
// next mutation.
func (c *Chain) Data() []byte {
	if c.length == 0 {
		return nil
	}
	if c.segments.Len() == 1 {
		return c.segments.Front().Value.([]byte)
	}
	seg := make([]byte, 0, c.length)
	for e := c.segments.Front(); e != nil; e = e.Next() {
		seg = append(seg, e.Value.([]byte)...)
	}
	c.segments.Init()
	c.segments.PushBack(seg)
	return seg
}

// String renders the chain content as a string, copying.
func (c *Chain) String() string {
	return string(c.Data())
}

// StringUnsafe renders the chain content as a string without copying.
// The result aliases chain storage.
func (c *Chain) StringUnsafe() string {
	return hack.SliceToString(c.Data())
}

// Reset drops all segments.
func (c *Chain) Reset() {
	c.segments.Init()
	c.length = 0
}
