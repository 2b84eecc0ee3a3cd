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

import "reflect"

// CallbackReason selects the condition a DCB callback fires on.
type CallbackReason int32

const (
	// CallbackDrained fires when the write queue is fully flushed.
	CallbackDrained CallbackReason = iota
	// CallbackHighWater fires once per upward crossing of the high
	// watermark.
	CallbackHighWater
	// CallbackLowWater fires once per downward crossing of the low
	// watermark after the high watermark was reached.
	CallbackLowWater
)

// DCBCallback is invoked on the owner worker when the reason it was
// registered for occurs.
type DCBCallback func(d *DCB, reason CallbackReason, userData any)

type callbackEntry struct {
	reason   CallbackReason
	fn       DCBCallback
	userData any
}

func (e *callbackEntry) matches(reason CallbackReason, fn DCBCallback, userData any) bool {
	return e.reason == reason &&
		reflect.ValueOf(e.fn).Pointer() == reflect.ValueOf(fn).Pointer() &&
		e.userData == userData
}

// AddCallback registers fn for reason. A duplicate (reason, fn,
// userData) triple is refused.
func (d *DCB) AddCallback(reason CallbackReason, fn DCBCallback, userData any) bool {
	if fn == nil || d.IsClosed() {
		return false
	}
	for i := range d.callbacks {
		if d.callbacks[i].matches(reason, fn, userData) {
			return false
		}
	}
	d.callbacks = append(d.callbacks, callbackEntry{reason: reason, fn: fn, userData: userData})
	return true
}

// RemoveCallback removes the matching (reason, fn, userData) entry.
func (d *DCB) RemoveCallback(reason CallbackReason, fn DCBCallback, userData any) bool {
	for i := range d.callbacks {
		if d.callbacks[i].matches(reason, fn, userData) {
			d.callbacks = append(d.callbacks[:i], d.callbacks[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveCallbacks drops every registered callback.
func (d *DCB) RemoveCallbacks() {
	d.callbacks = nil
}

func (d *DCB) fireCallbacks(reason CallbackReason) {
	// The slice is copied so a callback may remove itself.
	entries := make([]callbackEntry, len(d.callbacks))
	copy(entries, d.callbacks)
	for i := range entries {
		if entries[i].reason == reason {
			entries[i].fn(d, reason, entries[i].userData)
		}
	}
}
