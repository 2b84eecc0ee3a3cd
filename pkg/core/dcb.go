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
	"sync/atomic"

	"github.com/matrixorigin/mxgate/pkg/buffer"
	"github.com/matrixorigin/mxgate/pkg/logutil"
	"github.com/matrixorigin/mxgate/pkg/moerr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Role tags a DCB as a client endpoint, a backend endpoint or an
// internal one.
type Role int32

const (
	// RoleClient is the connection from a client to the proxy.
	RoleClient Role = iota
	// RoleBackend is a connection from the proxy to a backend server.
	RoleBackend
	// RoleInternal is a DCB without a network peer.
	RoleInternal
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleBackend:
		return "backend"
	default:
		return "internal"
	}
}

// DCBState is the polling state of a DCB.
type DCBState int32

const (
	// DCBStateCreated is the state before the first EnableEvents.
	DCBStateCreated DCBState = iota
	// DCBStatePolling means the DCB is in its worker's readiness set.
	DCBStatePolling
	// DCBStateNoPolling means events are disabled but the DCB is open.
	DCBStateNoPolling
	// DCBStateDisconnected is the terminal state after close.
	DCBStateDisconnected
)

// String implements fmt.Stringer.
func (s DCBState) String() string {
	switch s {
	case DCBStateCreated:
		return "created"
	case DCBStatePolling:
		return "polling"
	case DCBStateNoPolling:
		return "no polling"
	default:
		return "disconnected"
	}
}

// triggered synthetic events, delivered before the next poll wait.
// Within one handler invocation the last trigger wins.
type triggeredEvent int32

const (
	trigNone triggeredEvent = iota
	trigRead
	trigWrite
	trigHangup
)

// Manager mediates DCB destruction. Close tears the socket down and
// then hands the DCB to its manager, which detaches it from the
// session and releases role specific resources.
type Manager interface {
	// Destroy is called on the owner worker after the socket has been
	// shut down.
	Destroy(d *DCB)
}

const (
	// fdClosed is the sentinel stored in DCB.fd after close.
	fdClosed = -1

	readChunk = 16 * 1024

	// closeDrainAttempts bounds the residual reads performed after
	// shutdown(SHUT_WR) during graceful close.
	closeDrainAttempts = 8
)

var dcbUID uint64

func nextDCBUID() uint64 {
	return atomic.AddUint64(&dcbUID, 1)
}

// DCB is the descriptor control block: a non-blocking socket wrapper
// with read and write queues, watermark flow control, optional TLS and
// a triggered-event facility. Every field except the close request
// counter is owned by the worker the DCB was registered on; all
// mutation happens on that worker.
type DCB struct {
	uid   uint64
	fd    int
	role  Role
	state DCBState
	owner *Worker

	session  *Session
	protocol Protocol
	manager  Manager

	// readQueue holds bytes not yet consumed by the protocol.
	readQueue *buffer.Chain
	// writeQueue holds bytes not yet flushed to the socket.
	writeQueue *buffer.Chain
	// delayQueue holds writes deferred until the backend handshake
	// completes.
	delayQueue *buffer.Chain

	writeqLen        uint64
	highWater        uint64
	lowWater         uint64
	highWaterReached bool

	tls *tlsState

	triggered  triggeredEvent
	inHandler  bool
	dispatching bool

	callbacks []callbackEntry

	// closeCount counts close requests; only the first one acts.
	closeCount int32
	hungUp     bool

	lastReadMs  int64
	lastWriteMs int64

	// remote is the numeric peer address of a client DCB.
	remote string
	// target is the backend server name of a backend DCB.
	target string

	// writableArmed tracks whether EPOLLOUT is currently requested.
	writableArmed bool
}

// NewClientDCB wraps an accepted client socket. The DCB is created on
// the worker that will own it; call EnableEvents to start polling.
func NewClientDCB(owner *Worker, fd int, remote string, protocol Protocol, manager Manager,
	highWater, lowWater uint64) *DCB {
	d := newDCB(owner, fd, RoleClient, protocol, manager, highWater, lowWater)
	d.remote = remote
	return d
}

// NewBackendDCB wraps a connecting backend socket.
func NewBackendDCB(owner *Worker, fd int, target string, protocol Protocol, manager Manager,
	highWater, lowWater uint64) *DCB {
	d := newDCB(owner, fd, RoleBackend, protocol, manager, highWater, lowWater)
	d.target = target
	return d
}

// NewInternalDCB creates a DCB without a network peer, used by routers
// that run callback loops against the core.
func NewInternalDCB(owner *Worker, protocol Protocol, manager Manager) *DCB {
	return newDCB(owner, fdClosed, RoleInternal, protocol, manager, 0, 0)
}

func newDCB(owner *Worker, fd int, role Role, protocol Protocol, manager Manager,
	highWater, lowWater uint64) *DCB {
	d := &DCB{
		uid:        nextDCBUID(),
		fd:         fd,
		role:       role,
		state:      DCBStateCreated,
		owner:      owner,
		protocol:   protocol,
		manager:    manager,
		readQueue:  buffer.NewChain(),
		writeQueue: buffer.NewChain(),
		delayQueue: buffer.NewChain(),
		highWater:  highWater,
		lowWater:   lowWater,
	}
	now := owner.EpochMs()
	d.lastReadMs = now
	d.lastWriteMs = now
	owner.Execute(func() { owner.attachDCB(d) }, ExecAuto)
	return d
}

// UID returns the process-unique id of the DCB.
func (d *DCB) UID() uint64 { return d.uid }

// Fd returns the descriptor, or -1 after close.
func (d *DCB) Fd() int { return d.fd }

// Role returns the DCB role.
func (d *DCB) Role() Role { return d.role }

// State returns the polling state.
func (d *DCB) State() DCBState { return d.state }

// Owner returns the worker owning this DCB.
func (d *DCB) Owner() *Worker { return d.owner }

// Session returns the session this DCB belongs to, or nil.
func (d *DCB) Session() *Session { return d.session }

// Protocol returns the protocol handler driving this DCB.
func (d *DCB) Protocol() Protocol { return d.protocol }

// Remote returns the numeric peer address of a client DCB.
func (d *DCB) Remote() string { return d.remote }

// Target returns the backend server name of a backend DCB.
func (d *DCB) Target() string { return d.target }

// HungUp reports whether a peer close or error has been seen.
func (d *DCB) HungUp() bool { return d.hungUp }

// IsClosed reports whether close has been requested.
func (d *DCB) IsClosed() bool {
	return atomic.LoadInt32(&d.closeCount) > 0
}

// LastReadMs returns the worker clock value of the last successful read.
func (d *DCB) LastReadMs() int64 { return d.lastReadMs }

// ReadQueue returns the unconsumed input bytes. Protocol use only, on
// the owner worker.
func (d *DCB) ReadQueue() *buffer.Chain { return d.readQueue }

// WriteQueueLen returns the current write queue length in bytes.
func (d *DCB) WriteQueueLen() uint64 { return d.writeqLen }

func (d *DCB) setSession(s *Session) {
	d.session = s
}

// epoll masks: readable plus peer-close, optionally writable.
func (d *DCB) eventMask() uint32 {
	mask := uint32(unix.EPOLLIN | unix.EPOLLRDHUP)
	if d.writableArmed {
		mask |= unix.EPOLLOUT
	}
	return mask
}

// EnableEvents adds the DCB to its owner worker's readiness set.
// Idempotent; must be called on the owner worker.
func (d *DCB) EnableEvents() error {
	if err := d.owner.assertOwner("EnableEvents"); err != nil {
		return err
	}
	if d.IsClosed() || d.state == DCBStateDisconnected {
		return moerr.NewClosed("cannot enable events on closed dcb %d", d.uid)
	}
	if d.state == DCBStatePolling {
		return nil
	}
	if d.role != RoleInternal {
		if err := d.owner.Register(d, d.eventMask()); err != nil {
			return err
		}
	}
	d.state = DCBStatePolling
	return nil
}

// DisableEvents removes the DCB from the readiness set without closing
// it. Idempotent; must be called on the owner worker.
func (d *DCB) DisableEvents() error {
	if err := d.owner.assertOwner("DisableEvents"); err != nil {
		return err
	}
	if d.state != DCBStatePolling {
		return nil
	}
	if d.role != RoleInternal {
		if err := d.owner.Unregister(d); err != nil {
			return err
		}
	}
	d.state = DCBStateNoPolling
	return nil
}

func (d *DCB) armWritable(on bool) {
	if d.writableArmed == on || d.state != DCBStatePolling || d.role == RoleInternal {
		d.writableArmed = on
		return
	}
	d.writableArmed = on
	if err := d.owner.Modify(d, d.eventMask()); err != nil {
		logutil.Error("cannot update event mask",
			zap.Uint64("dcb", d.uid), zap.Error(err))
	}
}

// Read pulls up to maxBytes from the socket and appends them to the
// read queue. It never blocks. The return values are the total length
// of the read queue and the number of newly added bytes. End of stream
// is reported by marking the DCB hung up and scheduling a hangup
// event, not through the return value. On a TLS-established DCB the
// socket is pumped by the record bridge and Read only reports queue
// state.
func (d *DCB) Read(maxBytes int) (int, int, error) {
	if d.IsClosed() || d.fd == fdClosed {
		return d.readQueue.Len(), 0, moerr.NewClosed("read on closed dcb %d", d.uid)
	}
	if d.tls != nil && d.tls.established() {
		return d.readQueue.Len(), 0, nil
	}
	added := 0
	var chunk [readChunk]byte
	for maxBytes <= 0 || added < maxBytes {
		want := len(chunk)
		if maxBytes > 0 && maxBytes-added < want {
			want = maxBytes - added
		}
		n, err := unix.Read(d.fd, chunk[:want])
		if n > 0 {
			d.readQueue.AppendBytes(chunk[:n])
			added += n
			d.lastReadMs = d.owner.EpochMs()
			if n < want {
				break
			}
			continue
		}
		if n == 0 && err == nil {
			// Peer closed the stream.
			d.hungUp = true
			d.TriggerHangupEvent()
			break
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			break
		}
		if err == unix.EINTR {
			continue
		}
		return d.readQueue.Len(), added, moerr.NewIOError(err, "read on dcb %d", d.uid)
	}
	return d.readQueue.Len(), added, nil
}

// ReadqSet sets the read queue content. If the queue already holds data
// the new data is concatenated behind it; nothing is silently dropped.
func (d *DCB) ReadqSet(buf *buffer.Chain) {
	d.readQueue.Append(buf)
}

// ReadqPrepend pushes unconsumed bytes back to the front of the read
// queue, for protocols that parse a prefix and leave the rest.
func (d *DCB) ReadqPrepend(buf *buffer.Chain) {
	d.readQueue.Prepend(buf)
}

// WriteqAppend transfers ownership of buf into the write queue.
// With drain true the queue is flushed at the end. Returns false only
// if the DCB is closed.
func (d *DCB) WriteqAppend(buf *buffer.Chain, drain bool) bool {
	if d.IsClosed() {
		return false
	}
	if d.tls != nil && d.tls.established() {
		// Encrypt through the record bridge; ciphertext lands in the
		// write queue.
		enc, err := d.tls.encrypt(buf)
		if err != nil {
			logutil.Error("tls write failed",
				zap.Uint64("dcb", d.uid), zap.Error(err))
			d.tls.fail()
			d.Close()
			return false
		}
		buf = enc
	}
	d.writeQueue.Append(buf)
	newLen := uint64(d.writeQueue.Len())
	crossed := d.highWater > 0 && newLen >= d.highWater && d.writeqLen < d.highWater
	d.writeqLen = newLen
	if crossed && !d.highWaterReached {
		d.highWaterReached = true
		d.fireCallbacks(CallbackHighWater)
	}
	if drain {
		d.WriteqDrain()
	}
	return true
}

// WriteqDrain writes from the head of the write queue until the queue
// is empty or the socket would block, and returns the number of bytes
// written. Emptying the queue fires Drained callbacks; dropping below
// the low watermark after the high watermark was crossed fires
// LowWater once. Watermark crossings are edge-triggered.
func (d *DCB) WriteqDrain() int {
	if d.IsClosed() || d.fd == fdClosed {
		return 0
	}
	written := 0
	blocked := false
	for {
		head := d.writeQueue.First()
		if head == nil {
			break
		}
		n, err := unix.Write(d.fd, head)
		if n > 0 {
			d.writeQueue.Consume(n)
			written += n
			d.lastWriteMs = d.owner.EpochMs()
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				blocked = true
				break
			}
			logutil.Debug("write failed, hanging up",
				zap.Uint64("dcb", d.uid), zap.Error(err))
			d.hungUp = true
			d.TriggerHangupEvent()
			break
		}
		if n < len(head) {
			blocked = true
			break
		}
	}
	d.writeqLen = uint64(d.writeQueue.Len())
	d.armWritable(blocked || !d.writeQueue.Empty())

	if d.highWaterReached && d.writeqLen < d.lowWater {
		d.highWaterReached = false
		d.fireCallbacks(CallbackLowWater)
	}
	if d.writeQueue.Empty() && written > 0 {
		d.fireCallbacks(CallbackDrained)
	}
	return written
}

// ProtocolWrite feeds buf through the protocol's outbound framing
// before it reaches the write queue. Routers that already speak the
// wire protocol use this.
func (d *DCB) ProtocolWrite(buf *buffer.Chain) error {
	if w, ok := d.protocol.(ProtocolWriter); ok {
		return w.Write(d, buf)
	}
	if !d.WriteqAppend(buf, true) {
		return moerr.NewClosed("protocol write on closed dcb %d", d.uid)
	}
	return nil
}

// DelayqAppend defers buf until the backend handshake completes.
func (d *DCB) DelayqAppend(buf *buffer.Chain) {
	d.delayQueue.Append(buf)
}

// FlushDelayq moves the delay queue into the write queue and drains.
// Backend protocols call this from Established.
func (d *DCB) FlushDelayq() {
	if d.delayQueue.Empty() {
		return
	}
	q := d.delayQueue
	d.delayQueue = buffer.NewChain()
	d.WriteqAppend(q, true)
}

// TriggerReadEvent arranges a synthetic readable event for the next
// loop turn. The last trigger within a single handler invocation wins.
func (d *DCB) TriggerReadEvent() { d.trigger(trigRead) }

// TriggerWriteEvent arranges a synthetic writable event.
func (d *DCB) TriggerWriteEvent() { d.trigger(trigWrite) }

// TriggerHangupEvent arranges a synthetic hangup event.
func (d *DCB) TriggerHangupEvent() { d.trigger(trigHangup) }

func (d *DCB) trigger(ev triggeredEvent) {
	d.triggered = ev
	if !d.dispatching && !d.IsClosed() {
		// Not inside the event dispatch loop: deliver on the next
		// loop turn.
		d.owner.Execute(func() { d.dispatchTriggered() }, ExecQueued)
	}
}

func (d *DCB) takeTriggered() triggeredEvent {
	ev := d.triggered
	d.triggered = trigNone
	return ev
}

// HandlePollEvents implements Pollable. It runs on the owner worker.
func (d *DCB) HandlePollEvents(w *Worker, events uint32) {
	if d.IsClosed() {
		return
	}
	d.dispatching = true
	defer func() { d.dispatching = false }()

	if events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		d.hungUp = true
	}
	if events&unix.EPOLLIN != 0 {
		d.readableEvent(false)
	}
	if events&unix.EPOLLOUT != 0 && !d.IsClosed() {
		d.writableEvent()
	}
	if d.hungUp && !d.IsClosed() {
		d.hangupEvent()
	}
	d.drainTriggered()
}

// dispatchTriggered delivers a trigger that was queued outside the
// event dispatch loop.
func (d *DCB) dispatchTriggered() {
	if d.IsClosed() {
		return
	}
	d.dispatching = true
	defer func() { d.dispatching = false }()
	d.drainTriggered()
}

func (d *DCB) drainTriggered() {
	for !d.IsClosed() {
		switch d.takeTriggered() {
		case trigRead:
			d.readableEvent(true)
		case trigWrite:
			d.writableEvent()
		case trigHangup:
			d.hangupEvent()
		default:
			return
		}
	}
}

// readableEvent reads into the read queue and invokes the protocol.
// The protocol may leave partial data in the queue; it is called again
// when more data arrives. For a synthetic (triggered) event the
// protocol runs even when the queue is empty.
func (d *DCB) readableEvent(synthetic bool) {
	if d.tls != nil {
		switch d.tls.state {
		case SSLStateRequired, SSLStateDone:
			d.continueHandshake()
			return
		case SSLStateEstablished:
			if err := d.tls.pumpRead(); err != nil {
				d.tls.fail()
				d.Close()
				return
			}
		case SSLStateFailed:
			d.Close()
			return
		default:
		}
	}
	if d.tls == nil || !d.tls.established() {
		if _, _, err := d.Read(0); err != nil && !moerr.IsClosed(err) {
			d.hungUp = true
		}
	}
	if d.IsClosed() {
		return
	}
	if d.readQueue.Empty() && !d.hungUp && !synthetic {
		return
	}
	if d.inHandler {
		// ReadReady is never re-entered for the same DCB.
		return
	}
	d.inHandler = true
	err := d.protocol.ReadReady(d)
	d.inHandler = false
	if err != nil {
		logutil.Debug("protocol read failed",
			zap.Uint64("dcb", d.uid), zap.Error(err))
		d.Close()
	}
}

// writableEvent drains the write queue and lets the protocol observe
// writability, which backend protocols use to finish connecting.
func (d *DCB) writableEvent() {
	if d.tls != nil {
		switch d.tls.state {
		case SSLStateRequired, SSLStateDone:
			d.continueHandshake()
			return
		case SSLStateEstablished:
			d.tls.pumpWrite()
		default:
		}
	}
	d.WriteqDrain()
	if d.IsClosed() {
		return
	}
	if err := d.protocol.WriteReady(d); err != nil {
		logutil.Debug("protocol write-ready failed",
			zap.Uint64("dcb", d.uid), zap.Error(err))
		d.Close()
	}
}

// hangupEvent reports the peer close to the protocol and closes the
// DCB unless the protocol reports an error of its own.
func (d *DCB) hangupEvent() {
	if err := d.protocol.Hangup(d); err != nil {
		logutil.Debug("protocol hangup failed",
			zap.Uint64("dcb", d.uid), zap.Error(err))
		return
	}
	d.Close()
}

// Close requests the DCB to be torn down. Callable from any thread;
// execution always happens on the owner worker. The first request
// wins, later ones are idempotent.
func (d *DCB) Close() {
	if atomic.AddInt32(&d.closeCount, 1) != 1 {
		return
	}
	d.owner.Execute(func() { d.doClose() }, ExecAuto)
}

func (d *DCB) doClose() {
	if d.state == DCBStateDisconnected {
		return
	}
	if d.state == DCBStatePolling && d.role != RoleInternal {
		_ = d.owner.Unregister(d)
	}
	d.state = DCBStateDisconnected
	d.triggered = trigNone
	d.callbacks = nil

	if d.tls != nil {
		d.tls.shutdown(d)
	}
	if d.fd != fdClosed {
		// Graceful half close: stop sending, drain residual input for
		// a bounded number of reads, then release the descriptor.
		_ = unix.Shutdown(d.fd, unix.SHUT_WR)
		var scratch [readChunk]byte
		for i := 0; i < closeDrainAttempts; i++ {
			n, err := unix.Read(d.fd, scratch[:])
			if n <= 0 || err != nil {
				break
			}
		}
		_ = unix.Close(d.fd)
		d.fd = fdClosed
	}
	d.readQueue.Reset()
	d.writeQueue.Reset()
	d.delayQueue.Reset()
	d.writeqLen = 0

	d.owner.detachDCB(d)
	if d.manager != nil {
		d.manager.Destroy(d)
	}
}

// destroy force-releases the descriptor during worker teardown.
func (d *DCB) destroy() {
	if d.fd != fdClosed {
		_ = unix.Close(d.fd)
		d.fd = fdClosed
	}
	d.state = DCBStateDisconnected
}
