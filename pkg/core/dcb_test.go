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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matrixorigin/mxgate/pkg/buffer"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// mockProto is a protocol that records invocations; onRead overrides
// the default consume-everything behaviour.
type mockProto struct {
	mu        sync.Mutex
	readCalls int32
	hangups   int32
	data      []byte
	onRead    func(d *DCB) error
}

var _ Protocol = (*mockProto)(nil)

func (p *mockProto) ReadReady(d *DCB) error {
	atomic.AddInt32(&p.readCalls, 1)
	if p.onRead != nil {
		return p.onRead(d)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	all := d.ReadQueue().Split(d.ReadQueue().Len())
	p.data = append(p.data, all.Data()...)
	return nil
}

func (p *mockProto) WriteReady(d *DCB) error { return nil }

func (p *mockProto) Hangup(d *DCB) error {
	atomic.AddInt32(&p.hangups, 1)
	return nil
}

func (p *mockProto) read() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.data))
	copy(out, p.data)
	return out
}

// mockManager records destruction.
type mockManager struct {
	destroyed int32
}

var _ Manager = (*mockManager)(nil)

func (m *mockManager) Destroy(d *DCB) {
	atomic.AddInt32(&m.destroyed, 1)
}

func runOn(t *testing.T, w *Worker, f func()) {
	t.Helper()
	done := make(chan struct{})
	w.Execute(func() {
		defer close(done)
		f()
	}, ExecQueued)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker task timed out")
	}
}

// newTestDCB wires one end of a socketpair into a client DCB on w and
// returns the DCB and the raw peer fd.
func newTestDCB(t *testing.T, w *Worker, proto Protocol, mgr Manager,
	high, low uint64) (*DCB, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	d := NewClientDCB(w, fds[0], "127.0.0.1", proto, mgr, high, low)
	runOn(t, w, func() {
		require.NoError(t, d.EnableEvents())
	})
	return d, fds[1]
}

func peerWrite(t *testing.T, fd int, data []byte) {
	t.Helper()
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err == unix.EAGAIN || err == unix.EINTR {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		data = data[n:]
	}
}

func peerReadAll(fd int, max int) []byte {
	buf := make([]byte, max)
	got := 0
	deadline := time.Now().Add(2 * time.Second)
	for got < max && time.Now().Before(deadline) {
		n, err := unix.Read(fd, buf[got:])
		if n > 0 {
			got += n
			continue
		}
		if err == unix.EAGAIN || err == unix.EINTR {
			time.Sleep(time.Millisecond)
			continue
		}
		break
	}
	return buf[:got]
}

func TestDCBReadAppendsToReadQueue(t *testing.T) {
	g, err := NewWorkerGroup(1)
	require.NoError(t, err)
	defer g.Stop()
	w := g.Worker(0)

	proto := &mockProto{}
	d, peer := newTestDCB(t, w, proto, &mockManager{}, 0, 0)
	defer unix.Close(peer)

	peerWrite(t, peer, []byte("hello"))
	require.Eventually(t, func() bool {
		return string(proto.read()) == "hello"
	}, 2*time.Second, 5*time.Millisecond)

	peerWrite(t, peer, []byte(" world"))
	require.Eventually(t, func() bool {
		return string(proto.read()) == "hello world"
	}, 2*time.Second, 5*time.Millisecond)
	d.Close()
}

func TestWriteqAppendOrderObservedByPeer(t *testing.T) {
	g, err := NewWorkerGroup(1)
	require.NoError(t, err)
	defer g.Stop()
	w := g.Worker(0)

	d, peer := newTestDCB(t, w, &mockProto{}, &mockManager{}, 0, 0)
	defer unix.Close(peer)

	runOn(t, w, func() {
		require.True(t, d.WriteqAppend(buffer.FromString("first "), false))
		require.True(t, d.WriteqAppend(buffer.FromString("second"), true))
	})
	got := peerReadAll(peer, len("first second"))
	require.Equal(t, "first second", string(got))
	d.Close()
}

func TestWriteqAppendOnClosedDCB(t *testing.T) {
	g, err := NewWorkerGroup(1)
	require.NoError(t, err)
	defer g.Stop()
	w := g.Worker(0)

	d, peer := newTestDCB(t, w, &mockProto{}, &mockManager{}, 0, 0)
	defer unix.Close(peer)

	d.Close()
	runOn(t, w, func() {
		require.False(t, d.WriteqAppend(buffer.FromString("late"), true))
		require.Equal(t, 0, d.WriteqDrain())
	})
}

func TestWatermarkHysteresis(t *testing.T) {
	g, err := NewWorkerGroup(1)
	require.NoError(t, err)
	defer g.Stop()
	w := g.Worker(0)

	const high, low = 64 * 1024, 16 * 1024
	d, peer := newTestDCB(t, w, &mockProto{}, &mockManager{}, high, low)
	defer unix.Close(peer)

	var highFired, lowFired int32
	runOn(t, w, func() {
		// Shrink the kernel buffer so the write queue really backs up.
		require.NoError(t, unix.SetsockoptInt(d.Fd(), unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))
		require.True(t, d.AddCallback(CallbackHighWater,
			func(d *DCB, r CallbackReason, u any) { atomic.AddInt32(&highFired, 1) }, nil))
		require.True(t, d.AddCallback(CallbackLowWater,
			func(d *DCB, r CallbackReason, u any) { atomic.AddInt32(&lowFired, 1) }, nil))

		payload := make([]byte, 1024*1024)
		require.True(t, d.WriteqAppend(buffer.FromBytes(payload), true))
		require.Greater(t, d.WriteQueueLen(), uint64(high))
	})
	require.Equal(t, int32(1), atomic.LoadInt32(&highFired))
	require.Equal(t, int32(0), atomic.LoadInt32(&lowFired))

	// The peer drains; the worker flushes on writable readiness until
	// the queue crosses the low watermark.
	deadline := time.Now().Add(5 * time.Second)
	buf := make([]byte, 64*1024)
	for atomic.LoadInt32(&lowFired) == 0 && time.Now().Before(deadline) {
		n, err := unix.Read(peer, buf)
		if n <= 0 && err != unix.EAGAIN && err != unix.EINTR && err != nil {
			break
		}
		if n <= 0 {
			time.Sleep(time.Millisecond)
		}
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&lowFired))
	require.Equal(t, int32(1), atomic.LoadInt32(&highFired))
	d.Close()
}

func TestTriggeredReadReentry(t *testing.T) {
	g, err := NewWorkerGroup(1)
	require.NoError(t, err)
	defer g.Stop()
	w := g.Worker(0)

	proto := &mockProto{}
	proto.onRead = func(d *DCB) error {
		d.ReadQueue().Reset()
		if atomic.LoadInt32(&proto.readCalls) == 1 {
			// Ask for exactly one synthesized re-entry.
			d.TriggerReadEvent()
		}
		return nil
	}
	d, peer := newTestDCB(t, w, proto, &mockManager{}, 0, 0)
	defer unix.Close(peer)

	peerWrite(t, peer, []byte("x"))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&proto.readCalls) == 2
	}, 2*time.Second, 5*time.Millisecond)
	// No further invocations happen.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(2), atomic.LoadInt32(&proto.readCalls))
	d.Close()
}

func TestTriggerLastOneWins(t *testing.T) {
	g, err := NewWorkerGroup(1)
	require.NoError(t, err)
	defer g.Stop()
	w := g.Worker(0)

	proto := &mockProto{}
	proto.onRead = func(d *DCB) error {
		d.ReadQueue().Reset()
		if atomic.LoadInt32(&proto.readCalls) == 1 {
			// The hangup trigger overwrites the read trigger.
			d.TriggerReadEvent()
			d.TriggerHangupEvent()
		}
		return nil
	}
	d, peer := newTestDCB(t, w, proto, &mockManager{}, 0, 0)
	defer unix.Close(peer)

	peerWrite(t, peer, []byte("x"))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&proto.hangups) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&proto.readCalls))
	require.True(t, d.IsClosed())
}

func TestPeerCloseBecomesHangup(t *testing.T) {
	g, err := NewWorkerGroup(1)
	require.NoError(t, err)
	defer g.Stop()
	w := g.Worker(0)

	proto := &mockProto{}
	mgr := &mockManager{}
	d, peer := newTestDCB(t, w, proto, mgr, 0, 0)

	require.NoError(t, unix.Close(peer))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&proto.hangups) == 1 &&
			atomic.LoadInt32(&mgr.destroyed) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, d.IsClosed())
	require.True(t, d.HungUp())
}

func TestCloseIsIdempotent(t *testing.T) {
	g, err := NewWorkerGroup(1)
	require.NoError(t, err)
	defer g.Stop()
	w := g.Worker(0)

	mgr := &mockManager{}
	d, peer := newTestDCB(t, w, &mockProto{}, mgr, 0, 0)
	defer unix.Close(peer)

	d.Close()
	d.Close()
	d.Close()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&mgr.destroyed) == 1
	}, 2*time.Second, 5*time.Millisecond)
	runOn(t, w, func() {
		require.Equal(t, DCBStateDisconnected, d.State())
		require.Equal(t, -1, d.Fd())
	})
	require.Equal(t, int32(1), atomic.LoadInt32(&mgr.destroyed))
}

func TestNoCallbacksAfterClose(t *testing.T) {
	g, err := NewWorkerGroup(1)
	require.NoError(t, err)
	defer g.Stop()
	w := g.Worker(0)

	d, peer := newTestDCB(t, w, &mockProto{}, &mockManager{}, 8, 4)
	defer unix.Close(peer)

	var fired int32
	cb := func(d *DCB, r CallbackReason, u any) { atomic.AddInt32(&fired, 1) }
	runOn(t, w, func() {
		require.True(t, d.AddCallback(CallbackDrained, cb, nil))
	})
	d.Close()
	runOn(t, w, func() {
		d.WriteqAppend(buffer.FromString("x"), true)
		require.Equal(t, 0, d.WriteqDrain())
	})
	require.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestAddCallbackRefusesDuplicate(t *testing.T) {
	g, err := NewWorkerGroup(1)
	require.NoError(t, err)
	defer g.Stop()
	w := g.Worker(0)

	d, peer := newTestDCB(t, w, &mockProto{}, &mockManager{}, 0, 0)
	defer unix.Close(peer)

	cb := func(d *DCB, r CallbackReason, u any) {}
	runOn(t, w, func() {
		require.True(t, d.AddCallback(CallbackDrained, cb, "u"))
		require.False(t, d.AddCallback(CallbackDrained, cb, "u"))
		// A different user data is a different entry.
		require.True(t, d.AddCallback(CallbackDrained, cb, "v"))
		require.True(t, d.RemoveCallback(CallbackDrained, cb, "u"))
		require.False(t, d.RemoveCallback(CallbackDrained, cb, "u"))
	})
	d.Close()
}

func TestDrainedCallbackFires(t *testing.T) {
	g, err := NewWorkerGroup(1)
	require.NoError(t, err)
	defer g.Stop()
	w := g.Worker(0)

	d, peer := newTestDCB(t, w, &mockProto{}, &mockManager{}, 0, 0)
	defer unix.Close(peer)

	var drained int32
	runOn(t, w, func() {
		require.True(t, d.AddCallback(CallbackDrained,
			func(d *DCB, r CallbackReason, u any) { atomic.AddInt32(&drained, 1) }, nil))
		d.WriteqAppend(buffer.FromString("payload"), true)
	})
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&drained) == 1
	}, 2*time.Second, 5*time.Millisecond)
	d.Close()
}

func TestReadqSetConcatenates(t *testing.T) {
	g, err := NewWorkerGroup(1)
	require.NoError(t, err)
	defer g.Stop()
	w := g.Worker(0)

	d, peer := newTestDCB(t, w, &mockProto{}, &mockManager{}, 0, 0)
	defer unix.Close(peer)

	runOn(t, w, func() {
		d.ReadqSet(buffer.FromString("abc"))
		// A second set does not drop the existing queue.
		d.ReadqSet(buffer.FromString("def"))
		require.Equal(t, "abcdef", d.ReadQueue().String())
		d.ReadqPrepend(buffer.FromString("xyz"))
		require.Equal(t, "xyzabcdef", d.ReadQueue().String())
	})
	d.Close()
}

func TestEnableDisableEventsIdempotent(t *testing.T) {
	g, err := NewWorkerGroup(1)
	require.NoError(t, err)
	defer g.Stop()
	w := g.Worker(0)

	d, peer := newTestDCB(t, w, &mockProto{}, &mockManager{}, 0, 0)
	defer unix.Close(peer)

	runOn(t, w, func() {
		require.NoError(t, d.EnableEvents())
		require.Equal(t, DCBStatePolling, d.State())
		require.NoError(t, d.DisableEvents())
		require.NoError(t, d.DisableEvents())
		require.Equal(t, DCBStateNoPolling, d.State())
		require.NoError(t, d.EnableEvents())
		require.Equal(t, DCBStatePolling, d.State())
	})
	d.Close()
}

func TestEventOpsRequireOwnerWorker(t *testing.T) {
	g, err := NewWorkerGroup(2)
	require.NoError(t, err)
	defer g.Stop()
	w := g.Worker(0)

	d, peer := newTestDCB(t, w, &mockProto{}, &mockManager{}, 0, 0)
	defer unix.Close(peer)

	// Off-worker calls are refused.
	require.Error(t, d.DisableEvents())
	runOn(t, g.Worker(1), func() {
		require.Error(t, d.DisableEvents())
	})
	d.Close()
}
