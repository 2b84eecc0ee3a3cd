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
	"crypto/tls"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matrixorigin/mxgate/pkg/buffer"
	"github.com/matrixorigin/mxgate/pkg/logutil"
	"github.com/matrixorigin/mxgate/pkg/moerr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// SSLState is the TLS sub-state of a DCB.
type SSLState int32

const (
	// SSLStateUnknown means TLS has not been requested.
	SSLStateUnknown SSLState = iota
	// SSLStateRequired means the protocol decided TLS is needed.
	SSLStateRequired
	// SSLStateDone means the handshake has completed.
	SSLStateDone
	// SSLStateEstablished means application traffic is flowing.
	SSLStateEstablished
	// SSLStateFailed is terminal; the DCB must be closed.
	SSLStateFailed
)

// String implements fmt.Stringer.
func (s SSLState) String() string {
	switch s {
	case SSLStateRequired:
		return "required"
	case SSLStateDone:
		return "done"
	case SSLStateEstablished:
		return "established"
	case SSLStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// bioConn is the in-memory net.Conn handed to crypto/tls. The worker
// feeds ciphertext from the socket into the inbound buffer and drains
// the outbound buffer back to the socket; the tls.Conn goroutines see
// a blocking, error-free pipe.
type bioConn struct {
	mu     sync.Mutex
	cond   *sync.Cond
	in     []byte
	out    []byte
	closed bool

	// wantsRead is set while a tls read blocks on an empty inbound
	// buffer, mirroring the handshake's direction needs.
	wantsRead int32

	// onOut wakes the owner worker to flush fresh outbound ciphertext.
	onOut func()
}

func newBioConn(onOut func()) *bioConn {
	b := &bioConn{onOut: onOut}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// feed appends ciphertext arriving from the socket.
func (b *bioConn) feed(data []byte) {
	b.mu.Lock()
	b.in = append(b.in, data...)
	b.mu.Unlock()
	b.cond.Broadcast()
}

// takeOut removes and returns all pending outbound ciphertext.
func (b *bioConn) takeOut() []byte {
	b.mu.Lock()
	out := b.out
	b.out = nil
	b.mu.Unlock()
	return out
}

func (b *bioConn) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Read blocks until ciphertext is available or the bio is closed.
func (b *bioConn) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.in) == 0 {
		if b.closed {
			return 0, io.EOF
		}
		atomic.StoreInt32(&b.wantsRead, 1)
		b.cond.Wait()
	}
	atomic.StoreInt32(&b.wantsRead, 0)
	n := copy(p, b.in)
	b.in = b.in[n:]
	return n, nil
}

// Write buffers outbound ciphertext; it never blocks.
func (b *bioConn) Write(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	b.out = append(b.out, p...)
	notify := b.onOut
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
	return len(p), nil
}

func (b *bioConn) Close() error                       { b.close(); return nil }
func (b *bioConn) LocalAddr() net.Addr                { return bioAddr{} }
func (b *bioConn) RemoteAddr() net.Addr               { return bioAddr{} }
func (b *bioConn) SetDeadline(t time.Time) error      { return nil }
func (b *bioConn) SetReadDeadline(t time.Time) error  { return nil }
func (b *bioConn) SetWriteDeadline(t time.Time) error { return nil }

type bioAddr struct{}

func (bioAddr) Network() string { return "bio" }
func (bioAddr) String() string  { return "bio" }

// tlsState couples a DCB with its record bridge. All methods run on
// the DCB's owner worker unless noted.
type tlsState struct {
	dcb   *DCB
	state SSLState
	conn  *tls.Conn
	bio   *bioConn

	handshakeStarted bool
	// handshakeErr is written once by the handshake goroutine.
	handshakeErr atomic.Value // error
	handshakeOk  int32
}

// SetSSL marks the DCB as requiring TLS. server selects the handshake
// side. Must be called on the owner worker before the handshake.
func (d *DCB) SetSSL(cfg *tls.Config, server bool) {
	bio := newBioConn(func() {
		d.owner.Execute(func() { d.flushBioOut() }, ExecQueued)
	})
	t := &tlsState{dcb: d, state: SSLStateRequired, bio: bio}
	if server {
		t.conn = tls.Server(bio, cfg)
	} else {
		t.conn = tls.Client(bio, cfg)
	}
	d.tls = t
}

// SSLState returns the TLS sub-state of the DCB.
func (d *DCB) SSLState() SSLState {
	if d.tls == nil {
		return SSLStateUnknown
	}
	return d.tls.state
}

// WantsRead reports whether the TLS layer is waiting for more
// ciphertext from the socket.
func (d *DCB) WantsRead() bool {
	return d.tls != nil && atomic.LoadInt32(&d.tls.bio.wantsRead) == 1
}

// SslHandshake advances the TLS handshake. It returns -1 on error,
// 0 while in progress (the caller retries on the next readiness event
// indicated by WantsRead) and 1 when the handshake is done.
func (d *DCB) SslHandshake() int {
	t := d.tls
	if t == nil {
		return -1
	}
	switch t.state {
	case SSLStateEstablished, SSLStateDone:
		return 1
	case SSLStateFailed:
		return -1
	}
	if !t.handshakeStarted {
		t.handshakeStarted = true
		go t.runHandshake()
	}
	// Move any ciphertext that already arrived into the bridge.
	t.feedFromSocket()
	d.flushBioOut()

	if atomic.LoadInt32(&t.handshakeOk) == 1 {
		if err, _ := t.handshakeErr.Load().(error); err != nil {
			logutil.Debug("tls handshake failed",
				zap.Uint64("dcb", d.uid), zap.Error(err))
			t.fail()
			return -1
		}
		t.state = SSLStateDone
		t.establish()
		return 1
	}
	return 0
}

// runHandshake runs on a dedicated goroutine; the bio pipe makes the
// blocking tls.Conn calls safe.
func (t *tlsState) runHandshake() {
	err := t.conn.Handshake()
	if err != nil {
		t.handshakeErr.Store(err)
	}
	atomic.StoreInt32(&t.handshakeOk, 1)
	d := t.dcb
	d.owner.Execute(func() {
		if d.IsClosed() || t.state == SSLStateFailed {
			return
		}
		// Let the pending SslHandshake retry observe the result.
		d.continueHandshake()
	}, ExecQueued)
}

// continueHandshake is invoked from readiness events while the
// handshake is in flight.
func (d *DCB) continueHandshake() {
	switch d.SslHandshake() {
	case -1:
		d.Close()
	case 1:
		// Handshake complete; flush pending output and let the
		// protocol observe writability so it can speak first.
		if !d.IsClosed() {
			d.WriteqDrain()
			d.TriggerWriteEvent()
		}
	}
}

// establish flips the DCB to record mode and starts the plaintext pump.
func (t *tlsState) establish() {
	t.state = SSLStateEstablished
	go t.readLoop()
}

// readLoop decrypts inbound records and posts the plaintext to the
// owner worker, where it enters the read queue like socket bytes.
func (t *tlsState) readLoop() {
	d := t.dcb
	buf := make([]byte, readChunk)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			d.owner.Execute(func() {
				if d.IsClosed() {
					return
				}
				d.readQueue.AppendBytes(data)
				d.lastReadMs = d.owner.EpochMs()
				d.TriggerReadEvent()
			}, ExecQueued)
		}
		if err != nil {
			if err != io.EOF {
				logutil.Debug("tls read loop ended",
					zap.Uint64("dcb", d.uid), zap.Error(err))
			}
			d.owner.Execute(func() {
				if d.IsClosed() {
					return
				}
				d.hungUp = true
				d.TriggerHangupEvent()
			}, ExecQueued)
			return
		}
	}
}

func (t *tlsState) established() bool {
	return t.state == SSLStateEstablished
}

func (t *tlsState) fail() {
	t.state = SSLStateFailed
	t.bio.close()
}

// feedFromSocket moves available ciphertext from the socket into the
// bridge without blocking.
func (t *tlsState) feedFromSocket() {
	d := t.dcb
	if d.fd == fdClosed {
		return
	}
	var chunk [readChunk]byte
	for {
		n, err := unix.Read(d.fd, chunk[:])
		if n > 0 {
			t.bio.feed(chunk[:n])
			d.lastReadMs = d.owner.EpochMs()
			continue
		}
		if n == 0 && err == nil {
			d.hungUp = true
			d.TriggerHangupEvent()
			return
		}
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// pumpRead handles readable readiness in record mode.
func (t *tlsState) pumpRead() error {
	t.feedFromSocket()
	return nil
}

// pumpWrite handles writable readiness in record mode.
func (t *tlsState) pumpWrite() {
	t.dcb.flushBioOut()
}

// encrypt passes plaintext through the record layer and returns the
// resulting ciphertext. Runs on the owner worker; the bio write side
// never blocks.
func (t *tlsState) encrypt(buf *buffer.Chain) (*buffer.Chain, error) {
	data := buf.Data()
	if _, err := t.conn.Write(data); err != nil {
		return nil, moerr.NewTlsError(err, "tls record write on dcb %d", t.dcb.uid)
	}
	out := t.bio.takeOut()
	enc := buffer.NewChain()
	enc.AppendBytes(out)
	return enc, nil
}

// flushBioOut appends pending outbound ciphertext to the write queue
// and drains it.
func (d *DCB) flushBioOut() {
	if d.tls == nil || d.IsClosed() {
		return
	}
	out := d.tls.bio.takeOut()
	if len(out) == 0 {
		return
	}
	d.writeQueue.AppendBytes(out)
	d.writeqLen = uint64(d.writeQueue.Len())
	d.WriteqDrain()
}

// shutdown sends a close-notify when traffic was flowing and releases
// the bridge goroutines.
func (t *tlsState) shutdown(d *DCB) {
	if t.state == SSLStateEstablished {
		_ = t.conn.CloseWrite()
		if out := t.bio.takeOut(); len(out) > 0 && d.fd != fdClosed {
			// Best effort close-notify.
			_, _ = unix.Write(d.fd, out)
		}
	}
	t.bio.close()
	if t.state != SSLStateFailed {
		t.state = SSLStateDone
	}
}
