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
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/btree"
	"github.com/matrixorigin/mxgate/pkg/logutil"
	"github.com/matrixorigin/mxgate/pkg/moerr"
	queue "github.com/yireyun/go-queue"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ExecMode selects how Worker.Execute delivers a task.
type ExecMode int

const (
	// ExecAuto runs the task inline when the caller already is the
	// worker, otherwise posts it.
	ExecAuto ExecMode = iota
	// ExecQueued always posts the task, even from the worker itself.
	ExecQueued
)

// Pollable is an item registered in a worker's readiness set. Events
// are delivered on the owning worker's thread.
type Pollable interface {
	// Fd returns the pollable descriptor.
	Fd() int
	// HandlePollEvents handles a readiness event mask (unix.EPOLL*).
	HandlePollEvents(w *Worker, events uint32)
}

const (
	workerStateCreated int32 = iota
	workerStateRunning
	workerStateStopped

	// mailboxCapacity bounds the cross-thread task queue. Posting
	// spins when the queue is momentarily full.
	mailboxCapacity = 64 * 1024

	// maxPollWait bounds one epoll wait so the loop notices stop
	// requests and clock-driven work.
	maxPollWait = 100 * time.Millisecond
)

// workerByTid maps a locked OS thread id to its worker, so that
// CurrentWorker can answer from any goroutine. Worker threads are
// locked with runtime.LockOSThread, no other goroutine ever runs on
// them.
var workerByTid sync.Map // int -> *Worker

// CurrentWorker returns the worker bound to the calling thread, or nil
// when the caller is not a worker thread.
func CurrentWorker() *Worker {
	if v, ok := workerByTid.Load(unix.Gettid()); ok {
		return v.(*Worker)
	}
	return nil
}

// Worker is one event loop thread. It owns an epoll instance, a
// millisecond clock, a delayed-call queue and every DCB registered on
// it. All state except the mailbox and the atomic load counter is
// touched only from the worker's own thread.
type Worker struct {
	id    int
	group *WorkerGroup
	state int32

	epfd     int
	wakeupFd int

	// mailbox receives tasks posted from other threads.
	mailbox *queue.EsQueue

	// pollables maps a registered fd to its handler.
	pollables map[int]Pollable
	// fds is the registration membership set; Register, Modify and
	// Unregister consult it.
	fds *roaring.Bitmap

	// delayed orders pending delayed calls by (deadline, seq).
	delayed  *btree.BTree
	delaySeq uint64

	// epochMs is the worker clock, refreshed once per loop turn.
	epochMs int64

	// sessions and dcbs are the worker-local registry shards.
	sessions map[uint64]*Session
	dcbs     map[uint64]*DCB

	// load counts DCBs owned by this worker, read cross-thread for
	// least-loaded dispatch.
	load int32

	stopC chan struct{}
	doneC chan struct{}
}

type delayedItem struct {
	deadline int64
	seq      uint64
	task     func()
}

// Less orders delayed items by deadline, ties broken by posting order.
func (d *delayedItem) Less(than btree.Item) bool {
	o := than.(*delayedItem)
	if d.deadline != o.deadline {
		return d.deadline < o.deadline
	}
	return d.seq < o.seq
}

func newWorker(id int, group *WorkerGroup) (*Worker, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, moerr.NewIOError(err, "cannot create epoll instance")
	}
	wakeupFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, moerr.NewIOError(err, "cannot create eventfd")
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeupFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeupFd, &ev); err != nil {
		_ = unix.Close(wakeupFd)
		_ = unix.Close(epfd)
		return nil, moerr.NewIOError(err, "cannot register eventfd")
	}
	return &Worker{
		id:        id,
		group:     group,
		epfd:      epfd,
		wakeupFd:  wakeupFd,
		mailbox:   queue.NewQueue(mailboxCapacity),
		pollables: make(map[int]Pollable),
		fds:       roaring.New(),
		delayed:   btree.New(2),
		epochMs:   time.Now().UnixMilli(),
		sessions:  make(map[uint64]*Session),
		dcbs:      make(map[uint64]*DCB),
		stopC:     make(chan struct{}),
		doneC:     make(chan struct{}),
	}, nil
}

// ID returns the worker index within its group.
func (w *Worker) ID() int {
	return w.id
}

// Group returns the worker group this worker belongs to.
func (w *Worker) Group() *WorkerGroup {
	return w.group
}

// EpochMs returns the worker clock in milliseconds. It ticks once per
// loop turn.
func (w *Worker) EpochMs() int64 {
	return atomic.LoadInt64(&w.epochMs)
}

// Load returns the number of DCBs owned by the worker.
func (w *Worker) Load() int {
	return int(atomic.LoadInt32(&w.load))
}

// IsCurrent reports whether the caller runs on this worker's thread.
func (w *Worker) IsCurrent() bool {
	return CurrentWorker() == w
}

func (w *Worker) assertOwner(op string) error {
	if !w.IsCurrent() {
		return moerr.NewNotOwner("%s called off worker %d", op, w.id)
	}
	return nil
}

// Register adds a pollable item to the worker's readiness set. Only
// the owning worker may call this.
func (w *Worker) Register(p Pollable, events uint32) error {
	if err := w.assertOwner("Register"); err != nil {
		return err
	}
	fd := p.Fd()
	if fd < 0 {
		return moerr.NewInvalidInput("cannot register closed fd")
	}
	if w.fds.Contains(uint32(fd)) {
		return moerr.NewDuplicate("fd %d already registered on worker %d", fd, w.id)
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return moerr.NewIOError(err, "epoll add fd %d", fd)
	}
	w.pollables[fd] = p
	w.fds.Add(uint32(fd))
	return nil
}

// Modify changes the event mask of a registered fd.
func (w *Worker) Modify(p Pollable, events uint32) error {
	if err := w.assertOwner("Modify"); err != nil {
		return err
	}
	fd := p.Fd()
	if !w.fds.Contains(uint32(fd)) {
		return moerr.NewInvalidInput("fd %d not registered on worker %d", fd, w.id)
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return moerr.NewIOError(err, "epoll mod fd %d", fd)
	}
	return nil
}

// Unregister removes a pollable item from the readiness set. Only the
// owning worker may call this.
func (w *Worker) Unregister(p Pollable) error {
	if err := w.assertOwner("Unregister"); err != nil {
		return err
	}
	fd := p.Fd()
	if !w.fds.Contains(uint32(fd)) {
		return nil
	}
	delete(w.pollables, fd)
	w.fds.Remove(uint32(fd))
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return moerr.NewIOError(err, "epoll del fd %d", fd)
	}
	return nil
}

// Execute runs or posts a task. With ExecAuto the task runs inline when
// the caller already is this worker; with ExecQueued it is always
// posted and runs on the next loop turn. Tasks posted to one worker run
// in posting order.
func (w *Worker) Execute(task func(), mode ExecMode) {
	if mode == ExecAuto && w.IsCurrent() {
		w.runTask(task)
		return
	}
	w.post(task)
}

func (w *Worker) post(task func()) {
	for {
		if ok, _ := w.mailbox.Put(task); ok {
			break
		}
		// Momentarily full; the consumer drains every loop turn.
		runtime.Gosched()
	}
	w.wakeup()
}

func (w *Worker) wakeup() {
	var one = [8]byte{7: 1}
	for {
		_, err := unix.Write(w.wakeupFd, one[:])
		if err != unix.EINTR {
			return
		}
	}
}

// DelayedCall schedules task to run on this worker no earlier than
// delay from now. Delayed tasks run in deadline order, ties broken by
// posting order. Safe to call from any thread.
func (w *Worker) DelayedCall(delay time.Duration, task func()) {
	w.Execute(func() {
		w.delaySeq++
		w.delayed.ReplaceOrInsert(&delayedItem{
			deadline: w.EpochMs() + delay.Milliseconds(),
			seq:      w.delaySeq,
			task:     task,
		})
	}, ExecAuto)
}

func (w *Worker) runTask(task func()) {
	defer func() {
		if e := recover(); e != nil {
			logutil.Error("task panic on worker",
				zap.Int("worker", w.id),
				zap.Any("panic", e),
				zap.Stack("stack"))
		}
	}()
	task()
}

func (w *Worker) start() {
	go w.run()
}

func (w *Worker) stop() {
	if !atomic.CompareAndSwapInt32(&w.state, workerStateRunning, workerStateStopped) {
		return
	}
	close(w.stopC)
	w.wakeup()
	<-w.doneC
}

func (w *Worker) stopped() bool {
	select {
	case <-w.stopC:
		return true
	default:
		return false
	}
}

func (w *Worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tid := unix.Gettid()
	workerByTid.Store(tid, w)
	atomic.StoreInt32(&w.state, workerStateRunning)
	defer func() {
		workerByTid.Delete(tid)
		w.teardown()
		close(w.doneC)
	}()

	events := make([]unix.EpollEvent, 256)
	for !w.stopped() {
		n, err := unix.EpollWait(w.epfd, events, w.pollTimeoutMs())
		if err != nil && err != unix.EINTR {
			logutil.Error("epoll wait failed",
				zap.Int("worker", w.id), zap.Error(err))
			return
		}
		atomic.StoreInt64(&w.epochMs, time.Now().UnixMilli())

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == w.wakeupFd {
				w.drainWakeup()
				continue
			}
			// The item may have been unregistered by an earlier
			// event in this batch; stale events are dropped.
			p, ok := w.pollables[fd]
			if !ok {
				continue
			}
			p.HandlePollEvents(w, events[i].Events)
		}

		w.runDelayed()
		w.drainMailbox()
	}
}

func (w *Worker) pollTimeoutMs() int {
	if w.mailbox.Quantity() > 0 {
		return 0
	}
	timeout := maxPollWait.Milliseconds()
	if min := w.delayed.Min(); min != nil {
		d := min.(*delayedItem).deadline - w.EpochMs()
		if d < 0 {
			d = 0
		}
		if d < timeout {
			timeout = d
		}
	}
	return int(timeout)
}

func (w *Worker) drainWakeup() {
	var buf [8]byte
	for {
		if _, err := unix.Read(w.wakeupFd, buf[:]); err != nil {
			return
		}
	}
}

func (w *Worker) runDelayed() {
	now := w.EpochMs()
	for {
		min := w.delayed.Min()
		if min == nil || min.(*delayedItem).deadline > now {
			return
		}
		w.delayed.DeleteMin()
		w.runTask(min.(*delayedItem).task)
	}
}

func (w *Worker) drainMailbox() {
	for {
		v, ok, _ := w.mailbox.Get()
		if !ok {
			return
		}
		w.runTask(v.(func()))
	}
}

func (w *Worker) teardown() {
	for _, d := range w.dcbs {
		d.destroy()
	}
	w.dcbs = make(map[uint64]*DCB)
	w.pollables = make(map[int]Pollable)
	w.fds.Clear()
	_ = unix.Close(w.wakeupFd)
	_ = unix.Close(w.epfd)
}

func (w *Worker) attachDCB(d *DCB) {
	w.dcbs[d.UID()] = d
	atomic.AddInt32(&w.load, 1)
}

func (w *Worker) detachDCB(d *DCB) {
	if _, ok := w.dcbs[d.UID()]; ok {
		delete(w.dcbs, d.UID())
		atomic.AddInt32(&w.load, -1)
	}
}

func (w *Worker) attachSession(s *Session) {
	w.sessions[s.ID()] = s
}

func (w *Worker) detachSession(s *Session) {
	delete(w.sessions, s.ID())
}

// WorkerGroup owns a fixed set of workers started together.
type WorkerGroup struct {
	workers []*Worker
}

// NewWorkerGroup creates and starts n workers.
func NewWorkerGroup(n int) (*WorkerGroup, error) {
	if n <= 0 {
		return nil, moerr.NewInvalidInput("worker count must be positive, got %d", n)
	}
	g := &WorkerGroup{}
	for i := 0; i < n; i++ {
		w, err := newWorker(i, g)
		if err != nil {
			g.Stop()
			return nil, err
		}
		g.workers = append(g.workers, w)
	}
	for _, w := range g.workers {
		w.start()
	}
	// Wait until every loop is live so Register calls posted right
	// after construction find a running worker.
	for _, w := range g.workers {
		for atomic.LoadInt32(&w.state) == workerStateCreated {
			time.Sleep(time.Millisecond)
		}
	}
	return g, nil
}

// Size returns the number of workers.
func (g *WorkerGroup) Size() int {
	return len(g.workers)
}

// Worker returns worker i.
func (g *WorkerGroup) Worker(i int) *Worker {
	return g.workers[i]
}

// Workers returns all workers.
func (g *WorkerGroup) Workers() []*Worker {
	return g.workers
}

// LeastLoaded returns the worker owning the fewest DCBs.
func (g *WorkerGroup) LeastLoaded() *Worker {
	best := g.workers[0]
	for _, w := range g.workers[1:] {
		if w.Load() < best.Load() {
			best = w
		}
	}
	return best
}

// Broadcast posts task to every worker and returns the number of
// workers it was posted to. Each worker runs the task exactly once.
func (g *WorkerGroup) Broadcast(task func(w *Worker)) int {
	for _, w := range g.workers {
		w := w
		w.Execute(func() { task(w) }, ExecQueued)
	}
	return len(g.workers)
}

// Stop stops every worker and releases their resources.
func (g *WorkerGroup) Stop() {
	for _, w := range g.workers {
		switch atomic.LoadInt32(&w.state) {
		case workerStateRunning:
			w.stop()
		case workerStateCreated:
			// Never started, release the descriptors directly.
			_ = unix.Close(w.wakeupFd)
			_ = unix.Close(w.epfd)
			atomic.StoreInt32(&w.state, workerStateStopped)
		}
	}
}
