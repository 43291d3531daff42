// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

// Package evloop is the reactor every display backend and the compositor
// hand work to: fd readiness through epoll, tasks posted from any goroutine,
// and delayed tasks with absolute target times.
//
// Run pins itself to one OS thread. Everything dispatched by a loop runs on
// that thread, one callback at a time.
package evloop

import (
	"container/heap"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var ErrClosed = errors.New("event loop closed")

// Events is a readiness mask as reported by epoll
type Events uint32

const (
	Readable Events = unix.EPOLLIN
	Writable Events = unix.EPOLLOUT
	Hangup   Events = unix.EPOLLHUP
	Error    Events = unix.EPOLLERR
)

// IOCallback handles readiness of a source's fd.
// Returning an error destroys the source
type IOCallback func(fd int, events Events) error

// Source is an fd registered with a Loop
type Source struct {
	loop      *Loop
	fd        int
	events    Events
	callback  IOCallback
	destroyed atomic.Bool
}

// Fd is the watched file descriptor
func (s *Source) Fd() int {
	return s.fd
}

// Destroy stops all future dispatch for this source. A callback already
// running on the loop thread is allowed to finish.
// The fd itself is not closed
func (s *Source) Destroy() error {
	if s.destroyed.Swap(true) {
		return nil
	}
	return s.loop.removeSource(s)
}

type Loop struct {
	epfd   int
	wakefd int

	lock    sync.Mutex
	tasks   []func()
	timers  timerHeap
	seq     uint64
	sources map[int]*Source
	closed  bool

	running atomic.Bool
	stop    atomic.Bool
	log     *logrus.Entry
}

// New creates a loop. Call Close once it is no longer needed
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("registering wake fd: %w", err)
	}
	return &Loop{
		epfd:    epfd,
		wakefd:  wakefd,
		sources: make(map[int]*Source),
		log:     logrus.WithField("component", "evloop"),
	}, nil
}

// Post queues task to run on the loop thread as soon as possible.
// Tasks posted from one goroutine run in posting order
func (l *Loop) Post(task func()) error {
	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return ErrClosed
	}
	l.tasks = append(l.tasks, task)
	l.lock.Unlock()
	return l.wake()
}

// PostDelayed queues task to run on the loop thread once target has passed.
// There is no way to cancel a delayed task other than closing the loop
func (l *Loop) PostDelayed(task func(), target time.Time) error {
	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return ErrClosed
	}
	l.seq++
	heap.Push(&l.timers, delayedTask{target: target, seq: l.seq, task: task})
	l.lock.Unlock()
	return l.wake()
}

// AddIOSource watches fd for the given events
func (l *Loop) AddIOSource(fd int, events Events, callback IOCallback) (*Source, error) {
	src := &Source{loop: l, fd: fd, events: events, callback: callback}

	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if _, ok := l.sources[fd]; ok {
		return nil, fmt.Errorf("fd %d already watched", fd)
	}
	ev := unix.EpollEvent{Events: uint32(events), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nil, fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	l.sources[fd] = src
	return src, nil
}

func (l *Loop) removeSource(src *Source) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if cur, ok := l.sources[src.fd]; !ok || cur != src {
		return nil
	}
	delete(l.sources, src.fd)
	if l.closed {
		return nil
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, src.fd, nil); err != nil && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll_ctl del fd %d: %w", src.fd, err)
	}
	return nil
}

func (l *Loop) wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(l.wakefd, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("waking event loop: %w", err)
	}
	return nil
}

func (l *Loop) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Running reports whether Run is currently dispatching
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Stop makes Run return after the current dispatch round
func (l *Loop) Stop() {
	l.stop.Store(true)
	_ = l.wake()
}

// timeout computes how long epoll may sleep. Must be called with the lock held
func (l *Loop) timeoutLocked(now time.Time) int {
	if len(l.tasks) > 0 {
		return 0
	}
	if len(l.timers) == 0 {
		return -1
	}
	d := l.timers[0].target.Sub(now)
	if d <= 0 {
		return 0
	}
	// Round up so a timer is never woken for before its target
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

// Run dispatches until Stop is called or ctx is done
func (l *Loop) Run(ctx context.Context) error {
	if l.running.Swap(true) {
		return errors.New("event loop already running")
	}
	defer l.running.Store(false)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.stop.Store(false)
	stopWatch := context.AfterFunc(ctx, l.Stop)
	defer stopWatch()

	events := make([]unix.EpollEvent, 32)
	for !l.stop.Load() {
		l.lock.Lock()
		if l.closed {
			l.lock.Unlock()
			return ErrClosed
		}
		timeout := l.timeoutLocked(time.Now())
		l.lock.Unlock()

		n, err := unix.EpollWait(l.epfd, events, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			l.dispatchIO(int(events[i].Fd), Events(events[i].Events))
		}
		l.runTimers(time.Now())
		l.runTasks()
	}
	return ctx.Err()
}

func (l *Loop) dispatchIO(fd int, events Events) {
	if fd == l.wakefd {
		l.drainWake()
		return
	}
	l.lock.Lock()
	src := l.sources[fd]
	l.lock.Unlock()
	if src == nil || src.destroyed.Load() {
		return
	}
	if err := src.callback(fd, events); err != nil {
		l.log.WithError(err).WithField("fd", fd).Warnln("I/O source callback failed, removing source")
		if derr := src.Destroy(); derr != nil {
			l.log.WithError(derr).Warnln("Failed to remove I/O source")
		}
	}
}

func (l *Loop) runTimers(now time.Time) {
	for {
		l.lock.Lock()
		if len(l.timers) == 0 || l.timers[0].target.After(now) {
			l.lock.Unlock()
			return
		}
		t := heap.Pop(&l.timers).(delayedTask)
		l.lock.Unlock()
		t.task()
	}
}

func (l *Loop) runTasks() {
	l.lock.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.lock.Unlock()
	for _, task := range tasks {
		task()
	}
}

// Close releases the epoll and wake descriptors. Pending tasks are dropped
func (l *Loop) Close() error {
	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return nil
	}
	l.closed = true
	l.tasks = nil
	l.timers = nil
	for fd, src := range l.sources {
		src.destroyed.Store(true)
		delete(l.sources, fd)
	}
	l.lock.Unlock()

	l.Stop()
	err := errors.Join(unix.Close(l.epfd), unix.Close(l.wakefd))
	if err != nil {
		return fmt.Errorf("closing event loop: %w", err)
	}
	return nil
}
