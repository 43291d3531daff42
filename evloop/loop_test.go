// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package evloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// runLoop starts a loop on its own goroutine. The returned stop func is idempotent
func runLoop(t *testing.T) (*Loop, func() error) {
	t.Helper()
	loop, err := New()
	if err != nil {
		t.Fatalf("Creating loop failed: %s", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-done:
			case <-time.After(time.Second):
				runErr = errors.New("loop did not stop")
			}
			loop.Close()
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return loop, stop
}

func TestPostedTasksRunInOrder(t *testing.T) {
	loop, _ := runLoop(t)
	results := make(chan int, 10)
	for i := range 10 {
		if err := loop.Post(func() { results <- i }); err != nil {
			t.Fatal(err)
		}
	}
	for want := range 10 {
		select {
		case got := <-results:
			if got != want {
				t.Fatalf("Expected task %d, got %d", want, got)
			}
		case <-time.After(time.Second):
			t.Fatal("Timed out waiting for posted task")
		}
	}
}

func TestDelayedTasksRunByTarget(t *testing.T) {
	loop, _ := runLoop(t)
	results := make(chan string, 3)
	now := time.Now()
	_ = loop.PostDelayed(func() { results <- "late" }, now.Add(30*time.Millisecond))
	_ = loop.PostDelayed(func() { results <- "early" }, now.Add(10*time.Millisecond))
	_ = loop.PostDelayed(func() { results <- "past" }, now.Add(-time.Second))

	for _, want := range []string{"past", "early", "late"} {
		select {
		case got := <-results:
			if got != want {
				t.Errorf("Expected %s, got %s", want, got)
			}
		case <-time.After(time.Second):
			t.Fatal("Timed out waiting for delayed task")
		}
	}
	if time.Since(now) < 30*time.Millisecond {
		t.Error("Delayed task ran before its target")
	}
}

func TestIOSourceDispatchAndDestroy(t *testing.T) {
	loop, _ := runLoop(t)
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	readable := make(chan int, 8)
	src, err := loop.AddIOSource(fds[0], Readable, func(fd int, ev Events) error {
		buf := make([]byte, 16)
		n, _ := unix.Read(fd, buf)
		readable <- n
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := loop.AddIOSource(fds[0], Readable, nil); err == nil {
		t.Error("Registering the same fd twice should fail")
	}

	_, _ = unix.Write(fds[1], []byte("ping"))
	select {
	case n := <-readable:
		if n != 4 {
			t.Errorf("Expected 4 bytes, read %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for readiness callback")
	}

	if err := src.Destroy(); err != nil {
		t.Fatal(err)
	}
	_, _ = unix.Write(fds[1], []byte("pong"))
	select {
	case <-readable:
		t.Error("Destroyed source was dispatched")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	_, stop := runLoop(t)
	if err := stop(); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestPostAfterClose(t *testing.T) {
	loop, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if err := loop.Close(); err != nil {
		t.Fatal(err)
	}
	if err := loop.Post(func() {}); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
