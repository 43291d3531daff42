// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cqueue implements a bounded multi-producer multi-consumer queue
// used for handing work and resources between goroutines.
//
// Enqueue blocks while the queue is full, Dequeue blocks while it is empty.
// Both can be abandoned through their context or by closing the queue.
// Items come out in the order they were accepted.
package cqueue

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrClosed = errors.New("queue closed")
	ErrFull   = errors.New("queue full")
	ErrEmpty  = errors.New("queue empty")
)

// Queue is a bounded FIFO safe for concurrent use
type Queue[T any] struct {
	items chan T
	done  chan struct{}

	// mu orders every accepted send against Close
	mu     sync.Mutex
	closed bool
	// space is closed and replaced each time an item is taken
	space chan struct{}
}

// New creates a queue holding at most capacity items. Capacity must be positive
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items: make(chan T, capacity),
		done:  make(chan struct{}),
		space: make(chan struct{}),
	}
}

// Enqueue appends v, waiting for space if the queue is full
func (q *Queue[T]) Enqueue(ctx context.Context, v T) error {
	for {
		accepted, space, err := q.offer(v)
		if accepted || err != nil {
			return err
		}
		select {
		case <-space:
		case <-q.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryEnqueue appends v or fails with ErrFull without waiting
func (q *Queue[T]) TryEnqueue(v T) error {
	accepted, _, err := q.offer(v)
	if err != nil {
		return err
	}
	if !accepted {
		return ErrFull
	}
	return nil
}

// offer sends v without blocking. When the queue is full it hands back the
// channel that gets closed once an item is taken
func (q *Queue[T]) offer(v T) (bool, chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, nil, ErrClosed
	}
	select {
	case q.items <- v:
		return true, nil, nil
	default:
		return false, q.space, nil
	}
}

// taken wakes producers waiting for space
func (q *Queue[T]) taken() {
	q.mu.Lock()
	close(q.space)
	q.space = make(chan struct{})
	q.mu.Unlock()
}

// Dequeue removes the oldest item, waiting for one if the queue is empty.
// Items still buffered when the queue gets closed can be drained
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-q.items:
		q.taken()
		return v, nil
	default:
	}
	select {
	case v := <-q.items:
		q.taken()
		return v, nil
	case <-q.done:
		// Prefer buffered items over the close signal
		select {
		case v := <-q.items:
			q.taken()
			return v, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryDequeue removes the oldest item without waiting
func (q *Queue[T]) TryDequeue() (T, error) {
	var zero T
	select {
	case v := <-q.items:
		q.taken()
		return v, nil
	default:
	}
	select {
	case <-q.done:
		return zero, ErrClosed
	default:
		return zero, ErrEmpty
	}
}

// Len is the number of buffered items
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap is the queue capacity
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}

// Close wakes every blocked caller. Further enqueues fail, buffered items can still be dequeued
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

// Closed reports whether Close was called
func (q *Queue[T]) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}
