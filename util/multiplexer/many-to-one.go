// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package multiplexer

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("multiplexer has been closed")

// A many to one multiplexer
// Many goroutines report into one receiving channel. Sending after Close is
// reported as ErrClosed instead of panicking on the closed channel
type ManyToOne[T any] struct {
	outbound  chan T
	done      chan struct{}
	lock      sync.RWMutex
	closeOnce sync.Once
	closed    bool
}

// NewManyToOne creates a new ManyToOne multiplexer
// The given channel will be where all messages will be sent to
func NewManyToOne[T any](receiver chan T) *ManyToOne[T] {
	return &ManyToOne[T]{
		outbound: receiver,
		done:     make(chan struct{}),
	}
}

// Receiver returns the channel all messages end up in
func (m *ManyToOne[T]) Receiver() <-chan T {
	return m.outbound
}

// Send a message to this many to one plexer
// Blocks until the receiver takes the message or the plexer gets closed
func (m *ManyToOne[T]) Send(msg T) error {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.outbound <- msg:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// TrySend is Send without blocking. Returns false if the message was dropped
func (m *ManyToOne[T]) TrySend(msg T) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.closed {
		return false
	}
	select {
	case m.outbound <- msg:
		return true
	default:
		return false
	}
}

// Closes the channel and marks the plexer as closed
// Safe to call more than once
func (m *ManyToOne[T]) Close() {
	m.closeOnce.Do(func() {
		// Unblock pending senders first so they drop their read lock
		close(m.done)
		m.lock.Lock()
		m.closed = true
		close(m.outbound)
		m.lock.Unlock()
	})
}
