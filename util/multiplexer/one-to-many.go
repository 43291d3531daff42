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

// OneToMany copies every message sent into it to all named receivers
type OneToMany[T any] struct {
	inbound   chan T
	outbound  map[string]chan T // Use map here to give names to outbound channels
	bufSize   int
	lock      sync.Mutex
	closeChan chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}
	closed    bool
}

// NewOneToMany creates a fan-out plexer. Receivers get a buffer of bufSize messages
func NewOneToMany[T any](bufSize int) *OneToMany[T] {
	return &OneToMany[T]{
		inbound:   make(chan T),
		outbound:  make(map[string]chan T),
		bufSize:   bufSize,
		closeChan: make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Get the channel to send things into
func (o *OneToMany[T]) GetSender() chan<- T {
	return o.inbound
}

// Send pushes one message to all receivers. Returns ErrClosed once the sender got closed
func (o *OneToMany[T]) Send(msg T) error {
	select {
	case o.inbound <- msg:
		return nil
	case <-o.closeChan:
		return ErrClosed
	}
}

// Create a new receiver for the multiplexer to send messages to.
// Please do not close this manually, instead use the CloseReceiver func
func (o *OneToMany[T]) MakeReceiver(name string) (<-chan T, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	if _, ok := o.outbound[name]; ok {
		return nil, errors.New("receiver with that name already exists")
	}
	rec := make(chan T, o.bufSize)
	o.outbound[name] = rec
	return rec, nil
}

// Closes a receiver channel with the given name and removes it from the multiplexer
func (o *OneToMany[T]) CloseReceiver(name string) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if val, ok := o.outbound[name]; ok {
		close(val)
		delete(o.outbound, name)
	}
}

// Start this one to many multiplexer
// intended to run as a goroutine (`go plexer.StartPlexer()`), returns after CloseSender
func (o *OneToMany[T]) StartPlexer() {
	defer close(o.stopped)
	for {
		select {
		// Message gotten from inbound channel
		case msg := <-o.inbound:
			o.lock.Lock()
			for _, c := range o.outbound {
				select {
				case c <- msg:
				case <-o.closeChan:
				}
			}
			o.lock.Unlock()
		// Told to close the plexer including sender
		case <-o.closeChan:
			o.lock.Lock()
			// No need to send any signal there as readers will just stop
			for name, c := range o.outbound {
				close(c)
				delete(o.outbound, name)
			}
			o.closed = true
			o.lock.Unlock()
			return
		}
	}
}

// Close the sender and all receiver channels, mark the plexer as closed and stop the distribution goroutine
// Blocks until the distribution goroutine has exited
func (o *OneToMany[T]) CloseSender() {
	o.closeOnce.Do(func() {
		close(o.closeChan)
	})
	<-o.stopped
}
