// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cqueue

import "context"

// Pool hands out interchangeable resources (render contexts, scratch buffers).
// A resource is held by exactly one caller between Acquire and Release
type Pool[T any] struct {
	unused *Queue[T]
}

// NewPool creates a pool seeded with the given resources
func NewPool[T any](resources ...T) *Pool[T] {
	p := &Pool[T]{unused: New[T](len(resources))}
	for _, r := range resources {
		// Capacity equals len(resources), this never blocks
		_ = p.unused.TryEnqueue(r)
	}
	return p
}

// Acquire takes an unused resource, waiting for one to be released if none is free
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	if r, err := p.unused.TryDequeue(); err == nil {
		return r, nil
	}
	return p.unused.Dequeue(ctx)
}

// Release hands a resource back
func (p *Pool[T]) Release(r T) error {
	return p.unused.TryEnqueue(r)
}

// Free is the number of resources not currently held
func (p *Pool[T]) Free() int {
	return p.unused.Len()
}

// Close wakes everyone waiting in Acquire
func (p *Pool[T]) Close() {
	p.unused.Close()
}
