// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package surface

import (
	"sync"

	"github.com/mstarongithub/flutterkms/display"
	"github.com/mstarongithub/flutterkms/geom"
	"github.com/mstarongithub/flutterkms/renderer"
	"github.com/mstarongithub/flutterkms/tracer"
)

// BackingStore is a single render target the engine draws one layer into
type BackingStore struct {
	Base
	r      renderer.Renderer
	target *renderer.Target
	// Revision at the last Commit, 0 if never committed
	committed uint64
}

// NewBackingStore wraps target. recycle runs when the last reference is dropped;
// nil releases the target instead
func NewBackingStore(t *tracer.Tracer, r renderer.Renderer, target *renderer.Target, recycle func(*BackingStore)) *BackingStore {
	s := &BackingStore{r: r, target: target}
	s.init(KindBackingStore, t, func() {
		if recycle != nil {
			recycle(s)
			return
		}
		s.destroy()
	})
	return s
}

func (s *BackingStore) destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target != nil {
		s.target.Release()
		s.target = nil
	}
}

// revive makes a recycled store usable again
func (s *BackingStore) revive() {
	s.refs.Store(1)
	s.SetOwner(nil)
}

func (s *BackingStore) Target() *renderer.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

func (s *BackingStore) Renderer() renderer.Renderer { return s.r }

// Draw renders src into the store. Nothing is visible until Commit
func (s *BackingStore) Draw(src renderer.Source, props geom.Props) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == nil {
		return ErrNoContent
	}
	return s.r.Draw(s.target, src, props)
}

func (s *BackingStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == nil {
		return ErrNoContent
	}
	return s.r.Clear(s.target)
}

// Commit publishes everything drawn so far as a new revision
func (s *BackingStore) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == nil {
		return ErrNoContent
	}
	if err := s.r.Flush(s.target); err != nil {
		return err
	}
	s.committed = s.bump()
	return nil
}

func (s *BackingStore) buffer() *display.Buffer {
	if s.target == nil || s.committed == 0 {
		return nil
	}
	return s.target.Buffer
}

func (s *BackingStore) present(name string, props geom.Props, p display.Presenter) error {
	end := s.beginPresent(name)
	defer end()
	buf := s.buffer()
	if buf == nil {
		return ErrNoContent
	}
	return s.pushBuffer(p, buf, fullRect(buf), props, nil)
}

func (s *BackingStore) PresentKMS(props geom.Props, p display.Presenter) error {
	return s.present("backing store present kms", props, p)
}

func (s *BackingStore) PresentFbdev(props geom.Props, p display.Presenter) error {
	return s.present("backing store present fbdev", props, p)
}

func (s *BackingStore) Overlayable(props geom.Props, caps display.Caps) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return overlayable(s.buffer(), props, caps)
}

func (s *BackingStore) CompositeInto(r renderer.Renderer, t *renderer.Target, props geom.Props) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return composite(r, t, s.buffer(), props)
}

// BackingStorePool hands out backing stores of one size and takes them back
// once nothing references them anymore
type BackingStorePool struct {
	tracer    *tracer.Tracer
	r         renderer.Renderer
	newTarget func() (*renderer.Target, error)

	mu     sync.Mutex
	free   []*BackingStore
	closed bool
}

func NewBackingStorePool(t *tracer.Tracer, r renderer.Renderer, newTarget func() (*renderer.Target, error)) *BackingStorePool {
	return &BackingStorePool{tracer: t, r: r, newTarget: newTarget}
}

// Get returns a free store or allocates a new one. The caller owns the single reference
func (p *BackingStorePool) Get() (*BackingStore, error) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		s := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		s.revive()
		return s, nil
	}
	p.mu.Unlock()

	target, err := p.newTarget()
	if err != nil {
		return nil, err
	}
	return NewBackingStore(p.tracer, p.r, target, p.put), nil
}

func (p *BackingStorePool) put(s *BackingStore) {
	p.mu.Lock()
	if !p.closed {
		p.free = append(p.free, s)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	s.destroy()
}

// Free is the number of idle stores
func (p *BackingStorePool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Close destroys all idle stores. Stores still in use are destroyed when released
func (p *BackingStorePool) Close() {
	p.mu.Lock()
	free := p.free
	p.free = nil
	p.closed = true
	p.mu.Unlock()
	for _, s := range free {
		s.destroy()
	}
}
