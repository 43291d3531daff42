// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package texreg

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

type notifications struct {
	mu         sync.Mutex
	registered map[int64]bool
	available  map[int64]int
	refuse     bool
}

func newNotifications() *notifications {
	return &notifications{registered: make(map[int64]bool), available: make(map[int64]int)}
}

func (n *notifications) RegisterExternalTexture(id int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.refuse {
		return errors.New("refused")
	}
	n.registered[id] = true
	return nil
}

func (n *notifications) MarkExternalTextureFrameAvailable(id int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.available[id]++
	return nil
}

func (n *notifications) UnregisterExternalTexture(id int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.registered, id)
	return nil
}

type counter struct {
	mu sync.Mutex
	n  map[string]int
}

func (c *counter) frame(name string) *Frame {
	return &Frame{Width: 4, Height: 4, Destroy: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.n == nil {
			c.n = make(map[string]int)
		}
		c.n[name]++
	}}
}

func (c *counter) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[name]
}

func TestDeferredDelete(t *testing.T) {
	n := newNotifications()
	r := New(n, 0)
	var c counter

	tex, err := r.NewTexture(c.frame("a"))
	if err != nil {
		t.Fatal(err)
	}
	if !n.registered[tex.ID()] || n.available[tex.ID()] != 1 {
		t.Fatalf("engine not told about the texture: %+v", n)
	}

	if err := tex.Push(c.frame("b"), true); err != nil {
		t.Fatal(err)
	}
	if c.get("a") != 0 || r.Deferred() != 1 {
		t.Fatalf("a destroyed %d times, %d deferred", c.get("a"), r.Deferred())
	}
	if err := tex.Push(c.frame("c"), false); err != nil {
		t.Fatal(err)
	}
	if c.get("b") != 1 {
		t.Errorf("b destroyed %d times on an immediate push", c.get("b"))
	}

	r.OnPageFlip()
	if c.get("a") != 1 || r.Deferred() != 0 {
		t.Errorf("a destroyed %d times after the flip", c.get("a"))
	}
	r.OnPageFlip()
	if c.get("a") != 1 {
		t.Error("deferred frame destroyed twice")
	}
	if n.available[tex.ID()] != 3 {
		t.Errorf("%d frame notifications", n.available[tex.ID()])
	}
}

func TestLimit(t *testing.T) {
	r := New(nil, 2)
	a, err := r.NewTexture(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.NewTexture(nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.NewTexture(nil); !errors.Is(err, ErrTooManyTextures) {
		t.Fatalf("third texture: %v", err)
	}
	if err := a.Remove(false); err != nil {
		t.Fatal(err)
	}
	if _, err := r.NewTexture(nil); err != nil {
		t.Errorf("texture after remove: %v", err)
	}
	if err := a.Remove(false); !errors.Is(err, ErrUnknownTexture) {
		t.Errorf("double remove: %v", err)
	}
	if err := a.Push(nil, false); !errors.Is(err, ErrUnknownTexture) {
		t.Errorf("push to removed texture: %v", err)
	}
}

func TestRegistrationRefused(t *testing.T) {
	n := newNotifications()
	n.refuse = true
	r := New(n, 0)
	if _, err := r.NewTexture(nil); err == nil {
		t.Fatal("expected an error")
	}
	if r.Len() != 0 {
		t.Errorf("refused texture left behind, %d live", r.Len())
	}
}

func TestFrameCallback(t *testing.T) {
	r := New(nil, 0)
	var c counter
	tex, err := r.NewTexture(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.OnExternalTextureFrameCallback(tex.ID(), 4, 4); err == nil {
		t.Error("frame callback succeeded without a frame")
	}
	f := c.frame("a")
	tex.Push(f, true)
	got, err := r.OnExternalTextureFrameCallback(tex.ID(), 4, 4)
	if err != nil || got != f {
		t.Errorf("frame callback = %v, %v", got, err)
	}
	if _, err := r.OnExternalTextureFrameCallback(999, 4, 4); !errors.Is(err, ErrUnknownTexture) {
		t.Errorf("unknown id: %v", err)
	}
}

// Pushing from producers while the compositor flips never loses or double frees a frame
func TestConcurrentPushFlip(t *testing.T) {
	r := New(nil, 0)
	tex, err := r.NewTexture(nil)
	if err != nil {
		t.Fatal(err)
	}
	var destroyed atomic.Int64
	const producers, frames = 8, 200

	var g errgroup.Group
	for range producers {
		g.Go(func() error {
			for range frames {
				f := &Frame{Destroy: func() { destroyed.Add(1) }}
				if err := tex.Push(f, true); err != nil {
					return err
				}
				r.OnExternalTextureFrameCallback(tex.ID(), 0, 0)
			}
			return nil
		})
	}
	g.Go(func() error {
		for range 100 {
			r.OnPageFlip()
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	r.OnPageFlip()
	if err := tex.Remove(false); err != nil {
		t.Fatal(err)
	}
	if n := destroyed.Load(); n != producers*frames {
		t.Errorf("%d of %d frames destroyed", n, producers*frames)
	}
}

func TestClose(t *testing.T) {
	r := New(nil, 0)
	var c counter
	tex, _ := r.NewTexture(c.frame("a"))
	tex.Push(c.frame("b"), true)
	r.Close()
	if c.get("a") != 1 || c.get("b") != 1 {
		t.Errorf("close destroyed a %d, b %d times", c.get("a"), c.get("b"))
	}
	if _, err := r.NewTexture(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("NewTexture after close: %v", err)
	}
}

func TestStatusOrdered(t *testing.T) {
	r := New(nil, 0)
	var c counter
	for range 3 {
		if _, err := r.NewTexture(nil); err != nil {
			t.Fatal(err)
		}
	}
	tex, _ := r.Lookup(1)
	tex.Push(c.frame("a"), false)
	st := r.Status()
	if len(st) != 3 {
		t.Fatalf("Expected 3 textures, got %d", len(st))
	}
	for i, s := range st {
		if s.ID != int64(i+1) {
			t.Errorf("Entry %d has id %d", i, s.ID)
		}
	}
	if st[0].Pushes != 1 || st[0].Width != 4 {
		t.Errorf("Expected one 4px wide push on texture 1, got %+v", st[0])
	}
}
