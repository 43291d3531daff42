// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package texreg keeps track of external textures: frames produced outside
// the engine (video decoders, cameras) which the engine samples from by id.
//
// A frame replaced while it may still be in use by the GPU or the scanout
// hardware can be queued for deletion at the next page flip instead of being
// freed right away.
package texreg

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/flutterkms/common/ipc"
	"github.com/mstarongithub/flutterkms/display"
)

var (
	ErrTooManyTextures = errors.New("texture limit reached")
	ErrUnknownTexture  = errors.New("unknown texture id")
	ErrClosed          = errors.New("texture registry closed")
)

var logger = logrus.WithField("component", "texreg")

// Notifier is the part of the engine told about texture changes
type Notifier interface {
	RegisterExternalTexture(id int64) error
	MarkExternalTextureFrameAvailable(id int64) error
	UnregisterExternalTexture(id int64) error
}

// Frame is one image bound to a texture
type Frame struct {
	// Buffer for software rendering, nil for pure GL frames
	Buffer *display.Buffer
	// GL texture target, name and internal format
	Target uint32
	Name   uint32
	Format uint32

	Width, Height int
	// Destroy frees the frame, may be nil
	Destroy func()
}

func (f *Frame) destroy() {
	if f == nil {
		return
	}
	if f.Destroy != nil {
		f.Destroy()
	}
}

type Registry struct {
	notifier Notifier
	max      int

	mu       sync.Mutex
	nextID   int64
	textures map[int64]*Texture
	deferred []*Frame
	closed   bool
}

// New creates a registry allowing at most max live textures, 0 means no limit
func New(notifier Notifier, max int) *Registry {
	return &Registry{
		notifier: notifier,
		max:      max,
		nextID:   1,
		textures: make(map[int64]*Texture),
	}
}

// Texture is one engine visible texture id
type Texture struct {
	reg *Registry
	id  int64

	mu      sync.Mutex
	frame   *Frame
	pushes  uint64
	removed bool
}

// NewTexture allocates a texture id bound to initial, which may be nil
func (r *Registry) NewTexture(initial *Frame) (*Texture, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if r.max > 0 && len(r.textures) >= r.max {
		r.mu.Unlock()
		return nil, fmt.Errorf("%d textures: %w", r.max, ErrTooManyTextures)
	}
	t := &Texture{reg: r, id: r.nextID, frame: initial}
	r.nextID++
	r.textures[t.id] = t
	r.mu.Unlock()

	if r.notifier != nil {
		if err := r.notifier.RegisterExternalTexture(t.id); err != nil {
			r.mu.Lock()
			delete(r.textures, t.id)
			r.mu.Unlock()
			return nil, fmt.Errorf("registering texture %d with the engine: %w", t.id, err)
		}
		if initial != nil {
			r.markAvailable(t.id)
		}
	}
	return t, nil
}

func (r *Registry) markAvailable(id int64) {
	if err := r.notifier.MarkExternalTextureFrameAvailable(id); err != nil {
		logger.WithError(err).WithField("texture", id).Warnln("Engine refused new frame notification")
	}
}

// release frees f now or queues it for the next page flip
func (r *Registry) release(f *Frame, delay bool) {
	if f == nil {
		return
	}
	if delay {
		r.mu.Lock()
		if !r.closed {
			r.deferred = append(r.deferred, f)
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
	}
	f.destroy()
}

func (t *Texture) ID() int64 { return t.id }

// Push binds frame to the texture and tells the engine a new frame is available.
// The previous frame is freed now, or at the next page flip if delayDelete is set
func (t *Texture) Push(frame *Frame, delayDelete bool) error {
	t.mu.Lock()
	if t.removed {
		t.mu.Unlock()
		return fmt.Errorf("texture %d: %w", t.id, ErrUnknownTexture)
	}
	old := t.frame
	t.frame = frame
	t.pushes++
	t.mu.Unlock()

	t.reg.release(old, delayDelete)
	if t.reg.notifier != nil {
		t.reg.markAvailable(t.id)
	}
	return nil
}

// Frame returns the bound frame without transferring ownership
func (t *Texture) Frame() *Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frame
}

// Pushes counts the frames pushed so far
func (t *Texture) Pushes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pushes
}

// Remove unregisters the texture from the engine and frees its frame
func (t *Texture) Remove(delayDelete bool) error {
	t.mu.Lock()
	if t.removed {
		t.mu.Unlock()
		return fmt.Errorf("texture %d: %w", t.id, ErrUnknownTexture)
	}
	t.removed = true
	frame := t.frame
	t.frame = nil
	t.mu.Unlock()

	r := t.reg
	r.mu.Lock()
	delete(r.textures, t.id)
	r.mu.Unlock()

	var err error
	if r.notifier != nil {
		err = r.notifier.UnregisterExternalTexture(t.id)
	}
	r.release(frame, delayDelete)
	return err
}

// OnPageFlip frees every frame queued for deletion. Called once per completed frame
func (r *Registry) OnPageFlip() {
	r.mu.Lock()
	frames := r.deferred
	r.deferred = nil
	r.mu.Unlock()
	for _, f := range frames {
		f.destroy()
	}
}

// OnExternalTextureFrameCallback resolves the frame the renderer should sample
// for texture id. Safe to call from any thread while the compositor presents
func (r *Registry) OnExternalTextureFrameCallback(id int64, width, height int) (*Frame, error) {
	r.mu.Lock()
	t, ok := r.textures[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("texture %d: %w", id, ErrUnknownTexture)
	}
	f := t.Frame()
	if f == nil {
		return nil, fmt.Errorf("texture %d has no frame yet", id)
	}
	if f.Width != 0 && (f.Width != width || f.Height != height) {
		logger.WithFields(logrus.Fields{
			"texture":   id,
			"frame":     fmt.Sprintf("%dx%d", f.Width, f.Height),
			"requested": fmt.Sprintf("%dx%d", width, height),
		}).Debugln("External texture size differs from the requested size")
	}
	return f, nil
}

// Lookup returns the texture with the given id
func (r *Registry) Lookup(id int64) (*Texture, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.textures[id]
	return t, ok
}

// Len is the number of live textures
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.textures)
}

// Status lists the live textures ordered by id
func (r *Registry) Status() []ipc.TextureStatus {
	r.mu.Lock()
	textures := make([]*Texture, 0, len(r.textures))
	for _, t := range r.textures {
		textures = append(textures, t)
	}
	r.mu.Unlock()
	slices.SortFunc(textures, func(a, b *Texture) int { return cmp.Compare(a.id, b.id) })

	out := make([]ipc.TextureStatus, 0, len(textures))
	for _, t := range textures {
		st := ipc.TextureStatus{ID: t.id, Pushes: t.Pushes()}
		if f := t.Frame(); f != nil {
			st.Width, st.Height = f.Width, f.Height
		}
		out = append(out, st)
	}
	return out
}

// Deferred is the number of frames waiting for the next page flip
func (r *Registry) Deferred() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deferred)
}

// Close frees all frames, including deferred ones. Textures are not unregistered
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	frames := r.deferred
	r.deferred = nil
	textures := r.textures
	r.textures = make(map[int64]*Texture)
	r.mu.Unlock()

	for _, t := range textures {
		t.mu.Lock()
		t.removed = true
		frames = append(frames, t.frame)
		t.frame = nil
		t.mu.Unlock()
	}
	for _, f := range frames {
		f.destroy()
	}
}
