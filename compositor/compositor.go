// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package compositor turns the layers the engine hands over into presenter
// commits. Layers go onto hardware planes where the presenter allows it and
// are composited into a fallback buffer otherwise, always in engine order.
package compositor

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/flutterkms/common/ipc"
	"github.com/mstarongithub/flutterkms/composition"
	"github.com/mstarongithub/flutterkms/geom"
	"github.com/mstarongithub/flutterkms/pixfmt"
	"github.com/mstarongithub/flutterkms/surface"
	"github.com/mstarongithub/flutterkms/texreg"
	"github.com/mstarongithub/flutterkms/tracer"
	"github.com/mstarongithub/flutterkms/util"
	"github.com/mstarongithub/flutterkms/vsync"
)

var (
	ErrNoWindow      = errors.New("no window for view")
	ErrViewExists    = errors.New("platform view id already registered")
	ErrUnknownView   = errors.New("unknown platform view id")
	ErrClosed        = errors.New("compositor closed")
	ErrPresentFailed = errors.New("frame could not be presented")
)

var logger = logrus.WithField("component", "compositor")

// Result is what the engine facing callbacks return
type Result int

const (
	Success Result = iota
	InvalidArguments
	InternalInconsistency
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case InvalidArguments:
		return "invalid arguments"
	case InternalInconsistency:
		return "internal inconsistency"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Engine is the embedder side of the rendering engine
type Engine interface {
	OnVsync(baton uint64, vblankNS, nextVblankNS uint64) error
	RegisterExternalTexture(id int64) error
	MarkExternalTextureFrameAvailable(id int64) error
	UnregisterExternalTexture(id int64) error
}

// EngineLayer is one layer of a frame as the engine describes it.
// Surface is a backing store or render surface; when nil the layer shows
// the platform view registered under PlatformViewID
type EngineLayer struct {
	Surface        surface.Surface
	PlatformViewID int64
	Props          geom.Props
}

// Callbacks is the table handed to the engine
type Callbacks struct {
	CreateBackingStore   func(viewID int64, width, height int) (*surface.BackingStore, Result)
	CollectBackingStore  func(store *surface.BackingStore) Result
	PresentLayers        func(layers []EngineLayer) bool
	PresentView          func(viewID int64, layers []EngineLayer) bool
	FrameBegin           func(begin vsync.FrameBegin) Result
	VsyncRequest         func(baton uint64) Result
	ExternalTextureFrame func(id int64, width, height int) (*texreg.Frame, Result)
}

type Config struct {
	Engine Engine
	Tracer *tracer.Tracer
	// Limit of live external textures, 0 means unlimited
	MaxTextures int
}

type Compositor struct {
	engine   Engine
	tracer   *tracer.Tracer
	textures *texreg.Registry

	// Serializes presents, which run on the display affine thread only
	presentMu sync.Mutex

	mu      sync.Mutex
	windows []*Window
	views   map[int64]surface.Surface
	nextID  int64
	closed  bool
}

func New(cfg Config) *Compositor {
	c := &Compositor{
		engine: cfg.Engine,
		tracer: cfg.Tracer,
		views:  make(map[int64]surface.Surface),
	}
	var notifier texreg.Notifier
	if cfg.Engine != nil {
		notifier = cfg.Engine
	}
	c.textures = texreg.New(notifier, cfg.MaxTextures)
	return c
}

func (c *Compositor) Tracer() *tracer.Tracer { return c.tracer }

func (c *Compositor) Textures() *texreg.Registry { return c.textures }

// AddWindow creates a window on cfg.Display and attaches it
func (c *Compositor) AddWindow(cfg WindowConfig) (*Window, error) {
	w, err := NewWindow(c, cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Attach(w); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// Attach gives w the next view id and makes it presentable. The first
// window gets view id 0 and is the one the engine's implicit view and vsync
// requests refer to
func (c *Compositor) Attach(w *Window) error {
	util.Assert(w.c == c, "window attached to a compositor it wasn't created for")
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	w.id = c.nextID
	c.nextID++
	c.windows = append(c.windows, w)
	c.mu.Unlock()
	logger.WithFields(logrus.Fields{
		"view":    w.id,
		"display": w.d.Name(),
	}).Infoln("Window added")
	return nil
}

// Window returns the window of a view id
func (c *Compositor) Window(viewID int64) (*Window, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.windows {
		if w.id == viewID {
			return w, nil
		}
	}
	return nil, fmt.Errorf("view %d: %w", viewID, ErrNoWindow)
}

func (c *Compositor) Windows() []*Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.windows)
}

func (c *Compositor) primary() (*Window, error) {
	return c.Window(0)
}

// RegisterPlatformView makes s available to engine layers under id.
// The compositor keeps a reference until the view is unregistered
func (c *Compositor) RegisterPlatformView(id int64, s surface.Surface) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.views[id]; ok {
		return fmt.Errorf("view %d: %w", id, ErrViewExists)
	}
	s.Ref()
	c.views[id] = s
	if o, ok := s.(interface{ SetOwner(any) }); ok {
		o.SetOwner(c)
	}
	return nil
}

func (c *Compositor) UnregisterPlatformView(id int64) error {
	c.mu.Lock()
	s, ok := c.views[id]
	delete(c.views, id)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("view %d: %w", id, ErrUnknownView)
	}
	if o, ok := s.(interface{ SetOwner(any) }); ok {
		o.SetOwner(nil)
	}
	s.Unref()
	return nil
}

// platformView returns the view registered under id with a reference taken for the caller
func (c *Compositor) platformView(id int64) (surface.Surface, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.views[id]
	if ok {
		s.Ref()
	}
	return s, ok
}

// compose resolves engine layers into a composition. Unknown platform views are skipped
func (c *Compositor) compose(layers []EngineLayer) *composition.Composition {
	resolved := make([]composition.Layer, 0, len(layers))
	var views []surface.Surface
	defer func() {
		for _, v := range views {
			v.Unref()
		}
	}()
	for i, l := range layers {
		s := l.Surface
		if s == nil {
			view, ok := c.platformView(l.PlatformViewID)
			if !ok {
				logger.WithFields(logrus.Fields{
					"layer": i,
					"view":  l.PlatformViewID,
				}).Warnln("Skipping layer with unknown platform view")
				continue
			}
			views = append(views, view)
			s = view
		}
		resolved = append(resolved, composition.Layer{Surface: s, Props: l.Props})
	}
	return composition.New(resolved)
}

// PresentView shows layers on the window of viewID. Reports whether the frame made it to the display
func (c *Compositor) PresentView(viewID int64, layers []EngineLayer) bool {
	w, err := c.Window(viewID)
	if err != nil {
		logger.WithError(err).Warnln("Present for unknown view")
		return false
	}
	comp := c.compose(layers)
	defer comp.Unref()

	c.presentMu.Lock()
	defer c.presentMu.Unlock()
	if err := w.Present(comp); err != nil {
		logger.WithError(err).WithField("view", viewID).Warnln("Frame not presented")
		return false
	}
	return true
}

// PresentLayers presents on the implicit view
func (c *Compositor) PresentLayers(layers []EngineLayer) bool {
	return c.PresentView(0, layers)
}

// RequestFrame calls begin once the implicit view is ready for the next frame
func (c *Compositor) RequestFrame(begin vsync.FrameBegin) Result {
	if begin == nil {
		return InvalidArguments
	}
	w, err := c.primary()
	if err != nil {
		return InternalInconsistency
	}
	w.vsync.RequestFrame(begin)
	return Success
}

// VsyncRequest answers an engine vsync request through Engine.OnVsync
func (c *Compositor) VsyncRequest(baton uint64) Result {
	w, err := c.primary()
	if err != nil {
		return InternalInconsistency
	}
	w.vsync.OnFlVsyncRequest(baton)
	return Success
}

func (c *Compositor) replyVsync(baton, vblankNS, nextVblankNS uint64) {
	if c.engine == nil {
		return
	}
	if err := c.engine.OnVsync(baton, vblankNS, nextVblankNS); err != nil {
		logger.WithError(err).Warnln("Engine rejected vsync reply")
	}
}

func (c *Compositor) CreateBackingStore(viewID int64, width, height int) (*surface.BackingStore, Result) {
	if width <= 0 || height <= 0 || width > pixfmt.MaxDimension || height > pixfmt.MaxDimension {
		return nil, InvalidArguments
	}
	w, err := c.Window(viewID)
	if err != nil {
		return nil, InvalidArguments
	}
	s, err := w.CreateBackingStore(width, height)
	if err != nil {
		logger.WithError(err).Errorln("Creating backing store failed")
		return nil, InternalInconsistency
	}
	s.SetOwner(c)
	return s, Success
}

// CollectBackingStore drops the engine's reference. Stores still scanned out
// return to their pool after their release
func (c *Compositor) CollectBackingStore(s *surface.BackingStore) Result {
	if s == nil {
		return InvalidArguments
	}
	s.Unref()
	return Success
}

func (c *Compositor) ExternalTextureFrame(id int64, width, height int) (*texreg.Frame, Result) {
	f, err := c.textures.OnExternalTextureFrameCallback(id, width, height)
	if err != nil {
		if errors.Is(err, texreg.ErrUnknownTexture) {
			return nil, InvalidArguments
		}
		return nil, InternalInconsistency
	}
	return f, Success
}

func (c *Compositor) Callbacks() Callbacks {
	return Callbacks{
		CreateBackingStore:   c.CreateBackingStore,
		CollectBackingStore:  c.CollectBackingStore,
		PresentLayers:        c.PresentLayers,
		PresentView:          c.PresentView,
		FrameBegin:           c.RequestFrame,
		VsyncRequest:         c.VsyncRequest,
		ExternalTextureFrame: c.ExternalTextureFrame,
	}
}

func (c *Compositor) Status() ipc.CompositorStatus {
	c.mu.Lock()
	windows := slices.Clone(c.windows)
	views := make([]int64, 0, len(c.views))
	for id := range c.views {
		views = append(views, id)
	}
	c.mu.Unlock()
	slices.Sort(views)

	st := ipc.CompositorStatus{
		PlatformViews:  views,
		Textures:       c.textures.Len(),
		DeferredFrames: c.textures.Deferred(),
	}
	for _, w := range windows {
		st.Windows = append(st.Windows, w.Status())
	}
	return st
}

// Close tears down all windows and drops every platform view
func (c *Compositor) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	windows := c.windows
	c.windows = nil
	views := c.views
	c.views = make(map[int64]surface.Surface)
	c.mu.Unlock()

	c.presentMu.Lock()
	for _, w := range windows {
		w.Close()
	}
	c.presentMu.Unlock()
	for _, s := range views {
		s.Unref()
	}
	c.textures.Close()
}
