// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package testpattern is a stand-in for the rendering engine. It draws a
// moving pattern into backing stores on every vsync and presents it,
// optionally with a platform view fed from a software buffer
package testpattern

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/flutterkms/compositor"
	"github.com/mstarongithub/flutterkms/display"
	"github.com/mstarongithub/flutterkms/evloop"
	"github.com/mstarongithub/flutterkms/geom"
	"github.com/mstarongithub/flutterkms/renderer"
	"github.com/mstarongithub/flutterkms/surface"
	"github.com/mstarongithub/flutterkms/texreg"
)

// ViewID is the platform view id the pattern registers its view under
const ViewID int64 = 1

var ErrNotAttached = errors.New("pattern engine is not attached to a compositor")

var logger = logrus.WithField("component", "testpattern")

var palette = []color.RGBA{
	{R: 0xe4, G: 0x03, B: 0x03, A: 0xff},
	{R: 0xff, G: 0x8c, B: 0x00, A: 0xff},
	{R: 0xff, G: 0xed, B: 0x00, A: 0xff},
	{R: 0x00, G: 0x80, B: 0x26, A: 0xff},
	{R: 0x24, G: 0x40, B: 0x8e, A: 0xff},
	{R: 0x73, G: 0x29, B: 0x82, A: 0xff},
}

var background = color.RGBA{R: 0x10, G: 0x10, B: 0x18, A: 0xff}

type Config struct {
	// Moving bars drawn above the background, each in its own layer
	Layers int
	// Show a platform view in the lower right corner
	PlatformView bool
	// Frames are rendered on this loop
	Loop *evloop.Loop
}

type Engine struct {
	cfg  Config
	comp *compositor.Compositor

	running atomic.Bool
	baton   atomic.Uint64
	frames  atomic.Uint64

	mu       sync.Mutex
	view     *surface.PlatformView
	viewBufs [2]*display.Buffer
	texture  *texreg.Texture

	// Separate from mu, the registry calls back into the engine while mu is held
	texMu    sync.Mutex
	textures map[int64]int
}

var _ compositor.Engine = (*Engine)(nil)

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, textures: make(map[int64]int)}
}

// Attach binds the engine to the compositor it draws for. With a platform
// view configured, the view and its buffers are set up on the primary window
func (e *Engine) Attach(c *compositor.Compositor) error {
	e.comp = c
	if !e.cfg.PlatformView {
		return nil
	}
	w, err := c.Window(0)
	if err != nil {
		return err
	}
	width, height := w.Size()
	width, height = max(width/4, 1), max(height/4, 1)
	for i := range e.viewBufs {
		buf, err := w.Display().CreateBuffer(width, height, 0, w.Format(), display.FlagScanout)
		if err != nil {
			e.releaseView()
			return fmt.Errorf("platform view buffer: %w", err)
		}
		e.viewBufs[i] = buf
	}
	e.view = surface.NewPlatformView(c.Tracer(), ViewID)
	if err := c.RegisterPlatformView(ViewID, e.view); err != nil {
		e.releaseView()
		return err
	}
	// The view's frames double as the frames of an external texture
	e.texture, err = c.Textures().NewTexture(nil)
	if err != nil {
		logger.WithError(err).Warnln("Pattern runs without its external texture")
	}
	return nil
}

func (e *Engine) releaseView() {
	for i, buf := range e.viewBufs {
		if buf != nil {
			buf.Unref()
			e.viewBufs[i] = nil
		}
	}
	if e.view != nil {
		e.view.Unref()
		e.view = nil
	}
}

// Start kicks off the frame loop
func (e *Engine) Start() error {
	if e.comp == nil {
		return ErrNotAttached
	}
	if e.cfg.Loop == nil {
		return errors.New("pattern engine needs an event loop")
	}
	if e.running.Swap(true) {
		return nil
	}
	logger.WithField("layers", e.cfg.Layers).Infoln("Starting test pattern")
	e.requestVsync()
	return nil
}

// Stop ends the frame loop and drops the platform view
func (e *Engine) Stop() {
	if !e.running.Swap(false) {
		return
	}
	if e.comp == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.texture != nil {
		_ = e.texture.Remove(false)
		e.texture = nil
	}
	if e.view != nil {
		_ = e.comp.UnregisterPlatformView(ViewID)
		e.releaseView()
	}
}

func (e *Engine) Frames() uint64 { return e.frames.Load() }

func (e *Engine) requestVsync() {
	if res := e.comp.VsyncRequest(e.baton.Add(1)); res != compositor.Success {
		logger.WithField("result", res).Errorln("Vsync request refused")
	}
}

// OnVsync schedules the next frame for the vblank the reply names
func (e *Engine) OnVsync(baton uint64, vblankNS, nextVblankNS uint64) error {
	if !e.running.Load() {
		return nil
	}
	if baton != e.baton.Load() {
		return fmt.Errorf("stale vsync baton %d", baton)
	}
	var wait time.Duration
	if now := display.Now(); vblankNS > now {
		wait = time.Duration(vblankNS - now)
	}
	if wait == 0 {
		return e.cfg.Loop.Post(e.frame)
	}
	return e.cfg.Loop.PostDelayed(e.frame, time.Now().Add(wait))
}

func (e *Engine) RegisterExternalTexture(id int64) error {
	e.texMu.Lock()
	defer e.texMu.Unlock()
	e.textures[id] = 0
	return nil
}

func (e *Engine) MarkExternalTextureFrameAvailable(id int64) error {
	e.texMu.Lock()
	defer e.texMu.Unlock()
	if _, ok := e.textures[id]; !ok {
		return fmt.Errorf("texture %d not registered", id)
	}
	e.textures[id]++
	return nil
}

func (e *Engine) UnregisterExternalTexture(id int64) error {
	e.texMu.Lock()
	defer e.texMu.Unlock()
	delete(e.textures, id)
	return nil
}

// TextureFrames returns how many frames were announced for a texture
func (e *Engine) TextureFrames(id int64) int {
	e.texMu.Lock()
	defer e.texMu.Unlock()
	return e.textures[id]
}

func (e *Engine) frame() {
	if !e.running.Load() {
		return
	}
	n := e.frames.Add(1)
	w, err := e.comp.Window(0)
	if err != nil {
		logger.WithError(err).Errorln("No window to draw into")
		return
	}
	width, height := w.Size()

	var layers []compositor.EngineLayer
	var stores []*surface.BackingStore
	defer func() {
		for _, s := range stores {
			e.comp.CollectBackingStore(s)
		}
	}()
	for i := range e.cfg.Layers + 1 {
		s, res := e.comp.CreateBackingStore(0, width, height)
		if res != compositor.Success {
			logger.WithField("result", res).Errorln("Could not get a backing store")
			return
		}
		stores = append(stores, s)
		if err := drawLayer(s, i, n, width, height); err != nil {
			logger.WithError(err).WithField("layer", i).Warnln("Drawing pattern layer failed")
			continue
		}
		layers = append(layers, compositor.EngineLayer{
			Surface: s,
			Props:   geom.RectProps(geom.Rect{W: float64(width), H: float64(height)}),
		})
	}
	if l, ok := e.viewLayer(n, width, height); ok {
		layers = append(layers, l)
	}

	if !e.comp.PresentLayers(layers) {
		logger.WithField("frame", n).Debugln("Pattern frame dropped")
	}
	e.requestVsync()
}

// drawLayer draws the background for layer 0 and a moving bar for every other layer
func drawLayer(s *surface.BackingStore, layer int, frame uint64, width, height int) error {
	if err := s.Clear(); err != nil {
		return err
	}
	if layer == 0 {
		src := renderer.Source{Image: image.NewUniform(background), Rect: image.Rect(0, 0, 1, 1)}
		if err := s.Draw(src, geom.RectProps(geom.Rect{W: float64(width), H: float64(height)})); err != nil {
			return err
		}
		return s.Commit()
	}
	bar := max(width/16, 1)
	span := width + bar
	x := (int(frame)*4*layer + layer*span/7) % span
	col := palette[(layer-1)%len(palette)]
	src := renderer.Source{Image: image.NewUniform(col), Rect: image.Rect(0, 0, 1, 1)}
	rect := geom.Rect{X: float64(x - bar), W: float64(bar), H: float64(height)}
	if err := s.Draw(src, geom.RectProps(rect)); err != nil {
		return err
	}
	return s.Commit()
}

// viewLayer fills the next platform view buffer and hands it to the view
func (e *Engine) viewLayer(frame uint64, width, height int) (compositor.EngineLayer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.view == nil {
		return compositor.EngineLayer{}, false
	}
	buf := e.viewBufs[frame%2]
	img, err := buf.Image()
	if err != nil {
		logger.WithError(err).Warnln("Platform view buffer not mappable")
		return compositor.EngineLayer{}, false
	}
	col := palette[int(frame/30)%len(palette)]
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			img.Set(x, y, col)
		}
	}
	e.view.SetFrame(buf)

	if e.texture != nil {
		bw, bh := buf.Size()
		tf := &texreg.Frame{Buffer: buf.Ref(), Width: bw, Height: bh, Destroy: buf.Unref}
		if err := e.texture.Push(tf, true); err != nil {
			buf.Unref()
			logger.WithError(err).Debugln("Texture frame not pushed")
		}
	}

	vw, vh := buf.Size()
	rect := geom.Rect{X: float64(width - vw), Y: float64(height - vh), W: float64(vw), H: float64(vh)}
	return compositor.EngineLayer{PlatformViewID: ViewID, Props: geom.RectProps(rect)}, true
}
