// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package compositor

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/flutterkms/common/ipc"
	"github.com/mstarongithub/flutterkms/composition"
	"github.com/mstarongithub/flutterkms/display"
	"github.com/mstarongithub/flutterkms/geom"
	"github.com/mstarongithub/flutterkms/pixfmt"
	"github.com/mstarongithub/flutterkms/renderer"
	"github.com/mstarongithub/flutterkms/surface"
	"github.com/mstarongithub/flutterkms/util"
	"github.com/mstarongithub/flutterkms/vsync"
)

type WindowConfig struct {
	Display           display.Display
	Renderer          renderer.Renderer
	Mode              vsync.PresentMode
	UsesFrameRequests bool
	// Format of the render surface, picked from the display's formats if Invalid
	Format pixfmt.Format
}

// frame is one flushed composition waiting for its flip
type frame struct {
	comp *composition.Composition
	// Begun through the vsync waiter, so its flip frees a slot
	paced bool
	// Nothing was pushed, the previous composition stays on screen
	empty bool
}

// Window binds the compositor to one display
type Window struct {
	id     int64
	c      *Compositor
	d      display.Display
	r      renderer.Renderer
	format pixfmt.Format
	// Format of backing stores and fallback targets, has alpha where possible
	storeFormat   pixfmt.Format
	width, height int
	area          geom.Rect

	swapchain *surface.RenderSurface
	stores    *surface.BackingStorePool
	fallback  *surface.BackingStorePool
	vsync     *vsync.Waiter

	mu      sync.Mutex
	pending []*frame
	current *composition.Composition
	closed  bool

	presented, failed, retried, flips atomic.Uint64
	overlays, composited          atomic.Int32
}

// pickFormats chooses an opaque format for the render surface and an alpha format for layers
func pickFormats(d display.Display, want pixfmt.Format) (pixfmt.Format, pixfmt.Format, error) {
	formats := slices.DeleteFunc(slices.Clone(d.Formats()), func(f pixfmt.Format) bool { return !f.Mappable() })
	if len(formats) == 0 {
		return pixfmt.Invalid, pixfmt.Invalid, fmt.Errorf("%s has no software mappable format: %w", d.Name(), display.ErrUnsupportedFormat)
	}
	format := want
	if format == pixfmt.Invalid {
		format = formats[0]
		if slices.Contains(formats, pixfmt.XRGB8888) {
			format = pixfmt.XRGB8888
		}
	} else if !slices.Contains(formats, format) {
		return pixfmt.Invalid, pixfmt.Invalid, fmt.Errorf("%s on %s: %w", format, d.Name(), display.ErrUnsupportedFormat)
	}
	alpha := format
	for _, f := range []pixfmt.Format{pixfmt.ARGB8888, pixfmt.ABGR8888} {
		if slices.Contains(formats, f) {
			alpha = f
			break
		}
	}
	return format, alpha, nil
}

// NewWindow sets up a window for c on cfg.Display. It has no view id and
// can't be presented to until it is attached with Compositor.Attach
func NewWindow(c *Compositor, cfg WindowConfig) (*Window, error) {
	if cfg.Display == nil || cfg.Renderer == nil {
		return nil, errors.New("window needs a display and a renderer")
	}
	d, r := cfg.Display, cfg.Renderer
	format, storeFormat, err := pickFormats(d, cfg.Format)
	if err != nil {
		return nil, err
	}
	width, height := d.Size()
	w := &Window{
		id:          -1,
		c:           c,
		d:           d,
		r:           r,
		format:      format,
		storeFormat: storeFormat,
		width:       width,
		height:      height,
		area:        geom.Rect{W: float64(width), H: float64(height)},
	}
	w.vsync = vsync.New(vsync.Config{
		Mode:              cfg.Mode,
		UsesFrameRequests: cfg.UsesFrameRequests,
		RefreshHz:         d.RefreshRate(),
		Reply:             c.replyVsync,
	})
	w.swapchain, err = surface.NewRenderSurface(c.tracer, r, d, width, height, format, cfg.Mode.Buffers())
	if err != nil {
		return nil, fmt.Errorf("creating render surface for %s: %w", d.Name(), err)
	}
	w.swapchain.SetOwner(c)
	newTarget := func() (*renderer.Target, error) {
		return r.NewTarget(d, width, height, storeFormat)
	}
	w.stores = surface.NewBackingStorePool(c.tracer, r, newTarget)
	w.fallback = surface.NewBackingStorePool(c.tracer, r, newTarget)
	return w, nil
}

func (w *Window) ID() int64 { return w.id }

func (w *Window) Display() display.Display { return w.d }

func (w *Window) Renderer() renderer.Renderer { return w.r }

func (w *Window) Size() (int, int) { return w.width, w.height }

func (w *Window) Area() geom.Rect { return w.area }

// Format of the swapchain, opaque where the display allows it
func (w *Window) Format() pixfmt.Format { return w.format }

// RenderSurface is the swapchain the engine may draw the root layer into
func (w *Window) RenderSurface() *surface.RenderSurface { return w.swapchain }

func (w *Window) Vsync() *vsync.Waiter { return w.vsync }

// SetMode changes the pacing. The swapchain keeps the length it was created with
func (w *Window) SetMode(mode vsync.PresentMode) {
	w.vsync.SetMode(mode)
}

// CreateBackingStore hands out a store for the engine. Stores of window size are pooled
func (w *Window) CreateBackingStore(width, height int) (*surface.BackingStore, error) {
	if width == w.width && height == w.height {
		return w.stores.Get()
	}
	target, err := w.r.NewTarget(w.d, width, height, w.storeFormat)
	if err != nil {
		return nil, err
	}
	return surface.NewBackingStore(w.c.tracer, w.r, target, nil), nil
}

// Present shows comp. A rejected commit is retried once with the offending
// layer composited, or all layers if the offender is unknown
func (w *Window) Present(comp *composition.Composition) error {
	end := w.c.tracer.Begin("window present")
	defer end()

	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}

	paced := w.vsync.OnPresented()
	layers := comp.Layers()
	demoted := make(map[int]bool)
	all := false
	var err error
	for attempt := range 2 {
		var steps []step
		steps, err = w.presentOnce(comp, layers, paced, func(i int) bool { return all || demoted[i] })
		if err == nil {
			if attempt > 0 {
				w.retried.Add(1)
			}
			w.presented.Add(1)
			return nil
		}
		if !errors.Is(err, display.ErrCommitRejected) {
			break
		}
		zpos, ok := display.RejectedZpos(err)
		if ok && zpos >= 0 && zpos < len(steps) && steps[zpos].overlay {
			demoted[steps[zpos].layers[0]] = true
		} else {
			all = true
		}
		logger.WithError(err).WithFields(logrus.Fields{
			"view":    w.id,
			"zpos":    zpos,
			"attempt": attempt,
		}).Debugln("Commit rejected, falling back to compositing")
	}

	w.failed.Add(1)
	if paced {
		// Nothing of this frame is held by the display
		w.vsync.OnFbReleased()
	}
	return fmt.Errorf("%w: %w", ErrPresentFailed, err)
}

func (w *Window) presentSurface(s surface.Surface, props geom.Props, p display.Presenter, caps display.Caps) error {
	if caps.Software {
		return s.PresentFbdev(props, p)
	}
	return s.PresentKMS(props, p)
}

// Surfaces holding foreign buffers that must be imported before they can be drawn
type importer interface {
	ImportFor(d display.Display) error
}

// composite draws the given layers into a fallback store, which the caller owns
func (w *Window) composite(layers []composition.Layer, idx []int) (*surface.BackingStore, error) {
	end := w.c.tracer.Begin("composite layers")
	defer end()
	store, err := w.fallback.Get()
	if err != nil {
		return nil, fmt.Errorf("fallback target: %w", err)
	}
	if err := store.Clear(); err != nil {
		store.Unref()
		return nil, err
	}
	target := store.Target()
	for _, i := range idx {
		l := layers[i]
		if im, ok := l.Surface.(importer); ok {
			if err := im.ImportFor(w.d); err != nil {
				logger.WithError(err).WithField("layer", i).Warnln("Layer can't be imported for compositing, dropping it")
				continue
			}
		}
		if err := l.Surface.CompositeInto(w.r, target, l.Props); err != nil && !errors.Is(err, surface.ErrNoContent) {
			logger.WithError(err).WithField("layer", i).Warnln("Compositing layer failed, skipping it")
		}
	}
	if err := store.Commit(); err != nil {
		store.Unref()
		return nil, err
	}
	return store, nil
}

func (w *Window) presentOnce(comp *composition.Composition, layers []composition.Layer, paced bool, demoted func(int) bool) ([]step, error) {
	p := w.d.NewPresenter()
	caps := p.Caps()
	steps := plan(layers, w.area, caps, demoted)

	var stores []*surface.BackingStore
	defer func() {
		// Pushed stores are held by their layers until scanout is done with them
		for _, s := range stores {
			s.Unref()
		}
	}()

	pushed := 0
	for k, st := range steps {
		if p.LogicalZpos() < k {
			p.SetLogicalZpos(k)
		}
		var err error
		if st.overlay {
			l := layers[st.layers[0]]
			err = w.presentSurface(l.Surface, l.Props, p, caps)
		} else {
			var store *surface.BackingStore
			store, err = w.composite(layers, st.layers)
			if err == nil {
				stores = append(stores, store)
				err = w.presentSurface(store, geom.RectProps(w.area), p, caps)
			}
		}
		if err != nil {
			logger.WithError(err).WithField("zpos", k).Debugln("Layer skipped this frame")
			p.PushPlaceholderLayer(1)
			continue
		}
		pushed++
	}

	f := &frame{comp: comp.Ref(), paced: paced, empty: pushed == 0}
	p.SetScanoutCallback(func(vblankNS uint64) { w.onScanout(f, vblankNS) })
	w.mu.Lock()
	w.pending = append(w.pending, f)
	w.mu.Unlock()

	if err := p.Flush(); err != nil {
		w.mu.Lock()
		w.pending = slices.DeleteFunc(w.pending, func(x *frame) bool { return x == f })
		w.mu.Unlock()
		comp.Unref()
		return steps, err
	}
	overlays, composited := countLayers(steps)
	w.overlays.Store(int32(overlays))
	w.composited.Store(int32(composited))
	return steps, nil
}

func (w *Window) onScanout(f *frame, vblankNS uint64) {
	w.mu.Lock()
	i := slices.Index(w.pending, f)
	if i < 0 {
		// Window closed in between
		w.mu.Unlock()
		return
	}
	util.Assert(i == 0, "view %d flipped frame %d of %d pending", w.id, i, len(w.pending))
	w.pending = slices.Delete(w.pending, i, i+1)
	old := f.comp
	if !f.empty || w.current == nil {
		old, w.current = w.current, f.comp
	}
	w.mu.Unlock()

	if old != nil {
		old.Unref()
	}
	w.flips.Add(1)
	w.c.textures.OnPageFlip()
	w.vsync.OnVblank(vblankNS)
	if f.paced {
		w.vsync.OnFbReleased()
	}
}

// Showing returns the composition on screen with a reference the caller must drop
func (w *Window) Showing() *composition.Composition {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	return w.current.Ref()
}

func (w *Window) Status() ipc.WindowStatus {
	w.mu.Lock()
	pending := len(w.pending)
	showing := w.current != nil
	w.mu.Unlock()
	return ipc.WindowStatus{
		ViewID:     w.id,
		Display:    w.d.Name(),
		Width:      w.width,
		Height:     w.height,
		RefreshHz:  w.d.RefreshRate(),
		Format:     w.format.String(),
		Renderer:   w.r.Kind().String(),
		Pending:    pending,
		Showing:    showing,
		Presented:  w.presented.Load(),
		Failed:     w.failed.Load(),
		Retried:    w.retried.Load(),
		Flips:      w.flips.Load(),
		Overlays:   int(w.overlays.Load()),
		Composited: int(w.composited.Load()),
		Vsync:      w.vsync.Status(),
	}
}

// Close drops everything the window holds. Frames still on screen stay
// referenced by the display until it lets go of them
func (w *Window) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.vsync.Stop()
	pending := w.pending
	w.pending = nil
	current := w.current
	w.current = nil
	w.mu.Unlock()

	for _, f := range pending {
		f.comp.Unref()
	}
	if current != nil {
		current.Unref()
	}
	w.swapchain.Unref()
	w.stores.Close()
	w.fallback.Close()
}
