// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package compositor

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstarongithub/flutterkms/composition"
	"github.com/mstarongithub/flutterkms/display"
	"github.com/mstarongithub/flutterkms/display/headless"
	"github.com/mstarongithub/flutterkms/geom"
	"github.com/mstarongithub/flutterkms/pixfmt"
	"github.com/mstarongithub/flutterkms/renderer"
	"github.com/mstarongithub/flutterkms/surface"
	"github.com/mstarongithub/flutterkms/texreg"
	"github.com/mstarongithub/flutterkms/vsync"
)

type fakeEngine struct {
	mu     sync.Mutex
	batons []uint64
	marked map[int64]int
}

func (e *fakeEngine) OnVsync(baton, vblankNS, nextVblankNS uint64) error {
	e.mu.Lock()
	e.batons = append(e.batons, baton)
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) RegisterExternalTexture(int64) error { return nil }

func (e *fakeEngine) MarkExternalTextureFrameAvailable(id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.marked == nil {
		e.marked = make(map[int64]int)
	}
	e.marked[id]++
	return nil
}

func (e *fakeEngine) UnregisterExternalTexture(int64) error { return nil }

func (e *fakeEngine) answered() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.batons...)
}

type fixture struct {
	t      *testing.T
	d      *headless.Display
	c      *Compositor
	w      *Window
	engine *fakeEngine
}

func newFixture(t *testing.T, planes int, mode vsync.PresentMode) *fixture {
	t.Helper()
	cfg := headless.DefaultConfig()
	cfg.Width, cfg.Height = 8, 8
	cfg.Planes = planes
	cfg.ManualVblank = true
	d, err := headless.New(cfg)
	require.NoError(t, err)

	engine := &fakeEngine{}
	c := New(Config{Engine: engine})
	w, err := c.AddWindow(WindowConfig{
		Display:           d,
		Renderer:          renderer.NewSoftware(),
		Mode:              mode,
		UsesFrameRequests: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		d.Close()
	})
	return &fixture{t: t, d: d, c: c, w: w, engine: engine}
}

// store returns a committed backing store filled with col
func (f *fixture) store(col color.RGBA) *surface.BackingStore {
	f.t.Helper()
	s, res := f.c.CreateBackingStore(0, 8, 8)
	require.Equal(f.t, Success, res)
	src := renderer.Source{Image: image.NewUniform(col), Rect: image.Rect(0, 0, 8, 8)}
	require.NoError(f.t, s.Draw(src, geom.RectProps(geom.Rect{W: 8, H: 8})))
	require.NoError(f.t, s.Commit())
	return s
}

func (f *fixture) scanout() *image.RGBA {
	f.t.Helper()
	img, err := f.d.Scanout()
	require.NoError(f.t, err)
	return img
}

var (
	red   = color.RGBA{R: 255, A: 255}
	green = color.RGBA{G: 255, A: 255}
	blue  = color.RGBA{B: 255, A: 255}
)

func near(a, b uint8) bool {
	d := int(a) - int(b)
	return d >= -3 && d <= 3
}

// abc is a composition with an overlay, a translucent layer that has to be
// composited and an overlay on top overlapping it
func (f *fixture) abc() []EngineLayer {
	a, b, c := f.store(red), f.store(green), f.store(blue)
	translucent := geom.RectProps(geom.Rect{Y: 4, W: 6, H: 4})
	translucent.Opacity = 0.5
	layers := []EngineLayer{
		{Surface: a, Props: geom.RectProps(geom.Rect{W: 8, H: 8})},
		{Surface: b, Props: translucent},
		{Surface: c, Props: geom.RectProps(geom.Rect{X: 4, Y: 4, W: 4, H: 4})},
	}
	// The compositor keeps what it needs, the engine is done with the stores
	f.t.Cleanup(func() {
		for _, l := range layers {
			f.c.CollectBackingStore(surface.AsBackingStore(l.Surface))
		}
	})
	return layers
}

func (f *fixture) checkABC() {
	f.t.Helper()
	img := f.scanout()
	assert.Equal(f.t, red, img.RGBAAt(1, 1), "bottom layer only")
	mix := img.RGBAAt(1, 5)
	assert.True(f.t, near(mix.R, 127) && near(mix.G, 128) && mix.B == 0, "translucent layer over bottom, got %v", mix)
	assert.Equal(f.t, blue, img.RGBAAt(5, 5), "top layer above the translucent one")
	assert.Equal(f.t, blue, img.RGBAAt(7, 7))
}

func TestZOrderWithFallback(t *testing.T) {
	f := newFixture(t, 3, vsync.DoubleBuffered)
	require.True(t, f.c.PresentLayers(f.abc()))
	f.d.Vblank()

	commit, ok := f.d.LastCommit()
	require.True(t, ok)
	require.Len(t, commit.Planes, 3)
	assert.Equal(t, pixfmt.ARGB8888, commit.Planes[1].Format)
	assert.Equal(t, image.Rect(4, 4, 8, 8), commit.Planes[2].Dst)

	st := f.w.Status()
	assert.Equal(t, 2, st.Overlays)
	assert.Equal(t, 1, st.Composited)
	f.checkABC()
}

func TestPlaneBudgetDemotesTopmost(t *testing.T) {
	f := newFixture(t, 2, vsync.DoubleBuffered)
	require.True(t, f.c.PresentLayers(f.abc()))
	f.d.Vblank()

	commit, _ := f.d.LastCommit()
	assert.Len(t, commit.Planes, 2)
	st := f.w.Status()
	assert.Equal(t, 1, st.Overlays)
	assert.Equal(t, 2, st.Composited)
	f.checkABC()
}

func TestRejectedCommitRetried(t *testing.T) {
	f := newFixture(t, 3, vsync.DoubleBuffered)
	f.d.RejectNext(1, 2)
	require.True(t, f.c.PresentLayers(f.abc()))
	f.d.Vblank()

	commit, _ := f.d.LastCommit()
	assert.Len(t, commit.Planes, 2, "top layer should have been composited")
	assert.Equal(t, uint64(1), f.w.Status().Retried)
	f.checkABC()
}

func TestRejectedTwiceKeepsPreviousFrame(t *testing.T) {
	f := newFixture(t, 3, vsync.DoubleBuffered)
	bg := f.store(red)
	defer f.c.CollectBackingStore(bg)
	require.True(t, f.c.PresentLayers([]EngineLayer{{Surface: bg, Props: geom.RectProps(geom.Rect{W: 8, H: 8})}}))
	f.d.Vblank()

	f.d.RejectNext(2, -1)
	assert.False(t, f.c.PresentLayers(f.abc()))
	assert.Equal(t, 0, f.d.PendingFlips())
	assert.Equal(t, red, f.scanout().RGBAAt(5, 5))
	assert.Equal(t, uint64(1), f.w.Status().Failed)
}

func TestEmptyFramesKeepScreen(t *testing.T) {
	f := newFixture(t, 3, vsync.DoubleBuffered)
	bg := f.store(green)
	require.True(t, f.c.PresentLayers([]EngineLayer{{Surface: bg, Props: geom.RectProps(geom.Rect{W: 8, H: 8})}}))
	f.d.Vblank()
	f.c.CollectBackingStore(bg)

	for range 10000 {
		require.True(t, f.c.PresentLayers(nil))
		require.True(t, f.d.Vblank())
	}
	assert.Equal(t, 0, f.w.Status().Pending)
	assert.Equal(t, green, f.scanout().RGBAAt(0, 0))
	// Held by the composition on screen and by its display layer
	assert.Equal(t, 2, bg.Refs())
}

func TestBackingStoresRecycledAfterFlip(t *testing.T) {
	f := newFixture(t, 3, vsync.DoubleBuffered)
	s := f.store(red)
	require.True(t, f.c.PresentLayers([]EngineLayer{{Surface: s, Props: geom.RectProps(geom.Rect{W: 8, H: 8})}}))
	f.c.CollectBackingStore(s)
	f.d.Vblank()
	assert.Equal(t, 0, f.w.stores.Free(), "store still on screen")

	other := f.store(blue)
	defer f.c.CollectBackingStore(other)
	require.True(t, f.c.PresentLayers([]EngineLayer{{Surface: other, Props: geom.RectProps(geom.Rect{W: 8, H: 8})}}))
	f.d.Vblank()
	assert.Equal(t, 1, f.w.stores.Free())
}

func TestVsyncPacing(t *testing.T) {
	f := newFixture(t, 3, vsync.DoubleBuffered)
	s := f.store(red)
	defer f.c.CollectBackingStore(s)
	layers := []EngineLayer{{Surface: s, Props: geom.RectProps(geom.Rect{W: 8, H: 8})}}

	require.Equal(t, Success, f.c.VsyncRequest(1))
	assert.Equal(t, []uint64{1}, f.engine.answered())
	require.True(t, f.c.PresentLayers(layers))

	require.Equal(t, Success, f.c.VsyncRequest(2))
	assert.Equal(t, []uint64{1}, f.engine.answered(), "double buffering waits for the flip")
	f.d.Vblank()
	assert.Equal(t, []uint64{1, 2}, f.engine.answered())
	assert.NotZero(t, f.w.Status().Vsync.LastVblankNS)
}

func TestVsyncPacingTriple(t *testing.T) {
	f := newFixture(t, 3, vsync.TripleBuffered)
	s := f.store(red)
	defer f.c.CollectBackingStore(s)
	layers := []EngineLayer{{Surface: s, Props: geom.RectProps(geom.Rect{W: 8, H: 8})}}

	f.c.VsyncRequest(1)
	require.True(t, f.c.PresentLayers(layers))
	f.c.VsyncRequest(2)
	assert.Equal(t, []uint64{1, 2}, f.engine.answered())
}

func TestFailedFrameFreesVsyncSlot(t *testing.T) {
	f := newFixture(t, 3, vsync.DoubleBuffered)
	s := f.store(red)
	defer f.c.CollectBackingStore(s)

	f.c.VsyncRequest(1)
	f.d.RejectNext(2, -1)
	assert.False(t, f.c.PresentLayers([]EngineLayer{{Surface: s, Props: geom.RectProps(geom.Rect{W: 8, H: 8})}}))
	f.c.VsyncRequest(2)
	assert.Equal(t, []uint64{1, 2}, f.engine.answered())
}

func TestSkippedFrameDoesNotStallVsync(t *testing.T) {
	f := newFixture(t, 3, vsync.DoubleBuffered)

	require.Equal(t, Success, f.c.VsyncRequest(1))
	// No layer tree is presented for baton 1
	require.Equal(t, Success, f.c.VsyncRequest(2))
	assert.Equal(t, []uint64{1}, f.engine.answered())

	require.Eventually(t, func() bool {
		return len(f.engine.answered()) == 2
	}, time.Second, 5*time.Millisecond, "request after a skipped frame must be answered once its deadline passes")
	assert.Equal(t, []uint64{1, 2}, f.engine.answered())
	status := f.w.Status().Vsync
	assert.Equal(t, uint64(1), status.Dropped)
	assert.Equal(t, 0, status.Deferred)
}

func TestHugeBackingStoreRejected(t *testing.T) {
	f := newFixture(t, 3, vsync.DoubleBuffered)
	s, res := f.c.CreateBackingStore(0, 1<<31, 1<<32)
	assert.Equal(t, InvalidArguments, res)
	assert.Nil(t, s)
	_, res = f.c.CreateBackingStore(0, pixfmt.MaxDimension+1, 8)
	assert.Equal(t, InvalidArguments, res)
}

// drawRecorder notes the type of every buffer drawn. Buffers without a CPU mapping count as drawn
type drawRecorder struct {
	renderer.Renderer
	mu    sync.Mutex
	types []display.BufferType
}

func (r *drawRecorder) Draw(t *renderer.Target, src renderer.Source, props geom.Props) error {
	if src.Buffer != nil {
		r.mu.Lock()
		r.types = append(r.types, src.Buffer.Desc().Type)
		r.mu.Unlock()
		if src.Buffer.Desc().Type != display.BufferSoftware {
			return nil
		}
	}
	return r.Renderer.Draw(t, src, props)
}

func TestForeignBufferImportedForCompositing(t *testing.T) {
	cfg := headless.DefaultConfig()
	cfg.Width, cfg.Height = 8, 8
	cfg.ManualVblank = true
	cfg.ImportTypes = []display.BufferType{display.BufferSoftware, display.BufferGEM}
	d, err := headless.New(cfg)
	require.NoError(t, err)
	defer d.Close()
	r := &drawRecorder{Renderer: renderer.NewSoftware()}
	c := New(Config{Engine: &fakeEngine{}})
	defer c.Close()
	_, err = c.AddWindow(WindowConfig{Display: d, Renderer: r})
	require.NoError(t, err)

	s := surface.NewDmabufSurface(nil)
	defer s.Unref()
	desc := display.BufferDesc{Type: display.BufferGEM, Width: 8, Height: 8, Stride: 32, Format: pixfmt.ARGB8888, Handle: 7}
	require.NoError(t, s.SetBuffer(desc, nil, nil))

	translucent := geom.RectProps(geom.Rect{W: 8, H: 8})
	translucent.Opacity = 0.5
	require.True(t, c.PresentLayers([]EngineLayer{{Surface: s, Props: translucent}}))
	d.Vblank()

	r.mu.Lock()
	assert.Contains(t, r.types, display.BufferGEM, "foreign buffer reached the renderer")
	r.mu.Unlock()
	assert.Equal(t, 1, c.Status().Windows[0].Composited)
}

func TestPlatformViews(t *testing.T) {
	f := newFixture(t, 3, vsync.DoubleBuffered)
	view := surface.NewPlatformView(nil, 42)
	require.NoError(t, f.c.RegisterPlatformView(42, view))
	require.ErrorIs(t, f.c.RegisterPlatformView(42, view), ErrViewExists)
	view.Unref()

	buf, err := f.d.CreateBuffer(8, 8, 0, pixfmt.XRGB8888, display.FlagScanout)
	require.NoError(t, err)
	img, err := buf.Image()
	require.NoError(t, err)
	for y := range 8 {
		for x := range 8 {
			img.Set(x, y, green)
		}
	}
	view.SetFrame(buf)
	buf.Unref()

	require.True(t, f.c.PresentLayers([]EngineLayer{
		{PlatformViewID: 42, Props: geom.RectProps(geom.Rect{W: 8, H: 8})},
		{PlatformViewID: 7, Props: geom.RectProps(geom.Rect{W: 8, H: 8})},
	}))
	f.d.Vblank()
	commit, _ := f.d.LastCommit()
	assert.Len(t, commit.Planes, 1, "unknown view is skipped")
	assert.Equal(t, green, f.scanout().RGBAAt(3, 3))
	assert.Equal(t, []int64{42}, f.c.Status().PlatformViews)

	require.NoError(t, f.c.UnregisterPlatformView(42))
	require.ErrorIs(t, f.c.UnregisterPlatformView(42), ErrUnknownView)
}

// countedView notices references taken after its count reached zero
type countedView struct {
	surface.Surface
	refs    atomic.Int64
	revived atomic.Int64
}

func newCountedView(id int64) *countedView {
	v := &countedView{Surface: surface.NewPlatformView(nil, id)}
	v.refs.Store(1)
	return v
}

func (v *countedView) Ref() {
	if v.refs.Add(1) == 1 {
		v.revived.Add(1)
	}
	v.Surface.Ref()
}

func (v *countedView) Unref() {
	v.refs.Add(-1)
	v.Surface.Unref()
}

func TestUnregisterWhilePresenting(t *testing.T) {
	f := newFixture(t, 3, vsync.DoubleBuffered)
	layers := []EngineLayer{{PlatformViewID: 42, Props: geom.RectProps(geom.Rect{W: 8, H: 8})}}

	var views []*countedView
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 500 {
			v := newCountedView(42)
			views = append(views, v)
			if err := f.c.RegisterPlatformView(42, v); err != nil {
				t.Error(err)
				return
			}
			v.Unref()
			if err := f.c.UnregisterPlatformView(42); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	for range 500 {
		f.c.PresentLayers(layers)
		f.d.Vblank()
	}
	wg.Wait()
	// Replace whatever is on screen so every composition is released
	s := f.store(red)
	defer f.c.CollectBackingStore(s)
	f.c.PresentLayers([]EngineLayer{{Surface: s, Props: geom.RectProps(geom.Rect{W: 8, H: 8})}})
	f.d.Vblank()
	f.d.Vblank()

	for i, v := range views {
		assert.Zero(t, v.revived.Load(), "view %d referenced after its last unref", i)
		assert.Zero(t, v.refs.Load(), "view %d still referenced", i)
	}
}

func TestTexturesFreedOnFlip(t *testing.T) {
	f := newFixture(t, 3, vsync.DoubleBuffered)
	destroyed := 0
	tex, err := f.c.Textures().NewTexture(&texreg.Frame{Width: 8, Height: 8, Destroy: func() { destroyed++ }})
	require.NoError(t, err)
	require.NoError(t, tex.Push(&texreg.Frame{Width: 8, Height: 8}, true))
	assert.Equal(t, 0, destroyed)

	frame, res := f.c.ExternalTextureFrame(tex.ID(), 8, 8)
	assert.Equal(t, Success, res)
	assert.NotNil(t, frame)
	_, res = f.c.ExternalTextureFrame(999, 8, 8)
	assert.Equal(t, InvalidArguments, res)

	require.True(t, f.c.PresentLayers(nil))
	f.d.Vblank()
	assert.Equal(t, 1, destroyed)
	assert.Equal(t, 2, f.engine.marked[tex.ID()])
}

func TestCallbacksTable(t *testing.T) {
	f := newFixture(t, 3, vsync.DoubleBuffered)
	cb := f.c.Callbacks()

	_, res := cb.CreateBackingStore(0, 0, 8)
	assert.Equal(t, InvalidArguments, res)
	_, res = cb.CreateBackingStore(5, 8, 8)
	assert.Equal(t, InvalidArguments, res)
	assert.Equal(t, InvalidArguments, cb.FrameBegin(nil))
	assert.False(t, cb.PresentView(5, nil))

	s, res := cb.CreateBackingStore(0, 4, 4)
	require.Equal(t, Success, res)
	assert.Equal(t, f.c, s.Owner())
	assert.Equal(t, Success, cb.CollectBackingStore(s))

	begun := false
	assert.Equal(t, Success, cb.FrameBegin(func(vblank, next uint64) { begun = next > vblank }))
	assert.True(t, begun)
}

func TestRenderSurfaceLayer(t *testing.T) {
	f := newFixture(t, 3, vsync.DoubleBuffered)
	rs := f.w.RenderSurface()
	src := renderer.Source{Image: image.NewUniform(blue), Rect: image.Rect(0, 0, 8, 8)}
	require.NoError(t, rs.Draw(context.Background(), src, geom.RectProps(geom.Rect{W: 8, H: 8})))
	require.NoError(t, rs.SwapBuffers())

	require.True(t, f.c.PresentLayers([]EngineLayer{{Surface: rs, Props: geom.RectProps(geom.Rect{W: 8, H: 8})}}))
	f.d.Vblank()
	assert.Equal(t, blue, f.scanout().RGBAAt(2, 6))
	assert.Equal(t, "XRGB8888", f.w.Status().Format)
}

// planSurface only answers Overlayable
type planSurface struct {
	surface.Surface
	overlay bool
}

func (s planSurface) Overlayable(geom.Props, display.Caps) error {
	if s.overlay {
		return nil
	}
	return errors.New("not overlayable")
}

func TestPlan(t *testing.T) {
	area := geom.Rect{W: 10, H: 10}
	visible := geom.RectProps(geom.Rect{W: 10, H: 10})
	hidden := geom.RectProps(geom.Rect{X: 20, W: 10, H: 10})
	none := func(int) bool { return false }

	tests := []struct {
		name    string
		overlay []bool
		hidden  int
		planes  int
		demoted func(int) bool
		want    []step
	}{
		{"all overlays", []bool{true, true, true}, -1, 3, none,
			[]step{{true, []int{0}}, {true, []int{1}}, {true, []int{2}}}},
		{"middle composited", []bool{true, false, true}, -1, 3, none,
			[]step{{true, []int{0}}, {false, []int{1}}, {true, []int{2}}}},
		{"runs merge", []bool{false, false, true}, -1, 3, none,
			[]step{{false, []int{0, 1}}, {true, []int{2}}}},
		{"hidden dropped", []bool{true, true, true}, 1, 3, none,
			[]step{{true, []int{0}}, {true, []int{2}}}},
		{"topmost overlay joins group below", []bool{true, false, true, true}, -1, 2, none,
			[]step{{true, []int{0}}, {false, []int{1, 2, 3}}}},
		{"unlimited planes", []bool{true, true, true, true}, -1, 0, none,
			[]step{{true, []int{0}}, {true, []int{1}}, {true, []int{2}}, {true, []int{3}}}},
		{"demoted", []bool{true, true, true}, -1, 3, func(i int) bool { return i == 1 },
			[]step{{true, []int{0}}, {false, []int{1}}, {true, []int{2}}}},
		{"everything demoted", []bool{true, true}, -1, 3, func(int) bool { return true },
			[]step{{false, []int{0, 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var layers []composition.Layer
			for i, ok := range tt.overlay {
				props := visible
				if i == tt.hidden {
					props = hidden
				}
				layers = append(layers, composition.Layer{Surface: planSurface{overlay: ok}, Props: props})
			}
			got := plan(layers, area, display.Caps{MaxLayers: tt.planes}, tt.demoted)
			assert.Equal(t, tt.want, got)
		})
	}
}
