// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package renderer

import (
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/mstarongithub/flutterkms/display"
	"github.com/mstarongithub/flutterkms/display/headless"
	"github.com/mstarongithub/flutterkms/geom"
	"github.com/mstarongithub/flutterkms/pixfmt"
)

var (
	red  = color.RGBA{R: 0xff, A: 0xff}
	blue = color.RGBA{B: 0xff, A: 0xff}
)

func testDisplay(t *testing.T) *headless.Display {
	t.Helper()
	cfg := headless.DefaultConfig()
	cfg.Width, cfg.Height = 4, 4
	cfg.ManualVblank = true
	d, err := headless.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func softwareTarget(t *testing.T) (*Software, *Target, *image.RGBA) {
	t.Helper()
	r := NewSoftware()
	tgt, err := r.NewTarget(testDisplay(t), 4, 4, pixfmt.ABGR8888)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tgt.Release)
	if err := r.Clear(tgt); err != nil {
		t.Fatal(err)
	}
	return r, tgt, tgt.handle.(*image.RGBA)
}

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestSoftwareDrawRect(t *testing.T) {
	r, tgt, img := softwareTarget(t)
	props := geom.RectProps(geom.Rect{X: 1, Y: 1, W: 2, H: 2})
	if err := r.Draw(tgt, Source{Image: solidImage(2, 2, red)}, props); err != nil {
		t.Fatal(err)
	}
	if got := img.RGBAAt(1, 1); got != red {
		t.Errorf("(1,1) = %v, want red", got)
	}
	if got := img.RGBAAt(0, 0); got.A != 0 {
		t.Errorf("(0,0) = %v, want transparent", got)
	}
}

func TestSoftwareOpacityAndClip(t *testing.T) {
	r, tgt, img := softwareTarget(t)
	props := geom.RectProps(geom.Rect{W: 4, H: 4})
	props.Opacity = 0.5
	props.Clips = []geom.ClipRect{{IsAA: true, Rect: geom.Rect{W: 2, H: 4}}}
	if err := r.Draw(tgt, Source{Image: solidImage(4, 4, red)}, props); err != nil {
		t.Fatal(err)
	}
	got := img.RGBAAt(1, 1)
	if got.A < 120 || got.A > 136 || got.R < 120 || got.R > 136 {
		t.Errorf("(1,1) = %v, want half transparent red", got)
	}
	if got := img.RGBAAt(2, 1); got.A != 0 {
		t.Errorf("(2,1) = %v, want clipped away", got)
	}
}

func TestSoftwareRotatedQuad(t *testing.T) {
	r, tgt, img := softwareTarget(t)
	src := image.NewRGBA(image.Rect(0, 0, 2, 1))
	src.SetRGBA(0, 0, red)
	src.SetRGBA(1, 0, blue)

	props := geom.NewProps(geom.Vec2{X: 2}, geom.Vec2{X: 2, Y: 1}, geom.Rotate(90), 1, nil)
	if err := r.Draw(tgt, Source{Image: src}, props); err != nil {
		t.Fatal(err)
	}
	if got := img.RGBAAt(1, 0); got != red {
		t.Errorf("(1,0) = %v, want red", got)
	}
	if got := img.RGBAAt(1, 1); got != blue {
		t.Errorf("(1,1) = %v, want blue", got)
	}
	if got := img.RGBAAt(0, 0); got.A != 0 {
		t.Errorf("(0,0) = %v, want untouched", got)
	}
}

func TestRoundedClip(t *testing.T) {
	c := geom.ClipRect{IsAA: true, Rect: geom.Rect{W: 10, H: 10}, Rounded: true}
	for i := range c.Radii {
		c.Radii[i] = geom.Vec2{X: 4, Y: 4}
	}
	if insideRounded(c, geom.Vec2{X: 0.5, Y: 0.5}) {
		t.Error("corner pixel inside rounded clip")
	}
	if !insideRounded(c, geom.Vec2{X: 5, Y: 0.5}) {
		t.Error("edge center outside rounded clip")
	}
	if !insideRounded(c, geom.Vec2{X: 5, Y: 5}) {
		t.Error("center outside rounded clip")
	}
}

type fakeContext struct {
	current *atomic.Bool
	uses    *atomic.Int64
}

func (c fakeContext) MakeCurrent() error {
	if !c.current.CompareAndSwap(false, true) {
		return errors.New("context current on two goroutines")
	}
	c.uses.Add(1)
	return nil
}

func (c fakeContext) ClearCurrent() error {
	c.current.Store(false)
	return nil
}

func (c fakeContext) Destroy() error { return nil }

type fakeBackend struct {
	mu        sync.Mutex
	contexts  int
	draws     int
	destroyed int
}

func (b *fakeBackend) NewContext() (GLContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contexts++
	return fakeContext{current: new(atomic.Bool), uses: new(atomic.Int64)}, nil
}

func (b *fakeBackend) AllocateTarget(_ GLContext, w, h int, f pixfmt.Format) (display.BufferDesc, any, error) {
	stride := f.MinStride(w)
	return display.BufferDesc{
		Type:   display.BufferSoftware,
		Width:  w,
		Height: h,
		Stride: stride,
		Format: f,
		Pix:    make([]byte, stride*h),
	}, "target", nil
}

func (b *fakeBackend) DestroyTarget(any) {
	b.mu.Lock()
	b.destroyed++
	b.mu.Unlock()
}

func (b *fakeBackend) Clear(GLContext, any) error { return nil }

func (b *fakeBackend) Draw(GLContext, any, Source, geom.Props) error {
	b.mu.Lock()
	b.draws++
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Flush(GLContext, any) error { return nil }

func TestGLContextPool(t *testing.T) {
	backend := &fakeBackend{}
	r, err := NewGL(backend, 3)
	if err != nil {
		t.Fatal(err)
	}
	tgt, err := r.NewTarget(testDisplay(t), 4, 4, pixfmt.XRGB8888)
	if err != nil {
		t.Fatal(err)
	}

	var g errgroup.Group
	for range 32 {
		g.Go(func() error {
			for range 50 {
				if err := r.Draw(tgt, Source{Image: solidImage(1, 1, red)}, geom.RectProps(geom.Rect{W: 1, H: 1})); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if backend.draws != 32*50 {
		t.Errorf("draws = %d, want %d", backend.draws, 32*50)
	}

	tgt.Release()
	if backend.destroyed != 1 {
		t.Errorf("target destroyed %d times", backend.destroyed)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.Draw(tgt, Source{Image: solidImage(1, 1, red)}, geom.Props{}); !errors.Is(err, ErrClosed) {
		t.Errorf("draw after close: %v", err)
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind("gl"); err != nil || k != KindGL {
		t.Errorf("ParseKind(gl) = %v, %v", k, err)
	}
	if _, err := ParseKind("vulkan"); err == nil {
		t.Error("unknown renderer accepted")
	}
}
