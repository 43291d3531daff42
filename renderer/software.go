// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package renderer

import (
	"fmt"
	"image"
	"sync/atomic"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/mstarongithub/flutterkms/display"
	"github.com/mstarongithub/flutterkms/geom"
	"github.com/mstarongithub/flutterkms/pixfmt"
)

// Software draws with x/image/draw into CPU mapped display buffers
type Software struct {
	closed atomic.Bool
}

var _ Renderer = (*Software)(nil)

func NewSoftware() *Software {
	return &Software{}
}

func (s *Software) Kind() Kind { return KindSoftware }

func (s *Software) NewTarget(d display.Display, width, height int, format pixfmt.Format) (*Target, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	b, err := d.CreateBuffer(width, height, 0, format, display.FlagRender|display.FlagScanout)
	if err != nil {
		return nil, fmt.Errorf("software render target: %w", err)
	}
	img, err := b.Image()
	if err != nil {
		b.Unref()
		return nil, fmt.Errorf("software render target: %w", err)
	}
	return &Target{Buffer: b, Width: width, Height: height, Format: format, handle: img}, nil
}

func (s *Software) image(t *Target) (draw.Image, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	img, ok := t.handle.(draw.Image)
	if !ok {
		return nil, fmt.Errorf("target of buffer %d was not made by the software renderer", t.Buffer.ID())
	}
	return img, nil
}

func (s *Software) Clear(t *Target) error {
	img, err := s.image(t)
	if err != nil {
		return err
	}
	draw.Draw(img, img.Bounds(), image.Transparent, image.Point{}, draw.Src)
	return nil
}

// quadTransform maps the source rect onto the quad's corners
func quadTransform(sr image.Rectangle, q geom.Quad) f64.Aff3 {
	sx, sy := float64(sr.Min.X), float64(sr.Min.Y)
	sw, sh := float64(sr.Dx()), float64(sr.Dy())
	m00 := (q.TopRight.X - q.TopLeft.X) / sw
	m01 := (q.BottomLeft.X - q.TopLeft.X) / sh
	m10 := (q.TopRight.Y - q.TopLeft.Y) / sw
	m11 := (q.BottomLeft.Y - q.TopLeft.Y) / sh
	return f64.Aff3{
		m00, m01, q.TopLeft.X - m00*sx - m01*sy,
		m10, m11, q.TopLeft.Y - m10*sx - m11*sy,
	}
}

func (s *Software) Draw(t *Target, src Source, props geom.Props) error {
	img, err := s.image(t)
	if err != nil {
		return err
	}
	si, err := src.image()
	if err != nil {
		return err
	}
	sr := src.bounds()
	area := props.Bounds().Image().Intersect(img.Bounds())
	if sr.Empty() || area.Empty() || props.Opacity <= 0 {
		return nil
	}

	opts := &draw.Options{}
	if mask := buildMask(area, props.Opacity, props.EffectiveClips()); mask != nil {
		opts.DstMask = mask
	}

	turns, _ := props.QuarterTurns()
	if props.IsAARect && turns == 0 {
		draw.ApproxBiLinear.Scale(img, props.AARect.Image(), si, sr, draw.Over, opts)
		return nil
	}
	draw.ApproxBiLinear.Transform(img, quadTransform(sr, props.Quad), si, sr, draw.Over, opts)
	return nil
}

// Flush is a no-op, software targets are drawn in place
func (s *Software) Flush(t *Target) error {
	_, err := s.image(t)
	return err
}

func (s *Software) Close() error {
	s.closed.Store(true)
	return nil
}
