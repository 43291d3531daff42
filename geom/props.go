// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package geom

import "math"

// ClipRect restricts where a layer may draw
type ClipRect struct {
	IsAA    bool
	Rect    Rect // Valid if IsAA
	Quad    Quad // Always valid
	Rounded bool
	// Corner radii, top-left, top-right, bottom-right, bottom-left
	Radii [4]Vec2
}

// Props are the placement properties of one layer in a frame
type Props struct {
	// Fast path: the layer covers an axis aligned rectangle
	IsAARect bool
	AARect   Rect
	// Always valid, equal to AARect's corners if IsAARect
	Quad Quad
	// Opacity in [0, 1]
	Opacity float64
	// Rotation in degrees, [0, 360)
	Rotation float64
	Clips    []ClipRect
}

// NewProps places a layer of the given size at offset after applying transform
func NewProps(offset Vec2, size Vec2, transform Matrix, opacity float64, clips []ClipRect) Props {
	m := Translate(offset.X, offset.Y).Mul(transform)
	quad := m.ApplyRect(Rect{W: size.X, H: size.Y})
	p := Props{
		Quad:     quad,
		Opacity:  math.Min(1, math.Max(0, opacity)),
		Rotation: transform.RotationDegrees(),
		Clips:    append([]ClipRect(nil), clips...),
	}
	if rect, ok := quad.AxisAligned(); ok {
		p.IsAARect = true
		p.AARect = rect
	}
	return p
}

// RectProps is the common case of an opaque, untransformed, unclipped layer
func RectProps(r Rect) Props {
	return Props{IsAARect: true, AARect: r, Quad: r.Quad(), Opacity: 1}
}

// Clone deep copies p so the clip list is not shared
func (p Props) Clone() Props {
	p.Clips = append([]ClipRect(nil), p.Clips...)
	return p
}

func (p Props) Bounds() Rect {
	if p.IsAARect {
		return p.AARect
	}
	return p.Quad.Bounds()
}

func (p Props) Opaque() bool {
	return p.Opacity >= 1-epsilon
}

// QuarterTurns reports the rotation as a number of 90 degree steps, if it is one
func (p Props) QuarterTurns() (int, bool) {
	turns := p.Rotation / 90
	if !almostEqual(turns, math.Round(turns)) {
		return 0, false
	}
	return int(math.Round(turns)) % 4, true
}

// EffectiveClips drops clips that do not cut anything away from the layer
func (p Props) EffectiveClips() []ClipRect {
	bounds := p.Bounds()
	var out []ClipRect
	for _, c := range p.Clips {
		if c.IsAA && !c.Rounded && c.Rect.Contains(bounds) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Visible reports whether any part of the layer can show up within the given area
func (p Props) Visible(area Rect) bool {
	if p.Opacity <= epsilon {
		return false
	}
	return !p.Bounds().Intersect(area).Empty()
}
