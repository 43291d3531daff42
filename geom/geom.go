// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package geom holds the 2D primitives layers are placed with, in display pixels
package geom

import (
	"image"
	"math"
)

const epsilon = 1e-4

type Vec2 struct {
	X, Y float64
}

func (v Vec2) Add(o Vec2) Vec2 { return Vec2{X: v.X + o.X, Y: v.Y + o.Y} }

func (v Vec2) Sub(o Vec2) Vec2 { return Vec2{X: v.X - o.X, Y: v.Y - o.Y} }

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

// Rect is an axis aligned rectangle given by its top-left corner and size
type Rect struct {
	X, Y, W, H float64
}

func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

func (r Rect) Right() float64 { return r.X + r.W }

func (r Rect) Bottom() float64 { return r.Y + r.H }

// Image rounds r to the pixel grid
func (r Rect) Image() image.Rectangle {
	return image.Rect(
		int(math.Round(r.X)), int(math.Round(r.Y)),
		int(math.Round(r.Right())), int(math.Round(r.Bottom())),
	)
}

func (r Rect) Intersect(o Rect) Rect {
	x0, y0 := math.Max(r.X, o.X), math.Max(r.Y, o.Y)
	x1, y1 := math.Min(r.Right(), o.Right()), math.Min(r.Bottom(), o.Bottom())
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Contains reports whether o lies completely inside r
func (r Rect) Contains(o Rect) bool {
	return o.X >= r.X-epsilon && o.Y >= r.Y-epsilon &&
		o.Right() <= r.Right()+epsilon && o.Bottom() <= r.Bottom()+epsilon
}

func (r Rect) ContainsPoint(p Vec2) bool {
	return p.X >= r.X && p.Y >= r.Y && p.X < r.Right() && p.Y < r.Bottom()
}

func (r Rect) Quad() Quad {
	return Quad{
		TopLeft:     Vec2{X: r.X, Y: r.Y},
		TopRight:    Vec2{X: r.Right(), Y: r.Y},
		BottomRight: Vec2{X: r.Right(), Y: r.Bottom()},
		BottomLeft:  Vec2{X: r.X, Y: r.Bottom()},
	}
}

func RectFromImage(r image.Rectangle) Rect {
	return Rect{X: float64(r.Min.X), Y: float64(r.Min.Y), W: float64(r.Dx()), H: float64(r.Dy())}
}

// Quad is an arbitrary quadrangle, corners named after the untransformed rect they came from
type Quad struct {
	TopLeft, TopRight, BottomRight, BottomLeft Vec2
}

func (q Quad) Corners() [4]Vec2 {
	return [4]Vec2{q.TopLeft, q.TopRight, q.BottomRight, q.BottomLeft}
}

// Bounds is the smallest axis aligned rect containing q
func (q Quad) Bounds() Rect {
	c := q.Corners()
	minX, minY, maxX, maxY := c[0].X, c[0].Y, c[0].X, c[0].Y
	for _, p := range c[1:] {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	return Rect{X: minX, Y: minY, W: maxX - minX, H: maxY - minY}
}

// AxisAligned reports whether q is an axis aligned rectangle, possibly rotated by a multiple of 90 degrees
func (q Quad) AxisAligned() (Rect, bool) {
	b := q.Bounds()
	for _, p := range q.Corners() {
		onX := almostEqual(p.X, b.X) || almostEqual(p.X, b.Right())
		onY := almostEqual(p.Y, b.Y) || almostEqual(p.Y, b.Bottom())
		if !onX || !onY {
			return Rect{}, false
		}
	}
	// Adjacent corners must differ in exactly one coordinate
	c := q.Corners()
	for i := range c {
		n := c[(i+1)%4]
		if almostEqual(c[i].X, n.X) == almostEqual(c[i].Y, n.Y) {
			return Rect{}, false
		}
	}
	return b, true
}

// Contains reports whether p is inside the convex quad q
func (q Quad) Contains(p Vec2) bool {
	c := q.Corners()
	sign := 0
	for i := range c {
		a, b := c[i], c[(i+1)%4]
		cross := (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
		switch {
		case cross > epsilon:
			if sign < 0 {
				return false
			}
			sign = 1
		case cross < -epsilon:
			if sign > 0 {
				return false
			}
			sign = -1
		}
	}
	return true
}

// NormalizeDegrees maps any angle into [0, 360)
func NormalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if almostEqual(deg, 360) {
		return 0
	}
	return deg
}
