// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package geom

import "math"

// Matrix is a row-major 3x3 projective transform, laid out like the engine's
// transformation struct: scaleX, skewX, transX, skewY, scaleY, transY, pers0, pers1, pers2
type Matrix [9]float64

var Identity = Matrix{1, 0, 0, 0, 1, 0, 0, 0, 1}

func Translate(x, y float64) Matrix {
	return Matrix{1, 0, x, 0, 1, y, 0, 0, 1}
}

func Scale(sx, sy float64) Matrix {
	return Matrix{sx, 0, 0, 0, sy, 0, 0, 0, 1}
}

// Rotate is a counter-clockwise rotation (in screen space with y pointing down, clockwise) by deg degrees
func Rotate(deg float64) Matrix {
	rad := deg * math.Pi / 180
	s, c := math.Sin(rad), math.Cos(rad)
	// Snap so multiples of 90 degrees stay exactly axis aligned
	if almostEqual(s, math.Round(s)) {
		s = math.Round(s)
	}
	if almostEqual(c, math.Round(c)) {
		c = math.Round(c)
	}
	return Matrix{c, -s, 0, s, c, 0, 0, 0, 1}
}

// Mul returns m * o, meaning o is applied first
func (m Matrix) Mul(o Matrix) Matrix {
	var r Matrix
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += m[row*3+k] * o[k*3+col]
			}
			r[row*3+col] = sum
		}
	}
	return r
}

func (m Matrix) Apply(p Vec2) Vec2 {
	x := m[0]*p.X + m[1]*p.Y + m[2]
	y := m[3]*p.X + m[4]*p.Y + m[5]
	w := m[6]*p.X + m[7]*p.Y + m[8]
	if w != 0 && w != 1 {
		x, y = x/w, y/w
	}
	return Vec2{X: x, Y: y}
}

func (m Matrix) ApplyRect(r Rect) Quad {
	q := r.Quad()
	return Quad{
		TopLeft:     m.Apply(q.TopLeft),
		TopRight:    m.Apply(q.TopRight),
		BottomRight: m.Apply(q.BottomRight),
		BottomLeft:  m.Apply(q.BottomLeft),
	}
}

// RotationDegrees is the rotation component of m, normalized to [0, 360)
func (m Matrix) RotationDegrees() float64 {
	return NormalizeDegrees(math.Atan2(m[3], m[0]) * 180 / math.Pi)
}
