// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package display

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// unitTransform maps the unit square of the source onto the unit square of the destination
func unitTransform(r Rotation) (a [4]float64, b [2]float64) {
	a = [4]float64{1, 0, 0, 1}
	switch {
	case r&Rotate90 != 0:
		// (u, v) -> (v, 1-u)
		a, b = [4]float64{0, 1, -1, 0}, [2]float64{0, 1}
	case r&Rotate180 != 0:
		a, b = [4]float64{-1, 0, 0, -1}, [2]float64{1, 1}
	case r&Rotate270 != 0:
		// (u, v) -> (1-v, u)
		a, b = [4]float64{0, -1, 1, 0}, [2]float64{1, 0}
	}
	if r&ReflectX != 0 {
		a[0], a[1], b[0] = -a[0], -a[1], 1-b[0]
	}
	if r&ReflectY != 0 {
		a[2], a[3], b[1] = -a[2], -a[3], 1-b[1]
	}
	return a, b
}

// LayerTransform is the source to destination transform of a layer
func LayerTransform(layer BufferLayer) f64.Aff3 {
	a, b := unitTransform(layer.Rotation)
	src := layer.Src
	dx, dy := float64(layer.Dst.Min.X), float64(layer.Dst.Min.Y)
	dw, dh := float64(layer.Dst.Dx()), float64(layer.Dst.Dy())
	return f64.Aff3{
		dw * a[0] / src.W, dw * a[1] / src.H, dx + dw*(b[0]-a[0]*src.X/src.W-a[1]*src.Y/src.H),
		dh * a[2] / src.W, dh * a[3] / src.H, dy + dh*(b[1]-a[2]*src.X/src.W-a[3]*src.Y/src.H),
	}
}

// Blit draws a software buffer layer into dst
func Blit(dst draw.Image, layer BufferLayer) error {
	if layer.Src.Empty() || layer.Dst.Empty() {
		return nil
	}
	src, err := layer.Buffer.Image()
	if err != nil {
		return fmt.Errorf("blit buffer %d: %w", layer.Buffer.ID(), err)
	}
	op := draw.Src
	if layer.Buffer.Format().HasAlpha() {
		op = draw.Over
	}
	sr := layer.Src.Image()
	rot := layer.Rotation
	if rot == 0 || rot == Rotate0 {
		if sr.Size() == layer.Dst.Size() {
			draw.Draw(dst, layer.Dst, src, sr.Min, op)
			return nil
		}
		draw.ApproxBiLinear.Scale(dst, layer.Dst, src, sr, op, nil)
		return nil
	}
	var interp draw.Transformer = draw.ApproxBiLinear
	if rotatedSize(sr.Size(), rot) == layer.Dst.Size() {
		interp = draw.NearestNeighbor
	}
	interp.Transform(dst, LayerTransform(layer), src, sr, op, nil)
	return nil
}

func rotatedSize(p image.Point, r Rotation) image.Point {
	if r&(Rotate90|Rotate270) != 0 {
		return image.Point{X: p.Y, Y: p.X}
	}
	return p
}

// BlitStack draws layers back to front onto a cleared dst
func BlitStack(dst draw.Image, layers []BufferLayer) error {
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)
	for _, l := range layers {
		if err := Blit(dst, l); err != nil {
			return err
		}
	}
	return nil
}
