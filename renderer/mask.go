// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package renderer

import (
	"image"
	"math"

	"github.com/mstarongithub/flutterkms/geom"
)

// insideRounded tests a pixel center against an axis aligned rect with elliptic corners
func insideRounded(c geom.ClipRect, p geom.Vec2) bool {
	r := c.Rect
	if !r.ContainsPoint(p) {
		return false
	}
	if !c.Rounded {
		return true
	}
	// Corner centers, top-left, top-right, bottom-right, bottom-left
	corners := [4]geom.Vec2{
		{X: r.X + c.Radii[0].X, Y: r.Y + c.Radii[0].Y},
		{X: r.Right() - c.Radii[1].X, Y: r.Y + c.Radii[1].Y},
		{X: r.Right() - c.Radii[2].X, Y: r.Bottom() - c.Radii[2].Y},
		{X: r.X + c.Radii[3].X, Y: r.Bottom() - c.Radii[3].Y},
	}
	for i, center := range corners {
		rad := c.Radii[i]
		if rad.X <= 0 || rad.Y <= 0 {
			continue
		}
		inX := (i == 0 || i == 3) && p.X < center.X || (i == 1 || i == 2) && p.X > center.X
		inY := (i == 0 || i == 1) && p.Y < center.Y || (i == 2 || i == 3) && p.Y > center.Y
		if !inX || !inY {
			continue
		}
		dx := (p.X - center.X) / rad.X
		dy := (p.Y - center.Y) / rad.Y
		if dx*dx+dy*dy > 1 {
			return false
		}
	}
	return true
}

func insideClip(c geom.ClipRect, p geom.Vec2) bool {
	if c.IsAA {
		return insideRounded(c, p)
	}
	return c.Quad.Contains(p)
}

// buildMask covers area with the opacity of the layer, zero outside any clip.
// Returns nil if the mask would be fully opaque
func buildMask(area image.Rectangle, opacity float64, clips []geom.ClipRect) *image.Alpha {
	if len(clips) == 0 && opacity >= 1 {
		return nil
	}
	a := uint8(math.Round(math.Min(1, math.Max(0, opacity)) * 0xff))
	mask := image.NewAlpha(area)
	for y := area.Min.Y; y < area.Max.Y; y++ {
		for x := area.Min.X; x < area.Max.X; x++ {
			p := geom.Vec2{X: float64(x) + 0.5, Y: float64(y) + 0.5}
			inside := true
			for _, c := range clips {
				if !insideClip(c, p) {
					inside = false
					break
				}
			}
			if inside {
				mask.Pix[mask.PixOffset(x, y)] = a
			}
		}
	}
	return mask
}
