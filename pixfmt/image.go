// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pixfmt

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/draw"
)

// Image is a draw.Image over pixel memory laid out in a DRM format.
// 32 bit formats hold premultiplied alpha, matching the default KMS plane blend mode
type Image struct {
	Format Format
	Pix    []byte
	Stride int
	Rect   image.Rectangle
}

// NewImage wraps pix without copying. ABGR8888 memory is returned as *image.RGBA
// so the x/image/draw fast paths apply
func NewImage(f Format, pix []byte, width, height, stride int) (draw.Image, error) {
	if !f.Mappable() {
		return nil, fmt.Errorf("format %s has no software view", f)
	}
	if width < 0 || height < 0 || width > MaxDimension || height > MaxDimension {
		return nil, fmt.Errorf("%dx%d: %w", width, height, ErrTooLarge)
	}
	if stride < f.MinStride(width) {
		return nil, fmt.Errorf("stride %d too small for %d pixels of %s", stride, width, f)
	}
	if height > 0 {
		rows, err := FrameSize(stride, height-1)
		if err != nil {
			return nil, err
		}
		if len(pix) < rows+f.MinStride(width) {
			return nil, fmt.Errorf("pixel memory too small: %d bytes for %dx%d stride %d", len(pix), width, height, stride)
		}
	}
	rect := image.Rect(0, 0, width, height)
	if f == ABGR8888 {
		return &image.RGBA{Pix: pix, Stride: stride, Rect: rect}, nil
	}
	return &Image{Format: f, Pix: pix, Stride: stride, Rect: rect}, nil
}

func (p *Image) ColorModel() color.Model { return color.RGBAModel }

func (p *Image) Bounds() image.Rectangle { return p.Rect }

func (p *Image) Opaque() bool { return !p.Format.HasAlpha() }

func (p *Image) offset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*p.Format.BitsPerPixel()/8
}

func (p *Image) At(x, y int) color.Color {
	return p.RGBAAt(x, y)
}

func (p *Image) RGBAAt(x, y int) color.RGBA {
	if !(image.Point{X: x, Y: y}.In(p.Rect)) {
		return color.RGBA{}
	}
	i := p.offset(x, y)
	switch p.Format {
	case RGB565:
		v := binary.LittleEndian.Uint16(p.Pix[i:])
		r := uint8(v>>11) & 0x1f
		g := uint8(v>>5) & 0x3f
		b := uint8(v) & 0x1f
		return color.RGBA{R: r<<3 | r>>2, G: g<<2 | g>>4, B: b<<3 | b>>2, A: 0xff}
	case ARGB8888:
		return color.RGBA{R: p.Pix[i+2], G: p.Pix[i+1], B: p.Pix[i], A: p.Pix[i+3]}
	case XRGB8888:
		return color.RGBA{R: p.Pix[i+2], G: p.Pix[i+1], B: p.Pix[i], A: 0xff}
	case XBGR8888:
		return color.RGBA{R: p.Pix[i], G: p.Pix[i+1], B: p.Pix[i+2], A: 0xff}
	default:
		return color.RGBA{R: p.Pix[i], G: p.Pix[i+1], B: p.Pix[i+2], A: p.Pix[i+3]}
	}
}

func (p *Image) Set(x, y int, c color.Color) {
	p.SetRGBA(x, y, color.RGBAModel.Convert(c).(color.RGBA))
}

func (p *Image) SetRGBA(x, y int, c color.RGBA) {
	if !(image.Point{X: x, Y: y}.In(p.Rect)) {
		return
	}
	i := p.offset(x, y)
	switch p.Format {
	case RGB565:
		v := uint16(c.R>>3)<<11 | uint16(c.G>>2)<<5 | uint16(c.B>>3)
		binary.LittleEndian.PutUint16(p.Pix[i:], v)
	case ARGB8888, XRGB8888:
		p.Pix[i], p.Pix[i+1], p.Pix[i+2], p.Pix[i+3] = c.B, c.G, c.R, c.A
	default:
		p.Pix[i], p.Pix[i+1], p.Pix[i+2], p.Pix[i+3] = c.R, c.G, c.B, c.A
	}
}

// SubImage shares pixel memory with p
func (p *Image) SubImage(r image.Rectangle) image.Image {
	r = r.Intersect(p.Rect)
	if r.Empty() {
		return &Image{Format: p.Format}
	}
	i := p.offset(r.Min.X, r.Min.Y)
	return &Image{Format: p.Format, Pix: p.Pix[i:], Stride: p.Stride, Rect: r}
}
