// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pixfmt names pixel formats by their DRM fourcc code and provides
// draw.Image views over raw pixel memory in those formats.
package pixfmt

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strings"
)

// MaxDimension is the largest width or height of any buffer, the framebuffer limit of current KMS drivers
const MaxDimension = 16384

// maxFrameBytes bounds the pixel memory of a single buffer
const maxFrameBytes = MaxDimension * MaxDimension * 8

var ErrTooLarge = errors.New("buffer size out of range")

// FrameSize returns stride*rows, failing for negative or oversized products instead of wrapping
func FrameSize(stride, rows int) (int, error) {
	if stride < 0 || rows < 0 {
		return 0, fmt.Errorf("%d rows of %d bytes: %w", rows, stride, ErrTooLarge)
	}
	hi, lo := bits.Mul64(uint64(stride), uint64(rows))
	if hi != 0 || lo > math.MaxInt || lo > maxFrameBytes {
		return 0, fmt.Errorf("%d rows of %d bytes: %w", rows, stride, ErrTooLarge)
	}
	return int(lo), nil
}

// Format is a DRM fourcc code
type Format uint32

func fourcc(a, b, c, d byte) Format {
	return Format(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

var (
	RGB565   = fourcc('R', 'G', '1', '6')
	ARGB8888 = fourcc('A', 'R', '2', '4')
	XRGB8888 = fourcc('X', 'R', '2', '4')
	ABGR8888 = fourcc('A', 'B', '2', '4')
	XBGR8888 = fourcc('X', 'B', '2', '4')
	NV12     = fourcc('N', 'V', '1', '2')
)

// Invalid is the zero format
const Invalid = Format(0)

type info struct {
	name   string
	bpp    int
	depth  int
	alpha  bool
	opaque Format
	packed bool // Single plane, whole bytes per pixel
}

var formats = map[Format]info{
	RGB565:   {name: "RGB565", bpp: 16, depth: 16, opaque: RGB565, packed: true},
	ARGB8888: {name: "ARGB8888", bpp: 32, depth: 32, alpha: true, opaque: XRGB8888, packed: true},
	XRGB8888: {name: "XRGB8888", bpp: 32, depth: 24, opaque: XRGB8888, packed: true},
	ABGR8888: {name: "ABGR8888", bpp: 32, depth: 32, alpha: true, opaque: XBGR8888, packed: true},
	XBGR8888: {name: "XBGR8888", bpp: 32, depth: 24, opaque: XBGR8888, packed: true},
	NV12:     {name: "NV12", bpp: 12, depth: 12, opaque: NV12},
}

func (f Format) String() string {
	if i, ok := formats[f]; ok {
		return i.name
	}
	return fmt.Sprintf("fourcc(%c%c%c%c)", byte(f), byte(f>>8), byte(f>>16), byte(f>>24))
}

// Parse looks a format up by its name, case insensitive
func Parse(name string) (Format, error) {
	for f, i := range formats {
		if strings.EqualFold(i.name, name) {
			return f, nil
		}
	}
	return Invalid, fmt.Errorf("unknown pixel format %q", name)
}

// Known reports whether f is one of the formats this package describes
func (f Format) Known() bool {
	_, ok := formats[f]
	return ok
}

// BitsPerPixel of the first plane. Zero for unknown formats
func (f Format) BitsPerPixel() int {
	return formats[f].bpp
}

// Depth as used by the legacy framebuffer ioctls
func (f Format) Depth() int {
	return formats[f].depth
}

func (f Format) HasAlpha() bool {
	return formats[f].alpha
}

// Opaque returns the variant of f that ignores the alpha channel
func (f Format) Opaque() Format {
	if i, ok := formats[f]; ok {
		return i.opaque
	}
	return f
}

// Mappable reports whether a software image view can be created for f
func (f Format) Mappable() bool {
	return formats[f].packed
}

// MinStride is the smallest valid stride in bytes for a row of width pixels
func (f Format) MinStride(width int) int {
	return (width*f.BitsPerPixel() + 7) / 8
}

// Bitfield describes one color channel of a linux fbdev pixel
type Bitfield struct {
	Offset uint32
	Length uint32
}

// FromFbdev maps fbdev var screeninfo bitfields to a fourcc format
func FromFbdev(bpp uint32, red, green, blue, alpha Bitfield) (Format, bool) {
	switch {
	case bpp == 16 && red.Offset == 11 && red.Length == 5 && green.Offset == 5 && green.Length == 6 && blue.Offset == 0 && blue.Length == 5:
		return RGB565, true
	case bpp == 32 && red.Offset == 16 && green.Offset == 8 && blue.Offset == 0:
		if alpha.Length == 8 && alpha.Offset == 24 {
			return ARGB8888, true
		}
		return XRGB8888, true
	case bpp == 32 && red.Offset == 0 && green.Offset == 8 && blue.Offset == 16:
		if alpha.Length == 8 && alpha.Offset == 24 {
			return ABGR8888, true
		}
		return XBGR8888, true
	}
	return Invalid, false
}
