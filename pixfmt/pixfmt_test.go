// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pixfmt

import (
	"errors"
	"image"
	"image/color"
	"testing"
)

func TestFormatInfo(t *testing.T) {
	if ARGB8888.String() != "ARGB8888" {
		t.Errorf("Unexpected name %s", ARGB8888)
	}
	if ARGB8888.Opaque() != XRGB8888 {
		t.Errorf("Opaque ARGB8888 should be XRGB8888, is %s", ARGB8888.Opaque())
	}
	if RGB565.MinStride(3) != 6 {
		t.Errorf("Unexpected RGB565 stride %d", RGB565.MinStride(3))
	}
	if NV12.Mappable() {
		t.Error("NV12 should not be mappable")
	}
	if Format(0x12345678).Known() {
		t.Error("Random fourcc reported as known")
	}
}

func TestImageRoundTripPerFormat(t *testing.T) {
	c := color.RGBA{R: 0xf8, G: 0x80, B: 0x08, A: 0xff}
	for _, f := range []Format{ARGB8888, XRGB8888, XBGR8888, ABGR8888, RGB565} {
		stride := f.MinStride(4)
		img, err := NewImage(f, make([]byte, stride*4), 4, 4, stride)
		if err != nil {
			t.Fatalf("%s: %s", f, err)
		}
		img.Set(2, 3, c)
		got := color.RGBAModel.Convert(img.At(2, 3)).(color.RGBA)
		if f == RGB565 {
			if got.R&0xf8 != 0xf8 || got.G&0xfc != 0x80 || got.B&0xf8 != 0x08 {
				t.Errorf("%s: unexpected color %+v", f, got)
			}
			continue
		}
		if got != c {
			t.Errorf("%s: expected %+v, got %+v", f, c, got)
		}
	}
}

func TestABGRIsStdRGBA(t *testing.T) {
	img, err := NewImage(ABGR8888, make([]byte, 16*2), 4, 2, 16)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := img.(*image.RGBA); !ok {
		t.Errorf("ABGR8888 should map to *image.RGBA, got %T", img)
	}
}

func TestNewImageRejectsShortMemory(t *testing.T) {
	if _, err := NewImage(XRGB8888, make([]byte, 10), 4, 4, 16); err == nil {
		t.Error("Expected error for short pixel memory")
	}
	if _, err := NewImage(XRGB8888, make([]byte, 64), 4, 4, 8); err == nil {
		t.Error("Expected error for short stride")
	}
}

func TestFrameSizeOverflow(t *testing.T) {
	if n, err := FrameSize(16, 4); err != nil || n != 64 {
		t.Errorf("Expected 64, got %d (%v)", n, err)
	}
	for _, c := range [][2]int{{1 << 33, 1 << 32}, {1 << 40, 2}, {-4, 4}} {
		if _, err := FrameSize(c[0], c[1]); !errors.Is(err, ErrTooLarge) {
			t.Errorf("%d rows of %d: expected ErrTooLarge, got %v", c[1], c[0], err)
		}
	}
}

func TestNewImageRejectsHugeSizes(t *testing.T) {
	if _, err := NewImage(XRGB8888, nil, 1<<31, 1<<32, 1<<33); err == nil {
		t.Error("Expected error for a size that wraps around")
	}
	if _, err := NewImage(XRGB8888, nil, 4, MaxDimension, 1<<50); err == nil {
		t.Error("Expected error for an oversized stride")
	}
}

func TestFromFbdev(t *testing.T) {
	f, ok := FromFbdev(16, Bitfield{11, 5}, Bitfield{5, 6}, Bitfield{0, 5}, Bitfield{})
	if !ok || f != RGB565 {
		t.Errorf("Expected RGB565, got %s", f)
	}
	f, ok = FromFbdev(32, Bitfield{16, 8}, Bitfield{8, 8}, Bitfield{0, 8}, Bitfield{24, 8})
	if !ok || f != ARGB8888 {
		t.Errorf("Expected ARGB8888, got %s", f)
	}
	if _, ok := FromFbdev(8, Bitfield{}, Bitfield{}, Bitfield{}, Bitfield{}); ok {
		t.Error("8bpp should not map")
	}
}

func TestParse(t *testing.T) {
	f, err := Parse("xrgb8888")
	if err != nil || f != XRGB8888 {
		t.Errorf("Parse(xrgb8888) = %s, %v", f, err)
	}
	if _, err := Parse("RGB888"); err == nil {
		t.Error("Expected an error for an unknown format")
	}
}
