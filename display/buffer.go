// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package display

import (
	"fmt"
	"image/draw"
	"sync"
	"sync/atomic"

	"github.com/mstarongithub/flutterkms/pixfmt"
	"github.com/mstarongithub/flutterkms/util"
)

type BufferType int

const (
	BufferSoftware BufferType = iota
	BufferGBM
	BufferGEM
	BufferEGLImage
)

func (t BufferType) String() string {
	switch t {
	case BufferSoftware:
		return "software"
	case BufferGBM:
		return "gbm"
	case BufferGEM:
		return "gem"
	case BufferEGLImage:
		return "eglimage"
	}
	return fmt.Sprintf("BufferType(%d)", int(t))
}

// BufferDesc describes the memory behind a buffer. Which of the
// backing fields is valid depends on Type
type BufferDesc struct {
	Type          BufferType
	Width, Height int
	Stride        int
	Format        pixfmt.Format
	Modifier      uint64

	// BufferSoftware
	Pix []byte
	// BufferGEM handle on the display's device
	Handle uint32
	// BufferGBM: dmabuf fd exported from the buffer object
	Fd int
	// BufferEGLImage
	EGLImage uintptr
}

func (d BufferDesc) Validate() error {
	if d.Width <= 0 || d.Height <= 0 || d.Width > pixfmt.MaxDimension || d.Height > pixfmt.MaxDimension {
		return fmt.Errorf("%dx%d: %w", d.Width, d.Height, ErrInvalidBuffer)
	}
	if !d.Format.Known() {
		return fmt.Errorf("%v: %w", d.Format, ErrUnsupportedFormat)
	}
	if d.Type == BufferSoftware {
		if d.Stride < d.Format.MinStride(d.Width) {
			return fmt.Errorf("stride %d for width %d: %w", d.Stride, d.Width, ErrInvalidBuffer)
		}
		size, err := pixfmt.FrameSize(d.Stride, d.Height)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidBuffer, err)
		}
		if len(d.Pix) < size {
			return fmt.Errorf("%d bytes for %d rows of %d: %w", len(d.Pix), d.Height, d.Stride, ErrInvalidBuffer)
		}
	}
	return nil
}

// Resources are per display objects created for a buffer on first use, like a KMS framebuffer
type Resources interface {
	Release() error
}

var bufferIDs atomic.Uint64

// Buffer is one presentable memory region.
// It starts with one reference, which belongs to whoever created it
type Buffer struct {
	id   uint64
	desc BufferDesc

	refs atomic.Int32

	mu        sync.Mutex
	resources Resources
	destroyed bool

	onDestroy func(userdata any)
	userdata  any
}

// NewBuffer is used by display backends to wrap the memory they allocated or imported
func NewBuffer(desc BufferDesc, onDestroy func(userdata any), userdata any) *Buffer {
	b := &Buffer{
		id:        bufferIDs.Add(1),
		desc:      desc,
		onDestroy: onDestroy,
		userdata:  userdata,
	}
	b.refs.Store(1)
	return b
}

func (b *Buffer) ID() uint64 { return b.id }

func (b *Buffer) Desc() BufferDesc { return b.desc }

func (b *Buffer) Type() BufferType { return b.desc.Type }

func (b *Buffer) Size() (int, int) { return b.desc.Width, b.desc.Height }

func (b *Buffer) Format() pixfmt.Format { return b.desc.Format }

func (b *Buffer) Ref() *Buffer {
	n := b.refs.Add(1)
	util.Assert(n > 1, "buffer %d referenced after destruction", b.id)
	return b
}

func (b *Buffer) Unref() {
	n := b.refs.Add(-1)
	util.Assert(n >= 0, "buffer %d unreferenced too often", b.id)
	if n == 0 {
		b.destroy()
	}
}

func (b *Buffer) destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	res := b.resources
	b.resources = nil
	b.mu.Unlock()

	if res != nil {
		if err := res.Release(); err != nil {
			logger.WithError(err).WithField("buffer", b.id).Warnln("Failed to release buffer resources")
		}
	}
	if b.onDestroy != nil {
		b.onDestroy(b.userdata)
	}
}

// Resources returns the display resources for b, creating them with create on first use
func (b *Buffer) Resources(create func(*Buffer) (Resources, error)) (Resources, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil, ErrBufferDestroyed
	}
	if b.resources != nil {
		return b.resources, nil
	}
	res, err := create(b)
	if err != nil {
		return nil, err
	}
	b.resources = res
	return res, nil
}

// Image is a view of a software buffer's pixels
func (b *Buffer) Image() (draw.Image, error) {
	if b.desc.Type != BufferSoftware {
		return nil, fmt.Errorf("%s buffer has no CPU mapping: %w", b.desc.Type, ErrUnsupportedFormat)
	}
	return pixfmt.NewImage(b.desc.Format, b.desc.Pix, b.desc.Width, b.desc.Height, b.desc.Stride)
}

// NewSoftwareBuffer allocates CPU memory for a buffer, used by backends without special allocation
func NewSoftwareBuffer(width, height, stride int, format pixfmt.Format) (*Buffer, error) {
	if stride == 0 {
		stride = format.MinStride(width)
	}
	desc := BufferDesc{
		Type:   BufferSoftware,
		Width:  width,
		Height: height,
		Stride: stride,
		Format: format,
	}
	if width <= 0 || height <= 0 || width > pixfmt.MaxDimension || height > pixfmt.MaxDimension {
		return nil, fmt.Errorf("%dx%d: %w", width, height, ErrInvalidBuffer)
	}
	size, err := pixfmt.FrameSize(stride, height)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBuffer, err)
	}
	desc.Pix = make([]byte, size)
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return NewBuffer(desc, nil, nil), nil
}
