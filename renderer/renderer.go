// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package renderer composites layers that can't go onto a hardware plane
// into a render target, which is then presented like any other buffer
package renderer

import (
	"errors"
	"fmt"
	"image"

	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/flutterkms/display"
	"github.com/mstarongithub/flutterkms/geom"
	"github.com/mstarongithub/flutterkms/pixfmt"
)

var (
	ErrNoSource = errors.New("draw source has neither image nor buffer")
	ErrClosed   = errors.New("renderer closed")
)

var logger = logrus.WithField("component", "renderer")

type Kind int

const (
	KindSoftware Kind = iota
	KindGL
)

func (k Kind) String() string {
	switch k {
	case KindSoftware:
		return "software"
	case KindGL:
		return "gl"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "software", "":
		return KindSoftware, nil
	case "gl", "opengl":
		return KindGL, nil
	}
	return 0, fmt.Errorf("unknown renderer %q", s)
}

// Source is the content drawn by Draw. Buffer wins over Image if both are set
type Source struct {
	Buffer *display.Buffer
	Image  image.Image
	// Crop in source pixels, the whole source if empty
	Rect image.Rectangle
}

func (s Source) bounds() image.Rectangle {
	var b image.Rectangle
	switch {
	case s.Buffer != nil:
		w, h := s.Buffer.Size()
		b = image.Rect(0, 0, w, h)
	case s.Image != nil:
		b = s.Image.Bounds()
	}
	if s.Rect.Empty() {
		return b
	}
	return s.Rect.Intersect(b)
}

func (s Source) image() (image.Image, error) {
	switch {
	case s.Buffer != nil:
		return s.Buffer.Image()
	case s.Image != nil:
		return s.Image, nil
	}
	return nil, ErrNoSource
}

// Target is a buffer a renderer draws into
type Target struct {
	Buffer *display.Buffer
	Width  int
	Height int
	Format pixfmt.Format

	// Backend specific state
	handle any
}

func (t *Target) Bounds() image.Rectangle {
	return image.Rect(0, 0, t.Width, t.Height)
}

// Release drops the renderer's reference to the target buffer
func (t *Target) Release() {
	if t.Buffer != nil {
		t.Buffer.Unref()
		t.Buffer = nil
	}
}

// Layer is a full buffer layer showing t at its own size
func (t *Target) Layer() display.BufferLayer {
	return display.FullBufferLayer(t.Buffer, t.Bounds())
}

type Renderer interface {
	Kind() Kind
	NewTarget(d display.Display, width, height int, format pixfmt.Format) (*Target, error)
	Clear(t *Target) error
	Draw(t *Target, src Source, props geom.Props) error
	// Flush makes everything drawn so far visible in the target's buffer
	Flush(t *Target) error
	Close() error
}
