// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package display models a physical output: the buffers it can show and the
// presenter that turns a stack of buffer layers into one atomic update.
//
// Backends live in the sub packages (kms, fbdev, headless). Everything in here
// is shared by them.
package display

import (
	"errors"
	"fmt"
	"slices"

	"github.com/mstarongithub/flutterkms/pixfmt"
)

var (
	ErrUnsupportedFormat = errors.New("pixel format not supported by display")
	ErrImportUnsupported = errors.New("buffer type can't be imported by display")
	ErrNoFreePlane       = errors.New("no free hardware plane")
	ErrCommitRejected    = errors.New("commit rejected")
	ErrPresenterFlushed  = errors.New("presenter already flushed")
	ErrBufferDestroyed   = errors.New("buffer already destroyed")
	ErrInvalidBuffer     = errors.New("invalid buffer geometry")
	ErrDisplayClosed     = errors.New("display closed")
)

// CommitError is returned by Presenter.Flush when the backend rejected the update.
// Zpos is the logical zpos of the layer that caused it, or -1 if the backend can't tell
type CommitError struct {
	Zpos int
	Err  error
}

func (e *CommitError) Error() string {
	if e.Zpos < 0 {
		return fmt.Sprintf("commit rejected: %v", e.Err)
	}
	return fmt.Sprintf("commit rejected at zpos %d: %v", e.Zpos, e.Err)
}

func (e *CommitError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCommitRejected}
	}
	return []error{ErrCommitRejected, e.Err}
}

// RejectedZpos extracts the offending zpos from a flush error
func RejectedZpos(err error) (int, bool) {
	var ce *CommitError
	if errors.As(err, &ce) && ce.Zpos >= 0 {
		return ce.Zpos, true
	}
	return -1, false
}

type BufferFlags uint32

const (
	// Buffer will be scanned out directly
	FlagScanout BufferFlags = 1 << iota
	// Buffer will be rendered into
	FlagRender
	// Force a linear layout
	FlagLinear
)

// Display is one physical output
type Display interface {
	Name() string
	Size() (width, height int)
	// Refresh rate in Hz
	RefreshRate() float64
	Formats() []pixfmt.Format

	CreateBuffer(width, height, stride int, format pixfmt.Format, flags BufferFlags) (*Buffer, error)
	SupportsImportingBufferType(t BufferType) bool
	// ImportBuffer wraps foreign memory without copying it.
	// onDestroy runs once the display is done with the memory, which may be
	// after the buffer was unreferenced if it is still being scanned out
	ImportBuffer(desc BufferDesc, onDestroy func(userdata any), userdata any) (*Buffer, error)

	NewPresenter() Presenter
	Close() error
}

// ScanoutCallback runs once the committed frame is on screen, with the
// timestamp of the vblank it became visible at
type ScanoutCallback func(vblankNS uint64)

// Presenter accumulates the layers of one frame, back to front.
// Every presenter is flushed exactly once
type Presenter interface {
	// SetLogicalZpos sets the zpos of the next pushed layer. Must not go backwards
	SetLogicalZpos(zpos int)
	LogicalZpos() int
	PushDisplayBufferLayer(layer BufferLayer) error
	// PushPlaceholderLayer reserves n zpos slots without content
	PushPlaceholderLayer(n int)
	SetScanoutCallback(cb ScanoutCallback)
	Flush() error
	Caps() Caps
	Display() Display
}

// Caps describes what a presenter can put on screen without compositing
type Caps struct {
	// Number of layers one commit can carry, 0 means unlimited
	MaxLayers int
	Formats   []pixfmt.Format
	// Supported rotation and reflection bits
	Rotations Rotation
	CanScale  bool
	// Buffer types a layer may carry
	Buffers []BufferType
	// Layers are blitted by software
	Software bool
}

func (c Caps) CanShow(t BufferType) bool {
	return slices.Contains(c.Buffers, t)
}

func (c Caps) SupportsFormat(f pixfmt.Format) bool {
	return slices.Contains(c.Formats, f)
}

func (c Caps) SupportsRotation(r Rotation) bool {
	if r == 0 {
		r = Rotate0
	}
	return r&^c.Rotations == 0
}

// CheckImport is the common validation every backend runs before importing
func CheckImport(d Display, desc BufferDesc) error {
	if !d.SupportsImportingBufferType(desc.Type) {
		return fmt.Errorf("%s: %w", desc.Type, ErrImportUnsupported)
	}
	return desc.Validate()
}
