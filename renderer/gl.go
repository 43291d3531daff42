// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package renderer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/mstarongithub/flutterkms/cqueue"
	"github.com/mstarongithub/flutterkms/display"
	"github.com/mstarongithub/flutterkms/geom"
	"github.com/mstarongithub/flutterkms/pixfmt"
)

// GLContext is one EGL context. Only the goroutine that made it current may use it
type GLContext interface {
	MakeCurrent() error
	ClearCurrent() error
	Destroy() error
}

// GLBackend is the EGL/GL collaborator doing the actual GPU work
type GLBackend interface {
	NewContext() (GLContext, error)
	// AllocateTarget creates GPU memory usable as a framebuffer and describes it for import
	AllocateTarget(ctx GLContext, width, height int, format pixfmt.Format) (desc display.BufferDesc, handle any, err error)
	DestroyTarget(handle any)
	Clear(ctx GLContext, handle any) error
	Draw(ctx GLContext, handle any, src Source, props geom.Props) error
	// Flush waits until the GPU finished drawing into the target
	Flush(ctx GLContext, handle any) error
}

// GL pools contexts so any goroutine can render with any context, never two at once
type GL struct {
	backend  GLBackend
	contexts []GLContext
	unused   *cqueue.Pool[GLContext]
	closed   atomic.Bool
}

var _ Renderer = (*GL)(nil)

func NewGL(backend GLBackend, nContexts int) (*GL, error) {
	if nContexts < 1 {
		nContexts = 1
	}
	r := &GL{backend: backend}
	for range nContexts {
		ctx, err := backend.NewContext()
		if err != nil {
			r.destroyContexts()
			return nil, fmt.Errorf("create gl context: %w", err)
		}
		r.contexts = append(r.contexts, ctx)
	}
	r.unused = cqueue.NewPool(r.contexts...)
	return r, nil
}

func (r *GL) Kind() Kind { return KindGL }

// with runs fn with a current context taken from the unused queue
func (r *GL) with(fn func(ctx GLContext) error) error {
	if r.closed.Load() {
		return ErrClosed
	}
	ctx, err := r.unused.Acquire(context.Background())
	if err != nil {
		if errors.Is(err, cqueue.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	defer func() {
		if err := r.unused.Release(ctx); err != nil {
			logger.WithError(err).Debugln("GL context returned to closed pool")
		}
	}()
	if err := ctx.MakeCurrent(); err != nil {
		return fmt.Errorf("make gl context current: %w", err)
	}
	defer func() {
		if err := ctx.ClearCurrent(); err != nil {
			logger.WithError(err).Warnln("Failed to clear current gl context")
		}
	}()
	return fn(ctx)
}

func (r *GL) NewTarget(d display.Display, width, height int, format pixfmt.Format) (*Target, error) {
	var t *Target
	err := r.with(func(ctx GLContext) error {
		desc, handle, err := r.backend.AllocateTarget(ctx, width, height, format)
		if err != nil {
			return err
		}
		b, err := d.ImportBuffer(desc, func(h any) { r.backend.DestroyTarget(h) }, handle)
		if err != nil {
			r.backend.DestroyTarget(handle)
			return err
		}
		t = &Target{Buffer: b, Width: width, Height: height, Format: format, handle: handle}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gl render target: %w", err)
	}
	return t, nil
}

func (r *GL) Clear(t *Target) error {
	return r.with(func(ctx GLContext) error { return r.backend.Clear(ctx, t.handle) })
}

func (r *GL) Draw(t *Target, src Source, props geom.Props) error {
	if src.Buffer == nil && src.Image == nil {
		return ErrNoSource
	}
	return r.with(func(ctx GLContext) error { return r.backend.Draw(ctx, t.handle, src, props) })
}

func (r *GL) Flush(t *Target) error {
	return r.with(func(ctx GLContext) error { return r.backend.Flush(ctx, t.handle) })
}

func (r *GL) destroyContexts() error {
	var errs []error
	for _, ctx := range r.contexts {
		errs = append(errs, ctx.Destroy())
	}
	r.contexts = nil
	return errors.Join(errs...)
}

// Close waits for every context to be returned before destroying them
func (r *GL) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	for range r.contexts {
		if _, err := r.unused.Acquire(context.Background()); err != nil {
			break
		}
	}
	r.unused.Close()
	return r.destroyContexts()
}
