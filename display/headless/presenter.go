// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package headless

import (
	"fmt"
	"slices"

	"github.com/mstarongithub/flutterkms/display"
)

type presenter struct {
	d         *Display
	stack     display.Stack
	onScanout display.ScanoutCallback
}

func (p *presenter) SetLogicalZpos(zpos int) { p.stack.SetLogicalZpos(zpos) }

func (p *presenter) LogicalZpos() int { return p.stack.LogicalZpos() }

func (p *presenter) PushDisplayBufferLayer(layer display.BufferLayer) error {
	return p.stack.Push(layer)
}

func (p *presenter) PushPlaceholderLayer(n int) { p.stack.PushPlaceholder(n) }

func (p *presenter) SetScanoutCallback(cb display.ScanoutCallback) { p.onScanout = cb }

func (p *presenter) Display() display.Display { return p.d }

func (p *presenter) Caps() display.Caps {
	return display.Caps{
		MaxLayers: p.d.cfg.Planes,
		Formats:   slices.Clone(p.d.cfg.Formats),
		Rotations: display.Rotate0 | display.Rotate90 | display.Rotate180 | display.Rotate270 | display.ReflectX | display.ReflectY,
		CanScale:  true,
		Buffers:   []display.BufferType{display.BufferSoftware},
	}
}

// check validates entries against the plane budget, the same way an atomic test commit would
func (p *presenter) check(entries []display.StackEntry) error {
	if p.d.cfg.Planes > 0 && len(entries) > p.d.cfg.Planes {
		return &display.CommitError{Zpos: entries[p.d.cfg.Planes].Zpos, Err: display.ErrNoFreePlane}
	}
	for _, e := range entries {
		if e.Placeholder {
			continue
		}
		if !slices.Contains(p.d.cfg.Formats, e.Layer.Buffer.Format()) {
			return &display.CommitError{
				Zpos: e.Zpos,
				Err:  fmt.Errorf("%s: %w", e.Layer.Buffer.Format(), display.ErrUnsupportedFormat),
			}
		}
		if e.Layer.Buffer.Type() != display.BufferSoftware {
			return &display.CommitError{Zpos: e.Zpos, Err: display.ErrImportUnsupported}
		}
	}
	return nil
}

func (p *presenter) Flush() error {
	entries, err := p.stack.Seal()
	if err != nil {
		return err
	}
	p.d.mu.Lock()
	closed := p.d.closed
	p.d.mu.Unlock()
	if closed {
		display.ReleaseEntries(entries)
		return display.ErrDisplayClosed
	}
	if rej, ok := p.d.popRejection(); ok {
		display.ReleaseEntries(entries)
		return &display.CommitError{Zpos: rej.zpos, Err: rej.err}
	}
	if err := p.check(entries); err != nil {
		display.ReleaseEntries(entries)
		return err
	}

	p.d.record(entries)
	p.d.tracker.Submit(entries, p.onScanout)
	p.d.armVblank()
	return nil
}
