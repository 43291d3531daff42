// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package kms

import (
	"fmt"

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
		MaxLayers: len(p.d.planes),
		Formats:   commonFormats(p.d.planes),
		Rotations: commonRotations(p.d.planes),
		CanScale:  true,
		Buffers:   []display.BufferType{display.BufferSoftware, display.BufferGEM, display.BufferGBM},
	}
}

func disablePlane(req *atomicRequest, pl *plane) {
	req.add(pl.id, pl.props.id("FB_ID"), 0)
	req.add(pl.id, pl.props.id("CRTC_ID"), 0)
}

// build assigns entry i to plane i, bottom to top
func (p *presenter) build(entries []display.StackEntry, blank bool) (*atomicRequest, error) {
	d := p.d
	req := newAtomicRequest()
	// Keeps the crtc in the request so the flip event is generated even without plane changes
	req.add(d.ms.Crtc, d.crtcProps.id("ACTIVE"), 1)

	if len(entries) > len(d.planes) {
		return nil, &display.CommitError{Zpos: entries[len(d.planes)].Zpos, Err: display.ErrNoFreePlane}
	}
	empty := len(display.Layers(entries)) == 0
	if empty && !blank {
		return req, nil
	}

	for i, pl := range d.planes {
		if i >= len(entries) || entries[i].Placeholder {
			disablePlane(req, pl)
			continue
		}
		e := entries[i]
		layer := e.Layer
		if !pl.supports(layer.Buffer.Format()) {
			return nil, &display.CommitError{
				Zpos: e.Zpos,
				Err:  fmt.Errorf("plane %d can't scan out %s: %w", pl.id, layer.Buffer.Format(), display.ErrUnsupportedFormat),
			}
		}
		if layer.Rotation&^pl.rotations != 0 {
			return nil, &display.CommitError{Zpos: e.Zpos, Err: fmt.Errorf("plane %d can't do %s", pl.id, layer.Rotation)}
		}
		fbID, err := d.framebuffer(layer.Buffer)
		if err != nil {
			return nil, &display.CommitError{Zpos: e.Zpos, Err: err}
		}

		req.add(pl.id, pl.props.id("FB_ID"), uint64(fbID))
		req.add(pl.id, pl.props.id("CRTC_ID"), uint64(d.ms.Crtc))
		req.add(pl.id, pl.props.id("SRC_X"), fixed16(layer.Src.X))
		req.add(pl.id, pl.props.id("SRC_Y"), fixed16(layer.Src.Y))
		req.add(pl.id, pl.props.id("SRC_W"), fixed16(layer.Src.W))
		req.add(pl.id, pl.props.id("SRC_H"), fixed16(layer.Src.H))
		req.add(pl.id, pl.props.id("CRTC_X"), uint64(int64(layer.Dst.Min.X)))
		req.add(pl.id, pl.props.id("CRTC_Y"), uint64(int64(layer.Dst.Min.Y)))
		req.add(pl.id, pl.props.id("CRTC_W"), uint64(layer.Dst.Dx()))
		req.add(pl.id, pl.props.id("CRTC_H"), uint64(layer.Dst.Dy()))
		if pl.props.has("rotation") {
			req.add(pl.id, pl.props.id("rotation"), uint64(layer.Rotation))
		}
		if pl.zposMutable {
			z := pl.zposMin + uint64(i)
			if pl.zposMax > 0 {
				z = min(z, pl.zposMax)
			}
			req.add(pl.id, pl.props.id("zpos"), z)
		}
		if layer.HasInFence {
			req.add(pl.id, pl.props.id("IN_FENCE_FD"), uint64(int64(layer.InFenceFd)))
		}
	}
	return req, nil
}

func (p *presenter) test(req *atomicRequest) error {
	flags := uint32(atomicTestOnly)
	p.d.mu.Lock()
	if !p.d.modesetDone {
		req = req.clone()
		p.d.addModeset(req)
		flags |= atomicAllowModeset
	}
	p.d.mu.Unlock()
	return req.commit(p.d.dev.fd, flags, 0)
}

// offender finds the lowest layer whose addition makes the test commit fail
func (p *presenter) offender(entries []display.StackEntry, blank bool) int {
	for n := 1; n <= len(entries); n++ {
		if entries[n-1].Placeholder {
			continue
		}
		req, err := p.build(entries[:n], blank)
		if err != nil {
			return entries[n-1].Zpos
		}
		if p.test(req) != nil {
			return entries[n-1].Zpos
		}
	}
	return -1
}

func (p *presenter) Flush() error {
	entries, err := p.stack.Seal()
	if err != nil {
		return err
	}
	blank := p.d.tracker.BlankOnEmpty
	req, err := p.build(entries, blank)
	if err != nil {
		display.ReleaseEntries(entries)
		return err
	}
	if err := p.test(req); err != nil {
		zpos := p.offender(entries, blank)
		display.ReleaseEntries(entries)
		return &display.CommitError{Zpos: zpos, Err: err}
	}
	if err := p.d.submit(&queuedCommit{req: req, entries: entries, onScanout: p.onScanout}); err != nil {
		display.ReleaseEntries(entries)
		return &display.CommitError{Zpos: -1, Err: err}
	}
	return nil
}
