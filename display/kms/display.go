// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package kms

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/NeowayLabs/drm/mode"
	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/flutterkms/display"
	"github.com/mstarongithub/flutterkms/pixfmt"
)

// queuedCommit waits for the flip of the commit before it
type queuedCommit struct {
	req       *atomicRequest
	flags     uint32
	entries   []display.StackEntry
	onScanout display.ScanoutCallback
}

// Display is one connector driven by one crtc
type Display struct {
	dev       *Device
	index     uint64
	name      string
	ms        mode.Modeset
	crtcIndex int
	savedCrtc *mode.Crtc
	planes    []*plane
	crtcProps objectProps
	connProps objectProps
	modeBlob  uint32
	log       *logrus.Entry

	tracker display.CommitTracker

	mu          sync.Mutex
	modesetDone bool
	inFlight    bool
	queued      []*queuedCommit
	dumb        map[uint64]uint32
	closed      bool
}

var _ display.Display = (*Display)(nil)

func newDisplay(dev *Device, index int, ms mode.Modeset, crtcIndex int, blankOnEmpty bool) (*Display, error) {
	d := &Display{
		dev:       dev,
		index:     uint64(index),
		name:      OutputName(dev.card, ms.Conn),
		ms:        ms,
		crtcIndex: crtcIndex,
		dumb:      make(map[uint64]uint32),
	}
	d.log = dev.log.WithField("display", d.name)
	d.tracker.BlankOnEmpty = blankOnEmpty

	saved, err := mode.GetCrtc(dev.file, ms.Crtc)
	if err != nil {
		return nil, fmt.Errorf("save crtc %d: %w", ms.Crtc, err)
	}
	d.savedCrtc = saved

	if d.planes, err = discoverPlanes(dev.fd, crtcIndex); err != nil {
		return nil, err
	}
	if d.crtcProps, err = readObjectProps(dev.fd, ms.Crtc, objectCrtc); err != nil {
		return nil, err
	}
	if d.connProps, err = readObjectProps(dev.fd, ms.Conn, objectConnector); err != nil {
		return nil, err
	}
	modeInfo := unsafe.Slice((*byte)(unsafe.Pointer(&d.ms.Mode)), unsafe.Sizeof(d.ms.Mode))
	if d.modeBlob, err = createPropertyBlob(dev.fd, modeInfo); err != nil {
		return nil, err
	}

	d.log.WithField("planes", len(d.planes)).
		WithField("mode", fmt.Sprintf("%dx%d@%d", ms.Width, ms.Height, ms.Mode.Vrefresh)).
		Infoln("Output ready")
	return d, nil
}

func (d *Display) Name() string { return d.name }

func (d *Display) Size() (int, int) { return int(d.ms.Width), int(d.ms.Height) }

func (d *Display) RefreshRate() float64 {
	if d.ms.Mode.Vrefresh == 0 {
		return 60
	}
	return float64(d.ms.Mode.Vrefresh)
}

func (d *Display) Formats() []pixfmt.Format {
	return commonFormats(d.planes)
}

// CreateBuffer allocates a CPU mapped dumb buffer
func (d *Display) CreateBuffer(width, height, stride int, format pixfmt.Format, flags display.BufferFlags) (*display.Buffer, error) {
	if !format.Mappable() || !d.planes[0].supports(format) {
		return nil, fmt.Errorf("dumb buffer as %s: %w", format, display.ErrUnsupportedFormat)
	}
	if width <= 0 || height <= 0 || width > 0xffff || height > 0xffff {
		return nil, fmt.Errorf("dumb buffer %dx%d: %w", width, height, display.ErrInvalidBuffer)
	}
	file := d.dev.file
	fb, err := mode.CreateFB(file, uint16(width), uint16(height), uint32(format.BitsPerPixel()))
	if err != nil {
		return nil, fmt.Errorf("create dumb buffer: %w", err)
	}
	offset, err := mode.MapDumb(file, fb.Handle)
	if err != nil {
		mode.DestroyDumb(file, fb.Handle)
		return nil, fmt.Errorf("map dumb buffer: %w", err)
	}
	pix, err := mapDumb(file.Fd(), offset, fb.Size)
	if err != nil {
		mode.DestroyDumb(file, fb.Handle)
		return nil, err
	}
	if stride != 0 && stride != int(fb.Pitch) {
		d.log.WithField("wanted", stride).WithField("got", fb.Pitch).Debugln("Dumb buffer stride differs from request")
	}

	handle := fb.Handle
	desc := display.BufferDesc{
		Type:   display.BufferSoftware,
		Width:  width,
		Height: height,
		Stride: int(fb.Pitch),
		Format: format,
		Pix:    pix,
		Handle: handle,
	}
	var b *display.Buffer
	b = display.NewBuffer(desc, func(any) {
		d.mu.Lock()
		delete(d.dumb, b.ID())
		d.mu.Unlock()
		if err := unmapDumb(pix); err != nil {
			d.log.WithError(err).Warnln("Failed to unmap dumb buffer")
		}
		if err := mode.DestroyDumb(file, handle); err != nil {
			d.log.WithError(err).Warnln("Failed to destroy dumb buffer")
		}
	}, nil)
	d.mu.Lock()
	d.dumb[b.ID()] = handle
	d.mu.Unlock()
	return b, nil
}

func (d *Display) SupportsImportingBufferType(t display.BufferType) bool {
	return t == display.BufferGEM || t == display.BufferGBM
}

func (d *Display) ImportBuffer(desc display.BufferDesc, onDestroy func(any), userdata any) (*display.Buffer, error) {
	if err := display.CheckImport(d, desc); err != nil {
		return nil, err
	}
	return display.NewBuffer(desc, onDestroy, userdata), nil
}

func (d *Display) NewPresenter() display.Presenter {
	return &presenter{d: d}
}

type fbResources struct {
	d           *Display
	fbID        uint32
	handle      uint32
	closeHandle bool
}

func (r *fbResources) Release() error {
	err := mode.RmFB(r.d.dev.file, r.fbID)
	if r.closeHandle {
		err = errors.Join(err, closeGEMHandle(r.d.dev.fd, r.handle))
	}
	return err
}

// framebuffer returns the KMS framebuffer of b, adding it on first use
func (d *Display) framebuffer(b *display.Buffer) (uint32, error) {
	res, err := b.Resources(func(b *display.Buffer) (display.Resources, error) {
		desc := b.Desc()
		r := &fbResources{d: d}
		switch desc.Type {
		case display.BufferSoftware:
			d.mu.Lock()
			handle, ok := d.dumb[b.ID()]
			d.mu.Unlock()
			if !ok {
				return nil, fmt.Errorf("software buffer %d not allocated here: %w", b.ID(), display.ErrImportUnsupported)
			}
			r.handle = handle
		case display.BufferGEM:
			r.handle = desc.Handle
		case display.BufferGBM:
			handle, err := primeFdToHandle(d.dev.fd, desc.Fd)
			if err != nil {
				return nil, err
			}
			r.handle, r.closeHandle = handle, true
		default:
			return nil, fmt.Errorf("%s: %w", desc.Type, display.ErrImportUnsupported)
		}
		fbID, err := addFB2(d.dev.fd, uint32(desc.Width), uint32(desc.Height), uint32(desc.Format), r.handle, uint32(desc.Stride), desc.Modifier)
		if err != nil {
			if r.closeHandle {
				closeGEMHandle(d.dev.fd, r.handle)
			}
			return nil, err
		}
		r.fbID = fbID
		return r, nil
	})
	if err != nil {
		return 0, err
	}
	return res.(*fbResources).fbID, nil
}

// submit hands a tested request to the kernel, or queues it behind the flip in flight
func (d *Display) submit(qc *queuedCommit) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return display.ErrDisplayClosed
	}
	if d.inFlight {
		d.queued = append(d.queued, qc)
		return nil
	}
	return d.commitLocked(qc)
}

func (d *Display) commitLocked(qc *queuedCommit) error {
	flags := qc.flags | atomicNonblock | atomicPageFlipEvent
	if !d.modesetDone {
		d.addModeset(qc.req)
		flags |= atomicAllowModeset
	}
	if err := qc.req.commit(d.dev.fd, flags, d.index); err != nil {
		return err
	}
	d.modesetDone = true
	d.inFlight = true
	d.tracker.Submit(qc.entries, qc.onScanout)
	return nil
}

func (d *Display) addModeset(req *atomicRequest) {
	req.add(d.ms.Crtc, d.crtcProps.id("MODE_ID"), uint64(d.modeBlob))
	req.add(d.ms.Crtc, d.crtcProps.id("ACTIVE"), 1)
	req.add(d.ms.Conn, d.connProps.id("CRTC_ID"), uint64(d.ms.Crtc))
}

// onFlip runs on the event loop thread. Queued commits go out before the
// scanout callbacks run, so frames presented from those callbacks stay behind them
func (d *Display) onFlip(vblankNS uint64) {
	var dropped [][]display.StackEntry
	d.mu.Lock()
	d.inFlight = false
	for len(d.queued) > 0 && !d.inFlight {
		qc := d.queued[0]
		d.queued = d.queued[1:]
		if err := d.commitLocked(qc); err != nil {
			d.log.WithError(err).Warnln("Dropping queued frame")
			dropped = append(dropped, qc.entries)
		}
	}
	d.mu.Unlock()

	for _, entries := range dropped {
		display.ReleaseEntries(entries)
	}
	d.tracker.Flipped(vblankNS)
}

func (d *Display) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	queued := d.queued
	d.queued = nil
	d.mu.Unlock()

	for _, qc := range queued {
		display.ReleaseEntries(qc.entries)
	}

	var errs []error
	if d.dev.modeset != nil && d.savedCrtc != nil {
		errs = append(errs, d.dev.modeset.SetCrtc(&d.ms, d.savedCrtc))
	}
	d.tracker.Close()
	if d.modeBlob != 0 {
		errs = append(errs, destroyPropertyBlob(d.dev.fd, d.modeBlob))
	}
	return errors.Join(errs...)
}
