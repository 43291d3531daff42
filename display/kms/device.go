// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

// Package kms drives outputs through the DRM atomic modesetting API.
// One Device is opened per card, it owns a Display per connected output
package kms

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"unsafe"

	"github.com/NeowayLabs/drm"
	"github.com/NeowayLabs/drm/mode"
	"github.com/sirupsen/logrus"
	"gitlab.com/mstarongitlab/goutils/sliceutils"
	"golang.org/x/sys/unix"

	"github.com/mstarongithub/flutterkms/evloop"
)

var ErrNoOutputs = errors.New("no connected outputs")

type Config struct {
	Card int
	// Output names to use, empty uses every connected output
	Outputs      []string
	Loop         *evloop.Loop
	BlankOnEmpty bool
}

type Device struct {
	file    *os.File
	fd      int
	card    int
	modeset *mode.SimpleModeset
	source  *evloop.Source
	log     *logrus.Entry

	mu       sync.Mutex
	displays []*Display
	closed   bool
}

// OutputName is how outputs of a card are named in configs and listings
func OutputName(card int, connector uint32) string {
	return fmt.Sprintf("card%d-conn%d", card, connector)
}

func Open(cfg Config) (*Device, error) {
	if cfg.Loop == nil {
		return nil, fmt.Errorf("kms needs an event loop for page flip events")
	}
	file, err := drm.OpenCard(cfg.Card)
	if err != nil {
		return nil, fmt.Errorf("open card %d: %w", cfg.Card, err)
	}
	dev := &Device{
		file: file,
		fd:   int(file.Fd()),
		card: cfg.Card,
		log:  logrus.WithField("component", "kms").WithField("card", cfg.Card),
	}
	if err := dev.init(cfg); err != nil {
		dev.Close()
		return nil, err
	}
	return dev, nil
}

func (dev *Device) init(cfg Config) error {
	if !drm.HasDumbBuffer(dev.file) {
		return fmt.Errorf("card %d has no dumb buffer support", dev.card)
	}
	if err := setCap(dev.fd, clientCapUniversalPlanes, 1); err != nil {
		return err
	}
	if err := setCap(dev.fd, clientCapAtomic, 1); err != nil {
		return fmt.Errorf("atomic modesetting unsupported: %w", err)
	}

	modeset, err := mode.NewSimpleModeset(dev.file)
	if err != nil {
		return fmt.Errorf("pick modes: %w", err)
	}
	dev.modeset = modeset

	res, err := mode.GetResources(dev.file)
	if err != nil {
		return fmt.Errorf("get resources: %w", err)
	}

	modesets := modeset.Modesets
	if len(cfg.Outputs) > 0 {
		modesets = sliceutils.Filter(modesets, func(ms mode.Modeset) bool {
			return slices.Contains(cfg.Outputs, OutputName(dev.card, ms.Conn))
		})
	}
	if len(modesets) == 0 {
		return ErrNoOutputs
	}

	for i, ms := range modesets {
		crtcIndex := slices.Index(res.Crtcs, ms.Crtc)
		if crtcIndex < 0 {
			return fmt.Errorf("crtc %d not in card resources", ms.Crtc)
		}
		d, err := newDisplay(dev, i+1, ms, crtcIndex, cfg.BlankOnEmpty)
		if err != nil {
			return fmt.Errorf("output %s: %w", OutputName(dev.card, ms.Conn), err)
		}
		dev.displays = append(dev.displays, d)
	}

	src, err := cfg.Loop.AddIOSource(dev.fd, evloop.Readable, dev.onReadable)
	if err != nil {
		return fmt.Errorf("watch drm fd: %w", err)
	}
	dev.source = src
	return nil
}

// Displays returns one display per used output
func (dev *Device) Displays() []*Display {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return slices.Clone(dev.displays)
}

func (dev *Device) display(userData uint64) *Display {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	for _, d := range dev.displays {
		if d.index == userData {
			return d
		}
	}
	return nil
}

func (dev *Device) onReadable(fd int, _ evloop.Events) error {
	buf := make([]byte, 1024)
	n, err := unix.Read(fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("read drm events: %w", err)
	}
	for _, ev := range parseEvents(buf[:n]) {
		d := dev.display(ev.userData)
		if d == nil {
			dev.log.WithField("user_data", ev.userData).Warnln("Flip event for unknown display")
			continue
		}
		d.onFlip(ev.timestampNS())
	}
	return nil
}

func (dev *Device) Close() error {
	dev.mu.Lock()
	if dev.closed {
		dev.mu.Unlock()
		return nil
	}
	dev.closed = true
	displays := dev.displays
	dev.displays = nil
	dev.mu.Unlock()

	var errs []error
	for _, d := range displays {
		errs = append(errs, d.Close())
	}
	if dev.source != nil {
		errs = append(errs, dev.source.Destroy())
	}
	errs = append(errs, dev.file.Close())
	return errors.Join(errs...)
}

type flipEvent struct {
	userData uint64
	sec      uint32
	usec     uint32
	sequence uint32
	crtcID   uint32
}

func (ev flipEvent) timestampNS() uint64 {
	return uint64(ev.sec)*1e9 + uint64(ev.usec)*1e3
}

// drm_event_vblank as read from the card fd
type eventVblank struct {
	Type     uint32
	Length   uint32
	UserData uint64
	TvSec    uint32
	TvUsec   uint32
	Sequence uint32
	CrtcID   uint32
}

func parseEvents(buf []byte) []flipEvent {
	var out []flipEvent
	for len(buf) >= 8 {
		typ := binary.NativeEndian.Uint32(buf[0:4])
		length := int(binary.NativeEndian.Uint32(buf[4:8]))
		if length < 8 || length > len(buf) {
			break
		}
		if typ == eventFlipComplete && length >= int(unsafe.Sizeof(eventVblank{})) {
			out = append(out, flipEvent{
				userData: binary.NativeEndian.Uint64(buf[8:16]),
				sec:      binary.NativeEndian.Uint32(buf[16:20]),
				usec:     binary.NativeEndian.Uint32(buf[20:24]),
				sequence: binary.NativeEndian.Uint32(buf[24:28]),
				crtcID:   binary.NativeEndian.Uint32(buf[28:32]),
			})
		}
		buf = buf[length:]
	}
	return out
}
