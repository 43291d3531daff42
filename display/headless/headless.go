// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package headless is a display without hardware. It enforces a plane budget
// like a KMS device would, records every commit and simulates vblanks
package headless

import (
	"fmt"
	"image"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/flutterkms/display"
	"github.com/mstarongithub/flutterkms/evloop"
	"github.com/mstarongithub/flutterkms/pixfmt"
)

type Config struct {
	Name      string
	Width     int
	Height    int
	RefreshHz float64
	// Hardware planes available per commit
	Planes  int
	Formats []pixfmt.Format
	// Buffer types ImportBuffer accepts
	ImportTypes []display.BufferType
	// Loop used to deliver simulated vblanks. Nil uses timers
	Loop *evloop.Loop
	// ManualVblank disables the clock, vblanks only happen through Display.Vblank
	ManualVblank bool
	BlankOnEmpty bool
}

func DefaultConfig() Config {
	return Config{
		Name:        "headless-1",
		Width:       800,
		Height:      480,
		RefreshHz:   60,
		Planes:      3,
		Formats:     []pixfmt.Format{pixfmt.XRGB8888, pixfmt.ARGB8888, pixfmt.ABGR8888, pixfmt.XBGR8888, pixfmt.RGB565},
		ImportTypes: []display.BufferType{display.BufferSoftware},
	}
}

// PlaneState is one plane in a recorded commit
type PlaneState struct {
	Plane    int
	Zpos     int
	BufferID uint64
	Format   pixfmt.Format
	Src      image.Rectangle
	Dst      image.Rectangle
	Rotation display.Rotation
}

// CommitRecord is what the display saw for one successful flush
type CommitRecord struct {
	Seq    int
	Planes []PlaneState
}

type rejection struct {
	zpos int
	err  error
}

// Display implements display.Display
type Display struct {
	cfg   Config
	clock *display.FlipClock
	log   *logrus.Entry

	tracker display.CommitTracker

	mu         sync.Mutex
	commits    []CommitRecord
	rejections []rejection
	closed     bool
}

var _ display.Display = (*Display)(nil)

func New(cfg Config) (*Display, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("headless display size %dx%d: %w", cfg.Width, cfg.Height, display.ErrInvalidBuffer)
	}
	if cfg.RefreshHz <= 0 {
		cfg.RefreshHz = 60
	}
	if cfg.Name == "" {
		cfg.Name = "headless"
	}
	var poster display.DelayedPoster
	if cfg.Loop != nil {
		poster = cfg.Loop
	}
	d := &Display{
		cfg:   cfg,
		clock: display.NewFlipClock(cfg.RefreshHz, poster),
		log:   logrus.WithField("component", "headless").WithField("display", cfg.Name),
	}
	d.tracker.BlankOnEmpty = cfg.BlankOnEmpty
	return d, nil
}

func (d *Display) Name() string { return d.cfg.Name }

func (d *Display) Size() (int, int) { return d.cfg.Width, d.cfg.Height }

func (d *Display) RefreshRate() float64 { return d.cfg.RefreshHz }

func (d *Display) Formats() []pixfmt.Format { return slices.Clone(d.cfg.Formats) }

func (d *Display) CreateBuffer(width, height, stride int, format pixfmt.Format, flags display.BufferFlags) (*display.Buffer, error) {
	if !slices.Contains(d.cfg.Formats, format) || !format.Mappable() {
		return nil, fmt.Errorf("create %s buffer: %w", format, display.ErrUnsupportedFormat)
	}
	return display.NewSoftwareBuffer(width, height, stride, format)
}

func (d *Display) SupportsImportingBufferType(t display.BufferType) bool {
	return slices.Contains(d.cfg.ImportTypes, t)
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

// RejectNext makes the next n flushes fail, blaming the layer at zpos (-1 for nobody)
func (d *Display) RejectNext(n int, zpos int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for range n {
		d.rejections = append(d.rejections, rejection{zpos: zpos, err: fmt.Errorf("injected failure")})
	}
}

// Commits returns every successful commit so far
func (d *Display) Commits() []CommitRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.commits)
}

func (d *Display) LastCommit() (CommitRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.commits) == 0 {
		return CommitRecord{}, false
	}
	return d.commits[len(d.commits)-1], true
}

// PendingFlips is the number of commits waiting for a vblank
func (d *Display) PendingFlips() int {
	return d.tracker.Pending()
}

// OnScreen returns the buffer layers currently scanned out, in zpos order
func (d *Display) OnScreen() []display.BufferLayer {
	return d.tracker.Current()
}

// Scanout blends the planes currently on screen like the hardware would
func (d *Display) Scanout() (*image.RGBA, error) {
	img := image.NewRGBA(image.Rect(0, 0, d.cfg.Width, d.cfg.Height))
	if err := display.BlitStack(img, d.tracker.Current()); err != nil {
		return nil, err
	}
	return img, nil
}

// Vblank completes the oldest pending flip. Returns false if nothing was pending
func (d *Display) Vblank() bool {
	if d.tracker.Pending() == 0 {
		return false
	}
	d.clock.Tick()
	d.tracker.Flipped(display.Now())
	return true
}

func (d *Display) armVblank() {
	if d.cfg.ManualVblank {
		return
	}
	d.clock.Arm(func() {
		d.Vblank()
		if d.tracker.Pending() > 0 {
			d.armVblank()
		}
	})
}

func (d *Display) record(entries []display.StackEntry) {
	rec := CommitRecord{}
	plane := 0
	for _, e := range entries {
		if !e.Placeholder {
			rec.Planes = append(rec.Planes, PlaneState{
				Plane:    plane,
				Zpos:     e.Zpos,
				BufferID: e.Layer.Buffer.ID(),
				Format:   e.Layer.Buffer.Format(),
				Src:      e.Layer.Src.Image(),
				Dst:      e.Layer.Dst,
				Rotation: e.Layer.Rotation,
			})
		}
		plane++
	}
	d.mu.Lock()
	rec.Seq = len(d.commits) + 1
	d.commits = append(d.commits, rec)
	d.mu.Unlock()
}

func (d *Display) popRejection() (rejection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.rejections) == 0 {
		return rejection{}, false
	}
	r := d.rejections[0]
	d.rejections = d.rejections[1:]
	return r, true
}

func (d *Display) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.clock.Close()
	d.tracker.Close()
	return nil
}
