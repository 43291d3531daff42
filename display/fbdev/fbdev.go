// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

// Package fbdev shows frames on a linux framebuffer device by blitting every
// layer into a shadow buffer and copying that to video memory on flush
package fbdev

import (
	"fmt"
	"os"
	"slices"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"launchpad.net/gommap"

	"github.com/mstarongithub/flutterkms/display"
	"github.com/mstarongithub/flutterkms/evloop"
	"github.com/mstarongithub/flutterkms/pixfmt"
)

const (
	ioctlGetVScreenInfo = 0x4600
	ioctlGetFScreenInfo = 0x4602
)

type bitfield struct {
	Offset   uint32
	Length   uint32
	MsbRight uint32
}

type varScreenInfo struct {
	Xres, Yres               uint32
	XresVirtual, YresVirtual uint32
	Xoffset, Yoffset         uint32
	BitsPerPixel             uint32
	Grayscale                uint32
	Red, Green, Blue, Transp bitfield
	Nonstd                   uint32
	Activate                 uint32
	Height, Width            uint32
	AccelFlags               uint32
	Pixclock                 uint32
	LeftMargin, RightMargin  uint32
	UpperMargin, LowerMargin uint32
	HsyncLen, VsyncLen       uint32
	Sync, Vmode              uint32
	Rotate                   uint32
	Colorspace               uint32
	Reserved                 [4]uint32
}

type fixScreenInfo struct {
	ID           [16]byte
	SmemStart    uint64
	SmemLen      uint32
	Type         uint32
	TypeAux      uint32
	Visual       uint32
	Xpanstep     uint16
	Ypanstep     uint16
	Ywrapstep    uint16
	LineLength   uint32
	MmioStart    uint64
	MmioLen      uint32
	Accel        uint32
	Capabilities uint16
	Reserved     [2]uint16
}

func ioctl(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg)); errno != 0 {
		return errno
	}
	return nil
}

// refreshRate derives the refresh rate from the mode timings, 60Hz if they are missing
func refreshRate(v varScreenInfo) float64 {
	htotal := uint64(v.Xres + v.LeftMargin + v.RightMargin + v.HsyncLen)
	vtotal := uint64(v.Yres + v.UpperMargin + v.LowerMargin + v.VsyncLen)
	if v.Pixclock == 0 || htotal == 0 || vtotal == 0 {
		return 60
	}
	// Pixclock is in picoseconds
	return 1e12 / (float64(v.Pixclock) * float64(htotal) * float64(vtotal))
}

type Config struct {
	// Framebuffer device, /dev/fb0 if empty
	Device       string
	Loop         *evloop.Loop
	BlankOnEmpty bool
}

type Display struct {
	file   *os.File
	name   string
	vinfo  varScreenInfo
	finfo  fixScreenInfo
	format pixfmt.Format
	vmem   gommap.MMap
	clock  *display.FlipClock
	log    *logrus.Entry

	tracker display.CommitTracker

	// Frames are composed here, then copied to video memory in one go
	mu     sync.Mutex
	shadow []byte
	closed bool
}

var _ display.Display = (*Display)(nil)

func Open(cfg Config) (*Display, error) {
	path := cfg.Device
	if path == "" {
		path = "/dev/fb0"
	}
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open framebuffer: %w", err)
	}
	d := &Display{
		file: file,
		log:  logrus.WithField("component", "fbdev").WithField("device", path),
	}
	if err := d.init(cfg); err != nil {
		file.Close()
		return nil, err
	}
	return d, nil
}

func (d *Display) init(cfg Config) error {
	fd := d.file.Fd()
	if err := ioctl(fd, ioctlGetVScreenInfo, unsafe.Pointer(&d.vinfo)); err != nil {
		return fmt.Errorf("get var screeninfo: %w", err)
	}
	if err := ioctl(fd, ioctlGetFScreenInfo, unsafe.Pointer(&d.finfo)); err != nil {
		return fmt.Errorf("get fix screeninfo: %w", err)
	}
	v := d.vinfo
	format, ok := pixfmt.FromFbdev(v.BitsPerPixel,
		pixfmt.Bitfield{Offset: v.Red.Offset, Length: v.Red.Length},
		pixfmt.Bitfield{Offset: v.Green.Offset, Length: v.Green.Length},
		pixfmt.Bitfield{Offset: v.Blue.Offset, Length: v.Blue.Length},
		pixfmt.Bitfield{Offset: v.Transp.Offset, Length: v.Transp.Length},
	)
	if !ok {
		return fmt.Errorf("%d bpp framebuffer layout: %w", v.BitsPerPixel, display.ErrUnsupportedFormat)
	}
	d.format = format

	size := int64(d.finfo.LineLength) * int64(v.Yres)
	vmem, err := gommap.MapAt(0, fd, 0, size, gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap framebuffer: %w", err)
	}
	d.vmem = vmem
	d.shadow = make([]byte, len(vmem))

	var poster display.DelayedPoster
	if cfg.Loop != nil {
		poster = cfg.Loop
	}
	d.clock = display.NewFlipClock(refreshRate(v), poster)
	d.tracker.BlankOnEmpty = cfg.BlankOnEmpty

	id := cString(d.finfo.ID[:])
	d.name = "fbdev-" + id
	d.log.WithField("id", id).
		WithField("mode", fmt.Sprintf("%dx%d", v.Xres, v.Yres)).
		WithField("format", format).
		Infoln("Framebuffer ready")
	return nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (d *Display) Name() string { return d.name }

func (d *Display) Size() (int, int) { return int(d.vinfo.Xres), int(d.vinfo.Yres) }

func (d *Display) RefreshRate() float64 { return refreshRate(d.vinfo) }

func (d *Display) Formats() []pixfmt.Format {
	formats := []pixfmt.Format{d.format}
	for _, f := range []pixfmt.Format{pixfmt.ARGB8888, pixfmt.XRGB8888, pixfmt.ABGR8888, pixfmt.XBGR8888, pixfmt.RGB565} {
		if !slices.Contains(formats, f) {
			formats = append(formats, f)
		}
	}
	return formats
}

// NativeFormat is the pixel layout of video memory
func (d *Display) NativeFormat() pixfmt.Format { return d.format }

func (d *Display) CreateBuffer(width, height, stride int, format pixfmt.Format, flags display.BufferFlags) (*display.Buffer, error) {
	if !format.Mappable() {
		return nil, fmt.Errorf("software buffer as %s: %w", format, display.ErrUnsupportedFormat)
	}
	return display.NewSoftwareBuffer(width, height, stride, format)
}

func (d *Display) SupportsImportingBufferType(t display.BufferType) bool {
	return t == display.BufferSoftware
}

func (d *Display) ImportBuffer(desc display.BufferDesc, onDestroy func(any), userdata any) (*display.Buffer, error) {
	if err := display.CheckImport(d, desc); err != nil {
		return nil, err
	}
	if !desc.Format.Mappable() {
		return nil, fmt.Errorf("import %s: %w", desc.Format, display.ErrUnsupportedFormat)
	}
	return display.NewBuffer(desc, onDestroy, userdata), nil
}

func (d *Display) NewPresenter() display.Presenter {
	return &presenter{d: d}
}

// compose blits layers into the shadow buffer and copies it to video memory
func (d *Display) compose(layers []display.BufferLayer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return display.ErrDisplayClosed
	}
	img, err := pixfmt.NewImage(d.format, d.shadow, int(d.vinfo.Xres), int(d.vinfo.Yres), int(d.finfo.LineLength))
	if err != nil {
		return err
	}
	if err := display.BlitStack(img, layers); err != nil {
		return err
	}
	copy(d.vmem, d.shadow)
	return nil
}

func (d *Display) flipped() {
	d.clock.Tick()
	d.tracker.Flipped(display.Now())
	if d.tracker.Pending() > 0 {
		d.clock.Arm(d.flipped)
	}
}

func (d *Display) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if d.clock != nil {
		d.clock.Close()
	}
	d.tracker.Close()
	var err error
	if d.vmem != nil {
		err = d.vmem.UnsafeUnmap()
	}
	if cerr := d.file.Close(); err == nil {
		err = cerr
	}
	return err
}

type presenter struct {
	d         *Display
	stack     display.Stack
	onScanout display.ScanoutCallback
}

func (p *presenter) SetLogicalZpos(zpos int) { p.stack.SetLogicalZpos(zpos) }

func (p *presenter) LogicalZpos() int { return p.stack.LogicalZpos() }

func (p *presenter) PushDisplayBufferLayer(layer display.BufferLayer) error {
	if layer.Buffer != nil && layer.Buffer.Type() != display.BufferSoftware {
		return fmt.Errorf("%s buffer on fbdev: %w", layer.Buffer.Type(), display.ErrImportUnsupported)
	}
	return p.stack.Push(layer)
}

func (p *presenter) PushPlaceholderLayer(n int) { p.stack.PushPlaceholder(n) }

func (p *presenter) SetScanoutCallback(cb display.ScanoutCallback) { p.onScanout = cb }

func (p *presenter) Display() display.Display { return p.d }

func (p *presenter) Caps() display.Caps {
	return display.Caps{
		Formats:   p.d.Formats(),
		Rotations: display.Rotate0 | display.Rotate90 | display.Rotate180 | display.Rotate270 | display.ReflectX | display.ReflectY,
		CanScale:  true,
		Buffers:   []display.BufferType{display.BufferSoftware},
		Software:  true,
	}
}

func (p *presenter) Flush() error {
	entries, err := p.stack.Seal()
	if err != nil {
		return err
	}
	layers := display.Layers(entries)
	if len(layers) > 0 || p.d.tracker.BlankOnEmpty {
		if err := p.d.compose(layers); err != nil {
			display.ReleaseEntries(entries)
			return &display.CommitError{Zpos: -1, Err: err}
		}
	}
	p.d.tracker.Submit(entries, p.onScanout)
	p.d.clock.Arm(p.d.flipped)
	return nil
}
