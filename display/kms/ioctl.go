// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package kms

import (
	"bytes"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The atomic and plane parts of the DRM uapi. Legacy modesetting goes through NeowayLabs/drm

const (
	iocWrite = 1
	iocRead  = 2

	drmIoctlBase = 'd'
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | drmIoctlBase<<8 | nr
}

func iow(nr, size uintptr) uintptr { return ioc(iocWrite, nr, size) }

func iowr(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }

type setClientCap struct {
	Capability uint64
	Value      uint64
}

type getPlaneRes struct {
	PlaneIDPtr  uint64
	CountPlanes uint32
	_           uint32
}

type getPlane struct {
	PlaneID          uint32
	CrtcID           uint32
	FbID             uint32
	PossibleCrtcs    uint32
	GammaSize        uint32
	CountFormatTypes uint32
	FormatTypePtr    uint64
}

type objGetProperties struct {
	PropsPtr      uint64
	PropValuesPtr uint64
	CountProps    uint32
	ObjID         uint32
	ObjType       uint32
	_             uint32
}

type getProperty struct {
	ValuesPtr      uint64
	EnumBlobPtr    uint64
	PropID         uint32
	Flags          uint32
	Name           [32]byte
	CountValues    uint32
	CountEnumBlobs uint32
}

type propertyEnum struct {
	Value uint64
	Name  [32]byte
}

type atomicReq struct {
	Flags         uint32
	CountObjs     uint32
	ObjsPtr       uint64
	CountPropsPtr uint64
	PropsPtr      uint64
	PropValuesPtr uint64
	Reserved      uint64
	UserData      uint64
}

type createBlob struct {
	Data   uint64
	Length uint32
	BlobID uint32
}

type destroyBlob struct {
	BlobID uint32
}

type fbCmd2 struct {
	FbID        uint32
	Width       uint32
	Height      uint32
	PixelFormat uint32
	Flags       uint32
	Handles     [4]uint32
	Pitches     [4]uint32
	Offsets     [4]uint32
	_           uint32
	Modifier    [4]uint64
}

type gemClose struct {
	Handle uint32
	_      uint32
}

type primeHandle struct {
	Handle uint32
	Flags  uint32
	Fd     int32
}

var (
	ioctlSetClientCap      = iow(0x0d, unsafe.Sizeof(setClientCap{}))
	ioctlGemClose          = iow(0x09, unsafe.Sizeof(gemClose{}))
	ioctlPrimeFdToHandle   = iowr(0x2e, unsafe.Sizeof(primeHandle{}))
	ioctlGetProperty       = iowr(0xaa, unsafe.Sizeof(getProperty{}))
	ioctlGetPlaneResources = iowr(0xb5, unsafe.Sizeof(getPlaneRes{}))
	ioctlGetPlane          = iowr(0xb6, unsafe.Sizeof(getPlane{}))
	ioctlAddFB2            = iowr(0xb8, unsafe.Sizeof(fbCmd2{}))
	ioctlObjGetProperties  = iowr(0xb9, unsafe.Sizeof(objGetProperties{}))
	ioctlAtomic            = iowr(0xbc, unsafe.Sizeof(atomicReq{}))
	ioctlCreatePropBlob    = iowr(0xbd, unsafe.Sizeof(createBlob{}))
	ioctlDestroyPropBlob   = iowr(0xbe, unsafe.Sizeof(destroyBlob{}))
)

const (
	clientCapUniversalPlanes = 2
	clientCapAtomic          = 3

	atomicPageFlipEvent = 0x01
	atomicTestOnly      = 0x0100
	atomicNonblock      = 0x0200
	atomicAllowModeset  = 0x0400

	objectCrtc      = 0xcccccccc
	objectConnector = 0xc0c0c0c0
	objectPlane     = 0xeeeeeeee

	propRange     = 1 << 1
	propImmutable = 1 << 2
	propEnum      = 1 << 3
	propBitmask   = 1 << 5

	fbModifiers = 1 << 1

	planeTypeOverlay = 0
	planeTypePrimary = 1
	planeTypeCursor  = 2

	eventFlipComplete = 0x02

	formatModInvalid = (1 << 56) - 1
)

// ioctl retries on EINTR and EAGAIN like drmIoctl does
func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return errno
		}
	}
}

func ptr[T any](s []T) uint64 {
	if len(s) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&s[0])))
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func setCap(fd int, capability, value uint64) error {
	arg := setClientCap{Capability: capability, Value: value}
	if err := ioctl(fd, ioctlSetClientCap, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("set client cap %d: %w", capability, err)
	}
	return nil
}

func planeIDs(fd int) ([]uint32, error) {
	var res getPlaneRes
	if err := ioctl(fd, ioctlGetPlaneResources, unsafe.Pointer(&res)); err != nil {
		return nil, fmt.Errorf("get plane resources: %w", err)
	}
	ids := make([]uint32, res.CountPlanes)
	res.PlaneIDPtr = ptr(ids)
	if err := ioctl(fd, ioctlGetPlaneResources, unsafe.Pointer(&res)); err != nil {
		return nil, fmt.Errorf("get plane resources: %w", err)
	}
	return ids[:res.CountPlanes], nil
}

func planeInfo(fd int, id uint32) (getPlane, []uint32, error) {
	p := getPlane{PlaneID: id}
	if err := ioctl(fd, ioctlGetPlane, unsafe.Pointer(&p)); err != nil {
		return p, nil, fmt.Errorf("get plane %d: %w", id, err)
	}
	formats := make([]uint32, p.CountFormatTypes)
	p.FormatTypePtr = ptr(formats)
	if err := ioctl(fd, ioctlGetPlane, unsafe.Pointer(&p)); err != nil {
		return p, nil, fmt.Errorf("get plane %d: %w", id, err)
	}
	return p, formats[:p.CountFormatTypes], nil
}

// objectProperties returns the property ids of an object and their current values
func objectProperties(fd int, objID, objType uint32) ([]uint32, []uint64, error) {
	req := objGetProperties{ObjID: objID, ObjType: objType}
	if err := ioctl(fd, ioctlObjGetProperties, unsafe.Pointer(&req)); err != nil {
		return nil, nil, fmt.Errorf("get properties of %d: %w", objID, err)
	}
	ids := make([]uint32, req.CountProps)
	values := make([]uint64, req.CountProps)
	req.PropsPtr, req.PropValuesPtr = ptr(ids), ptr(values)
	if err := ioctl(fd, ioctlObjGetProperties, unsafe.Pointer(&req)); err != nil {
		return nil, nil, fmt.Errorf("get properties of %d: %w", objID, err)
	}
	n := min(int(req.CountProps), len(ids))
	return ids[:n], values[:n], nil
}

type propertyInfo struct {
	ID     uint32
	Name   string
	Flags  uint32
	Values []uint64
	Enums  map[string]uint64
}

func property(fd int, id uint32) (propertyInfo, error) {
	req := getProperty{PropID: id}
	if err := ioctl(fd, ioctlGetProperty, unsafe.Pointer(&req)); err != nil {
		return propertyInfo{}, fmt.Errorf("get property %d: %w", id, err)
	}
	values := make([]uint64, req.CountValues)
	var enums []propertyEnum
	if req.Flags&(propEnum|propBitmask) != 0 {
		enums = make([]propertyEnum, req.CountEnumBlobs)
		req.EnumBlobPtr = ptr(enums)
	} else {
		req.CountEnumBlobs = 0
	}
	req.ValuesPtr = ptr(values)
	if err := ioctl(fd, ioctlGetProperty, unsafe.Pointer(&req)); err != nil {
		return propertyInfo{}, fmt.Errorf("get property %d: %w", id, err)
	}
	info := propertyInfo{
		ID:     id,
		Name:   cString(req.Name[:]),
		Flags:  req.Flags,
		Values: values[:min(int(req.CountValues), len(values))],
	}
	if len(enums) > 0 {
		info.Enums = make(map[string]uint64, len(enums))
		for _, e := range enums[:min(int(req.CountEnumBlobs), len(enums))] {
			info.Enums[cString(e.Name[:])] = e.Value
		}
	}
	return info, nil
}

func createPropertyBlob(fd int, data []byte) (uint32, error) {
	req := createBlob{Data: ptr(data), Length: uint32(len(data))}
	err := ioctl(fd, ioctlCreatePropBlob, unsafe.Pointer(&req))
	runtime.KeepAlive(data)
	if err != nil {
		return 0, fmt.Errorf("create property blob: %w", err)
	}
	return req.BlobID, nil
}

func destroyPropertyBlob(fd int, id uint32) error {
	req := destroyBlob{BlobID: id}
	return ioctl(fd, ioctlDestroyPropBlob, unsafe.Pointer(&req))
}

func addFB2(fd int, width, height, format uint32, handle, pitch uint32, modifier uint64) (uint32, error) {
	req := fbCmd2{
		Width:       width,
		Height:      height,
		PixelFormat: format,
	}
	req.Handles[0] = handle
	req.Pitches[0] = pitch
	if modifier != formatModInvalid && modifier != 0 {
		req.Flags = fbModifiers
		req.Modifier[0] = modifier
	}
	if err := ioctl(fd, ioctlAddFB2, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("add framebuffer %dx%d: %w", width, height, err)
	}
	return req.FbID, nil
}

func closeGEMHandle(fd int, handle uint32) error {
	req := gemClose{Handle: handle}
	return ioctl(fd, ioctlGemClose, unsafe.Pointer(&req))
}

func primeFdToHandle(fd, dmabuf int) (uint32, error) {
	req := primeHandle{Fd: int32(dmabuf)}
	if err := ioctl(fd, ioctlPrimeFdToHandle, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("import dmabuf %d: %w", dmabuf, err)
	}
	return req.Handle, nil
}
