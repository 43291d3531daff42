// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package kms

import (
	"fmt"
	"runtime"
	"slices"
	"unsafe"
)

type propValue struct {
	prop  uint32
	value uint64
}

// atomicRequest collects property changes per object.
// Setting the same property twice keeps the last value
type atomicRequest struct {
	objects []uint32
	props   map[uint32][]propValue
}

func newAtomicRequest() *atomicRequest {
	return &atomicRequest{props: make(map[uint32][]propValue)}
}

func (r *atomicRequest) add(obj, prop uint32, value uint64) {
	if prop == 0 {
		return
	}
	list, ok := r.props[obj]
	if !ok {
		r.objects = append(r.objects, obj)
	}
	for i := range list {
		if list[i].prop == prop {
			list[i].value = value
			return
		}
	}
	r.props[obj] = append(list, propValue{prop: prop, value: value})
}

func (r *atomicRequest) empty() bool {
	return len(r.objects) == 0
}

func (r *atomicRequest) clone() *atomicRequest {
	c := newAtomicRequest()
	c.objects = slices.Clone(r.objects)
	for obj, list := range r.props {
		c.props[obj] = slices.Clone(list)
	}
	return c
}

// arrays lays the request out the way DRM_IOCTL_MODE_ATOMIC expects it
func (r *atomicRequest) arrays() (objs, counts, props []uint32, values []uint64) {
	for _, obj := range r.objects {
		list := r.props[obj]
		objs = append(objs, obj)
		counts = append(counts, uint32(len(list)))
		for _, pv := range list {
			props = append(props, pv.prop)
			values = append(values, pv.value)
		}
	}
	return objs, counts, props, values
}

func (r *atomicRequest) commit(fd int, flags uint32, userData uint64) error {
	objs, counts, props, values := r.arrays()
	req := atomicReq{
		Flags:         flags,
		CountObjs:     uint32(len(objs)),
		ObjsPtr:       ptr(objs),
		CountPropsPtr: ptr(counts),
		PropsPtr:      ptr(props),
		PropValuesPtr: ptr(values),
		UserData:      userData,
	}
	err := ioctl(fd, ioctlAtomic, unsafe.Pointer(&req))
	runtime.KeepAlive(objs)
	runtime.KeepAlive(counts)
	runtime.KeepAlive(props)
	runtime.KeepAlive(values)
	if err != nil {
		return fmt.Errorf("atomic commit (flags %#x): %w", flags, err)
	}
	return nil
}

// fixed16 converts to the 16.16 fixed point format of the SRC_* plane properties
func fixed16(v float64) uint64 {
	if v < 0 {
		v = 0
	}
	return uint64(v * 65536)
}
