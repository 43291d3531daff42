// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package kms

import (
	"fmt"
	"slices"

	"github.com/mstarongithub/flutterkms/display"
	"github.com/mstarongithub/flutterkms/pixfmt"
)

// objectProps are the named properties of one KMS object
type objectProps struct {
	ids    map[string]uint32
	values map[string]uint64
	infos  map[string]propertyInfo
}

func (p objectProps) id(name string) uint32 {
	return p.ids[name]
}

func (p objectProps) has(name string) bool {
	_, ok := p.ids[name]
	return ok
}

func readObjectProps(fd int, obj, objType uint32) (objectProps, error) {
	ids, values, err := objectProperties(fd, obj, objType)
	if err != nil {
		return objectProps{}, err
	}
	props := objectProps{
		ids:    make(map[string]uint32, len(ids)),
		values: make(map[string]uint64, len(ids)),
		infos:  make(map[string]propertyInfo, len(ids)),
	}
	for i, id := range ids {
		info, err := property(fd, id)
		if err != nil {
			return objectProps{}, err
		}
		props.ids[info.Name] = id
		props.values[info.Name] = values[i]
		props.infos[info.Name] = info
	}
	return props, nil
}

type plane struct {
	id      uint32
	kind    uint64
	formats []pixfmt.Format
	props   objectProps

	zpos        uint64
	zposMutable bool
	zposMin     uint64
	zposMax     uint64

	rotations display.Rotation
}

func (p *plane) supports(f pixfmt.Format) bool {
	return slices.Contains(p.formats, f)
}

func newPlane(fd int, id uint32, formats []uint32) (*plane, error) {
	props, err := readObjectProps(fd, id, objectPlane)
	if err != nil {
		return nil, err
	}
	p := &plane{
		id:        id,
		kind:      props.values["type"],
		props:     props,
		rotations: display.Rotate0,
	}
	for _, f := range formats {
		if pf := pixfmt.Format(f); pf.Known() {
			p.formats = append(p.formats, pf)
		}
	}
	if info, ok := props.infos["zpos"]; ok {
		p.zpos = props.values["zpos"]
		p.zposMutable = info.Flags&propImmutable == 0
		if info.Flags&propRange != 0 && len(info.Values) == 2 {
			p.zposMin, p.zposMax = info.Values[0], info.Values[1]
		}
	}
	if info, ok := props.infos["rotation"]; ok {
		p.rotations = 0
		for _, bit := range info.Enums {
			p.rotations |= display.Rotation(1) << bit
		}
	}
	return p, nil
}

// discoverPlanes finds the planes that can be used with the crtc at crtcIndex,
// ordered bottom to top. Cursor planes are skipped
func discoverPlanes(fd int, crtcIndex int) ([]*plane, error) {
	ids, err := planeIDs(fd)
	if err != nil {
		return nil, err
	}
	var planes []*plane
	for _, id := range ids {
		info, formats, err := planeInfo(fd, id)
		if err != nil {
			return nil, err
		}
		if info.PossibleCrtcs&(1<<crtcIndex) == 0 {
			continue
		}
		p, err := newPlane(fd, id, formats)
		if err != nil {
			return nil, err
		}
		if p.kind == planeTypeCursor {
			continue
		}
		planes = append(planes, p)
	}
	if len(planes) == 0 {
		return nil, fmt.Errorf("crtc %d: %w", crtcIndex, display.ErrNoFreePlane)
	}
	sortPlanes(planes)
	return planes, nil
}

// sortPlanes puts the primary plane at the bottom, the rest by zpos
func sortPlanes(planes []*plane) {
	slices.SortStableFunc(planes, func(a, b *plane) int {
		if (a.kind == planeTypePrimary) != (b.kind == planeTypePrimary) {
			if a.kind == planeTypePrimary {
				return -1
			}
			return 1
		}
		if a.zpos != b.zpos {
			if a.zpos < b.zpos {
				return -1
			}
			return 1
		}
		if a.id < b.id {
			return -1
		}
		if a.id > b.id {
			return 1
		}
		return 0
	})
}

// commonFormats is the intersection of formats every plane can scan out
func commonFormats(planes []*plane) []pixfmt.Format {
	if len(planes) == 0 {
		return nil
	}
	out := slices.Clone(planes[0].formats)
	for _, p := range planes[1:] {
		out = slices.DeleteFunc(out, func(f pixfmt.Format) bool { return !p.supports(f) })
	}
	return out
}

func commonRotations(planes []*plane) display.Rotation {
	r := ^display.Rotation(0)
	for _, p := range planes {
		r &= p.rotations
	}
	if len(planes) == 0 {
		return display.Rotate0
	}
	return r
}
