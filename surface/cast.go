// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package surface

import "github.com/mstarongithub/flutterkms/util"

func as[T Surface](s Surface, kind Kind) (T, bool) {
	v, ok := s.(T)
	util.Assert(ok == (s != nil && s.Kind() == kind), "surface kind %s does not match its type %T", kindOf(s), s)
	return v, ok
}

func kindOf(s Surface) Kind {
	if s == nil {
		return -1
	}
	return s.Kind()
}

// AsBackingStore downcasts s. Casting another variant is reported as a contract violation
func AsBackingStore(s Surface) *BackingStore {
	v, ok := as[*BackingStore](s, KindBackingStore)
	util.Assert(ok, "%s surface used as backing store", kindOf(s))
	return v
}

func AsRenderSurface(s Surface) *RenderSurface {
	v, ok := as[*RenderSurface](s, KindRenderSurface)
	util.Assert(ok, "%s surface used as render surface", kindOf(s))
	return v
}

func AsPlatformView(s Surface) *PlatformView {
	v, ok := as[*PlatformView](s, KindPlatformView)
	util.Assert(ok, "%s surface used as platform view", kindOf(s))
	return v
}

func AsDmabufSurface(s Surface) *DmabufSurface {
	v, ok := as[*DmabufSurface](s, KindDmabuf)
	util.Assert(ok, "%s surface used as dmabuf surface", kindOf(s))
	return v
}

// IsKind reports whether s is of the given kind without asserting anything
func IsKind(s Surface, kind Kind) bool {
	return s != nil && s.Kind() == kind
}
