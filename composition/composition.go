// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package composition describes what to show for one frame: an ordered,
// back to front list of surfaces and where to put them
package composition

import (
	"sync/atomic"

	"github.com/mstarongithub/flutterkms/geom"
	"github.com/mstarongithub/flutterkms/surface"
	"github.com/mstarongithub/flutterkms/util"
)

type Layer struct {
	Surface surface.Surface
	Props   geom.Props
}

// Composition is immutable after New. Only its reference count changes
type Composition struct {
	layers []Layer
	refs   atomic.Int32
}

// New copies layers and references every surface in them.
// The returned composition holds one reference owned by the caller
func New(layers []Layer) *Composition {
	c := &Composition{layers: make([]Layer, len(layers))}
	for i, l := range layers {
		util.Assert(l.Surface != nil, "layer %d has no surface", i)
		l.Surface.Ref()
		c.layers[i] = Layer{Surface: l.Surface, Props: l.Props.Clone()}
	}
	c.refs.Store(1)
	return c
}

func (c *Composition) Len() int {
	return len(c.layers)
}

// Layer returns a copy of layer i, changing it does not affect c
func (c *Composition) Layer(i int) Layer {
	l := c.layers[i]
	l.Props = l.Props.Clone()
	return l
}

// Layers returns copies of all layers, back to front
func (c *Composition) Layers() []Layer {
	out := make([]Layer, len(c.layers))
	for i := range c.layers {
		out[i] = c.Layer(i)
	}
	return out
}

func (c *Composition) Ref() *Composition {
	n := c.refs.Add(1)
	util.Assert(n > 1, "composition referenced after destruction")
	return c
}

// Unref drops a reference. The last one releases the surfaces
func (c *Composition) Unref() {
	n := c.refs.Add(-1)
	util.Assert(n >= 0, "composition unreferenced too often")
	if n != 0 {
		return
	}
	for _, l := range c.layers {
		l.Surface.Unref()
	}
}

func (c *Composition) Refs() int {
	return int(c.refs.Load())
}

// Surfaces lists the distinct surfaces of c in first appearance order
func (c *Composition) Surfaces() []surface.Surface {
	seen := make(map[uint64]bool, len(c.layers))
	out := make([]surface.Surface, 0, len(c.layers))
	for _, l := range c.layers {
		if seen[l.Surface.ID()] {
			continue
		}
		seen[l.Surface.ID()] = true
		out = append(out, l.Surface)
	}
	return out
}
