// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package compositor

import (
	"github.com/mstarongithub/flutterkms/composition"
	"github.com/mstarongithub/flutterkms/display"
	"github.com/mstarongithub/flutterkms/geom"
)

// step is one presenter layer: a single surface on its own plane or a run
// of consecutive layers composited into one fallback buffer
type step struct {
	overlay bool
	// Composition layer indices, back to front
	layers []int
}

// plan decides per visible layer whether it gets a plane. Layers that can't
// get one are grouped with their neighbours so engine order is kept.
// demoted reports layers that must be composited regardless of their caps
func plan(layers []composition.Layer, area geom.Rect, caps display.Caps, demoted func(i int) bool) []step {
	var visible []int
	overlay := make([]bool, len(layers))
	for i, l := range layers {
		if !l.Props.Visible(area) {
			continue
		}
		visible = append(visible, i)
		if demoted(i) {
			continue
		}
		if err := l.Surface.Overlayable(l.Props, caps); err == nil {
			overlay[i] = true
		} else {
			logger.WithError(err).WithField("layer", i).Traceln("Layer will be composited")
		}
	}

	for {
		steps := group(visible, overlay)
		if caps.MaxLayers == 0 || len(steps) <= caps.MaxLayers {
			return steps
		}
		// Out of planes, composite the topmost overlay and try again
		demotedOne := false
		for j := len(visible) - 1; j >= 0; j-- {
			if overlay[visible[j]] {
				overlay[visible[j]] = false
				demotedOne = true
				break
			}
		}
		if !demotedOne {
			return steps
		}
	}
}

func group(visible []int, overlay []bool) []step {
	var steps []step
	for _, i := range visible {
		if overlay[i] {
			steps = append(steps, step{overlay: true, layers: []int{i}})
			continue
		}
		if n := len(steps); n > 0 && !steps[n-1].overlay {
			steps[n-1].layers = append(steps[n-1].layers, i)
			continue
		}
		steps = append(steps, step{layers: []int{i}})
	}
	return steps
}

func countLayers(steps []step) (overlays, composited int) {
	for _, s := range steps {
		if s.overlay {
			overlays++
		} else {
			composited += len(s.layers)
		}
	}
	return overlays, composited
}
