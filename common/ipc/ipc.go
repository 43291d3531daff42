// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ipc holds the JSON shapes printed by tool mode and the debug console
package ipc

type (
	// A request to list the available Outputs
	OutputRequest struct {
		// Whether to include the modes an output supports
		IncludeModes bool `json:"include_modes"`
		// Target one specific output
		SpecifiesOutput bool `json:"specifies_output"`
		// Name of the output you want info on. Only matters if SpecifiesOutput is set
		TargetOutput string `json:"target_output"`
	}

	// A mode an output supports
	OutputMode struct {
		// Mode height in pixel
		Height int `json:"height"`
		// Mode width in pixel
		Width int `json:"width"`
		// Refresh rate of the mode in millihertz
		RefreshRate int  `json:"refresh_rate"`
		Preferred   bool `json:"preferred"`
	}

	// Response to a OutputRequest message
	OutputResponse struct {
		// List of all outputs. Only contains target output if specified
		Outputs []string `json:"outputs"`
		// A list of modes an output supports. Only set if IncludeModes is true
		OutputModes map[string][]OutputMode `json:"output_modes,omitempty"`
		// Nr of outputs found
		OutputsFound int `json:"outputs_found"`
	}
)

type (
	VsyncStatus struct {
		Mode              string `json:"mode"`
		State             string `json:"state"`
		UsesFrameRequests bool   `json:"uses_frame_requests"`
		InFlight          int    `json:"in_flight"`
		Deferred          int    `json:"deferred"`
		Answered          uint64 `json:"answered"`
		Dropped           uint64 `json:"dropped"`
		PeriodNS          uint64 `json:"period_ns"`
		LastVblankNS      uint64 `json:"last_vblank_ns"`
	}

	// State of one window of the compositor
	WindowStatus struct {
		ViewID    int64   `json:"view_id"`
		Display   string  `json:"display"`
		Width     int     `json:"width"`
		Height    int     `json:"height"`
		RefreshHz float64 `json:"refresh_hz"`
		Format    string  `json:"format"`
		Renderer  string  `json:"renderer"`
		// Compositions flushed and waiting for their flip
		Pending int `json:"pending"`
		// Whether a composition is on screen
		Showing bool `json:"showing"`
		// Frame counters since startup
		Presented uint64 `json:"presented"`
		Failed    uint64 `json:"failed"`
		Retried   uint64 `json:"retried"`
		Flips     uint64 `json:"flips"`
		// Layers shown on a plane / composited by the last frame
		Overlays   int `json:"overlays"`
		Composited int `json:"composited"`

		Vsync VsyncStatus `json:"vsync"`
	}

	CompositorStatus struct {
		Windows       []WindowStatus `json:"windows"`
		PlatformViews []int64        `json:"platform_views"`
		Textures      int            `json:"textures"`
		// Texture frames waiting for the next page flip
		DeferredFrames int `json:"deferred_frames"`
	}

	// TextureStatus is one entry of "inspect textures"
	TextureStatus struct {
		ID     int64  `json:"id"`
		Pushes uint64 `json:"pushes"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	}

	// DisplayStatus is one entry of "inspect display"
	DisplayStatus struct {
		Name      string   `json:"name"`
		Width     int      `json:"width"`
		Height    int      `json:"height"`
		RefreshHz float64  `json:"refresh_hz"`
		Formats   []string `json:"formats"`
	}
)
