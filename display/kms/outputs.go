// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package kms

import (
	"fmt"

	"github.com/NeowayLabs/drm"
	"github.com/NeowayLabs/drm/mode"

	"github.com/mstarongithub/flutterkms/common/ipc"
)

// From drm_mode.h
const (
	connectorConnected = 1
	modeTypePreferred  = 1 << 3
)

// Output is a connector of a card as tool mode lists it
type Output struct {
	Name      string
	Connected bool
	Modes     []ipc.OutputMode
}

// Outputs lists the connectors of a card without touching the current modeset
func Outputs(card int) ([]Output, error) {
	file, err := drm.OpenCard(card)
	if err != nil {
		return nil, fmt.Errorf("open card %d: %w", card, err)
	}
	defer file.Close()

	res, err := mode.GetResources(file)
	if err != nil {
		return nil, fmt.Errorf("get resources: %w", err)
	}
	outputs := make([]Output, 0, len(res.Connectors))
	for _, id := range res.Connectors {
		conn, err := mode.GetConnector(file, id)
		if err != nil {
			return nil, fmt.Errorf("connector %d: %w", id, err)
		}
		out := Output{
			Name:      OutputName(card, id),
			Connected: conn.Connection == connectorConnected,
		}
		for _, m := range conn.Modes {
			out.Modes = append(out.Modes, modeInfo(m))
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func modeInfo(m mode.Info) ipc.OutputMode {
	return ipc.OutputMode{
		Width:       int(m.Hdisplay),
		Height:      int(m.Vdisplay),
		RefreshRate: int(m.Vrefresh) * 1000,
		Preferred:   m.Type&modeTypePreferred != 0,
	}
}
