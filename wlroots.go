// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"github.com/sirupsen/logrus"
	"github.com/swaywm/go-wlroots/wlroots"

	"github.com/mstarongithub/flutterkms/common/ipc"
	"github.com/mstarongithub/flutterkms/display/kms"
)

func routeWlrootsLog() {
	wlroots.OnLog(wlroots.LogImportanceError, func(importance wlroots.LogImportance, msg string) {
		switch importance {
		case wlroots.LogImportanceDebug:
			logrus.Debugln(msg)
		case wlroots.LogImportanceInfo:
			logrus.Infoln(msg)
		case wlroots.LogImportanceError:
			logrus.Errorln(msg)
		case wlroots.LogImportanceSilent:
			return
		}
	})
}

// wlrootsOutputs lists outputs the way a wlroots session sees them.
// Under a running Wayland or X11 session these are nested windows, not connectors
func wlrootsOutputs() ([]kms.Output, error) {
	routeWlrootsLog()

	/* The backend is a wlroots feature which abstracts the underlying input and
	 * output hardware. The autocreate option will choose the most suitable
	 * backend based on the current environment */
	display := wlroots.NewDisplay()
	defer display.Destroy()
	backend, err := display.BackendAutocreate()
	if err != nil {
		return nil, err
	}
	defer backend.Destroy()

	var outputs []kms.Output
	backend.OnNewOutput(func(output wlroots.Output) {
		logrus.WithField("name", output.Name()).Debugln("New output found")
		out := kms.Output{Name: output.Name(), Connected: true}
		for _, mode := range output.Modes() {
			out.Modes = append(out.Modes, ipc.OutputMode{
				Width:       int(mode.Width()),
				Height:      int(mode.Height()),
				RefreshRate: int(mode.Refresh()),
				Preferred:   mode.Preferred(),
			})
		}
		outputs = append(outputs, out)
	})
	/* Starting the backend enumerates outputs and inputs */
	if err := backend.Start(); err != nil {
		return nil, err
	}
	return outputs, nil
}
