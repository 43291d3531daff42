// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/flutterkms/app"
	"github.com/mstarongithub/flutterkms/config"
)

func compositorMain(conf *config.Config, path string) {
	a, err := app.New(conf, app.Options{ConfigPath: path})
	if err != nil {
		logrus.WithError(err).Fatalln("Setting up the compositor failed")
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	switch conf.StartType {
	case config.START_REPL:
		go replRunner(a, cancel)
	case config.START_SINGLE_COMMAND:
		if conf.StartCommand == nil || *conf.StartCommand == "" {
			logrus.Warnln("Start type is command, but no start command is set")
			break
		}
		startCommand(*conf.StartCommand, os.Stdout)
	case config.START_NONE:
		logrus.Infoln("Running without console, stop with SIGINT or SIGTERM")
	}

	if err := a.Run(ctx); err != nil {
		logrus.WithError(err).Errorln("Compositor stopped with an error")
		a.Close()
		os.Exit(1)
	}
	logrus.Infoln("Compositor stopped")
}
