// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/flutterkms/config"
)

var (
	configPath *string = flag.String("config", "", "Path to the config file. Searched in the xdg config dirs if empty")
	toolMode   *bool   = flag.Bool("tool", false, "Start as a tool instead of a compositor")
	help       *bool   = flag.Bool("help", false, "Show the help message for the selected mode")
	backend    *string = flag.String(
		"backend",
		"",
		"Overrides the configured backend. Compositor mode: kms, fbdev or headless. Tool mode: kms or wlroots",
	)
	rendererFlag *string = flag.String("renderer", "", "Overrides the configured renderer (software or gl)")
	presentMode  *string = flag.String("present-mode", "", "Overrides the configured present mode (double or triple)")
	logLevel     *string = flag.String("log-level", "", "Overrides the configured log level")
	jsonLogs     *bool   = flag.Bool("json-logs", false, "Log as json instead of text")
)

func main() {
	flag.Parse()
	if *jsonLogs {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	path := config.FindFile(*configPath)
	conf, err := config.Load(path)
	if err != nil {
		logrus.WithError(err).WithField("path", path).Fatalln("Loading config failed")
	}
	applyFlags(conf)
	logrus.SetLevel(conf.Level())
	logrus.WithField("path", path).Debugln("Config loaded")

	if *toolMode {
		utilMain(conf)
		return
	}
	if *help {
		compositorHelpMessage()
		return
	}
	if err := conf.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	compositorMain(conf, path)
}

// applyFlags puts the explicitly set flags on top of file and environment.
// -backend is left alone in tool mode, it selects the prober there
func applyFlags(conf *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			if !*toolMode {
				conf.Backend = *backend
			}
		case "renderer":
			conf.Renderer = *rendererFlag
		case "present-mode":
			conf.PresentMode = *presentMode
		case "log-level":
			conf.LogLevel = *logLevel
		}
	})
}

func compositorHelpMessage() {
	fmt.Println("---- Help message for flutterkms in compositor mode ----")
	fmt.Println("\nIn compositor mode, flutterkms drives the configured displays with the built-in test pattern")
	fmt.Println("\nGeneral flags:")
	fmt.Println("\t-config: Path to the config file. Default is searched as \"" + config.DefaultFile + "\" in the xdg config dirs")
	fmt.Println("\t-tool: Start as a tool instead of a compositor")
	fmt.Println("\t-help: Show this help message (or the one for tool mode if -tool is set)")
	fmt.Println("\t-json-logs: Log as json")
	fmt.Println("\nOverrides:")
	fmt.Println("\t-backend: kms, fbdev or headless")
	fmt.Println("\t-renderer: software or gl")
	fmt.Println("\t-present-mode: double or triple")
	fmt.Println("\t-log-level: trace, debug, info, warning, error")
	fmt.Println("\nEnvironment variables prefixed with " + config.EnvPrefix + "_ override the config file")
}
