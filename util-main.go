// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gitlab.com/mstarongitlab/goutils/sliceutils"

	"github.com/mstarongithub/flutterkms/common/ipc"
	"github.com/mstarongithub/flutterkms/config"
	"github.com/mstarongithub/flutterkms/display/kms"
)

var (
	utilAction *string = flag.String(
		"action",
		"outputs",
		"The action to perform. Can be one of:"+
			"\n\t- none: Do nothing"+
			"\n\t- outputs: List available outputs"+
			"\n\t- modes <output>: List available modes for an output",
	)
	outputSelection *string = flag.String(
		"output",
		"",
		"Output to perform the action on. Required for some actions",
	)
	jsonOutput *bool = flag.Bool("json", false, "Print tool results as json")
)

func utilMain(conf *config.Config) {
	if *help {
		utilHelpMessage()
		return
	}
	if *utilAction == "none" {
		return
	}

	outputs, err := probeOutputs(*backend, conf.DrmCard)
	if err != nil {
		logrus.WithError(err).Fatalln("Listing outputs failed")
	}
	req := ipc.OutputRequest{
		IncludeModes:    *utilAction == "modes",
		SpecifiesOutput: *outputSelection != "",
		TargetOutput:    *outputSelection,
	}
	switch *utilAction {
	case "outputs":
	case "modes":
		if !req.SpecifiesOutput {
			fmt.Println("Output has to be specified")
			return
		}
	default:
		fmt.Printf("Unknown action %q\n", *utilAction)
		return
	}
	res := answerOutputRequest(req, outputs)
	if *jsonOutput {
		if err := json.NewEncoder(os.Stdout).Encode(res); err != nil {
			logrus.WithError(err).Fatalln("Encoding result failed")
		}
		return
	}
	printOutputResponse(os.Stdout, req, res)
}

func probeOutputs(via string, card int) ([]kms.Output, error) {
	switch via {
	case "", "kms":
		return kms.Outputs(card)
	case "wlroots":
		return wlrootsOutputs()
	}
	return nil, fmt.Errorf("tool mode can list outputs via kms or wlroots, not %q", via)
}

func answerOutputRequest(req ipc.OutputRequest, outputs []kms.Output) ipc.OutputResponse {
	if req.SpecifiesOutput {
		outputs = sliceutils.Filter(outputs, func(output kms.Output) bool {
			return output.Name == req.TargetOutput
		})
	}
	res := ipc.OutputResponse{OutputsFound: len(outputs)}
	if req.IncludeModes {
		res.OutputModes = make(map[string][]ipc.OutputMode, len(outputs))
	}
	for _, output := range outputs {
		res.Outputs = append(res.Outputs, output.Name)
		if req.IncludeModes {
			res.OutputModes[output.Name] = output.Modes
		}
	}
	return res
}

func printOutputResponse(w io.Writer, req ipc.OutputRequest, res ipc.OutputResponse) {
	if res.OutputsFound == 0 {
		if req.SpecifiesOutput {
			fmt.Fprintf(w, "Output %s not found\n", req.TargetOutput)
		} else {
			fmt.Fprintln(w, "No outputs found")
		}
		return
	}
	if !req.IncludeModes {
		for i, name := range res.Outputs {
			fmt.Fprintf(w, "Output %v: %s\n", i, name)
		}
		return
	}
	for _, name := range res.Outputs {
		fmt.Fprintf(w, "Modes for output %s:\n", name)
		for _, mode := range res.OutputModes[name] {
			line := fmt.Sprintf("\t- %dx%d@%.3f", mode.Width, mode.Height, float64(mode.RefreshRate)/1000)
			if mode.Preferred {
				line += " (preferred)"
			}
			fmt.Fprintln(w, line)
		}
	}
}

func utilHelpMessage() {
	fmt.Println("---- Help message for flutterkms in tool mode ----")
	fmt.Println("\nIn tool mode, flutterkms will offer various tools for figuring out configurations and similar")
	fmt.Println("\nGeneral flags:")
	fmt.Println("\t-config: Path to the config file. Default is searched as \"" + config.DefaultFile + "\" in the xdg config dirs")
	fmt.Println("\t-tool: Start as a tool instead of a compositor")
	fmt.Println("\t-help: Show this help message (or the one for compositor mode if -tool is not set)")
	fmt.Println("\nTool flags:")
	fmt.Println("\t-action: The action to perform. Can be one of:")
	fmt.Println("\t\t- none: Do nothing")
	fmt.Println("\t\t- (default) outputs: List available outputs")
	fmt.Println("\t\t- modes: List available modes for an output. Use with -output")
	fmt.Println("\t-output: Output to perform the action on. Required for -action modes")
	fmt.Println("\t-backend: How outputs are found, kms (default, uses drm_card from the config) or wlroots")
	fmt.Println("\t-json: Print the result as json")
}
