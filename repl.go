// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/flutterkms/app"
	"github.com/mstarongithub/flutterkms/common/ipc"
	"github.com/mstarongithub/flutterkms/repl"
	"github.com/mstarongithub/flutterkms/util"
	"github.com/mstarongithub/flutterkms/util/wrappers"
	"github.com/mstarongithub/flutterkms/vsync"
)

func replRunner(a *app.App, stop func()) {
	// Give repl some wrappers around stdin and stdout so that it closes those instead of stdin & stdout themselves
	commandRepl := repl.NewRepl(wrappers.NewReaderWrapper(os.Stdin), wrappers.NewWriterWrapper(os.Stdout))
	commandRepl.Prompt = "flutterkms> "
	logrus.Debugln("Starting repl")
	if err := commandRepl.Run(consoleCommands(a, stop).Handle); err != nil {
		logrus.WithError(err).Errorln("Repl stopped")
	}
}

func consoleCommands(a *app.App, stop func()) *repl.Commands {
	return repl.NewCommands(
		repl.Command{
			Name: "inspect",
			Args: "compositor|windows|vsync|textures|display [json]",
			Help: "Show the state of a part of the compositor",
			Run: func(args string, _ *repl.Repl) (string, error) {
				var target, format string
				util.Fields(args, &target, &format)
				return inspect(a, target, format == "json")
			},
		},
		repl.Command{
			Name: "mode",
			Args: "double|triple",
			Help: "Switch the present mode of all windows",
			Run: func(args string, _ *repl.Repl) (string, error) {
				mode, err := vsync.ParsePresentMode(args)
				if err != nil {
					return err.Error(), nil
				}
				next := *a.Config()
				next.PresentMode = mode.String()
				a.Reload(&next)
				return "Present mode: " + mode.String(), nil
			},
		},
		repl.Command{
			Name: "run",
			Args: "<command> [args...]",
			Help: "Start a command in the background",
			Run: func(args string, r *repl.Repl) (string, error) {
				if args == "" {
					return "Nothing to run", nil
				}
				var out io.Writer = os.Stdout
				if r != nil {
					out = r.Output
				}
				startCommand(args, out)
				return "Running " + strings.Fields(args)[0], nil
			},
		},
		repl.Command{
			Name: "quit",
			Help: "Stop the compositor",
			Run: func(string, *repl.Repl) (string, error) {
				stop()
				return "Quitting", repl.ErrQuit
			},
		},
	)
}

func inspect(a *app.App, target string, asJSON bool) (string, error) {
	var data any
	var text strings.Builder
	switch target {
	case "compositor":
		status := a.Compositor().Status()
		data = status
		fmt.Fprintf(&text, "Compositor: %d window(s), platform views %v, %d texture(s), %d deferred texture frame(s)",
			len(status.Windows), status.PlatformViews, status.Textures, status.DeferredFrames)
	case "windows":
		status := a.Compositor().Status().Windows
		data = status
		text.WriteString("Windows:")
		for _, w := range status {
			fmt.Fprintf(&text, "\n\t%d on %s: %dx%d %s, %s renderer, presented %d, failed %d, retried %d, flips %d, last frame %d overlay(s) %d composited",
				w.ViewID, w.Display, w.Width, w.Height, w.Format, w.Renderer,
				w.Presented, w.Failed, w.Retried, w.Flips, w.Overlays, w.Composited)
		}
	case "vsync":
		windows := a.Compositor().Windows()
		status := make(map[int64]ipc.VsyncStatus, len(windows))
		text.WriteString("Vsync:")
		for _, w := range windows {
			s := w.Vsync().Status()
			status[w.ID()] = s
			fmt.Fprintf(&text, "\n\t%d: %s, %s, %d in flight, %d deferred, %d answered, %d dropped, period %dns",
				w.ID(), s.Mode, s.State, s.InFlight, s.Deferred, s.Answered, s.Dropped, s.PeriodNS)
		}
		data = status
	case "textures":
		status := a.Compositor().Textures().Status()
		data = status
		text.WriteString("Textures:")
		for _, t := range status {
			fmt.Fprintf(&text, "\n\t%d: %dx%d, %d push(es)", t.ID, t.Width, t.Height, t.Pushes)
		}
	case "display":
		displays := a.Displays()
		status := make([]ipc.DisplayStatus, 0, len(displays))
		text.WriteString("Displays:")
		for _, d := range displays {
			s := ipc.DisplayStatus{Name: d.Name(), RefreshHz: d.RefreshRate()}
			s.Width, s.Height = d.Size()
			for _, f := range d.Formats() {
				s.Formats = append(s.Formats, f.String())
			}
			status = append(status, s)
			fmt.Fprintf(&text, "\n\t%s: %dx%d@%.2f, formats %s", s.Name, s.Width, s.Height, s.RefreshHz, strings.Join(s.Formats, ", "))
		}
		data = status
	default:
		return fmt.Sprintf("Unknown inspect target %q", target), nil
	}
	if !asJSON {
		return text.String(), nil
	}
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding %s status: %w", target, err)
	}
	return string(out), nil
}

// startCommand runs cmdString in the background with its output going to out
func startCommand(cmdString string, out io.Writer) {
	parts := strings.Fields(cmdString)
	if len(parts) == 0 {
		return
	}
	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Stdout = out
	cmd.Stderr = out
	go func(cmd *exec.Cmd, cmdString string) {
		err := cmd.Start()
		if err != nil {
			logrus.WithError(err).WithField("command", cmdString).Errorln("Command failed to start")
			return
		}
		err = cmd.Wait()
		if exiterr, ok := err.(*exec.ExitError); ok {
			logrus.WithError(err).WithFields(logrus.Fields{
				"exit-code": exiterr.ExitCode(),
				"command":   cmdString,
			}).Warningln("Bad command completion")
		}
	}(cmd, cmdString)
}
