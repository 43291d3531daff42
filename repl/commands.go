// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package repl

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/flutterkms/util"
)

// ErrQuit is returned by a command to end the repl
var ErrQuit = errors.New("quit requested")

// Command is one console command
type Command struct {
	Name string
	// Argument synopsis shown in the help text
	Args string
	Help string
	// Run gets everything after the command name, already trimmed
	Run func(args string, r *Repl) (string, error)
}

// Commands dispatches console lines by their first word
type Commands struct {
	byName map[string]Command
	order  []string
}

func NewCommands(cmds ...Command) *Commands {
	c := &Commands{byName: make(map[string]Command)}
	for _, cmd := range cmds {
		if err := c.Add(cmd); err != nil {
			logrus.WithError(err).Warnln("Dropping console command")
		}
	}
	return c
}

func (c *Commands) Add(cmd Command) error {
	if cmd.Name == "" || cmd.Run == nil {
		return errors.New("command needs a name and a handler")
	}
	if _, ok := c.byName[cmd.Name]; ok || cmd.Name == "help" {
		return fmt.Errorf("command %q already exists", cmd.Name)
	}
	c.byName[cmd.Name] = cmd
	c.order = append(c.order, cmd.Name)
	return nil
}

// Names of all commands in the order they were added
func (c *Commands) Names() []string {
	return slices.Clone(c.order)
}

// Handle is a MessageHandler running the command named by the first word of in
func (c *Commands) Handle(in string, r *Repl) (string, error) {
	var name, args string
	util.Fields(strings.TrimSpace(in), &name, &args)
	if name == "" {
		return "", nil
	}
	if name == "help" {
		return c.Help(), nil
	}
	cmd, ok := c.byName[name]
	if !ok {
		return fmt.Sprintf("Unknown command %q, try help", name), nil
	}
	logrus.WithFields(logrus.Fields{
		"cmd":  name,
		"args": args,
	}).Debugln("Running console command")
	return cmd.Run(args, r)
}

func (c *Commands) Help() string {
	var b strings.Builder
	b.WriteString("Commands:")
	for _, name := range c.order {
		cmd := c.byName[name]
		usage := cmd.Name
		if cmd.Args != "" {
			usage += " " + cmd.Args
		}
		fmt.Fprintf(&b, "\n\t%-40s %s", usage, cmd.Help)
	}
	fmt.Fprintf(&b, "\n\t%-40s %s", "help", "Show this message")
	return b.String()
}
