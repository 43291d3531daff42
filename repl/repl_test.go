// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package repl

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/mstarongithub/flutterkms/util/wrappers"
)

func testCommands() *Commands {
	return NewCommands(
		Command{
			Name: "echo",
			Args: "<text>",
			Help: "Print text",
			Run: func(args string, _ *Repl) (string, error) {
				return args, nil
			},
		},
		Command{
			Name: "quit",
			Help: "Stop",
			Run: func(string, *Repl) (string, error) {
				return "Quitting", ErrQuit
			},
		},
	)
}

func TestCommandsDispatch(t *testing.T) {
	c := testCommands()
	tests := []struct {
		in, want string
	}{
		{"echo hello there", "hello there"},
		{"  echo   padded  ", "padded"},
		{"", ""},
		{"frobnicate", `Unknown command "frobnicate", try help`},
	}
	for _, tt := range tests {
		got, err := c.Handle(tt.in, nil)
		if err != nil {
			t.Errorf("Handle(%q) failed: %s", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Handle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	help, _ := c.Handle("help", nil)
	for _, name := range []string{"echo <text>", "quit", "help"} {
		if !strings.Contains(help, name) {
			t.Errorf("Help text misses %q:\n%s", name, help)
		}
	}
}

func TestCommandsRejectDuplicates(t *testing.T) {
	c := testCommands()
	noop := func(string, *Repl) (string, error) { return "", nil }
	if err := c.Add(Command{Name: "echo", Run: noop}); err == nil {
		t.Error("Duplicate command accepted")
	}
	if err := c.Add(Command{Name: "help", Run: noop}); err == nil {
		t.Error("help must stay built in")
	}
	if len(c.Names()) != 2 {
		t.Errorf("Expected 2 commands, got %v", c.Names())
	}
}

func TestReplHandlerError(t *testing.T) {
	boom := errors.New("boom")
	var out bytes.Buffer
	r := NewRepl(wrappers.NewReaderWrapper(strings.NewReader("x\n")), wrappers.NewWriterWrapper(&out))
	err := r.Run(func(string, *Repl) (string, error) { return "", boom })
	if !errors.Is(err, boom) {
		t.Errorf("Expected handler error, got %v", err)
	}
}

func TestReplRunsUntilQuit(t *testing.T) {
	var out bytes.Buffer
	r := NewRepl(
		wrappers.NewReaderWrapper(strings.NewReader("echo one\nquit\necho never\n")),
		wrappers.NewWriterWrapper(&out),
	)
	r.Prompt = "> "
	if err := r.Run(testCommands().Handle); err != nil {
		t.Errorf("Quit should end the repl cleanly, got %v", err)
	}
	if out.String() != "> one\n> Quitting\n" {
		t.Errorf("Unexpected output %q", out.String())
	}
}
