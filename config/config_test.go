// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mstarongithub/flutterkms/pixfmt"
	"github.com/mstarongithub/flutterkms/vsync"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config invalid: %s", err)
	}
	if !cfg.FrameRequests() {
		t.Error("Frame requests should be on by default")
	}
	if cfg.Mode() != vsync.DoubleBuffered {
		t.Errorf("Expected double buffering, got %s", cfg.Mode())
	}
}

func TestLoadToml(t *testing.T) {
	path := writeFile(t, "config.toml", `
backend = "headless"
present_mode = "triple"
use_frame_requests = false
max_textures = 16
outputs = ["card0-conn31"]

[headless]
width = 640
formats = ["XRGB8888", "rgb565"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Backend != BackendHeadless || cfg.Mode() != vsync.TripleBuffered {
		t.Errorf("Got backend %s mode %s", cfg.Backend, cfg.Mode())
	}
	if cfg.FrameRequests() {
		t.Error("Frame requests should be off")
	}
	if cfg.MaxTextures != 16 || len(cfg.Outputs) != 1 {
		t.Errorf("Got max textures %d outputs %v", cfg.MaxTextures, cfg.Outputs)
	}
	if cfg.Headless.Width != 640 {
		t.Errorf("Expected width 640, got %d", cfg.Headless.Width)
	}
	if cfg.Headless.Height != 480 {
		t.Errorf("Unset height should keep the default, got %d", cfg.Headless.Height)
	}
	formats := cfg.HeadlessFormats()
	if len(formats) != 2 || formats[1] != pixfmt.RGB565 {
		t.Errorf("Got formats %v", formats)
	}
}

func TestLoadYaml(t *testing.T) {
	path := writeFile(t, "config.yml", `
start_type: none
log_level: debug
pattern:
  layers: 4
  platform_view: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StartType != START_NONE {
		t.Errorf("Expected start type none, got %s", cfg.StartType)
	}
	if cfg.Pattern.Layers != 4 || !cfg.Pattern.PlatformView {
		t.Errorf("Got pattern %+v", cfg.Pattern)
	}
	if cfg.Backend != BackendKMS {
		t.Errorf("Unset backend should keep the default, got %s", cfg.Backend)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "config.toml", `backend = "fbdev"`)
	t.Setenv("FLUTTERKMS_BACKEND", "headless")
	t.Setenv("FLUTTERKMS_HEADLESS_PLANES", "1")
	t.Setenv("FLUTTERKMS_START_TYPE", "command")
	t.Setenv("FLUTTERKMS_START_COMMAND", "inspect windows")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend != BackendHeadless || cfg.Headless.Planes != 1 {
		t.Errorf("Got backend %s planes %d", cfg.Backend, cfg.Headless.Planes)
	}
	if cfg.StartType != START_SINGLE_COMMAND || cfg.StartCommand == nil || *cfg.StartCommand != "inspect windows" {
		t.Errorf("Got start type %s command %v", cfg.StartType, cfg.StartCommand)
	}
	if err := cfg.Validate(); err != nil {
		t.Error(err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"backend", func(c *Config) { c.Backend = "x11" }},
		{"renderer", func(c *Config) { c.Renderer = "vulkan" }},
		{"present mode", func(c *Config) { c.PresentMode = "quad" }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"headless size", func(c *Config) { c.Headless.Width = 0 }},
		{"headless refresh", func(c *Config) { c.Headless.RefreshHz = -1 }},
		{"headless format", func(c *Config) { c.Headless.Formats = []string{"YUYV"} }},
		{"max textures", func(c *Config) { c.MaxTextures = -1 }},
		{"missing command", func(c *Config) { c.StartType = START_SINGLE_COMMAND }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestUnknownExtension(t *testing.T) {
	path := writeFile(t, "config.ini", "backend=kms")
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
}

func TestFindFileExplicit(t *testing.T) {
	if got := FindFile("/etc/flutterkms.toml"); got != "/etc/flutterkms.toml" {
		t.Errorf("Explicit path should win, got %s", got)
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeFile(t, "config.toml", `log_level = "info"`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *Config, 16)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c *Config) { changed <- c }) }()

	// Rewrite the way most tools do, truncating first. Repeated until the
	// watcher is up, identical rewrites must not reload again
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	reloads := 0
	for {
		select {
		case cfg := <-changed:
			reloads++
			if cfg.LogLevel != "trace" {
				t.Fatalf("Expected reloaded log level trace, got %s", cfg.LogLevel)
			}
			if reloads == 1 {
				// Let a few more identical rewrites through
				deadline = time.After(time.Second)
			}
		case <-tick.C:
			f, err := os.Create(path)
			if err != nil {
				t.Fatal(err)
			}
			time.Sleep(10 * time.Millisecond)
			if _, err := f.WriteString(`log_level = "trace"`); err != nil {
				t.Fatal(err)
			}
			f.Close()
		case <-deadline:
			if reloads != 1 {
				t.Fatalf("Expected exactly one reload, got %d", reloads)
			}
			cancel()
			if err := <-done; err != nil {
				t.Error(err)
			}
			return
		}
	}
}

func TestWatchIgnoresEmptyFile(t *testing.T) {
	path := writeFile(t, "config.toml", `present_mode = "triple"`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *Config, 16)
	go func() { _ = Watch(ctx, path, func(c *Config) { changed <- c }) }()

	for range 4 {
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		select {
		case cfg := <-changed:
			t.Fatalf("Empty file reloaded as %+v", cfg)
		case <-time.After(200 * time.Millisecond):
		}
	}
}
