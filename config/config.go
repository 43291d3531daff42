// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/mstarongithub/flutterkms/pixfmt"
	"github.com/mstarongithub/flutterkms/renderer"
	"github.com/mstarongithub/flutterkms/vsync"
)

var ErrInvalid = errors.New("invalid config")

// Prefix of all environment variables overriding config values
const EnvPrefix = "FLUTTERKMS"

// Where the config file is searched for in the xdg config dirs if no path is given
const DefaultFile = "flutterkms/config.toml"

type StartType int

const (
	// Tells flutterkms to start a repl in parallel for interacting with it
	START_REPL = StartType(iota)
	// Tells flutterkms to execute a specific command on startup
	START_SINGLE_COMMAND
	// Tells flutterkms to start without any specific targets
	// Note: Good luck interacting with it :3
	START_NONE
)

func (s StartType) String() string {
	switch s {
	case START_REPL:
		return "repl"
	case START_SINGLE_COMMAND:
		return "command"
	case START_NONE:
		return "none"
	}
	return fmt.Sprintf("StartType(%d)", int(s))
}

func (s *StartType) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "repl", "0":
		*s = START_REPL
	case "command", "1":
		*s = START_SINGLE_COMMAND
	case "none", "2":
		*s = START_NONE
	default:
		return fmt.Errorf("start type %q: %w", text, ErrInvalid)
	}
	return nil
}

func (s StartType) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Display backends
const (
	BackendKMS      = "kms"
	BackendFbdev    = "fbdev"
	BackendHeadless = "headless"
)

// Settings for the in-memory display
type Headless struct {
	Width     int      `envconfig:"WIDTH" toml:"width,omitempty" yaml:"width,omitempty"`
	Height    int      `envconfig:"HEIGHT" toml:"height,omitempty" yaml:"height,omitempty"`
	RefreshHz float64  `envconfig:"REFRESH_HZ" toml:"refresh_hz,omitempty" yaml:"refresh_hz,omitempty"`
	Planes    int      `envconfig:"PLANES" toml:"planes,omitempty" yaml:"planes,omitempty"`
	Formats   []string `envconfig:"FORMATS" toml:"formats,omitempty" yaml:"formats,omitempty"`
}

// Settings for the built-in test pattern engine
type Pattern struct {
	// Number of overlapping pattern layers per frame
	Layers int `envconfig:"LAYERS" toml:"layers,omitempty" yaml:"layers,omitempty"`
	// Also show a platform view fed from a software buffer
	PlatformView bool `envconfig:"PLATFORM_VIEW" toml:"platform_view,omitempty" yaml:"platform_view,omitempty"`
}

type Config struct {
	StartType StartType `envconfig:"START_TYPE" toml:"start_type,omitempty" yaml:"start_type,omitempty"`
	// What command to execute on start. Only matters if StartType is set to START_SINGLE_COMMAND
	StartCommand *string `envconfig:"START_COMMAND" toml:"start_command,omitempty" yaml:"start_command,omitempty"`

	// One of kms, fbdev or headless
	Backend  string `envconfig:"BACKEND" toml:"backend,omitempty" yaml:"backend,omitempty"`
	DrmCard  int    `envconfig:"DRM_CARD" toml:"drm_card,omitempty" yaml:"drm_card,omitempty"`
	FbDevice string `envconfig:"FB_DEVICE" toml:"fb_device,omitempty" yaml:"fb_device,omitempty"`
	// Connector names to use (see -tool -action outputs), empty means all connected ones
	Outputs []string `envconfig:"OUTPUTS" toml:"outputs,omitempty" yaml:"outputs,omitempty"`

	Renderer    string `envconfig:"RENDERER" toml:"renderer,omitempty" yaml:"renderer,omitempty"`
	PresentMode string `envconfig:"PRESENT_MODE" toml:"present_mode,omitempty" yaml:"present_mode,omitempty"`
	// Whether the engine paces frames through vsync requests. Nil means yes
	UseFrameRequests *bool `envconfig:"USE_FRAME_REQUESTS" toml:"use_frame_requests,omitempty" yaml:"use_frame_requests,omitempty"`
	MaxTextures      int   `envconfig:"MAX_TEXTURES" toml:"max_textures,omitempty" yaml:"max_textures,omitempty"`
	// Blank the screen when a frame has no layers instead of keeping the last one
	BlankOnEmpty bool `envconfig:"BLANK_ON_EMPTY" toml:"blank_on_empty,omitempty" yaml:"blank_on_empty,omitempty"`

	LogLevel string `envconfig:"LOG_LEVEL" toml:"log_level,omitempty" yaml:"log_level,omitempty"`

	Headless Headless `envconfig:"HEADLESS" toml:"headless,omitempty" yaml:"headless,omitempty"`
	Pattern  Pattern  `envconfig:"PATTERN" toml:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// Default is the config used when nothing else is given
func Default() Config {
	return Config{
		StartType:   START_REPL,
		Backend:     BackendKMS,
		Renderer:    renderer.KindSoftware.String(),
		PresentMode: vsync.DoubleBuffered.String(),
		LogLevel:    logrus.InfoLevel.String(),
		Headless: Headless{
			Width:     800,
			Height:    480,
			RefreshHz: 60,
			Planes:    3,
		},
		Pattern: Pattern{
			Layers: 2,
		},
	}
}

// FrameRequests reports whether frames are paced through vsync requests
func (c *Config) FrameRequests() bool {
	return c.UseFrameRequests == nil || *c.UseFrameRequests
}

// Mode is the parsed present mode. Only valid after Validate
func (c *Config) Mode() vsync.PresentMode {
	m, _ := vsync.ParsePresentMode(c.PresentMode)
	return m
}

// Level is the parsed log level. Only valid after Validate
func (c *Config) Level() logrus.Level {
	l, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return l
}

// HeadlessFormats is the parsed format list of the headless display, nil for the display's default
func (c *Config) HeadlessFormats() []pixfmt.Format {
	var out []pixfmt.Format
	for _, name := range c.Headless.Formats {
		if f, err := pixfmt.Parse(name); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// Validate checks every enum and range. All problems are reported at once
func (c *Config) Validate() error {
	var errs []error
	switch c.StartType {
	case START_REPL, START_NONE:
	case START_SINGLE_COMMAND:
		if c.StartCommand == nil || *c.StartCommand == "" {
			errs = append(errs, errors.New("start type command needs start_command"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown start type %d", c.StartType))
	}
	switch c.Backend {
	case BackendKMS, BackendFbdev, BackendHeadless:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.DrmCard < 0 {
		errs = append(errs, fmt.Errorf("drm card %d", c.DrmCard))
	}
	if _, err := renderer.ParseKind(c.Renderer); err != nil {
		errs = append(errs, err)
	}
	if _, err := vsync.ParsePresentMode(c.PresentMode); err != nil {
		errs = append(errs, err)
	}
	if c.MaxTextures < 0 {
		errs = append(errs, fmt.Errorf("max textures %d", c.MaxTextures))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Headless.Width <= 0 || c.Headless.Height <= 0 {
		errs = append(errs, fmt.Errorf("headless size %dx%d", c.Headless.Width, c.Headless.Height))
	}
	if c.Headless.RefreshHz <= 0 || c.Headless.RefreshHz > 1000 {
		errs = append(errs, fmt.Errorf("headless refresh rate %g", c.Headless.RefreshHz))
	}
	if c.Headless.Planes < 0 {
		errs = append(errs, fmt.Errorf("headless planes %d", c.Headless.Planes))
	}
	for _, name := range c.Headless.Formats {
		if _, err := pixfmt.Parse(name); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Pattern.Layers < 0 {
		errs = append(errs, fmt.Errorf("pattern layers %d", c.Pattern.Layers))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// FindFile returns path if set, otherwise the config file in the xdg config dirs.
// Returns an empty string if there is none
func FindFile(path string) string {
	if path != "" {
		return path
	}
	found, err := xdg.SearchConfigFile(DefaultFile)
	if err != nil {
		logrus.WithField("file", DefaultFile).Debugln("No config file in the xdg config dirs, using defaults")
		return ""
	}
	return found
}

// Load builds the config from the defaults, the file at path and the environment, in that order.
// An empty path skips the file. The result is not validated
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	return &cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(data, c)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		return fmt.Errorf("config file %s: unknown extension %q: %w", path, ext, ErrInvalid)
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
