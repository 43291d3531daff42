// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstarongithub/flutterkms/compositor"
	"github.com/mstarongithub/flutterkms/config"
	"github.com/mstarongithub/flutterkms/testpattern"
	"github.com/mstarongithub/flutterkms/vsync"
)

func headlessConfig() *config.Config {
	cfg := config.Default()
	cfg.Backend = config.BackendHeadless
	cfg.Headless.Width, cfg.Headless.Height = 64, 48
	cfg.Headless.RefreshHz = 240
	cfg.Pattern.PlatformView = true
	cfg.LogLevel = "warning"
	return &cfg
}

func TestInvalidConfigRejected(t *testing.T) {
	cfg := headlessConfig()
	cfg.Backend = "wayland"
	_, err := New(cfg, Options{})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestGLWithoutBackend(t *testing.T) {
	cfg := headlessConfig()
	cfg.Renderer = "gl"
	var a *App
	var err error
	require.NotPanics(t, func() { a, err = New(cfg, Options{}) })
	assert.Error(t, err)
	assert.Nil(t, a)
}

type failingEngine struct {
	attached bool
}

func (e *failingEngine) OnVsync(uint64, uint64, uint64) error          { return nil }
func (e *failingEngine) RegisterExternalTexture(int64) error           { return nil }
func (e *failingEngine) MarkExternalTextureFrameAvailable(int64) error { return nil }
func (e *failingEngine) UnregisterExternalTexture(int64) error         { return nil }
func (e *failingEngine) Start() error                                  { return nil }
func (e *failingEngine) Stop()                                         {}

func (e *failingEngine) Attach(*compositor.Compositor) error {
	e.attached = true
	return errors.New("engine refused")
}

func TestFailedAttachTearsDown(t *testing.T) {
	engine := &failingEngine{}
	var a *App
	var err error
	require.NotPanics(t, func() { a, err = New(headlessConfig(), Options{Engine: engine}) })
	assert.ErrorContains(t, err, "engine refused")
	assert.Nil(t, a)
	assert.True(t, engine.attached)
}

func TestRunsPatternOnHeadless(t *testing.T) {
	a, err := New(headlessConfig(), Options{})
	require.NoError(t, err)
	defer a.Close()

	require.Len(t, a.Displays(), 1)
	windows := a.Compositor().Windows()
	require.Len(t, windows, 1)
	assert.Equal(t, int64(0), windows[0].ID())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	pattern := a.Engine().(*testpattern.Engine)
	require.Eventually(t, func() bool {
		return pattern.Frames() >= 10 && windows[0].Status().Flips >= 5
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFatalEndsRun(t *testing.T) {
	a, err := New(headlessConfig(), Options{})
	require.NoError(t, err)
	defer a.Close()

	boom := errors.New("render surface lost")
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	a.Fatal(boom)
	a.Fatal(errors.New("second one is dropped"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after a fatal error")
	}
}

func TestReloadAppliesLiveSettings(t *testing.T) {
	a, err := New(headlessConfig(), Options{})
	require.NoError(t, err)
	defer a.Close()
	defer logrus.SetLevel(logrus.InfoLevel)

	updates, err := a.Subscribe("test")
	require.NoError(t, err)

	next := headlessConfig()
	next.PresentMode = "triple"
	next.LogLevel = "debug"
	a.Reload(next)

	select {
	case got := <-updates:
		assert.Equal(t, "triple", got.PresentMode)
	case <-time.After(5 * time.Second):
		t.Fatal("Subscriber did not get the reloaded config")
	}
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.Equal(t, vsync.TripleBuffered, a.Compositor().Windows()[0].Vsync().Mode())
	assert.Equal(t, "triple", a.Config().PresentMode)
}
