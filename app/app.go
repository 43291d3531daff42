// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package app holds the application context. Everything that used to be a
// process wide singleton (event loop, tracer, displays, compositor) lives
// here and is handed down explicitly
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mstarongithub/flutterkms/compositor"
	"github.com/mstarongithub/flutterkms/config"
	"github.com/mstarongithub/flutterkms/display"
	"github.com/mstarongithub/flutterkms/display/fbdev"
	"github.com/mstarongithub/flutterkms/display/headless"
	"github.com/mstarongithub/flutterkms/display/kms"
	"github.com/mstarongithub/flutterkms/evloop"
	"github.com/mstarongithub/flutterkms/renderer"
	"github.com/mstarongithub/flutterkms/testpattern"
	"github.com/mstarongithub/flutterkms/tracer"
	"github.com/mstarongithub/flutterkms/util/multiplexer"
)

var logger = logrus.WithField("component", "app")

// Options carries what can't come from a config file
type Options struct {
	// Path of the config file, watched for changes while running. May be empty
	ConfigPath string
	// Engine to drive the compositor. Nil runs the built-in test pattern
	Engine compositor.Engine
	// Needed for the gl renderer
	GLBackend renderer.GLBackend
	// Displays to use instead of opening the configured backend
	Displays []display.Display
}

// An engine that needs the compositor before it can start
type attachable interface {
	Attach(c *compositor.Compositor) error
	Start() error
	Stop()
}

type App struct {
	cfg      *config.Config
	opts     Options
	loop     *evloop.Loop
	tracer   *tracer.Tracer
	renderer renderer.Renderer
	displays []display.Display
	closers  []io.Closer
	comp     *compositor.Compositor
	engine   compositor.Engine

	fatal  *multiplexer.ManyToOne[error]
	reload *multiplexer.OneToMany[*config.Config]
	// Serializes reloads from the config watcher and the console
	reloadMu  sync.Mutex
	closeOnce sync.Once
}

// New brings up the event loop, the displays, the renderer and one window per display
func New(cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{
		cfg:    cfg,
		opts:   opts,
		tracer: tracer.New(),
		fatal:  multiplexer.NewManyToOne(make(chan error, 1)),
		reload: multiplexer.NewOneToMany[*config.Config](1),
	}
	go a.reload.StartPlexer()
	// Every failure below sets err before returning, which tears down what was built
	var err error
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	applyLogging(cfg, a.tracer)

	a.loop, err = evloop.New()
	if err != nil {
		return nil, fmt.Errorf("creating event loop: %w", err)
	}
	if err = a.openDisplays(); err != nil {
		return nil, err
	}
	if a.renderer, err = a.newRenderer(); err != nil {
		return nil, err
	}

	a.engine = opts.Engine
	if a.engine == nil {
		a.engine = testpattern.New(testpattern.Config{
			Layers:       cfg.Pattern.Layers,
			PlatformView: cfg.Pattern.PlatformView,
			Loop:         a.loop,
		})
	}
	a.comp = compositor.New(compositor.Config{
		Engine:      a.engine,
		Tracer:      a.tracer,
		MaxTextures: cfg.MaxTextures,
	})
	if err = a.addWindows(); err != nil {
		return nil, err
	}
	if e, ok := a.engine.(attachable); ok {
		if err = e.Attach(a.comp); err != nil {
			return nil, fmt.Errorf("attaching engine: %w", err)
		}
	}
	return a, nil
}

func applyLogging(cfg *config.Config, t *tracer.Tracer) {
	logrus.SetLevel(cfg.Level())
	t.SetEnabled(cfg.Level() >= logrus.TraceLevel)
}

func (a *App) openDisplays() error {
	if len(a.opts.Displays) > 0 {
		a.displays = a.opts.Displays
		return nil
	}
	switch a.cfg.Backend {
	case config.BackendKMS:
		dev, err := kms.Open(kms.Config{
			Card:         a.cfg.DrmCard,
			Outputs:      a.cfg.Outputs,
			Loop:         a.loop,
			BlankOnEmpty: a.cfg.BlankOnEmpty,
		})
		if err != nil {
			return fmt.Errorf("opening drm card %d: %w", a.cfg.DrmCard, err)
		}
		a.closers = append(a.closers, dev)
		for _, d := range dev.Displays() {
			a.displays = append(a.displays, d)
		}
	case config.BackendFbdev:
		d, err := fbdev.Open(fbdev.Config{
			Device:       a.cfg.FbDevice,
			Loop:         a.loop,
			BlankOnEmpty: a.cfg.BlankOnEmpty,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, d)
		a.displays = append(a.displays, d)
	case config.BackendHeadless:
		hc := headless.DefaultConfig()
		hc.Width, hc.Height = a.cfg.Headless.Width, a.cfg.Headless.Height
		hc.RefreshHz = a.cfg.Headless.RefreshHz
		hc.Planes = a.cfg.Headless.Planes
		if formats := a.cfg.HeadlessFormats(); len(formats) > 0 {
			hc.Formats = formats
		}
		hc.Loop = a.loop
		hc.BlankOnEmpty = a.cfg.BlankOnEmpty
		d, err := headless.New(hc)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, d)
		a.displays = append(a.displays, d)
	}
	if len(a.displays) == 0 {
		return errors.New("no display to show anything on")
	}
	return nil
}

func (a *App) newRenderer() (renderer.Renderer, error) {
	kind, err := renderer.ParseKind(a.cfg.Renderer)
	if err != nil {
		return nil, err
	}
	switch kind {
	case renderer.KindGL:
		if a.opts.GLBackend == nil {
			return nil, errors.New("gl renderer requested without a gl backend")
		}
		gl, err := renderer.NewGL(a.opts.GLBackend, len(a.displays)+1)
		if err != nil {
			return nil, err
		}
		return gl, nil
	default:
		return renderer.NewSoftware(), nil
	}
}

// addWindows creates one window per display. Swapchains and pools are
// allocated in parallel, view ids follow display order
func (a *App) addWindows() error {
	windows := make([]*compositor.Window, len(a.displays))
	var g errgroup.Group
	for i, d := range a.displays {
		g.Go(func() error {
			w, err := compositor.NewWindow(a.comp, compositor.WindowConfig{
				Display:           d,
				Renderer:          a.renderer,
				Mode:              a.cfg.Mode(),
				UsesFrameRequests: a.cfg.FrameRequests(),
			})
			if err != nil {
				return fmt.Errorf("window on %s: %w", d.Name(), err)
			}
			windows[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Render surfaces that could not be created make the whole setup useless
		for _, w := range windows {
			if w != nil {
				w.Close()
			}
		}
		return err
	}
	for _, w := range windows {
		if err := a.comp.Attach(w); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) Config() *config.Config { return a.cfg }

func (a *App) Loop() *evloop.Loop { return a.loop }

func (a *App) Tracer() *tracer.Tracer { return a.tracer }

func (a *App) Compositor() *compositor.Compositor { return a.comp }

func (a *App) Engine() compositor.Engine { return a.engine }

func (a *App) Displays() []display.Display { return a.displays }

// Fatal makes Run return err. Only the first report counts
func (a *App) Fatal(err error) {
	if !a.fatal.TrySend(err) {
		logger.WithError(err).Debugln("Fatal error after the first one, dropped")
	}
}

// Subscribe returns a channel receiving every reloaded config
func (a *App) Subscribe(name string) (<-chan *config.Config, error) {
	return a.reload.MakeReceiver(name)
}

// Reload applies the live parts of cfg and passes it on to subscribers.
// Everything except log level and present mode needs a restart
func (a *App) Reload(cfg *config.Config) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()
	applyLogging(cfg, a.tracer)
	if cfg.PresentMode != a.cfg.PresentMode {
		for _, w := range a.comp.Windows() {
			w.SetMode(cfg.Mode())
		}
	}
	a.cfg.LogLevel = cfg.LogLevel
	a.cfg.PresentMode = cfg.PresentMode
	if err := a.reload.Send(cfg); err != nil {
		logger.WithError(err).Debugln("Config reload not forwarded")
	}
}

// Run dispatches the event loop until ctx is done or a fatal error is reported
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// A stopped loop ends the run as well
		defer cancel()
		err := a.loop.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		select {
		case err, ok := <-a.fatal.Receiver():
			if ok && err != nil {
				return err
			}
		case <-ctx.Done():
		}
		return nil
	})
	if a.opts.ConfigPath != "" {
		g.Go(func() error {
			if err := config.Watch(ctx, a.opts.ConfigPath, a.Reload); err != nil {
				logger.WithError(err).Warnln("Config changes won't be applied")
			}
			return nil
		})
	}
	if e, ok := a.engine.(attachable); ok {
		if err := a.loop.Post(func() {
			if err := e.Start(); err != nil {
				a.Fatal(fmt.Errorf("starting engine: %w", err))
			}
		}); err != nil {
			return err
		}
	}

	err := g.Wait()
	if e, ok := a.engine.(attachable); ok {
		e.Stop()
	}
	return err
}

// Close tears everything down in reverse order of creation
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.comp != nil {
		a.comp.Close()
	}
	if a.renderer != nil {
		if err := a.renderer.Close(); err != nil {
			logger.WithError(err).Warnln("Closing renderer failed")
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			logger.WithError(err).Warnln("Closing display failed")
		}
	}
	if a.loop != nil {
		a.loop.Close()
	}
	a.fatal.Close()
	a.reload.CloseSender()
}
