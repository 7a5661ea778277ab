package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"viewfinder/internal/auth"
	"viewfinder/internal/camera"
	"viewfinder/internal/capture"
	"viewfinder/internal/config"
	"viewfinder/internal/database"
	"viewfinder/internal/media"
	"viewfinder/internal/overlay"
	"viewfinder/internal/pipeline"
	"viewfinder/internal/pipeline/detectors"
	"viewfinder/internal/services"
	"viewfinder/internal/stream"
	"viewfinder/internal/ws"
)

// viewfinder holds every long-lived component of the serve command
type viewfinder struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	db         *database.Database
	store      *media.Store
	detector   *detectors.Lazy
	compositor *overlay.Compositor
	pipeline   *pipeline.AnalysisPipeline
	hub        *ws.DetectionHub
	bus        *capture.NotificationBus
	preview    *stream.MJPEGStream
	controller *capture.Controller
	injector   services.ErrorInjector
	auth       *auth.Authenticator
	configSvc  *services.ConfigImplementation
}

func serve(ctx context.Context, cfg *config.Config, configPath string, logger *zap.SugaredLogger) (err error) {
	v, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, v.Close()) }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return v.pipeline.Run(ctx) })
	g.Go(func() error { return v.hub.Run(ctx) })
	g.Go(func() error {
		v.drainErrors(ctx)
		return nil
	})
	g.Go(func() error {
		v.store.RunRetention(ctx, cfg.Media.Retention, cfg.Media.PruneInterval)
		return nil
	})
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, configPath, logger.Named("config"), func(next *config.Config) {
				v.reload(ctx, next)
			})
		})
	}
	g.Go(func() error { return handleHTTPServer(ctx, v) })

	// A missing camera is fatal; everything else is reported while running
	if err := v.controller.Start(ctx); err != nil {
		cancel()
		return multierr.Append(fmt.Errorf("start camera: %w", err), ignoreCanceled(g.Wait()))
	}
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// build wires the components. Frames flow camera -> controller ->
// pipeline -> hub, and the controller gates delivery on session state.
func build(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (_ *viewfinder, err error) {
	v := &viewfinder{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, v.Close())
		}
	}()

	v.auth, err = auth.NewAuthenticator(auth.Config{
		Enabled:   cfg.Auth.Enabled,
		Username:  cfg.Auth.Username,
		Password:  cfg.Auth.Password,
		JWTSecret: cfg.Auth.JWTSecret,
		JWTExpiry: cfg.Auth.JWTExpiry,
	})
	if err != nil {
		return nil, err
	}

	v.db, err = database.New(cfg.Media.Database)
	if err != nil {
		return nil, err
	}
	if err := v.db.Migrate(ctx); err != nil {
		return nil, err
	}
	v.store, err = media.NewStore(cfg.Media.Dir, v.db, cfg.Media.Quality, logger.Named("media"))
	if err != nil {
		return nil, err
	}

	factory, err := detectorFactory(cfg.Detector)
	if err != nil {
		return nil, err
	}
	settings, err := cfg.Detector.Settings()
	if err != nil {
		return nil, err
	}
	v.detector, err = detectors.NewLazy(factory, settings, logger.Named("detector"))
	if err != nil {
		return nil, err
	}

	display := overlay.Display{Width: cfg.Display.Width, Height: cfg.Display.Height}
	v.compositor = overlay.NewCompositor(nil, display)

	gate := pipeline.DeliveryGateFunc(func() bool {
		return v.controller != nil && v.controller.AllowDelivery()
	})
	v.pipeline = pipeline.NewAnalysisPipeline(v.detector, v.compositor,
		pipeline.WithGate(gate),
		pipeline.WithLogger(logger.Named("pipeline")),
	)

	v.hub = ws.NewDetectionHub(v.pipeline, logger.Named("ws"))
	v.bus = capture.NewNotificationBus()
	v.bus.Subscribe(v.hub)

	v.preview = stream.NewMJPEGStream(stream.Config{
		MaxFPS:  cfg.Preview.MaxFPS,
		Quality: cfg.Preview.Quality,
		Watch:   v.hub.Hold,
	}, v.hub, func() int { return v.controller.Rotation() }, logger.Named("stream"))

	oneshot, err := capture.NewOneShot(v.detector, v.compositor, v.store, logger.Named("capture"))
	if err != nil {
		return nil, err
	}

	provider, err := v.cameraProvider()
	if err != nil {
		return nil, err
	}
	v.controller, err = capture.NewController(capture.ControllerConfig{
		Provider: provider,
		Analysis: v.pipeline,
		Preview:  v.preview,
		Capture:  oneshot,
		Observer: capture.NewObserver(v.bus, logger.Named("camera")),
		Display:  display,
		Rotation: cfg.Camera.Rotation,
		Logger:   logger.Named("controller"),
	})
	if err != nil {
		return nil, err
	}

	v.configSvc = services.NewConfigService(cfg.Detector.Backend, v.detector, v.pipeline, v.db, logger.Named("config"))
	if err := v.configSvc.Restore(ctx); err != nil {
		logger.Warnw("ignoring saved detector config", "error", err)
	}
	return v, nil
}

func detectorFactory(cfg config.DetectorConfig) (detectors.Factory, error) {
	registry := detectors.NewRegistry()
	err := multierr.Combine(
		registry.Register(config.BackendBlob, detectors.NewBlobFactory(detectors.DefaultBlobConfig())),
		registry.Register(config.BackendGRPC, detectors.NewGRPCFactory(detectors.GRPCConfig{
			Endpoint: cfg.Endpoint,
			Timeout:  cfg.Timeout,
		})),
		registry.Register(config.BackendHTTP, detectors.NewHTTPFactory(detectors.HTTPConfig{
			Endpoint: cfg.Endpoint,
			Timeout:  cfg.Timeout,
		})),
	)
	if err != nil {
		return nil, err
	}
	factory, ok := registry.Get(cfg.Backend)
	if !ok {
		return nil, fmt.Errorf("unknown detector backend %q (available: %v)", cfg.Backend, registry.Names())
	}
	return factory, nil
}

func (v *viewfinder) cameraProvider() (capture.Provider, error) {
	cam := v.cfg.Camera
	switch cam.Source {
	case config.SourceVirtual:
		vc := camera.DefaultVirtualConfig()
		vc.FPS = cam.FPS
		vc.LongSide = cam.LongSide
		vc.StillLongSide = cam.StillLongSide
		p := camera.NewVirtualProvider(vc, v.logger.Named("camera"))
		v.injector = p
		return p, nil
	case config.SourceFFmpeg:
		return camera.NewFFmpegProvider(camera.FFmpegConfig{
			Devices:       cam.Lenses(),
			FPS:           cam.FPS,
			Binary:        cam.FFmpegBinary,
			Quality:       cam.FFmpegQuality,
			LongSide:      cam.LongSide,
			StillLongSide: cam.StillLongSide,
		}, v.logger.Named("camera")), nil
	}
	return nil, fmt.Errorf("unknown camera source %q", cam.Source)
}

// reload applies detector settings from an edited config file. Other
// sections take effect on restart.
func (v *viewfinder) reload(ctx context.Context, next *config.Config) {
	settings, err := next.Detector.Settings()
	if err != nil {
		v.logger.Warnw("ignoring detector settings", "error", err)
		return
	}
	changed, err := v.configSvc.Replace(ctx, settings)
	if err != nil {
		v.logger.Warnw("ignoring detector settings", "error", err)
		return
	}
	if changed {
		v.logger.Infow("detector settings reloaded", "model", settings.Model, "threshold", settings.Threshold)
	}
}

// drainErrors logs transient analysis failures
func (v *viewfinder) drainErrors(ctx context.Context) {
	errs := v.pipeline.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			v.logger.Debugw("frame skipped", "error", err)
		}
	}
}

// Close releases everything build acquired, camera first
func (v *viewfinder) Close() error {
	var err error
	if v.controller != nil {
		err = multierr.Append(err, v.controller.Close())
	}
	if v.preview != nil {
		v.preview.Close()
	}
	if v.bus != nil {
		v.bus.Close()
	}
	if v.detector != nil {
		err = multierr.Append(err, v.detector.Close())
	}
	if v.db != nil {
		err = multierr.Append(err, v.db.Close())
	}
	return err
}
