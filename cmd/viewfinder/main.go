package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"viewfinder/internal/auth"
	"viewfinder/internal/capture"
	"viewfinder/internal/config"
	"viewfinder/internal/logging"
	"viewfinder/internal/pipeline/detectors"
)

const (
	flagConfig   = "config"
	flagWidth    = "width"
	flagHeight   = "height"
	flagLongSide = "long-side"
	flagUsername = "username"
	flagAddr     = "addr"
	flagSessions = "max-sessions"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "viewfinder:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "viewfinder",
		Usage: "live camera viewfinder with object detection overlays",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"VIEWFINDER_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the camera, detector and HTTP API",
				Action: serveAction,
			},
			{
				Name:  "aspect",
				Usage: "print the stream aspect ratio and resolution chosen for a display",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: flagWidth, Required: true, Usage: "display width in pixels"},
					&cli.IntFlag{Name: flagHeight, Required: true, Usage: "display height in pixels"},
					&cli.IntFlag{Name: flagLongSide, Value: 640, Usage: "stream long side in pixels"},
				},
				Action: aspectAction,
			},
			{
				Name:  "token",
				Usage: "issue an API token signed with the configured secret",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagUsername, Usage: "token subject, defaults to auth.username"},
				},
				Action: tokenAction,
			},
			{
				Name:      "hash-password",
				Usage:     "print a bcrypt hash usable as auth.password",
				ArgsUsage: "PASSWORD",
				Action:    hashPasswordAction,
			},
			{
				Name:  "detector-serve",
				Usage: "serve the built-in detector over gRPC for remote viewfinders",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagAddr, Value: ":9090", Usage: "listen address"},
					&cli.IntFlag{Name: flagSessions, Value: 4, Usage: "detector instances kept alive"},
				},
				Action: detectorServeAction,
			},
		},
	}
}

// setup loads the configuration and builds the logger
func setup(c *cli.Context) (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func serveAction(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = serve(ctx, cfg, c.String(flagConfig), logger)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Infow("exited", "error", err)
	return err
}

func aspectAction(c *cli.Context) error {
	ratio := capture.AspectRatioOf(c.Int(flagWidth), c.Int(flagHeight))
	w, h := ratio.Resolution(c.Int(flagLongSide))
	fmt.Fprintf(c.App.Writer, "%s %dx%d\n", ratio, w, h)
	return nil
}

func tokenAction(c *cli.Context) error {
	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret must be set for tokens to outlive this process")
	}
	username := c.String(flagUsername)
	if username == "" {
		username = cfg.Auth.Username
	}
	token, expiresAt, err := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry, nil).GenerateToken(username)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, token)
	fmt.Fprintln(c.App.ErrWriter, "expires", expiresAt.Format("2006-01-02T15:04:05Z07:00"))
	return nil
}

func hashPasswordAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected exactly one PASSWORD argument")
	}
	hash, err := auth.HashPassword(c.Args().First())
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, hash)
	return nil
}

func detectorServeAction(c *cli.Context) error {
	_, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", c.String(flagAddr))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s := grpc.NewServer()
	factory := detectors.NewBlobFactory(detectors.DefaultBlobConfig())
	detectors.RegisterDetectionServer(s, detectors.NewBackendServer(factory, c.Int(flagSessions), logger.Named("detector")))

	go func() {
		<-ctx.Done()
		logger.Infow("shutting down detector server")
		s.GracefulStop()
	}()

	logger.Infow("detector server listening", "addr", lis.Addr().String())
	return s.Serve(lis)
}
