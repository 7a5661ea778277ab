// Package config loads the viewfinder configuration from a YAML file with
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"viewfinder/internal/capture"
	"viewfinder/internal/pipeline"
	"viewfinder/internal/pipeline/detectors"
)

// Camera sources
const (
	SourceVirtual = "virtual"
	SourceFFmpeg  = "ffmpeg"
)

// Detector backends
const (
	BackendBlob = "blob"
	BackendGRPC = "grpc"
	BackendHTTP = "http"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config is the full service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Camera   CameraConfig   `yaml:"camera"`
	Display  DisplayConfig  `yaml:"display"`
	Detector DetectorConfig `yaml:"detector"`
	Preview  PreviewConfig  `yaml:"preview"`
	Media    MediaConfig    `yaml:"media"`
	Auth     AuthConfig     `yaml:"auth"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Debug           bool          `yaml:"debug"`
}

// LogConfig configures logging
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// CameraConfig selects and tunes the camera subsystem
type CameraConfig struct {
	Source        string            `yaml:"source"`
	FPS           int               `yaml:"fps"`
	LongSide      int               `yaml:"long_side"`
	StillLongSide int               `yaml:"still_long_side"`
	Rotation      int               `yaml:"rotation"`
	Devices       map[string]string `yaml:"devices,omitempty"` // lens -> device
	FFmpegBinary  string            `yaml:"ffmpeg_binary"`
	FFmpegQuality int               `yaml:"ffmpeg_quality"`
}

// DisplayConfig is the initial display the session is bound for
type DisplayConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// DetectorConfig selects the backend and its initial settings
type DetectorConfig struct {
	Backend    string        `yaml:"backend"`
	Endpoint   string        `yaml:"endpoint"`
	Timeout    time.Duration `yaml:"timeout"`
	Model      string        `yaml:"model"`
	Threshold  float32       `yaml:"threshold"`
	MaxResults int           `yaml:"max_results"`
	NumThreads int           `yaml:"num_threads"`
	Delegate   string        `yaml:"delegate"`
}

// PreviewConfig tunes the MJPEG preview
type PreviewConfig struct {
	MaxFPS  int `yaml:"max_fps"`
	Quality int `yaml:"quality"`
}

// MediaConfig configures capture storage
type MediaConfig struct {
	Dir           string        `yaml:"dir"`
	Database      string        `yaml:"database"`
	Quality       int           `yaml:"quality"`
	Retention     time.Duration `yaml:"retention"` // Zero keeps captures forever
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// AuthConfig configures API authentication
type AuthConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`
}

// Default returns the built-in configuration
func Default() *Config {
	dc := pipeline.DefaultDetectorConfig()
	return &Config{
		Server: ServerConfig{Addr: ":8080", ShutdownTimeout: 30 * time.Second},
		Log:    LogConfig{Level: "info"},
		Camera: CameraConfig{
			Source:        SourceVirtual,
			FPS:           15,
			LongSide:      640,
			StillLongSide: 1280,
			FFmpegBinary:  "ffmpeg",
			FFmpegQuality: 5,
		},
		Display: DisplayConfig{Width: 1080, Height: 1920},
		Detector: DetectorConfig{
			Backend:    BackendBlob,
			Timeout:    5 * time.Second,
			Model:      string(dc.Model),
			Threshold:  dc.Threshold,
			MaxResults: dc.MaxResults,
			NumThreads: dc.NumThreads,
			Delegate:   string(dc.Delegate),
		},
		Preview: PreviewConfig{MaxFPS: 15, Quality: 80},
		Media: MediaConfig{
			Dir:           "captures",
			Database:      "viewfinder.db",
			Quality:       90,
			PruneInterval: time.Hour,
		},
		Auth: AuthConfig{Username: "admin", JWTExpiry: 24 * time.Hour},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. An empty path uses defaults and the environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown keys
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document decodes to io.EOF
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from the environment
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("VIEWFINDER_ADDR", &c.Server.Addr)
	str("VIEWFINDER_LOG_LEVEL", &c.Log.Level)
	str("VIEWFINDER_CAMERA_SOURCE", &c.Camera.Source)
	str("VIEWFINDER_DETECTOR_BACKEND", &c.Detector.Backend)
	str("VIEWFINDER_DETECTOR_ENDPOINT", &c.Detector.Endpoint)
	str("VIEWFINDER_DETECTOR_MODEL", &c.Detector.Model)
	if v, ok := lookup("VIEWFINDER_DETECTOR_THRESHOLD"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("VIEWFINDER_DETECTOR_THRESHOLD: %w", err))
		} else {
			c.Detector.Threshold = float32(f)
		}
	}
	str("VIEWFINDER_MEDIA_DIR", &c.Media.Dir)
	str("VIEWFINDER_DATABASE", &c.Media.Database)
	boolean("AUTH_ENABLED", &c.Auth.Enabled)
	str("AUTH_USERNAME", &c.Auth.Username)
	str("AUTH_PASSWORD", &c.Auth.Password)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	duration("JWT_EXPIRY", &c.Auth.JWTExpiry)
	return errs
}

// Validate checks every section and reports all problems at once
func (c *Config) Validate() error {
	var errs error
	fail := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Server.Addr == "" {
		fail("server.addr is required")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		fail("log.level: %v", err)
	}

	switch c.Camera.Source {
	case SourceVirtual:
	case SourceFFmpeg:
		if len(c.Camera.Devices) == 0 {
			fail("camera.devices is required for the ffmpeg source")
		}
	default:
		fail("camera.source %q is not one of %s, %s", c.Camera.Source, SourceVirtual, SourceFFmpeg)
	}
	for lens := range c.Camera.Devices {
		if _, err := ParseLens(lens); err != nil {
			fail("camera.devices: %v", err)
		}
	}
	if c.Camera.FPS <= 0 {
		fail("camera.fps must be positive")
	}
	if _, err := detectors.NormalizeRotation(c.Camera.Rotation); err != nil {
		fail("camera.rotation: %v", err)
	}
	if c.Display.Width <= 0 || c.Display.Height <= 0 {
		fail("display size must be positive, got %dx%d", c.Display.Width, c.Display.Height)
	}

	switch c.Detector.Backend {
	case BackendBlob:
	case BackendGRPC, BackendHTTP:
		if c.Detector.Endpoint == "" {
			fail("detector.endpoint is required for the %s backend", c.Detector.Backend)
		}
	default:
		fail("detector.backend %q is not one of %s, %s, %s", c.Detector.Backend, BackendBlob, BackendGRPC, BackendHTTP)
	}
	if _, err := c.Detector.Settings(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("%w: detector: %v", ErrInvalid, err))
	}

	if c.Media.Dir == "" || c.Media.Database == "" {
		fail("media.dir and media.database are required")
	}
	if c.Media.Retention < 0 {
		fail("media.retention must not be negative")
	}
	if c.Auth.Enabled && c.Auth.Password == "" {
		fail("auth.password is required when auth is enabled")
	}
	return errs
}

// Settings returns the detector settings the lazy detector is built with
func (d DetectorConfig) Settings() (pipeline.DetectorConfig, error) {
	cfg := pipeline.DetectorConfig{
		Model:      pipeline.ModelVariant(d.Model),
		Threshold:  d.Threshold,
		MaxResults: d.MaxResults,
		NumThreads: d.NumThreads,
		Delegate:   pipeline.Delegate(d.Delegate),
	}
	return cfg, cfg.Validate()
}

// Lenses returns the configured devices keyed by lens
func (c CameraConfig) Lenses() map[capture.LensFacing]string {
	out := make(map[capture.LensFacing]string, len(c.Devices))
	for name, device := range c.Devices {
		if lens, err := ParseLens(name); err == nil {
			out[lens] = device
		}
	}
	return out
}

// ParseLens accepts "back" or "front"
func ParseLens(s string) (capture.LensFacing, error) {
	switch capture.LensFacing(strings.ToLower(s)) {
	case capture.LensBack:
		return capture.LensBack, nil
	case capture.LensFront:
		return capture.LensFront, nil
	}
	return "", fmt.Errorf("unknown lens %q", s)
}

// Marshal renders the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
