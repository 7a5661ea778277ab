package detectors

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	"viewfinder/internal/pipeline"
)

// ErrClosed is returned by Detect after Close
var ErrClosed = errors.New("detector closed")

// Lazy owns a backend's warm/cold lifecycle. The backend is built on first
// use, dropped whenever the config changes, and rebuilt on the next Detect.
//
// Detect runs under the read lock and config changes take the write lock,
// so no detect ever combines a backend built for one config with the
// threshold of another.
type Lazy struct {
	factory Factory
	logger  *zap.SugaredLogger

	mu       sync.RWMutex
	cfg      pipeline.DetectorConfig
	backend  Backend
	closed   bool
	builds   uint64
	drops    uint64
	onChange []func(pipeline.DetectorConfig)
}

// NewLazy creates a cold detector. cfg is validated but nothing is built.
func NewLazy(factory Factory, cfg pipeline.DetectorConfig, logger *zap.SugaredLogger) (*Lazy, error) {
	if factory == nil {
		return nil, fmt.Errorf("factory cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Lazy{factory: factory, cfg: cfg, logger: logger}, nil
}

// Detect implements pipeline.Detector
func (d *Lazy) Detect(ctx context.Context, buf *image.RGBA, rotationDegrees int) (*pipeline.Detections, error) {
	if buf == nil {
		return nil, fmt.Errorf("%w: nil buffer", pipeline.ErrFormatMismatch)
	}
	var img image.Image = buf
	img, err := RotateClockwise(img, rotationDegrees)
	if err != nil {
		return nil, err
	}

	backend, cfg, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	raw, err := backend.Infer(ctx, img)
	elapsed := time.Since(start)
	d.mu.RUnlock()
	if err != nil {
		if errors.Is(err, ErrBackendLost) {
			d.discard(backend)
		}
		return nil, fmt.Errorf("inference with %s: %w", cfg.Model, err)
	}

	results := Chain(
		RankCategories(),
		NewScoreFilter(cfg.Threshold),
		SortByScore(),
		NewLimit(cfg.MaxResults),
	)(raw)

	b := img.Bounds()
	return &pipeline.Detections{
		Results:       results,
		ImageWidth:    b.Dx(),
		ImageHeight:   b.Dy(),
		InferenceTime: elapsed,
	}, nil
}

// acquire returns with the read lock held and a built backend
func (d *Lazy) acquire(ctx context.Context) (Backend, pipeline.DetectorConfig, error) {
	for {
		d.mu.RLock()
		if d.closed {
			d.mu.RUnlock()
			return nil, pipeline.DetectorConfig{}, ErrClosed
		}
		if d.backend != nil {
			return d.backend, d.cfg, nil
		}
		d.mu.RUnlock()

		if err := d.build(ctx); err != nil {
			return nil, pipeline.DetectorConfig{}, err
		}
	}
}

func (d *Lazy) build(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.backend != nil {
		return nil
	}
	backend, err := d.factory(ctx, d.cfg)
	if err != nil {
		return fmt.Errorf("build detector %s: %w", d.cfg.Model, err)
	}
	d.backend = backend
	d.builds++
	d.logger.Infow("detector built", "model", d.cfg.Model, "delegate", d.cfg.Delegate,
		"threads", d.cfg.NumThreads, "threshold", d.cfg.Threshold)
	return nil
}

// discard drops backend unless a config change already replaced it
func (d *Lazy) discard(backend Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.backend == backend {
		d.logger.Warnw("detector backend lost, rebuilding on next detect", "model", d.cfg.Model)
		d.dropLocked()
	}
}

// Invalidate implements pipeline.Detector
func (d *Lazy) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropLocked()
}

// Clear is Invalidate under the name the settings UI uses
func (d *Lazy) Clear() {
	d.Invalidate()
}

func (d *Lazy) dropLocked() {
	if d.backend == nil {
		return
	}
	if err := d.backend.Close(); err != nil {
		d.logger.Warnw("closing detector backend", "error", err)
	}
	d.backend = nil
	d.drops++
}

// Config returns the active configuration
func (d *Lazy) Config() pipeline.DetectorConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Warm reports whether a backend is currently built
func (d *Lazy) Warm() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.backend != nil
}

// Builds returns how many times a backend was constructed
func (d *Lazy) Builds() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.builds
}

// OnConfigChange registers fn to run after every effective config change
func (d *Lazy) OnConfigChange(fn func(pipeline.DetectorConfig)) {
	d.mu.Lock()
	d.onChange = append(d.onChange, fn)
	d.mu.Unlock()
}

// Apply validates and installs the config produced by update. An invalid
// result leaves the previous config active; an identical one is a no-op.
func (d *Lazy) Apply(update func(*pipeline.DetectorConfig)) (bool, error) {
	d.mu.Lock()
	next := d.cfg
	update(&next)
	if err := next.Validate(); err != nil {
		d.mu.Unlock()
		return false, err
	}
	if next == d.cfg {
		d.mu.Unlock()
		return false, nil
	}
	prev := d.cfg
	d.cfg = next
	d.dropLocked()
	listeners := append([]func(pipeline.DetectorConfig){}, d.onChange...)
	d.mu.Unlock()

	d.logger.Infow("detector config changed",
		"model", fmt.Sprintf("%s -> %s", prev.Model, next.Model),
		"threshold", fmt.Sprintf("%.2f -> %.2f", prev.Threshold, next.Threshold))
	for _, fn := range listeners {
		fn(next)
	}
	return true, nil
}

// SetThreshold sets the confidence threshold, a value in [0,1]
func (d *Lazy) SetThreshold(t float32) error {
	_, err := d.Apply(func(c *pipeline.DetectorConfig) { c.Threshold = t })
	return err
}

// SetModelVariant selects the model
func (d *Lazy) SetModelVariant(m pipeline.ModelVariant) error {
	_, err := d.Apply(func(c *pipeline.DetectorConfig) { c.Model = m })
	return err
}

// SetMaxResults caps the number of results per detect
func (d *Lazy) SetMaxResults(n int) error {
	_, err := d.Apply(func(c *pipeline.DetectorConfig) { c.MaxResults = n })
	return err
}

// SetNumThreads sets the inference thread count
func (d *Lazy) SetNumThreads(n int) error {
	_, err := d.Apply(func(c *pipeline.DetectorConfig) { c.NumThreads = n })
	return err
}

// SetDelegate selects the inference hardware
func (d *Lazy) SetDelegate(del pipeline.Delegate) error {
	_, err := d.Apply(func(c *pipeline.DetectorConfig) { c.Delegate = del })
	return err
}

// Close drops the backend and rejects further detects
func (d *Lazy) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	var err error
	if d.backend != nil {
		err = d.backend.Close()
		d.backend = nil
	}
	return err
}

var _ pipeline.Detector = (*Lazy)(nil)
