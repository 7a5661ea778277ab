package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"viewfinder/internal/database"
	"viewfinder/internal/pipeline"
)

// detectorConfigKey is the app_config row holding the detector settings
const detectorConfigKey = "detector_config"

// DetectorControl is the configurable live detector
type DetectorControl interface {
	Config() pipeline.DetectorConfig
	Apply(update func(*pipeline.DetectorConfig)) (bool, error)
	Warm() bool
	Builds() uint64
}

// OverlayClearer drops the overlay currently on screen
type OverlayClearer interface {
	ClearOverlay()
}

// ConfigStore persists settings across restarts
type ConfigStore interface {
	SaveConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, error)
}

// ConfigImplementation implements the detector config service
type ConfigImplementation struct {
	backend  string
	detector DetectorControl
	overlays OverlayClearer
	db       ConfigStore
	logger   *zap.SugaredLogger
}

// NewConfigService creates a new config service implementation. db may be
// nil, in which case changes are not persisted.
func NewConfigService(backend string, detector DetectorControl, overlays OverlayClearer, db ConfigStore, logger *zap.SugaredLogger) *ConfigImplementation {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ConfigImplementation{
		backend:  backend,
		detector: detector,
		overlays: overlays,
		db:       db,
		logger:   logger,
	}
}

// Restore applies the settings saved by a previous run
func (c *ConfigImplementation) Restore(ctx context.Context) error {
	if c.db == nil {
		return nil
	}
	jsonStr, err := c.db.GetConfig(ctx, detectorConfigKey)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load detector config: %w", err)
	}

	var saved pipeline.DetectorConfig
	if err := json.Unmarshal([]byte(jsonStr), &saved); err != nil {
		return fmt.Errorf("decode detector config: %w", err)
	}
	changed, err := c.detector.Apply(func(cfg *pipeline.DetectorConfig) { *cfg = saved })
	if err != nil {
		return fmt.Errorf("restore detector config: %w", err)
	}
	if changed {
		c.logger.Infow("restored detector config", "model", saved.Model, "threshold", saved.Threshold)
	}
	return nil
}

// Get returns the detector settings
func (c *ConfigImplementation) Get(ctx context.Context) (*DetectorInfo, error) {
	return c.info(false), nil
}

// Update applies a partial settings change. Every field is validated
// before anything is installed, so a bad request changes nothing.
func (c *ConfigImplementation) Update(ctx context.Context, p *DetectorUpdatePayload) (*DetectorInfo, error) {
	if p == nil {
		return nil, badRequest("missing detector settings")
	}
	if p.Threshold != nil && p.ThresholdProgress != nil {
		return nil, badRequest("set threshold or threshold_progress, not both")
	}

	var progress *float32
	if p.ThresholdProgress != nil {
		t, err := pipeline.ThresholdFromProgress(*p.ThresholdProgress)
		if err != nil {
			return nil, badRequest("%v", err)
		}
		progress = &t
	}

	changed, err := c.apply(ctx, func(cfg *pipeline.DetectorConfig) {
		if p.Threshold != nil {
			cfg.Threshold = *p.Threshold
		}
		if progress != nil {
			cfg.Threshold = *progress
		}
		if p.Model != nil {
			cfg.Model = pipeline.ModelVariant(*p.Model)
		}
		if p.MaxResults != nil {
			cfg.MaxResults = *p.MaxResults
		}
		if p.NumThreads != nil {
			cfg.NumThreads = *p.NumThreads
		}
		if p.Delegate != nil {
			cfg.Delegate = pipeline.Delegate(*p.Delegate)
		}
	})
	if err != nil {
		return nil, err
	}
	return c.info(changed), nil
}

// Replace installs a complete settings set, as read from the config file
func (c *ConfigImplementation) Replace(ctx context.Context, next pipeline.DetectorConfig) (bool, error) {
	return c.apply(ctx, func(cfg *pipeline.DetectorConfig) { *cfg = next })
}

// Models lists the selectable models
func (c *ConfigImplementation) Models(ctx context.Context) ([]*ModelInfo, error) {
	out := make([]*ModelInfo, len(pipeline.ModelVariants))
	for i, m := range pipeline.ModelVariants {
		out[i] = &ModelInfo{Name: string(m), File: m.File()}
	}
	return out, nil
}

func (c *ConfigImplementation) apply(ctx context.Context, update func(*pipeline.DetectorConfig)) (bool, error) {
	changed, err := c.detector.Apply(update)
	if err != nil {
		return false, badRequest("%v", err)
	}
	if !changed {
		return false, nil
	}

	// Boxes from the old settings must not outlive them
	if c.overlays != nil {
		c.overlays.ClearOverlay()
	}
	c.save(ctx)
	return true, nil
}

func (c *ConfigImplementation) save(ctx context.Context) {
	if c.db == nil {
		return
	}
	jsonBytes, err := json.Marshal(c.detector.Config())
	if err != nil {
		c.logger.Warnw("failed to encode detector config", "error", err)
		return
	}
	if err := c.db.SaveConfig(ctx, detectorConfigKey, string(jsonBytes)); err != nil {
		c.logger.Warnw("failed to save detector config", "error", err)
	}
}

func (c *ConfigImplementation) info(changed bool) *DetectorInfo {
	return &DetectorInfo{
		Backend: c.backend,
		Config:  c.detector.Config(),
		Warm:    c.detector.Warm(),
		Builds:  c.detector.Builds(),
		Changed: changed,
	}
}
