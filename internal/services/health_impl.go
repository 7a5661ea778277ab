package services

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"viewfinder/internal/capture"
	"viewfinder/internal/pipeline"
)

// StateReporter reports the camera session state
type StateReporter interface {
	State() capture.SessionState
}

// PipelineReporter reports analysis counters
type PipelineReporter interface {
	Stats() pipeline.Stats
}

// WarmReporter reports whether a detector instance is built
type WarmReporter interface {
	Warm() bool
}

// HealthImplementation implements the health service
type HealthImplementation struct {
	camera   StateReporter
	pipeline PipelineReporter
	detector WarmReporter
	clock    clock.Clock
	started  time.Time
}

// NewHealthService creates a new health service implementation
func NewHealthService(camera StateReporter, p PipelineReporter, detector WarmReporter, clk clock.Clock) *HealthImplementation {
	if clk == nil {
		clk = clock.New()
	}
	return &HealthImplementation{
		camera:   camera,
		pipeline: p,
		detector: detector,
		clock:    clk,
		started:  clk.Now(),
	}
}

// Healthz implements the liveness probe
func (h *HealthImplementation) Healthz(ctx context.Context) error {
	return nil
}

// Readyz reports ready once the camera session is open
func (h *HealthImplementation) Readyz(ctx context.Context) error {
	if state := h.camera.State(); state != capture.StateOpen {
		return unavailable("camera session is %s", state)
	}
	return nil
}

// Status returns the health report
func (h *HealthImplementation) Status(ctx context.Context) (*HealthStatus, error) {
	state := h.camera.State()
	status := "ok"
	if state != capture.StateOpen {
		status = "degraded"
	}
	return &HealthStatus{
		Status:       status,
		Uptime:       h.clock.Since(h.started).Truncate(time.Second).String(),
		CameraState:  state.String(),
		DetectorWarm: h.detector.Warm(),
		FPS:          h.pipeline.Stats().FPS,
	}, nil
}
