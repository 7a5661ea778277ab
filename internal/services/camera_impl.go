package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"viewfinder/internal/capture"
	"viewfinder/internal/database"
	"viewfinder/internal/overlay"
	"viewfinder/internal/pipeline"
)

// CameraController is the part of the capture controller the API drives
type CameraController interface {
	Status() capture.Status
	SwitchLens(ctx context.Context) (capture.LensFacing, error)
	SetTargetRotation(degrees int) error
	OnDisplayChanged(ctx context.Context, d overlay.Display) error
	TakePicture(ctx context.Context) (*capture.Result, error)
}

// DisplaySetter receives display metric changes
type DisplaySetter interface {
	SetDisplay(d overlay.Display)
}

// CaptureStore looks up stored captures
type CaptureStore interface {
	Get(ctx context.Context, id string) (*database.CaptureRecord, error)
	Recent(ctx context.Context, limit int) ([]*database.CaptureRecord, error)
}

// ErrorInjector simulates classified camera failures
type ErrorInjector interface {
	InjectError(code capture.ErrorCode) error
}

// ViewerCounter reports connected overlay viewers and their traffic
type ViewerCounter interface {
	ClientCount() int
	Redraws() uint64
	Dropped() uint64
}

// DetectorReader exposes the active detector settings
type DetectorReader interface {
	Config() pipeline.DetectorConfig
}

// CameraImplementation implements the camera service
type CameraImplementation struct {
	controller CameraController
	display    DisplaySetter
	captures   CaptureStore
	pipeline   PipelineReporter
	detector   DetectorReader
	viewers    ViewerCounter
	injector   ErrorInjector
	logger     *zap.SugaredLogger
}

// CameraDeps bundles the camera service collaborators. Injector is
// optional and only set for simulated cameras.
type CameraDeps struct {
	Controller CameraController
	Display    DisplaySetter
	Captures   CaptureStore
	Pipeline   PipelineReporter
	Detector   DetectorReader
	Viewers    ViewerCounter
	Injector   ErrorInjector
	Logger     *zap.SugaredLogger
}

// NewCameraService creates a new camera service implementation
func NewCameraService(deps CameraDeps) *CameraImplementation {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	return &CameraImplementation{
		controller: deps.Controller,
		display:    deps.Display,
		captures:   deps.Captures,
		pipeline:   deps.Pipeline,
		detector:   deps.Detector,
		viewers:    deps.Viewers,
		injector:   deps.Injector,
		logger:     deps.Logger,
	}
}

// Status returns the camera, detector and pipeline state
func (c *CameraImplementation) Status(ctx context.Context) (*ViewfinderStatus, error) {
	s := &ViewfinderStatus{
		Camera:   c.controller.Status(),
		Pipeline: c.pipeline.Stats(),
		Detector: c.detector.Config(),
	}
	if c.viewers != nil {
		s.Viewers = c.viewers.ClientCount()
		s.Redraws = c.viewers.Redraws()
		s.DroppedMessages = c.viewers.Dropped()
	}
	return s, nil
}

// SwitchLens toggles between the back and front camera
func (c *CameraImplementation) SwitchLens(ctx context.Context) (*LensResult, error) {
	lens, err := c.controller.SwitchLens(ctx)
	if err != nil {
		return nil, captureError(err)
	}
	return &LensResult{Lens: lens, CanSwitchLens: c.controller.Status().CanSwitchLens}, nil
}

// SetRotation updates the target rotation of the bound session
func (c *CameraImplementation) SetRotation(ctx context.Context, p *RotationPayload) (*capture.Status, error) {
	if p == nil {
		return nil, badRequest("missing rotation")
	}
	if err := c.controller.SetTargetRotation(p.Degrees); err != nil {
		return nil, badRequest("%v", err)
	}
	s := c.controller.Status()
	return &s, nil
}

// SetDisplay records new display metrics. Overlay sizing follows at once;
// the session is rebound when the aspect ratio changes.
func (c *CameraImplementation) SetDisplay(ctx context.Context, p *DisplayPayload) (*capture.Status, error) {
	if p == nil || p.Width <= 0 || p.Height <= 0 {
		return nil, badRequest("display size must be positive")
	}
	d := overlay.Display{Width: p.Width, Height: p.Height}
	if c.display != nil {
		c.display.SetDisplay(d)
	}
	if err := c.controller.OnDisplayChanged(ctx, d); err != nil {
		return nil, captureError(err)
	}
	s := c.controller.Status()
	return &s, nil
}

// Capture takes an annotated full resolution picture
func (c *CameraImplementation) Capture(ctx context.Context) (*CaptureResult, error) {
	res, err := c.controller.TakePicture(ctx)
	if err != nil {
		c.logger.Warnw("capture failed", "error", err)
		return nil, captureError(err)
	}

	out := &CaptureResult{
		ID:          res.Location,
		URL:         captureURL(res.Location),
		Width:       res.Width,
		Height:      res.Height,
		InferenceMs: float64(res.InferenceTime.Microseconds()) / 1000,
		Detections:  make([]CaptureObject, 0, len(res.Primitives)),
		Timestamp:   res.Timestamp,
	}
	for _, p := range res.Primitives {
		out.Detections = append(out.Detections, CaptureObject{Label: p.Label, Score: p.Score, Box: p.Box})
	}
	return out, nil
}

// GetCapture returns a stored capture
func (c *CameraImplementation) GetCapture(ctx context.Context, id string) (*database.CaptureRecord, error) {
	rec, err := c.captures.Get(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, notFound("capture %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListCaptures returns recent captures, newest first
func (c *CameraImplementation) ListCaptures(ctx context.Context, limit int) ([]*CaptureInfo, error) {
	records, err := c.captures.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*CaptureInfo, len(records))
	for i, rec := range records {
		out[i] = captureInfo(rec)
	}
	return out, nil
}

// SimulateError makes a simulated camera fail with a classified code
func (c *CameraImplementation) SimulateError(ctx context.Context, p *SimulateErrorPayload) error {
	if c.injector == nil {
		return unavailable("error simulation needs the virtual camera")
	}
	if p == nil {
		return badRequest("missing error code")
	}
	code, err := parseErrorCode(p.Code)
	if err != nil {
		return badRequest("%v", err)
	}
	if err := c.injector.InjectError(code); err != nil {
		return conflict("%v", err)
	}
	c.logger.Infow("simulated camera error", "code", code)
	return nil
}

func parseErrorCode(s string) (capture.ErrorCode, error) {
	for _, code := range capture.ErrorCodes {
		if code.String() == s {
			return code, nil
		}
	}
	return 0, fmt.Errorf("unknown error code %q", s)
}
