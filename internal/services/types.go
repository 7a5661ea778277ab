package services

import (
	"errors"
	"time"

	goa "goa.design/goa/v3/pkg"

	"viewfinder/internal/capture"
	"viewfinder/internal/database"
	"viewfinder/internal/pipeline"
)

// Error names carried by goa service errors
const (
	ErrNameBadRequest   = "bad_request"
	ErrNameUnauthorized = "unauthorized"
	ErrNameNotFound     = "not_found"
	ErrNameConflict     = "conflict"
	ErrNameUnavailable  = "unavailable"
)

func badRequest(format string, args ...any) error {
	return goa.PermanentError(ErrNameBadRequest, format, args...)
}

func unauthorized(format string, args ...any) error {
	return goa.PermanentError(ErrNameUnauthorized, format, args...)
}

func notFound(format string, args ...any) error {
	return goa.PermanentError(ErrNameNotFound, format, args...)
}

func conflict(format string, args ...any) error {
	return goa.TemporaryError(ErrNameConflict, format, args...)
}

func unavailable(format string, args ...any) error {
	return goa.TemporaryError(ErrNameUnavailable, format, args...)
}

// captureError classifies controller errors for callers
func captureError(err error) error {
	var se *capture.SessionError
	switch {
	case errors.Is(err, capture.ErrSessionNotOpen):
		return conflict("camera session is not open, retry when it is")
	case errors.Is(err, capture.ErrLensUnavailable):
		return conflict("%v", err)
	case errors.Is(err, capture.ErrNotStarted), errors.Is(err, capture.ErrClosed):
		return unavailable("%v", err)
	case errors.As(err, &se):
		return unavailable("%s", se.Code.Message())
	case errors.Is(err, pipeline.ErrInvalidConfig):
		return badRequest("%v", err)
	}
	return err
}

// LoginPayload is the login request body
type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult carries a bearer token
type LoginResult struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// AuthStatus describes the caller's authentication
type AuthStatus struct {
	Enabled       bool    `json:"enabled"`
	Authenticated bool    `json:"authenticated"`
	Username      *string `json:"username,omitempty"`
}

// HealthStatus is the readiness report
type HealthStatus struct {
	Status       string  `json:"status"`
	Uptime       string  `json:"uptime"`
	CameraState  string  `json:"camera_state"`
	DetectorWarm bool    `json:"detector_warm"`
	FPS          float64 `json:"fps"`
}

// ViewfinderStatus is the full state of the viewfinder
type ViewfinderStatus struct {
	Camera          capture.Status          `json:"camera"`
	Detector        pipeline.DetectorConfig `json:"detector"`
	Pipeline        pipeline.Stats          `json:"pipeline"`
	Viewers         int                     `json:"viewers"`
	Redraws         uint64                  `json:"redraws"`
	DroppedMessages uint64                  `json:"dropped_messages"`
}

// RotationPayload sets the display rotation
type RotationPayload struct {
	Degrees int `json:"degrees"`
}

// DisplayPayload reports new display metrics
type DisplayPayload struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// LensResult reports the active lens
type LensResult struct {
	Lens          capture.LensFacing `json:"lens"`
	CanSwitchLens bool               `json:"can_switch_lens"`
}

// SimulateErrorPayload asks a simulated camera to fail
type SimulateErrorPayload struct {
	Code string `json:"code"`
}

// CaptureResult describes a stored one-shot capture
type CaptureResult struct {
	ID          string          `json:"id"`
	URL         string          `json:"url"`
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	InferenceMs float64         `json:"inference_ms"`
	Detections  []CaptureObject `json:"detections"`
	Timestamp   time.Time       `json:"timestamp"`
}

// CaptureObject is one labeled box drawn on a capture
type CaptureObject struct {
	Label string       `json:"label"`
	Score float32      `json:"score"`
	Box   pipeline.Box `json:"box"`
}

// CaptureInfo describes a stored capture
type CaptureInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

func captureInfo(rec *database.CaptureRecord) *CaptureInfo {
	return &CaptureInfo{
		ID:        rec.ID,
		Title:     rec.Title,
		URL:       captureURL(rec.ID),
		Width:     rec.Width,
		Height:    rec.Height,
		SizeBytes: rec.SizeBytes,
		CreatedAt: rec.CreatedAt,
	}
}

func captureURL(id string) string {
	return "/api/captures/" + id + "/image"
}

// DetectorUpdatePayload changes detector settings. Omitted fields keep
// their value. ThresholdProgress is the 0-100 slider form of Threshold.
type DetectorUpdatePayload struct {
	Threshold         *float32 `json:"threshold,omitempty"`
	ThresholdProgress *int     `json:"threshold_progress,omitempty"`
	Model             *string  `json:"model,omitempty"`
	MaxResults        *int     `json:"max_results,omitempty"`
	NumThreads        *int     `json:"num_threads,omitempty"`
	Delegate          *string  `json:"delegate,omitempty"`
}

// DetectorInfo reports the detector configuration and lifecycle
type DetectorInfo struct {
	Backend string                  `json:"backend"`
	Config  pipeline.DetectorConfig `json:"config"`
	Warm    bool                    `json:"warm"`
	Builds  uint64                  `json:"builds"`
	Changed bool                    `json:"changed"`
}

// ModelInfo describes one selectable model
type ModelInfo struct {
	Name string `json:"name"`
	File string `json:"file"`
}
