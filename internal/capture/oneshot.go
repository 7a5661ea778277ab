package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"viewfinder/internal/overlay"
	"viewfinder/internal/pipeline"
	"viewfinder/internal/pipeline/detectors"
)

// Still is a raw one-shot capture delivered by the camera subsystem
type Still struct {
	JPEG            []byte
	RotationDegrees int
	Lens            LensFacing
	Timestamp       time.Time
}

// MediaSink persists annotated captures and returns where they were stored
type MediaSink interface {
	Save(ctx context.Context, img image.Image, ts time.Time) (string, error)
}

// Result describes a processed one-shot capture
type Result struct {
	Location      string                      `json:"location"`
	Width         int                         `json:"width"`
	Height        int                         `json:"height"`
	Primitives    []pipeline.OverlayPrimitive `json:"primitives"`
	InferenceTime time.Duration               `json:"inference_time"`
	Timestamp     time.Time                   `json:"timestamp"`
}

// OneShot annotates full resolution captures. It shares the live detector,
// so captures use the live threshold and model, and it never touches the
// analysis frame buffer.
type OneShot struct {
	detector   pipeline.Detector
	compositor *overlay.Compositor
	sink       MediaSink
	logger     *zap.SugaredLogger
}

// NewOneShot creates a capture processor
func NewOneShot(detector pipeline.Detector, compositor *overlay.Compositor, sink MediaSink, logger *zap.SugaredLogger) (*OneShot, error) {
	if detector == nil || compositor == nil || sink == nil {
		return nil, fmt.Errorf("one-shot capture needs a detector, compositor and media sink")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &OneShot{detector: detector, compositor: compositor, sink: sink, logger: logger}, nil
}

// Process decodes, upright-rotates, detects, annotates and stores a still
func (o *OneShot) Process(ctx context.Context, still Still) (*Result, error) {
	decoded, err := imaging.Decode(bytes.NewReader(still.JPEG))
	if err != nil {
		return nil, fmt.Errorf("failed to decode capture: %w", err)
	}

	rotated, err := detectors.RotateClockwise(decoded, still.RotationDegrees)
	if err != nil {
		return nil, err
	}
	upright := toRGBA(rotated)

	// The image is already upright
	dets, err := o.detector.Detect(ctx, upright, 0)
	if err != nil {
		return nil, fmt.Errorf("detection on capture: %w", err)
	}

	w, h := upright.Bounds().Dx(), upright.Bounds().Dy()
	sizeFactor := overlay.SizeFactor(w, h, o.compositor.Display())
	prims := o.compositor.ComposeAt(dets.Results, 1, sizeFactor)
	annotated := overlay.Annotate(upright, prims)

	location, err := o.sink.Save(ctx, annotated, still.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to save capture: %w", err)
	}

	o.logger.Debugw("capture annotated", "location", location, "width", w, "height", h,
		"detections", len(prims), "inference", dets.InferenceTime)

	return &Result{
		Location:      location,
		Width:         w,
		Height:        h,
		Primitives:    prims,
		InferenceTime: dets.InferenceTime,
		Timestamp:     still.Timestamp,
	}, nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
