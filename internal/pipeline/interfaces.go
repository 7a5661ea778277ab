package pipeline

import (
	"context"
	"image"
)

// Detector is the object detection capability the pipeline drives
type Detector interface {
	// Detect interprets buf as rotated by rotationDegrees clockwise, runs
	// inference and returns results above the configured threshold ordered
	// by descending top score. Blocking from the caller's perspective.
	Detect(ctx context.Context, buf *image.RGBA, rotationDegrees int) (*Detections, error)

	// Invalidate drops model state; the next Detect rebuilds it
	Invalidate()
}

// Compositor turns detections into render primitives
type Compositor interface {
	Compose(results []DetectionResult, sourceHeight, sourceWidth, targetHeight, targetWidth int) []OverlayPrimitive
}

// RenderTarget receives finished overlays. Implementations must not call
// back into the pipeline from SetPrimitives or Invalidate.
type RenderTarget interface {
	// SetPrimitives replaces the current overlay
	SetPrimitives(overlay *Overlay)

	// Invalidate requests a redraw
	Invalidate()

	// Size returns the target surface size, zero when it follows the source
	Size() (width, height int)
}

// DeliveryGate decides whether results may reach the render target
type DeliveryGate interface {
	AllowDelivery() bool
}

// DeliveryGateFunc adapts a function to DeliveryGate
type DeliveryGateFunc func() bool

// AllowDelivery calls f
func (f DeliveryGateFunc) AllowDelivery() bool { return f() }

// FrameSink consumes analysis-stream frames. Submit either takes ownership
// of the frame or releases it before returning false.
type FrameSink interface {
	Submit(frame *Frame) bool
}
