package pipeline

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"sync"
	"time"
)

var (
	ErrInvalidConfig     = errors.New("invalid detector config")
	ErrFormatMismatch    = errors.New("frame format mismatch")
	ErrUnsupportedFormat = errors.New("unsupported pixel format")
)

// PixelFormat identifies the memory layout of a Frame's pixel data
type PixelFormat string

const (
	PixelFormatRGBA8888 PixelFormat = "rgba8888"
	PixelFormatRGB888   PixelFormat = "rgb888"
	PixelFormatGray8    PixelFormat = "gray8"
	// PixelFormatNV12 is YUV 4:2:0 with a full Y plane followed by an interleaved CbCr plane
	PixelFormatNV12 PixelFormat = "nv12"
)

// bytesPerPixel returns the packed size of one pixel in the primary plane
func (f PixelFormat) bytesPerPixel() int {
	switch f {
	case PixelFormatRGBA8888:
		return 4
	case PixelFormatRGB888:
		return 3
	case PixelFormatGray8, PixelFormatNV12:
		return 1
	}
	return 0
}

// Frame is one analysis-stream image handed over by the camera source.
// The pipeline stage holding a Frame owns it and must call Release exactly
// once when done; Pixels is invalid afterwards.
type Frame struct {
	Pixels          []byte
	Width           int
	Height          int
	Stride          int // Bytes per row of the primary plane, 0 means tightly packed
	Format          PixelFormat
	RotationDegrees int
	Timestamp       time.Time
	Seq             uint64

	release func()
	once    sync.Once
}

// NewFrame wraps source-owned pixel data. release is invoked on the first
// Release call and may be nil.
func NewFrame(pixels []byte, width, height int, format PixelFormat, rotationDegrees int, ts time.Time, release func()) *Frame {
	return &Frame{
		Pixels:          pixels,
		Width:           width,
		Height:          height,
		Format:          format,
		RotationDegrees: rotationDegrees,
		Timestamp:       ts,
		release:         release,
	}
}

// Release hands the pixel data back to the source. Safe to call more than once.
func (f *Frame) Release() {
	f.once.Do(func() {
		if f.release != nil {
			f.release()
		}
	})
}

// rowStride returns the effective primary plane stride
func (f *Frame) rowStride() int {
	if f.Stride > 0 {
		return f.Stride
	}
	return f.Width * f.Format.bytesPerPixel()
}

// Box is an axis-aligned rectangle in pixel coordinates
type Box struct {
	Left   float32 `json:"left"`
	Top    float32 `json:"top"`
	Right  float32 `json:"right"`
	Bottom float32 `json:"bottom"`
}

// Width returns the horizontal extent of the box
func (b Box) Width() float32 { return b.Right - b.Left }

// Height returns the vertical extent of the box
func (b Box) Height() float32 { return b.Bottom - b.Top }

// Scale multiplies every edge by s
func (b Box) Scale(s float32) Box {
	return Box{Left: b.Left * s, Top: b.Top * s, Right: b.Right * s, Bottom: b.Bottom * s}
}

// Category is one ranked class hypothesis of a detection
type Category struct {
	Index int     `json:"index"`
	Label string  `json:"label"`
	Score float32 `json:"score"`
}

// DetectionResult is one recognized object in source-pixel coordinates.
// Categories are ordered by descending score.
type DetectionResult struct {
	Box        Box        `json:"box"`
	Categories []Category `json:"categories"`
}

// Top returns the highest ranked category
func (r DetectionResult) Top() (Category, bool) {
	if len(r.Categories) == 0 {
		return Category{}, false
	}
	return r.Categories[0], true
}

// TopScore returns the score of the highest ranked category, or 0
func (r DetectionResult) TopScore() float32 {
	if c, ok := r.Top(); ok {
		return c.Score
	}
	return 0
}

// Detections is the output of a single detector invocation
type Detections struct {
	Results       []DetectionResult
	ImageWidth    int // Width of the image inference ran on, after rotation
	ImageHeight   int
	InferenceTime time.Duration
}

// Point is a position in target-pixel coordinates
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// OverlayPrimitive is a renderable box with its label chip
type OverlayPrimitive struct {
	Box         Box        `json:"box"`
	Color       color.RGBA `json:"color"`
	StrokeWidth float64    `json:"stroke_width"`
	Label       string     `json:"label"`
	TextSize    float64    `json:"text_size"`
	Chip        Box        `json:"chip"`        // Filled background behind Label
	TextOrigin  Point      `json:"text_origin"` // Baseline start of the label text
	ClassIndex  int        `json:"class_index"`
	Score       float32    `json:"score"`
}

// Overlay is a finished set of primitives ready for a render target
type Overlay struct {
	Seq           uint64             `json:"seq"`
	Timestamp     time.Time          `json:"timestamp"`
	SourceWidth   int                `json:"source_width"`
	SourceHeight  int                `json:"source_height"`
	TargetWidth   int                `json:"target_width"`
	TargetHeight  int                `json:"target_height"`
	InferenceTime time.Duration      `json:"inference_time"`
	Primitives    []OverlayPrimitive `json:"primitives"`
}

// ModelVariant selects one of the bundled detection models
type ModelVariant string

const (
	ModelMobileNetV1       ModelVariant = "mobilenet_v1"
	ModelEfficientDetLite0 ModelVariant = "efficientdet_lite0"
	ModelEfficientDetLite1 ModelVariant = "efficientdet_lite1"
	ModelEfficientDetLite2 ModelVariant = "efficientdet_lite2"
)

// ModelVariants lists every supported variant in menu order
var ModelVariants = []ModelVariant{
	ModelMobileNetV1,
	ModelEfficientDetLite0,
	ModelEfficientDetLite1,
	ModelEfficientDetLite2,
}

// File returns the model asset name for the variant
func (m ModelVariant) File() string {
	switch m {
	case ModelMobileNetV1:
		return "mobilenetv1.tflite"
	case ModelEfficientDetLite0:
		return "efficientdet-lite0.tflite"
	case ModelEfficientDetLite1:
		return "efficientdet-lite1.tflite"
	case ModelEfficientDetLite2:
		return "efficientdet-lite2.tflite"
	}
	return ""
}

// Valid reports whether m is a known variant
func (m ModelVariant) Valid() bool {
	return m.File() != ""
}

// ParseModelVariant accepts a variant name
func ParseModelVariant(s string) (ModelVariant, error) {
	m := ModelVariant(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: unknown model variant %q", ErrInvalidConfig, s)
	}
	return m, nil
}

// Delegate selects the inference hardware
type Delegate string

const (
	DelegateCPU   Delegate = "cpu"
	DelegateGPU   Delegate = "gpu"
	DelegateNNAPI Delegate = "nnapi"
)

// Valid reports whether d is a known delegate
func (d Delegate) Valid() bool {
	switch d {
	case DelegateCPU, DelegateGPU, DelegateNNAPI:
		return true
	}
	return false
}

// DetectorConfig holds everything that shapes a detector instance.
// Changing any field invalidates the instance.
type DetectorConfig struct {
	Model      ModelVariant `json:"model" yaml:"model"`
	Threshold  float32      `json:"threshold" yaml:"threshold"`
	MaxResults int          `json:"max_results" yaml:"max_results"`
	NumThreads int          `json:"num_threads" yaml:"num_threads"`
	Delegate   Delegate     `json:"delegate" yaml:"delegate"`
}

// DefaultDetectorConfig returns the startup detector settings
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Model:      ModelMobileNetV1,
		Threshold:  0.5,
		MaxResults: 3,
		NumThreads: 2,
		Delegate:   DelegateCPU,
	}
}

// Validate checks the config at the configuration boundary
func (c DetectorConfig) Validate() error {
	if !c.Model.Valid() {
		return fmt.Errorf("%w: unknown model variant %q", ErrInvalidConfig, c.Model)
	}
	if err := ValidateThreshold(c.Threshold); err != nil {
		return err
	}
	if c.MaxResults < 1 {
		return fmt.Errorf("%w: max results must be positive, got %d", ErrInvalidConfig, c.MaxResults)
	}
	if c.NumThreads < 1 {
		return fmt.Errorf("%w: thread count must be positive, got %d", ErrInvalidConfig, c.NumThreads)
	}
	if !c.Delegate.Valid() {
		return fmt.Errorf("%w: unknown delegate %q", ErrInvalidConfig, c.Delegate)
	}
	return nil
}

// ValidateThreshold accepts confidence thresholds in [0,1]
func ValidateThreshold(t float32) error {
	if math.IsNaN(float64(t)) || t < 0 || t > 1 {
		return fmt.Errorf("%w: threshold %v outside [0,1]", ErrInvalidConfig, t)
	}
	return nil
}

// ThresholdFromProgress converts a 0-100 slider position to a threshold
func ThresholdFromProgress(progress int) (float32, error) {
	if progress < 0 || progress > 100 {
		return 0, fmt.Errorf("%w: slider progress %d outside [0,100]", ErrInvalidConfig, progress)
	}
	return float32(progress) / 100, nil
}

// Stats is a snapshot of analysis pipeline counters
type Stats struct {
	FramesSubmitted   uint64        `json:"frames_submitted"`
	FramesAnalyzed    uint64        `json:"frames_analyzed"`
	FramesDroppedBusy uint64        `json:"frames_dropped_busy"`
	SkippedNoTarget   uint64        `json:"skipped_no_target"`
	DiscardedStale    uint64        `json:"discarded_stale"`
	DetectErrors      uint64        `json:"detect_errors"`
	FormatErrors      uint64        `json:"format_errors"`
	Reallocations     uint64        `json:"reallocations"`
	LastInference     time.Duration `json:"last_inference"`
	FPS               float64       `json:"fps"`
}
