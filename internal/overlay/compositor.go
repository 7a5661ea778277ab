// Package overlay turns detections into positioned, colored label boxes and
// rasterizes them onto captured images.
package overlay

import (
	"fmt"
	"image/color"
	"math"
	"sync"

	"viewfinder/internal/pipeline"
)

const (
	// ChipPadding is added to the measured text bounds of each label chip
	ChipPadding = 8
	// BaseStrokeWidth and BaseTextSize are multiplied by the size factor
	BaseStrokeWidth = 8.0
	BaseTextSize    = 50.0
)

// Display is the physical screen size annotations are proportioned against
type Display struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Compositor maps detections from source to target pixels and derives a
// deterministic style for each one
type Compositor struct {
	measurer TextMeasurer

	mu      sync.RWMutex
	display Display
}

// NewCompositor creates a compositor. A zero display gives a size factor of 1.
func NewCompositor(measurer TextMeasurer, display Display) *Compositor {
	if measurer == nil {
		measurer = NewFontMeasurer()
	}
	return &Compositor{measurer: measurer, display: display}
}

// SetDisplay updates the display metrics
func (c *Compositor) SetDisplay(d Display) {
	c.mu.Lock()
	c.display = d
	c.mu.Unlock()
}

// Display returns the current display metrics
func (c *Compositor) Display() Display {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.display
}

// Compose implements pipeline.Compositor. One primitive is produced per
// result; results without categories get an empty label.
func (c *Compositor) Compose(results []pipeline.DetectionResult, sourceHeight, sourceWidth, targetHeight, targetWidth int) []pipeline.OverlayPrimitive {
	scale := ScaleFactor(sourceHeight, sourceWidth, targetHeight, targetWidth)
	size := SizeFactor(targetWidth, targetHeight, c.Display())
	return c.compose(results, scale, size)
}

// ComposeAt lays out results with explicit scale and size factors
func (c *Compositor) ComposeAt(results []pipeline.DetectionResult, scale float32, sizeFactor float64) []pipeline.OverlayPrimitive {
	return c.compose(results, scale, sizeFactor)
}

func (c *Compositor) compose(results []pipeline.DetectionResult, scale float32, sizeFactor float64) []pipeline.OverlayPrimitive {
	stroke := BaseStrokeWidth * sizeFactor
	textSize := BaseTextSize * sizeFactor

	out := make([]pipeline.OverlayPrimitive, 0, len(results))
	for _, r := range results {
		box := normalizeBox(r.Box).Scale(scale)
		top, _ := r.Top()

		label := LabelText(top.Label, top.Score)
		tb := c.measurer.Measure(label, textSize)

		out = append(out, pipeline.OverlayPrimitive{
			Box:         box,
			Color:       ClassColor(top.Index),
			StrokeWidth: stroke,
			Label:       label,
			TextSize:    textSize,
			Chip: pipeline.Box{
				Left:   box.Left,
				Top:    box.Top,
				Right:  box.Left + float32(tb.Width) + ChipPadding,
				Bottom: box.Top + float32(tb.Height) + ChipPadding,
			},
			TextOrigin: pipeline.Point{X: float64(box.Left), Y: float64(box.Top) + tb.Ascent},
			ClassIndex: top.Index,
			Score:      top.Score,
		})
	}
	return out
}

// ScaleFactor maps source pixels to target pixels with one uniform factor,
// the larger of the two axis ratios
func ScaleFactor(sourceHeight, sourceWidth, targetHeight, targetWidth int) float32 {
	if sourceHeight <= 0 || sourceWidth <= 0 || targetHeight <= 0 || targetWidth <= 0 {
		return 1
	}
	return float32(math.Max(
		float64(targetWidth)/float64(sourceWidth),
		float64(targetHeight)/float64(sourceHeight),
	))
}

// SizeFactor keeps stroke and text proportionate to the display
func SizeFactor(targetWidth, targetHeight int, d Display) float64 {
	if d.Width <= 0 || d.Height <= 0 || targetWidth <= 0 || targetHeight <= 0 {
		return 1
	}
	return math.Max(
		float64(targetWidth)/float64(d.Width),
		float64(targetHeight)/float64(d.Height),
	)
}

// ClassColor derives the box color from a class index
func ClassColor(i int) color.RGBA {
	return color.RGBA{
		R: clampChannel(abs((i/10)%10) * 25),
		G: clampChannel(abs(i%60-30) * 8),
		B: clampChannel(abs(i%10) * 25),
		A: 255,
	}
}

// LabelText formats a category for display
func LabelText(label string, score float32) string {
	return fmt.Sprintf("%s %.2f", label, score)
}

func normalizeBox(b pipeline.Box) pipeline.Box {
	if b.Left > b.Right {
		b.Left, b.Right = b.Right, b.Left
	}
	if b.Top > b.Bottom {
		b.Top, b.Bottom = b.Bottom, b.Top
	}
	return b
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func clampChannel(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

var _ pipeline.Compositor = (*Compositor)(nil)
