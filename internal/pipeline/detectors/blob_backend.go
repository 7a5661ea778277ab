package detectors

import (
	"context"
	"image"
	"image/color"

	"viewfinder/internal/pipeline"
)

// Blob classes reported by the local backend
const (
	BlobClassDark   = 0
	BlobClassBright = 1
)

// BlobConfig tunes the local connected-component backend
type BlobConfig struct {
	DarkBelow   float64 // Luminance below this is a dark pixel, 0-255
	BrightAbove float64 // Luminance above this is a bright pixel, 0-255
	MinArea     int     // Smaller components are ignored
}

// DefaultBlobConfig returns thresholds suitable for a mostly mid-gray scene
func DefaultBlobConfig() BlobConfig {
	return BlobConfig{DarkBelow: 50, BrightAbove: 205, MinArea: 16}
}

// blobBackend finds connected regions of very dark or very bright pixels and
// boxes them. It needs no model file and serves as the offline backend.
type blobBackend struct {
	cfg BlobConfig
}

// NewBlobFactory returns a factory for the local backend
func NewBlobFactory(cfg BlobConfig) Factory {
	return func(ctx context.Context, _ pipeline.DetectorConfig) (Backend, error) {
		return &blobBackend{cfg: cfg}, nil
	}
}

func (b *blobBackend) Infer(ctx context.Context, img image.Image) ([]pipeline.DetectionResult, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	classes := make([]int8, w*h) // -1 background, otherwise blob class
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			classes[y*w+x] = b.classify(img.At(bounds.Min.X+x, bounds.Min.Y+y))
		}
	}

	seen := make([]bool, w*h)
	var results []pipeline.DetectionResult
	queue := make([]image.Point, 0, 64)
	for y := 0; y < h; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := 0; x < w; x++ {
			idx := y*w + x
			if seen[idx] || classes[idx] < 0 {
				seen[idx] = true
				continue
			}
			class := classes[idx]
			seen[idx] = true
			queue = append(queue[:0], image.Point{X: x, Y: y})
			x0, y0, x1, y1 := x, y, x, y
			area := 0
			for len(queue) > 0 {
				p := queue[len(queue)-1]
				queue = queue[:len(queue)-1]
				area++
				x0, y0, x1, y1 = min(x0, p.X), min(y0, p.Y), max(x1, p.X), max(y1, p.Y)
				for _, n := range [4]image.Point{{p.X, p.Y - 1}, {p.X, p.Y + 1}, {p.X - 1, p.Y}, {p.X + 1, p.Y}} {
					if n.X < 0 || n.Y < 0 || n.X >= w || n.Y >= h {
						continue
					}
					ni := n.Y*w + n.X
					if seen[ni] || classes[ni] != class {
						continue
					}
					seen[ni] = true
					queue = append(queue, n)
				}
			}
			if area < b.cfg.MinArea {
				continue
			}
			// Score is how much of the box the blob fills
			boxArea := (x1 - x0 + 1) * (y1 - y0 + 1)
			results = append(results, pipeline.DetectionResult{
				Box: pipeline.Box{
					Left:   float32(x0),
					Top:    float32(y0),
					Right:  float32(x1 + 1),
					Bottom: float32(y1 + 1),
				},
				Categories: []pipeline.Category{{
					Index: int(class),
					Label: blobLabel(int(class)),
					Score: float32(area) / float32(boxArea),
				}},
			})
		}
	}
	return results, nil
}

func (b *blobBackend) classify(c color.Color) int8 {
	lum := float64(color.GrayModel.Convert(c).(color.Gray).Y)
	switch {
	case lum < b.cfg.DarkBelow:
		return BlobClassDark
	case lum > b.cfg.BrightAbove:
		return BlobClassBright
	}
	return -1
}

func (b *blobBackend) Close() error { return nil }

func blobLabel(class int) string {
	if class == BlobClassBright {
		return "bright"
	}
	return "dark"
}
