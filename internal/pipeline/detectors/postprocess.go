package detectors

import (
	"fmt"
	"image"
	"sort"

	"github.com/disintegration/imaging"

	"viewfinder/internal/pipeline"
)

// Postprocessor filters or reorders raw backend output
type Postprocessor func([]pipeline.DetectionResult) []pipeline.DetectionResult

// RankCategories orders each result's categories by descending score
func RankCategories() Postprocessor {
	return func(in []pipeline.DetectionResult) []pipeline.DetectionResult {
		for i := range in {
			sort.SliceStable(in[i].Categories, func(a, b int) bool {
				return in[i].Categories[a].Score > in[i].Categories[b].Score
			})
		}
		return in
	}
}

// NewScoreFilter drops results whose top category scores below conf
func NewScoreFilter(conf float32) Postprocessor {
	return func(in []pipeline.DetectionResult) []pipeline.DetectionResult {
		out := make([]pipeline.DetectionResult, 0, len(in))
		for _, d := range in {
			if top, ok := d.Top(); ok && top.Score >= conf {
				out = append(out, d)
			}
		}
		return out
	}
}

// SortByScore orders results by descending top score, keeping input order on ties
func SortByScore() Postprocessor {
	return func(in []pipeline.DetectionResult) []pipeline.DetectionResult {
		sort.SliceStable(in, func(a, b int) bool {
			return in[a].TopScore() > in[b].TopScore()
		})
		return in
	}
}

// NewLimit keeps at most n results
func NewLimit(n int) Postprocessor {
	return func(in []pipeline.DetectionResult) []pipeline.DetectionResult {
		if n > 0 && len(in) > n {
			return in[:n]
		}
		return in
	}
}

// Chain applies postprocessors in order
func Chain(steps ...Postprocessor) Postprocessor {
	return func(in []pipeline.DetectionResult) []pipeline.DetectionResult {
		for _, step := range steps {
			in = step(in)
		}
		return in
	}
}

// NormalizeRotation maps any multiple of 90 into [0, 360)
func NormalizeRotation(degrees int) (int, error) {
	if degrees%90 != 0 {
		return 0, fmt.Errorf("rotation %d is not a multiple of 90", degrees)
	}
	return ((degrees % 360) + 360) % 360, nil
}

// RotateClockwise returns img turned clockwise by degrees, a multiple of 90
func RotateClockwise(img image.Image, degrees int) (image.Image, error) {
	d, err := NormalizeRotation(degrees)
	if err != nil {
		return nil, err
	}
	// imaging rotates counter-clockwise
	switch d {
	case 90:
		return imaging.Rotate270(img), nil
	case 180:
		return imaging.Rotate180(img), nil
	case 270:
		return imaging.Rotate90(img), nil
	}
	return img, nil
}
