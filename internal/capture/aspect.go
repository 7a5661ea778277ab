package capture

import "math"

// AspectRatio is one of the two canonical stream shapes
type AspectRatio int

const (
	Ratio4x3 AspectRatio = iota
	Ratio16x9
)

const (
	ratio4x3Value  = 4.0 / 3.0
	ratio16x9Value = 16.0 / 9.0
)

func (a AspectRatio) String() string {
	if a == Ratio16x9 {
		return "16:9"
	}
	return "4:3"
}

// Value returns the long side over the short side
func (a AspectRatio) Value() float64 {
	if a == Ratio16x9 {
		return ratio16x9Value
	}
	return ratio4x3Value
}

// MarshalText renders the ratio as "4:3" or "16:9"
func (a AspectRatio) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// AspectRatioOf picks the canonical ratio nearest to width x height.
// Orientation does not matter and ties go to 4:3. Degenerate sizes give 4:3.
func AspectRatioOf(width, height int) AspectRatio {
	if width <= 0 || height <= 0 {
		return Ratio4x3
	}
	long := math.Max(float64(width), float64(height))
	short := math.Min(float64(width), float64(height))
	ratio := long / short
	if math.Abs(ratio-ratio4x3Value) <= math.Abs(ratio-ratio16x9Value) {
		return Ratio4x3
	}
	return Ratio16x9
}

// Resolution returns a stream size of the ratio with the given long side,
// in landscape orientation
func (a AspectRatio) Resolution(longSide int) (width, height int) {
	h := int(math.Round(float64(longSide) / a.Value()))
	return longSide, h
}
