package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAspectRatioOf(t *testing.T) {
	tests := []struct {
		name   string
		w, h   int
		expect AspectRatio
	}{
		{"exact 4:3 portrait", 1080, 1440, Ratio4x3},
		{"exact 16:9 portrait", 1080, 1920, Ratio16x9},
		{"exact 16:9 landscape", 1920, 1080, Ratio16x9},
		{"nearer to 4:3", 1000, 1450, Ratio4x3},
		{"nearer to 16:9", 1000, 1700, Ratio16x9},
		{"square", 1000, 1000, Ratio4x3},
		{"very wide", 3000, 1000, Ratio16x9},
		{"unknown display", 0, 0, Ratio4x3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, AspectRatioOf(tt.w, tt.h))
		})
	}
}

func TestAspectRatioResolution(t *testing.T) {
	w, h := Ratio4x3.Resolution(640)
	assert.Equal(t, 640, w)
	assert.Equal(t, 480, h)

	w, h = Ratio16x9.Resolution(640)
	assert.Equal(t, 640, w)
	assert.Equal(t, 360, h)

	assert.Equal(t, "16:9", Ratio16x9.String())
	text, err := Ratio4x3.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "4:3", string(text))
}
