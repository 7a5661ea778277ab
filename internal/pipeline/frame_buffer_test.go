package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameBufferReallocatesOnlyOnResize(t *testing.T) {
	var b FrameBuffer

	realloc, err := b.Ensure(4, 2)
	require.NoError(t, err)
	assert.True(t, realloc)
	first := b.Image()

	realloc, err = b.Ensure(4, 2)
	require.NoError(t, err)
	assert.False(t, realloc)
	assert.Same(t, first, b.Image())

	realloc, err = b.Ensure(2, 4)
	require.NoError(t, err)
	assert.True(t, realloc)
	w, h := b.Size()
	assert.Equal(t, 2, w)
	assert.Equal(t, 4, h)

	_, err = b.Ensure(0, 4)
	assert.ErrorIs(t, err, ErrFormatMismatch)
}

func TestFrameBufferCopyFormats(t *testing.T) {
	tests := []struct {
		name   string
		format PixelFormat
		pixels []byte
		stride int
		want   [4]byte // First pixel after normalization
	}{
		{"rgba", PixelFormatRGBA8888, []byte{1, 2, 3, 4, 5, 6, 7, 8}, 0, [4]byte{1, 2, 3, 4}},
		{"rgb", PixelFormatRGB888, []byte{9, 8, 7, 6, 5, 4}, 0, [4]byte{9, 8, 7, 255}},
		{"gray", PixelFormatGray8, []byte{42, 43}, 0, [4]byte{42, 42, 42, 255}},
		{"rgba padded rows", PixelFormatRGBA8888, []byte{1, 2, 3, 4, 5, 6, 7, 8, 0, 0}, 10, [4]byte{1, 2, 3, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b FrameBuffer
			f := NewFrame(tt.pixels, 2, 1, tt.format, 0, time.Now(), nil)
			f.Stride = tt.stride
			_, err := b.Ensure(2, 1)
			require.NoError(t, err)
			require.NoError(t, b.CopyFrom(f))
			assert.Equal(t, tt.want[:], b.Image().Pix[:4])
		})
	}
}

func TestFrameBufferCopyNV12(t *testing.T) {
	// 2x2 frame: Y plane then one CbCr pair; neutral chroma yields gray
	pixels := []byte{100, 100, 100, 100, 128, 128}
	f := NewFrame(pixels, 2, 2, PixelFormatNV12, 0, time.Now(), nil)

	var b FrameBuffer
	_, err := b.Ensure(2, 2)
	require.NoError(t, err)
	require.NoError(t, b.CopyFrom(f))
	px := b.Image().Pix
	assert.Equal(t, px[0], px[1])
	assert.Equal(t, px[1], px[2])
	assert.Equal(t, byte(255), px[3])
}

func TestFrameBufferCopyErrors(t *testing.T) {
	var b FrameBuffer
	_, err := b.Ensure(2, 2)
	require.NoError(t, err)

	short := NewFrame(make([]byte, 3), 2, 2, PixelFormatRGBA8888, 0, time.Now(), nil)
	assert.ErrorIs(t, b.CopyFrom(short), ErrFormatMismatch)

	unknown := NewFrame(make([]byte, 64), 2, 2, "bgr565", 0, time.Now(), nil)
	assert.ErrorIs(t, b.CopyFrom(unknown), ErrUnsupportedFormat)

	wrongSize := NewFrame(make([]byte, 64), 3, 2, PixelFormatRGBA8888, 0, time.Now(), nil)
	assert.ErrorIs(t, b.CopyFrom(wrongSize), ErrFormatMismatch)
}

func TestFrameReleaseOnce(t *testing.T) {
	calls := 0
	f := NewFrame(nil, 1, 1, PixelFormatGray8, 0, time.Now(), func() { calls++ })
	f.Release()
	f.Release()
	assert.Equal(t, 1, calls)
}
