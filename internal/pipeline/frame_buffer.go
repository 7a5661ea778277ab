package pipeline

import (
	"fmt"
	"image"
	"image/color"
)

// FrameBuffer is the single RGBA image analysis frames are copied into.
// It is reallocated only when the stream resolution changes and is touched
// only by the analysis worker.
type FrameBuffer struct {
	img *image.RGBA
}

// Ensure makes the buffer match width x height. Reports whether a new
// allocation happened.
func (b *FrameBuffer) Ensure(width, height int) (bool, error) {
	if width <= 0 || height <= 0 {
		return false, fmt.Errorf("%w: invalid dimensions %dx%d", ErrFormatMismatch, width, height)
	}
	if b.img != nil && b.img.Rect.Dx() == width && b.img.Rect.Dy() == height {
		return false, nil
	}
	b.img = image.NewRGBA(image.Rect(0, 0, width, height))
	return true, nil
}

// Image returns the backing image, nil before the first Ensure
func (b *FrameBuffer) Image() *image.RGBA {
	return b.img
}

// Size returns the current buffer dimensions
func (b *FrameBuffer) Size() (int, int) {
	if b.img == nil {
		return 0, 0
	}
	return b.img.Rect.Dx(), b.img.Rect.Dy()
}

// CopyFrom normalizes f into the buffer. Ensure must have been called with
// f's dimensions.
func (b *FrameBuffer) CopyFrom(f *Frame) error {
	if b.img == nil || b.img.Rect.Dx() != f.Width || b.img.Rect.Dy() != f.Height {
		return fmt.Errorf("%w: buffer not sized for %dx%d", ErrFormatMismatch, f.Width, f.Height)
	}
	bpp := f.Format.bytesPerPixel()
	if bpp == 0 {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, f.Format)
	}

	stride := f.rowStride()
	if stride < f.Width*bpp {
		return fmt.Errorf("%w: stride %d too small for width %d", ErrFormatMismatch, stride, f.Width)
	}
	need := stride*(f.Height-1) + f.Width*bpp
	if f.Format == PixelFormatNV12 {
		need = stride*f.Height + stride*((f.Height+1)/2-1) + 2*((f.Width+1)/2)
	}
	if len(f.Pixels) < need {
		return fmt.Errorf("%w: %d bytes, need %d for %dx%d %s", ErrFormatMismatch, len(f.Pixels), need, f.Width, f.Height, f.Format)
	}

	dst := b.img.Pix
	dstStride := b.img.Stride
	switch f.Format {
	case PixelFormatRGBA8888:
		for y := 0; y < f.Height; y++ {
			copy(dst[y*dstStride:y*dstStride+f.Width*4], f.Pixels[y*stride:])
		}
	case PixelFormatRGB888:
		for y := 0; y < f.Height; y++ {
			src := f.Pixels[y*stride:]
			row := dst[y*dstStride:]
			for x := 0; x < f.Width; x++ {
				row[x*4] = src[x*3]
				row[x*4+1] = src[x*3+1]
				row[x*4+2] = src[x*3+2]
				row[x*4+3] = 0xff
			}
		}
	case PixelFormatGray8:
		for y := 0; y < f.Height; y++ {
			src := f.Pixels[y*stride:]
			row := dst[y*dstStride:]
			for x := 0; x < f.Width; x++ {
				v := src[x]
				row[x*4], row[x*4+1], row[x*4+2], row[x*4+3] = v, v, v, 0xff
			}
		}
	case PixelFormatNV12:
		uv := f.Pixels[stride*f.Height:]
		for y := 0; y < f.Height; y++ {
			luma := f.Pixels[y*stride:]
			chroma := uv[(y/2)*stride:]
			row := dst[y*dstStride:]
			for x := 0; x < f.Width; x++ {
				c := (x / 2) * 2
				r, g, bl := color.YCbCrToRGB(luma[x], chroma[c], chroma[c+1])
				row[x*4], row[x*4+1], row[x*4+2], row[x*4+3] = r, g, bl, 0xff
			}
		}
	}
	return nil
}
