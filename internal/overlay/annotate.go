package overlay

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"

	"viewfinder/internal/pipeline"
)

var (
	chipColor = color.Black
	textColor = color.White
)

// Annotate draws primitives onto a copy of img. For each primitive the box
// is stroked, then the chip is filled and the label drawn on top of it.
func Annotate(img image.Image, primitives []pipeline.OverlayPrimitive) *image.RGBA {
	dc := gg.NewContextForImage(img)
	for _, p := range primitives {
		drawPrimitive(dc, p)
	}
	return dc.Image().(*image.RGBA)
}

func drawPrimitive(dc *gg.Context, p pipeline.OverlayPrimitive) {
	b := p.Box
	dc.SetColor(p.Color)
	dc.SetLineWidth(p.StrokeWidth)
	dc.DrawRectangle(float64(b.Left), float64(b.Top), float64(b.Width()), float64(b.Height()))
	dc.Stroke()

	c := p.Chip
	dc.SetColor(chipColor)
	dc.DrawRectangle(float64(c.Left), float64(c.Top), float64(c.Width()), float64(c.Height()))
	dc.Fill()

	face := newFace(p.TextSize)
	defer face.Close()
	dc.SetFontFace(face)
	dc.SetColor(textColor)
	dc.DrawString(p.Label, p.TextOrigin.X, p.TextOrigin.Y)
}
