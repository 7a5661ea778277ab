package camera

import (
	"image"
	"math"
	"time"

	"github.com/fogleman/gg"
)

// Scene renders a synthetic view: a mid-gray background with a dark square
// and a bright disc drifting across it
type Scene struct {
	Period time.Duration // Time for one full sweep
}

// Render draws the scene at time t
func (sc Scene) Render(width, height int, t time.Duration) *image.RGBA {
	period := sc.Period
	if period <= 0 {
		period = 8 * time.Second
	}
	phase := 2 * math.Pi * float64(t%period) / float64(period)

	w, h := float64(width), float64(height)
	dc := gg.NewContext(width, height)
	dc.SetRGB255(128, 128, 128)
	dc.Clear()

	side := math.Min(w, h) / 5
	sx := (w - side) * (0.5 + 0.4*math.Sin(phase))
	sy := (h - side) * (0.5 + 0.3*math.Cos(phase))
	dc.SetRGB255(16, 16, 16)
	dc.DrawRectangle(sx, sy, side, side)
	dc.Fill()

	r := math.Min(w, h) / 8
	cx := w * (0.5 - 0.3*math.Sin(phase))
	cy := h * (0.5 + 0.25*math.Sin(2*phase))
	dc.SetRGB255(240, 240, 240)
	dc.DrawCircle(cx, cy, r)
	dc.Fill()

	return dc.Image().(*image.RGBA)
}
