package overlay

import (
	"sync"

	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

var labelFont *truetype.Font

func init() {
	var err error
	labelFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// TextBounds is the inked extent of a label. Ascent is the distance from
// the top of the ink to the baseline; the rest of Height hangs below it.
type TextBounds struct {
	Width  float64
	Height float64
	Ascent float64
}

// TextMeasurer reports the rendered size of a label at a text size
type TextMeasurer interface {
	Measure(text string, size float64) TextBounds
}

const maxCachedFaces = 32

// FontMeasurer measures text with the label font. Safe for concurrent use.
type FontMeasurer struct {
	mu    sync.Mutex
	faces map[float64]font.Face
}

// NewFontMeasurer creates a measurer for the label font
func NewFontMeasurer() *FontMeasurer {
	return &FontMeasurer{faces: make(map[float64]font.Face)}
}

// Measure returns the advance width and the tight ink height of text
func (m *FontMeasurer) Measure(text string, size float64) TextBounds {
	m.mu.Lock()
	defer m.mu.Unlock()

	bounds, adv := font.BoundString(m.faceLocked(size), text)
	return TextBounds{
		Width:  float64(adv) / 64,
		Height: float64(bounds.Max.Y-bounds.Min.Y) / 64,
		Ascent: float64(-bounds.Min.Y) / 64,
	}
}

func (m *FontMeasurer) faceLocked(size float64) font.Face {
	if face, ok := m.faces[size]; ok {
		return face
	}
	if len(m.faces) >= maxCachedFaces {
		for k, f := range m.faces {
			f.Close()
			delete(m.faces, k)
		}
	}
	face := newFace(size)
	m.faces[size] = face
	return face
}

func newFace(size float64) font.Face {
	return truetype.NewFace(labelFont, &truetype.Options{Size: size})
}
