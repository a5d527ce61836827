package display

import (
	"image"
	"image/color"
	"sync"
)

// Presenter shows a finished frame somewhere a person can see it.
type Presenter interface {
	Present(img *image.RGBA) error
}

// Framebuffer is an in-memory [Canvas]. Drawing only touches memory;
// [Framebuffer.Flush] hands the frame to the presenter, if any.
type Framebuffer struct {
	mu        sync.Mutex
	img       *image.RGBA
	presenter Presenter
}

var (
	_ Canvas  = (*Framebuffer)(nil)
	_ Flusher = (*Framebuffer)(nil)
)

// NewFramebuffer creates a cleared width×height surface. presenter may
// be nil to draw without showing anything.
func NewFramebuffer(width, height int, presenter Presenter) *Framebuffer {
	fb := &Framebuffer{
		img:       image.NewRGBA(image.Rect(0, 0, width, height)),
		presenter: presenter,
	}
	fb.Clear()
	return fb
}

// Size implements [Canvas].
func (fb *Framebuffer) Size() (int, int) {
	b := fb.img.Bounds()
	return b.Dx(), b.Dy()
}

// Fill implements [Canvas].
func (fb *Framebuffer) Fill(c Color) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.fill(c)
}

// Clear implements [Canvas].
func (fb *Framebuffer) Clear() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.fill(Black)
}

func (fb *Framebuffer) fill(c Color) {
	rgba := color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff}
	b := fb.img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			fb.img.SetRGBA(x, y, rgba)
		}
	}
}

// DrawText implements [Canvas]. A nil font draws nothing.
func (fb *Framebuffer) DrawText(font *Font, x, y int, c Color, text string) int {
	if font == nil {
		return 0
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()

	rgba := color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff}
	start := x
	for _, r := range text {
		g := font.Glyph(r)
		if g == nil {
			continue
		}
		top := y - g.YOff - g.Height
		for row := 0; row < g.Height; row++ {
			for col := 0; col < g.Width; col++ {
				if g.Set(col, row) {
					px := image.Pt(x+g.XOff+col, top+row)
					if px.In(fb.img.Bounds()) {
						fb.img.SetRGBA(px.X, px.Y, rgba)
					}
				}
			}
		}
		x += g.Advance
	}
	return x - start
}

// At returns the pixel at (x, y).
func (fb *Framebuffer) At(x, y int) Color {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	p := fb.img.RGBAAt(x, y)
	return Color{R: p.R, G: p.G, B: p.B}
}

// Snapshot returns a copy of the current frame.
func (fb *Framebuffer) Snapshot() *image.RGBA {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	cp := image.NewRGBA(fb.img.Bounds())
	copy(cp.Pix, fb.img.Pix)
	return cp
}

// Flush implements [Flusher].
func (fb *Framebuffer) Flush() error {
	if fb.presenter == nil {
		return nil
	}
	return fb.presenter.Present(fb.Snapshot())
}
