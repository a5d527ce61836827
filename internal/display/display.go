// Package display is the render side of the display agent: a small
// drawing surface with the three operations the agent needs (fill,
// clear, draw text), BDF bitmap fonts, an in-memory framebuffer, and a
// terminal presenter that stands in for the LED matrix panel.
package display

import (
	"fmt"
	"image/color"
)

// Color is a 24-bit RGB color.
type Color struct {
	R, G, B uint8
}

// RGB returns the color with the given components.
func RGB(r, g, b uint8) Color {
	return Color{R: r, G: g, B: b}
}

// RGBA implements [color.Color].
func (c Color) RGBA() (r, g, b, a uint32) {
	return color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff}.RGBA()
}

// Hex returns the color as #rrggbb.
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// Black is the cleared state of a pixel.
var Black = Color{}

// Canvas is the render capability. Implementations must not retain the
// font beyond the call.
type Canvas interface {
	// Size reports the surface in pixels.
	Size() (width, height int)
	// Fill sets every pixel to c.
	Fill(c Color)
	// Clear turns every pixel off.
	Clear()
	// DrawText draws text with its baseline at y, starting at x, and
	// returns the horizontal advance. Pixels outside the surface are
	// dropped.
	DrawText(font *Font, x, y int, c Color, text string) int
}

// Flusher is implemented by canvases that buffer drawing until told to
// show it.
type Flusher interface {
	Flush() error
}

// Flush shows c if it buffers; otherwise it does nothing.
func Flush(c Canvas) error {
	if f, ok := c.(Flusher); ok {
		return f.Flush()
	}
	return nil
}
