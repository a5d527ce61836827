package display

import (
	"image"
	"io"
	"strings"

	"github.com/muesli/termenv"
)

// Terminal presents frames as colored blocks, two cells per pixel so
// the matrix keeps its square aspect. Each frame redraws in place.
type Terminal struct {
	out *termenv.Output
}

var _ Presenter = (*Terminal)(nil)

// NewTerminal creates a presenter writing to w. Options are passed to
// termenv, e.g. termenv.WithProfile to force a color profile.
func NewTerminal(w io.Writer, opts ...termenv.OutputOption) *Terminal {
	return &Terminal{out: termenv.NewOutput(w, opts...)}
}

// Present implements [Presenter].
func (t *Terminal) Present(img *image.RGBA) error {
	var sb strings.Builder
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			p := img.RGBAAt(x, y)
			if p.R == 0 && p.G == 0 && p.B == 0 {
				sb.WriteString("  ")
				continue
			}
			c := Color{R: p.R, G: p.G, B: p.B}
			sb.WriteString(t.out.String("  ").Background(t.out.Color(c.Hex())).String())
		}
		sb.WriteByte('\n')
	}

	t.out.MoveCursor(1, 1)
	_, err := io.WriteString(t.out, sb.String())
	return err
}

// Reset clears the terminal and restores the cursor. Call it once the
// presenter is no longer needed.
func (t *Terminal) Reset() {
	t.out.ClearScreen()
	t.out.ShowCursor()
}

// Start prepares the terminal for in-place redraws.
func (t *Terminal) Start() {
	t.out.HideCursor()
	t.out.ClearScreen()
}
