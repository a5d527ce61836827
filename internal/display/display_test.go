package display

import (
	"bytes"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/muesli/termenv"
)

// testBDF defines a 3x5 "1" and a 1x3 "|" with a small descent.
const testBDF = `STARTFONT 2.1
FONT -test-tiny
SIZE 6 75 75
FONTBOUNDINGBOX 3 6 0 -1
STARTPROPERTIES 3
FONT_ASCENT 5
FONT_DESCENT 1
DEFAULT_CHAR 49
ENDPROPERTIES
CHARS 2
STARTCHAR one
ENCODING 49
SWIDTH 500 0
DWIDTH 4 0
BBX 3 5 0 0
BITMAP
40
C0
40
40
E0
ENDCHAR
STARTCHAR bar
ENCODING 124
DWIDTH 2 0
BBX 1 3 0 1
BITMAP
80
80
80
ENDCHAR
ENDFONT
`

func mustParse(t *testing.T, src string) *Font {
	t.Helper()
	f, err := ParseFont(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ParseFont() error = %v", err)
	}
	return f
}

func TestParseFont(t *testing.T) {
	f := mustParse(t, testBDF)

	if f.Name != "-test-tiny" {
		t.Errorf("Name = %q", f.Name)
	}
	if f.Ascent != 5 || f.Descent != 1 || f.Height() != 6 {
		t.Errorf("ascent/descent/height = %d/%d/%d, want 5/1/6", f.Ascent, f.Descent, f.Height())
	}
	if len(f.Glyphs) != 2 {
		t.Fatalf("got %d glyphs, want 2", len(f.Glyphs))
	}

	one := f.Glyphs['1']
	if one.Advance != 4 || one.Width != 3 || one.Height != 5 {
		t.Errorf("glyph '1' = %+v", one)
	}
	if !one.Set(1, 0) || one.Set(0, 0) || !one.Set(0, 4) || !one.Set(2, 4) {
		t.Error("glyph '1' bitmap decoded incorrectly")
	}
	if f.Default != one {
		t.Error("DEFAULT_CHAR 49 should select glyph '1'")
	}
	if f.Glyph('x') != one {
		t.Error("missing rune should fall back to the default glyph")
	}
}

func TestParseFont_Errors(t *testing.T) {
	if _, err := ParseFont(strings.NewReader("STARTFONT 2.1\nENDFONT\n")); !errors.Is(err, ErrNoGlyphs) {
		t.Errorf("empty font error = %v, want ErrNoGlyphs", err)
	}

	bad := strings.Replace(testBDF, "C0\n", "ZZ\n", 1)
	if _, err := ParseFont(strings.NewReader(bad)); err == nil {
		t.Error("bad hex row should error")
	}

	bad = strings.Replace(testBDF, "BBX 3 5 0 0", "BBX 3 five 0 0", 1)
	if _, err := ParseFont(strings.NewReader(bad)); err == nil {
		t.Error("bad BBX should error")
	}
}

func TestLoadFont(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.bdf")
	os.WriteFile(path, []byte(testBDF), 0o600)

	if _, err := LoadFont(path); err != nil {
		t.Fatalf("LoadFont() error = %v", err)
	}
	if _, err := LoadFont(filepath.Join(t.TempDir(), "missing.bdf")); err == nil {
		t.Error("LoadFont on a missing file should error")
	}
}

func TestFramebuffer_FillClear(t *testing.T) {
	fb := NewFramebuffer(4, 3, nil)
	if w, h := fb.Size(); w != 4 || h != 3 {
		t.Fatalf("Size() = %dx%d, want 4x3", w, h)
	}

	red := RGB(153, 0, 0)
	fb.Fill(red)
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			if got := fb.At(x, y); got != red {
				t.Fatalf("At(%d,%d) = %v after Fill, want %v", x, y, got, red)
			}
		}
	}

	fb.Clear()
	if got := fb.At(2, 1); got != Black {
		t.Errorf("At(2,1) = %v after Clear, want black", got)
	}
}

func TestFramebuffer_DrawText(t *testing.T) {
	f := mustParse(t, testBDF)
	fb := NewFramebuffer(16, 8, nil)
	white := RGB(255, 255, 255)

	adv := fb.DrawText(f, 1, 6, white, "11")
	if adv != 8 {
		t.Errorf("advance = %d, want 8", adv)
	}

	// Baseline 6 and a 5-row glyph put the top row at y=1.
	if fb.At(2, 1) != white {
		t.Error("top of first '1' not drawn at (2,1)")
	}
	if fb.At(1, 1) != Black {
		t.Error("(1,1) should be off")
	}
	// Bottom bar of the second glyph spans x=5..7 at y=5.
	for x := 5; x <= 7; x++ {
		if fb.At(x, 5) != white {
			t.Errorf("bottom bar pixel (%d,5) not drawn", x)
		}
	}
}

func TestFramebuffer_DrawTextClipsOffSurface(t *testing.T) {
	f := mustParse(t, testBDF)
	fb := NewFramebuffer(4, 4, nil)

	// Mostly off the left and bottom edges; must not panic.
	fb.DrawText(f, -9, 21, RGB(255, 255, 255), "1111")
	fb.DrawText(nil, 0, 0, RGB(255, 255, 255), "1")
}

type capturePresenter struct {
	frames []*image.RGBA
}

func (c *capturePresenter) Present(img *image.RGBA) error {
	c.frames = append(c.frames, img)
	return nil
}

func TestFlush(t *testing.T) {
	p := &capturePresenter{}
	fb := NewFramebuffer(2, 2, p)
	fb.Fill(RGB(0, 153, 0))

	if err := Flush(fb); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	fb.Clear()

	if len(p.frames) != 1 {
		t.Fatalf("presented %d frames, want 1", len(p.frames))
	}
	if got := p.frames[0].RGBAAt(0, 0); got.G != 153 {
		t.Errorf("presented frame is not a snapshot: %v", got)
	}
}

func TestTerminal_Present(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf, termenv.WithProfile(termenv.TrueColor))

	fb := NewFramebuffer(2, 1, term)
	fb.Fill(RGB(153, 0, 0))
	if err := fb.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	out := buf.String()
	if strings.Count(out, "48;2;153;0;0") != 2 {
		t.Errorf("expected two red background cells, got %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Errorf("each row should end with a newline, got %q", out)
	}
}

func TestColorHex(t *testing.T) {
	if got := RGB(255, 255, 153).Hex(); got != "#ffff99" {
		t.Errorf("Hex() = %q, want #ffff99", got)
	}
}
