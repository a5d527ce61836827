package display

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrNoGlyphs is returned for a BDF file that defines no characters.
var ErrNoGlyphs = errors.New("bdf: font has no glyphs")

// Glyph is one character bitmap.
type Glyph struct {
	// Advance is the DWIDTH x component: how far the pen moves.
	Advance int
	// Bounding box: size and offset of the bitmap relative to the pen
	// position on the baseline.
	Width, Height int
	XOff, YOff    int
	// Rows holds Height rows, each ceil(Width/8) bytes, most
	// significant bit leftmost.
	Rows [][]byte
}

// Set reports whether the bitmap pixel at column x, row y is on.
func (g *Glyph) Set(x, y int) bool {
	if y < 0 || y >= len(g.Rows) || x < 0 || x >= g.Width {
		return false
	}
	row := g.Rows[y]
	if x/8 >= len(row) {
		return false
	}
	return row[x/8]&(0x80>>(x%8)) != 0
}

// Font is a parsed BDF (Glyph Bitmap Distribution Format) font.
type Font struct {
	Name    string
	Ascent  int
	Descent int
	Glyphs  map[rune]*Glyph
	// Default is drawn for runes the font lacks; may be nil.
	Default *Glyph
}

// Glyph returns the glyph for r, falling back to the default glyph.
func (f *Font) Glyph(r rune) *Glyph {
	if g, ok := f.Glyphs[r]; ok {
		return g
	}
	return f.Default
}

// Height returns the font's line height.
func (f *Font) Height() int {
	return f.Ascent + f.Descent
}

// LoadFont reads a BDF font file.
func LoadFont(path string) (*Font, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open font: %w", err)
	}
	defer file.Close()

	font, err := ParseFont(file)
	if err != nil {
		return nil, fmt.Errorf("load font %s: %w", path, err)
	}
	return font, nil
}

// ParseFont parses BDF 2.1 text. Only the properties needed to render
// are interpreted; the rest are skipped.
func ParseFont(r io.Reader) (*Font, error) {
	font := &Font{Glyphs: make(map[rune]*Glyph)}
	defaultChar := -1

	var (
		glyph    *Glyph
		encoding = -1
		inBitmap bool
		lineNo   int
	)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if inBitmap {
			if line == "ENDCHAR" {
				if encoding >= 0 {
					font.Glyphs[rune(encoding)] = glyph
				}
				glyph, encoding, inBitmap = nil, -1, false
				continue
			}
			row, err := hex.DecodeString(line)
			if err != nil {
				return nil, fmt.Errorf("bdf line %d: bad bitmap row %q", lineNo, line)
			}
			glyph.Rows = append(glyph.Rows, row)
			continue
		}

		keyword, rest, _ := strings.Cut(line, " ")
		args := strings.Fields(rest)

		var err error
		switch keyword {
		case "FONT":
			font.Name = rest
		case "FONT_ASCENT":
			font.Ascent, err = intArg(args, 0)
		case "FONT_DESCENT":
			font.Descent, err = intArg(args, 0)
		case "DEFAULT_CHAR":
			defaultChar, err = intArg(args, 0)
		case "STARTCHAR":
			glyph = &Glyph{}
		case "ENCODING":
			encoding, err = intArg(args, 0)
		case "DWIDTH":
			if glyph != nil {
				glyph.Advance, err = intArg(args, 0)
			}
		case "BBX":
			if glyph != nil {
				err = parseBBX(glyph, args)
			}
		case "BITMAP":
			if glyph == nil {
				return nil, fmt.Errorf("bdf line %d: BITMAP outside STARTCHAR", lineNo)
			}
			inBitmap = true
		}
		if err != nil {
			return nil, fmt.Errorf("bdf line %d: %s: %w", lineNo, keyword, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if len(font.Glyphs) == 0 {
		return nil, ErrNoGlyphs
	}
	if defaultChar >= 0 {
		font.Default = font.Glyphs[rune(defaultChar)]
	}
	return font, nil
}

func parseBBX(g *Glyph, args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("want 4 values, got %d", len(args))
	}
	vals := make([]int, 4)
	for i := range vals {
		v, err := strconv.Atoi(args[i])
		if err != nil {
			return err
		}
		vals[i] = v
	}
	g.Width, g.Height, g.XOff, g.YOff = vals[0], vals[1], vals[2], vals[3]
	return nil
}

func intArg(args []string, i int) (int, error) {
	if i >= len(args) {
		return 0, errors.New("missing value")
	}
	return strconv.Atoi(args[i])
}
