// Package fonts provides embedded copies of the shipped BDF fonts. It
// exists so go:embed can reach the files, which must sit in or below
// the embedding package directory.
//
// The parser lives in internal/display.
package fonts

import "embed"

// Shipped font file names.
const (
	Large = "10x20.bdf"
	Small = "4x6.bdf"
)

// FS contains the shipped font files.
//
//go:embed *.bdf
var FS embed.FS
