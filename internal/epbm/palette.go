package epbm

import (
	"fmt"
	"image/color"
)

// Color is a palette index understood by the panel.
type Color uint8

const (
	Black Color = iota
	White
	Green
	Blue
	Red
	Yellow
)

// NumColors is the number of defined palette entries.
const NumColors = 6

// DefaultColor is used for any byte outside the palette, so one corrupt byte
// never aborts a frame.
const DefaultColor = White

// MapColor maps a wire byte to a palette entry. It is total over all 256
// values.
func MapColor(b byte) Color {
	if b < NumColors {
		return Color(b)
	}
	return DefaultColor
}

func (c Color) String() string {
	switch c {
	case Black:
		return "black"
	case White:
		return "white"
	case Green:
		return "green"
	case Blue:
		return "blue"
	case Red:
		return "red"
	case Yellow:
		return "yellow"
	default:
		return fmt.Sprintf("color(%d)", uint8(c))
	}
}

// Palette holds the nominal RGB of each index, in index order. It is used
// for previews and for handing frames to display.Drawer implementations.
var Palette = color.Palette{
	Black:  color.NRGBA{R: 0x00, G: 0x00, B: 0x00, A: 0xff},
	White:  color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff},
	Green:  color.NRGBA{R: 0x00, G: 0xff, B: 0x00, A: 0xff},
	Blue:   color.NRGBA{R: 0x00, G: 0x00, B: 0xff, A: 0xff},
	Red:    color.NRGBA{R: 0xff, G: 0x00, B: 0x00, A: 0xff},
	Yellow: color.NRGBA{R: 0xff, G: 0xff, B: 0x00, A: 0xff},
}
