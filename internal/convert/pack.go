package convert

import (
	"fmt"
	"image"

	"epdframe/internal/epbm"
)

// panelCode maps a palette index to the 4-bit colour code the six-colour
// panel controller expects. Codes 0x4 and 0x7 are unused by the controller.
var panelCode = [epbm.NumColors]byte{
	epbm.Black:  0x0,
	epbm.White:  0x1,
	epbm.Yellow: 0x2,
	epbm.Red:    0x3,
	epbm.Blue:   0x5,
	epbm.Green:  0x6,
}

// PanelCode returns the controller code for c. Unknown indices map to white.
func PanelCode(c epbm.Color) byte {
	if int(c) < len(panelCode) {
		return panelCode[c]
	}
	return panelCode[epbm.DefaultColor]
}

// PackedSize is the length of the packed buffer for a w x h frame.
func PackedSize(w, h int) int {
	return (w + 1) / 2 * h
}

// Pack4bpp converts a palette-indexed frame into the panel's RAM layout.
//
// Packing rules:
//
//   - rows are y-major, two pixels per byte, high nibble first:
//     byteIndex = y * ((w+1)/2) + (x >> 1)
//   - an odd last column leaves the low nibble white.
func Pack4bpp(img *image.Paletted) ([]byte, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("convert: empty frame %v", b)
	}

	stride := (w + 1) / 2
	out := make([]byte, PackedSize(w, h))
	white := PanelCode(epbm.White)

	// Walk Pix directly; ColorIndexAt does bounds checks per pixel.
	for py := 0; py < h; py++ {
		row := img.Pix[py*img.Stride : py*img.Stride+w]
		dst := out[py*stride : (py+1)*stride]
		for px := 0; px < w; px += 2 {
			hi := PanelCode(epbm.Color(row[px]))
			lo := white
			if px+1 < w {
				lo = PanelCode(epbm.Color(row[px+1]))
			}
			dst[px>>1] = hi<<4 | lo
		}
	}
	return out, nil
}
