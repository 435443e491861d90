// Package epbm implements the EPBM ("e-paper bitmap") wire format served by
// the backend: an 8-byte header followed by one palette index per pixel.
//
// Layout:
//
//	offset 0: "EPBM" magic (4 bytes)
//	offset 4: width, big-endian uint16
//	offset 6: height, big-endian uint16
//	offset 8: width*height bytes, raster order (x fastest)
package epbm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Panel geometry of the 7.3" six-colour panel.
const (
	DefaultWidth  = 800
	DefaultHeight = 480
)

// HeaderSize is the number of bytes before the first pixel.
const HeaderSize = 8

// Magic is the 4-byte tag every EPBM payload starts with.
var Magic = [4]byte{'E', 'P', 'B', 'M'}

var (
	ErrBadMagic          = errors.New("epbm: bad magic")
	ErrDimensionMismatch = errors.New("epbm: dimension mismatch")
)

// Header is the decoded EPBM header. It is only kept long enough to be
// validated.
type Header struct {
	Width  uint16
	Height uint16
}

// ParseHeader decodes b and checks it against the panel resolution. There is
// no scaling: any size other than width x height is rejected.
func ParseHeader(b [HeaderSize]byte, width, height int) (Header, error) {
	if [4]byte(b[:4]) != Magic {
		return Header{}, fmt.Errorf("%w: got %q", ErrBadMagic, b[:4])
	}
	h := Header{
		Width:  binary.BigEndian.Uint16(b[4:6]),
		Height: binary.BigEndian.Uint16(b[6:8]),
	}
	if int(h.Width) != width || int(h.Height) != height {
		return Header{}, fmt.Errorf("%w: got %dx%d, panel is %dx%d",
			ErrDimensionMismatch, h.Width, h.Height, width, height)
	}
	return h, nil
}

// AppendHeader appends the encoded header for a width x height payload.
func AppendHeader(dst []byte, width, height uint16) []byte {
	dst = append(dst, Magic[:]...)
	dst = binary.BigEndian.AppendUint16(dst, width)
	return binary.BigEndian.AppendUint16(dst, height)
}

// ExpectedSize is the exact body length of a width x height payload.
func ExpectedSize(width, height int) int64 {
	return HeaderSize + int64(width)*int64(height)
}
