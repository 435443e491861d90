// Package render drives a display surface from a pixel chunk source.
//
// A cycle always ends with exactly one Commit: either after the last pixel
// of a complete frame or after the error frame. An e-paper panel keeps its
// last image when unpowered, so a failed cycle must overwrite it.
package render

import (
	"errors"
	"fmt"
	"io"

	"epdframe/internal/epbm"
	appLog "epdframe/internal/log"
)

// DefaultBorder is the width in pixels of the error frame border.
const DefaultBorder = 8

// Error frame colours.
const (
	ErrorBackground = epbm.White
	ErrorBorder     = epbm.Red
)

// Surface is the display side of the pipeline. Commit triggers the physical
// refresh and blocks until the panel is done.
type Surface interface {
	BeginFrame()
	DrawPixel(x, y int, c epbm.Color)
	Commit() error
}

// ChunkSource yields raw pixel bytes in raster order and io.EOF at the end.
// transfer.Stream implements it.
type ChunkSource interface {
	Next() ([]byte, error)
}

// Outcome summarises one Render/RenderError call.
type Outcome struct {
	// Pixels is the number of payload pixels drawn before success or abort.
	Pixels int
	// ErrorFrame is true when the error frame was committed instead.
	ErrorFrame bool
	// Err is the upstream failure that triggered the error frame.
	Err error
	// CommitErr is returned by the surface on refresh.
	CommitErr error
}

// Pipeline renders frames of a fixed size onto a Surface.
type Pipeline struct {
	surface       Surface
	width, height int
	border        int
}

// New creates a Pipeline. border <= 0 selects DefaultBorder.
func New(surface Surface, width, height, border int) *Pipeline {
	if border <= 0 {
		border = DefaultBorder
	}
	return &Pipeline{surface: surface, width: width, height: height, border: border}
}

// Render draws src as it arrives. Pixels are written strictly in raster
// order; the frame is only committed once all width*height pixels are drawn.
// Any source error, or a source that ends early or runs long, abandons the
// frame and commits the error frame instead.
func (p *Pipeline) Render(src ChunkSource) Outcome {
	total := p.width * p.height
	p.surface.BeginFrame()

	i := 0
	for {
		chunk, err := src.Next()
		if len(chunk) > 0 {
			if i+len(chunk) > total {
				return p.abort(i, fmt.Errorf("render: source sent more than %d pixels", total))
			}
			for _, b := range chunk {
				p.surface.DrawPixel(i%p.width, i/p.width, epbm.MapColor(b))
				i++
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return p.abort(i, err)
		}
	}

	if i != total {
		return p.abort(i, fmt.Errorf("render: source ended after %d of %d pixels", i, total))
	}

	out := Outcome{Pixels: i}
	if err := p.surface.Commit(); err != nil {
		appLog.Error("display commit failed", err)
		out.CommitErr = err
	}
	return out
}

// RenderError replaces whatever is on the panel with the error frame.
func (p *Pipeline) RenderError(cause error) Outcome {
	return p.abort(0, cause)
}

func (p *Pipeline) abort(drawn int, cause error) Outcome {
	appLog.Warn("rendering error frame", "cause", cause, "pixels_drawn", drawn)

	p.drawErrorFrame()
	out := Outcome{Pixels: drawn, ErrorFrame: true, Err: cause}
	if err := p.surface.Commit(); err != nil {
		appLog.Error("display commit failed", err)
		out.CommitErr = err
	}
	return out
}

// drawErrorFrame fills the frame with the background colour and a border of
// p.border pixels in the alert colour. The result only depends on the panel
// size, never on the failed payload.
func (p *Pipeline) drawErrorFrame() {
	p.surface.BeginFrame()
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			c := ErrorBackground
			if x < p.border || y < p.border || x >= p.width-p.border || y >= p.height-p.border {
				c = ErrorBorder
			}
			p.surface.DrawPixel(x, y, c)
		}
	}
}
