// Package epd holds the panel-side render surfaces.
//
// FrameBuffer is the palette frame the panel driver refreshes from. On
// Commit it hands the frame to a periph display.Drawer (the panel driver,
// when one is wired) and keeps a copy for PNG previews.
package epd

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"periph.io/x/conn/v3/display"

	"epdframe/internal/convert"
	"epdframe/internal/epbm"
	appLog "epdframe/internal/log"
)

// ErrNoFrame is returned by WritePNG before the first commit.
var ErrNoFrame = errors.New("epd: no frame committed yet")

// Options configures a FrameBuffer.
type Options struct {
	Width, Height int
	// Drawer receives every committed frame. Nil means preview only.
	Drawer display.Drawer
	// PreviewPath, if set, receives a PNG of every committed frame.
	PreviewPath string
	// RawPath, if set, receives the frame packed in panel RAM layout.
	RawPath string
}

// FrameBuffer implements render.Surface.
type FrameBuffer struct {
	drawer      display.Drawer
	previewPath string
	rawPath     string

	// draw target; only touched by the cycle goroutine
	frame *image.Paletted

	mu         sync.RWMutex
	committed  *image.Paletted
	commits    int
	lastCommit time.Time
}

// NewFrameBuffer allocates the frame for a width x height panel.
func NewFrameBuffer(opts Options) *FrameBuffer {
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = epbm.DefaultWidth, epbm.DefaultHeight
	}
	return &FrameBuffer{
		drawer:      opts.Drawer,
		previewPath: opts.PreviewPath,
		rawPath:     opts.RawPath,
		frame:       image.NewPaletted(image.Rect(0, 0, opts.Width, opts.Height), epbm.Palette),
	}
}

// BeginFrame resets the frame to white.
func (f *FrameBuffer) BeginFrame() {
	for i := range f.frame.Pix {
		f.frame.Pix[i] = uint8(epbm.White)
	}
}

// DrawPixel sets one palette index. Out-of-bounds writes are ignored.
func (f *FrameBuffer) DrawPixel(x, y int, c epbm.Color) {
	f.frame.SetColorIndex(x, y, uint8(c))
}

// Commit pushes the frame to the panel and blocks until the driver returns.
// The preview copy is updated even when the panel refresh fails so the
// status page shows what was attempted.
func (f *FrameBuffer) Commit() error {
	start := time.Now()

	var drawErr error
	if f.drawer != nil {
		drawErr = f.drawer.Draw(f.drawer.Bounds(), f.frame, image.Point{})
		if drawErr != nil {
			drawErr = fmt.Errorf("epd: refresh %s: %w", f.drawer, drawErr)
		}
	}

	snapshot := image.NewPaletted(f.frame.Rect, f.frame.Palette)
	copy(snapshot.Pix, f.frame.Pix)

	f.mu.Lock()
	f.committed = snapshot
	f.commits++
	f.lastCommit = time.Now()
	f.mu.Unlock()

	if f.previewPath != "" {
		if err := writePNGFile(f.previewPath, snapshot); err != nil {
			appLog.Error("preview write failed", err, "path", f.previewPath)
		}
	}
	if f.rawPath != "" {
		if err := writeRawFile(f.rawPath, snapshot); err != nil {
			appLog.Error("raw dump failed", err, "path", f.rawPath)
		}
	}

	appLog.Debug("frame committed", "elapsed", time.Since(start), "panel", f.drawer != nil)
	return drawErr
}

// Commits reports how many frames were committed.
func (f *FrameBuffer) Commits() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.commits
}

// LastCommit returns the time of the last commit, zero if none.
func (f *FrameBuffer) LastCommit() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastCommit
}

// ColorIndexAt returns the committed palette index at x, y.
func (f *FrameBuffer) ColorIndexAt(x, y int) (epbm.Color, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.committed == nil {
		return 0, false
	}
	return epbm.Color(f.committed.ColorIndexAt(x, y)), true
}

// WritePNG encodes the last committed frame.
func (f *FrameBuffer) WritePNG(w io.Writer) error {
	f.mu.RLock()
	img := f.committed
	f.mu.RUnlock()
	if img == nil {
		return ErrNoFrame
	}
	return png.Encode(w, img)
}

// writePNGFile writes atomically via temp file + rename.
func writePNGFile(path string, img image.Image) error {
	return writeAtomic(path, func(w io.Writer) error { return png.Encode(w, img) })
}

// writeRawFile dumps the frame as the panel controller would receive it.
func writeRawFile(path string, img *image.Paletted) error {
	packed, err := convert.Pack4bpp(img)
	if err != nil {
		return err
	}
	return writeAtomic(path, func(w io.Writer) error {
		_, err := w.Write(packed)
		return err
	})
}

func writeAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".epdframe-dump-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
