// Package transfer pulls an EPBM payload over HTTP in bounded chunks.
//
// Memory use is one fixed-size scratch array per Stream regardless of the
// panel size: the body is never buffered as a whole.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"epdframe/internal/epbm"
	appLog "epdframe/internal/log"
)

// ChunkSize is the size of the scratch buffer each Stream reads into.
const ChunkSize = 8192

const (
	DefaultHeaderTimeout   = 5 * time.Second
	DefaultTransferTimeout = 60 * time.Second
)

var (
	ErrConnect         = errors.New("transfer: connect failed")
	ErrStatus          = errors.New("transfer: unexpected status")
	ErrSizeMismatch    = errors.New("transfer: size mismatch")
	ErrHeaderTimeout   = errors.New("transfer: header timeout")
	ErrTransferTimeout = errors.New("transfer: transfer timeout")
)

// Options configures an Engine. Zero values fall back to the defaults.
type Options struct {
	Width           int
	Height          int
	HeaderTimeout   time.Duration
	TransferTimeout time.Duration
	// Client is used for the request. Its own Timeout is ignored in favour
	// of TransferTimeout.
	Client *http.Client
}

// Engine fetches EPBM payloads for a fixed panel resolution.
type Engine struct {
	client          *http.Client
	width, height   int
	headerTimeout   time.Duration
	transferTimeout time.Duration
}

// NewEngine creates an Engine.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		client:          opts.Client,
		width:           opts.Width,
		height:          opts.Height,
		headerTimeout:   opts.HeaderTimeout,
		transferTimeout: opts.TransferTimeout,
	}
	if e.client == nil {
		e.client = &http.Client{}
	}
	if e.width <= 0 || e.height <= 0 {
		e.width, e.height = epbm.DefaultWidth, epbm.DefaultHeight
	}
	if e.headerTimeout <= 0 {
		e.headerTimeout = DefaultHeaderTimeout
	}
	if e.transferTimeout <= 0 {
		e.transferTimeout = DefaultTransferTimeout
	}
	return e
}

// Stream yields the pixel bytes of one transfer. It is forward-only and
// cannot be restarted; a second pass needs a new Fetch.
type Stream struct {
	Header epbm.Header

	body      io.ReadCloser
	ctx       context.Context
	cancel    context.CancelFunc
	remaining int64
	total     int64
	buf       [ChunkSize]byte
}

// Fetch issues the GET request, checks the declared length and reads and
// validates the header. No pixel byte has been consumed when it returns.
//
// The returned Stream must be closed by the caller.
func (e *Engine) Fetch(ctx context.Context, url string) (*Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, e.transferTimeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transfer: build request: %w", err)
	}
	req.Header.Set("Accept", "application/octet-stream")

	appLog.Info("transfer start", "url", redactURL(url))

	resp, err := e.client.Do(req)
	if err != nil {
		cancel()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTransferTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	s := &Stream{body: resp.Body, ctx: ctx, cancel: cancel}

	if resp.StatusCode != http.StatusOK {
		s.Close()
		return nil, fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}

	want := epbm.ExpectedSize(e.width, e.height)
	if resp.ContentLength != want {
		s.Close()
		return nil, fmt.Errorf("%w: declared %d bytes, want %d", ErrSizeMismatch, resp.ContentLength, want)
	}

	if err := s.readHeader(e.headerTimeout, e.width, e.height); err != nil {
		s.Close()
		return nil, err
	}

	s.total = want - epbm.HeaderSize
	s.remaining = s.total
	return s, nil
}

// readHeader reads exactly HeaderSize bytes. The header timer cancels the
// request context, which unblocks the pending body read.
func (s *Stream) readHeader(timeout time.Duration, width, height int) error {
	var expired atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		expired.Store(true)
		s.cancel()
	})
	var raw [epbm.HeaderSize]byte
	_, err := io.ReadFull(s.body, raw[:])
	// Stop reports false once the timer has fired; the stream is cancelled
	// then even if the header arrived.
	fired := !timer.Stop()

	if fired && err == nil {
		return fmt.Errorf("%w: after %s", ErrHeaderTimeout, timeout)
	}
	if err != nil {
		switch {
		case fired || expired.Load():
			return fmt.Errorf("%w: after %s", ErrHeaderTimeout, timeout)
		case errors.Is(s.ctx.Err(), context.DeadlineExceeded):
			return fmt.Errorf("%w: %v", ErrTransferTimeout, err)
		default:
			return fmt.Errorf("%w: header: %v", ErrSizeMismatch, err)
		}
	}

	h, err := epbm.ParseHeader(raw, width, height)
	if err != nil {
		return err
	}
	s.Header = h
	return nil
}

// Next returns the next chunk of pixel bytes. The slice aliases the
// stream's scratch buffer and is only valid until the following call.
// After the last pixel it returns io.EOF.
func (s *Stream) Next() ([]byte, error) {
	if s.remaining == 0 {
		return nil, io.EOF
	}
	n := int64(len(s.buf))
	if s.remaining < n {
		n = s.remaining
	}

	read, err := s.body.Read(s.buf[:n])
	s.remaining -= int64(read)
	if read > 0 {
		// Surface the error on the next call so these bytes are not lost.
		return s.buf[:read], nil
	}

	if err == nil {
		// A zero-byte read without error is allowed by io.Reader; try again.
		return s.Next()
	}
	if errors.Is(s.ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %d of %d pixel bytes received", ErrTransferTimeout, s.total-s.remaining, s.total)
	}
	return nil, fmt.Errorf("%w: body ended after %d of %d pixel bytes: %v", ErrSizeMismatch, s.total-s.remaining, s.total, err)
}

// Close releases the response and the transfer deadline. It is safe to call
// more than once.
func (s *Stream) Close() error {
	if s.body == nil {
		return nil
	}
	err := s.body.Close()
	s.body = nil
	s.cancel()
	return err
}

// redactURL keeps only scheme and host for logging; backend paths may carry
// device tokens.
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' && u[j] != '?' {
		j++
	}
	return u[:j] + redactedSuffix
}
