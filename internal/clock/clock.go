// Package clock performs the one-shot wall-clock query each cycle makes.
// Not having a synced time is a normal condition: the scheduler then falls
// back to a fixed sleep interval.
package clock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	appLog "epdframe/internal/log"
)

// MinValid is the sanity threshold: anything earlier is treated as an
// unsynced clock.
var MinValid = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Source is an external time reference.
type Source interface {
	Now(ctx context.Context) (time.Time, error)
}

// Valid reports whether t looks like a synced wall-clock time.
func Valid(t time.Time) bool {
	return !t.Before(MinValid)
}

// Sync queries src once and converts the result to loc. The bool is false if
// the query failed or the answer is implausible; the error is only logged.
func Sync(ctx context.Context, src Source, loc *time.Location) (time.Time, bool) {
	if src == nil {
		return time.Time{}, false
	}
	now, err := src.Now(ctx)
	if err != nil {
		appLog.Warn("time sync failed", "err", err)
		return time.Time{}, false
	}
	if !Valid(now) {
		appLog.Warn("time sync returned implausible time", "time", now)
		return time.Time{}, false
	}
	if loc != nil {
		now = now.In(loc)
	}
	appLog.Info("time synced", "now", now.Format(time.RFC3339))
	return now, true
}

// System uses the host clock, which the OS keeps in sync.
type System struct{}

func (System) Now(context.Context) (time.Time, error) {
	return time.Now(), nil
}

// HTTPDate reads the Date header of a HEAD request to the backend. Second
// resolution is plenty for an hourly schedule.
type HTTPDate struct {
	URL    string
	Client *http.Client
}

func (h HTTPDate) Now(ctx context.Context) (time.Time, error) {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.URL, nil)
	if err != nil {
		return time.Time{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	resp.Body.Close()

	date := resp.Header.Get("Date")
	if date == "" {
		return time.Time{}, errors.New("clock: response has no Date header")
	}
	t, err := http.ParseTime(date)
	if err != nil {
		return time.Time{}, fmt.Errorf("clock: parse Date %q: %w", date, err)
	}
	return t, nil
}

// Fixed returns a constant time; used by tests and dry runs.
type Fixed time.Time

func (f Fixed) Now(context.Context) (time.Time, error) {
	return time.Time(f), nil
}
