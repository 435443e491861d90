package web

import (
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"epdframe/internal/config"
	"epdframe/internal/device"
	"epdframe/internal/epbm"
	"epdframe/internal/epd"
	"epdframe/internal/model"
)

type fakeStatus struct {
	st device.Status
	ok bool
}

func (f fakeStatus) Status() (device.Status, bool) { return f.st, f.ok }

type countingBattery struct {
	reads int
}

func (b *countingBattery) Read(context.Context) (model.BatteryReading, bool) {
	b.reads++
	return model.BatteryReading{Millivolts: 3750, Percent: 50}, true
}

func do(t *testing.T, h http.Handler, path string, auth ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if len(auth) == 2 {
		req.SetBasicAuth(auth[0], auth[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := NewServer(config.DefaultConfig(), nil, nil, nil)
	rec := do(t, s.Handler(), "/health")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	h := NewServer(cfg, fakeStatus{}, nil, nil).Handler()

	if rec := do(t, h, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("/health = %d, want open", rec.Code)
	}
	if rec := do(t, h, "/api/state"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("/api/state without auth = %d", rec.Code)
	}
	if rec := do(t, h, "/api/state", "admin", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("/api/state with bad password = %d", rec.Code)
	}
	if rec := do(t, h, "/api/state", "admin", "secret"); rec.Code != http.StatusOK {
		t.Fatalf("/api/state with auth = %d", rec.Code)
	}
}

func TestState(t *testing.T) {
	st := device.Status{CycleID: "c1", Mode: "stocks", BootCount: 3, ErrorFrame: true, SleepFor: time.Hour}
	h := NewServer(config.DefaultConfig(), fakeStatus{st: st, ok: true}, nil, nil).Handler()

	rec := do(t, h, "/api/state")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var resp stateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Ready || resp.Last == nil || resp.Last.Mode != "stocks" || !resp.Last.ErrorFrame {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestBattery_CachesLiveReading(t *testing.T) {
	b := &countingBattery{}
	h := NewServer(config.DefaultConfig(), nil, nil, b).Handler()

	for i := 0; i < 3; i++ {
		rec := do(t, h, "/api/battery")
		if rec.Code != http.StatusOK {
			t.Fatalf("code = %d", rec.Code)
		}
		var resp batteryResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.Percent != 50 || resp.VoltageMv != 3750 {
			t.Fatalf("resp = %+v", resp)
		}
	}
	if b.reads != 1 {
		t.Fatalf("battery sampled %d times, want 1", b.reads)
	}
}

func TestBattery_FallsBackToLastCycle(t *testing.T) {
	st := device.Status{Battery: &model.BatteryReading{Millivolts: 4000, Percent: 77}}
	h := NewServer(config.DefaultConfig(), fakeStatus{st: st, ok: true}, nil, nil).Handler()

	rec := do(t, h, "/api/battery")
	var resp batteryResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || resp.Percent != 77 {
		t.Fatalf("code=%d resp=%+v", rec.Code, resp)
	}

	h = NewServer(config.DefaultConfig(), fakeStatus{}, nil, nil).Handler()
	if rec := do(t, h, "/api/battery"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code without reading = %d", rec.Code)
	}
}

func TestPreview(t *testing.T) {
	fb := epd.NewFrameBuffer(epd.Options{Width: 8, Height: 4})
	h := NewServer(config.DefaultConfig(), nil, fb, nil).Handler()

	if rec := do(t, h, "/preview.png"); rec.Code != http.StatusNotFound {
		t.Fatalf("preview before commit = %d, want 404", rec.Code)
	}

	fb.BeginFrame()
	fb.DrawPixel(2, 1, epbm.Blue)
	if err := fb.Commit(); err != nil {
		t.Fatal(err)
	}

	rec := do(t, h, "/preview.png")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("code=%d type=%q", rec.Code, rec.Header().Get("Content-Type"))
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 4 {
		t.Fatalf("bounds = %v", img.Bounds())
	}
	r, g, b, _ := img.At(2, 1).RGBA()
	wr, wg, wb, _ := epbm.Palette[epbm.Blue].RGBA()
	if r != wr || g != wg || b != wb {
		t.Fatalf("pixel = %v, want blue", img.At(2, 1))
	}
}
