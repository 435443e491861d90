package link

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeLink struct {
	failures int
	calls    int
}

func (f *fakeLink) Up(context.Context) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("assoc failed")
	}
	return nil
}

func (f *fakeLink) Down() error { return nil }

func TestBootstrap_SucceedsAfterRetries(t *testing.T) {
	l := &fakeLink{failures: 2}
	if err := Bootstrap(context.Background(), l, 3, time.Millisecond); err != nil {
		t.Fatalf("Bootstrap err=%v", err)
	}
	if l.calls != 3 {
		t.Fatalf("calls = %d, want 3", l.calls)
	}
}

func TestBootstrap_BoundedAttempts(t *testing.T) {
	l := &fakeLink{failures: 100}
	err := Bootstrap(context.Background(), l, 4, time.Millisecond)
	if !errors.Is(err, ErrNoConnectivity) {
		t.Fatalf("err=%v, want ErrNoConnectivity", err)
	}
	if l.calls != 4 {
		t.Fatalf("calls = %d, want 4", l.calls)
	}
}

func TestBootstrap_StopsOnContext(t *testing.T) {
	l := &fakeLink{failures: 100}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Bootstrap(ctx, l, 5, time.Hour)
	if !errors.Is(err, ErrNoConnectivity) {
		t.Fatalf("err=%v, want ErrNoConnectivity", err)
	}
	if l.calls != 1 {
		t.Fatalf("calls = %d, want 1", l.calls)
	}
}

func TestNewPingLink(t *testing.T) {
	p, err := NewPingLink("http://pidev.local:8080/x", 0)
	if err != nil {
		t.Fatal(err)
	}
	if p.Host != "pidev.local" || p.Timeout != 2*time.Second {
		t.Fatalf("got %+v", p)
	}
	if _, err := NewPingLink("/relative", 0); err == nil {
		t.Fatal("expected error for url without host")
	}
}
