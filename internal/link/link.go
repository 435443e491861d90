// Package link brings the network link up for one cycle and releases it
// afterwards. Failure is never fatal: the caller renders the error frame and
// keeps its wake schedule.
package link

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-ping/ping"

	appLog "epdframe/internal/log"
)

const (
	DefaultAttempts = 3
	DefaultBackoff  = 2 * time.Second
)

// ErrNoConnectivity wraps the last failure once all attempts are used.
var ErrNoConnectivity = errors.New("link: no connectivity")

// Link is a network link that can be acquired and released.
type Link interface {
	Up(ctx context.Context) error
	Down() error
}

// Bootstrap calls l.Up at most attempts times, sleeping backoff between
// tries. It never retries past ctx.
func Bootstrap(ctx context.Context, l Link, attempts int, backoff time.Duration) error {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	var last error
	for i := 1; i <= attempts; i++ {
		err := l.Up(ctx)
		if err == nil {
			appLog.Info("link up", "attempt", i)
			return nil
		}
		last = err
		appLog.Warn("link attempt failed", "attempt", i, "of", attempts, "err", err)

		if i == attempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNoConnectivity, ctx.Err())
		}
	}
	return fmt.Errorf("%w: %d attempts: %v", ErrNoConnectivity, attempts, last)
}

// StaticLink is a link managed by the OS that is assumed to be up.
type StaticLink struct{}

func (StaticLink) Up(context.Context) error { return nil }
func (StaticLink) Down() error              { return nil }

// PingLink treats the link as up once the backend host answers an ICMP echo.
// On a Linux host the interface itself is managed by the OS; this only
// verifies reachability before a transfer is attempted.
type PingLink struct {
	Host       string
	Timeout    time.Duration
	Privileged bool
}

// NewPingLink derives the host to probe from the backend base URL.
func NewPingLink(baseURL string, timeout time.Duration) (*PingLink, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("link: parse base url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("link: base url %q has no host", baseURL)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &PingLink{Host: host, Timeout: timeout}, nil
}

func (p *PingLink) Up(ctx context.Context) error {
	pinger, err := ping.NewPinger(p.Host)
	if err != nil {
		return fmt.Errorf("link: resolve %s: %w", p.Host, err)
	}
	pinger.SetPrivileged(p.Privileged)
	pinger.Count = 1
	pinger.Timeout = p.Timeout

	done := make(chan error, 1)
	go func() { done <- pinger.Run() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("link: ping %s: %w", p.Host, err)
		}
	case <-ctx.Done():
		pinger.Stop()
		<-done
		return ctx.Err()
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return fmt.Errorf("link: no reply from %s within %s", p.Host, p.Timeout)
	}
	appLog.Debug("link probe ok", "host", p.Host, "rtt", stats.AvgRtt)
	return nil
}

func (p *PingLink) Down() error { return nil }
