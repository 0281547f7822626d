package netwatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-ping/ping"
)

// Prober checks whether the upstream can be reached
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// HTTPProber issues a HEAD request. Any HTTP response counts as reachable,
// even an error status, since the server answered.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// PingProber sends ICMP echo requests to Host
type PingProber struct {
	Host       string
	Count      int
	Timeout    time.Duration
	Privileged bool
}

func NewPingProber(host string) *PingProber {
	return &PingProber{
		Host:    host,
		Count:   3,
		Timeout: 3 * time.Second,
	}
}

func (p *PingProber) Probe(ctx context.Context) error {
	pinger, err := ping.NewPinger(p.Host)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", p.Host, err)
	}
	pinger.Count = p.Count
	pinger.Timeout = p.Timeout
	pinger.SetPrivileged(p.Privileged)

	done := make(chan error, 1)
	go func() {
		done <- pinger.Run()
	}()

	select {
	case <-ctx.Done():
		pinger.Stop()
		<-done
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return err
		}
	}

	if pinger.Statistics().PacketsRecv == 0 {
		return errors.New("no echo reply from " + p.Host)
	}
	return nil
}
