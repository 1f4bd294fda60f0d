package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/solarcrm/fieldsync/internal/logging"
)

// Prober periodically checks a health URL and feeds the result to a Monitor.
// Any response below 500 counts as reachable.
type Prober struct {
	monitor  *Monitor
	url      string
	interval time.Duration
	client   *http.Client
}

// NewProber creates a prober. A zero interval defaults to 10s and a zero
// timeout to 5s.
func NewProber(monitor *Monitor, url string, interval, timeout time.Duration) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		monitor:  monitor,
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
	}
}

// Check performs a single probe and updates the monitor.
func (p *Prober) Check(ctx context.Context) bool {
	online := p.probe(ctx) == nil
	if p.monitor.SetOnline(online) {
		logging.Info("connectivity changed", map[string]interface{}{
			"online": online,
			"url":    p.url,
		})
	}
	return online
}

func (p *Prober) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.Check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
