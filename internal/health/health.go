// Package health probes the engine's external dependencies.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

const defaultTimeout = 2 * time.Second

// Pinger is anything that can cheaply verify its own connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Check is the result of one probe.
type Check struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report is the overall health verdict.
type Report struct {
	Status    string    `json:"status"`
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

// Healthy reports whether every probe passed.
func (r Report) Healthy() bool { return r.Status == StatusHealthy }

type probe struct {
	name string
	p    Pinger
}

// Checker runs named probes concurrently. A probe that errors, times out, or
// panics marks only itself unhealthy.
type Checker struct {
	probes  []probe
	timeout time.Duration
}

func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Checker{timeout: timeout}
}

// Add registers a probe. Nil pingers are ignored so optional dependencies
// can be registered unconditionally.
func (c *Checker) Add(name string, p Pinger) *Checker {
	if p != nil {
		c.probes = append(c.probes, probe{name: name, p: p})
	}
	return c
}

// Check runs all probes and returns the aggregate report.
func (c *Checker) Check(ctx context.Context) Report {
	checks := make([]Check, len(c.probes))
	var wg sync.WaitGroup
	for i, pr := range c.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checks[i] = c.run(ctx, pr)
		}()
	}
	wg.Wait()

	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })

	status := StatusHealthy
	for _, ch := range checks {
		if !ch.Healthy {
			status = StatusDegraded
			break
		}
	}
	return Report{Status: status, Checks: checks, CheckedAt: time.Now().UTC()}
}

func (c *Checker) run(ctx context.Context, pr probe) (ch Check) {
	ch.Name = pr.name
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	defer func() { ch.LatencyMS = time.Since(start).Milliseconds() }()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- pr.p.Ping(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			ch.Error = err.Error()
			return ch
		}
		ch.Healthy = true
	case <-ctx.Done():
		ch.Error = ctx.Err().Error()
	}
	return ch
}
