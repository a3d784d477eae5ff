package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Probe checks one dependency. Err nil means ready.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

type ProbeResult struct {
	Name    string        `json:"name"`
	Ready   bool          `json:"ready"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency_ms"`
}

// ProbeRunner runs registered dependency probes with a per-probe timeout.
type ProbeRunner struct {
	mu      sync.RWMutex
	probes  []Probe
	timeout time.Duration
}

func NewProbeRunner(timeout time.Duration) *ProbeRunner {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &ProbeRunner{timeout: timeout}
}

func (p *ProbeRunner) Register(name string, check func(ctx context.Context) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes = append(p.probes, Probe{Name: name, Check: check})
}

// Ready runs every probe concurrently and reports overall readiness plus
// per-probe detail.
func (p *ProbeRunner) Ready(ctx context.Context) (bool, []ProbeResult) {
	p.mu.RLock()
	probes := make([]Probe, len(p.probes))
	copy(probes, p.probes)
	p.mu.RUnlock()

	results := make([]ProbeResult, len(probes))
	g, gctx := errgroup.WithContext(ctx)
	for i, probe := range probes {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, p.timeout)
			defer cancel()
			start := time.Now()
			err := probe.Check(probeCtx)
			result := ProbeResult{Name: probe.Name, Ready: err == nil, Latency: time.Since(start) / time.Millisecond}
			if err != nil {
				result.Error = err.Error()
			}
			results[i] = result
			return nil
		})
	}
	_ = g.Wait()

	ready := true
	for _, result := range results {
		if !result.Ready {
			ready = false
		}
	}
	return ready, results
}
