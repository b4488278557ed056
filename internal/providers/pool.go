package providers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultProbeTimeout     = 15 * time.Second
	defaultFailThreshold    = 3
	defaultRecoveryInterval = 60 * time.Second
)

// Pool schedules requests across a prioritized endpoint list. Failover is
// sticky: after a successful failover the pool stays on the backup until a
// background probe proves the primary healthy again. All scheduling state
// (current index, per-endpoint counters, recovery flag, pin) lives under one
// mutex; the mutex is never held across a network call.
type Pool struct {
	mu         sync.Mutex
	endpoints  []*Endpoint // priority order
	current    int
	recovering bool
	pinned     int // endpoint index, -1 when no pin is active
	pinExpiry  time.Time

	probeTimeout     time.Duration
	failThreshold    int
	recoveryInterval time.Duration

	dialects map[Protocol]dialect
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithProbeTimeout sets the per-endpoint probe deadline.
func WithProbeTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.probeTimeout = d }
}

// WithFailThreshold sets how many consecutive failures mark an endpoint unhealthy.
func WithFailThreshold(n int) PoolOption {
	return func(p *Pool) { p.failThreshold = n }
}

// WithRecoveryInterval sets the minimum gap between primary recovery probes.
func WithRecoveryInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.recoveryInterval = d }
}

// WithHTTPClient replaces the shared HTTP client used by all dialects.
func WithHTTPClient(client *http.Client) PoolOption {
	return func(p *Pool) {
		p.dialects = map[Protocol]dialect{
			ProtocolAnthropic: &anthropicClient{client: client},
			ProtocolOpenAI:    &openaiClient{client: client},
		}
	}
}

// NewPool builds a pool over the given endpoints, sorted by priority.
// At least one endpoint is required.
func NewPool(endpoints []*Endpoint, opts ...PoolOption) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("endpoint pool: no endpoints configured")
	}

	sorted := make([]*Endpoint, len(endpoints))
	copy(sorted, endpoints)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	client := &http.Client{Timeout: 120 * time.Second}
	p := &Pool{
		endpoints:        sorted,
		pinned:           -1,
		probeTimeout:     defaultProbeTimeout,
		failThreshold:    defaultFailThreshold,
		recoveryInterval: defaultRecoveryInterval,
		dialects: map[Protocol]dialect{
			ProtocolAnthropic: &anthropicClient{client: client},
			ProtocolOpenAI:    &openaiClient{client: client},
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ProbeAll probes every endpoint in parallel and selects the healthy one
// with the smallest priority as current. Returns an error only when no
// endpoint passed its probe; the pool stays usable either way.
func (p *Pool) ProbeAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ep := range p.endpoints {
		ep := ep
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
			defer cancel()
			err := p.probe(probeCtx, ep)

			p.mu.Lock()
			ep.LastProbe = time.Now()
			if err != nil {
				ep.Healthy = false
				ep.LastError = err.Error()
				slog.Warn("endpoint probe failed", "endpoint", ep.Name, "error", err)
			} else {
				ep.Healthy = true
				ep.FailCount = 0
				ep.LastError = ""
				slog.Info("endpoint probe ok", "endpoint", ep.Name, "model", ep.Model)
			}
			p.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = 0
	for i, ep := range p.endpoints {
		if ep.Healthy {
			p.current = i
			break
		}
	}
	if !p.endpoints[p.current].Healthy {
		return fmt.Errorf("endpoint pool: all %d endpoints failed startup probes", len(p.endpoints))
	}
	slog.Info("endpoint pool ready", "current", p.endpoints[p.current].Name, "endpoints", len(p.endpoints))
	return nil
}

// probe issues a minimal one-token request.
func (p *Pool) probe(ctx context.Context, ep *Endpoint) error {
	d, ok := p.dialects[ep.Protocol]
	if !ok {
		return fmt.Errorf("unknown protocol %q", ep.Protocol)
	}
	_, err := d.createMessage(ctx, ep, Request{
		Messages:  []Message{UserText("ping")},
		MaxTokens: 1,
	})
	return err
}

// MessagesCreate dispatches one request. The round starts at the current
// endpoint (or the pinned one while a pin is active) and tries each endpoint
// at most once, wrapping around the list. Success resets the endpoint's fail
// counter and makes it current; failure increments the counter, marking the
// endpoint unhealthy at the threshold. When the round starts off the primary,
// a background recovery probe is triggered at most once per interval.
func (p *Pool) MessagesCreate(ctx context.Context, req Request) (*Response, error) {
	p.mu.Lock()
	n := len(p.endpoints)
	start := p.current

	if p.pinned >= 0 {
		if time.Now().After(p.pinExpiry) {
			slog.Info("endpoint pin expired", "endpoint", p.endpoints[p.pinned].Name)
			p.pinned = -1
		} else {
			start = p.pinned
		}
	}

	if start != 0 && !p.recovering && time.Since(p.endpoints[0].LastProbe) >= p.recoveryInterval {
		p.recovering = true
		go p.recoverPrimary()
	}
	// Reorder swaps p.endpoints for a new slice; the round iterates a
	// snapshot so the loop never reads the slice header unlocked.
	eps := make([]*Endpoint, n)
	copy(eps, p.endpoints)
	p.mu.Unlock()

	var lastErr error
	var lastName string
	for i := 0; i < n; i++ {
		ep := eps[(start+i)%n]

		d, ok := p.dialects[ep.Protocol]
		if !ok {
			lastErr = fmt.Errorf("unknown protocol %q", ep.Protocol)
			lastName = ep.Name
			continue
		}

		resp, err := d.createMessage(ctx, ep, req)
		if err == nil {
			p.mu.Lock()
			ep.Healthy = true
			ep.FailCount = 0
			ep.LastError = ""
			// A reorder may have moved ep while the request was in
			// flight; resolve its position in the live slice.
			for j, cand := range p.endpoints {
				if cand != ep {
					continue
				}
				if p.current != j {
					slog.Warn("endpoint failover", "from", p.endpoints[p.current].Name, "to", ep.Name)
					p.current = j
				}
				break
			}
			p.mu.Unlock()
			resp.Endpoint = ep.Name
			return resp, nil
		}

		p.mu.Lock()
		ep.FailCount++
		ep.LastError = err.Error()
		if ep.FailCount >= p.failThreshold {
			ep.Healthy = false
		}
		fails := ep.FailCount
		p.mu.Unlock()
		slog.Warn("endpoint request failed", "endpoint", ep.Name, "fails", fails, "error", err)

		// A canceled caller aborts the whole round; trying the next
		// endpoint with a dead context only charges it a bogus failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		lastName = ep.Name
	}

	return nil, fmt.Errorf("all %d endpoints failed (last %s): %w", n, lastName, lastErr)
}

// recoverPrimary probes the primary endpoint once in the background. On
// success, current flips back to the primary. The recovering flag guarantees
// a single probe in flight.
func (p *Pool) recoverPrimary() {
	p.mu.Lock()
	primary := p.endpoints[0]
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.probeTimeout)
	defer cancel()
	err := p.probe(ctx, primary)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.recovering = false
	primary.LastProbe = time.Now()
	if err != nil {
		primary.LastError = err.Error()
		slog.Debug("primary endpoint still down", "endpoint", primary.Name, "error", err)
		return
	}
	primary.Healthy = true
	primary.FailCount = 0
	primary.LastError = ""
	// The probed endpoint may have been reordered off slot 0 meanwhile.
	for i, ep := range p.endpoints {
		if ep == primary {
			p.current = i
			break
		}
	}
	slog.Info("primary endpoint recovered", "endpoint", primary.Name)
}

// Pin routes all requests to the named endpoint until the TTL elapses or
// Unpin is called.
func (p *Pool) Pin(name string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, ep := range p.endpoints {
		if ep.Name == name {
			p.pinned = i
			p.pinExpiry = time.Now().Add(ttl)
			slog.Info("endpoint pinned", "endpoint", name, "ttl", ttl)
			return nil
		}
	}
	return fmt.Errorf("unknown endpoint %q", name)
}

// Unpin clears an active pin. Reports whether a pin was active.
func (p *Pool) Unpin() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pinned < 0 {
		return false
	}
	slog.Info("endpoint pin cleared", "endpoint", p.endpoints[p.pinned].Name)
	p.pinned = -1
	return true
}

// Pinned returns the active pin, if any.
func (p *Pool) Pinned() (string, time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pinned < 0 || time.Now().After(p.pinExpiry) {
		return "", time.Time{}, false
	}
	return p.endpoints[p.pinned].Name, p.pinExpiry, true
}

// Reorder applies a new priority ordering. The names must be a permutation
// of the configured endpoint names. The current endpoint stays current at
// its new position.
func (p *Pool) Reorder(names []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(names) != len(p.endpoints) {
		return fmt.Errorf("expected %d endpoint names, got %d", len(p.endpoints), len(names))
	}
	byName := make(map[string]*Endpoint, len(p.endpoints))
	for _, ep := range p.endpoints {
		byName[ep.Name] = ep
	}

	reordered := make([]*Endpoint, 0, len(names))
	seen := make(map[string]bool, len(names))
	for i, name := range names {
		ep, ok := byName[name]
		if !ok {
			return fmt.Errorf("unknown endpoint %q", name)
		}
		if seen[name] {
			return fmt.Errorf("duplicate endpoint %q", name)
		}
		seen[name] = true
		ep.Priority = i
		reordered = append(reordered, ep)
	}

	currentEp := p.endpoints[p.current]
	var pinnedEp *Endpoint
	if p.pinned >= 0 {
		pinnedEp = p.endpoints[p.pinned]
	}
	p.endpoints = reordered
	for i, ep := range p.endpoints {
		if ep == currentEp {
			p.current = i
		}
		if pinnedEp != nil && ep == pinnedEp {
			p.pinned = i
		}
	}
	slog.Info("endpoint priorities reordered", "order", names)
	return nil
}

// Current returns the name of the endpoint requests dispatch to first.
func (p *Pool) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pinned >= 0 && time.Now().Before(p.pinExpiry) {
		return p.endpoints[p.pinned].Name
	}
	return p.endpoints[p.current].Name
}

// Names returns endpoint names in priority order.
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, len(p.endpoints))
	for i, ep := range p.endpoints {
		names[i] = ep.Name
	}
	return names
}

// Status snapshots every endpoint for status listings.
func (p *Pool) Status() []EndpointStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	pinActive := p.pinned >= 0 && time.Now().Before(p.pinExpiry)
	// While a pin routes requests the pinned endpoint is the current one.
	cur := p.current
	if pinActive {
		cur = p.pinned
	}
	statuses := make([]EndpointStatus, len(p.endpoints))
	for i, ep := range p.endpoints {
		statuses[i] = EndpointStatus{
			Name:      ep.Name,
			Protocol:  string(ep.Protocol),
			Model:     ep.Model,
			Priority:  ep.Priority,
			Healthy:   ep.Healthy,
			Current:   i == cur,
			Pinned:    pinActive && i == p.pinned,
			FailCount: ep.FailCount,
			LastError: ep.LastError,
		}
	}
	return statuses
}
