package ports

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/memfabric/memfabric/pkg/logger"
)

// PortResult carries one adapter's contribution to a fan-out search.
type PortResult struct {
	Section string         `json:"section"`
	Results []SearchResult `json:"results,omitempty"`
	Err     error          `json:"-"`
	Elapsed time.Duration  `json:"elapsed"`
}

// DeleteResult is one adapter's outcome in a user-data deletion fan-out.
// Count -1 with a populated Err marks the backend's deletion as failed.
type DeleteResult struct {
	Count int
	Err   error
}

type registeredPort struct {
	port    MemoryPort
	breaker *Breaker
	enabled bool
}

// Registry holds every backend adapter behind its own circuit breaker and
// runs concurrent fan-out search and deletion across them.
type Registry struct {
	mu    sync.RWMutex
	ports map[string]*registeredPort
	log   logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log logger.Logger) *Registry {
	return &Registry{
		ports: make(map[string]*registeredPort),
		log:   log,
	}
}

// Register adds an adapter. Registering the same name twice replaces the
// adapter and resets its breaker.
func (r *Registry) Register(p MemoryPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports[p.Name()] = &registeredPort{
		port:    p,
		breaker: NewBreaker(),
		enabled: true,
	}
}

// SetEnabled toggles an adapter without unregistering it.
func (r *Registry) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rp, ok := r.ports[name]; ok {
		rp.enabled = enabled
	}
}

// Port returns a registered adapter by name.
func (r *Registry) Port(name string) (MemoryPort, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rp, ok := r.ports[name]
	if !ok {
		return nil, false
	}
	return rp.port, true
}

// ActivePorts returns enabled adapters whose breaker admits calls, sorted by
// declared priority (lower first).
func (r *Registry) ActivePorts() []MemoryPort {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []MemoryPort
	for _, rp := range r.ports {
		if !rp.enabled {
			continue
		}
		if !rp.breaker.Available() {
			continue
		}
		active = append(active, rp.port)
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].Priority() < active[j].Priority()
	})
	return active
}

// ProvidersFor returns the names of enabled, non-tripped adapters declaring
// the given capability.
func (r *Registry) ProvidersFor(cap Capability) []string {
	var names []string
	for _, p := range r.ActivePorts() {
		for _, c := range p.Capabilities() {
			if c == cap {
				names = append(names, p.Name())
				break
			}
		}
	}
	return names
}

// SearchAll fans the query out to the named adapters concurrently, each under
// its own timeout. A slow or failed adapter contributes an error entry but
// never blocks the others. Nil names means every active adapter.
func (r *Registry) SearchAll(ctx context.Context, query, tenantID, userID string, topK int, names []string) map[string]PortResult {
	targets := r.resolveTargets(names)

	results := make(map[string]PortResult, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, rp := range targets {
		wg.Add(1)
		go func(rp *registeredPort) {
			defer wg.Done()
			res := r.searchOne(ctx, rp, query, tenantID, userID, topK)
			mu.Lock()
			results[rp.port.Name()] = res
			mu.Unlock()
		}(rp)
	}
	wg.Wait()
	return results
}

func (r *Registry) searchOne(ctx context.Context, rp *registeredPort, query, tenantID, userID string, topK int) PortResult {
	name := rp.port.Name()
	res := PortResult{Section: rp.port.Section()}

	if !rp.breaker.Allow() {
		res.Err = ErrBreakerOpen
		return res
	}

	callCtx, cancel := context.WithTimeout(ctx, rp.port.Timeout())
	defer cancel()

	start := time.Now()
	hits, err := rp.port.Search(callCtx, query, tenantID, userID, topK)
	res.Elapsed = time.Since(start)

	if err != nil {
		// A timeout counts as a failure toward the breaker.
		rp.breaker.RecordFailure()
		res.Err = err
		r.log.WarnContext(ctx, "port search failed",
			"port", name,
			"error", err,
			"elapsed_ms", res.Elapsed.Milliseconds(),
		)
		return res
	}

	rp.breaker.RecordSuccess()
	res.Results = hits
	return res
}

func (r *Registry) resolveTargets(names []string) []*registeredPort {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var targets []*registeredPort
	if names == nil {
		for _, rp := range r.ports {
			if rp.enabled {
				targets = append(targets, rp)
			}
		}
		return targets
	}
	for _, name := range names {
		if rp, ok := r.ports[name]; ok && rp.enabled {
			targets = append(targets, rp)
		}
	}
	return targets
}

// DeleteUserData invokes delete on every registered adapter, enabled or not;
// a user's right to erasure does not bend to a disabled backend. Breakers are
// bypassed for the same reason.
func (r *Registry) DeleteUserData(ctx context.Context, tenantID, userID string) map[string]DeleteResult {
	r.mu.RLock()
	targets := make([]*registeredPort, 0, len(r.ports))
	for _, rp := range r.ports {
		targets = append(targets, rp)
	}
	r.mu.RUnlock()

	results := make(map[string]DeleteResult, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, rp := range targets {
		wg.Add(1)
		go func(rp *registeredPort) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, rp.port.Timeout())
			defer cancel()

			count, err := rp.port.DeleteUserData(callCtx, tenantID, userID)
			if errors.Is(err, ErrNotSupported) {
				count, err = 0, nil
			}
			if err != nil {
				count = -1
			}

			mu.Lock()
			results[rp.port.Name()] = DeleteResult{Count: count, Err: err}
			mu.Unlock()
		}(rp)
	}
	wg.Wait()
	return results
}

// HealthSnapshot probes every adapter and reports per-adapter health plus
// breaker state. Adapters without a health check count as healthy.
func (r *Registry) HealthSnapshot(ctx context.Context) map[string]PortHealth {
	r.mu.RLock()
	targets := make([]*registeredPort, 0, len(r.ports))
	for _, rp := range r.ports {
		targets = append(targets, rp)
	}
	r.mu.RUnlock()

	out := make(map[string]PortHealth, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, rp := range targets {
		wg.Add(1)
		go func(rp *registeredPort) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, rp.port.Timeout())
			defer cancel()

			err := rp.port.HealthCheck(callCtx)
			healthy := err == nil || errors.Is(err, ErrNotSupported)

			mu.Lock()
			out[rp.port.Name()] = PortHealth{
				Healthy: healthy,
				Enabled: rp.enabled,
				Breaker: rp.breaker.State(),
			}
			mu.Unlock()
		}(rp)
	}
	wg.Wait()
	return out
}

// PortHealth is one adapter's entry in a health snapshot.
type PortHealth struct {
	Healthy bool         `json:"healthy"`
	Enabled bool         `json:"enabled"`
	Breaker BreakerState `json:"breaker"`
}

// BreakerFor exposes an adapter's breaker, mainly for tests and admin reset.
func (r *Registry) BreakerFor(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rp, ok := r.ports[name]
	if !ok {
		return nil, false
	}
	return rp.breaker, true
}

// Reset closes every breaker. Registry health is process-wide mutable state,
// so tests need an explicit reset.
func (r *Registry) Reset() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rp := range r.ports {
		rp.breaker.Reset()
	}
}
