package ports

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/memfabric/memfabric/pkg/atom"
	"github.com/memfabric/memfabric/pkg/logger"
)

type stubPort struct {
	name     string
	priority int
	timeout  time.Duration
	caps     []Capability

	searchErr   error
	searchDelay time.Duration
	hits        []SearchResult
	deleted     int
	deleteErr   error
}

func (s *stubPort) Name() string                          { return s.name }
func (s *stubPort) Section() string                       { return s.name + "_section" }
func (s *stubPort) Priority() int                         { return s.priority }
func (s *stubPort) Timeout() time.Duration                { return s.timeout }
func (s *stubPort) Capabilities() []Capability            { return s.caps }
func (s *stubPort) HealthCheck(ctx context.Context) error { return nil }

func (s *stubPort) Search(ctx context.Context, query, tenantID, userID string, topK int) ([]SearchResult, error) {
	if s.searchDelay > 0 {
		select {
		case <-time.After(s.searchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return s.hits, nil
}

func (s *stubPort) Write(ctx context.Context, a *atom.MemoryAtom) (string, error) {
	return "", ErrNotSupported
}

func (s *stubPort) DeleteUserData(ctx context.Context, tenantID, userID string) (int, error) {
	if s.deleteErr != nil {
		return -1, s.deleteErr
	}
	return s.deleted, nil
}

func newStub(name string, priority int) *stubPort {
	return &stubPort{
		name:     name,
		priority: priority,
		timeout:  200 * time.Millisecond,
		caps:     []Capability{CapSemantic},
	}
}

func testLogger() logger.Logger {
	return logger.New(&logger.Config{Level: logger.ErrorLevel, Format: "text", Output: "stderr"})
}

func TestBreakerTripAndRecovery(t *testing.T) {
	b := NewBreaker()
	now := time.Now()
	b.setClock(func() time.Time { return now })

	for i := 0; i < FailureThreshold; i++ {
		if !b.Allow() {
			t.Fatalf("closed breaker rejected call %d", i)
		}
		b.RecordFailure()
	}
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s after %d failures, want open", b.State(), FailureThreshold)
	}
	if b.Allow() {
		t.Fatal("open breaker inside recovery window allowed a call")
	}

	now = now.Add(RecoveryWindow + time.Second)
	if !b.Allow() {
		t.Fatal("elapsed recovery window must admit one probe")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}
	if b.Allow() {
		t.Fatal("half-open breaker admitted a second concurrent probe")
	}

	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s after probe success, want closed", b.State())
	}
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	b := NewBreaker()
	now := time.Now()
	b.setClock(func() time.Time { return now })

	for i := 0; i < FailureThreshold; i++ {
		b.RecordFailure()
	}
	now = now.Add(RecoveryWindow + time.Second)
	if !b.Allow() {
		t.Fatal("probe not admitted")
	}
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s after probe failure, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("reopened breaker allowed a call immediately")
	}
}

func TestTrippedPortExcludedFromActive(t *testing.T) {
	r := NewRegistry(testLogger())
	good := newStub("good", 1)
	bad := newStub("bad", 2)
	bad.searchErr = errors.New("backend down")
	r.Register(good)
	r.Register(bad)

	ctx := context.Background()
	for i := 0; i < FailureThreshold; i++ {
		r.SearchAll(ctx, "q", atom.DefaultTenant, "alice", 5, []string{"bad"})
	}

	active := r.ActivePorts()
	if len(active) != 1 || active[0].Name() != "good" {
		t.Fatalf("active = %d ports, want only good", len(active))
	}

	r.Reset()
	if len(r.ActivePorts()) != 2 {
		t.Fatal("reset did not restore the tripped port")
	}
}

func TestSearchAllMergesAndIsolatesFailures(t *testing.T) {
	r := NewRegistry(testLogger())
	good := newStub("vector", 1)
	good.hits = []SearchResult{{ID: "m1", Content: "hit", Score: 0.9}}
	failing := newStub("graph", 2)
	failing.searchErr = errors.New("boom")
	r.Register(good)
	r.Register(failing)

	results := r.SearchAll(context.Background(), "q", atom.DefaultTenant, "alice", 5, nil)
	if len(results) != 2 {
		t.Fatalf("got %d port results, want 2", len(results))
	}
	if results["vector"].Err != nil || len(results["vector"].Results) != 1 {
		t.Fatalf("vector result wrong: %+v", results["vector"])
	}
	if results["graph"].Err == nil {
		t.Fatal("failing port must report its error")
	}
}

func TestSlowPortDoesNotBlockOthers(t *testing.T) {
	r := NewRegistry(testLogger())
	fast := newStub("fast", 1)
	fast.hits = []SearchResult{{ID: "m1"}}
	slow := newStub("slow", 2)
	slow.timeout = 50 * time.Millisecond
	slow.searchDelay = 5 * time.Second
	r.Register(fast)
	r.Register(slow)

	start := time.Now()
	results := r.SearchAll(context.Background(), "q", atom.DefaultTenant, "alice", 5, nil)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("fan-out took %v, slow port blocked the batch", elapsed)
	}
	if results["slow"].Err == nil {
		t.Fatal("timed-out port must report an error")
	}
	if results["fast"].Err != nil {
		t.Fatal("fast port must succeed")
	}
}

func TestPriorityOrdering(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(newStub("c", 3))
	r.Register(newStub("a", 1))
	r.Register(newStub("b", 2))

	active := r.ActivePorts()
	if len(active) != 3 || active[0].Name() != "a" || active[2].Name() != "c" {
		t.Fatalf("ports not priority-sorted: %v", active)
	}
}

func TestDeleteUserDataFanOut(t *testing.T) {
	r := NewRegistry(testLogger())
	ok := newStub("vector", 1)
	ok.deleted = 4
	empty := newStub("graph", 2)
	broken := newStub("entity", 3)
	broken.deleteErr = errors.New("redis down")
	r.Register(ok)
	r.Register(empty)
	r.Register(broken)
	r.SetEnabled("graph", false) // deletion still reaches disabled ports

	results := r.DeleteUserData(context.Background(), atom.DefaultTenant, "alice")
	if got := results["vector"]; got.Count != 4 || got.Err != nil {
		t.Fatalf("vector delete = %+v", got)
	}
	if got := results["graph"]; got.Count != 0 || got.Err != nil {
		t.Fatalf("graph delete = %+v, want zero-count success", got)
	}
	if got := results["entity"]; got.Count != -1 || got.Err == nil {
		t.Fatalf("entity delete = %+v, want failure marker", got)
	}
}
