package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/memfabric/memfabric/pkg/atom"
	"github.com/memfabric/memfabric/pkg/logger"
	"github.com/memfabric/memfabric/pkg/ports"
	"github.com/memfabric/memfabric/pkg/relationship"
)

type fakePort struct {
	name string
	caps []ports.Capability
}

func (f *fakePort) Name() string                     { return f.name }
func (f *fakePort) Section() string                  { return f.name + "_section" }
func (f *fakePort) Priority() int                    { return 10 }
func (f *fakePort) Timeout() time.Duration           { return 100 * time.Millisecond }
func (f *fakePort) Capabilities() []ports.Capability { return f.caps }

func (f *fakePort) Search(ctx context.Context, query, tenantID, userID string, topK int) ([]ports.SearchResult, error) {
	return nil, nil
}

func (f *fakePort) Write(ctx context.Context, a *atom.MemoryAtom) (string, error) {
	return "", ports.ErrNotSupported
}

func (f *fakePort) DeleteUserData(ctx context.Context, tenantID, userID string) (int, error) {
	return 0, nil
}

func (f *fakePort) HealthCheck(ctx context.Context) error { return nil }

func testRegistry(t *testing.T, portCaps map[string][]ports.Capability) *ports.Registry {
	t.Helper()
	log := logger.New(&logger.Config{Level: logger.ErrorLevel, Format: "text", Output: "stderr"})
	registry := ports.NewRegistry(log)
	for name, caps := range portCaps {
		registry.Register(&fakePort{name: name, caps: caps})
	}
	return registry
}

func fullRegistry(t *testing.T) *ports.Registry {
	return testRegistry(t, map[string][]ports.Capability{
		"ledger": {ports.CapEpisodic, ports.CapGovernance, ports.CapSafety},
		"vector": {ports.CapSemantic, ports.CapAffective},
		"graph":  {ports.CapTemporalGraph, ports.CapEntity},
		"entity": {ports.CapEntity, ports.CapRelationship},
	})
}

func TestStrangerGetsBaselineOnly(t *testing.T) {
	p := New(fullRegistry(t), false)

	plan, err := p.PlanRecall(relationship.StageStranger, 1500, ComplexityComplex)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	for _, r := range plan.Routes {
		if !r.Baseline {
			t.Fatalf("stranger plan contains optional route %s", r.Name)
		}
	}
	if plan.RemainingMS != 1500-150 {
		t.Fatalf("remaining = %d", plan.RemainingMS)
	}
}

func TestBudgetDrawOrderByComplexity(t *testing.T) {
	p := New(fullRegistry(t), false)

	optional := func(plan *RecallRoutePlan) []string {
		var names []string
		for _, r := range plan.Routes {
			if !r.Baseline {
				names = append(names, r.Name)
			}
		}
		return names
	}

	// A tight budget leaves 250ms after the fixed core; the draw order
	// decides what fits.
	simple, err := p.PlanRecall(relationship.StageClose, 400, ComplexitySimple)
	if err != nil {
		t.Fatalf("simple: %v", err)
	}
	got := optional(simple)
	if len(got) != 2 || got[0] != "affective_scan" || got[1] != "episodic_ledger" {
		t.Fatalf("simple draw = %v", got)
	}

	complexPlan, err := p.PlanRecall(relationship.StageClose, 400, ComplexityComplex)
	if err != nil {
		t.Fatalf("complex: %v", err)
	}
	got = optional(complexPlan)
	if len(got) != 1 || got[0] != "temporal_graph" {
		t.Fatalf("complex draw = %v", got)
	}
}

func TestGenerousBudgetDrawsEverything(t *testing.T) {
	p := New(fullRegistry(t), false)

	plan, err := p.PlanRecall(relationship.StageSoulmate, 3000, ComplexityStandard)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	opt := 0
	for _, r := range plan.Routes {
		if !r.Baseline {
			opt++
		}
	}
	if opt != 3 {
		t.Fatalf("optional routes = %d, want 3", opt)
	}
	if plan.RemainingMS != 3000-150-100-250-80 {
		t.Fatalf("remaining = %d", plan.RemainingMS)
	}
}

func TestUnknownComplexityFallsBackToStandard(t *testing.T) {
	p := New(fullRegistry(t), false)

	plan, err := p.PlanRecall(relationship.StageFamiliar, 1500, Complexity("bizarre"))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Complexity != ComplexityStandard {
		t.Fatalf("complexity = %s", plan.Complexity)
	}
}

func TestStrictGateRefusesOnMissingCapability(t *testing.T) {
	// No entity port: relationship capability has zero providers.
	registry := testRegistry(t, map[string][]ports.Capability{
		"ledger": {ports.CapEpisodic, ports.CapGovernance, ports.CapSafety},
		"vector": {ports.CapSemantic, ports.CapAffective},
		"graph":  {ports.CapTemporalGraph, ports.CapEntity},
	})
	p := New(registry, true)

	_, err := p.PlanRecall(relationship.StageClose, 1500, ComplexityStandard)
	if !errors.Is(err, ErrStrictCoverageUnmet) {
		t.Fatalf("err = %v, want strict coverage unmet", err)
	}
	if err := p.CheckStrict(); !errors.Is(err, ErrStrictCoverageUnmet) {
		t.Fatalf("CheckStrict = %v", err)
	}

	// Base mode tolerates the same gap as long as the core set is covered.
	base := New(registry, false)
	if _, err := base.PlanRecall(relationship.StageClose, 1500, ComplexityStandard); err == nil {
		// relationship is in the base set too, so coverage reports it
		// missing, but planning itself proceeds.
		report := base.Coverage()
		if report.Satisfied {
			t.Fatal("base coverage should report the relationship gap")
		}
	} else {
		t.Fatalf("base plan: %v", err)
	}
}

func TestCoverageSatisfiedWithFullRegistry(t *testing.T) {
	p := New(fullRegistry(t), true)

	report := p.Coverage()
	if !report.Satisfied {
		t.Fatalf("missing = %v", report.Missing)
	}
	if err := p.CheckStrict(); err != nil {
		t.Fatalf("CheckStrict: %v", err)
	}
}

func TestCoverageFlagsOptionalGapsInBaseMode(t *testing.T) {
	// Core set covered, but no entity, graph or safety provider.
	registry := testRegistry(t, map[string][]ports.Capability{
		"ledger": {ports.CapEpisodic, ports.CapGovernance, ports.CapRelationship},
		"vector": {ports.CapSemantic, ports.CapAffective},
	})
	p := New(registry, false)

	report := p.Coverage()
	if !report.Satisfied || len(report.Missing) != 0 {
		t.Fatalf("base coverage not satisfied: missing = %v", report.Missing)
	}
	want := []ports.Capability{ports.CapEntity, ports.CapTemporalGraph, ports.CapSafety}
	if len(report.MissingOptional) != len(want) {
		t.Fatalf("missing_optional = %v, want %v", report.MissingOptional, want)
	}
	for i, cap := range want {
		if report.MissingOptional[i] != cap {
			t.Fatalf("missing_optional = %v, want %v", report.MissingOptional, want)
		}
	}

	// Strict mode treats the same gaps as hard misses.
	strict := New(registry, true)
	strictReport := strict.Coverage()
	if strictReport.Satisfied || len(strictReport.MissingOptional) != 0 {
		t.Fatalf("strict report = %+v", strictReport)
	}
}

func TestPlanSkipsUnregisteredPorts(t *testing.T) {
	// Vector only: episodic and graph routes have no usable port.
	registry := testRegistry(t, map[string][]ports.Capability{
		"vector": {ports.CapSemantic, ports.CapAffective},
	})
	p := New(registry, false)

	plan, err := p.PlanRecall(relationship.StageClose, 3000, ComplexityStandard)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	for _, r := range plan.Routes {
		if r.PortName != "vector" && r.PortName != "" {
			t.Fatalf("route %s targets unregistered port %s", r.Name, r.PortName)
		}
	}
}
