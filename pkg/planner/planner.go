// Package planner maps a recall request's relationship stage, latency budget
// and query complexity to a concrete set of backend routes, and reports
// capability coverage gaps.
package planner

import (
	"errors"
	"fmt"

	"github.com/memfabric/memfabric/pkg/ports"
	"github.com/memfabric/memfabric/pkg/relationship"
)

// ErrStrictCoverageUnmet aborts recall/consolidate when strict mode finds a
// required capability with zero healthy providers.
var ErrStrictCoverageUnmet = errors.New("strict coverage unmet")

// Complexity buckets a query for route ordering.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityStandard Complexity = "standard"
	ComplexityComplex  Complexity = "complex"
)

// Route is one planned backend call.
type Route struct {
	Name       string           `json:"name"`
	PortName   string           `json:"port"`
	Capability ports.Capability `json:"capability"`
	CostMS     int              `json:"cost_ms"`
	Baseline   bool             `json:"baseline"`
}

// fixedCoreCostMS is the latency reserved for the always-on baseline
// (primary vector search, user-profile lookup, relationship lookup).
const fixedCoreCostMS = 150

// Baseline routes run unconditionally for every stage.
var baselineRoutes = []Route{
	{Name: "primary_vector", PortName: "vector", Capability: ports.CapSemantic, CostMS: 80, Baseline: true},
	{Name: "user_profile", PortName: "entity", Capability: ports.CapEntity, CostMS: 40, Baseline: true},
	{Name: "relationship_lookup", PortName: "", Capability: ports.CapRelationship, CostMS: 30, Baseline: true},
}

// Optional routes drawn against the remaining budget for staged users.
var (
	routeAffective = Route{Name: "affective_scan", PortName: "vector", Capability: ports.CapAffective, CostMS: 80}
	routeEpisodic  = Route{Name: "episodic_ledger", PortName: "ledger", Capability: ports.CapEpisodic, CostMS: 100}
	routeGraph     = Route{Name: "temporal_graph", PortName: "graph", Capability: ports.CapTemporalGraph, CostMS: 250}
)

// orderings pick which optional routes are tried first per complexity:
// simple favors the cheapest, complex favors the most contextual.
var orderings = map[Complexity][]Route{
	ComplexitySimple:   {routeAffective, routeEpisodic, routeGraph},
	ComplexityStandard: {routeEpisodic, routeGraph, routeAffective},
	ComplexityComplex:  {routeGraph, routeEpisodic, routeAffective},
}

// RecallRoutePlan is the computed plan for one recall request.
type RecallRoutePlan struct {
	Stage       relationship.Stage `json:"stage"`
	Complexity  Complexity         `json:"complexity"`
	Routes      []Route            `json:"routes"`
	BudgetMS    int                `json:"budget_ms"`
	RemainingMS int                `json:"remaining_ms"`
}

// PortNames returns the distinct backends the plan touches.
func (p *RecallRoutePlan) PortNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, r := range p.Routes {
		if r.PortName == "" || seen[r.PortName] {
			continue
		}
		seen[r.PortName] = true
		names = append(names, r.PortName)
	}
	return names
}

// CoverageReport maps each capability to its currently healthy providers.
// Missing holds uncovered required capabilities and breaks satisfaction;
// MissingOptional holds uncovered capabilities outside the required set.
type CoverageReport struct {
	Providers       map[ports.Capability][]string `json:"providers"`
	Missing         []ports.Capability            `json:"missing,omitempty"`
	MissingOptional []ports.Capability            `json:"missing_optional,omitempty"`
	Strict          bool                          `json:"strict"`
	Satisfied       bool                          `json:"satisfied"`
}

// baseRequired is the capability set a non-strict deployment must cover.
var baseRequired = []ports.Capability{
	ports.CapEpisodic, ports.CapSemantic, ports.CapRelationship,
	ports.CapAffective, ports.CapGovernance,
}

// Planner computes route plans against live registry health.
type Planner struct {
	registry *ports.Registry
	strict   bool
}

// New creates a planner. Strict mode turns coverage gaps into hard errors.
func New(registry *ports.Registry, strict bool) *Planner {
	return &Planner{registry: registry, strict: strict}
}

// Strict reports whether the planner gates on full coverage.
func (p *Planner) Strict() bool { return p.strict }

// PlanRecall computes the route plan. Stranger-stage users get only the
// baseline: no deep personalization for unestablished relationships.
func (p *Planner) PlanRecall(stage relationship.Stage, budgetMS int, complexity Complexity) (*RecallRoutePlan, error) {
	if p.strict {
		report := p.Coverage()
		if !report.Satisfied {
			return nil, fmt.Errorf("%w: missing %v", ErrStrictCoverageUnmet, report.Missing)
		}
	}

	if _, ok := orderings[complexity]; !ok {
		complexity = ComplexityStandard
	}

	plan := &RecallRoutePlan{
		Stage:      stage,
		Complexity: complexity,
		BudgetMS:   budgetMS,
	}
	for _, r := range baselineRoutes {
		if r.PortName == "" || p.portUsable(r.PortName) {
			plan.Routes = append(plan.Routes, r)
		}
	}

	if stage == relationship.StageStranger {
		plan.RemainingMS = budgetMS - fixedCoreCostMS
		return plan, nil
	}

	remaining := budgetMS - fixedCoreCostMS
	for _, r := range orderings[complexity] {
		if r.CostMS > remaining {
			continue
		}
		if !p.portUsable(r.PortName) {
			continue
		}
		plan.Routes = append(plan.Routes, r)
		remaining -= r.CostMS
	}
	plan.RemainingMS = remaining
	return plan, nil
}

// Coverage computes per-capability provider health. Strict mode requires
// every declared capability; base mode requires the core set only.
func (p *Planner) Coverage() *CoverageReport {
	report := &CoverageReport{
		Providers: make(map[ports.Capability][]string),
		Strict:    p.strict,
		Satisfied: true,
	}

	for _, cap := range ports.AllCapabilities {
		report.Providers[cap] = p.registry.ProvidersFor(cap)
	}

	required := make(map[ports.Capability]bool, len(baseRequired))
	for _, cap := range baseRequired {
		required[cap] = true
	}

	for _, cap := range ports.AllCapabilities {
		if len(report.Providers[cap]) > 0 {
			continue
		}
		if p.strict || required[cap] {
			report.Missing = append(report.Missing, cap)
			report.Satisfied = false
		} else {
			report.MissingOptional = append(report.MissingOptional, cap)
		}
	}
	return report
}

// CheckStrict returns ErrStrictCoverageUnmet when strict mode is on and
// coverage is incomplete. Consolidate shares this gate with recall.
func (p *Planner) CheckStrict() error {
	if !p.strict {
		return nil
	}
	if report := p.Coverage(); !report.Satisfied {
		return fmt.Errorf("%w: missing %v", ErrStrictCoverageUnmet, report.Missing)
	}
	return nil
}

func (p *Planner) portUsable(name string) bool {
	for _, active := range p.registry.ActivePorts() {
		if active.Name() == name {
			return true
		}
	}
	return false
}
