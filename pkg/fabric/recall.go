package fabric

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/memfabric/memfabric/pkg/atom"
	"github.com/memfabric/memfabric/pkg/planner"
	"github.com/memfabric/memfabric/pkg/ports"
	"github.com/memfabric/memfabric/pkg/relationship"
)

// Recall plans routes for the user's stage and budget, fans the query out and
// assembles the context pack. Backend failures shrink the pack and widen the
// uncertainty instead of erroring.
func (s *Service) Recall(ctx context.Context, req *RecallRequest) (*RecallResult, error) {
	if err := validateRecall(req); err != nil {
		return nil, err
	}
	applyRecallDefaults(req)

	start := s.now()

	stage := relationship.StageStranger
	if req.UserID != "" {
		rec, err := s.relationship.Get(ctx, req.TenantID, req.UserID)
		if err != nil {
			s.log.WarnContext(ctx, "relationship lookup failed", "error", err)
		} else {
			stage = rec.Stage
		}
	}

	plan, err := s.planner.PlanRecall(stage, req.TimeoutMS, classifyQuery(req.Query))
	if err != nil {
		return nil, err
	}

	deadline := time.Duration(req.TimeoutMS) * time.Millisecond
	searchCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	portResults := s.registry.SearchAll(searchCtx, req.Query, req.TenantID, req.UserID, req.TopK, plan.PortNames())

	result := &RecallResult{
		Stage:       stage,
		ContextPack: make(map[string][]ports.SearchResult),
	}

	totalHits := 0
	perSource := make(map[string]int)
	for name, pr := range portResults {
		s.metrics.RecordPortSearch(name, pr.Err)
		if pr.Err != nil || len(pr.Results) == 0 {
			continue
		}
		result.ContextPack[pr.Section] = append(result.ContextPack[pr.Section], pr.Results...)
		perSource[name] = len(pr.Results)
		totalHits += len(pr.Results)
	}
	for section := range result.ContextPack {
		hits := result.ContextPack[section]
		sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
		if len(hits) > req.TopK {
			result.ContextPack[section] = hits[:req.TopK]
		}
	}

	if req.IncludeCitations {
		result.Citations = perSource
	}
	if req.IncludeUncertainty {
		result.Uncertainty = uncertainty(totalHits, perSource)
	}

	elapsed := time.Since(start)
	result.ElapsedMS = elapsed.Milliseconds()
	s.metrics.RecordRecall(elapsed, len(perSource))
	return result, nil
}

// uncertainty is the concentration heuristic: 1.0 with no hits, otherwise
// the Herfindahl index of per-source shares, so a single dominating source
// stays close to 1 and diverse sources push the score down.
func uncertainty(totalHits int, perSource map[string]int) *UncertaintyReport {
	report := &UncertaintyReport{
		TotalHits: totalHits,
		Sources:   len(perSource),
	}
	if totalHits == 0 {
		report.Score = 1.0
		return report
	}
	var concentration float64
	for _, n := range perSource {
		share := float64(n) / float64(totalHits)
		concentration += share * share
	}
	report.Score = concentration
	return report
}

func validateRecall(req *RecallRequest) error {
	if l := len(req.Query); l < 1 || l > MaxQueryLen {
		return invalid("query", "must be 1-2000 characters")
	}
	if req.UserID != "" && !atom.ValidUserID(req.UserID) {
		return invalid("user_id", "must match the safe identifier pattern")
	}
	if req.TopK != 0 && (req.TopK < MinTopK || req.TopK > MaxTopK) {
		return invalid("top_k", "must be 1-12")
	}
	if req.TimeoutMS != 0 && (req.TimeoutMS < MinTimeoutMS || req.TimeoutMS > MaxTimeoutMS) {
		return invalid("timeout_ms", "must be 100-3000")
	}
	return nil
}

func applyRecallDefaults(req *RecallRequest) {
	if req.TenantID == "" {
		req.TenantID = atom.DefaultTenant
	}
	if req.TopK == 0 {
		req.TopK = DefaultTopK
	}
	if req.TimeoutMS == 0 {
		req.TimeoutMS = DefaultTimeoutMS
	}
}

// classifyQuery buckets the query by token count for route ordering.
func classifyQuery(query string) planner.Complexity {
	tokens := len(strings.Fields(query))
	switch {
	case tokens <= 4:
		return planner.ComplexitySimple
	case tokens <= 12:
		return planner.ComplexityStandard
	default:
		return planner.ComplexityComplex
	}
}
