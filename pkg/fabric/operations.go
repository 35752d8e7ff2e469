package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/memfabric/memfabric/pkg/atom"
	"github.com/memfabric/memfabric/pkg/audit"
	"github.com/memfabric/memfabric/pkg/deletion"
	"github.com/memfabric/memfabric/pkg/memguard"
)

// Consolidate runs maintenance. With a user id it is a synchronous decay and
// cooling pass for that user; without one it runs the full nightly cycle.
// Strict coverage gates consolidation the same way it gates recall.
func (s *Service) Consolidate(ctx context.Context, req *ConsolidateRequest) (*ConsolidateResult, error) {
	if err := s.planner.CheckStrict(); err != nil {
		return nil, err
	}
	if req.TenantID == "" {
		req.TenantID = atom.DefaultTenant
	}

	if req.UserID != "" {
		if !atom.ValidUserID(req.UserID) {
			return nil, invalid("user_id", "must match the safe identifier pattern")
		}
		return s.consolidateUser(ctx, req)
	}

	run := s.consolidator.Run(ctx, req.DryRun)
	result := &ConsolidateResult{
		RunID:        run.RunID,
		DryRun:       run.DryRun,
		TaskStatus:   make(map[string]string, len(run.Tasks)),
		TaskCounters: make(map[string]map[string]int, len(run.Tasks)),
	}
	for _, tr := range run.Tasks {
		result.TaskStatus[tr.Name] = string(tr.Status)
		if len(tr.Counters) > 0 {
			result.TaskCounters[tr.Name] = tr.Counters
		}
		s.metrics.RecordConsolidatorTask(tr.Name, string(tr.Status))
	}
	return result, nil
}

func (s *Service) consolidateUser(ctx context.Context, req *ConsolidateRequest) (*ConsolidateResult, error) {
	result := &ConsolidateResult{
		DryRun:       req.DryRun,
		TaskCounters: make(map[string]map[string]int),
		TaskStatus:   make(map[string]string),
	}

	decayRes, err := s.decay.ProcessUser(ctx, req.TenantID, req.UserID, !req.DryRun)
	if err != nil {
		result.TaskStatus["decay"] = "error"
	} else {
		result.TaskStatus["decay"] = "ok"
		result.TaskCounters["decay"] = map[string]int{
			"processed":  decayRes.Processed,
			"decayed":    decayRes.Decayed,
			"flashbulbs": decayRes.Flashbulbs,
		}
		s.metrics.RecordDecay(decayRes.Processed, decayRes.Decayed)
	}

	if !req.DryRun {
		cooled, cerr := s.relationship.CoolUser(ctx, req.TenantID, req.UserID)
		if cerr != nil {
			result.TaskStatus["cooling"] = "error"
		} else {
			result.TaskStatus["cooling"] = "ok"
			n := 0
			if cooled {
				n = 1
				s.metrics.RecordCooling(1)
			}
			result.TaskCounters["cooling"] = map[string]int{"cooled": n}
		}
	}
	return result, nil
}

// Reflect upserts a durable behavior rule for the user. The rule id derives
// from the rule text, so re-submitting the same rule updates in place.
func (s *Service) Reflect(ctx context.Context, req *ReflectRequest) (*atom.BehaviorRule, error) {
	if !atom.ValidUserID(req.UserID) {
		return nil, invalid("user_id", "must match the safe identifier pattern")
	}
	if req.Rule == "" {
		return nil, invalid("rule", "must not be empty")
	}
	if req.TenantID == "" {
		req.TenantID = atom.DefaultTenant
	}

	rule := &atom.BehaviorRule{
		RuleID:    memguard.Fingerprint(req.Rule)[:16],
		TenantID:  req.TenantID,
		UserID:    req.UserID,
		Rule:      req.Rule,
		Priority:  req.Priority,
		Active:    req.Active,
		UpdatedAt: s.now(),
	}
	if err := s.store.SaveRule(ctx, rule); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "rule:"+rule.RuleID, audit.ActionRuleUpserted, "fabric", map[string]string{
		"priority": strconv.Itoa(req.Priority),
	})
	return rule, nil
}

// Rules lists the user's behavior rules, highest priority first.
func (s *Service) Rules(ctx context.Context, tenantID, userID string) ([]*atom.BehaviorRule, error) {
	if !atom.ValidUserID(userID) {
		return nil, invalid("user_id", "must match the safe identifier pattern")
	}
	if tenantID == "" {
		tenantID = atom.DefaultTenant
	}
	rules, err := s.store.ListRules(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	return rules, nil
}

// DeleteUser triggers the GDPR deletion service.
func (s *Service) DeleteUser(ctx context.Context, tenantID, userID string) (*deletion.Report, error) {
	report, err := s.deletion.DeleteUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordDeletion(report.Success)
	return report, nil
}

// Trace returns the atom (when the subject is a memory id) and its
// append-only audit chain. Only the owning user or an admin may read it;
// subjects without a resolvable owner are admin-only.
func (s *Service) Trace(ctx context.Context, subject, requesterID string, admin bool) (*TraceView, error) {
	if subject == "" {
		return nil, invalid("subject", "must not be empty")
	}

	view := &TraceView{Subject: subject}

	owner := ""
	a, err := s.store.GetAtom(ctx, subject)
	switch {
	case err == nil:
		view.Atom = a
		owner = a.UserID
	case errors.Is(err, atom.ErrNotFound):
		if rest, ok := strings.CutPrefix(subject, "deletion:"); ok {
			owner = rest
		}
	default:
		return nil, err
	}

	if !admin && (owner == "" || requesterID != owner) {
		return nil, fmt.Errorf("%w: trace %s", ErrForbidden, subject)
	}

	events, err := s.audit.Chain(ctx, subject)
	if err != nil {
		return nil, err
	}
	view.Events = events
	return view, nil
}

// Benchmark measures recall latency against the configured SLO. With an
// external runner configured it delegates to that harness; otherwise it runs
// repeated in-process recalls and reports a proxy estimate.
func (s *Service) Benchmark(ctx context.Context, req *BenchmarkRequest) (*BenchmarkResult, error) {
	if req.Samples <= 0 {
		req.Samples = 10
	}
	if req.Samples > 100 {
		req.Samples = 100
	}
	if req.SLOMS <= 0 {
		req.SLOMS = 500
	}
	if req.Query == "" {
		req.Query = "benchmark query"
	}

	if len(s.benchRunner) > 0 {
		return s.runBenchmarkHarness(ctx, req)
	}

	latencies := make([]int64, 0, req.Samples)
	for i := 0; i < req.Samples; i++ {
		start := time.Now()
		_, err := s.Recall(ctx, &RecallRequest{
			TenantID: req.TenantID,
			UserID:   req.UserID,
			Query:    req.Query,
		})
		if err != nil {
			return nil, err
		}
		latencies = append(latencies, time.Since(start).Milliseconds())
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	result := &BenchmarkResult{
		Samples: req.Samples,
		P50MS:   latencies[len(latencies)/2],
		P95MS:   latencies[(len(latencies)*95)/100],
		MaxMS:   latencies[len(latencies)-1],
		SLOMS:   req.SLOMS,
		Proxy:   true,
	}
	result.Pass = result.P95MS <= int64(req.SLOMS)
	return result, nil
}

// runBenchmarkHarness executes the configured argv and decodes the JSON
// result it prints on stdout. The request is handed over on stdin so the
// harness can honor samples, query and SLO.
func (s *Service) runBenchmarkHarness(ctx context.Context, req *BenchmarkRequest) (*BenchmarkResult, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, s.benchRunner[0], s.benchRunner[1:]...)
	cmd.Stdin = strings.NewReader(string(input))
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("benchmark runner %q: %w", s.benchRunner[0], err)
	}

	result := &BenchmarkResult{}
	if err := json.Unmarshal(out, result); err != nil {
		return nil, fmt.Errorf("benchmark runner output: %w", err)
	}
	if result.SLOMS == 0 {
		result.SLOMS = req.SLOMS
	}
	if result.Samples == 0 {
		result.Samples = req.Samples
	}
	result.Proxy = false
	result.Pass = result.P95MS <= int64(result.SLOMS)
	return result, nil
}

// Health reports per-port health plus breaker state.
func (s *Service) Health(ctx context.Context) map[string]interface{} {
	snapshot := s.registry.HealthSnapshot(ctx)
	out := make(map[string]interface{}, len(snapshot)+1)
	for name, h := range snapshot {
		out[name] = h
		s.metrics.SetBreakerOpen(name, h.Breaker == "open")
	}
	return out
}
