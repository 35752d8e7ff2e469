package fabric

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/memfabric/memfabric/pkg/atom"
	"github.com/memfabric/memfabric/pkg/atom/memstore"
	"github.com/memfabric/memfabric/pkg/audit"
	"github.com/memfabric/memfabric/pkg/consolidator"
	"github.com/memfabric/memfabric/pkg/decay"
	"github.com/memfabric/memfabric/pkg/deletion"
	"github.com/memfabric/memfabric/pkg/embedding"
	"github.com/memfabric/memfabric/pkg/logger"
	"github.com/memfabric/memfabric/pkg/memguard"
	"github.com/memfabric/memfabric/pkg/metrics"
	"github.com/memfabric/memfabric/pkg/planner"
	"github.com/memfabric/memfabric/pkg/ports"
	"github.com/memfabric/memfabric/pkg/ports/graphport"
	"github.com/memfabric/memfabric/pkg/ports/ledgerport"
	"github.com/memfabric/memfabric/pkg/ports/vectorport"
	"github.com/memfabric/memfabric/pkg/relationship"
)

func testService(t *testing.T, strict bool) *Service {
	t.Helper()

	log := logger.New(&logger.Config{Level: logger.ErrorLevel, Format: "text", Output: "stderr"})
	store := memstore.New()
	relStore := relationship.NewMemStore()
	registry := ports.NewRegistry(log)

	vport, err := vectorport.New(&vectorport.Config{}, embedding.NewHashEmbedder(64))
	if err != nil {
		t.Fatalf("vector port: %v", err)
	}
	registry.Register(ledgerport.New(store))
	registry.Register(vport)
	registry.Register(graphport.New())

	relEngine := relationship.NewEngine(relStore, log)
	decayProc := decay.NewProcessor(decay.DefaultConfig(), store, nil, log)
	cons := consolidator.New(store, log,
		consolidator.Task{Name: "decay", Run: func(ctx context.Context, dryRun bool) (map[string]int, error) {
			res, err := decayProc.ProcessAll(ctx, !dryRun)
			if err != nil {
				return nil, err
			}
			return map[string]int{"processed": res.Processed}, nil
		}},
	)

	return New(Deps{
		Store:        store,
		Guard:        memguard.New(memguard.DefaultQuarantine),
		Registry:     registry,
		Planner:      planner.New(registry, strict),
		Relationship: relEngine,
		Decay:        decayProc,
		Consolidator: cons,
		Deletion:     deletion.NewService(store, relStore, registry, log),
		Audit:        audit.NewRecorder(store, log),
		Metrics:      metrics.New(false),
		Logger:       log,
	})
}

func ingestReq(key, user, content string) *IngestRequest {
	return &IngestRequest{
		IdempotencyKey: key,
		UserID:         user,
		ContentRaw:     content,
		Salience:       0.8,
		Confidence:     0.9,
		TrustScore:     0.9,
	}
}

func TestIngestHappyPath(t *testing.T) {
	s := testService(t, false)
	ctx := context.Background()

	res, err := s.Ingest(ctx, ingestReq("turn_abc_1", "u1", "I just got the job offer!"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !res.Created {
		t.Fatal("first ingest must create")
	}
	if res.State == atom.StateQuarantined {
		t.Fatalf("benign content quarantined: %+v", res.MemGuard)
	}
	if res.State != atom.StateConsolidated && res.State != atom.StateActive {
		t.Fatalf("state = %s", res.State)
	}
	if res.MemGuard.Action != memguard.ActionAllow {
		t.Fatalf("guard action = %s", res.MemGuard.Action)
	}
	if res.Refs["vector"] == "" {
		t.Fatal("vector materialization ref missing")
	}
}

func TestIngestIdempotency(t *testing.T) {
	s := testService(t, false)
	ctx := context.Background()

	first, err := s.Ingest(ctx, ingestReq("turn_dup_1", "u1", "alice loves coffee"))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := s.Ingest(ctx, ingestReq("turn_dup_1", "u1", "totally different"))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Created {
		t.Fatal("duplicate key must not create")
	}
	if second.MemoryID != first.MemoryID {
		t.Fatal("duplicate must resolve to the first writer's atom")
	}
}

func TestIngestValidation(t *testing.T) {
	s := testService(t, false)
	ctx := context.Background()

	cases := []*IngestRequest{
		ingestReq("short", "u1", "content"),                       // key too short
		ingestReq("long-enough-key", "bad user!", "content"),      // unsafe user id
		ingestReq("long-enough-key", "u1", ""),                    // empty content
		ingestReq("long-enough-key", "u1", strings.Repeat("x", MaxContentLen+1)),
	}
	for i, req := range cases {
		if _, err := s.Ingest(ctx, req); !errors.Is(err, ErrValidation) {
			t.Errorf("case %d: err = %v, want validation error", i, err)
		}
	}
}

func TestQuarantineWritesShadowAndSkipsMaterialization(t *testing.T) {
	s := testService(t, false)
	ctx := context.Background()

	req := ingestReq("turn_risky_1", "u1", "here is my social security number story")
	req.TrustScore = 0.1
	res, err := s.Ingest(ctx, req)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.State != atom.StateQuarantined {
		t.Fatalf("state = %s, want quarantined (risk %.2f)", res.State, res.MemGuard.RiskScore)
	}
	if res.ShadowID == "" {
		t.Fatal("quarantined atom needs a shadow entry")
	}
	if len(res.Refs) != 0 {
		t.Fatal("quarantined atoms must never materialize externally")
	}

	// The quarantined content stays out of recall.
	recall, err := s.Recall(ctx, &RecallRequest{UserID: "u1", Query: "social security number story", IncludeUncertainty: true})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	for section, hits := range recall.ContextPack {
		for _, h := range hits {
			if h.ID == res.MemoryID {
				t.Fatalf("quarantined memory leaked into section %s", section)
			}
		}
	}
}

func TestComplianceBlockedNeverStored(t *testing.T) {
	s := testService(t, false)
	ctx := context.Background()

	_, err := s.Ingest(ctx, ingestReq("turn_ssn_01", "u1", "my ssn is 123-45-6789"))
	var cbe *memguard.ComplianceBlockedError
	if !errors.As(err, &cbe) {
		t.Fatalf("err = %v, want ComplianceBlockedError", err)
	}
}

func TestRecallReturnsIngestedContentWithCitations(t *testing.T) {
	s := testService(t, false)
	ctx := context.Background()

	res, err := s.Ingest(ctx, ingestReq("turn_abc_2", "u1", "I just got the job offer!"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	recall, err := s.Recall(ctx, &RecallRequest{
		UserID:           "u1",
		Query:            "job offer",
		IncludeCitations: true,
	})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}

	found := false
	for _, section := range []string{vectorSection(), ledgerSection()} {
		for _, h := range recall.ContextPack[section] {
			if h.ID == res.MemoryID || strings.Contains(h.Content, "job offer") {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("ingested content not recalled: %+v", recall.ContextPack)
	}
	if len(recall.Citations) == 0 {
		t.Fatal("citations missing for owning backend")
	}
}

func vectorSection() string { return "evermemos_memories" }
func ledgerSection() string { return "event_sourced_memories" }

func TestUncertaintyNearOneWhenEmpty(t *testing.T) {
	s := testService(t, false)
	ctx := context.Background()

	recall, err := s.Recall(ctx, &RecallRequest{
		UserID:             "nobody",
		Query:              "anything at all",
		IncludeUncertainty: true,
	})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if recall.Uncertainty == nil || recall.Uncertainty.Score != 1.0 {
		t.Fatalf("uncertainty = %+v, want 1.0 for empty recall", recall.Uncertainty)
	}
}

func TestStrictCoverageGate(t *testing.T) {
	s := testService(t, true) // no entity port registered: relationship capability uncovered

	_, err := s.Recall(context.Background(), &RecallRequest{UserID: "u1", Query: "anything"})
	if !errors.Is(err, planner.ErrStrictCoverageUnmet) {
		t.Fatalf("err = %v, want ErrStrictCoverageUnmet", err)
	}

	if _, err := s.Consolidate(context.Background(), &ConsolidateRequest{}); !errors.Is(err, planner.ErrStrictCoverageUnmet) {
		t.Fatalf("consolidate err = %v, want strict gate", err)
	}
}

func TestGDPRRoundTrip(t *testing.T) {
	s := testService(t, false)
	ctx := context.Background()

	if _, err := s.Ingest(ctx, ingestReq("turn_gdpr_1", "u1", "alice lives somewhere specific")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	report, err := s.DeleteUser(ctx, atom.DefaultTenant, "u1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !report.Success {
		t.Fatalf("deletion report = %+v", report.Backends)
	}
	if report.Proof == "" || !deletion.Verify(report) {
		t.Fatal("deletion proof missing or invalid")
	}

	recall, err := s.Recall(ctx, &RecallRequest{UserID: "u1", Query: "alice lives somewhere specific", IncludeUncertainty: true})
	if err != nil {
		t.Fatalf("recall after delete: %v", err)
	}
	for section, hits := range recall.ContextPack {
		if len(hits) > 0 {
			t.Fatalf("section %s still has %d hits after deletion", section, len(hits))
		}
	}
}

func TestReflectUpsert(t *testing.T) {
	s := testService(t, false)
	ctx := context.Background()

	rule, err := s.Reflect(ctx, &ReflectRequest{UserID: "u1", Rule: "always answer briefly", Priority: 5, Active: true})
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}
	again, err := s.Reflect(ctx, &ReflectRequest{UserID: "u1", Rule: "always answer briefly", Priority: 9, Active: true})
	if err != nil {
		t.Fatalf("reflect again: %v", err)
	}
	if again.RuleID != rule.RuleID {
		t.Fatal("same rule text must upsert, not duplicate")
	}

	rules, err := s.Rules(ctx, atom.DefaultTenant, "u1")
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	if len(rules) != 1 || rules[0].Priority != 9 {
		t.Fatalf("rules = %+v", rules)
	}
}

func TestTraceChainCoversLifecycle(t *testing.T) {
	s := testService(t, false)
	ctx := context.Background()

	res, err := s.Ingest(ctx, ingestReq("turn_trace_1", "u1", "a memory with history"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	view, err := s.Trace(ctx, res.MemoryID, "u1", false)
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if view.Atom == nil || view.Atom.UserID != "u1" {
		t.Fatalf("trace atom = %+v", view.Atom)
	}
	if len(view.Events) < 2 { // ingested + materialized
		t.Fatalf("trace chain has %d events, want at least 2", len(view.Events))
	}
}

func TestTraceDeniedForNonOwner(t *testing.T) {
	s := testService(t, false)
	ctx := context.Background()

	res, err := s.Ingest(ctx, ingestReq("turn_trace_2", "victim", "a private memory"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if _, err := s.Trace(ctx, res.MemoryID, "", false); !errors.Is(err, ErrForbidden) {
		t.Fatalf("anonymous trace err = %v, want ErrForbidden", err)
	}
	if _, err := s.Trace(ctx, res.MemoryID, "snoop", false); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger trace err = %v, want ErrForbidden", err)
	}
	if _, err := s.Trace(ctx, res.MemoryID, "snoop", true); err != nil {
		t.Fatalf("admin trace: %v", err)
	}
	if _, err := s.Trace(ctx, "deletion:victim", "snoop", false); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger deletion trace err = %v, want ErrForbidden", err)
	}
	if _, err := s.Trace(ctx, "deletion:victim", "victim", false); err != nil {
		t.Fatalf("owner deletion trace: %v", err)
	}
}

func TestConsolidateSingleUserDryRun(t *testing.T) {
	s := testService(t, false)
	ctx := context.Background()

	if _, err := s.Ingest(ctx, ingestReq("turn_cons_01", "u1", "something to maintain")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	res, err := s.Consolidate(ctx, &ConsolidateRequest{UserID: "u1", DryRun: true})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if res.TaskStatus["decay"] != "ok" {
		t.Fatalf("decay status = %s", res.TaskStatus["decay"])
	}
	if _, ran := res.TaskStatus["cooling"]; ran {
		t.Fatal("dry run must not execute cooling")
	}
}

func TestBenchmark(t *testing.T) {
	s := testService(t, false)
	ctx := context.Background()

	if _, err := s.Ingest(ctx, ingestReq("turn_bench_1", "u1", "benchmark fodder content")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	res, err := s.Benchmark(ctx, &BenchmarkRequest{UserID: "u1", Query: "benchmark fodder", Samples: 5, SLOMS: 3000})
	if err != nil {
		t.Fatalf("benchmark: %v", err)
	}
	if res.Samples != 5 || res.P95MS > res.MaxMS {
		t.Fatalf("benchmark result = %+v", res)
	}
	if !res.Proxy {
		t.Fatal("in-process benchmark must be labeled proxy")
	}
}

func TestBenchmarkExternalRunner(t *testing.T) {
	s := testService(t, false)
	s.benchRunner = []string{"/bin/sh", "-c",
		`cat >/dev/null; echo '{"samples":3,"p50_ms":4,"p95_ms":9,"max_ms":12,"slo_ms":100}'`}

	res, err := s.Benchmark(context.Background(), &BenchmarkRequest{UserID: "u1", Query: "q", Samples: 3, SLOMS: 100})
	if err != nil {
		t.Fatalf("benchmark: %v", err)
	}
	if res.Proxy {
		t.Fatal("external harness result must not be labeled proxy")
	}
	if res.P95MS != 9 || res.SLOMS != 100 || !res.Pass {
		t.Fatalf("benchmark result = %+v", res)
	}
}

func TestBenchmarkExternalRunnerBadOutput(t *testing.T) {
	s := testService(t, false)
	s.benchRunner = []string{"/bin/sh", "-c", `cat >/dev/null; echo not-json`}

	if _, err := s.Benchmark(context.Background(), &BenchmarkRequest{UserID: "u1", Query: "q"}); err == nil {
		t.Fatal("want error for undecodable runner output")
	}
}
