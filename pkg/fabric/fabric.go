// Package fabric is the control-plane facade: the single entry point that
// composes the guard, evolution engine, port registry, planner, relationship
// engine, decay processor, consolidator and deletion service.
package fabric

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/memfabric/memfabric/pkg/atom"
	"github.com/memfabric/memfabric/pkg/audit"
	"github.com/memfabric/memfabric/pkg/consolidator"
	"github.com/memfabric/memfabric/pkg/decay"
	"github.com/memfabric/memfabric/pkg/deletion"
	"github.com/memfabric/memfabric/pkg/evolution"
	"github.com/memfabric/memfabric/pkg/logger"
	"github.com/memfabric/memfabric/pkg/memguard"
	"github.com/memfabric/memfabric/pkg/metrics"
	"github.com/memfabric/memfabric/pkg/planner"
	"github.com/memfabric/memfabric/pkg/ports"
	"github.com/memfabric/memfabric/pkg/relationship"
)

// evolutionWindow bounds the recent-atom window the evolution engine links
// against.
const (
	evolutionWindow      = 30 * 24 * time.Hour
	evolutionWindowLimit = 100
	ingestSignalWeight   = 1.0
)

// Service is the assembled fabric.
type Service struct {
	store        atom.Store
	guard        *memguard.Guard
	registry     *ports.Registry
	planner      *planner.Planner
	relationship *relationship.Engine
	decay        *decay.Processor
	consolidator *consolidator.Consolidator
	deletion     *deletion.Service
	audit        *audit.Recorder
	metrics      *metrics.Manager
	log          logger.Logger
	retention    int
	benchRunner  []string
	now          func() time.Time
}

// Deps carries everything the fabric composes.
type Deps struct {
	Store        atom.Store
	Guard        *memguard.Guard
	Registry     *ports.Registry
	Planner      *planner.Planner
	Relationship *relationship.Engine
	Decay        *decay.Processor
	Consolidator *consolidator.Consolidator
	Deletion     *deletion.Service
	Audit        *audit.Recorder
	Metrics      *metrics.Manager
	Logger       logger.Logger

	// DefaultRetentionDays applies when an ingest request omits
	// retention_days. Zero keeps atoms forever.
	DefaultRetentionDays int

	// BenchmarkRunner, when set, is the argv of an external harness that
	// prints a benchmark result as JSON on stdout. Empty means the
	// in-process latency estimate is used instead.
	BenchmarkRunner []string
}

// New assembles the service.
func New(deps Deps) *Service {
	return &Service{
		store:        deps.Store,
		guard:        deps.Guard,
		registry:     deps.Registry,
		planner:      deps.Planner,
		relationship: deps.Relationship,
		decay:        deps.Decay,
		consolidator: deps.Consolidator,
		deletion:     deps.Deletion,
		audit:        deps.Audit,
		metrics:      deps.Metrics,
		log:          deps.Logger,
		retention:    deps.DefaultRetentionDays,
		benchRunner:  deps.BenchmarkRunner,
		now:          time.Now,
	}
}

// Ingest runs the full write pipeline: validate, guard, evolve, append,
// signal, materialize. Duplicate idempotency keys return the first writer's
// atom with created=false and no side effects.
func (s *Service) Ingest(ctx context.Context, req *IngestRequest) (*IngestResult, error) {
	if err := validateIngest(req); err != nil {
		return nil, err
	}
	if req.TenantID == "" {
		req.TenantID = atom.DefaultTenant
	}

	verdict, err := s.guard.Evaluate(req.ContentRaw, req.TrustScore)
	if err != nil {
		// Never-store content is refused before anything touches a disk.
		s.metrics.RecordIngest("blocked", 1.0)
		return nil, err
	}

	a := s.buildAtom(req)
	if verdict.Action == memguard.ActionQuarantine {
		a.State = atom.StateQuarantined
	}

	var evoResult *evolution.Result
	if a.State != atom.StateQuarantined {
		recent, rerr := s.store.RecentAtoms(ctx, a.TenantID, a.UserID, evolutionWindow, evolutionWindowLimit)
		if rerr != nil {
			s.log.WarnContext(ctx, "evolution window unavailable", "error", rerr)
		} else {
			evoResult = evolution.Evolve(a, recent)
			if evoResult.Linked {
				s.metrics.RecordEvolution(evoResult.Relation)
			}
		}
	}

	stored, created, err := s.store.AppendAtom(ctx, a)
	if err != nil {
		return nil, err
	}
	if !created {
		s.metrics.RecordIngest("duplicate", verdict.RiskScore)
		s.audit.Record(ctx, stored.MemoryID, audit.ActionDuplicate, "fabric", map[string]string{
			"idempotency_key": req.IdempotencyKey,
		})
		return &IngestResult{
			MemoryID: stored.MemoryID,
			State:    stored.State,
			Created:  false,
			MemGuard: verdict,
		}, nil
	}

	result := &IngestResult{
		MemoryID:  stored.MemoryID,
		State:     stored.State,
		Created:   true,
		MemGuard:  verdict,
		Evolution: evoResult,
	}

	if stored.State == atom.StateQuarantined {
		shadowID, serr := s.writeShadow(ctx, stored, verdict)
		if serr != nil {
			s.log.ErrorContext(ctx, "shadow write failed", "error", serr)
		}
		result.ShadowID = shadowID
		s.metrics.RecordIngest("quarantined", verdict.RiskScore)
		s.audit.Record(ctx, stored.MemoryID, audit.ActionQuarantined, "memguard", map[string]string{
			"risk_score": formatFloat(verdict.RiskScore),
			"reasons":    strings.Join(verdict.Reasons, ","),
		})
		return result, nil
	}

	s.audit.Record(ctx, stored.MemoryID, audit.ActionIngested, "fabric", map[string]string{
		"action":     string(verdict.Action),
		"risk_score": formatFloat(verdict.RiskScore),
	})
	s.metrics.RecordIngest("created", verdict.RiskScore)

	if _, rerr := s.relationship.RecordSignal(ctx, stored.TenantID, stored.UserID, ingestSignalWeight, "ingest"); rerr != nil {
		s.log.WarnContext(ctx, "relationship signal failed", "error", rerr)
	}

	result.Refs = s.materialize(ctx, stored)
	result.State = stored.State
	return result, nil
}

// materialize writes the atom into every port that accepts writes, attaching
// the returned refs. A failed backend degrades to a missing ref, never an
// ingest error.
func (s *Service) materialize(ctx context.Context, a *atom.MemoryAtom) map[string]string {
	refs := make(map[string]string)
	for _, p := range s.registry.ActivePorts() {
		callCtx, cancel := context.WithTimeout(ctx, p.Timeout())
		ref, err := p.Write(callCtx, a)
		cancel()
		if err != nil {
			if err != ports.ErrNotSupported {
				s.log.WarnContext(ctx, "materialization failed",
					"port", p.Name(),
					"error", err,
				)
			}
			continue
		}
		if ref == "" {
			continue
		}
		refs[p.Name()] = ref
		switch p.Name() {
		case "vector":
			a.VectorRef = ref
		case "graph":
			a.GraphRef = ref
		case "entity":
			a.BlockRef = ref
		}
	}

	if len(refs) > 0 {
		if a.State == atom.StateActive || a.State == atom.StateRaw {
			a.State = atom.StateConsolidated
		}
		if err := s.store.UpdateAtom(ctx, a); err != nil {
			s.log.WarnContext(ctx, "ref update failed", "error", err)
		} else {
			s.audit.Record(ctx, a.MemoryID, audit.ActionMaterialized, "fabric", refs)
		}
	}
	return refs
}

func (s *Service) writeShadow(ctx context.Context, a *atom.MemoryAtom, verdict *memguard.Verdict) (string, error) {
	entry := &atom.SafetyShadowEntry{
		ShadowID:      atom.NewMemoryID(),
		MemoryID:      a.MemoryID,
		TenantID:      a.TenantID,
		UserID:        a.UserID,
		Reasons:       verdict.Reasons,
		RiskScore:     verdict.RiskScore,
		State:         atom.ShadowPending,
		Fingerprint:   memguard.Fingerprint(a.ContentRaw),
		ContentLength: len(a.ContentRaw),
		CreatedAt:     s.now(),
	}
	if err := s.store.SaveShadow(ctx, entry); err != nil {
		return "", err
	}
	return entry.ShadowID, nil
}

func (s *Service) buildAtom(req *IngestRequest) *atom.MemoryAtom {
	now := s.now()
	eventTime := req.EventTime
	if eventTime.IsZero() {
		eventTime = now
	}
	memoryType := req.MemoryType
	if memoryType == "" {
		memoryType = atom.TypeEpisode
	}
	retention := req.RetentionDays
	if retention == 0 {
		retention = s.retention
	}

	return &atom.MemoryAtom{
		MemoryID:       atom.NewMemoryID(),
		IdempotencyKey: req.IdempotencyKey,
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		AgentID:        req.AgentID,
		SessionID:      req.SessionID,
		EventTime:      eventTime,
		IngestTime:     now,
		Source:         req.Source,
		Modality:       req.Modality,
		MemoryType:     memoryType,
		ContentRaw:     req.ContentRaw,
		ContentNorm:    normalize(req.ContentRaw),
		Entities:       req.Entities,
		Affect:         req.Affect,
		Salience:       atom.Clamp01(req.Salience),
		Confidence:     atom.Clamp01(req.Confidence),
		TrustScore:     atom.Clamp01(req.TrustScore),
		Provenance:     req.Provenance,
		RetentionDays:  retention,
		PIITags:        req.PIITags,
		State:          atom.StateActive,
	}
}

func validateIngest(req *IngestRequest) error {
	if l := len(req.IdempotencyKey); l < MinIdempotencyKeyLen || l > MaxIdempotencyKeyLen {
		return invalid("idempotency_key", "must be 8-256 characters")
	}
	if !atom.ValidUserID(req.UserID) {
		return invalid("user_id", "must match the safe identifier pattern")
	}
	if l := len(req.ContentRaw); l < 1 || l > MaxContentLen {
		return invalid("content_raw", "must be 1-8000 characters")
	}
	return nil
}

func normalize(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
