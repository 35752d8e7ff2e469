// Package decay computes recall strength for every memory on a protection-
// adjusted exponential curve. Emotional weight, spaced repetition and graph
// connectivity slow decay; flashbulb memories never decay at all.
package decay

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/memfabric/memfabric/pkg/atom"
	"github.com/memfabric/memfabric/pkg/logger"
)

// Defaults for the decay curve.
const (
	DefaultBaseRate           = 0.05
	DefaultEmotionWeight      = 0.45
	DefaultAbsoluteFloor      = 0.001
	DefaultFlashbulbIntensity = 0.8

	spacingSpanDays      = 90.0
	spacingProtectionCap = 0.3
	connectionLinkScale  = 4.0
	connectionCap        = 0.2
	protectionCap        = 0.95
	flashbulbImportance  = 0.7

	// DecayedThreshold is the recall strength below which a memory is
	// suppressed from normal recall (marked decayed, never deleted).
	DecayedThreshold = 0.1
)

// Config tunes the decay curve.
type Config struct {
	BaseRate           float64
	EmotionWeight      float64
	AbsoluteFloor      float64
	FlashbulbIntensity float64
}

// DefaultConfig returns the standard curve.
func DefaultConfig() *Config {
	return &Config{
		BaseRate:           DefaultBaseRate,
		EmotionWeight:      DefaultEmotionWeight,
		AbsoluteFloor:      DefaultAbsoluteFloor,
		FlashbulbIntensity: DefaultFlashbulbIntensity,
	}
}

// LinkCounter reports knowledge-graph connectivity for an entity. The graph
// port implements it.
type LinkCounter interface {
	LinkCount(tenantID, userID, entity string) int
}

// Result aggregates one processing pass. All counters, no user identifiers.
type Result struct {
	Processed  int `json:"processed"`
	Decayed    int `json:"decayed"`
	Flashbulbs int `json:"flashbulbs"`
	Updated    int `json:"updated"`
	Errors     int `json:"errors"`
}

// Processor runs decay passes over the atom store.
type Processor struct {
	cfg   *Config
	store atom.Store
	links LinkCounter
	log   logger.Logger
	now   func() time.Time
}

// NewProcessor creates a processor. links may be nil when no graph backend
// is wired; connection protection is then zero.
func NewProcessor(cfg *Config, store atom.Store, links LinkCounter, log logger.Logger) *Processor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Processor{cfg: cfg, store: store, links: links, log: log, now: time.Now}
}

// userIndices are the per-user auxiliary lookups built once per batch so the
// per-memory loop never touches the store or graph again.
type userIndices struct {
	// mentionSpanDays maps entity -> days between its first and last mention.
	mentionSpanDays map[string]float64
	// linkCounts maps entity -> graph edge count.
	linkCounts map[string]int
}

func (p *Processor) buildIndices(tenantID, userID string, atoms []*atom.MemoryAtom) *userIndices {
	idx := &userIndices{
		mentionSpanDays: make(map[string]float64),
		linkCounts:      make(map[string]int),
	}

	firstSeen := make(map[string]time.Time)
	lastSeen := make(map[string]time.Time)
	for _, a := range atoms {
		when := a.EventTime
		if when.IsZero() {
			when = a.IngestTime
		}
		for _, raw := range a.Entities {
			entity := strings.ToLower(strings.TrimSpace(raw))
			if entity == "" {
				continue
			}
			if first, ok := firstSeen[entity]; !ok || when.Before(first) {
				firstSeen[entity] = when
			}
			if last, ok := lastSeen[entity]; !ok || when.After(last) {
				lastSeen[entity] = when
			}
			if _, ok := idx.linkCounts[entity]; !ok && p.links != nil {
				idx.linkCounts[entity] = p.links.LinkCount(tenantID, userID, entity)
			}
		}
	}
	for entity, first := range firstSeen {
		idx.mentionSpanDays[entity] = lastSeen[entity].Sub(first).Hours() / 24
	}
	return idx
}

// ProcessUser runs one decay pass over a user's memories. With persist false
// the pass computes everything but writes nothing (dry run).
func (p *Processor) ProcessUser(ctx context.Context, tenantID, userID string, persist bool) (*Result, error) {
	atoms, err := p.store.ListByUser(ctx, tenantID, userID, 0)
	if err != nil {
		return nil, err
	}

	idx := p.buildIndices(tenantID, userID, atoms)
	res := &Result{}
	now := p.now()

	for _, a := range atoms {
		if a.State == atom.StateQuarantined || a.State == atom.StateRetired {
			continue
		}
		res.Processed++

		changed := p.processOne(a, idx, now)
		if a.Decay.Flashbulb {
			res.Flashbulbs++
		}
		if a.State == atom.StateDecayed {
			res.Decayed++
		}
		if changed && persist {
			if err := p.store.UpdateAtom(ctx, a); err != nil {
				res.Errors++
				p.log.WarnContext(ctx, "decay update failed", "error", err)
				continue
			}
			res.Updated++
		}
	}
	return res, nil
}

// processOne applies the curve to one atom in place and reports whether the
// atom changed.
func (p *Processor) processOne(a *atom.MemoryAtom, idx *userIndices, now time.Time) bool {
	// The flashbulb flag is persisted; once set it is never re-derived.
	if !a.Decay.Flashbulb && p.isFlashbulb(a) {
		a.Decay.Flashbulb = true
		a.MemoryType = atom.TypeFlashbulbEpisode
	}

	prevStrength := a.Decay.RecallStrength
	prevState := a.State

	// Each atom gets its own timestamp copy; the batch shares now.
	processed := now

	if a.Decay.Flashbulb {
		a.Decay.RecallStrength = a.Salience
		a.Decay.LastProcessed = &processed
		return prevStrength != a.Salience || prevState != a.State
	}

	protection := p.protection(a, idx)
	rate := math.Max(p.cfg.BaseRate*(1-protection), p.cfg.AbsoluteFloor)

	created := a.EventTime
	if created.IsZero() {
		created = a.IngestTime
	}
	days := now.Sub(created).Hours() / 24
	if days < 0 {
		days = 0
	}

	strength := a.Salience * math.Pow(1-rate, days)
	a.Decay.RecallStrength = strength
	a.Decay.LastProcessed = &processed

	if strength < DecayedThreshold {
		a.State = atom.StateDecayed
	} else if a.State == atom.StateDecayed {
		// A re-protected memory surfaces again.
		a.State = atom.StateActive
	}

	return prevStrength != strength || prevState != a.State
}

func (p *Processor) isFlashbulb(a *atom.MemoryAtom) bool {
	return a.Affect != nil &&
		a.Affect.Peak &&
		a.Affect.Intensity >= p.cfg.FlashbulbIntensity &&
		a.Salience >= flashbulbImportance
}

func (p *Processor) protection(a *atom.MemoryAtom, idx *userIndices) float64 {
	var emotion float64
	if a.Affect != nil {
		emotion = a.Affect.Intensity * p.cfg.EmotionWeight
	}

	var spanDays float64
	var links int
	for _, raw := range a.Entities {
		entity := strings.ToLower(strings.TrimSpace(raw))
		if s := idx.mentionSpanDays[entity]; s > spanDays {
			spanDays = s
		}
		if l := idx.linkCounts[entity]; l > links {
			links = l
		}
	}
	spacing := math.Min(spanDays/spacingSpanDays, 1) * spacingProtectionCap
	connection := math.Min(float64(links)/connectionLinkScale, 1) * connectionCap

	return math.Min(emotion+spacing+connection, protectionCap)
}

// ProcessAll runs the pass for every known user. Per-user failures are
// isolated into the aggregate counters.
func (p *Processor) ProcessAll(ctx context.Context, persist bool) (*Result, error) {
	total := &Result{}
	err := p.store.ForEachUser(ctx, func(tenantID, userID string) error {
		res, err := p.ProcessUser(ctx, tenantID, userID, persist)
		if err != nil {
			total.Errors++
			p.log.WarnContext(ctx, "decay pass failed for user", "error", err)
			return nil
		}
		total.Processed += res.Processed
		total.Decayed += res.Decayed
		total.Flashbulbs += res.Flashbulbs
		total.Updated += res.Updated
		total.Errors += res.Errors
		return nil
	})
	return total, err
}

// setClock swaps the time source in tests.
func (p *Processor) setClock(now func() time.Time) { p.now = now }
