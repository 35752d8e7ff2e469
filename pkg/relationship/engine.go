package relationship

import (
	"context"
	"errors"
	"time"

	"github.com/memfabric/memfabric/pkg/logger"
)

const casRetries = 3

// Engine applies interaction signals and the cooling process on top of a
// Store.
type Engine struct {
	store Store
	log   logger.Logger
	now   func() time.Time
}

// NewEngine creates an engine over the given store.
func NewEngine(store Store, log logger.Logger) *Engine {
	return &Engine{store: store, log: log, now: time.Now}
}

// Get returns the user's record, or a fresh stranger record (not persisted)
// when none exists yet.
func (e *Engine) Get(ctx context.Context, tenantID, userID string) (*Record, error) {
	rec, err := e.store.Get(ctx, tenantID, userID)
	if errors.Is(err, ErrNotFound) {
		return newRecord(tenantID, userID, e.now()), nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func newRecord(tenantID, userID string, now time.Time) *Record {
	return &Record{
		TenantID:       tenantID,
		UserID:         userID,
		Stage:          StageStranger,
		StageEnteredAt: now,
	}
}

// RecordSignal applies one scored interaction. Promotion moves at most one
// stage per signal and only via compare-and-swap against the stage that was
// read, so concurrent writers cannot double-promote.
func (e *Engine) RecordSignal(ctx context.Context, tenantID, userID string, weight float64, kind string) (*Record, error) {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		rec, err := e.store.Get(ctx, tenantID, userID)
		if errors.Is(err, ErrNotFound) {
			rec = newRecord(tenantID, userID, e.now())
		} else if err != nil {
			return nil, err
		}

		e.applySignal(rec, weight, kind)

		if err := e.store.Update(ctx, rec); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return rec, nil
	}
	return nil, lastErr
}

func (e *Engine) applySignal(rec *Record, weight float64, kind string) {
	now := e.now()

	// A first interaction after a cooldown earns a reconciliation bonus,
	// doubled when the user returns within a week.
	if !rec.CooledAt.IsZero() {
		bonus := reconcileBonus
		if now.Sub(rec.CooledAt) <= reconcileFastDays*24*time.Hour {
			bonus = reconcileFast
		}
		weight *= bonus
		rec.CooledAt = time.Time{}
		rec.CooledFromStage = ""
		rec.CoolingWarned = false
	}

	rec.AccumulatedScore += weight
	rec.TotalConversations++
	rec.LastInteraction = now

	if day := now.Format("2006-01-02"); day != rec.LastActiveDate {
		rec.LastActiveDate = day
		rec.TotalDaysActive++
	}

	rec.SignalHistory = append(rec.SignalHistory, Signal{Weight: weight, Kind: kind, At: now})
	if len(rec.SignalHistory) > maxSignalHistory {
		rec.SignalHistory = rec.SignalHistory[len(rec.SignalHistory)-maxSignalHistory:]
	}

	// Promotion: one step at a time toward the deterministic target stage.
	// The scoring path never demotes.
	target := StageFor(rec.AccumulatedScore, rec.TotalDaysActive)
	if target.Rank() > rec.Stage.Rank() {
		next := nextStage(rec.Stage)
		rec.Stage = next
		rec.StageEnteredAt = now
		if next == StageClose || next == StageSoulmate {
			rec.Breakthroughs = append(rec.Breakthroughs, Breakthrough{
				Description: "reached " + string(next),
				At:          now,
			})
			if len(rec.Breakthroughs) > maxBreakthroughs {
				rec.Breakthroughs = rec.Breakthroughs[len(rec.Breakthroughs)-maxBreakthroughs:]
			}
		}
	}
}

func nextStage(s Stage) Stage {
	switch s {
	case StageStranger:
		return StageAcquaintance
	case StageAcquaintance:
		return StageFamiliar
	case StageFamiliar:
		return StageClose
	case StageClose:
		return StageSoulmate
	}
	return s
}

// CoolingResult summarizes one cooling batch.
type CoolingResult struct {
	Checked int
	Cooled  int
	Errors  int
}

// CoolAll runs the daily cooling pass over every relationship record.
func (e *Engine) CoolAll(ctx context.Context) (*CoolingResult, error) {
	res := &CoolingResult{}
	err := e.store.ForEach(ctx, func(rec *Record) error {
		res.Checked++
		cooled, err := e.coolOne(ctx, rec)
		if err != nil {
			res.Errors++
			e.log.WarnContext(ctx, "cooling failed", "error", err)
			return nil // one user's failure never aborts the batch
		}
		if cooled {
			res.Cooled++
		}
		return nil
	})
	return res, err
}

// CoolUser runs the cooling check for a single user, for the real-time path.
func (e *Engine) CoolUser(ctx context.Context, tenantID, userID string) (bool, error) {
	rec, err := e.store.Get(ctx, tenantID, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.coolOne(ctx, rec)
}

// coolOne demotes an inactive user by exactly one rule-defined target stage
// and decays the score. last_cooling_date makes the operation idempotent per
// calendar day, so the batch job and the real-time path cannot both cool the
// same user.
func (e *Engine) coolOne(ctx context.Context, rec *Record) (bool, error) {
	now := e.now()
	today := now.Format("2006-01-02")
	if rec.LastCoolingDate == today {
		return false, nil
	}

	rule, ok := coolingRules[rec.Stage]
	if !ok {
		return false, nil // stranger or the acquaintance floor
	}
	if rec.LastInteraction.IsZero() || now.Sub(rec.LastInteraction) <= rule.after {
		return false, nil
	}

	rec.CooledFromStage = rec.Stage
	rec.Stage = rule.target
	rec.StageEnteredAt = now
	rec.CooledAt = now
	rec.AccumulatedScore *= 1 - coolingScoreDecay
	rec.LastCoolingDate = today

	if err := e.store.Update(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// setClock swaps the time source in tests.
func (e *Engine) setClock(now func() time.Time) { e.now = now }
