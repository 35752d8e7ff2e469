// Package relationship maintains each user's affinity score and discrete
// relationship stage, with time-based cooling and reconciliation bonuses.
package relationship

import (
	"context"
	"errors"
	"time"
)

// Stage is the discrete relationship level, strictly ordered.
type Stage string

const (
	StageStranger     Stage = "stranger"
	StageAcquaintance Stage = "acquaintance"
	StageFamiliar     Stage = "familiar"
	StageClose        Stage = "close"
	StageSoulmate     Stage = "soulmate"
)

// stageOrder gives each stage its rank for comparisons.
var stageOrder = map[Stage]int{
	StageStranger:     0,
	StageAcquaintance: 1,
	StageFamiliar:     2,
	StageClose:        3,
	StageSoulmate:     4,
}

// Rank returns the stage's position in the ladder, stranger being 0.
func (s Stage) Rank() int { return stageOrder[s] }

// Signal is one scored interaction, kept in a bounded history.
type Signal struct {
	Weight float64   `json:"weight"`
	Kind   string    `json:"kind,omitempty"`
	At     time.Time `json:"at"`
}

// Breakthrough marks a notable relationship moment.
type Breakthrough struct {
	Description string    `json:"description"`
	At          time.Time `json:"at"`
}

const (
	maxSignalHistory  = 50
	maxBreakthroughs  = 20
	coolingScoreDecay = 0.10
	reconcileBonus    = 1.5
	reconcileFastDays = 7
	reconcileFast     = 2.0
)

// Record is the persisted per-user relationship state. Version supports
// compare-and-swap updates.
type Record struct {
	TenantID           string         `json:"tenant_id"`
	UserID             string         `json:"user_id"`
	Stage              Stage          `json:"stage"`
	AccumulatedScore   float64        `json:"accumulated_score"`
	TotalConversations int            `json:"total_conversations"`
	TotalDaysActive    int            `json:"total_days_active"`
	LastInteraction    time.Time      `json:"last_interaction"`
	LastActiveDate     string         `json:"last_active_date"`
	StageEnteredAt     time.Time      `json:"stage_entered_at"`
	CoolingWarned      bool           `json:"cooling_warned"`
	CooledFromStage    Stage          `json:"cooled_from_stage,omitempty"`
	CooledAt           time.Time      `json:"cooled_at,omitzero"`
	LastCoolingDate    string         `json:"last_cooling_date,omitempty"`
	SignalHistory      []Signal       `json:"signal_history,omitempty"`
	Breakthroughs      []Breakthrough `json:"breakthroughs,omitempty"`
	Version            int64          `json:"version"`
}

var (
	// ErrVersionConflict means another writer updated the record between
	// our read and our CAS write.
	ErrVersionConflict = errors.New("relationship version conflict")

	// ErrNotFound means no relationship record exists yet.
	ErrNotFound = errors.New("relationship not found")
)

// Store persists relationship records with CAS semantics: Update fails with
// ErrVersionConflict unless the stored version matches the record's.
type Store interface {
	Get(ctx context.Context, tenantID, userID string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	ForEach(ctx context.Context, fn func(rec *Record) error) error
	Delete(ctx context.Context, tenantID, userID string) error
}

// promotionThreshold gates entry into each stage by accumulated score and
// active-day count. Both must be met.
type promotionThreshold struct {
	score float64
	days  int
}

var promotionThresholds = map[Stage]promotionThreshold{
	StageAcquaintance: {score: 10, days: 2},
	StageFamiliar:     {score: 50, days: 7},
	StageClose:        {score: 150, days: 30},
	StageSoulmate:     {score: 400, days: 90},
}

// coolingRule pairs a stage with its inactivity threshold and explicit
// demotion target. Acquaintance is the terminal floor and never cools.
type coolingRule struct {
	after  time.Duration
	target Stage
}

var coolingRules = map[Stage]coolingRule{
	StageSoulmate: {after: 60 * 24 * time.Hour, target: StageClose},
	StageClose:    {after: 30 * 24 * time.Hour, target: StageFamiliar},
	StageFamiliar: {after: 14 * 24 * time.Hour, target: StageAcquaintance},
}

// StageFor is the deterministic stage function: the highest stage whose
// score and active-day thresholds are both met.
func StageFor(score float64, daysActive int) Stage {
	stage := StageStranger
	for _, candidate := range []Stage{StageAcquaintance, StageFamiliar, StageClose, StageSoulmate} {
		t := promotionThresholds[candidate]
		if score >= t.score && daysActive >= t.days {
			stage = candidate
		}
	}
	return stage
}
