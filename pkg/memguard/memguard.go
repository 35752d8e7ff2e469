// Package memguard scores content risk before anything is written. The
// evaluator is a pure function so it can run inline on the ingest path
// without I/O or shared state.
package memguard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Action is the gate decision for a piece of content.
type Action string

const (
	ActionAllow      Action = "allow"
	ActionCaution    Action = "caution"
	ActionQuarantine Action = "quarantine"
)

// Risk weights. Additive, capped at 1.0.
const (
	blockedWeight     = 0.8
	cautionWeight     = 0.25
	injectionWeight   = 0.15
	injectionCap      = 0.45
	lowTrustWeight    = 0.2
	oversizeWeight    = 0.15
	lowTrustThreshold = 0.3
	oversizeLimit     = 8000
	cautionFloor      = 0.45
	DefaultQuarantine = 0.7
)

// ComplianceBlockedError means the content matched a never-store pattern and
// must be refused outright, not quarantined.
type ComplianceBlockedError struct {
	Reason string
}

func (e *ComplianceBlockedError) Error() string {
	return fmt.Sprintf("compliance blocked: %s", e.Reason)
}

// Verdict is the result of one evaluation.
type Verdict struct {
	Action    Action   `json:"action"`
	RiskScore float64  `json:"risk_score"`
	Reasons   []string `json:"reasons,omitempty"`
}

// neverStorePatterns match content shapes that may never be persisted in any
// form, not even as a quarantined shadow.
var neverStorePatterns = map[string]*regexp.Regexp{
	"government_id": regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"card_number":   regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
}

// blockedTopics trip the heavy risk weight. Matching is on the normalized
// lower-cased text.
var blockedTopics = []string{
	"social security number",
	"bank account password",
	"medical record number",
	"passport number",
}

var cautionTopics = []string{
	"home address",
	"phone number",
	"date of birth",
	"salary",
	"diagnosis",
}

// injectionMarkers are prompt-poisoning tells. Each distinct marker adds
// weight, bounded by injectionCap so markers alone cannot force quarantine.
var injectionMarkers = []string{
	"ignore previous instructions",
	"ignore all previous",
	"disregard your instructions",
	"system prompt",
	"you are now",
	"new instructions:",
	"</system>",
	"[[inject]]",
}

// Guard evaluates content against the configured quarantine threshold.
type Guard struct {
	quarantineThreshold float64
}

// New creates a guard. A threshold outside (0,1] falls back to the default.
func New(quarantineThreshold float64) *Guard {
	if quarantineThreshold <= 0 || quarantineThreshold > 1 {
		quarantineThreshold = DefaultQuarantine
	}
	return &Guard{quarantineThreshold: quarantineThreshold}
}

// SetThreshold adjusts the quarantine threshold at runtime (config reload).
func (g *Guard) SetThreshold(t float64) {
	if t > 0 && t <= 1 {
		g.quarantineThreshold = t
	}
}

// Evaluate scores content and decides allow / caution / quarantine. It
// returns a ComplianceBlockedError when the content may not be stored at all.
func (g *Guard) Evaluate(content string, trustScore float64) (*Verdict, error) {
	norm := strings.ToLower(content)

	for name, pat := range neverStorePatterns {
		if pat.MatchString(content) {
			return nil, &ComplianceBlockedError{Reason: name}
		}
	}

	risk := 0.0
	var reasons []string

	for _, topic := range blockedTopics {
		if strings.Contains(norm, topic) {
			risk += blockedWeight
			reasons = append(reasons, "blocked_topic:"+strings.ReplaceAll(topic, " ", "_"))
			break
		}
	}

	for _, topic := range cautionTopics {
		if strings.Contains(norm, topic) {
			risk += cautionWeight
			reasons = append(reasons, "caution_topic:"+strings.ReplaceAll(topic, " ", "_"))
			break
		}
	}

	injection := 0.0
	for _, marker := range injectionMarkers {
		if strings.Contains(norm, marker) {
			injection += injectionWeight
			reasons = append(reasons, "injection_marker")
			if injection >= injectionCap {
				injection = injectionCap
				break
			}
		}
	}
	risk += injection

	if trustScore < lowTrustThreshold {
		risk += lowTrustWeight
		reasons = append(reasons, "low_trust")
	}

	if len(content) > oversizeLimit {
		risk += oversizeWeight
		reasons = append(reasons, "oversize")
	}

	if risk > 1.0 {
		risk = 1.0
	}

	action := ActionAllow
	switch {
	case risk >= g.quarantineThreshold:
		action = ActionQuarantine
	case risk >= cautionFloor:
		action = ActionCaution
	}

	return &Verdict{Action: action, RiskScore: risk, Reasons: reasons}, nil
}

// Fingerprint returns a stable content hash for shadow entries, so reviewers
// can match duplicates without ever storing the raw text.
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(strings.ToLower(content))))
	return hex.EncodeToString(sum[:])
}
