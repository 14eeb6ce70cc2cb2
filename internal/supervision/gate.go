// Package supervision decides whether a drafted reply may be sent
// automatically or must be held for human review.
package supervision

import (
	"github.com/kalambet/caddie/internal/pii"
	"github.com/kalambet/caddie/internal/storage"
)

// Escalation reasons recorded on a supervision case.
const (
	ReasonPII              = "pii"
	ReasonLowConfidence    = "low_confidence"
	ReasonOverride         = "override"
	ReasonGenerationFailed = "generation_failed"
)

// FallbackMessage is sent to the conversation when a supervisor rejects a
// draft outright.
const FallbackMessage = "I wasn't able to give a reliable answer to this one. " +
	"A colleague will follow up with you directly."

// Gate applies the escalation policy. Both thresholds are in [0,1].
type Gate struct {
	// PIIEscalationThreshold: any finding at or above this confidence
	// forces human review.
	PIIEscalationThreshold float64
	// ApprovalThreshold: drafts below this confidence are held for review.
	ApprovalThreshold float64
}

// Decision is the gate's verdict for one draft.
type Decision struct {
	Approve bool
	Reason  string
}

// Decide evaluates a draft against the findings on the triggering message and
// the conversation's override state. A draft auto-sends only when no finding
// reaches the escalation threshold, the draft confidence meets the approval
// threshold, and no supervisor override is latched. PII takes precedence over
// other reasons.
func (g Gate) Decide(findings []pii.Finding, draftConfidence float64, conv storage.Conversation) Decision {
	if pii.MaxConfidence(findings) >= g.PIIEscalationThreshold {
		return Decision{Reason: ReasonPII}
	}
	if conv.OverrideActive {
		return Decision{Reason: ReasonOverride}
	}
	if draftConfidence < g.ApprovalThreshold {
		return Decision{Reason: ReasonLowConfidence}
	}
	return Decision{Approve: true}
}
