package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when a conditional conversation write loses
// to a concurrent update. Callers reload and retry.
var ErrVersionConflict = errors.New("version conflict")

// ErrCaseResolved is returned when resolving a supervision case that has
// already left the pending state.
var ErrCaseResolved = errors.New("case already resolved")

// Conversation states.
const (
	StateIdle                = "idle"
	StateProcessing          = "processing"
	StateAwaitingSupervision = "awaiting_supervision"
)

// Message roles.
const (
	RoleUser       = "user"
	RoleBot        = "bot"
	RoleSupervisor = "supervisor"
)

// Supervision case statuses. Pending is the only non-terminal status.
const (
	CasePending  = "pending"
	CaseApproved = "approved"
	CaseEdited   = "edited"
	CaseRejected = "rejected"
)

// Conversation is a persistent thread between an end user and the bot.
// Version counts committed transitions; every state change is a conditional
// write against the expected version.
type Conversation struct {
	ID             string
	Channel        string
	ThreadID       string
	State          string
	OverrideActive bool
	Version        int64
	LastActivityAt time.Time
	CreatedAt      time.Time
}

// Message is one entry in a conversation timeline. Append-only; Seq is
// unique and strictly increasing per conversation. RedactedText stays empty
// until the PII filter has run over the message.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	Role           string
	Text           string
	RedactedText   string
	CreatedAt      time.Time
}

// Finding records one detected piece of personal data in a message.
type Finding struct {
	MessageID  string
	Category   string
	Start      int
	End        int
	Confidence float64
}

// Case is a pending or resolved human review of a draft reply.
type Case struct {
	ID              string
	ConversationID  string
	MessageID       string
	DraftText       string
	DraftConfidence float64
	DraftCitations  string // JSON array stored as text
	Reason          string
	Status          string
	SupervisorID    string
	ResolutionText  string
	CreatedAt       time.Time
	ResolvedAt      time.Time
}

// Resolution is the full outcome of a supervisor decision: the case status
// flip, the conversation transition carrying the resulting message, and the
// outbound delivery job. ApplyResolution commits all of it or none of it.
type Resolution struct {
	CaseID         string
	Status         string
	SupervisorID   string
	ResolutionText string

	ConversationID  string
	ExpectedVersion int64
	NewState        string
	OverrideActive  bool
	Message         Message
	Job             Job
}

// Job is a queued unit of outbound work (supervisor notification or reply
// delivery). Delivery is at-least-once: failed jobs are retried with
// exponential backoff until MaxAttempts.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
