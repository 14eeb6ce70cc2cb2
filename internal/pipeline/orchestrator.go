// Package pipeline runs inbound events through the filter, retrieval, draft,
// and gate stages, and applies supervisor decisions. All conversation writes
// go through conditional transitions so concurrent events on the same thread
// never corrupt the timeline.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/caddie/internal/delivery"
	"github.com/kalambet/caddie/internal/knowledge"
	"github.com/kalambet/caddie/internal/llm"
	"github.com/kalambet/caddie/internal/metrics"
	"github.com/kalambet/caddie/internal/pii"
	"github.com/kalambet/caddie/internal/storage"
	"github.com/kalambet/caddie/internal/supervision"
)

// Retriever fetches supporting passages for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]knowledge.Passage, error)
}

// Responder drafts a candidate reply from history and passages.
type Responder interface {
	Draft(ctx context.Context, history []storage.Message, passages []knowledge.Passage) (llm.Draft, error)
}

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	TopK            int
	MaxHistoryTurns int
	StageTimeout    time.Duration
	PersistRetries  int
	GenerateRetries int
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.MaxHistoryTurns <= 0 {
		c.MaxHistoryTurns = 20
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 30 * time.Second
	}
	if c.PersistRetries <= 0 {
		c.PersistRetries = 3
	}
	if c.GenerateRetries <= 0 {
		c.GenerateRetries = 4
	}
	return c
}

// Orchestrator owns the event pipeline and the supervisor decision flow.
type Orchestrator struct {
	store     *storage.Store
	scanner   *pii.Scanner
	retriever Retriever
	responder Responder
	gate      supervision.Gate
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config

	// now and sleep are swappable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Orchestrator.
func New(store *storage.Store, scanner *pii.Scanner, retriever Retriever, responder Responder, gate supervision.Gate, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:     store,
		scanner:   scanner,
		retriever: retriever,
		responder: responder,
		gate:      gate,
		metrics:   m,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// InboundEvent is one user message arriving from a channel adapter.
type InboundEvent struct {
	Channel  string
	ThreadID string
	UserID   string
	Text     string
}

// InboundResult reports how an event was handled. Status is "sent" when the
// reply went out automatically and "pending" when a supervision case was
// opened; Reply carries the outgoing text in the sent case.
type InboundResult struct {
	ConversationID string
	MessageID      string
	Status         string
	Reply          string
	CaseID         string
	Reason         string
}

// HandleInbound runs one event through the full pipeline.
func (o *Orchestrator) HandleInbound(ctx context.Context, ev InboundEvent) (InboundResult, error) {
	if err := validateEvent(ev); err != nil {
		return InboundResult{}, err
	}

	convID := ev.Channel + ":" + ev.ThreadID
	res, err := o.handleInbound(ctx, convID, ev)
	if err != nil {
		o.metrics.EventsProcessed.WithLabelValues("error").Inc()
		return InboundResult{}, err
	}
	o.metrics.EventsProcessed.WithLabelValues(res.Status).Inc()
	return res, nil
}

func (o *Orchestrator) handleInbound(ctx context.Context, convID string, ev InboundEvent) (InboundResult, error) {
	conv, err := o.loadOrCreateConversation(convID, ev)
	if err != nil {
		return InboundResult{}, &PipelineError{Stage: "persist", Err: err}
	}

	userMsg := storage.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Role:           storage.RoleUser,
		Text:           ev.Text,
		CreatedAt:      o.now(),
	}
	conv, err = o.transition(conv, storage.StateProcessing, conv.OverrideActive, userMsg)
	if err != nil {
		return InboundResult{}, &PipelineError{Stage: "persist", Err: err}
	}

	findings, redacted := o.filter(userMsg)

	passages := o.retrieve(ctx, redacted)

	history, err := o.loadHistory(convID)
	if err != nil {
		return InboundResult{}, &PipelineError{Stage: "persist", Err: err}
	}

	draft, genErr := o.draft(ctx, history, passages)
	if genErr != nil {
		o.logger.Error("draft generation exhausted retries", "conversation_id", convID, "error", genErr)
		return o.escalate(conv, userMsg, llm.Draft{}, supervision.ReasonGenerationFailed)
	}

	decision := o.gate.Decide(findings, draft.Confidence, conv)
	if !decision.Approve {
		return o.escalate(conv, userMsg, draft, decision.Reason)
	}

	botMsg := storage.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Role:           storage.RoleBot,
		Text:           draft.Text,
		CreatedAt:      o.now(),
	}
	conv, err = o.transition(conv, storage.StateIdle, false, botMsg)
	if err != nil {
		return InboundResult{}, &PipelineError{Stage: "persist", Err: err}
	}

	if err := o.enqueueReply(conv, storage.RoleBot, draft.Text); err != nil {
		return InboundResult{}, &PipelineError{Stage: "delivery", Err: err}
	}

	return InboundResult{
		ConversationID: convID,
		MessageID:      userMsg.ID,
		Status:         "sent",
		Reply:          draft.Text,
	}, nil
}

func validateEvent(ev InboundEvent) error {
	if strings.TrimSpace(ev.Channel) == "" {
		return &ValidationError{Field: "channel", Msg: "must not be empty"}
	}
	if strings.TrimSpace(ev.ThreadID) == "" {
		return &ValidationError{Field: "thread_id", Msg: "must not be empty"}
	}
	if strings.TrimSpace(ev.Text) == "" {
		return &ValidationError{Field: "text", Msg: "must not be empty"}
	}
	return nil
}

func (o *Orchestrator) loadOrCreateConversation(convID string, ev InboundEvent) (storage.Conversation, error) {
	conv, err := o.store.GetConversation(convID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Conversation{}, err
	}

	now := o.now()
	create := storage.Conversation{
		ID:             convID,
		Channel:        ev.Channel,
		ThreadID:       ev.ThreadID,
		State:          storage.StateIdle,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := o.store.CreateConversation(create); err != nil {
		// Lost the creation race; the row exists now.
		if errors.Is(err, storage.ErrVersionConflict) {
			return o.store.GetConversation(convID)
		}
		return storage.Conversation{}, err
	}
	return create, nil
}

// transition applies one conditional state change, reloading and retrying on
// version conflicts. Returns the post-transition conversation snapshot.
func (o *Orchestrator) transition(conv storage.Conversation, newState string, overrideActive bool, msgs ...storage.Message) (storage.Conversation, error) {
	for attempt := 0; attempt < o.cfg.PersistRetries; attempt++ {
		err := o.store.ApplyTransition(conv.ID, conv.Version, newState, overrideActive, msgs...)
		if err == nil {
			return o.store.GetConversation(conv.ID)
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return storage.Conversation{}, err
		}

		reloaded, err := o.store.GetConversation(conv.ID)
		if err != nil {
			return storage.Conversation{}, err
		}
		conv = reloaded
	}
	return storage.Conversation{}, fmt.Errorf("%w: conversation %s", ErrConcurrentUpdate, conv.ID)
}

// filter scans the message, persists the redaction, and returns the findings.
// A persistence failure here is logged but does not abort the pipeline: the
// findings still drive the gate, which is what protects the user.
func (o *Orchestrator) filter(msg storage.Message) ([]pii.Finding, string) {
	start := o.now()
	findings := o.scanner.Scan(msg.Text)
	redacted := pii.Redact(msg.Text, findings)
	o.observe("filter", start)

	stored := make([]storage.Finding, len(findings))
	for i, f := range findings {
		stored[i] = storage.Finding{
			MessageID:  msg.ID,
			Category:   string(f.Category),
			Start:      f.Start,
			End:        f.End,
			Confidence: f.Confidence,
		}
	}
	if err := o.store.RecordRedaction(msg.ID, redacted, stored); err != nil {
		o.logger.Error("recording redaction failed", "message_id", msg.ID, "error", err)
		o.metrics.StageFailures.WithLabelValues("filter").Inc()
	}
	return findings, redacted
}

// retrieve queries the content store with the redacted text. Unavailability
// degrades to an empty passage set rather than failing the event.
func (o *Orchestrator) retrieve(ctx context.Context, query string) []knowledge.Passage {
	start := o.now()
	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()

	passages, err := o.retriever.Retrieve(stageCtx, query, o.cfg.TopK)
	o.observe("retrieve", start)
	if err != nil {
		o.logger.Warn("knowledge retrieval degraded", "error", err)
		o.metrics.StageFailures.WithLabelValues("retrieve").Inc()
		return nil
	}
	return passages
}

func (o *Orchestrator) loadHistory(convID string) ([]storage.Message, error) {
	history, err := o.store.GetMessages(convID, 0)
	if err != nil {
		return nil, err
	}
	if len(history) > o.cfg.MaxHistoryTurns {
		history = history[len(history)-o.cfg.MaxHistoryTurns:]
	}
	return history, nil
}

// draft generates a candidate reply, retrying transient failures with a
// quadratic backoff before giving up.
func (o *Orchestrator) draft(ctx context.Context, history []storage.Message, passages []knowledge.Passage) (llm.Draft, error) {
	start := o.now()
	defer o.observe("draft", start)

	var lastErr error
	for attempt := 0; attempt < o.cfg.GenerateRetries; attempt++ {
		stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		draft, err := o.responder.Draft(stageCtx, history, passages)
		cancel()
		if err == nil {
			return draft, nil
		}
		lastErr = err
		o.metrics.StageFailures.WithLabelValues("draft").Inc()

		if attempt < o.cfg.GenerateRetries-1 {
			backoff := time.Duration((attempt+1)*(attempt+1)) * 500 * time.Millisecond
			if err := o.sleep(ctx, backoff); err != nil {
				return llm.Draft{}, err
			}
		}
	}
	return llm.Draft{}, lastErr
}

// escalate opens a supervision case, parks the conversation, and queues the
// supervisor alert.
func (o *Orchestrator) escalate(conv storage.Conversation, userMsg storage.Message, draft llm.Draft, reason string) (InboundResult, error) {
	citations, err := json.Marshal(draft.Citations)
	if err != nil {
		return InboundResult{}, &PipelineError{Stage: "gate", Err: err}
	}

	c := storage.Case{
		ID:              uuid.NewString(),
		ConversationID:  conv.ID,
		MessageID:       userMsg.ID,
		DraftText:       draft.Text,
		DraftConfidence: draft.Confidence,
		DraftCitations:  string(citations),
		Reason:          reason,
		CreatedAt:       o.now(),
	}
	if err := o.store.CreateCase(c); err != nil {
		return InboundResult{}, &PipelineError{Stage: "gate", Err: err}
	}

	if _, err := o.transition(conv, storage.StateAwaitingSupervision, conv.OverrideActive); err != nil {
		return InboundResult{}, &PipelineError{Stage: "persist", Err: err}
	}

	payload, err := json.Marshal(delivery.CaseAlertPayload{
		CaseID:         c.ID,
		ConversationID: conv.ID,
		Reason:         reason,
	})
	if err != nil {
		return InboundResult{}, &PipelineError{Stage: "delivery", Err: err}
	}
	if err := o.store.EnqueueJob(storage.Job{
		ID:          uuid.NewString(),
		Type:        delivery.JobNotifySupervisor,
		PayloadJSON: string(payload),
	}); err != nil {
		return InboundResult{}, &PipelineError{Stage: "delivery", Err: err}
	}

	o.metrics.PendingCases.Inc()
	o.logger.Info("supervision case opened",
		"case_id", c.ID, "conversation_id", conv.ID, "reason", reason)

	return InboundResult{
		ConversationID: conv.ID,
		MessageID:      userMsg.ID,
		Status:         "pending",
		CaseID:         c.ID,
		Reason:         reason,
	}, nil
}

func (o *Orchestrator) replyJob(conv storage.Conversation, role, text string) (storage.Job, error) {
	payload, err := json.Marshal(delivery.ReplyPayload{
		ConversationID: conv.ID,
		Channel:        conv.Channel,
		ThreadID:       conv.ThreadID,
		Text:           text,
		Role:           role,
	})
	if err != nil {
		return storage.Job{}, err
	}
	return storage.Job{
		ID:          uuid.NewString(),
		Type:        delivery.JobDeliverReply,
		PayloadJSON: string(payload),
	}, nil
}

func (o *Orchestrator) enqueueReply(conv storage.Conversation, role, text string) error {
	job, err := o.replyJob(conv, role, text)
	if err != nil {
		return err
	}
	return o.store.EnqueueJob(job)
}

// SeedGauges primes store-derived gauges at startup so a restart does not
// zero out the pending-case backlog.
func (o *Orchestrator) SeedGauges() error {
	n, err := o.store.CountCasesByStatus(storage.CasePending)
	if err != nil {
		return err
	}
	o.metrics.PendingCases.Set(float64(n))
	return nil
}

func (o *Orchestrator) observe(stage string, start time.Time) {
	o.metrics.StageDuration.WithLabelValues(stage).Observe(o.now().Sub(start).Seconds())
}

// DecisionRequest is a supervisor's verdict on a pending case.
type DecisionRequest struct {
	CaseID       string
	Decision     string // "approved", "edited", "rejected"
	SupervisorID string
	EditedText   string
}

// DecisionResult reports the message sent to the conversation as a result of
// the decision.
type DecisionResult struct {
	ConversationID string
	Reply          string
	Role           string
}

// HandleDecision resolves a case exactly once and releases the conversation.
// Approving sends the draft verbatim; editing sends the supervisor's text
// under the supervisor role; rejecting sends the fallback message and latches
// the override so later drafts keep routing to a human. The case flip, the
// outbound message, and the delivery job commit in one transaction: a
// transition that loses every retry leaves the case pending, so the decision
// can be redelivered after ErrConcurrentUpdate.
func (o *Orchestrator) HandleDecision(ctx context.Context, req DecisionRequest) (DecisionResult, error) {
	if err := validateDecision(req); err != nil {
		return DecisionResult{}, err
	}

	c, err := o.store.GetCase(req.CaseID)
	if err != nil {
		return DecisionResult{}, err
	}

	var (
		role     string
		text     string
		override bool
	)
	switch req.Decision {
	case storage.CaseApproved:
		role, text = storage.RoleBot, c.DraftText
	case storage.CaseEdited:
		role, text = storage.RoleSupervisor, req.EditedText
	case storage.CaseRejected:
		role, text = storage.RoleBot, supervision.FallbackMessage
		override = true
	}

	conv, err := o.store.GetConversation(c.ConversationID)
	if err != nil {
		return DecisionResult{}, err
	}

	job, err := o.replyJob(conv, role, text)
	if err != nil {
		return DecisionResult{}, &PipelineError{Stage: "delivery", Err: err}
	}
	outMsg := storage.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           role,
		Text:           text,
		CreatedAt:      o.now(),
	}

	resolved := false
	for attempt := 0; attempt < o.cfg.PersistRetries; attempt++ {
		err := o.store.ApplyResolution(storage.Resolution{
			CaseID:          req.CaseID,
			Status:          req.Decision,
			SupervisorID:    req.SupervisorID,
			ResolutionText:  req.EditedText,
			ConversationID:  conv.ID,
			ExpectedVersion: conv.Version,
			NewState:        storage.StateIdle,
			OverrideActive:  override,
			Message:         outMsg,
			Job:             job,
		})
		if err == nil {
			resolved = true
			break
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return DecisionResult{}, err
		}
		if conv, err = o.store.GetConversation(conv.ID); err != nil {
			return DecisionResult{}, err
		}
	}
	if !resolved {
		return DecisionResult{}, fmt.Errorf("%w: conversation %s", ErrConcurrentUpdate, conv.ID)
	}

	o.metrics.PendingCases.Dec()
	o.metrics.CaseResolutions.WithLabelValues(req.Decision).Inc()
	o.logger.Info("supervision case resolved",
		"case_id", req.CaseID, "decision", req.Decision, "supervisor_id", req.SupervisorID)

	return DecisionResult{ConversationID: conv.ID, Reply: text, Role: role}, nil
}

func validateDecision(req DecisionRequest) error {
	switch req.Decision {
	case storage.CaseApproved, storage.CaseEdited, storage.CaseRejected:
	default:
		return &ValidationError{Field: "decision", Msg: "must be approved, edited, or rejected"}
	}
	if strings.TrimSpace(req.SupervisorID) == "" {
		return &ValidationError{Field: "supervisor_id", Msg: "must not be empty"}
	}
	if req.Decision == storage.CaseEdited && strings.TrimSpace(req.EditedText) == "" {
		return &ValidationError{Field: "edited_text", Msg: "required for edited decisions"}
	}
	return nil
}
