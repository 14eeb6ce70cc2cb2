package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newConversation(t *testing.T, s *Store, id string) Conversation {
	t.Helper()
	now := time.Now().UTC()
	c := Conversation{
		ID:             id,
		Channel:        "slack",
		ThreadID:       "t1",
		State:          StateIdle,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := s.CreateConversation(c); err != nil {
		t.Fatalf("creating conversation: %v", err)
	}
	return c
}

func msg(convID, role, text string) Message {
	return Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Role:           role,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestApplyTransition_BumpsVersionAndAppends(t *testing.T) {
	s := newTestStore(t)
	newConversation(t, s, "slack:t1")

	err := s.ApplyTransition("slack:t1", 0, StateProcessing, false,
		msg("slack:t1", RoleUser, "hello"))
	if err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}

	conv, err := s.GetConversation("slack:t1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Version != 1 || conv.State != StateProcessing {
		t.Errorf("conversation = %+v", conv)
	}

	msgs, err := s.GetMessages("slack:t1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Seq != 1 || msgs[0].Text != "hello" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestApplyTransition_StaleVersionConflicts(t *testing.T) {
	s := newTestStore(t)
	newConversation(t, s, "slack:t1")

	if err := s.ApplyTransition("slack:t1", 0, StateProcessing, false); err != nil {
		t.Fatal(err)
	}

	// A second writer still holding version 0 must lose without side effects.
	err := s.ApplyTransition("slack:t1", 0, StateIdle, false,
		msg("slack:t1", RoleBot, "should not land"))
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}

	msgs, _ := s.GetMessages("slack:t1", 0)
	if len(msgs) != 0 {
		t.Errorf("conflicting transition appended messages: %+v", msgs)
	}
}

func TestApplyTransition_SequenceContinues(t *testing.T) {
	s := newTestStore(t)
	newConversation(t, s, "slack:t1")

	if err := s.ApplyTransition("slack:t1", 0, StateProcessing, false,
		msg("slack:t1", RoleUser, "one"), msg("slack:t1", RoleBot, "two")); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyTransition("slack:t1", 1, StateIdle, false,
		msg("slack:t1", RoleUser, "three")); err != nil {
		t.Fatal(err)
	}

	msgs, _ := s.GetMessages("slack:t1", 0)
	if len(msgs) != 3 {
		t.Fatalf("messages = %+v", msgs)
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Errorf("message %d has seq %d", i, m.Seq)
		}
	}
}

func TestCreateConversation_DuplicateConflicts(t *testing.T) {
	s := newTestStore(t)
	c := newConversation(t, s, "slack:t1")

	if err := s.CreateConversation(c); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
}

func TestRecordRedaction(t *testing.T) {
	s := newTestStore(t)
	newConversation(t, s, "slack:t1")

	m := msg("slack:t1", RoleUser, "My name is Jane Smith")
	if err := s.ApplyTransition("slack:t1", 0, StateProcessing, false, m); err != nil {
		t.Fatal(err)
	}

	findings := []Finding{
		{MessageID: m.ID, Category: "name", Start: 11, End: 21, Confidence: 0.9},
	}
	if err := s.RecordRedaction(m.ID, "My name is [NAME]", findings); err != nil {
		t.Fatalf("RecordRedaction: %v", err)
	}

	msgs, _ := s.GetMessages("slack:t1", 0)
	if msgs[0].RedactedText != "My name is [NAME]" {
		t.Errorf("redacted = %q", msgs[0].RedactedText)
	}

	stored, err := s.GetFindings(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].Category != "name" || stored[0].Confidence != 0.9 {
		t.Errorf("findings = %+v", stored)
	}

	if err := s.RecordRedaction("missing", "x", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func newPendingCase(t *testing.T, s *Store, convID string) Case {
	t.Helper()
	c := Case{
		ID:             uuid.NewString(),
		ConversationID: convID,
		MessageID:      uuid.NewString(),
		DraftText:      "draft",
		Reason:         "low_confidence",
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.CreateCase(c); err != nil {
		t.Fatalf("CreateCase: %v", err)
	}
	return c
}

func resolution(caseID, convID string, version int64, status string) Resolution {
	return Resolution{
		CaseID:          caseID,
		Status:          status,
		SupervisorID:    "sup-1",
		ConversationID:  convID,
		ExpectedVersion: version,
		NewState:        StateIdle,
		Message:         msg(convID, RoleBot, "resolved reply"),
		Job:             Job{ID: uuid.NewString(), Type: "deliver_reply", PayloadJSON: "{}"},
	}
}

func TestApplyResolution_ExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	newConversation(t, s, "slack:t1")
	c := newPendingCase(t, s, "slack:t1")

	if err := s.ApplyResolution(resolution(c.ID, "slack:t1", 0, CaseApproved)); err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	got, err := s.GetCase(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != CaseApproved || got.SupervisorID != "sup-1" || got.ResolvedAt.IsZero() {
		t.Errorf("case = %+v", got)
	}

	// Message and job landed with the flip.
	msgs, _ := s.GetMessages("slack:t1", 0)
	if len(msgs) != 1 || msgs[0].Text != "resolved reply" {
		t.Errorf("messages = %+v", msgs)
	}
	job, err := s.ClaimNextJob([]string{"deliver_reply"})
	if err != nil || job == nil {
		t.Fatalf("claim = (%v, %v), want a queued job", job, err)
	}

	losing := resolution(c.ID, "slack:t1", 1, CaseRejected)
	losing.SupervisorID = "sup-2"
	if err := s.ApplyResolution(losing); !errors.Is(err, ErrCaseResolved) {
		t.Fatalf("second resolve err = %v, want ErrCaseResolved", err)
	}
	if err := s.ApplyResolution(resolution("missing", "slack:t1", 1, CaseApproved)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing case err = %v, want ErrNotFound", err)
	}

	// The losing resolution must not overwrite or append anything.
	got, _ = s.GetCase(c.ID)
	if got.Status != CaseApproved || got.SupervisorID != "sup-1" {
		t.Errorf("case changed by losing resolution: %+v", got)
	}
	msgs, _ = s.GetMessages("slack:t1", 0)
	if len(msgs) != 1 {
		t.Errorf("losing resolution appended messages: %+v", msgs)
	}
}

func TestApplyResolution_ConflictKeepsCasePending(t *testing.T) {
	s := newTestStore(t)
	newConversation(t, s, "slack:t1")
	c := newPendingCase(t, s, "slack:t1")

	// A competing writer bumps the conversation first.
	if err := s.ApplyTransition("slack:t1", 0, StateAwaitingSupervision, false); err != nil {
		t.Fatal(err)
	}

	err := s.ApplyResolution(resolution(c.ID, "slack:t1", 0, CaseApproved))
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}

	// The losing attempt rolled back completely: case pending, no message, no job.
	got, _ := s.GetCase(c.ID)
	if got.Status != CasePending {
		t.Errorf("case status = %s, want pending", got.Status)
	}
	if msgs, _ := s.GetMessages("slack:t1", 0); len(msgs) != 0 {
		t.Errorf("conflicting resolution appended messages: %+v", msgs)
	}
	if job, err := s.ClaimNextJob([]string{"deliver_reply"}); err != nil || job != nil {
		t.Fatalf("claim = (%v, %v), want (nil, nil)", job, err)
	}

	// Retrying with the current version succeeds.
	if err := s.ApplyResolution(resolution(c.ID, "slack:t1", 1, CaseApproved)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ = s.GetCase(c.ID)
	if got.Status != CaseApproved {
		t.Errorf("case status = %s, want approved", got.Status)
	}
	if msgs, _ := s.GetMessages("slack:t1", 0); len(msgs) != 1 {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestListAndCountCases(t *testing.T) {
	s := newTestStore(t)
	newConversation(t, s, "slack:t1")

	for i := 0; i < 3; i++ {
		c := Case{
			ID:             uuid.NewString(),
			ConversationID: "slack:t1",
			MessageID:      uuid.NewString(),
			Reason:         "pii",
			CreatedAt:      time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateCase(c); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := s.ListCasesByStatus(CasePending, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Errorf("pending = %d, want 3", len(pending))
	}

	n, err := s.CountCasesByStatus(CasePending)
	if err != nil || n != 3 {
		t.Errorf("count = %d (%v), want 3", n, err)
	}
}

func TestJobQueue_ClaimCompleteFail(t *testing.T) {
	s := newTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j1", Type: "deliver_reply", PayloadJSON: "{}"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	job, err := s.ClaimNextJob([]string{"deliver_reply"})
	if err != nil || job == nil {
		t.Fatalf("claim = (%v, %v)", job, err)
	}
	if job.ID != "j1" || job.Status != "running" {
		t.Errorf("job = %+v", job)
	}

	// A claimed job is not claimable again.
	again, err := s.ClaimNextJob([]string{"deliver_reply"})
	if err != nil || again != nil {
		t.Fatalf("second claim = (%v, %v), want (nil, nil)", again, err)
	}

	if err := s.CompleteJob("j1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
}

func TestJobQueue_FailureBackoffThenPermanent(t *testing.T) {
	s := newTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j1", Type: "deliver_reply", PayloadJSON: "{}", MaxAttempts: 2}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ClaimNextJob([]string{"deliver_reply"}); err != nil {
		t.Fatal(err)
	}
	if err := s.FailJob("j1", "downstream unavailable"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	// Rescheduled into the future: not immediately claimable.
	job, err := s.ClaimNextJob([]string{"deliver_reply"})
	if err != nil || job != nil {
		t.Fatalf("claim after backoff = (%v, %v), want (nil, nil)", job, err)
	}

	// Second failure reaches max_attempts and goes permanent.
	if err := s.FailJob("j1", "still failing"); err != nil {
		t.Fatalf("second FailJob: %v", err)
	}
	job, err = s.ClaimNextJob([]string{"deliver_reply"})
	if err != nil || job != nil {
		t.Fatalf("claim after permanent failure = (%v, %v), want (nil, nil)", job, err)
	}
}

func TestClaimNextJob_FiltersByType(t *testing.T) {
	s := newTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j1", Type: "notify_supervisor", PayloadJSON: "{}"}); err != nil {
		t.Fatal(err)
	}

	job, err := s.ClaimNextJob([]string{"deliver_reply"})
	if err != nil || job != nil {
		t.Fatalf("claim wrong type = (%v, %v), want (nil, nil)", job, err)
	}

	job, err = s.ClaimNextJob([]string{"deliver_reply", "notify_supervisor"})
	if err != nil || job == nil || job.Type != "notify_supervisor" {
		t.Fatalf("claim = (%+v, %v)", job, err)
	}
}
