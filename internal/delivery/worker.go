// Package delivery drains the outbound job queue: reply delivery to channel
// adapters and supervisor alerts for new cases. Jobs are processed
// at-least-once; failures reschedule with backoff until the attempt cap.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kalambet/caddie/internal/storage"
)

// Job types understood by the worker.
const (
	JobDeliverReply     = "deliver_reply"
	JobNotifySupervisor = "notify_supervisor"
)

// ReplyPayload is the payload of a deliver_reply job.
type ReplyPayload struct {
	ConversationID string `json:"conversation_id"`
	Channel        string `json:"channel"`
	ThreadID       string `json:"thread_id"`
	Text           string `json:"text"`
	Role           string `json:"role"`
}

// CaseAlertPayload is the payload of a notify_supervisor job.
type CaseAlertPayload struct {
	CaseID         string `json:"case_id"`
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason"`
}

// Notifier pushes outbound notifications to wherever the deployment routes
// them (channel webhook, supervisor surface).
type Notifier interface {
	DeliverReply(ctx context.Context, p ReplyPayload) error
	AlertCase(ctx context.Context, p CaseAlertPayload) error
}

// WebhookNotifier POSTs notifications as JSON to a configured endpoint.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

// NewWebhookNotifier creates a notifier posting to url.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) DeliverReply(ctx context.Context, p ReplyPayload) error {
	return n.post(ctx, "reply", p)
}

func (n *WebhookNotifier) AlertCase(ctx context.Context, p CaseAlertPayload) error {
	return n.post(ctx, "case_alert", p)
}

func (n *WebhookNotifier) post(ctx context.Context, kind string, payload interface{}) error {
	body, err := json.Marshal(map[string]interface{}{"kind": kind, "payload": payload})
	if err != nil {
		return fmt.Errorf("marshaling %s notification: %w", kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", kind, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s notification: %w", kind, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s notification returned status %d", kind, resp.StatusCode)
	}
	return nil
}

// LogNotifier writes notifications to the log. Used when no webhook is
// configured, so queued jobs still drain in development setups.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) DeliverReply(_ context.Context, p ReplyPayload) error {
	n.Logger.Info("reply ready for delivery",
		"conversation_id", p.ConversationID, "channel", p.Channel, "thread_id", p.ThreadID)
	return nil
}

func (n LogNotifier) AlertCase(_ context.Context, p CaseAlertPayload) error {
	n.Logger.Info("supervision case awaiting review",
		"case_id", p.CaseID, "conversation_id", p.ConversationID, "reason", p.Reason)
	return nil
}

// Recorder is the metrics hook the worker reports job outcomes to.
type Recorder interface {
	RecordJob(status string)
}

// Worker polls the job queue and dispatches to the Notifier.
type Worker struct {
	store    *storage.Store
	notifier Notifier
	logger   *slog.Logger
	recorder Recorder
	interval time.Duration
}

// NewWorker creates a delivery worker polling at interval. recorder may be nil.
func NewWorker(store *storage.Store, notifier Notifier, logger *slog.Logger, recorder Recorder, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Worker{
		store:    store,
		notifier: notifier,
		logger:   logger,
		recorder: recorder,
		interval: interval,
	}
}

// Run polls until ctx is cancelled. Between polls it drains all runnable
// jobs, so a burst of queued work clears without waiting a full interval per
// job.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error("delivery poll failed", "error", err)
			}
		}
	}
}

// RunOnce claims and processes runnable jobs until the queue is empty.
func (w *Worker) RunOnce(ctx context.Context) error {
	for {
		job, err := w.store.ClaimNextJob([]string{JobDeliverReply, JobNotifySupervisor})
		if err != nil {
			return fmt.Errorf("claiming job: %w", err)
		}
		if job == nil {
			return nil
		}

		if err := w.process(ctx, job); err != nil {
			w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "attempt", job.Attempts+1, "error", err)
			w.record("failed")
			if err := w.store.FailJob(job.ID, err.Error()); err != nil {
				return fmt.Errorf("recording job failure: %w", err)
			}
			continue
		}

		w.record("completed")
		if err := w.store.CompleteJob(job.ID); err != nil {
			return fmt.Errorf("completing job %s: %w", job.ID, err)
		}
	}
}

func (w *Worker) process(ctx context.Context, job *storage.Job) error {
	switch job.Type {
	case JobDeliverReply:
		var p ReplyPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return fmt.Errorf("decoding reply payload: %w", err)
		}
		return w.notifier.DeliverReply(ctx, p)
	case JobNotifySupervisor:
		var p CaseAlertPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return fmt.Errorf("decoding case alert payload: %w", err)
		}
		return w.notifier.AlertCase(ctx, p)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

func (w *Worker) record(status string) {
	if w.recorder != nil {
		w.recorder.RecordJob(status)
	}
}
