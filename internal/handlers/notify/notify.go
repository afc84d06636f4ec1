// Package notify consumes alert jobs emitted after failed probes. A
// notification fires only once a task's most recent executions are all
// failures, matching the task's configured threshold.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"probeflow/internal/domain"
	"probeflow/internal/queue"
)

// Store reads a task's recent log window.
type Store interface {
	Recent(ctx context.Context, taskID string, n int) ([]domain.TaskLog, error)
}

// Sender delivers one alert message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message is the alert payload delivered to notification targets.
type Message struct {
	TaskID     string `json:"task_id"`
	TaskName   string `json:"task_name"`
	Endpoint   string `json:"endpoint"`
	Method     string `json:"method"`
	StatusCode int    `json:"status_code"`
	Failures   int    `json:"consecutive_failures"`
}

type Handler struct {
	store  Store
	sender Sender
}

func New(store Store, sender Sender) *Handler {
	return &Handler{store: store, sender: sender}
}

// Handle checks the task's recent history against its failure threshold and
// delivers an alert when every one of the last Threshold executions failed.
// Delivery errors requeue the job per its backoff policy.
func (h *Handler) Handle(ctx context.Context, job queue.Job) error {
	var nj domain.NotifyJob
	if err := json.Unmarshal(job.Payload, &nj); err != nil {
		return fmt.Errorf("decode notify job: %w", err)
	}
	if nj.Threshold < 1 {
		return nil
	}

	logs, err := h.store.Recent(ctx, nj.TaskID, nj.Threshold)
	if err != nil {
		return fmt.Errorf("read recent logs for %s: %w", nj.TaskID, err)
	}
	if len(logs) < nj.Threshold {
		return nil
	}
	for _, l := range logs {
		if !l.Failed() {
			return nil
		}
	}

	return h.sender.Send(ctx, Message{
		TaskID:     nj.TaskID,
		TaskName:   nj.TaskName,
		Endpoint:   nj.Endpoint,
		Method:     nj.Method,
		StatusCode: nj.StatusCode,
		Failures:   nj.Threshold,
	})
}

// WebhookSender posts alerts as JSON. When several targets are configured
// they act as fallbacks for each other: delivery walks the target list with
// a plain attempt counter and stops at the first success.
type WebhookSender struct {
	targets []string
	hc      *http.Client
}

func NewWebhookSender(targets []string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{targets: targets, hc: &http.Client{Timeout: timeout}}
}

func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	if len(s.targets) == 0 {
		log.Debug().Str("task_id", msg.TaskID).Msg("no notification targets configured")
		return nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < len(s.targets); attempt++ {
		target := s.targets[attempt]
		if err := s.post(ctx, target, body); err != nil {
			log.Warn().Err(err).Str("target", target).Str("task_id", msg.TaskID).
				Msg("notification target failed, trying next")
			lastErr = err
			continue
		}
		log.Info().Str("target", target).Str("task_id", msg.TaskID).
			Int("failures", msg.Failures).Msg("alert delivered")
		return nil
	}
	return fmt.Errorf("all %d notification targets failed: %w", len(s.targets), lastErr)
}

func (s *WebhookSender) post(ctx context.Context, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
