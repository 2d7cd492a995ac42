// Package notify posts run reports to a webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/framesnap/framesnap/internal/extract"
)

// EventRunFinished is the only event sent today.
const EventRunFinished = "run.finished"

// Payload is the webhook body.
type Payload struct {
	Event  string          `json:"event"`
	RunID  string          `json:"run_id"`
	SentAt time.Time       `json:"sent_at"`
	Report *extract.Report `json:"report"`
}

// DeliveryError represents a non-2xx webhook response.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook delivery failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx).
// Client errors (4xx) are considered permanent.
func (e *DeliveryError) IsRetryable() bool {
	return e.StatusCode >= 500
}

type Notifier struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger

	attempts int
	backoff  time.Duration
}

func New(url string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		url: url,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger:   logger,
		attempts: 3,
		backoff:  500 * time.Millisecond,
	}
}

// RunFinished delivers the final report of a run. Network errors and 5xx
// responses are retried with exponential backoff.
func (n *Notifier) RunFinished(ctx context.Context, runID string, rep *extract.Report) error {
	body, err := json.Marshal(Payload{
		Event:  EventRunFinished,
		RunID:  runID,
		SentAt: time.Now().UTC(),
		Report: rep,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	requestID := uuid.NewString()
	var lastErr error
	for attempt := 1; attempt <= n.attempts; attempt++ {
		lastErr = n.post(ctx, body, requestID)
		if lastErr == nil {
			n.logger.Info("webhook delivered", "run_id", runID, "attempt", attempt)
			return nil
		}
		var de *DeliveryError
		if errors.As(lastErr, &de) && !de.IsRetryable() {
			return lastErr
		}
		if attempt == n.attempts {
			break
		}

		wait := n.backoff << (attempt - 1)
		n.logger.Warn("webhook delivery failed, retrying",
			"run_id", runID, "attempt", attempt, "wait", wait.String(), "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("after %d attempts: %w", n.attempts, lastErr)
}

func (n *Notifier) post(ctx context.Context, body []byte, requestID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Framesnap-Request-Id", requestID)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &DeliveryError{StatusCode: resp.StatusCode, Body: string(respBody)}
}
