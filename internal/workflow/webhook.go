package workflow

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

type WebhookRequest struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Body    []byte

	ExecutionID string
	TriggerName string
}

type WebhookResult struct {
	StatusCode int
	Error      error
	Duration   time.Duration
}

func (r WebhookResult) IsSuccess() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r WebhookResult) IsRetryable() bool {
	if r.Error != nil {
		return true
	}
	if r.StatusCode == 429 {
		return true
	}
	return r.StatusCode >= 500
}

type NotificationSender interface {
	Send(ctx context.Context, req WebhookRequest) WebhookResult
}

type HTTPNotificationSender struct {
	client *http.Client
}

func NewHTTPNotificationSender() *HTTPNotificationSender {
	return &HTTPNotificationSender{
		client: &http.Client{},
	}
}

// Send posts the notification body with an HMAC signature.
// Headers: X-OpsCore-Execution-ID, X-OpsCore-Trigger, X-OpsCore-Signature.
func (s *HTTPNotificationSender) Send(ctx context.Context, req WebhookRequest) WebhookResult {
	start := time.Now()

	timeout := req.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-OpsCore-Execution-ID", req.ExecutionID)
	httpReq.Header.Set("X-OpsCore-Trigger", req.TriggerName)
	httpReq.Header.Set("X-OpsCore-Signature", ComputeSignature(req.Secret, req.Body))

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	return WebhookResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}
}

func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to verify incoming notifications.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := ComputeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
