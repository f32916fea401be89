package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/ocmt/relay/internal/metrics"
)

// ErrRejected means the endpoint answered 4xx: the message was refused and
// retrying cannot help.
var ErrRejected = errors.New("callback endpoint rejected delivery")

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxRetries  = 2
	defaultBackoffBase = 100 * time.Millisecond
)

// Delivery is the payload POSTed to a callback endpoint.
type Delivery struct {
	MessageID string
	From      string
	Payload   string
	Timestamp time.Time
}

type callbackBody struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp"`
}

// Forwarder POSTs messages to callback URLs with bounded retries.
type Forwarder struct {
	client      *http.Client
	maxRetries  int
	backoffBase time.Duration
	logger      *log.Logger
}

// NewForwarder builds a forwarder. timeout bounds each attempt; maxRetries is
// the number of additional attempts after the first (so maxRetries=2 means up
// to 3 POSTs).
func NewForwarder(timeout time.Duration, maxRetries int) *Forwarder {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	return &Forwarder{
		client:      &http.Client{Timeout: timeout},
		maxRetries:  maxRetries,
		backoffBase: defaultBackoffBase,
		logger:      log.New(log.Writer(), "[CALLBACK] ", log.LstdFlags),
	}
}

// Deliver POSTs the message to url. Network errors and 5xx responses are
// retried with exponential backoff (base·2ⁿ); 4xx is terminal and returns
// ErrRejected. The URL itself was vetted by the registration policy.
func (f *Forwarder) Deliver(ctx context.Context, url string, d Delivery) error {
	body, err := json.Marshal(callbackBody{
		Type:      "message",
		MessageID: d.MessageID,
		From:      d.From,
		Payload:   d.Payload,
		Timestamp: d.Timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal callback body: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := f.backoffBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build callback request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-OCMT-Message-Id", d.MessageID)
		req.Header.Set("X-OCMT-From", d.From)

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
			metrics.CallbackAttempts.WithLabelValues("retryable").Inc()
			f.logger.Printf("Attempt %d failed for %s: %v", attempt+1, d.MessageID, err)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			metrics.CallbackAttempts.WithLabelValues("success").Inc()
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			metrics.CallbackAttempts.WithLabelValues("rejected").Inc()
			f.logger.Printf("Endpoint returned %d for %s, not retrying", resp.StatusCode, d.MessageID)
			return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
		default:
			lastErr = fmt.Errorf("callback returned status %d", resp.StatusCode)
			metrics.CallbackAttempts.WithLabelValues("retryable").Inc()
			f.logger.Printf("Attempt %d got %d for %s", attempt+1, resp.StatusCode, d.MessageID)
		}
	}
	return fmt.Errorf("callback delivery failed after %d attempts: %w", f.maxRetries+1, lastErr)
}
