// Package webhook delivers the run report to an HTTP endpoint with retries.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/zinc-sig/harness/internal/output"
)

// RunIDHeader carries the run ID on every delivery
const RunIDHeader = "X-Harness-Run-ID"

// Client represents a webhook HTTP client
type Client struct {
	httpClient  *http.Client
	config      *Config
	retryConfig *RetryConfig
	logger      *zap.Logger
}

// NewClient creates a new webhook client
func NewClient(config *Config, retryConfig *RetryConfig, logger *zap.Logger) *Client {
	if config.Method == "" {
		config.Method = http.MethodPost
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if retryConfig == nil {
		retryConfig = DefaultRetryConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: 10 * time.Second, // Per-request timeout
		},
		config:      config,
		retryConfig: retryConfig,
		logger:      logger.Named("webhook"),
	}
}

// SendReport delivers a run report. The run ID doubles as the idempotency key
// so a receiver can drop deliveries repeated by retries.
func (c *Client) SendReport(ctx context.Context, report *output.Report) error {
	return c.send(ctx, report, map[string]string{
		RunIDHeader:       report.RunID,
		"Idempotency-Key": report.RunID,
	})
}

// Send sends the payload to the webhook with retry logic
func (c *Client) Send(ctx context.Context, payload any) error {
	return c.send(ctx, payload, nil)
}

func (c *Client) send(ctx context.Context, payload any, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var (
		lastErr error
		wait    time.Duration
	)
	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			if wait == 0 {
				wait = calculateBackoff(attempt, c.retryConfig)
			}
			c.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", c.retryConfig.MaxRetries),
				zap.Duration("delay", wait))

			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("webhook timeout after %d attempts: %w", attempt, ctx.Err())
			}
			wait = 0
		}

		resp, err := c.sendRequest(ctx, body, headers)
		if err == nil && resp.status >= 200 && resp.status < 300 {
			c.logger.Debug("delivered", zap.Int("status", resp.status), zap.Int("attempts", attempt+1))
			return nil
		}

		if err != nil {
			lastErr = fmt.Errorf("attempt %d failed: %w", attempt+1, err)
			continue
		}
		lastErr = fmt.Errorf("attempt %d failed with status %d", attempt+1, resp.status)
		if !isRetryableStatus(resp.status) {
			c.logger.Debug("non-retryable status, giving up", zap.Int("status", resp.status))
			return lastErr
		}
		if d, ok := retryAfter(resp.header, time.Now(), c.retryConfig.MaxDelay); ok {
			wait = d
		}
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", c.retryConfig.MaxRetries+1, lastErr)
}

type response struct {
	status int
	header http.Header
}

func (c *Client) sendRequest(ctx context.Context, body []byte, headers map[string]string) (response, error) {
	req, err := http.NewRequestWithContext(ctx, c.config.Method, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return response{}, err
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	switch c.config.AuthType {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	case AuthAPIKey:
		req.Header.Set("X-API-Key", c.config.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	// Drain response body to reuse connection
	io.Copy(io.Discard, resp.Body)

	return response{status: resp.StatusCode, header: resp.Header}, nil
}
